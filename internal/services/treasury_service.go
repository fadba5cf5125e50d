package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/utils"
)

var (
	ErrInvalidRecipient       = errors.New("invalid recipient address")
	ErrInvalidAmount          = errors.New("invalid claim amount")
	ErrInsufficientTreasury   = errors.New("insufficient treasury balance")
	errTreasuryDecryptFailed  = errors.New("treasury secret decrypt failed")
	errTreasuryAccountMissing = errors.New("treasury token account not found")
)

// TreasuryConfig 国库配置，全部来自配置文件，私钥以密文形式存放
type TreasuryConfig struct {
	RPCURL          string
	PublicKey       string // 国库公钥（base58），用于校验解密结果
	EncryptedSecret string // AES-256-GCM 密文（base64，nonce 在前）
	DecryptionKey   string // 32 字节对称密钥（base64）
	Mint            string // 代币 mint 地址
}

// TreasuryService 持有国库密钥对，进程内唯一，启动时显式构造后注入
// 初始化完成后只读，签名是对消息字节的纯函数，可安全并发使用
type TreasuryService struct {
	client       ChainRPC
	keypair      solana.PrivateKey
	pubkey       solana.PublicKey
	mint         solana.PublicKey
	tokenAccount solana.PublicKey
}

// NewTreasuryService 解密国库私钥、连接 RPC、推导国库的关联代币账户
// 任何一步失败都直接返回错误，领取流程在国库不可用时不允许启动
func NewTreasuryService(cfg TreasuryConfig) (*TreasuryService, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("solana.rpc_url is empty in config")
	}
	if cfg.EncryptedSecret == "" || cfg.DecryptionKey == "" {
		return nil, errors.New("treasury secret material missing in config")
	}

	secretBase58, err := decryptTreasurySecret(cfg.EncryptedSecret, cfg.DecryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTreasuryDecryptFailed, err)
	}

	keypair, err := solana.PrivateKeyFromBase58(secretBase58)
	if err != nil {
		return nil, errors.New("failed to parse decrypted treasury secret as base58")
	}
	pubkey := keypair.PublicKey()

	// 配置中的公钥用于核对，避免密文和密钥配错导致拿错账户签名
	if cfg.PublicKey != "" {
		expected, err := solana.PublicKeyFromBase58(cfg.PublicKey)
		if err != nil {
			return nil, errors.New("failed to parse solana.treasury_public_key as base58")
		}
		if !pubkey.Equals(expected) {
			return nil, errors.New("decrypted treasury key does not match configured public key")
		}
	}

	mint, err := solana.PublicKeyFromBase58(cfg.Mint)
	if err != nil {
		return nil, errors.New("failed to parse solana.mint as base58")
	}

	tokenAccount, _, err := solana.FindAssociatedTokenAddress(pubkey, mint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTreasuryAccountMissing, err)
	}

	utils.Log.Infow("国库初始化完成", "treasury", pubkey.String(), "tokenAccount", tokenAccount.String())

	return &TreasuryService{
		client:       rpc.New(cfg.RPCURL),
		keypair:      keypair,
		pubkey:       pubkey,
		mint:         mint,
		tokenAccount: tokenAccount,
	}, nil
}

// decryptTreasurySecret AES-256-GCM 解密
// 密文布局: nonce || ciphertext，整体 base64；解出的明文是 base58 私钥
func decryptTreasurySecret(encryptedB64, keyB64 string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return "", errors.New("decryption key is not valid base64")
	}
	if len(key) != 32 {
		return "", fmt.Errorf("decryption key must be 32 bytes, got %d", len(key))
	}

	payload, err := base64.StdEncoding.DecodeString(encryptedB64)
	if err != nil {
		return "", errors.New("encrypted secret is not valid base64")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(payload) < gcm.NonceSize() {
		return "", errors.New("encrypted secret too short")
	}

	nonce, ciphertext := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("authentication failed")
	}
	return string(plain), nil
}

// Keypair 返回国库密钥对，调用方只允许用来做 PartialSign
func (t *TreasuryService) Keypair() solana.PrivateKey {
	return t.keypair
}

func (t *TreasuryService) PublicKey() solana.PublicKey {
	return t.pubkey
}

func (t *TreasuryService) Mint() solana.PublicKey {
	return t.mint
}

// TokenAccount 国库的关联代币账户（转账的 source）
func (t *TreasuryService) TokenAccount() solana.PublicKey {
	return t.tokenAccount
}

// GetTokenBalance 实时查询国库代币余额（最小单位）
// 刻意不做缓存：必须在每次构造交易前查最新值，避免授权国库付不起的转账
func (t *TreasuryService) GetTokenBalance(ctx context.Context) (uint64, error) {
	res, err := t.client.GetTokenAccountBalance(ctx, t.tokenAccount, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get treasury token balance: %w", err)
	}
	if res == nil || res.Value == nil {
		return 0, errTreasuryAccountMissing
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad token amount from rpc: %w", err)
	}
	return amount, nil
}

// ValidateSufficientBalance 检查国库余额是否足以支付本次领取
// 不足时返回 ErrInsufficientTreasury，错误信息带缺口数字
func (t *TreasuryService) ValidateSufficientBalance(ctx context.Context, amount uint64) error {
	balance, err := t.GetTokenBalance(ctx)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: have %d, need %d, short %d",
			ErrInsufficientTreasury, balance, amount, amount-balance)
	}
	return nil
}

// ValidateTransferParams 校验转账参数，地址非法或金额非正直接报错
func (t *TreasuryService) ValidateTransferParams(recipient string, amount uint64) (solana.PublicKey, error) {
	if amount == 0 {
		return solana.PublicKey{}, ErrInvalidAmount
	}
	pubkey, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if pubkey.IsZero() {
		return solana.PublicKey{}, ErrInvalidRecipient
	}
	if pubkey.Equals(t.pubkey) {
		// 国库给自己领空投没有意义，视为非法请求
		return solana.PublicKey{}, ErrInvalidRecipient
	}
	return pubkey, nil
}

// Client 暴露底层 RPC 客户端给同进程的其他服务复用
func (t *TreasuryService) Client() ChainRPC {
	return t.client
}
