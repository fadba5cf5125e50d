package services

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/utils"
)

var (
	ErrBuildFailed            = errors.New("failed to build claim transaction")
	ErrInsufficientFeeBalance = errors.New("insufficient balance to pay transaction fees")
)

// DefaultTxFee 费用估算失败时的兜底值（lamports）
const DefaultTxFee = 5000

// tokenAccountSize SPL 代币账户的固定大小，算建户租金用
const tokenAccountSize = 165

// UnsignedClaimTx 构造好的待签名交易
// 国库已部分签名，fee payer 槽位留空等领取人签，永远不会是完全签名状态
type UnsignedClaimTx struct {
	Tx               *solana.Transaction
	RecipientATA     solana.PublicKey
	NeedsATACreation bool
	EstimatedFee     uint64 // 网络费（lamports），不含建户租金
	ATARent          uint64 // 需要建户时领取人要付的租金，否则为 0
}

// TxBuilder 构造空投转账交易
type TxBuilder struct {
	client   ChainRPC
	treasury *TreasuryService
}

func NewTxBuilder(treasury *TreasuryService) *TxBuilder {
	return &TxBuilder{
		client:   treasury.Client(),
		treasury: treasury,
	}
}

// newTxBuilderWithClient 测试注入用
func newTxBuilderWithClient(client ChainRPC, treasury *TreasuryService) *TxBuilder {
	return &TxBuilder{client: client, treasury: treasury}
}

// BuildUnsignedClaimTx 构造未签名的领取交易
// 指令顺序: [建 ATA（如缺）] -> 代币转账
// fee payer 固定为领取人：国库只动代币，不替用户垫任何建户/手续费
func (b *TxBuilder) BuildUnsignedClaimTx(ctx context.Context, recipient solana.PublicKey, amount uint64) (*UnsignedClaimTx, error) {
	// 领取人的关联代币账户地址由 (mint, recipient) 确定性推导
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, b.treasury.Mint())
	if err != nil {
		return nil, fmt.Errorf("%w: derive associated token account: %v", ErrBuildFailed, err)
	}

	needsCreation, err := b.accountMissing(ctx, recipientATA)
	if err != nil {
		return nil, fmt.Errorf("%w: check token account: %v", ErrBuildFailed, err)
	}

	var instructions []solana.Instruction
	var ataRent uint64
	if needsCreation {
		// 建户租金由领取人出
		ataRent, err = b.client.GetMinimumBalanceForRentExemption(ctx, tokenAccountSize, rpc.CommitmentConfirmed)
		if err != nil {
			return nil, fmt.Errorf("%w: get rent exemption: %v", ErrBuildFailed, err)
		}
		instructions = append(instructions,
			buildCreateATAInstruction(recipient, recipientATA, recipient, b.treasury.Mint()))
	}
	instructions = append(instructions,
		buildTokenTransferInstruction(b.treasury.TokenAccount(), recipientATA, b.treasury.PublicKey(), amount))

	bh, err := b.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("%w: get latest blockhash: %v", ErrBuildFailed, err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		bh.Value.Blockhash,
		solana.TransactionPayer(recipient),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	// 国库立即部分签名；领取人槽位（Signatures[0]，即 fee payer）保持为零
	if err := partialSignTreasury(tx, b.treasury.Keypair()); err != nil {
		return nil, fmt.Errorf("%w: treasury partial sign: %v", ErrBuildFailed, err)
	}

	fee := b.estimateFee(ctx, tx)

	utils.Log.Infow("构造领取交易完成",
		"recipient", recipient.String(),
		"ata", recipientATA.String(),
		"needsCreation", needsCreation,
		"amount", amount,
		"estimatedFee", fee)

	return &UnsignedClaimTx{
		Tx:               tx,
		RecipientATA:     recipientATA,
		NeedsATACreation: needsCreation,
		EstimatedFee:     fee,
		ATARent:          ataRent,
	}, nil
}

// accountMissing 查询账户是否不存在于链上
func (b *TxBuilder) accountMissing(ctx context.Context, account solana.PublicKey) (bool, error) {
	out, err := b.client.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return out == nil || out.Value == nil, nil
}

// estimateFee 估算网络费，失败时退回固定默认值而不是让整个构造失败
func (b *TxBuilder) estimateFee(ctx context.Context, tx *solana.Transaction) uint64 {
	msgBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return DefaultTxFee
	}
	res, err := b.client.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(msgBytes), rpc.CommitmentConfirmed)
	if err != nil || res == nil || res.Value == nil {
		utils.Log.Warnw("费用估算失败，使用默认值", "default", DefaultTxFee, "err", err)
		return DefaultTxFee
	}
	return *res.Value
}

// ValidateUserCanPayFees 检查领取人 SOL 余额能否覆盖 needed（网络费 + 可能的建户租金）
// 不足时错误信息必须带上具体缺口，前端据此提示用户充值多少
func (b *TxBuilder) ValidateUserCanPayFees(ctx context.Context, recipient solana.PublicKey, needed uint64) error {
	res, err := b.client.GetBalance(ctx, recipient, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("%w: check balance: %v", ErrBuildFailed, err)
	}
	balance := res.Value
	if balance < needed {
		return fmt.Errorf("%w: have %d lamports, need %d, short %d lamports",
			ErrInsufficientFeeBalance, balance, needed, needed-balance)
	}
	return nil
}

// partialSignTreasury 只用国库私钥做部分签名，其余签名槽位不动
func partialSignTreasury(tx *solana.Transaction, treasury solana.PrivateKey) error {
	treasuryPub := treasury.PublicKey()
	_, err := tx.PartialSign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(treasuryPub) {
			return &treasury
		}
		return nil
	})
	return err
}

// buildTokenTransferInstruction 手工构造 SPL Token Transfer 指令
// 指令格式: discriminator 3 (Transfer) + amount (8 字节小端 uint64)
func buildTokenTransferInstruction(source, dest, authority solana.PublicKey, amount uint64) solana.Instruction {
	amountBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(amountBytes, amount)
	data := append([]byte{3}, amountBytes...)

	accounts := solana.AccountMetaSlice{
		{PublicKey: source, IsSigner: false, IsWritable: true},    // Source
		{PublicKey: dest, IsSigner: false, IsWritable: true},      // Destination
		{PublicKey: authority, IsSigner: true, IsWritable: false}, // Owner (authority)
	}

	return solana.NewInstruction(solana.TokenProgramID, accounts, data)
}

// buildCreateATAInstruction 手工构造 Create Associated Token Account 指令
// data 为空，账户顺序固定；payer 是领取人，租金不走国库
func buildCreateATAInstruction(payer, ata, owner, mint solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},                     // Funding account
		{PublicKey: ata, IsSigner: false, IsWritable: true},                      // ATA to create
		{PublicKey: owner, IsSigner: false, IsWritable: false},                   // Wallet owner
		{PublicKey: mint, IsSigner: false, IsWritable: false},                    // Token mint
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},  // System program
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},   // Token program
		{PublicKey: solana.SysVarRentPubkey, IsSigner: false, IsWritable: false}, // Rent sysvar
	}

	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{})
}
