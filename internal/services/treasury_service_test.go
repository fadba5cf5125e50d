package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encryptForTest 与 decryptTreasurySecret 对应的加密端，布局 nonce || ciphertext
func encryptForTest(t *testing.T, plaintext string, key []byte) string {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed)
}

func TestDecryptTreasurySecretRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	keyB64 := base64.StdEncoding.EncodeToString(key)

	secret := solana.NewWallet().PrivateKey.String()
	encrypted := encryptForTest(t, secret, key)

	decrypted, err := decryptTreasurySecret(encrypted, keyB64)
	require.NoError(t, err)
	assert.Equal(t, secret, decrypted)
}

func TestDecryptTreasurySecretWrongKey(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	wrongKey := make([]byte, 32)
	_, _ = rand.Read(wrongKey)

	encrypted := encryptForTest(t, "secret", key)

	_, err := decryptTreasurySecret(encrypted, base64.StdEncoding.EncodeToString(wrongKey))
	require.Error(t, err)
}

func TestDecryptTreasurySecretBadInputs(t *testing.T) {
	key := make([]byte, 32)
	keyB64 := base64.StdEncoding.EncodeToString(key)

	cases := []struct {
		name      string
		encrypted string
		key       string
	}{
		{"密钥不是base64", "AAAA", "!!!"},
		{"密钥长度不对", "AAAA", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"密文不是base64", "!!!", keyB64},
		{"密文太短", base64.StdEncoding.EncodeToString([]byte("x")), keyB64},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decryptTreasurySecret(tc.encrypted, tc.key)
			require.Error(t, err)
		})
	}
}

func TestValidateTransferParams(t *testing.T) {
	treasury := newTestTreasury(&fakeChain{})
	recipient := solana.NewWallet().PublicKey()

	pk, err := treasury.ValidateTransferParams(recipient.String(), 1000)
	require.NoError(t, err)
	assert.Equal(t, recipient, pk)

	// 金额为零
	_, err = treasury.ValidateTransferParams(recipient.String(), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// 地址非法
	_, err = treasury.ValidateTransferParams("not-an-address", 1000)
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	// 国库自己不能领
	_, err = treasury.ValidateTransferParams(treasury.PublicKey().String(), 1000)
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestValidateSufficientBalance(t *testing.T) {
	chain := &fakeChain{tokenAmount: "500"}
	treasury := newTestTreasury(chain)

	require.NoError(t, treasury.ValidateSufficientBalance(context.Background(), 500))

	err := treasury.ValidateSufficientBalance(context.Background(), 501)
	require.ErrorIs(t, err, ErrInsufficientTreasury)
	// 错误信息必须带缺口数字
	assert.Contains(t, err.Error(), "short 1")
}

func TestGetTokenBalanceIsFresh(t *testing.T) {
	chain := &fakeChain{tokenAmount: "100"}
	treasury := newTestTreasury(chain)

	balance, err := treasury.GetTokenBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)

	// 余额变化必须立刻反映出来，不允许有缓存
	chain.tokenAmount = "42"
	balance, err = treasury.GetTokenBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), balance)
}
