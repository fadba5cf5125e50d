package services

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
)

// buildPartiallySignedTx 构造一笔 领取人已签、国库槽位状态可控 的交易
func buildPartiallySignedTx(t *testing.T, user solana.PrivateKey, treasury *TreasuryService, signTreasury bool) *solana.Transaction {
	t.Helper()
	instr := buildTokenTransferInstruction(
		treasury.TokenAccount(),
		solana.NewWallet().PublicKey(),
		treasury.PublicKey(),
		1000,
	)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		solana.Hash{5},
		solana.TransactionPayer(user.PublicKey()),
	)
	require.NoError(t, err)

	treasuryKey := treasury.Keypair()
	_, err = tx.PartialSign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(user.PublicKey()) {
			return &user
		}
		if signTreasury && pk.Equals(treasuryKey.PublicKey()) {
			return &treasuryKey
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func TestMergeTreasurySignatureFillsMissingSlot(t *testing.T) {
	treasury := newTestTreasury(&fakeChain{})
	s := &ClaimService{treasury: treasury}
	user := solana.NewWallet().PrivateKey

	// 前端回传时丢了国库签名
	tx := buildPartiallySignedTx(t, user, treasury, false)
	userSig := tx.Signatures[0]
	require.False(t, userSig.IsZero())
	require.True(t, tx.Signatures[1].IsZero())

	require.NoError(t, s.mergeTreasurySignature(tx))

	// 国库槽位补上，用户签名原样不动
	assert.False(t, tx.Signatures[1].IsZero())
	assert.Equal(t, userSig, tx.Signatures[0])
}

func TestMergeTreasurySignatureIdempotent(t *testing.T) {
	treasury := newTestTreasury(&fakeChain{})
	s := &ClaimService{treasury: treasury}
	user := solana.NewWallet().PrivateKey

	tx := buildPartiallySignedTx(t, user, treasury, true)
	existing := tx.Signatures[1]
	require.False(t, existing.IsZero())

	// 签名已在场时补签是 no-op
	require.NoError(t, s.mergeTreasurySignature(tx))
	assert.Equal(t, existing, tx.Signatures[1])
}

func TestMergeTreasurySignatureRejectsForeignTx(t *testing.T) {
	treasury := newTestTreasury(&fakeChain{})
	s := &ClaimService{treasury: treasury}

	// 国库根本不是这笔交易的 required signer
	other := solana.NewWallet()
	instr := buildTokenTransferInstruction(
		solana.NewWallet().PublicKey(),
		solana.NewWallet().PublicKey(),
		other.PublicKey(),
		1,
	)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		solana.Hash{6},
		solana.TransactionPayer(other.PublicKey()),
	)
	require.NoError(t, err)

	err = s.mergeTreasurySignature(tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a required signer")
}

func TestVerifyClaimTxShapeAcceptsServerBuiltTx(t *testing.T) {
	for _, ataExists := range []bool{true, false} {
		chain := &fakeChain{blockhash: solana.Hash{1}, accountExists: ataExists, fee: 5000, rent: 2039280}
		treasury := newTestTreasury(chain)
		builder := newTxBuilderWithClient(chain, treasury)
		s := &ClaimService{treasury: treasury, cfg: ClaimConfig{Amount: 1_000_000_000}}
		recipient := solana.NewWallet().PublicKey()

		unsigned, err := builder.BuildUnsignedClaimTx(context.Background(), recipient, s.cfg.Amount)
		require.NoError(t, err)

		// 服务端自己构造的交易（含/不含建 ATA 两种形态）必须通过核对
		assert.NoError(t, s.verifyClaimTxShape(unsigned.Tx, recipient))
	}
}

func TestVerifyClaimTxShapeRejectsTreasuryDrain(t *testing.T) {
	treasury := newTestTreasury(&fakeChain{})
	s := &ClaimService{treasury: treasury, cfg: ClaimConfig{Amount: 1_000_000_000}}
	attacker := solana.NewWallet()
	attackerATA, _, err := solana.FindAssociatedTokenAddress(attacker.PublicKey(), treasury.Mint())
	require.NoError(t, err)

	// 攻击者手搓一笔把国库掏空的转账，fee payer 是自己，让国库来补签
	instr := buildTokenTransferInstruction(
		treasury.TokenAccount(),
		attackerATA,
		treasury.PublicKey(),
		999_999_999_999,
	)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		solana.Hash{9},
		solana.TransactionPayer(attacker.PublicKey()),
	)
	require.NoError(t, err)

	err = s.verifyClaimTxShape(tx, attacker.PublicKey())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match the claim amount")
}

func TestVerifyClaimTxShapeRejectsWrongDestination(t *testing.T) {
	treasury := newTestTreasury(&fakeChain{})
	s := &ClaimService{treasury: treasury, cfg: ClaimConfig{Amount: 1_000_000_000}}
	recipient := solana.NewWallet().PublicKey()

	// 金额对，但收款账户不是领取人自己的 ATA
	instr := buildTokenTransferInstruction(
		treasury.TokenAccount(),
		solana.NewWallet().PublicKey(),
		treasury.PublicKey(),
		s.cfg.Amount,
	)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		solana.Hash{9},
		solana.TransactionPayer(recipient),
	)
	require.NoError(t, err)

	err = s.verifyClaimTxShape(tx, recipient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination")
}

func TestVerifyClaimTxShapeRejectsExtraInstruction(t *testing.T) {
	treasury := newTestTreasury(&fakeChain{})
	s := &ClaimService{treasury: treasury, cfg: ClaimConfig{Amount: 1_000_000_000}}
	recipient := solana.NewWallet().PublicKey()
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, treasury.Mint())
	require.NoError(t, err)

	good := buildTokenTransferInstruction(
		treasury.TokenAccount(), recipientATA, treasury.PublicKey(), s.cfg.Amount)

	// 双指令但第一条不是建 ATA：夹带的第二笔转账
	tx, err := solana.NewTransaction(
		[]solana.Instruction{good, good},
		solana.Hash{9},
		solana.TransactionPayer(recipient),
	)
	require.NoError(t, err)
	err = s.verifyClaimTxShape(tx, recipient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an associated token account creation")

	// 超过两条指令直接拒
	tx, err = solana.NewTransaction(
		[]solana.Instruction{good, good, good},
		solana.Hash{9},
		solana.TransactionPayer(recipient),
	)
	require.NoError(t, err)
	err = s.verifyClaimTxShape(tx, recipient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction count")
}

func TestPollForConfirmationConfirmed(t *testing.T) {
	chain := &fakeChain{statuses: []*rpc.SignatureStatusesResult{
		{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
	}}
	s := &ClaimService{chain: chain}

	ok, msg := s.pollForConfirmation(context.Background(), solana.Signature{1})
	assert.True(t, ok)
	assert.Empty(t, msg)
}

func TestPollForConfirmationOnChainError(t *testing.T) {
	chain := &fakeChain{statuses: []*rpc.SignatureStatusesResult{
		{Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
	}}
	s := &ClaimService{chain: chain}

	ok, msg := s.pollForConfirmation(context.Background(), solana.Signature{1})
	assert.False(t, ok)
	assert.Contains(t, msg, "transaction failed on-chain")
}

func TestPollForConfirmationTimeout(t *testing.T) {
	// 链上一直查不到状态，超时后必须以 (false, "") 收尾，
	// 上层据此把记录判成 failed 终态
	chain := &fakeChain{}
	s := &ClaimService{chain: chain}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ok, msg := s.pollForConfirmation(ctx, solana.Signature{1})
	assert.False(t, ok)
	assert.Empty(t, msg)
}

func TestWaitForConfirmationPollsWithoutWebsocket(t *testing.T) {
	chain := &fakeChain{statuses: []*rpc.SignatureStatusesResult{
		{ConfirmationStatus: rpc.ConfirmationStatusFinalized},
	}}
	s := &ClaimService{chain: chain} // wsClient 为 nil，只能走轮询

	ok, msg := s.waitForConfirmation(context.Background(), solana.Signature{1})
	assert.True(t, ok)
	assert.Empty(t, msg)
}

func TestNewClaimRecordLeavesErrorEmpty(t *testing.T) {
	s := &ClaimService{cfg: ClaimConfig{Amount: 1_000_000_000}}

	claim := s.newClaimRecord("4Nd1mYQqKF6v6kYq", solana.Signature{7}, models.EligibilitySourcePromo, time.Now())

	assert.Equal(t, models.ClaimStatusSubmitted, claim.TxStatus)
	assert.Empty(t, claim.TxError) // transaction_error 只属于 failed 终态
	assert.NotEmpty(t, claim.ClaimID)
	assert.Equal(t, uint64(1_000_000_000), claim.ClaimAmount)
}

func TestEvictStaleInflight(t *testing.T) {
	s := &ClaimService{inflight: make(map[string]*inflightBuild)}

	s.inflight["old"] = &inflightBuild{done: make(chan struct{}), createdAt: time.Now().Add(-10 * time.Minute)}
	s.inflight["fresh"] = &inflightBuild{done: make(chan struct{}), createdAt: time.Now()}

	s.evictStaleInflight(time.Now().Add(-5 * time.Minute))

	assert.NotContains(t, s.inflight, "old")
	assert.Contains(t, s.inflight, "fresh")
}
