package services

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// fakeChain 测试用的 ChainRPC 替身，返回预设值，不碰网络
type fakeChain struct {
	blockhash     solana.Hash
	accountExists bool
	solBalance    uint64
	tokenAmount   string
	fee           uint64
	feeErr        error
	rent          uint64
	sendSig       solana.Signature
	sendErr       error
	sentRaw       []byte
	statuses      []*rpc.SignatureStatusesResult

	getBalanceErr      error
	getTokenBalanceErr error
	blockhashErr       error
}

func (f *fakeChain) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if f.blockhashErr != nil {
		return nil, f.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: f.blockhash},
	}, nil
}

func (f *fakeChain) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if !f.accountExists {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{}}, nil
}

func (f *fakeChain) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	if f.getBalanceErr != nil {
		return nil, f.getBalanceErr
	}
	return &rpc.GetBalanceResult{Value: f.solBalance}, nil
}

func (f *fakeChain) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	if f.getTokenBalanceErr != nil {
		return nil, f.getTokenBalanceErr
	}
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: f.tokenAmount},
	}, nil
}

func (f *fakeChain) GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error) {
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	fee := f.fee
	return &rpc.GetFeeForMessageResult{Value: &fee}, nil
}

func (f *fakeChain) GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment rpc.CommitmentType) (uint64, error) {
	return f.rent, nil
}

func (f *fakeChain) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{Value: f.statuses}, nil
}

func (f *fakeChain) SendRawTransactionWithOpts(ctx context.Context, transaction []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.sentRaw = transaction
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return f.sendSig, nil
}

// newTestTreasury 不走 RPC 的国库实例
func newTestTreasury(chain ChainRPC) *TreasuryService {
	keypair := solana.NewWallet().PrivateKey
	mint := solana.NewWallet().PublicKey()
	tokenAccount, _, _ := solana.FindAssociatedTokenAddress(keypair.PublicKey(), mint)
	return &TreasuryService{
		client:       chain,
		keypair:      keypair,
		pubkey:       keypair.PublicKey(),
		mint:         mint,
		tokenAccount: tokenAccount,
	}
}
