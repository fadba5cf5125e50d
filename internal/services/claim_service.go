package services

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/db"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/utils"
)

var (
	ErrNotEligible          = errors.New("wallet is not eligible for the airdrop")
	ErrAlreadyClaimed       = errors.New("airdrop already claimed")
	ErrBadTx                = errors.New("bad tx")
	ErrMissingUserSignature = errors.New("transaction is missing the recipient signature")
	ErrInvalidSignature     = errors.New("invalid transaction signature")
	ErrBroadcastFailed      = errors.New("broadcast failed")
)

// AlreadyClaimedError 携带已存在的领取记录，前端要展示原领取金额和时间
type AlreadyClaimedError struct {
	Claim *models.AirdropClaim
}

func (e *AlreadyClaimedError) Error() string { return ErrAlreadyClaimed.Error() }
func (e *AlreadyClaimedError) Unwrap() error { return ErrAlreadyClaimed }

// ClaimConfig 领取流程配置
type ClaimConfig struct {
	Amount         uint64        // 每个钱包的领取额度（最小单位）
	TokenDecimals  int32         // 代币精度，显示金额用
	Cluster        string        // mainnet / devnet
	DryRun         bool          // true 时 submit 不真正广播
	ConfirmTimeout time.Duration // 确认等待上限，默认 60s
	WSURL          string        // 可选，配置后确认走 websocket 快路径
}

// inflightBuild 同一钱包并发 build 请求的合并项
type inflightBuild struct {
	done      chan struct{}
	res       *models.BuildClaimResponse
	err       error
	createdAt time.Time
}

// ClaimService 领取流程总编排
// 状态机: checking_duplicate -> checking_eligibility -> building ->
// awaiting_user_signature -> submitting -> submitted -> confirming -> confirmed/failed
// 入库只发生在 submitting 成功之后，build 阶段不留任何痕迹
type ClaimService struct {
	db          *gorm.DB
	treasury    *TreasuryService
	builder     *TxBuilder
	eligibility *EligibilityService
	chain       ChainRPC
	cfg         ClaimConfig

	wsClient *ws.Client // 可能为 nil，nil 时确认只走轮询

	// 单进程内的同钱包请求合并，只是优化；跨进程安全靠唯一索引
	mu       sync.Mutex
	inflight map[string]*inflightBuild
}

func NewClaimService(dbConn *gorm.DB, treasury *TreasuryService, builder *TxBuilder, eligibility *EligibilityService, cfg ClaimConfig) *ClaimService {
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 9
	}
	s := &ClaimService{
		db:          dbConn,
		treasury:    treasury,
		builder:     builder,
		eligibility: eligibility,
		chain:       treasury.Client(),
		cfg:         cfg,
		inflight:    make(map[string]*inflightBuild),
	}
	if cfg.WSURL != "" {
		// websocket 连不上不致命，确认退化为轮询
		wsClient, err := ws.Connect(context.Background(), cfg.WSURL)
		if err != nil {
			utils.Log.Warnw("WebSocket 连接失败，确认将走轮询", "err", err)
		} else {
			s.wsClient = wsClient
		}
	}
	return s
}

// CheckEligibility 资格查询入口，已领取的钱包直接短路返回原记录信息
func (s *ClaimService) CheckEligibility(ctx context.Context, wallet string) (*models.CheckEligibilityResponse, error) {
	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	claim, err := db.GetClaimByWallet(s.db, wallet)
	if err == nil {
		return &models.CheckEligibilityResponse{
			IsEligible:        false,
			AlreadyClaimed:    true,
			EligibilitySource: claim.EligibilitySource,
			ClaimedAt:         claim.ClaimedAt.UTC().Format(time.RFC3339),
			ClaimAmount:       claim.ClaimAmount,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	result := s.eligibility.Resolve(ctx, wallet)
	return &models.CheckEligibilityResponse{
		IsEligible:        result.IsEligible,
		AlreadyClaimed:    false,
		EligibilitySource: result.Source,
		Domain:            result.Domain,
		Reason:            result.Reason,
		ClaimAmount:       s.cfg.Amount,
	}, nil
}

// BuildClaim 构造未签名的领取交易
// 不产生任何持久化：用户放弃签名后重试 build 是安全的
// 同一钱包的并发 build 会被合并到一次构造
func (s *ClaimService) BuildClaim(ctx context.Context, wallet string) (*models.BuildClaimResponse, error) {
	s.mu.Lock()
	if entry, ok := s.inflight[wallet]; ok {
		s.mu.Unlock()
		select {
		case <-entry.done:
			return entry.res, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	entry := &inflightBuild{done: make(chan struct{}), createdAt: time.Now()}
	s.inflight[wallet] = entry
	s.mu.Unlock()

	defer func() {
		close(entry.done)
		s.mu.Lock()
		delete(s.inflight, wallet)
		s.mu.Unlock()
	}()

	entry.res, entry.err = s.buildClaim(ctx, wallet)
	return entry.res, entry.err
}

func (s *ClaimService) buildClaim(ctx context.Context, wallet string) (*models.BuildClaimResponse, error) {
	// checking_duplicate
	if err := s.rejectIfClaimed(wallet); err != nil {
		return nil, err
	}

	// checking_eligibility
	eligibility := s.eligibility.Resolve(ctx, wallet)
	if !eligibility.IsEligible {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, eligibility.Reason)
	}

	recipient, err := s.treasury.ValidateTransferParams(wallet, s.cfg.Amount)
	if err != nil {
		return nil, err
	}

	// building：构造前必须现查国库余额
	if err := s.treasury.ValidateSufficientBalance(ctx, s.cfg.Amount); err != nil {
		return nil, err
	}

	unsigned, err := s.builder.BuildUnsignedClaimTx(ctx, recipient, s.cfg.Amount)
	if err != nil {
		return nil, err
	}

	// 手续费 + 可能的建户租金都由领取人出，先确认付得起再把交易给前端
	if err := s.builder.ValidateUserCanPayFees(ctx, recipient, unsigned.EstimatedFee+unsigned.ATARent); err != nil {
		return nil, err
	}

	encoded, err := utils.EncodeBase64Tx(unsigned.Tx)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", ErrBuildFailed, err)
	}

	amountUi := decimal.New(int64(s.cfg.Amount), -s.cfg.TokenDecimals).String()

	return &models.BuildClaimResponse{
		Success:    true,
		ClaimID:    uuid.NewString(),
		UnsignedTx: encoded,
		Metadata: models.ClaimMetadata{
			ClaimAmount:       s.cfg.Amount,
			ClaimAmountUi:     amountUi,
			EligibilitySource: eligibility.Source,
			EstimatedFee:      unsigned.EstimatedFee,
			NeedsTokenAccount: unsigned.NeedsATACreation,
			FeePayer:          wallet,
		},
		Message: "Sign the transaction with your wallet to claim the airdrop",
	}, nil
}

// SubmitClaim 旧流程: 前端回传已签名交易，服务端校验、补国库签名、广播、入库
func (s *ClaimService) SubmitClaim(ctx context.Context, wallet, signedTxB64 string) (*models.SubmitClaimResponse, error) {
	recipient, err := s.treasury.ValidateTransferParams(wallet, s.cfg.Amount)
	if err != nil {
		return nil, err
	}
	if signedTxB64 == "" {
		return nil, ErrBadTx
	}

	tx, err := utils.DecodeBase64Tx(signedTxB64)
	if err != nil {
		return nil, ErrBadTx
	}

	// fee payer 必须是领取人本人，杜绝拿别人构造的交易来占领取名额
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(recipient) {
		return nil, fmt.Errorf("%w: fee payer is not the claiming wallet", ErrBadTx)
	}

	// 领取人签名必须在场且非零
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return nil, ErrMissingUserSignature
	}

	// 补签前必须逐条核对指令内容：国库只给服务端构造的那种定额转账签名，
	// 回传的交易里藏了任何别的指令都直接拒签
	if err := s.verifyClaimTxShape(tx, recipient); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTx, err)
	}

	// 前端序列化来回丢掉国库签名的情况时有发生，这里按槽位补回，
	// 补签只动国库自己的槽位，不影响已有的用户签名
	if err := s.mergeTreasurySignature(tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTx, err)
	}

	// checking_duplicate（提前拦截，最终裁决在插入时的唯一索引）
	if err := s.rejectIfClaimed(wallet); err != nil {
		return nil, err
	}

	// 重新核验资格，顺便拿 eligibility_source 落库
	eligibility := s.eligibility.Resolve(ctx, wallet)
	if !eligibility.IsEligible {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, eligibility.Reason)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", ErrBadTx, err)
	}

	var signature solana.Signature
	if s.cfg.DryRun {
		// dry run: 不广播，交易自身的签名就是它的 ID
		signature = tx.Signatures[0]
		utils.Log.Infow("dry run，跳过广播", "wallet", wallet, "signature", signature.String())
	} else {
		// submitting：skipPreflight 广播，blockhash 是否过期交给节点判断
		signature, err = s.chain.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
		}
		if signature.IsZero() {
			return nil, fmt.Errorf("%w: node returned zero signature", ErrBroadcastFailed)
		}
	}

	return s.recordSubmitted(wallet, signature, eligibility.Source, s.cfg.DryRun)
}

// RecordClaim 新流程: 前端已自行广播，服务端只记录并异步对账确认
func (s *ClaimService) RecordClaim(ctx context.Context, wallet, txSignature string) (*models.SubmitClaimResponse, error) {
	if _, err := s.treasury.ValidateTransferParams(wallet, s.cfg.Amount); err != nil {
		return nil, err
	}
	signature, err := solana.SignatureFromBase58(txSignature)
	if err != nil || signature.IsZero() {
		return nil, ErrInvalidSignature
	}

	if err := s.rejectIfClaimed(wallet); err != nil {
		return nil, err
	}

	eligibility := s.eligibility.Resolve(ctx, wallet)
	if !eligibility.IsEligible {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, eligibility.Reason)
	}

	return s.recordSubmitted(wallet, signature, eligibility.Source, false)
}

// recordSubmitted 插入领取记录并启动异步确认
// 这里的插入就是"每钱包最多一次"的裁决点：并发的第二个请求
// 会命中唯一索引，被翻译成与预检一致的"已领取"响应
func (s *ClaimService) recordSubmitted(wallet string, signature solana.Signature, source string, dryRun bool) (*models.SubmitClaimResponse, error) {
	now := time.Now()
	claim := s.newClaimRecord(wallet, signature, source, now)

	if err := db.InsertClaim(s.db, claim); err != nil {
		if errors.Is(err, db.ErrDuplicateClaim) {
			existing, lookupErr := db.GetClaimByWallet(s.db, wallet)
			if lookupErr != nil {
				return nil, ErrAlreadyClaimed
			}
			return nil, &AlreadyClaimedError{Claim: existing}
		}
		return nil, err
	}

	// confirming：对 HTTP 响应来说是 fire-and-forget，
	// 客户端先拿到"已提交"，确认结果稍后落到记录上
	// dry run 不广播也不确认，行留在 submitted 等对账扫描判终态
	if !dryRun {
		go s.confirmAsync(claim.ClaimID, signature)
	}

	return &models.SubmitClaimResponse{
		Success:           true,
		ClaimID:           claim.ClaimID,
		TxSignature:       signature.String(),
		ExplorerURL:       utils.ExplorerTxURL(signature.String(), s.cfg.Cluster),
		ClaimAmount:       claim.ClaimAmount,
		EligibilitySource: claim.EligibilitySource,
		ClaimedAt:         now.UTC().Format(time.RFC3339),
	}, nil
}

// newClaimRecord 组装待插入的领取记录
// transaction_error 必须留空：它只属于 failed 终态，由确认/对账流程填写
func (s *ClaimService) newClaimRecord(wallet string, signature solana.Signature, source string, now time.Time) *models.AirdropClaim {
	return &models.AirdropClaim{
		ClaimID:           uuid.NewString(),
		WalletAddress:     wallet,
		TxSignature:       signature.String(),
		ClaimAmount:       s.cfg.Amount,
		EligibilitySource: source,
		TxStatus:          models.ClaimStatusSubmitted,
		ClaimedAt:         now,
	}
}

// rejectIfClaimed 已有记录直接返回 AlreadyClaimedError
func (s *ClaimService) rejectIfClaimed(wallet string) error {
	claim, err := db.GetClaimByWallet(s.db, wallet)
	if err == nil {
		return &AlreadyClaimedError{Claim: claim}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

// confirmAsync 在后台等待链上确认，结果写回记录
// 无论发生什么（超时、链上错误、panic）都必须给记录一个终态，
// 不允许行停在 submitted 没人管
func (s *ClaimService) confirmAsync(claimID string, signature solana.Signature) {
	defer func() {
		if r := recover(); r != nil {
			utils.Log.Errorw("确认流程 panic", "claimID", claimID, "panic", r)
			s.markFailed(claimID, fmt.Sprintf("confirmation panicked: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConfirmTimeout)
	defer cancel()

	confirmed, txErr := s.waitForConfirmation(ctx, signature)
	switch {
	case confirmed:
		now := time.Now()
		if err := db.UpdateClaimStatus(s.db, claimID, models.ClaimStatusConfirmed, "", &now); err != nil {
			utils.Log.Errorw("确认状态写回失败", "claimID", claimID, "err", err)
		}
		utils.Log.Infow("领取交易已确认", "claimID", claimID, "signature", signature.String())
	case txErr != "":
		s.markFailed(claimID, txErr)
	default:
		s.markFailed(claimID, fmt.Sprintf("confirmation timeout after %s", s.cfg.ConfirmTimeout))
	}
}

// waitForConfirmation 等待交易确认
// 有 websocket 时先走 signatureSubscribe 快路径，任何异常退回轮询；
// 返回 (true, "") 表示确认成功，(false, msg) 表示链上失败，(false, "") 表示超时
func (s *ClaimService) waitForConfirmation(ctx context.Context, signature solana.Signature) (bool, string) {
	if s.wsClient != nil {
		sub, err := s.wsClient.SignatureSubscribe(signature, rpc.CommitmentConfirmed)
		if err == nil {
			defer sub.Unsubscribe()
			result, err := sub.Recv(ctx)
			if err == nil && result != nil {
				if result.Value.Err != nil {
					return false, fmt.Sprintf("transaction failed on-chain: %v", result.Value.Err)
				}
				return true, ""
			}
			// Recv 出错（含超时）落回轮询做最后一次状态核对
		}
	}
	return s.pollForConfirmation(ctx, signature)
}

func (s *ClaimService) pollForConfirmation(ctx context.Context, signature solana.Signature) (bool, string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		statuses, err := s.chain.GetSignatureStatuses(ctx, false, signature)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return false, fmt.Sprintf("transaction failed on-chain: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return true, ""
			}
		}

		select {
		case <-ctx.Done():
			return false, ""
		case <-ticker.C:
		}
	}
}

func (s *ClaimService) markFailed(claimID, reason string) {
	if err := db.UpdateClaimStatus(s.db, claimID, models.ClaimStatusFailed, reason, nil); err != nil {
		utils.Log.Errorw("失败状态写回失败", "claimID", claimID, "err", err)
	}
	utils.Log.Warnw("领取交易未确认", "claimID", claimID, "reason", reason)
}

// verifyClaimTxShape 核对回传交易的指令与服务端构造的完全一致
// 国库签名只能授权空投本身：允许的形态是 [为领取人建 ATA（可选）] 加上
// 恰好一笔 从国库代币账户到领取人 ATA 的定额转账，其余一律拒绝
func (s *ClaimService) verifyClaimTxShape(tx *solana.Transaction, recipient solana.PublicKey) error {
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, s.treasury.Mint())
	if err != nil {
		return fmt.Errorf("derive associated token account: %v", err)
	}

	account := func(inst solana.CompiledInstruction, i int) (solana.PublicKey, error) {
		if i >= len(inst.Accounts) || int(inst.Accounts[i]) >= len(tx.Message.AccountKeys) {
			return solana.PublicKey{}, errors.New("instruction account index out of range")
		}
		return tx.Message.AccountKeys[inst.Accounts[i]], nil
	}

	instrs := tx.Message.Instructions
	if len(instrs) == 0 || len(instrs) > 2 {
		return fmt.Errorf("unexpected instruction count %d", len(instrs))
	}

	if len(instrs) == 2 {
		// 第一条只能是给领取人自己建 ATA，租金由领取人出
		inst := instrs[0]
		program, err := tx.Message.Program(inst.ProgramIDIndex)
		if err != nil || !program.Equals(solana.SPLAssociatedTokenAccountProgramID) {
			return errors.New("first instruction is not an associated token account creation")
		}
		if len(inst.Data) != 0 {
			return errors.New("unexpected data in account creation instruction")
		}
		if len(inst.Accounts) != 7 {
			return errors.New("unexpected account list in account creation instruction")
		}
		payer, err := account(inst, 0)
		if err != nil {
			return err
		}
		ata, err := account(inst, 1)
		if err != nil {
			return err
		}
		owner, err := account(inst, 2)
		if err != nil {
			return err
		}
		mint, err := account(inst, 3)
		if err != nil {
			return err
		}
		if !payer.Equals(recipient) || !owner.Equals(recipient) {
			return errors.New("account creation is not for the claiming wallet")
		}
		if !ata.Equals(recipientATA) || !mint.Equals(s.treasury.Mint()) {
			return errors.New("account creation targets the wrong token account")
		}
	}

	// 最后一条必须是定额的 SPL Transfer（discriminator 3 + 8 字节小端金额）
	inst := instrs[len(instrs)-1]
	program, err := tx.Message.Program(inst.ProgramIDIndex)
	if err != nil || !program.Equals(solana.TokenProgramID) {
		return errors.New("last instruction is not a token transfer")
	}
	if len(inst.Data) != 9 || inst.Data[0] != 3 {
		return errors.New("last instruction is not a token transfer")
	}
	if amount := binary.LittleEndian.Uint64(inst.Data[1:]); amount != s.cfg.Amount {
		return fmt.Errorf("transfer amount %d does not match the claim amount %d", amount, s.cfg.Amount)
	}
	if len(inst.Accounts) != 3 {
		return errors.New("unexpected account list in transfer instruction")
	}
	source, err := account(inst, 0)
	if err != nil {
		return err
	}
	dest, err := account(inst, 1)
	if err != nil {
		return err
	}
	authority, err := account(inst, 2)
	if err != nil {
		return err
	}
	if !source.Equals(s.treasury.TokenAccount()) || !authority.Equals(s.treasury.PublicKey()) {
		return errors.New("transfer does not originate from the treasury token account")
	}
	if !dest.Equals(recipientATA) {
		return errors.New("transfer destination is not the claiming wallet's token account")
	}
	return nil
}

// mergeTreasurySignature 按槽位补国库签名
// 签名槽位顺序与消息头的 required signers 一致，补签与用户签名先后无关
func (s *ClaimService) mergeTreasurySignature(tx *solana.Transaction) error {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if required > len(tx.Message.AccountKeys) {
		return errors.New("malformed message header")
	}

	// 保证签名数组长度和 required signers 对齐
	for len(tx.Signatures) < required {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}

	treasuryPub := s.treasury.PublicKey()
	slot := -1
	for i := 0; i < required; i++ {
		if tx.Message.AccountKeys[i].Equals(treasuryPub) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errors.New("treasury is not a required signer of this transaction")
	}
	if !tx.Signatures[slot].IsZero() {
		return nil // 国库签名还在，不用补
	}

	msgBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	sig, err := s.treasury.Keypair().Sign(msgBytes)
	if err != nil {
		return err
	}
	tx.Signatures[slot] = sig
	return nil
}

// StartInflightJanitor 周期清理 in-flight 合并表里超龄的残留项
// 正常路径 defer 已经清掉，这里只兜构造 goroutine 异常死亡的漏
func (s *ClaimService) StartInflightJanitor(ctx context.Context, sweepInterval, maxAge time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictStaleInflight(time.Now().Add(-maxAge))
		}
	}
}

func (s *ClaimService) evictStaleInflight(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for wallet, entry := range s.inflight {
		if entry.createdAt.Before(cutoff) {
			delete(s.inflight, wallet)
		}
	}
}

// TreasuryBalance 运维接口用，查国库当前余额
func (s *ClaimService) TreasuryBalance(ctx context.Context) (uint64, string, error) {
	balance, err := s.treasury.GetTokenBalance(ctx)
	if err != nil {
		return 0, "", err
	}
	ui := decimal.New(int64(balance), -s.cfg.TokenDecimals).String()
	return balance, ui, nil
}

// ClaimByWallet 查询接口透传
func (s *ClaimService) ClaimByWallet(wallet string) (*models.AirdropClaim, error) {
	return db.GetClaimByWallet(s.db, wallet)
}
