package models

// CheckEligibilityRequest 资格检查请求
type CheckEligibilityRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
}

// CheckEligibilityResponse 资格检查响应
type CheckEligibilityResponse struct {
	IsEligible        bool   `json:"isEligible"`
	AlreadyClaimed    bool   `json:"alreadyClaimed"`
	EligibilitySource string `json:"eligibilitySource,omitempty"`
	Domain            string `json:"domain,omitempty"`
	Reason            string `json:"reason,omitempty"`
	ClaimedAt         string `json:"claimedAt,omitempty"`
	ClaimAmount       uint64 `json:"claimAmount,omitempty"`
}

// ClaimRequest 领取请求，action 决定分支:
//   - build:  构造未签名交易返回给前端
//   - submit: 旧流程，前端回传已签名交易，服务端补签并广播
//   - record: 新流程，前端已自行广播，服务端只记录并对账
type ClaimRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
	Action        string `json:"action" binding:"required"`
	SignedTx      string `json:"signedTransaction,omitempty"`    // submit 用，base64
	TxSignature   string `json:"transactionSignature,omitempty"` // record 用，base58
}

// BuildClaimResponse build 动作的响应
type BuildClaimResponse struct {
	Success    bool          `json:"success"`
	ClaimID    string        `json:"claimId"`
	UnsignedTx string        `json:"unsignedTransaction"` // base64
	Metadata   ClaimMetadata `json:"metadata"`
	Message    string        `json:"message"`
}

// ClaimMetadata 未签名交易的附加信息，前端据此渲染确认界面
type ClaimMetadata struct {
	ClaimAmount       uint64 `json:"claimAmount"`
	ClaimAmountUi     string `json:"claimAmountUi"` // 人类可读金额
	EligibilitySource string `json:"eligibilitySource"`
	EstimatedFee      uint64 `json:"estimatedFee"`
	NeedsTokenAccount bool   `json:"needsTokenAccount"` // 是否包含建 ATA 指令
	FeePayer          string `json:"feePayer"`          // 永远是领取人自己
}

// SubmitClaimResponse submit / record 动作的响应
type SubmitClaimResponse struct {
	Success           bool   `json:"success"`
	ClaimID           string `json:"claimId"`
	TxSignature       string `json:"transactionSignature"`
	ExplorerURL       string `json:"explorerUrl"`
	ClaimAmount       uint64 `json:"claimAmount"`
	EligibilitySource string `json:"eligibilitySource"`
	ClaimedAt         string `json:"claimedAt"`
}
