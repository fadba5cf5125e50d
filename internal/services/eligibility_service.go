package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/db"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/utils"
)

// EligibilityResult 一次资格判定的结果，只在内存中流转，从不落库
type EligibilityResult struct {
	IsEligible bool
	Address    string
	Reason     string
	Source     string // promotional / manual / skr_domain
	Domain     string // 仅 skr_domain 命中时有值
}

// ParticipationStore 活动参与记录的查询口
type ParticipationStore interface {
	CountByWallet(wallet string) (int64, error)
}

// DomainResolver 域名资格服务（.skr 设备域名等），结果原样透传
type DomainResolver interface {
	ResolveDomain(ctx context.Context, wallet string) (eligible bool, domain string, err error)
}

type gormParticipationStore struct {
	db *gorm.DB
}

func (s *gormParticipationStore) CountByWallet(wallet string) (int64, error) {
	return db.CountPromoParticipations(s.db, wallet)
}

// allowlistEntry 人工白名单条目，allowlist.json 里的一行
type allowlistEntry struct {
	Address string `json:"address"`
	Note    string `json:"note"`
}

type allowlistFile struct {
	Wallets []allowlistEntry `json:"wallets"`
}

// EligibilityService 资格判定，按优先级依次查:
// 1. 活动参与记录  2. 人工白名单  3. 域名资格服务
// 这一层绝不向上抛错误：资格检查挂掉不能拖垮请求路径，
// 任何内部错误都折叠成"不符合资格"
type EligibilityService struct {
	participations ParticipationStore
	allowlistPath  string
	domains        DomainResolver
}

func NewEligibilityService(dbConn *gorm.DB, allowlistPath string, domains DomainResolver) *EligibilityService {
	return &EligibilityService{
		participations: &gormParticipationStore{db: dbConn},
		allowlistPath:  allowlistPath,
		domains:        domains,
	}
}

// Resolve 判定钱包资格，首个命中即返回
func (e *EligibilityService) Resolve(ctx context.Context, wallet string) EligibilityResult {
	notEligible := EligibilityResult{
		IsEligible: false,
		Address:    wallet,
		Reason:     "Wallet is not eligible for the airdrop",
	}

	// 1. 活动参与记录
	count, err := e.participations.CountByWallet(wallet)
	if err != nil {
		utils.Log.Warnw("活动参与记录查询失败", "wallet", wallet, "err", err)
		notEligible.Reason = "Error checking eligibility"
		return notEligible
	}
	if count > 0 {
		return EligibilityResult{
			IsEligible: true,
			Address:    wallet,
			Reason:     fmt.Sprintf("Participated in promotional campaign (%d entries)", count),
			Source:     models.EligibilitySourcePromo,
		}
	}

	// 2. 人工白名单（每次请求重读文件，运营改名单不用重启）
	entry, found, err := e.lookupAllowlist(wallet)
	if err != nil {
		utils.Log.Warnw("白名单读取失败", "path", e.allowlistPath, "err", err)
		notEligible.Reason = "Error checking eligibility"
		return notEligible
	}
	if found {
		reason := entry.Note
		if reason == "" {
			reason = "Manually approved by the team"
		}
		return EligibilityResult{
			IsEligible: true,
			Address:    wallet,
			Reason:     reason,
			Source:     models.EligibilitySourceManual,
		}
	}

	// 3. 域名资格服务，结果原样透传
	if e.domains != nil {
		eligible, domain, err := e.domains.ResolveDomain(ctx, wallet)
		if err != nil {
			utils.Log.Warnw("域名资格服务调用失败", "wallet", wallet, "err", err)
			notEligible.Reason = "Error checking eligibility"
			return notEligible
		}
		if eligible {
			return EligibilityResult{
				IsEligible: true,
				Address:    wallet,
				Reason:     fmt.Sprintf("Owns SKR domain %s", domain),
				Source:     models.EligibilitySourceDomain,
				Domain:     domain,
			}
		}
	}

	return notEligible
}

func (e *EligibilityService) lookupAllowlist(wallet string) (allowlistEntry, bool, error) {
	if e.allowlistPath == "" {
		return allowlistEntry{}, false, nil
	}
	data, err := os.ReadFile(e.allowlistPath)
	if err != nil {
		return allowlistEntry{}, false, err
	}
	var file allowlistFile
	if err := json.Unmarshal(data, &file); err != nil {
		return allowlistEntry{}, false, err
	}
	for _, entry := range file.Wallets {
		if entry.Address == wallet {
			return entry, true, nil
		}
	}
	return allowlistEntry{}, false, nil
}

// HTTPDomainResolver 调用域名资格 API 的实现
// GET {baseURL}/resolve?wallet=xxx -> {"eligible": bool, "domain": "xxx.skr"}
type HTTPDomainResolver struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPDomainResolver(baseURL string) *HTTPDomainResolver {
	return &HTTPDomainResolver{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPDomainResolver) ResolveDomain(ctx context.Context, wallet string) (bool, string, error) {
	if r.BaseURL == "" {
		return false, "", nil
	}
	endpoint := r.BaseURL + "/resolve?wallet=" + url.QueryEscape(wallet)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("domain api returned status %d", resp.StatusCode)
	}
	var body struct {
		Eligible bool   `json:"eligible"`
		Domain   string `json:"domain"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, "", err
	}
	return body.Eligible, body.Domain, nil
}
