package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	appdb "github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/db"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/handler"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/models"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/services"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/internal/sweeper"
	"github.com/StorkSMS/Stork-SMS-Dapp-sub002/utils"
)

type Config struct {
	Postgres struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DBName   string `mapstructure:"dbname"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"postgres"`
	Solana struct {
		RPCURL            string `mapstructure:"rpc_url"`
		WSURL             string `mapstructure:"ws_url"` // 可选，确认走 websocket 快路径
		Mint              string `mapstructure:"mint"`
		Cluster           string `mapstructure:"cluster"` // mainnet / devnet
		TreasuryPublicKey string `mapstructure:"treasury_public_key"`
		TreasurySecretEnc string `mapstructure:"treasury_secret_encrypted"` // AES-256-GCM 密文（base64）
		TreasurySecretKey string `mapstructure:"treasury_secret_key"`       // 32 字节对称密钥（base64）
	} `mapstructure:"solana"`
	Airdrop struct {
		ClaimAmount    uint64 `mapstructure:"claim_amount"`   // 每钱包领取额度（最小单位）
		TokenDecimals  int32  `mapstructure:"token_decimals"` // 默认 9
		DryRun         bool   `mapstructure:"dry_run"`
		AllowlistPath  string `mapstructure:"allowlist_path"`  // 人工白名单 JSON
		DomainAPIURL   string `mapstructure:"domain_api_url"`  // 域名资格服务
		ConfirmTimeout int    `mapstructure:"confirm_timeout"` // 秒，默认 60
		SweepInterval  int    `mapstructure:"sweep_interval"`  // 秒，默认 300
	} `mapstructure:"airdrop"`
	App struct {
		Port  int  `mapstructure:"port"`
		Debug bool `mapstructure:"debug"`
	} `mapstructure:"app"`
}

func main() {
	// 读取配置
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal("读取配置失败:", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatal("解析配置失败:", err)
	}

	if err := utils.InitLogger(cfg.App.Debug); err != nil {
		log.Fatal("日志初始化失败:", err)
	}
	defer func() { _ = utils.Log.Sync() }()

	// 连接 Postgres 并初始化表结构
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.User,
		cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.SSLMode)
	dbConn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true, // 唯一索引冲突译成 gorm.ErrDuplicatedKey
	})
	if err != nil {
		utils.Log.Fatalw("Postgres 连接失败", "err", err)
	}
	if err := dbConn.AutoMigrate(&models.AirdropClaim{}, &models.PromoParticipation{}); err != nil {
		utils.Log.Fatalw("表迁移失败", "err", err)
	}
	appdb.DB = dbConn
	utils.Log.Info("数据库初始化完成")

	// 国库：启动时显式构造，解密失败直接退出，不允许带病上线
	treasury, err := services.NewTreasuryService(services.TreasuryConfig{
		RPCURL:          cfg.Solana.RPCURL,
		PublicKey:       cfg.Solana.TreasuryPublicKey,
		EncryptedSecret: cfg.Solana.TreasurySecretEnc,
		DecryptionKey:   cfg.Solana.TreasurySecretKey,
		Mint:            cfg.Solana.Mint,
	})
	if err != nil {
		utils.Log.Fatalw("国库初始化失败", "err", err)
	}

	builder := services.NewTxBuilder(treasury)
	eligibility := services.NewEligibilityService(
		dbConn,
		cfg.Airdrop.AllowlistPath,
		services.NewHTTPDomainResolver(cfg.Airdrop.DomainAPIURL),
	)
	claims := services.NewClaimService(dbConn, treasury, builder, eligibility, services.ClaimConfig{
		Amount:         cfg.Airdrop.ClaimAmount,
		TokenDecimals:  cfg.Airdrop.TokenDecimals,
		Cluster:        cfg.Solana.Cluster,
		DryRun:         cfg.Airdrop.DryRun,
		ConfirmTimeout: time.Duration(cfg.Airdrop.ConfirmTimeout) * time.Second,
		WSURL:          cfg.Solana.WSURL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化 Gin
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	handler.InitStartTime()
	handler.RegisterRoutes(r, handler.New(claims))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)

	// HTTP 服务
	g.Go(func() error {
		utils.Log.Infow("服务器启动", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 对账扫描
	g.Go(func() error {
		sw := sweeper.New(dbConn, treasury.Client(),
			time.Duration(cfg.Airdrop.SweepInterval)*time.Second, 0)
		if err := sw.Start(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// in-flight 合并表清理
	g.Go(func() error {
		claims.StartInflightJanitor(gctx, time.Minute, 5*time.Minute)
		return nil
	})

	// 优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		utils.Log.Fatalw("服务退出", "err", err)
	}
	utils.Log.Info("服务已停止")
}
