package utils

import (
	"go.uber.org/zap"
)

// Log 全局日志器，main 中初始化后全进程复用
var Log *zap.SugaredLogger = zap.NewNop().Sugar()

// InitLogger 初始化 zap 日志器
// debug 为 true 时使用开发配置（彩色、human readable）
func InitLogger(debug bool) error {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	Log = logger.Sugar()
	return nil
}
