package logger

import (
	"io"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Option = zap.Option

func AddCaller() Option              { return zap.AddCaller() }
func AddCallerSkip(skip int) Option  { return zap.AddCallerSkip(skip) }
func AddStacktrace(lvl Level) Option { return zap.AddStacktrace(lvl) }

// RotateConfig 日志轮转配置
type RotateConfig struct {
	Filename   string // 日志文件路径
	MaxSize    int    // 单文件最大大小（MB），按大小轮转时生效
	MaxBackups int    // 保留的旧文件数量
	MaxAge     int    // 旧文件保留天数
	Compress   bool   // 是否压缩旧文件
}

// NewSizeRotateWriter 创建按大小轮转的日志输出（基于lumberjack）
func NewSizeRotateWriter(cfg *RotateConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

// NewTimeRotateWriter 创建按时间轮转的日志输出（基于file-rotatelogs，每日切割）
func NewTimeRotateWriter(filename string, maxAge time.Duration) (io.Writer, error) {
	return rotatelogs.New(
		filename+".%Y%m%d",
		rotatelogs.WithLinkName(filename),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
}
