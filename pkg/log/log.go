// Package log 封装了 zap，提供全局的结构化日志函数。
package log

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 默认使用 no-op logger，未调用 Init 的测试与命令行子命令也能安全打日志。
var sugar = zap.NewNop().Sugar()

// Init 根据级别、格式与输出目录初始化 zap logger。
func Init(level, format, outputPath string) error {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	var zapConfig zap.Config
	if format == "console" {
		// 开发环境配置
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.Encoding = "console"
	} else {
		// 生产环境配置
		zapConfig = zap.NewProductionConfig()
		zapConfig.Encoding = "json"
	}
	zapConfig.Level = logLevel
	zapConfig.OutputPaths = []string{"stdout"}
	if outputPath != "" {
		if err := os.MkdirAll(outputPath, os.ModePerm); err != nil {
			return err
		}
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, filepath.Join(outputPath, "app.log"))
	}

	logger, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	sugar = logger.Sugar()
	return nil
}

// Debugf 使用格式化字符串记录一条 debug 级别的日志
func Debugf(template string, args ...interface{}) {
	sugar.Debugf(template, args...)
}

// Info 记录一条 info 级别的日志
func Info(msg string) {
	sugar.Info(msg)
}

// Infof 使用格式化字符串记录一条 info 级别的日志
func Infof(template string, args ...interface{}) {
	sugar.Infof(template, args...)
}

// Infow 使用键值对记录一条 info 级别的结构化日志。
func Infow(msg string, keysAndValues ...interface{}) {
	sugar.Infow(msg, keysAndValues...)
}

// Warnf 使用格式化字符串记录一条 warn 级别的日志
func Warnf(template string, args ...interface{}) {
	sugar.Warnf(template, args...)
}

// Warnw 使用键值对记录一条 warn 级别的结构化日志。
func Warnw(msg string, keysAndValues ...interface{}) {
	sugar.Warnw(msg, keysAndValues...)
}

// Error 记录一条 error 级别的日志，并附带 error 信息
func Error(msg string, err error) {
	sugar.Errorw(msg, "error", err)
}

func Errorf(template string, args ...interface{}) {
	sugar.Errorf(template, args...)
}

// Fatal 记录一条 fatal 级别的日志，并附带 error 信息，然后退出程序
func Fatal(msg string, err error) {
	sugar.Fatalw(msg, "error", err)
}

func Fatalf(template string, args ...interface{}) {
	sugar.Fatalf(template, args...)
}

// Sync 将缓冲区中的日志刷新到底层 Writer，程序退出前调用。
func Sync() {
	_ = sugar.Sync()
}
