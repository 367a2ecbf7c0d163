package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dftw-collector/pkg/config"
	"github.com/dftw-collector/pkg/goid"
)

type Logger = zap.Logger

var (
	baseLogger    *zap.Logger
	defaultFields = struct {
		Module string
	}{}
	loggerInitOnce    sync.Once
	loggerInitialized bool
	mu                sync.RWMutex
)

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "dbg", "debug":
		return zapcore.DebugLevel
	case "war", "warn":
		return zapcore.WarnLevel
	case "err", "error":
		return zapcore.ErrorLevel
	case "pan", "panic":
		return zapcore.PanicLevel
	case "fat", "fatal":
		return zapcore.FatalLevel
	}
	return zapcore.InfoLevel
}

// Init 初始化全局日志：彩色控制台 + 按天轮转的文件
func Init(cfg config.ZapLogConfig) (*zap.Logger, error) {
	var err error
	loggerInitOnce.Do(func() {
		level := parseLevel(cfg.Level)

		if err = os.MkdirAll(cfg.Path, 0o755); err != nil {
			return
		}

		maxAge := time.Duration(cfg.MaxAge) * 24 * time.Hour
		if maxAge <= 0 {
			maxAge = 7 * 24 * time.Hour
		}
		writer, wErr := rotatelogs.New(
			filepath.Join(cfg.Path, "dftw-%Y%m%d.log"),
			rotatelogs.WithMaxAge(maxAge),
			rotatelogs.WithRotationTime(24*time.Hour),
			rotatelogs.WithRotationSize(int64(cfg.MaxSize)*1024*1024),
		)
		if wErr != nil {
			err = wErr
			return
		}

		// 控制台彩色时间
		customTimeEncoderConsole := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(fmt.Sprintf("\033[34m%s\033[0m", t.Format("2006-01-02 15:04:05.000 -07:00")))
		}

		// 文件日志纯文本时间
		customTimeEncoderFile := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02 15:04:05.000 -07:00"))
		}

		coloredLevelEncoder := func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			var levelStr string
			switch level {
			case zapcore.DebugLevel:
				levelStr = "\033[36mDEBUG\033[0m"
			case zapcore.InfoLevel:
				levelStr = "\033[32mINFO \033[0m"
			case zapcore.WarnLevel:
				levelStr = "\033[33mWARN \033[0m"
			case zapcore.ErrorLevel:
				levelStr = "\033[31mERROR\033[0m"
			case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
				levelStr = "\033[35m" + level.CapitalString() + "\033[0m"
			default:
				levelStr = "UNK  "
			}
			enc.AppendString(levelStr)
		}

		consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
		consoleEncoderCfg.ConsoleSeparator = " "
		consoleEncoderCfg.EncodeLevel = coloredLevelEncoder
		consoleEncoderCfg.EncodeTime = customTimeEncoderConsole

		// Caller 两级路径
		consoleEncoderCfg.EncodeCaller = func(c zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			rel := filepath.Join(filepath.Base(filepath.Dir(c.File)), filepath.Base(c.File))
			enc.AppendString(fmt.Sprintf("%s:%d", rel, c.Line))
		}
		consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

		// 文件格式：json 或无颜色的 console
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.TimeKey = "timestamp"
		fileCfg.EncodeTime = customTimeEncoderFile
		fileCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		fileEncoder := zapcore.NewJSONEncoder(fileCfg)
		if cfg.Format == "console" {
			fileCfg.ConsoleSeparator = " "
			fileEncoder = zapcore.NewConsoleEncoder(fileCfg)
		}

		core := zapcore.NewTee(
			zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
			zapcore.NewCore(fileEncoder, zapcore.AddSync(writer), level),
		)

		baseLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
		loggerInitialized = true
	})
	if err != nil {
		return nil, err
	}
	return baseLogger, nil
}

// SetDefaultModule 设置未显式指定时日志携带的模块名
func SetDefaultModule(module string) {
	mu.Lock()
	defer mu.Unlock()
	defaultFields.Module = module
}

func GetDefaultModule() string {
	mu.RLock()
	defer mu.RUnlock()
	return defaultFields.Module
}

func getDefaultFields(moduleOverride string) []zapcore.Field {
	module := GetDefaultModule()
	if moduleOverride != "" {
		module = moduleOverride
	}
	return []zapcore.Field{
		zap.String("module", module),
		zap.String("goid", strconv.FormatUint(goid.GetGID(), 10)),
	}
}

func log(level zapcore.Level, msg string, moduleOverride string, fields ...zapcore.Field) {
	if !loggerInitialized {
		panic("logger not initialized: call logger.Init() first")
	}

	// 附加字段放在前面，方便在控制台里按模块过滤
	merged := append(getDefaultFields(moduleOverride), fields...)
	l := baseLogger.WithOptions(zap.AddCallerSkip(1))

	switch level {
	case zap.DebugLevel:
		l.Debug(msg, merged...)
	case zap.InfoLevel:
		l.Info(msg, merged...)
	case zap.WarnLevel:
		l.Warn(msg, merged...)
	case zap.ErrorLevel:
		l.Error(msg, merged...)
	case zap.PanicLevel:
		l.Panic(msg, merged...)
	case zap.FatalLevel:
		l.Fatal(msg, merged...)
	}
}

func Debug(msg string, moduleOverride string, fields ...zapcore.Field) {
	log(zap.DebugLevel, msg, moduleOverride, fields...)
}
func Info(msg string, moduleOverride string, fields ...zapcore.Field) {
	log(zap.InfoLevel, msg, moduleOverride, fields...)
}
func Warn(msg string, moduleOverride string, fields ...zapcore.Field) {
	log(zap.WarnLevel, msg, moduleOverride, fields...)
}
func Error(msg string, moduleOverride string, fields ...zapcore.Field) {
	log(zap.ErrorLevel, msg, moduleOverride, fields...)
}
func Panic(msg string, moduleOverride string, fields ...zapcore.Field) {
	log(zap.PanicLevel, msg, moduleOverride, fields...)
}
func Fatal(msg string, moduleOverride string, fields ...zapcore.Field) {
	log(zap.FatalLevel, msg, moduleOverride, fields...)
}

func Sync() error {
	if !loggerInitialized {
		return nil
	}
	return baseLogger.Sync()
}

// GetLogger 返回全局 logger；未初始化时返回 Nop，便于测试与库调用
func GetLogger() *zap.Logger {
	if !loggerInitialized {
		return zap.NewNop()
	}
	return baseLogger
}
