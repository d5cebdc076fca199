package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

func init() {
	Log = New(Options{Level: "debug"})
}

// Options 控制日志输出格式
type Options struct {
	Level string // debug/info/warn/error
	JSON  bool   // true => JSON 编码（生产），false => 彩色控制台
}

func New(o Options) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if o.JSON {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), parseLevel(o.Level))
	return zap.New(core, zap.AddCaller())
}

// Configure 替换全局 logger，在 main() 读取配置后调用
func Configure(o Options) {
	Log = New(o)
}

// L 返回全局 logger；组件默认注入它
func L() *zap.Logger { return Log }

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.DebugLevel
	}
}

// Info 全局 logger 的快捷方法，给没有注入 logger 的辅助函数用
func Info(msg string, fields ...zap.Field) { Log.Info(msg, fields...) }
