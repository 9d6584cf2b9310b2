package utils

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Назначение:
// Единый logger для всех компонентов kill switch.
// Каждый компонент получает *Logger через конструктор (WithComponent),
// глобальный logger используется только в точке входа и утилитах.
//
// Глобальный экземпляр (SetGlobalLogger / L) нужен только middleware
// без явно переданного logger.

// LogConfig - настройки логирования
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // путь к файлу; пусто = stderr
	Development bool   // stacktrace на warn, caller и читаемый вывод
}

// Logger - обёртка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт logger по конфигурации
//
// При невозможности открыть файл Output пишет в stderr (не паникует)
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			sink = zapcore.Lock(f)
		}
	}

	core := zapcore.NewCore(encoder, sink, level)

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	}

	return &Logger{Logger: zap.New(core, opts...)}
}

// NewLogger оборачивает готовый zap.Logger (например, observer в тестах)
func NewLogger(base *zap.Logger) *Logger {
	return &Logger{Logger: base}
}

// NewNopLogger возвращает logger, который ничего не пишет (для тестов)
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// parseLevel переводит строку в уровень zap (по умолчанию info)
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный logger
// ============================================================

// SetGlobalLogger устанавливает глобальный logger
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L возвращает глобальный logger, создавая его при первом вызове
func L() *Logger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()
	if logger != nil {
		return logger
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний logger с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithComponent - logger компонента (core, audit, recovery, ...)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// ============================================================
// Конструкторы доменных полей
// ============================================================

func State(s string) zap.Field { return zap.String("state", s) }
func FromState(s string) zap.Field { return zap.String("from_state", s) }
func ToState(s string) zap.Field { return zap.String("to_state", s) }
func TriggerID(id string) zap.Field { return zap.String("trigger_id", id) }
func EventID(id string) zap.Field { return zap.String("event_id", id) }
func RequestID(id string) zap.Field { return zap.String("request_id", id) }
func Reason(r string) zap.Field { return zap.String("reason", r) }
func Actor(a string) zap.Field { return zap.String("actor", a) }
func Factor(f float64) zap.Field { return zap.Float64("position_limit_factor", f) }
func Check(name string) zap.Field { return zap.String("check", name) }
func Path(p string) zap.Field { return zap.String("path", p) }
func Component(name string) zap.Field { return zap.String("component", name) }
func Latency(d time.Duration) zap.Field { return zap.Float64("latency_ms", float64(d.Microseconds())/1000) }

// Переэкспорт стандартных конструкторов zap

func String(key, val string) zap.Field { return zap.String(key, val) }
func Int(key string, val int) zap.Field { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }
func Float64(key string, val float64) zap.Field { return zap.Float64(key, val) }
func Bool(key string, val bool) zap.Field { return zap.Bool(key, val) }
func Err(err error) zap.Field { return zap.Error(err) }
func Any(key string, val interface{}) zap.Field { return zap.Any(key, val) }
