package logger

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel преобразует строку конфигурации в LogLevel.
// Неизвестные значения дают LogLevelInfo.
func ParseLevel(s string) LogLevel {
	for level, name := range logLevelNames {
		if name == s || logrusLevel(level).String() == s {
			return level
		}
	}
	return LogLevelInfo
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку вместе с её кодом и категорией, если они есть
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// codedError ошибки с кодом и категорией (см. mrf.Error)
type codedError interface {
	ErrorCode() string
	ErrorCategory() string
}

// ctxKey ключи контекста, которые логгер переносит в запись
type ctxKey string

const (
	// CallIDKey Call-ID SIP диалога
	CallIDKey ctxKey = "call_id"
	// ChannelUUIDKey UUID канала FreeSWITCH
	ChannelUUIDKey ctxKey = "channel_uuid"
)

// DefaultLogger реализация StructuredLogger поверх logrus
type DefaultLogger struct {
	mu        *sync.RWMutex
	level     *LogLevel
	base      *logrus.Logger
	component string
	fields    logrus.Fields
}

// NewDefaultLogger создает logger с JSON выводом в stdout
func NewDefaultLogger() *DefaultLogger {
	return NewLogger(os.Stdout, LogLevelInfo, true)
}

// NewLogger создает logger с указанным выводом и уровнем.
// jsonOutput выбирает между JSON и текстовым форматом logrus.
func NewLogger(output io.Writer, level LogLevel, jsonOutput bool) *DefaultLogger {
	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(logrus.TraceLevel)
	if jsonOutput {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}

	return &DefaultLogger{
		mu:     &sync.RWMutex{},
		level:  &level,
		base:   base,
		fields: logrus.Fields{},
	}
}

// SetLevel устанавливает минимальный уровень логирования
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *DefaultLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= *l.level
}

// WithComponent создает logger с указанным компонентом
func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	return &DefaultLogger{
		mu:        l.mu,
		level:     l.level,
		base:      l.base,
		component: component,
		fields:    copyFields(l.fields),
	}
}

// WithFields создает logger с дополнительными полями
func (l *DefaultLogger) WithFields(fields ...Field) StructuredLogger {
	newFields := copyFields(l.fields)
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}

	return &DefaultLogger{
		mu:        l.mu,
		level:     l.level,
		base:      l.base,
		component: l.component,
		fields:    newFields,
	}
}

func (l *DefaultLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, fields...)
}

func (l *DefaultLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, fields...)
}

func (l *DefaultLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, fields...)
}

func (l *DefaultLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, fields...)
}

func (l *DefaultLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, fields...)
}

// LogError логирует ошибку с дополнительной информацией
func (l *DefaultLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	errorFields := append(fields, Err(err))
	if ce, ok := err.(codedError); ok {
		errorFields = append(errorFields,
			String("error_code", ce.ErrorCode()),
			String("error_category", ce.ErrorCategory()),
		)
	}

	l.log(ctx, LogLevelError, msg, errorFields...)
}

// log основной метод логирования
func (l *DefaultLogger) log(ctx context.Context, level LogLevel, msg string, fields ...Field) {
	if !l.IsEnabled(level) {
		return
	}

	entryFields := make(logrus.Fields, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		entryFields[k] = v
	}
	for _, field := range fields {
		if err, ok := field.Value.(error); ok && err != nil {
			entryFields[field.Key] = err.Error()
			continue
		}
		entryFields[field.Key] = field.Value
	}
	if l.component != "" {
		entryFields["component"] = l.component
	}
	extractContextInfo(ctx, entryFields)

	l.base.WithFields(entryFields).Log(logrusLevel(level), msg)
}

// extractContextInfo извлекает информацию из контекста
func extractContextInfo(ctx context.Context, fields logrus.Fields) {
	if ctx == nil {
		return
	}
	for _, key := range []ctxKey{CallIDKey, ChannelUUIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields[string(key)] = v
		}
	}
}

func logrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelTrace:
		return logrus.TraceLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func copyFields(fields logrus.Fields) logrus.Fields {
	c := make(logrus.Fields, len(fields))
	for k, v := range fields {
		c[k] = v
	}
	return c
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }

// Глобальный logger (можно заменить на DI)
var (
	defaultMu     sync.RWMutex
	defaultLogger StructuredLogger = NewDefaultLogger()
)

// SetDefaultLogger устанавливает глобальный logger
func SetDefaultLogger(l StructuredLogger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// GetDefaultLogger возвращает глобальный logger
func GetDefaultLogger() StructuredLogger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
