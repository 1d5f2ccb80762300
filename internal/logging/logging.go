package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey is a type for context keys
type contextKey string

const (
	// RequestIDKey is the context key for the Hub request ID
	RequestIDKey contextKey = "request_id"
	// SessionIDKey is the context key for the backend session ID
	SessionIDKey contextKey = "session_id"
	// RentalIDKey is the context key for the blockchain rental ID
	RentalIDKey contextKey = "rental_id"
	// WalletKey is the context key for the connected wallet address
	WalletKey contextKey = "wallet"
	// TxHashKey is the context key for the transaction in flight
	TxHashKey contextKey = "tx_hash"
)

// contextKeys is the order in which context values are added to records
var contextKeys = []contextKey{RequestIDKey, WalletKey, SessionIDKey, RentalIDKey, TxHashKey}

// Config holds logging configuration
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup configures the global logger
func Setup(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(&ContextHandler{Handler: handler})
	slog.SetDefault(logger)

	return logger
}

// ContextHandler adds context values to log records
type ContextHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing to the wrapped handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(contextAttrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the context handler in the chain
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the context handler in the chain
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSessionID adds a backend session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithRentalID adds a blockchain rental ID to the context
func WithRentalID(ctx context.Context, rentalID string) context.Context {
	return context.WithValue(ctx, RentalIDKey, rentalID)
}

// WithWallet adds the wallet address to the context
func WithWallet(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, WalletKey, address)
}

// WithTxHash adds a transaction hash to the context
func WithTxHash(ctx context.Context, hash string) context.Context {
	return context.WithValue(ctx, TxHashKey, hash)
}

// RequestID returns the request ID stored in ctx, if any
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// LevelAudit is the level audit records carry
const LevelAudit = slog.LevelWarn + 1

// Audit logs an audit event. The record goes straight to the handler so the
// configured level never drops it.
func Audit(ctx context.Context, operation string, attrs ...any) {
	if ctx == nil {
		ctx = context.Background()
	}

	r := slog.NewRecord(time.Now(), LevelAudit, "AUDIT", 0)
	r.Add("audit", true, "operation", operation)
	r.Add(attrs...)

	handler := slog.Default().Handler()
	// ContextHandler adds the context attributes itself
	if _, ok := handler.(*ContextHandler); !ok {
		r.AddAttrs(contextAttrs(ctx)...)
	}
	_ = handler.Handle(ctx, r)
}

// Debug logs a debug message
func Debug(ctx context.Context, msg string, args ...any) {
	slog.Default().DebugContext(ctx, msg, args...)
}

// Info logs an info message
func Info(ctx context.Context, msg string, args ...any) {
	slog.Default().InfoContext(ctx, msg, args...)
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, args ...any) {
	slog.Default().WarnContext(ctx, msg, args...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, args ...any) {
	slog.Default().ErrorContext(ctx, msg, args...)
}
