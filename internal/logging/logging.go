// Package logging wires zerolog for the trader: console and rotating file
// output, request scoped loggers carried in a context, and the structured
// events the controller emits for every placement.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"terminal-trader/internal/config"
	"terminal-trader/internal/models"
)

// New builds the process logger. Console output goes to stderr so command
// output on stdout stays machine readable.
func New(cfg config.LogConfig, debug bool) zerolog.Logger {
	return newLogger(cfg, debug, os.Stderr)
}

func newLogger(cfg config.LogConfig, debug bool, console io.Writer) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:         console,
			TimeFormat:  time.RFC3339,
			FormatLevel: consoleLevel,
		})
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func consoleLevel(i interface{}) string {
	ll, ok := i.(string)
	if !ok {
		return "???"
	}
	switch ll {
	case "debug":
		return "\033[36mDBG\033[0m"
	case "info":
		return "\033[32mINF\033[0m"
	case "warn":
		return "\033[33mWRN\033[0m"
	case "error":
		return "\033[31mERR\033[0m"
	default:
		return strings.ToUpper(ll)
	}
}

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithRequestID stores the request id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored in the context, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// LogExecution logs the outcome of a placement attempt.
func LogExecution(logger zerolog.Logger, req models.OrderRequest, result models.ExecutionResult, duration time.Duration) {
	event := logger.Info()
	if !result.Success {
		event = logger.Warn().Str("error", result.Error)
	}
	event = event.
		Str("event", "execution").
		Str("symbol", req.Symbol).
		Str("direction", string(req.Direction)).
		Float64("requested_qty", req.Quantity).
		Bool("success", result.Success).
		Dur("duration", duration)
	if d := result.ExecutionDetails; d != nil {
		event = event.
			Float64("entry_price", d.EntryPrice).
			Float64("quantity", d.Quantity).
			Float64("margin", d.MarginUsed).
			Bool("low_confidence", d.LowConfidence)
	}
	event.Msg("Order placement finished")
}

// LogRestart logs a full automation surface restart.
func LogRestart(logger zerolog.Logger, reason string, err error) {
	event := logger.Warn().Str("event", "restart").Str("reason", reason)
	if err != nil {
		event.Err(err).Msg("Automation surface restart failed")
		return
	}
	event.Msg("Automation surface restarted")
}

// LogRejection logs a venue rejection.
func LogRejection(logger zerolog.Logger, rej models.RejectionEvent) {
	logger.Warn().
		Str("event", "rejection").
		Str("symbol", rej.Symbol).
		Str("header", rej.Header).
		Str("reason", rej.Reason).
		Msg("Order rejected by venue")
}
