package security

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Session events
	AuditLogin          AuditEventType = "LOGIN"
	AuditSessionRestore AuditEventType = "SESSION_RESTORED"
	AuditSessionCleared AuditEventType = "SESSION_CLEARED"
	AuditBrokerConnect  AuditEventType = "BROKER_CONNECT"
	AuditRestart        AuditEventType = "SURFACE_RESTART"

	// Order events
	AuditOrderPlaced   AuditEventType = "ORDER_PLACED"
	AuditOrderRejected AuditEventType = "ORDER_REJECTED"
	AuditOrderFailed   AuditEventType = "ORDER_FAILED"
	AuditOrderBlocked  AuditEventType = "ORDER_BLOCKED"

	// Operator events
	AuditNavigate   AuditEventType = "NAVIGATE"
	AuditScreenshot AuditEventType = "SCREENSHOT"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Profile   string                 `json:"profile,omitempty"`
	Backend   string                 `json:"backend,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// RequestIDFunc extracts a request id from a context.
type RequestIDFunc func(ctx context.Context) string

// AuditLogger writes an append-only JSON-lines trail of trading actions.
type AuditLogger struct {
	writer    *lumberjack.Logger
	mu        sync.Mutex
	sessionID string
	profile   string
	requestID RequestIDFunc
	now       func() time.Time
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "terminal-trader", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: generateSessionID(),
		now:       time.Now,
	}, nil
}

// SetProfile sets the account profile stamped on every event.
func (al *AuditLogger) SetProfile(profile string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.profile = profile
}

// SetRequestIDFunc installs the extractor used to stamp request ids.
func (al *AuditLogger) SetRequestIDFunc(fn RequestIDFunc) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.requestID = fn
}

// Log logs an audit event. Sensitive detail values are masked.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	event.SessionID = al.sessionID
	if event.Profile == "" {
		event.Profile = al.profile
	}
	if event.RequestID == "" && al.requestID != nil {
		event.RequestID = al.requestID(ctx)
	}
	if event.Details != nil {
		event.Details = MaskFields(event.Details)
	}
	event.ErrorMsg = MaskSensitive(event.ErrorMsg)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogPlacement records the outcome of a placement attempt.
func (al *AuditLogger) LogPlacement(ctx context.Context, eventType AuditEventType, backend, symbol, direction string, details map[string]interface{}, errorMsg string) error {
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		Backend:   backend,
		Symbol:    symbol,
		Action:    direction,
		Details:   details,
		Success:   eventType == AuditOrderPlaced,
		ErrorMsg:  errorMsg,
	})
}

// LogSession records a session lifecycle event.
func (al *AuditLogger) LogSession(ctx context.Context, eventType AuditEventType, success bool, errorMsg string) error {
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}

func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
