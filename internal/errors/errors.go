// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard sentinel errors
var (
	ErrNotStarted        = errors.New("execution controller not started")
	ErrElementNotFound   = errors.New("element not found")
	ErrSurfaceClosed     = errors.New("automation surface closed")
	ErrNoLivePage        = errors.New("no live page for target site")
	ErrUnsupported       = errors.New("operation not supported by backend")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrSessionFileSealed = errors.New("session file is sealed and no passphrase is configured")
)

// ConnectivityFault means the automation surface is unreachable or detached.
// It is the only fault class the controller retries, and only once.
type ConnectivityFault struct {
	Op  string
	Err error
}

func (e *ConnectivityFault) Error() string {
	return fmt.Sprintf("connectivity fault during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityFault) Unwrap() error {
	return e.Err
}

// NewConnectivityFault creates a new ConnectivityFault.
func NewConnectivityFault(op string, err error) *ConnectivityFault {
	return &ConnectivityFault{Op: op, Err: err}
}

// SessionError reports that login or broker-connect could not be confirmed.
type SessionError struct {
	Stage   string
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session error [%s]: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("session error [%s]: %s", e.Stage, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(stage, message string, err error) *SessionError {
	return &SessionError{Stage: stage, Message: message, Err: err}
}

// ExistingPositionError is returned when an open position already exists for
// the instrument. Orders never average into a position.
type ExistingPositionError struct {
	Symbol string
	Side   string
	Size   string
}

func (e *ExistingPositionError) Error() string {
	desc := e.Symbol
	if e.Side != "" || e.Size != "" {
		desc = strings.TrimSpace(fmt.Sprintf("%s %s %s", e.Symbol, e.Side, e.Size))
	}
	return fmt.Sprintf("existing open position blocks new order: %s", desc)
}

// NewExistingPositionError creates a new ExistingPositionError.
func NewExistingPositionError(symbol, side, size string) *ExistingPositionError {
	return &ExistingPositionError{Symbol: symbol, Side: side, Size: size}
}

// FormInteractionWarning reports a missing or unusable control at one protocol
// step. It is logged, never fatal by itself.
type FormInteractionWarning struct {
	Step     string
	Selector string
	Err      error
}

func (e *FormInteractionWarning) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("form step %q (%s): %v", e.Step, e.Selector, e.Err)
	}
	return fmt.Sprintf("form step %q (%s): control missing", e.Step, e.Selector)
}

func (e *FormInteractionWarning) Unwrap() error {
	return e.Err
}

// NewFormInteractionWarning creates a new FormInteractionWarning.
func NewFormInteractionWarning(step, selector string, err error) *FormInteractionWarning {
	return &FormInteractionWarning{Step: step, Selector: selector, Err: err}
}

// RejectionDetected reports that the venue rejected the order.
type RejectionDetected struct {
	Header    string
	OrderInfo string
	Reason    string
	Symbol    string
}

func (e *RejectionDetected) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = e.Header
	}
	return fmt.Sprintf("order rejected for %s: %s", e.Symbol, reason)
}

func (e *RejectionDetected) Unwrap() error {
	return ErrOrderRejected
}

// ReconciliationIndeterminate reports that neither an entry price nor a recent
// market order could be found within the polling window.
type ReconciliationIndeterminate struct {
	Symbol string
	Window time.Duration
}

func (e *ReconciliationIndeterminate) Error() string {
	return fmt.Sprintf("could not confirm fill for %s: no entry price and no market order in history within %s", e.Symbol, e.Window)
}

// BrokerError represents an error from the REST backend.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// detachedPatterns identify faults recoverable by re-binding to a live page.
var detachedPatterns = []string{
	"detached",
	"execution context was destroyed",
	"cannot find context with specified id",
	"no node with given id",
	"stale",
	"target closed",
	"invalid context",
}

// connectivityPatterns identify faults meaning the surface itself is gone.
var connectivityPatterns = []string{
	"session closed",
	"browser has disconnected",
	"websocket: close",
	"use of closed network connection",
	"connection refused",
	"connection reset",
	"broken pipe",
	"protocol error",
	"automation surface closed",
	"chrome failed to start",
}

// IsDetached reports whether err looks like a detached frame or stale page
// binding.
func IsDetached(err error) bool {
	if err == nil {
		return false
	}
	return matchAny(err.Error(), detachedPatterns)
}

// IsConnectivityFault reports whether err means the automation surface is
// unreachable. Typed ConnectivityFaults always match; other errors are
// classified by message.
func IsConnectivityFault(err error) bool {
	if err == nil {
		return false
	}
	var cf *ConnectivityFault
	if errors.As(err, &cf) {
		return true
	}
	if errors.Is(err, ErrSurfaceClosed) {
		return true
	}
	msg := err.Error()
	return matchAny(msg, connectivityPatterns) || matchAny(msg, detachedPatterns)
}

func matchAny(msg string, patterns []string) bool {
	msg = strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
