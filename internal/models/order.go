package models

import "time"

// ExecutionDetails is the reconciled truth about a filled order.
type ExecutionDetails struct {
	Symbol     string    `json:"symbol"`
	Side       Direction `json:"side"`
	EntryPrice float64   `json:"entryPrice"`
	Quantity   float64   `json:"quantity"`
	MarginUsed float64   `json:"marginUsed"`
	Fee        *float64  `json:"fee,omitempty"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	// LowConfidence is set when the order was seen in history but no entry
	// price could be read back.
	LowConfidence bool `json:"lowConfidence,omitempty"`
}

// ExecutionResult is the sole output of a placement attempt.
// ExecutionDetails is set if and only if Success is true.
type ExecutionResult struct {
	Success          bool              `json:"success"`
	Error            string            `json:"error,omitempty"`
	ExecutionDetails *ExecutionDetails `json:"executionDetails,omitempty"`
	ExecutionLogs    []string          `json:"executionLogs"`
}

// Failed builds an unsuccessful result.
func Failed(err error, logs []string) ExecutionResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ExecutionResult{Success: false, Error: msg, ExecutionLogs: logs}
}

// Succeeded builds a successful result.
func Succeeded(details ExecutionDetails, logs []string) ExecutionResult {
	return ExecutionResult{Success: true, ExecutionDetails: &details, ExecutionLogs: logs}
}

// RejectionEvent is a venue rejection captured verbatim from a toast.
type RejectionEvent struct {
	Header    string `json:"header"`
	OrderInfo string `json:"orderInfo"`
	Reason    string `json:"reason"`
	Symbol    string `json:"symbol"`
}
