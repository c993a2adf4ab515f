package models

import "time"

// ExecutionRecord is one journaled placement attempt.
type ExecutionRecord struct {
	ID        string            `json:"id"`
	RequestID string            `json:"requestId,omitempty"`
	Backend   string            `json:"backend"`
	Source    string            `json:"source"` // trade, consensus, cli
	Symbol    string            `json:"symbol"`
	Direction Direction         `json:"direction"`
	Requested float64           `json:"requested"` // AutoSize for auto-sized orders
	Outcome   string            `json:"outcome"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Details   *ExecutionDetails `json:"details,omitempty"`
	Duration  time.Duration     `json:"duration"`
	CreatedAt time.Time         `json:"createdAt"`
	Logs      []string          `json:"logs,omitempty"`
}

// NewExecutionRecord builds the journal entry for a finished placement.
func NewExecutionRecord(id, backend, source, outcome string, req OrderRequest, res ExecutionResult, elapsed time.Duration, at time.Time) ExecutionRecord {
	return ExecutionRecord{
		ID:        id,
		Backend:   backend,
		Source:    source,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Requested: req.Quantity,
		Outcome:   outcome,
		Success:   res.Success,
		Error:     res.Error,
		Details:   res.ExecutionDetails,
		Duration:  elapsed,
		CreatedAt: at,
		Logs:      res.ExecutionLogs,
	}
}
