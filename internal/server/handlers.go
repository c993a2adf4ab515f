package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"terminal-trader/internal/broker"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/execution"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/models"
	"terminal-trader/internal/security"
	"terminal-trader/internal/store"
)

// Size accepts a number or the string "auto".
type Size float64

func (s *Size) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err == nil {
		if strings.EqualFold(strings.TrimSpace(text), "auto") {
			*s = Size(models.AutoSize)
			return nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("size must be a number or \"auto\", got %q", text)
		}
		*s = Size(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("size must be a number or \"auto\"")
	}
	*s = Size(f)
	return nil
}

// TradeRequest is the body of POST /trade.
type TradeRequest struct {
	Symbol     string   `json:"symbol"`
	Direction  string   `json:"direction"`
	Size       Size     `json:"size"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

// TradeSetup carries the protective levels of a consensus verdict.
type TradeSetup struct {
	Entry      *float64 `json:"entry,omitempty"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

// ConsensusRequest is the body of POST /execute-consensus.
type ConsensusRequest struct {
	Symbol     string     `json:"symbol"`
	Verdict    string     `json:"verdict"`
	TradeSetup TradeSetup `json:"tradeSetup"`
	Confidence float64    `json:"confidence"`
}

// ConsensusResponse is a placement result, or a no-trade answer when
// Skipped is set.
type ConsensusResponse struct {
	models.ExecutionResult
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// NavigateRequest is the body of POST /navigate.
type NavigateRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var body TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	dir, err := models.ParseDirection(body.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := models.OrderRequest{
		Symbol:     body.Symbol,
		Direction:  dir,
		Quantity:   float64(body.Size),
		StopLoss:   body.StopLoss,
		TakeProfit: body.TakeProfit,
	}
	if req.Quantity == 0 {
		req.Quantity = s.cfg.Server.ConsensusSize
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, ok := s.place(r.Context(), w, req, "trade")
	if ok {
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	var body ConsensusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	qty, err := s.consensusQuantity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	logger := logging.FromContext(r.Context())
	dir, ok := verdictDirection(body.Verdict)
	if !ok {
		logger.Info().Str("verdict", body.Verdict).Msg("Consensus is not actionable")
		writeJSON(w, http.StatusOK, noTrade(fmt.Sprintf("verdict %q is not actionable", body.Verdict)))
		return
	}
	if body.Confidence < s.cfg.Server.MinConfidence {
		logger.Info().Float64("confidence", body.Confidence).Float64("min", s.cfg.Server.MinConfidence).Msg("Consensus below confidence threshold")
		writeJSON(w, http.StatusOK, noTrade(fmt.Sprintf("confidence %.1f below minimum %.1f", body.Confidence, s.cfg.Server.MinConfidence)))
		return
	}

	req := models.OrderRequest{
		Symbol:     body.Symbol,
		Direction:  dir,
		Quantity:   qty,
		StopLoss:   body.TradeSetup.StopLoss,
		TakeProfit: body.TradeSetup.TakeProfit,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, ok := s.place(r.Context(), w, req, "consensus")
	if ok {
		writeJSON(w, http.StatusOK, ConsensusResponse{ExecutionResult: res})
	}
}

// consensusQuantity reads ?sizing=fixed|auto&size=N.
func (s *Server) consensusQuantity(r *http.Request) (float64, error) {
	q := r.URL.Query()
	switch strings.ToLower(q.Get("sizing")) {
	case "auto":
		return models.AutoSize, nil
	case "", "fixed":
		if v := q.Get("size"); v != "" {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("size must be a positive number, got %q", v)
			}
			return n, nil
		}
		return s.cfg.Server.ConsensusSize, nil
	default:
		return 0, fmt.Errorf("sizing must be fixed or auto, got %q", q.Get("sizing"))
	}
}

func verdictDirection(verdict string) (models.Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(verdict)) {
	case "BUY", "LONG":
		return models.Long, true
	case "SELL", "SHORT":
		return models.Short, true
	default:
		return "", false
	}
}

func noTrade(reason string) ConsensusResponse {
	return ConsensusResponse{
		ExecutionResult: models.ExecutionResult{ExecutionLogs: []string{}},
		Skipped:         true,
		Reason:          reason,
	}
}

// place starts the executor if needed, runs one placement and journals it.
// It writes the error response itself and returns false when the executor
// could not be started.
func (s *Server) place(ctx context.Context, w http.ResponseWriter, req models.OrderRequest, source string) (models.ExecutionResult, bool) {
	logger := logging.FromContext(ctx)
	if err := s.ready.ensure(ctx); err != nil {
		logger.Error().Err(err).Msg("Executor not ready")
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("executor not ready: %w", err))
		return models.ExecutionResult{}, false
	}

	if s.cfg.Server.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Server.RequestTimeout)
		defer cancel()
	}

	s.placeMu.Lock()
	defer s.placeMu.Unlock()
	start := s.now()
	res := s.exec.PlaceMarketOrder(ctx, req)
	s.record(ctx, req, res, source, s.now().Sub(start), start)
	return res, true
}

func (s *Server) record(ctx context.Context, req models.OrderRequest, res models.ExecutionResult, source string, elapsed time.Duration, at time.Time) {
	if req.Symbol == "" {
		req.Symbol = s.cfg.Terminal.DefaultSymbol
	}
	rec := models.NewExecutionRecord(uuid.NewString(), s.cfg.Backend.Kind, source, execution.OutcomeLabel(res), req, res, elapsed, at.UTC())
	rec.RequestID = logging.RequestID(ctx)

	// The placement already happened; a journal failure must not change the answer.
	if s.journal != nil {
		if err := s.journal.SaveExecution(context.WithoutCancel(ctx), rec); err != nil {
			logger := logging.FromContext(ctx)
			logger.Error().Err(err).Msg("Failed to journal execution")
		}
	}
	s.notify(ctx, func(ctx context.Context) error { return s.notifier.Placement(ctx, rec) })
}

// notify delivers in the background so a slow channel never holds the
// placement lock. Shutdown waits for pending deliveries.
func (s *Server) notify(ctx context.Context, send func(context.Context) error) {
	if !s.notifier.Enabled() {
		return
	}
	logger := logging.FromContext(ctx)
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to notify operator")
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.isStarted() {
		writeJSON(w, http.StatusServiceUnavailable, models.HealthReport{
			Backend:   s.cfg.Backend.Kind,
			Detail:    apperrors.ErrNotStarted.Error(),
			CheckedAt: s.now(),
		})
		return
	}
	report := s.exec.Health(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) inspector(ctx context.Context, w http.ResponseWriter) (broker.Inspector, bool) {
	ins, ok := s.exec.(broker.Inspector)
	if !ok {
		writeError(w, http.StatusNotImplemented, apperrors.ErrUnsupported)
		return nil, false
	}
	if err := s.ready.ensure(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("executor not ready: %w", err))
		return nil, false
	}
	return ins, true
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	ins, ok := s.inspector(r.Context(), w)
	if !ok {
		return
	}
	png, err := ins.Screenshot(r.Context())
	s.audit.Log(r.Context(), security.AuditEvent{EventType: security.AuditScreenshot, Backend: s.cfg.Backend.Kind, Success: err == nil, ErrorMsg: errString(err)})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	_, _ = w.Write(png)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var body NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	ins, ok := s.inspector(r.Context(), w)
	if !ok {
		return
	}
	url, err := ins.Navigate(r.Context(), body.Symbol)
	s.audit.Log(r.Context(), security.AuditEvent{EventType: security.AuditNavigate, Backend: s.cfg.Backend.Kind, Symbol: body.Symbol, Success: err == nil, ErrorMsg: errString(err)})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "url": url})
}

// GET /executions?symbol=&outcome=&limit=20
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, apperrors.New("journal disabled"))
		return
	}
	q := r.URL.Query()
	filter := store.ExecutionFilter{Symbol: q.Get("symbol"), Outcome: q.Get("outcome"), Limit: 20}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	records, err := s.journal.RecentExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []models.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": records})
}

func statusFor(err error) int {
	switch {
	case apperrors.Is(err, apperrors.ErrUnsupported):
		return http.StatusNotImplemented
	case apperrors.Is(err, apperrors.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
