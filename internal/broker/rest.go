package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/execution"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/models"
	"terminal-trader/internal/resilience"
	"terminal-trader/internal/security"
	"terminal-trader/internal/trading"
	"terminal-trader/pkg/utils"
)

// RESTBackendName labels the REST backend in metrics, logs and health.
const RESTBackendName = "rest"

// RESTExecutor places orders through the signed futures API. It follows the
// same protocol as the terminal: guard, size, market order, protective
// orders, and a result taken from the venue's execution events.
type RESTExecutor struct {
	cfg      *config.Config
	client   *FuturesClient
	observer execution.Observer
	audit    *security.AuditLogger
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	started atomic.Bool
}

// NewRESTExecutor creates a REST executor.
func NewRESTExecutor(cfg *config.Config, client *FuturesClient, deps Deps) *RESTExecutor {
	e := &RESTExecutor{
		cfg:      cfg,
		client:   client,
		observer: deps.Observer,
		audit:    deps.Audit,
		logger:   deps.Logger.With().Str("backend", RESTBackendName).Logger(),
		now:      time.Now,
	}
	if e.observer == nil {
		e.observer = execution.NopObserver()
	}
	return e
}

// Start verifies the credentials with an account read.
func (e *RESTExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started.Load() {
		return nil
	}
	if _, err := e.client.GetAccounts(ctx); err != nil {
		_ = e.audit.LogSession(ctx, security.AuditBrokerConnect, false, err.Error())
		return fmt.Errorf("REST backend: %w", err)
	}
	_ = e.audit.LogSession(ctx, security.AuditBrokerConnect, true, "")
	e.started.Store(true)
	e.observer.BrokerState(models.BrokerConnected)
	e.logger.Info().Str("base_url", e.cfg.Backend.RESTBaseURL).Msg("REST backend ready")
	return nil
}

// PlaceMarketOrder places one market order with optional protective orders.
func (e *RESTExecutor) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) models.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Symbol == "" {
		req.Symbol = e.cfg.Terminal.DefaultSymbol
	}
	logger := logging.WithSymbol(e.logger, req.Symbol)
	if id := logging.RequestID(ctx); id != "" {
		logger = logger.With().Str("request_id", id).Logger()
	}
	tr := logging.NewTrace(logger)
	start := e.now()

	result := e.place(ctx, req, tr)
	elapsed := e.now().Sub(start)
	e.observer.PlacementFinished(RESTBackendName, execution.OutcomeLabel(result), elapsed)
	logging.LogExecution(logger, req, result, elapsed)
	return result
}

func (e *RESTExecutor) place(ctx context.Context, req models.OrderRequest, tr *logging.Trace) models.ExecutionResult {
	if err := req.Validate(); err != nil {
		tr.Errorf("invalid request: %v", err)
		return models.Failed(fmt.Errorf("%w: %v", apperrors.ErrInvalidOrder, err), tr.Lines())
	}
	if !e.started.Load() {
		tr.Errorf("%v", apperrors.ErrNotStarted)
		return models.Failed(apperrors.ErrNotStarted, tr.Lines())
	}
	symbol := venueSymbol(req.Symbol)
	tr.Infof("placing %s market order on %s via REST", req.Direction, symbol)

	if err := e.guard(ctx, symbol, tr); err != nil {
		return e.fail(ctx, req, err, tr)
	}

	size, err := e.size(ctx, req, symbol, tr)
	if err != nil {
		return e.fail(ctx, req, err, tr)
	}

	side := strings.ToLower(string(req.Direction.Side()))
	clientID := uuid.NewString()
	tr.Infof("sending market %s %s x%s (cliOrdId %s)", side, symbol, utils.FormatQuantity(size), clientID)
	status, err := e.client.SendOrder(ctx, SendOrderRequest{
		Type:     OrderMarket,
		Symbol:   symbol,
		Side:     side,
		Size:     size,
		ClientID: clientID,
	})
	if err != nil {
		// The order may have landed even though the answer was lost.
		if !apperrors.Is(err, apperrors.ErrCircuitOpen) && isOutage(err) {
			tr.Warnf("send failed (%v), checking positions", err)
			return e.confirmFromPositions(ctx, req, symbol, size, err, tr)
		}
		return e.fail(ctx, req, err, tr)
	}
	if !status.Placed() {
		rej := rejectionFrom(status, symbol)
		logging.LogRejection(e.logger, models.RejectionEvent{Header: rej.Header, OrderInfo: rej.OrderInfo, Reason: rej.Reason, Symbol: rej.Symbol})
		return e.fail(ctx, req, rej, tr)
	}

	price, filled, fee := status.Fill()
	if filled == 0 {
		tr.Warnf("order %s placed without executions, reading position", status.OrderID)
		return e.confirmFromPositions(ctx, req, symbol, size, nil, tr)
	}
	tr.Infof("order %s filled %s at %s", status.OrderID, utils.FormatQuantity(filled), utils.FormatPrice(price))

	details := e.details(req, price, filled, fee)
	details.TakeProfit, details.StopLoss = e.protect(ctx, req, symbol, filled, tr)
	return e.succeed(ctx, req, details, tr)
}

// guard refuses to open a second position on the same instrument.
func (e *RESTExecutor) guard(ctx context.Context, symbol string, tr *logging.Trace) error {
	positions, err := e.client.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reading open positions: %w", err)
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && p.Size > 0 {
			return apperrors.NewExistingPositionError(symbol, p.Side, utils.FormatQuantity(p.Size))
		}
	}
	tr.Infof("no open position for %s", symbol)
	return nil
}

// size resolves the contract count. Auto-size uses the same rules as the
// terminal; margin mode converts the usable margin to whole contracts since
// the API takes sizes in contracts.
func (e *RESTExecutor) size(ctx context.Context, req models.OrderRequest, symbol string, tr *logging.Trace) (float64, error) {
	if !req.IsAutoSize() {
		return req.Quantity, nil
	}

	accounts, err := e.client.GetAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("auto-size: reading accounts: %w", err)
	}
	balance := availableMargin(accounts)
	if balance <= 0 {
		return 0, fmt.Errorf("auto-size: account balance could not be read")
	}
	ticker, err := e.client.GetTicker(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("auto-size: reading ticker: %w", err)
	}
	price := ticker.Last
	if price <= 0 {
		price = ticker.MarkPrice
	}

	sz := e.cfg.Sizing
	plan, err := trading.PlanAutoSize(sz, balance, price)
	if err != nil {
		return 0, fmt.Errorf("auto-size: %w", err)
	}
	contracts := plan.Contracts
	if plan.Mode == trading.SizingMargin {
		contracts = trading.ContractCount(plan.Margin, price, sz.ContractSize, sz.Leverage)
		if contracts < 1 {
			return 0, fmt.Errorf("auto-size: margin %s buys no whole contract at %s", utils.FormatUSD(plan.Margin), utils.FormatPrice(price))
		}
	}
	tr.Infof("auto-size: balance %s, margin %s, price %s, %s contracts",
		utils.FormatUSD(balance), utils.FormatUSD(plan.Margin), utils.FormatPrice(price), utils.FormatQuantity(contracts))
	return contracts, nil
}

func availableMargin(accounts map[string]Account) float64 {
	if a, ok := accounts["flex"]; ok && a.AvailableMargin > 0 {
		return a.AvailableMargin
	}
	best := 0.0
	for _, a := range accounts {
		if a.AvailableMargin > best {
			best = a.AvailableMargin
		}
	}
	return best
}

// protect places reduce-only take-profit and stop orders. A failure leaves
// the position open and only drops that leg from the result.
func (e *RESTExecutor) protect(ctx context.Context, req models.OrderRequest, symbol string, size float64, tr *logging.Trace) (tp, sl *float64) {
	exit := "sell"
	if req.Direction == models.Short {
		exit = "buy"
	}
	leg := func(kind OrderType, price float64, name string) *float64 {
		status, err := e.client.SendOrder(ctx, SendOrderRequest{
			Type:       kind,
			Symbol:     symbol,
			Side:       exit,
			Size:       size,
			StopPrice:  price,
			ReduceOnly: true,
			ClientID:   uuid.NewString(),
		})
		if err != nil {
			tr.Warnf("%s order failed: %v", name, err)
			return nil
		}
		if !status.Placed() {
			tr.Warnf("%s order not placed: %s", name, status.Status)
			return nil
		}
		tr.Infof("%s order %s at %s", name, status.OrderID, utils.FormatPrice(price))
		return models.Float(price)
	}
	if req.TakeProfit != nil {
		tp = leg(OrderTakeProfit, *req.TakeProfit, "take-profit")
	}
	if req.StopLoss != nil {
		sl = leg(OrderStop, *req.StopLoss, "stop-loss")
	}
	return tp, sl
}

// confirmFromPositions reads the position after an unanswered or empty
// send. cause is reported when nothing is found.
func (e *RESTExecutor) confirmFromPositions(ctx context.Context, req models.OrderRequest, symbol string, size float64, cause error, tr *logging.Trace) models.ExecutionResult {
	positions, err := e.client.GetOpenPositions(ctx)
	if err == nil {
		for _, p := range positions {
			if strings.EqualFold(p.Symbol, symbol) && p.Size > 0 && p.Price > 0 {
				tr.Infof("position found: %s at %s", utils.FormatQuantity(p.Size), utils.FormatPrice(p.Price))
				details := e.details(req, p.Price, p.Size, nil)
				details.TakeProfit, details.StopLoss = e.protect(ctx, req, symbol, p.Size, tr)
				return e.succeed(ctx, req, details, tr)
			}
		}
	}
	if cause == nil {
		cause = &apperrors.ReconciliationIndeterminate{Symbol: symbol, Window: e.cfg.Reconcile.RecencyWindow}
	}
	return e.fail(ctx, req, cause, tr)
}

func (e *RESTExecutor) details(req models.OrderRequest, price, qty float64, fee *float64) models.ExecutionDetails {
	sz := e.cfg.Sizing
	return models.ExecutionDetails{
		Symbol:     req.Symbol,
		Side:       req.Direction,
		EntryPrice: price,
		Quantity:   qty,
		MarginUsed: trading.PositionMargin(price, qty, sz.ContractSize, sz.Leverage),
		Fee:        fee,
		Timestamp:  e.now(),
	}
}

func (e *RESTExecutor) succeed(ctx context.Context, req models.OrderRequest, d models.ExecutionDetails, tr *logging.Trace) models.ExecutionResult {
	tr.Infof("filled %s %s at %.2f, margin %.2f", req.Direction, req.Symbol, d.EntryPrice, d.MarginUsed)
	_ = e.audit.LogPlacement(ctx, security.AuditOrderPlaced, RESTBackendName, req.Symbol, string(req.Direction),
		map[string]interface{}{"entry_price": d.EntryPrice, "quantity": d.Quantity}, "")
	return models.Succeeded(d, tr.Lines())
}

func (e *RESTExecutor) fail(ctx context.Context, req models.OrderRequest, err error, tr *logging.Trace) models.ExecutionResult {
	tr.Errorf("placement failed: %v", err)
	event := security.AuditOrderFailed
	var blocked *apperrors.ExistingPositionError
	switch {
	case apperrors.As(err, &blocked):
		event = security.AuditOrderBlocked
	case apperrors.Is(err, apperrors.ErrOrderRejected):
		event = security.AuditOrderRejected
	}
	_ = e.audit.LogPlacement(ctx, event, RESTBackendName, req.Symbol, string(req.Direction), nil, err.Error())
	return models.Failed(err, tr.Lines())
}

func rejectionFrom(s SendStatus, symbol string) *apperrors.RejectionDetected {
	rej := &apperrors.RejectionDetected{Header: s.Status, Symbol: symbol}
	for _, ev := range s.OrderEvents {
		if ev.Reason != "" {
			rej.Reason = ev.Reason
			break
		}
	}
	if s.OrderID != "" {
		rej.OrderInfo = "order " + s.OrderID
	}
	return rej
}

// venueSymbol strips a chart exchange prefix ("EXCHANGE:PF_ETHUSD").
func venueSymbol(symbol string) string {
	if i := strings.LastIndex(symbol, ":"); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}

// Health reports the breaker state. It does not call the venue.
func (e *RESTExecutor) Health(ctx context.Context) models.HealthReport {
	report := models.HealthReport{Backend: RESTBackendName, CheckedAt: e.now()}
	started := e.started.Load()
	report.Session = models.SessionState{LoggedIn: started, Broker: models.BrokerDisconnected, ProfileID: e.cfg.Session.Profile}
	if !started {
		report.Detail = apperrors.ErrNotStarted.Error()
		return report
	}
	report.Session.Broker = models.BrokerConnected
	stats := e.client.Breaker().Stats()
	report.Detail = "circuit " + strings.ToLower(string(stats.State))
	if stats.CurrentFailures > 0 {
		report.Detail += fmt.Sprintf(", %d consecutive failures", stats.CurrentFailures)
	}
	if stats.State == resilience.CircuitOpen {
		report.Connection = models.ConnectionRestartNeeded
		return report
	}
	report.Ready = true
	report.Connection = models.ConnectionValid
	return report
}

// Screenshot is not available without a browser.
func (e *RESTExecutor) Screenshot(context.Context) ([]byte, error) {
	return nil, apperrors.ErrUnsupported
}

// Navigate is not available without a browser.
func (e *RESTExecutor) Navigate(context.Context, string) (string, error) {
	return "", apperrors.ErrUnsupported
}

// Started reports whether Start has succeeded since the last Close.
func (e *RESTExecutor) Started() bool { return e.started.Load() }

// Close is a no-op; the HTTP client holds no session.
func (e *RESTExecutor) Close() error {
	e.started.Store(false)
	return nil
}
