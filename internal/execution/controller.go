// Package execution places market orders through a web trading terminal.
// A Controller owns one automation surface and serialises every placement
// against it.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/models"
	"terminal-trader/internal/security"
)

// BackendName identifies the terminal backend in logs, journal and metrics.
const BackendName = "terminal"

// Observer receives controller events. The metrics package implements it.
type Observer interface {
	PlacementFinished(backend, outcome string, elapsed time.Duration)
	Restarted(backend string)
	InterstitialsCleared(n int)
	BrokerState(state models.BrokerState)
}

type nopObserver struct{}

// NopObserver returns an Observer that records nothing.
func NopObserver() Observer { return nopObserver{} }

func (nopObserver) PlacementFinished(string, string, time.Duration) {}
func (nopObserver) Restarted(string)                                {}
func (nopObserver) InterstitialsCleared(int)                        {}
func (nopObserver) BrokerState(models.BrokerState)                  {}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithOperatorSignal sets the channel an operator uses to end the
// human-verification wait during login.
func WithOperatorSignal(ch <-chan struct{}) Option {
	return func(c *Controller) { c.operator = ch }
}

// WithAudit records session lifecycle events to the audit trail.
func WithAudit(a *security.AuditLogger) Option {
	return func(c *Controller) { c.audit = a }
}

// WithSelectors replaces the default selector catalogue.
func WithSelectors(sel Selectors) Option {
	return func(c *Controller) { c.sel = &sel }
}

// attempt tracks what one placement has done so far. submitted is set the
// moment the submit click is about to fire.
type attempt struct {
	submitted   bool
	submittedAt time.Time
	fee         *float64
	readback    FormReadback
	plan        QuantityPlan
}

// Controller is the execution controller for one terminal session. All
// methods are safe for concurrent use; placements run one at a time.
type Controller struct {
	mu sync.Mutex

	cfg      *config.Config
	sel      *Selectors
	launcher automation.Launcher
	file     *SessionFile
	operator <-chan struct{}
	observer Observer
	audit    *security.AuditLogger
	logger   zerolog.Logger
	now      func() time.Time

	surface    automation.Surface
	session    *SessionManager
	health     *HealthMonitor
	form       *OrderForm
	reconciler *Reconciler
	state      models.SessionState
	started    atomic.Bool
}

// NewController creates a controller. Nothing is launched until Start.
func NewController(cfg *config.Config, launcher automation.Launcher, file *SessionFile, logger zerolog.Logger, opts ...Option) *Controller {
	sel := DefaultSelectors()
	c := &Controller{
		cfg:      cfg,
		sel:      &sel,
		launcher: launcher,
		file:     file,
		observer: nopObserver{},
		logger:   logger.With().Str("backend", BackendName).Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the surface and establishes the session. Calling Start on a
// started controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.Load() {
		return nil
	}

	tr := logging.NewTrace(c.logger)
	if err := c.launch(ctx, tr); err != nil {
		c.closeSurface()
		return err
	}
	c.started.Store(true)
	return nil
}

func (c *Controller) launch(ctx context.Context, tr *logging.Trace) error {
	s, err := c.launcher.Launch(ctx)
	if err != nil {
		return err
	}
	c.bind(s)
	return c.establish(ctx, tr)
}

// bind rebuilds every component against a fresh surface.
func (c *Controller) bind(s automation.Surface) {
	c.surface = s
	c.session = NewSessionManager(s, c.cfg, c.sel, c.file, c.operator, c.logger)
	c.health = NewHealthMonitor(s, c.session, c.cfg, c.sel, c.logger)
	c.form = NewOrderForm(s, c.cfg, c.sel, c.logger)
	c.reconciler = NewReconciler(s, c.cfg, c.sel, c.logger)
}

// establish logs in and primes the order form. A SessionError is logged and
// the controller carries on so an operator can step in.
func (c *Controller) establish(ctx context.Context, tr *logging.Trace) error {
	state, err := c.session.Establish(ctx, c.cfg.Terminal.DefaultSymbol, tr)
	c.state = state
	c.observer.BrokerState(state.Broker)

	var sessErr *apperrors.SessionError
	switch {
	case err == nil:
		c.audit.LogSession(ctx, security.AuditLogin, true, "")
	case apperrors.As(err, &sessErr):
		tr.Warnf("session not confirmed, continuing: %v", err)
		c.audit.LogSession(ctx, security.AuditLogin, false, err.Error())
	default:
		return err
	}
	c.audit.LogSession(ctx, security.AuditBrokerConnect, state.BrokerConnected(), string(state.Broker))

	if err := c.form.EnsureVisible(ctx, tr); err != nil {
		return err
	}
	return c.reconciler.Prime(ctx)
}

// restart tears the surface down and builds a new one. It is the only path
// that re-creates the surface.
func (c *Controller) restart(ctx context.Context, cause error, tr *logging.Trace) error {
	tr.Warnf("restarting automation surface: %v", cause)
	c.observer.Restarted(BackendName)
	c.closeSurface()

	err := c.launch(ctx, tr)
	logging.LogRestart(c.logger, cause.Error(), err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.audit.LogSession(ctx, security.AuditRestart, err == nil, msg)
	if err != nil {
		c.closeSurface()
		c.started.Store(false)
		return err
	}
	tr.Infof("automation surface restarted")
	return nil
}

// PlaceMarketOrder runs the placement protocol. A connectivity fault on the
// first attempt triggers one restart and one retry; when the fault came after
// the submit click the retry only reconciles, so an order is never sent twice.
func (c *Controller) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) models.ExecutionResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Symbol == "" {
		req.Symbol = c.cfg.Terminal.DefaultSymbol
	}
	logger := logging.WithSymbol(c.logger, req.Symbol)
	if id := logging.RequestID(ctx); id != "" {
		logger = logger.With().Str("request_id", id).Logger()
	}
	tr := logging.NewTrace(logger)
	start := c.now()

	result := c.place(ctx, req, tr)
	elapsed := c.now().Sub(start)
	c.observer.PlacementFinished(BackendName, OutcomeLabel(result), elapsed)
	logging.LogExecution(logger, req, result, elapsed)
	return result
}

func (c *Controller) place(ctx context.Context, req models.OrderRequest, tr *logging.Trace) models.ExecutionResult {
	if err := req.Validate(); err != nil {
		tr.Errorf("invalid request: %v", err)
		return models.Failed(fmt.Errorf("%w: %v", apperrors.ErrInvalidOrder, err), tr.Lines())
	}
	if !c.started.Load() {
		tr.Errorf("%v", apperrors.ErrNotStarted)
		return models.Failed(apperrors.ErrNotStarted, tr.Lines())
	}
	tr.Infof("placing %s market order on %s, quantity %s", req.Direction, req.Symbol, describeQuantity(req))

	var a attempt
	out, err := c.run(ctx, req, &a, tr)
	if err != nil && apperrors.IsConnectivityFault(err) {
		tr.Warnf("connectivity fault on first attempt: %v", err)
		if rerr := c.restart(ctx, err, tr); rerr != nil {
			tr.Errorf("restart failed: %v", rerr)
			return c.fail(ctx, rerr, tr)
		}
		if a.submitted {
			tr.Warnf("order was already submitted, checking whether it landed instead of resubmitting")
			out, err = c.resume(ctx, req, &a, tr)
		} else {
			a = attempt{}
			out, err = c.run(ctx, req, &a, tr)
		}
		if err != nil && apperrors.IsConnectivityFault(err) {
			tr.Errorf("connectivity fault on retry, giving up: %v", err)
		}
	}
	if err != nil {
		return c.fail(ctx, err, tr)
	}
	return c.result(ctx, req, &a, out, tr)
}

// run is one pass of the protocol from the health check to reconciliation.
func (c *Controller) run(ctx context.Context, req models.OrderRequest, a *attempt, tr *logging.Trace) (Outcome, error) {
	status, err := c.health.Check(ctx, tr)
	switch status {
	case models.ConnectionRestartNeeded:
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, apperrors.NewConnectivityFault("health check", err)
	case models.ConnectionRecovered:
		tr.Infof("connection recovered by re-binding to a live page")
	}

	cleared, err := c.health.ReconcileInterstitials(ctx, tr)
	if cleared > 0 {
		c.observer.InterstitialsCleared(cleared)
	}
	if err != nil {
		return Outcome{}, err
	}
	c.state.Broker = c.session.Broker()

	if err := c.form.GuardExistingPosition(ctx, req.Symbol, tr); err != nil {
		return Outcome{}, err
	}
	if err := c.form.EnsureVisible(ctx, tr); err != nil {
		return Outcome{}, err
	}
	if a.plan, err = c.form.ResolveQuantity(ctx, req, tr); err != nil {
		return Outcome{}, err
	}
	if a.readback, err = c.form.Fill(ctx, req, a.plan, tr); err != nil {
		return Outcome{}, err
	}
	if err := c.reconciler.Prime(ctx); err != nil {
		return Outcome{}, err
	}

	// Last point at which the caller can cancel.
	if err := ctx.Err(); err != nil {
		tr.Warnf("cancelled before submission")
		return Outcome{}, err
	}
	committed := context.WithoutCancel(ctx)

	a.fee, err = c.form.Submit(committed, tr, func() {
		a.submitted = true
		a.submittedAt = c.now()
	})
	if err != nil {
		return Outcome{}, err
	}
	if !a.submitted {
		a.submittedAt = c.now()
	}
	return c.reconciler.AwaitOutcome(committed, req, a.submittedAt, tr)
}

// resume reconciles an order submitted before a restart.
func (c *Controller) resume(ctx context.Context, req models.OrderRequest, a *attempt, tr *logging.Trace) (Outcome, error) {
	committed := context.WithoutCancel(ctx)
	cleared, err := c.health.ReconcileInterstitials(committed, tr)
	if cleared > 0 {
		c.observer.InterstitialsCleared(cleared)
	}
	if err != nil {
		return Outcome{}, err
	}
	return c.reconciler.AwaitOutcome(committed, req, a.submittedAt, tr)
}

func (c *Controller) result(ctx context.Context, req models.OrderRequest, a *attempt, out Outcome, tr *logging.Trace) models.ExecutionResult {
	switch out.Kind {
	case OutcomeRejected:
		rej := out.Rejection
		logging.LogRejection(c.logger, *rej)
		return c.fail(ctx, &apperrors.RejectionDetected{
			Header:    rej.Header,
			OrderInfo: rej.OrderInfo,
			Reason:    rej.Reason,
			Symbol:    rej.Symbol,
		}, tr)
	case OutcomeIndeterminate:
		return c.fail(ctx, &apperrors.ReconciliationIndeterminate{
			Symbol: req.Symbol,
			Window: c.cfg.Reconcile.RecencyWindow,
		}, tr)
	}

	details := models.ExecutionDetails{
		Symbol:        req.Symbol,
		Side:          req.Direction,
		EntryPrice:    out.EntryPrice,
		Quantity:      out.Quantity,
		MarginUsed:    out.Margin,
		Fee:           out.Fee,
		TakeProfit:    a.readback.TakeProfit,
		StopLoss:      a.readback.StopLoss,
		Timestamp:     a.submittedAt,
		LowConfidence: out.LowConfidence,
	}
	if details.Quantity == 0 {
		details.Quantity = a.readback.Quantity
	}
	if details.Quantity == 0 && !req.IsAutoSize() {
		details.Quantity = req.Quantity
	}
	if details.Fee == nil {
		details.Fee = a.fee
	}
	if details.TakeProfit == nil {
		details.TakeProfit = req.TakeProfit
	}
	if details.StopLoss == nil {
		details.StopLoss = req.StopLoss
	}
	if details.LowConfidence {
		tr.Warnf("reporting success with low confidence: order seen in history, entry price unknown")
	}
	tr.Infof("filled %s %s at %.2f, margin %.2f", req.Direction, req.Symbol, details.EntryPrice, details.MarginUsed)
	return models.Succeeded(details, tr.Lines())
}

// fail records a failed result and, when a debug dir is configured, a
// screenshot of the page for postmortem.
func (c *Controller) fail(ctx context.Context, err error, tr *logging.Trace) models.ExecutionResult {
	tr.Errorf("placement failed: %v", err)
	var blocked *apperrors.ExistingPositionError
	if dir := c.cfg.Terminal.DebugDir; dir != "" && c.surface != nil && !apperrors.As(err, &blocked) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Terminal.ElementTimeout)
		path, serr := automation.SaveScreenshot(sctx, c.surface, dir, "failure")
		cancel()
		if serr == nil {
			tr.Infof("saved screenshot %s", path)
		}
	}
	return models.Failed(err, tr.Lines())
}

// Health reports readiness without waiting behind an in-flight placement.
func (c *Controller) Health(ctx context.Context) models.HealthReport {
	report := models.HealthReport{Backend: BackendName, CheckedAt: c.now()}
	if !c.mu.TryLock() {
		report.Ready = true
		report.Detail = "placement in progress"
		return report
	}
	defer c.mu.Unlock()

	report.Session = c.state
	if !c.started.Load() {
		report.Detail = apperrors.ErrNotStarted.Error()
		return report
	}
	report.Session.Broker = c.session.Broker()

	status, err := c.health.Check(ctx, logging.NewTrace(c.logger))
	report.Connection = status
	report.Ready = status != models.ConnectionRestartNeeded
	if err != nil {
		report.Detail = err.Error()
	}
	return report
}

// Screenshot captures the current page.
func (c *Controller) Screenshot(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started.Load() {
		return nil, apperrors.ErrNotStarted
	}
	return c.surface.Screenshot(ctx)
}

// Navigate opens the chart view of symbol.
func (c *Controller) Navigate(ctx context.Context, symbol string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started.Load() {
		return "", apperrors.ErrNotStarted
	}
	url := c.cfg.SymbolURL(symbol)
	if err := c.surface.Navigate(ctx, url); err != nil {
		return "", err
	}
	return url, nil
}

// State returns the current session state.
func (c *Controller) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	if c.session != nil {
		st.Broker = c.session.Broker()
	}
	return st
}

// Started reports whether the controller holds a live session. It turns
// false after Close or after a restart that could not bring the surface back.
func (c *Controller) Started() bool {
	return c.started.Load()
}

// Close releases the surface.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started.Store(false)
	return c.closeSurface()
}

func (c *Controller) closeSurface() error {
	if c.surface == nil {
		return nil
	}
	err := c.surface.Close()
	c.surface = nil
	return err
}

// OutcomeLabel classifies a result for metrics and the journal.
func OutcomeLabel(r models.ExecutionResult) string {
	if r.Success {
		if r.ExecutionDetails != nil && r.ExecutionDetails.LowConfidence {
			return "filled_low_confidence"
		}
		return "filled"
	}
	msg := strings.ToLower(r.Error)
	switch {
	case strings.Contains(msg, "order rejected"):
		return "rejected"
	case strings.Contains(msg, "existing position"), strings.Contains(msg, "open position"):
		return "blocked"
	case strings.Contains(msg, "could not confirm fill"):
		return "indeterminate"
	default:
		return "failed"
	}
}

func describeQuantity(req models.OrderRequest) string {
	if req.IsAutoSize() {
		return "auto"
	}
	return fmt.Sprintf("%g", req.Quantity)
}
