package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/models"
)

const testSymbol = "BINANCE:ETHUSDT.P"

type recordingObserver struct {
	outcomes []string
	restarts int
	cleared  int
	brokers  []models.BrokerState
}

func (o *recordingObserver) PlacementFinished(_, outcome string, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}
func (o *recordingObserver) Restarted(string)                 { o.restarts++ }
func (o *recordingObserver) InterstitialsCleared(n int)       { o.cleared += n }
func (o *recordingObserver) BrokerState(s models.BrokerState) { o.brokers = append(o.brokers, s) }

type harness struct {
	term     *fakeTerminal
	launcher *fakeLauncher
	ctrl     *Controller
	obs      *recordingObserver
}

func newHarness(t *testing.T, tweak func(h *harness)) *harness {
	t.Helper()
	cfg := testConfig(t)
	sel := DefaultSelectors()
	h := &harness{term: loggedInTerminal(cfg, sel), obs: &recordingObserver{}}
	h.launcher = &fakeLauncher{term: h.term}
	if tweak != nil {
		tweak(h)
	}
	file := NewSessionFile(cfg.Session.Dir, cfg.Session.Profile, nil)
	h.ctrl = NewController(cfg, h.launcher, file, zerolog.Nop(), WithObserver(h.obs), WithSelectors(sel))
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

func TestPlaceLongWithTakeProfitAndStopLoss(t *testing.T) {
	h := newHarness(t, nil)
	h.term.fillOnSubmit(testSymbol, 3250.5, 1, 325.05)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{
		Direction:  models.Long,
		Quantity:   1,
		TakeProfit: models.Float(3500),
		StopLoss:   models.Float(3000),
	})

	if !res.Success {
		t.Fatalf("expected success, got %q\n%s", res.Error, strings.Join(res.ExecutionLogs, "\n"))
	}
	d := res.ExecutionDetails
	if d.Side != models.Long {
		t.Errorf("side = %s, want LONG", d.Side)
	}
	if d.EntryPrice != 3250.5 {
		t.Errorf("entry price = %v, want 3250.5", d.EntryPrice)
	}
	if d.Quantity != 1 {
		t.Errorf("quantity = %v, want 1", d.Quantity)
	}
	if d.MarginUsed != 325.05 {
		t.Errorf("margin = %v, want 325.05 from history", d.MarginUsed)
	}
	if d.TakeProfit == nil || *d.TakeProfit != 3500 {
		t.Errorf("take profit = %v, want 3500", d.TakeProfit)
	}
	if d.StopLoss == nil || *d.StopLoss != 3000 {
		t.Errorf("stop loss = %v, want 3000", d.StopLoss)
	}
	if d.LowConfidence {
		t.Error("fill read from the positions view should not be low confidence")
	}

	sel := h.term.sel.Form
	if h.term.clickCount(sel.BuyButton) != 1 || h.term.clickCount(sel.SellButton) != 0 {
		t.Error("expected exactly one buy click and no sell click")
	}
	if h.term.clickCount(sel.Submit) != 1 {
		t.Errorf("submit clicked %d times, want 1", h.term.clickCount(sel.Submit))
	}
	if !h.term.checked[sel.TakeProfitToggle] || !h.term.checked[sel.StopLossToggle] {
		t.Error("take-profit and stop-loss toggles should be enabled")
	}
	if len(res.ExecutionLogs) == 0 {
		t.Error("expected an execution trace")
	}
	if len(h.obs.outcomes) != 1 || h.obs.outcomes[0] != "filled" {
		t.Errorf("observer outcomes = %v", h.obs.outcomes)
	}
}

func TestDirectionIsFirstFormControl(t *testing.T) {
	h := newHarness(t, nil)
	h.term.fillOnSubmit(testSymbol, 3000, 2, 600)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Short, Quantity: 2})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}

	sel := h.term.sel.Form
	form := map[string]bool{sel.BuyButton: true, sel.SellButton: true, sel.MarketTab: true, sel.Submit: true}
	for _, c := range h.term.clicks {
		if form[c] {
			if c != sel.SellButton {
				t.Fatalf("first form click was %s, want the sell control", c)
			}
			break
		}
	}
}

func TestAutoSizeCapsMargin(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.term.texts[h.term.sel.Account.Balance[0].Selector] = "$10,000.00"
	})
	h.ctrl.cfg.Sizing.Mode = "margin"
	h.ctrl.cfg.Sizing.UsableFraction = 0.9
	h.ctrl.cfg.Sizing.MaxMargin = 1000
	h.term.fillOnSubmit(testSymbol, 3100, 0.32, 1000)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: models.AutoSize})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if got := h.term.typed[h.term.sel.Form.MarginInput]; got != "1000" {
		t.Errorf("margin entered = %q, want 1000 (cap applied, not 9000)", got)
	}
	if _, ok := h.term.typed[h.term.sel.Form.QuantityInput]; ok {
		t.Error("margin mode must not type into the quantity input")
	}
}

func TestExistingPositionBlocksOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.term.openPosition(testSymbol, 3000, 1, 300)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

	if res.Success {
		t.Fatal("expected failure with an open position")
	}
	if !strings.Contains(res.Error, "existing open position") || !strings.Contains(res.Error, "ETHUSDT") {
		t.Errorf("error should name the blocking position: %q", res.Error)
	}
	if h.term.formTouched() {
		t.Error("no form control may be touched when a position exists")
	}
	if len(h.term.history) != 0 {
		t.Error("no order history entry may be created")
	}
	if OutcomeLabel(res) != "blocked" {
		t.Errorf("outcome label = %s, want blocked", OutcomeLabel(res))
	}
}

func TestRejectionWinsOverStalePositionRow(t *testing.T) {
	h := newHarness(t, nil)
	h.term.onClick[h.term.sel.Form.Submit] = func(t *fakeTerminal) {
		// A row from a previous fill shows up alongside the rejection.
		t.openPosition(testSymbol, 2900, 1, 290)
		t.toasts = append(t.toasts, toast{
			Header: "Order rejected",
			Body:   "Buy 1 ETHUSDT.P @ Market\nInsufficient margin",
		})
	}

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

	if res.Success {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(res.Error, "Insufficient margin") {
		t.Errorf("error should carry the rejection reason: %q", res.Error)
	}
	if OutcomeLabel(res) != "rejected" {
		t.Errorf("outcome label = %s, want rejected", OutcomeLabel(res))
	}
}

func TestToastsPresentBeforeSubmitAreIgnored(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.term.toasts = []toast{{Header: "Order rejected", Body: "Sell 3 BTCUSDT\nNot enough balance"}}
	})
	h.term.fillOnSubmit(testSymbol, 3001, 1, 300.1)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})
	if !res.Success {
		t.Fatalf("stale toast must not fail a new order: %q", res.Error)
	}
}

func TestRepeatedRejectionIsNotMistakenForStaleToast(t *testing.T) {
	stale := toast{Header: "Order rejected", Body: "Buy 1 ETHUSDT.P @ Market\nInsufficient margin"}
	h := newHarness(t, func(h *harness) {
		h.term.toasts = []toast{stale}
	})
	h.term.onClick[h.term.sel.Form.Submit] = func(t *fakeTerminal) {
		t.toasts = append(t.toasts, toast{Header: stale.Header, Body: stale.Body})
	}

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

	if res.Success {
		t.Fatal("the new order's rejection must be reported")
	}
	if OutcomeLabel(res) != "rejected" {
		t.Errorf("outcome label = %s, want rejected", OutcomeLabel(res))
	}
}

func TestNoFillAndNoHistoryIsIndeterminate(t *testing.T) {
	h := newHarness(t, nil)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "could not confirm fill") {
		t.Errorf("expected an indeterminate error, got %q", res.Error)
	}
	if h.term.reloads != 1 {
		t.Errorf("reloads = %d, want 1", h.term.reloads)
	}
	if !traceContains(res.ExecutionLogs, "reloading") {
		t.Error("trace should record the reload")
	}
}

func TestRecentHistoryWithoutPriceIsLowConfidenceSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.term.onClick[h.term.sel.Form.Submit] = func(t *fakeTerminal) {
		t.history = append(t.history, marketHistoryRow(testSymbol, 1, 310, time.Now()))
	}

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

	if !res.Success {
		t.Fatalf("a routed order must not be abandoned: %q", res.Error)
	}
	if !res.ExecutionDetails.LowConfidence {
		t.Error("expected the low-confidence flag")
	}
	if res.ExecutionDetails.MarginUsed != 310 {
		t.Errorf("margin = %v, want 310", res.ExecutionDetails.MarginUsed)
	}
	if h.term.reloads != 0 {
		t.Error("no reload on a low-confidence success")
	}
}

func TestStaleHistoryOutsideRecencyWindowIsIndeterminate(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.term.history = []tableRow{marketHistoryRow(testSymbol, 1, 310, time.Now().Add(-10*time.Minute))}
	})

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})
	if res.Success {
		t.Fatal("an old history row must not count as this order")
	}
}

func TestConnectivityFaultRestartsOnceAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.term.fillOnSubmit(testSymbol, 3200, 1, 320)
	h.launcher.current().arm(1, nil)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

	if !res.Success {
		t.Fatalf("retry should succeed: %q\n%s", res.Error, strings.Join(res.ExecutionLogs, "\n"))
	}
	if h.launcher.launches() != 2 {
		t.Errorf("launches = %d, want 2", h.launcher.launches())
	}
	if h.obs.restarts != 1 {
		t.Errorf("restarts = %d, want 1", h.obs.restarts)
	}
	if !traceContains(res.ExecutionLogs, "restarting automation surface") {
		t.Error("trace should record the restart")
	}
}

func TestSecondConnectivityFaultIsTerminal(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.launcher.prepare = func(n int, s *fakeSurface) {
			if n >= 2 {
				s.arm(1, nil)
			}
		}
	})
	h.launcher.current().arm(1, nil)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

	if res.Success {
		t.Fatal("expected failure after a second fault")
	}
	if h.launcher.launches() != 2 {
		t.Errorf("launches = %d, want exactly one restart", h.launcher.launches())
	}
	if !apperrors.IsConnectivityFault(errors.New(res.Error)) {
		t.Errorf("error should be a connectivity fault: %q", res.Error)
	}
}

func TestFailedRestartClosesSurfaceAndAllowsStart(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.launcher.prepare = func(n int, s *fakeSurface) {
			if n == 2 {
				s.arm(1, nil)
			}
		}
	})
	h.launcher.current().arm(1, nil)

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})
	if res.Success {
		t.Fatal("expected failure when the restarted surface faults")
	}

	relaunched := h.launcher.current()
	relaunched.mu.Lock()
	closed := relaunched.closed
	relaunched.mu.Unlock()
	if !closed {
		t.Error("the surface from the failed restart was left open")
	}
	if h.ctrl.Started() {
		t.Fatal("controller still reports started after a failed restart")
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start after failed restart: %v", err)
	}
	h.term.fillOnSubmit(testSymbol, 3250.5, 1, 325.05)
	res = h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})
	if !res.Success {
		t.Fatalf("placement after Start: %q\n%s", res.Error, strings.Join(res.ExecutionLogs, "\n"))
	}
	if h.launcher.launches() != 3 {
		t.Errorf("launches = %d, want 3", h.launcher.launches())
	}
}

func TestFaultAfterSubmitReconcilesWithoutResubmitting(t *testing.T) {
	h := newHarness(t, nil)
	h.term.onClick[h.term.sel.Form.Submit] = func(t *fakeTerminal) {
		t.openPosition(testSymbol, 3300, 1, 330)
		t.history = append(t.history, marketHistoryRow(testSymbol, 1, 330, time.Now()))
		t.pendingFault = errors.New("websocket: close 1006 (abnormal closure)")
	}

	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

	if !res.Success {
		t.Fatalf("the landed order should be reconciled: %q\n%s", res.Error, strings.Join(res.ExecutionLogs, "\n"))
	}
	if n := h.term.clickCount(h.term.sel.Form.Submit); n != 1 {
		t.Errorf("submit clicked %d times, want 1", n)
	}
	if h.launcher.launches() != 2 {
		t.Errorf("launches = %d, want 2", h.launcher.launches())
	}
	if res.ExecutionDetails.EntryPrice != 3300 {
		t.Errorf("entry price = %v, want 3300", res.ExecutionDetails.EntryPrice)
	}
}

func TestInvalidRequestFailsBeforeTouchingSurface(t *testing.T) {
	h := newHarness(t, nil)
	res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: "UP", Quantity: 1})
	if res.Success || !strings.Contains(res.Error, "invalid order") {
		t.Fatalf("expected invalid order, got %+v", res)
	}
	if h.term.formTouched() {
		t.Error("form must not be touched")
	}
}

func TestPlaceBeforeStartFails(t *testing.T) {
	cfg := testConfig(t)
	ctrl := NewController(cfg, &fakeLauncher{term: loggedInTerminal(cfg, DefaultSelectors())}, nil, zerolog.Nop())
	res := ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})
	if res.Success || res.Error != apperrors.ErrNotStarted.Error() {
		t.Fatalf("expected not started, got %+v", res)
	}
}

func TestHealthReportsSession(t *testing.T) {
	h := newHarness(t, nil)
	report := h.ctrl.Health(context.Background())
	if !report.Ready || report.Connection != models.ConnectionValid {
		t.Fatalf("unexpected report %+v", report)
	}
	if !report.Session.LoggedIn || report.Session.Broker != models.BrokerConnected {
		t.Errorf("session = %+v", report.Session)
	}
	if report.Backend != BackendName {
		t.Errorf("backend = %s", report.Backend)
	}
}

func TestNavigateAndScreenshot(t *testing.T) {
	h := newHarness(t, nil)
	url, err := h.ctrl.Navigate(context.Background(), "BINANCE:BTCUSDT.P")
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if !strings.Contains(url, "BTCUSDT") || h.term.url != url {
		t.Errorf("navigated to %q, terminal at %q", url, h.term.url)
	}
	img, err := h.ctrl.Screenshot(context.Background())
	if err != nil || len(img) == 0 {
		t.Fatalf("Screenshot: %v", err)
	}
}

func TestOutcomeLabel(t *testing.T) {
	cases := []struct {
		res  models.ExecutionResult
		want string
	}{
		{models.Succeeded(models.ExecutionDetails{}, nil), "filled"},
		{models.Succeeded(models.ExecutionDetails{LowConfidence: true}, nil), "filled_low_confidence"},
		{models.Failed(&apperrors.RejectionDetected{Reason: "x"}, nil), "rejected"},
		{models.Failed(apperrors.NewExistingPositionError("ETH", "", ""), nil), "blocked"},
		{models.Failed(&apperrors.ReconciliationIndeterminate{Symbol: "ETH"}, nil), "indeterminate"},
		{models.Failed(errors.New("boom"), nil), "failed"},
	}
	for _, c := range cases {
		if got := OutcomeLabel(c.res); got != c.want {
			t.Errorf("OutcomeLabel(%q) = %s, want %s", c.res.Error, got, c.want)
		}
	}
}
