package execution

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"terminal-trader/internal/models"
)

// Property: with an open position on the instrument, no request of any shape
// touches the order form, and all of them fail.
func TestProperty_ExistingPositionNeverTouchesForm(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("guard blocks before any form interaction", prop.ForAll(
		func(short, auto, withTP, withSL bool, qty, held float64) bool {
			h := newHarness(t, nil)
			h.term.openPosition(testSymbol, 3000, held, 300)

			req := models.OrderRequest{Direction: models.Long, Quantity: qty}
			if short {
				req.Direction = models.Short
			}
			if auto {
				req.Quantity = models.AutoSize
			}
			if withTP {
				req.TakeProfit = models.Float(3600)
			}
			if withSL {
				req.StopLoss = models.Float(2800)
			}

			res := h.ctrl.PlaceMarketOrder(context.Background(), req)
			return !res.Success && !h.term.formTouched() && len(h.term.history) == 0
		},
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0.01, 50),
		gen.Float64Range(0.01, 50),
	))

	properties.TestingRun(t)
}

// Property: a connectivity fault injected at any call of a placement causes
// at most one restart, and the order is never submitted twice.
func TestProperty_InjectedFaultRestartsAtMostOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("one restart per fault, one submit per order", prop.ForAll(
		func(faultAt int, secondFault bool) bool {
			h := newHarness(t, func(h *harness) {
				h.launcher.prepare = func(n int, s *fakeSurface) {
					if n >= 2 && secondFault {
						s.arm(faultAt, nil)
					}
				}
			})
			h.term.fillOnSubmit(testSymbol, 3150, 1, 315)
			first := h.launcher.current()
			first.arm(faultAt, nil)

			res := h.ctrl.PlaceMarketOrder(context.Background(), models.OrderRequest{Direction: models.Long, Quantity: 1})

			if h.term.clickCount(h.term.sel.Form.Submit) > 1 || len(h.term.history) > 1 {
				return false
			}
			if !first.faultFired() {
				return h.launcher.launches() == 1 && h.obs.restarts == 0 && res.Success
			}
			return h.launcher.launches() == 2 && h.obs.restarts == 1
		},
		gen.IntRange(1, 80),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: once a fill is locked, later ticks never change the reported
// entry price, quantity or margin, even if the rows move.
func TestProperty_FilledValuesAreLocked(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("first fill wins within the window", prop.ForAll(
		func(price, drift float64) bool {
			cfg := testConfig(t)
			cfg.Reconcile.ConfirmTicks = 3
			sel := DefaultSelectors()
			term := loggedInTerminal(cfg, sel)
			term.openPosition(testSymbol, price, 1, 100)
			term.history = []tableRow{marketHistoryRow(testSymbol, 1, 100, time.Now())}

			s := &driftingSurface{fakeSurface: &fakeSurface{term: term}, sel: sel, drift: drift}
			r := NewReconciler(s, cfg, &sel, testLogger())
			out, err := r.AwaitOutcome(context.Background(), models.OrderRequest{Symbol: testSymbol}, time.Now(), testTrace())
			if err != nil || out.Kind != OutcomeFilled {
				return false
			}
			return out.EntryPrice == roundCents(price) && out.Quantity == 1 && out.Margin == 100
		},
		gen.Float64Range(1, 100_000),
		gen.Float64Range(1, 500),
	))

	properties.TestingRun(t)
}
