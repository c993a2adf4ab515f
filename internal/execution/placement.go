package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/models"
	"terminal-trader/internal/trading"
	"terminal-trader/pkg/utils"
)

// QuantityPlan is the resolved figure to enter and the input it goes into.
type QuantityPlan struct {
	Field  string
	Amount float64
	Sizing *trading.SizingPlan
}

// FormReadback holds what the form accepted, read back after entry.
type FormReadback struct {
	Quantity   float64
	TakeProfit *float64
	StopLoss   *float64
}

// OrderForm drives the order-entry form. Every step checks its control
// exists; a missing control is logged as a FormInteractionWarning and the
// protocol carries on. Only connectivity faults abort a step.
type OrderForm struct {
	surface automation.Surface
	cfg     *config.Config
	sel     *Selectors
	logger  zerolog.Logger
}

// NewOrderForm creates an order form driver bound to surface.
func NewOrderForm(s automation.Surface, cfg *config.Config, sel *Selectors, logger zerolog.Logger) *OrderForm {
	return &OrderForm{
		surface: s,
		cfg:     cfg,
		sel:     sel,
		logger:  logger.With().Str("component", "order_form").Logger(),
	}
}

// GuardExistingPosition fails with ExistingPositionError when the instrument
// already has an open position. It touches no form control.
func (f *OrderForm) GuardExistingPosition(ctx context.Context, symbol string, tr *logging.Trace) error {
	if err := f.showTab(ctx, f.sel.Positions.Tab); err != nil {
		return err
	}

	rows, err := readRows(ctx, f.surface, f.sel.Positions.Table)
	if err != nil {
		return err
	}
	if row, ok := findRow(rows, symbol); ok {
		qty, hasQty := row.Quantity()
		if !hasQty {
			// An unreadable size still means a row is there.
			tr.Warnf("position row for %s has no readable size, treating as open", symbol)
		}
		if !hasQty || qty > 0 {
			return apperrors.NewExistingPositionError(symbol, row.Side(), utils.FormatQuantity(qty))
		}
	}

	qty, probe, err := f.sel.Positions.Quantity.ReadNumber(ctx, f.surface, symbol)
	if err != nil {
		return err
	}
	if qty > 0 {
		tr.Infof("position probe %s reports size %s", probe, utils.FormatQuantity(qty))
		return apperrors.NewExistingPositionError(symbol, "", utils.FormatQuantity(qty))
	}

	tr.Infof("no open position for %s", symbol)
	return nil
}

// EnsureVisible opens the order panel when it is not already shown.
func (f *OrderForm) EnsureVisible(ctx context.Context, tr *logging.Trace) error {
	visible, err := f.surface.Exists(ctx, f.sel.Form.Panel)
	if err != nil && apperrors.IsConnectivityFault(err) {
		return err
	}
	if visible {
		return nil
	}

	if err := f.click(ctx, tr, "open order panel", f.sel.Form.OpenPanel, f.cfg.Placement.FormOpenDelay); err != nil {
		return err
	}
	if err := f.surface.WaitFor(ctx, f.sel.Form.Panel, f.cfg.Terminal.ElementTimeout); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return err
		}
		f.warn(tr, "open order panel", f.sel.Form.Panel, err)
		return nil
	}
	tr.Infof("order panel opened")
	return nil
}

// ResolveQuantity works out what to enter for the quantity. It reads the
// account but never writes to the form.
func (f *OrderForm) ResolveQuantity(ctx context.Context, req models.OrderRequest, tr *logging.Trace) (QuantityPlan, error) {
	if !req.IsAutoSize() {
		return QuantityPlan{Field: f.sel.Form.QuantityInput, Amount: req.Quantity}, nil
	}

	if err := f.showTab(ctx, f.sel.Account.Tab); err != nil {
		return QuantityPlan{}, err
	}
	balance, probe, err := f.sel.Account.Balance.ReadNumber(ctx, f.surface, req.Symbol)
	if err != nil {
		return QuantityPlan{}, err
	}
	if balance <= 0 {
		return QuantityPlan{}, fmt.Errorf("auto-size: account balance could not be read")
	}
	tr.Infof("spendable balance %s (probe %s)", utils.FormatUSD(balance), probe)

	var price float64
	if trading.SizingMode(f.cfg.Sizing.Mode) == trading.SizingContracts {
		if price, probe, err = f.sel.Form.LastPrice.ReadNumber(ctx, f.surface, req.Symbol); err != nil {
			return QuantityPlan{}, err
		}
		tr.Infof("last price %s (probe %s)", utils.FormatPrice(price), probe)
	}

	plan, err := trading.PlanAutoSize(f.cfg.Sizing, balance, price)
	if err != nil {
		return QuantityPlan{}, fmt.Errorf("auto-size: %w", err)
	}

	field := f.sel.Form.MarginInput
	if plan.Mode == trading.SizingContracts {
		field = f.sel.Form.QuantityInput
		tr.Infof("auto-size: %s usable margin buys %s contracts", utils.FormatUSD(plan.Margin), utils.FormatQuantity(plan.Contracts))
	} else {
		tr.Infof("auto-size: entering %s margin (%.0f%% of balance, cap %s)",
			utils.FormatUSD(plan.Margin), f.cfg.Sizing.UsableFraction*100, utils.FormatUSD(f.cfg.Sizing.MaxMargin))
	}
	return QuantityPlan{Field: field, Amount: plan.Amount(), Sizing: &plan}, nil
}

// Fill selects direction and market type, then enters quantity and the
// optional take-profit and stop-loss. Direction is always the first control
// touched since it gates the rest of the form.
func (f *OrderForm) Fill(ctx context.Context, req models.OrderRequest, plan QuantityPlan, tr *logging.Trace) (FormReadback, error) {
	var rb FormReadback
	delays := f.cfg.Placement

	side := f.sel.Form.BuyButton
	if req.Direction == models.Short {
		side = f.sel.Form.SellButton
	}
	if err := f.click(ctx, tr, "direction "+string(req.Direction.Side()), side, delays.ClickDelay); err != nil {
		return rb, err
	}

	if err := f.click(ctx, tr, "market order type", f.sel.Form.MarketTab, delays.ClickDelay); err != nil {
		return rb, err
	}

	if err := f.typeInto(ctx, tr, "quantity", plan.Field, utils.FormatPrice(plan.Amount)); err != nil {
		return rb, err
	}
	qty, probe, err := f.sel.Form.QuantityReadback.ReadNumber(ctx, f.surface, req.Symbol)
	if err != nil {
		return rb, err
	}
	if qty > 0 {
		rb.Quantity = qty
		tr.Infof("form accepted quantity %s (probe %s)", utils.FormatQuantity(qty), probe)
	} else {
		tr.Warnf("quantity read-back empty")
	}

	if req.TakeProfit != nil {
		if err := f.toggleOn(ctx, tr, "take-profit", f.sel.Form.TakeProfitToggle); err != nil {
			return rb, err
		}
		if rb.TakeProfit, err = f.enterPrice(ctx, tr, "take-profit", f.sel.Form.TakeProfitInput, *req.TakeProfit); err != nil {
			return rb, err
		}
	}

	if req.StopLoss != nil {
		if f.cfg.Venue.AutoStopLossWithTakeProfit && req.TakeProfit != nil {
			tr.Infof("stop-loss enabled together with take-profit by this venue, skipping toggle")
		} else if err := f.toggleOn(ctx, tr, "stop-loss", f.sel.Form.StopLossToggle); err != nil {
			return rb, err
		}
		if rb.StopLoss, err = f.enterPrice(ctx, tr, "stop-loss", f.sel.Form.StopLossInput, *req.StopLoss); err != nil {
			return rb, err
		}
	}

	return rb, nil
}

// Submit clicks the submit control and, when the venue shows an order preview,
// captures the fee and confirms. onSubmit runs just before the submit click so
// the caller knows an order may be in flight even if the click faults.
func (f *OrderForm) Submit(ctx context.Context, tr *logging.Trace, onSubmit func()) (*float64, error) {
	sel := f.sel.Form
	present, err := f.surface.Exists(ctx, sel.Submit)
	if err != nil && apperrors.IsConnectivityFault(err) {
		return nil, err
	}
	if !present {
		f.warn(tr, "submit", sel.Submit, nil)
		return nil, nil
	}

	onSubmit()
	if err := f.surface.Click(ctx, sel.Submit); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return nil, err
		}
		f.warn(tr, "submit", sel.Submit, err)
		return nil, nil
	}
	tr.Infof("order submitted")
	_ = utils.Sleep(ctx, f.cfg.Placement.SubmitDelay)

	var confirm bool
	if f.cfg.Venue.ConfirmStep {
		err = f.surface.WaitFor(ctx, sel.ConfirmDialog, f.cfg.Placement.ConfirmWait)
		confirm = err == nil
	} else {
		confirm, err = f.surface.Exists(ctx, sel.ConfirmDialog)
	}
	if err != nil && apperrors.IsConnectivityFault(err) {
		return nil, err
	}
	if !confirm {
		if f.cfg.Venue.ConfirmStep {
			f.warn(tr, "order preview", sel.ConfirmDialog, err)
		}
		return nil, nil
	}

	var fee *float64
	if v, probe, err := sel.ConfirmFee.ReadNumber(ctx, f.surface, ""); err != nil {
		return nil, err
	} else if v > 0 {
		fee = &v
		tr.Infof("order preview fee %s (probe %s)", utils.FormatPrice(v), probe)
	}
	if err := f.click(ctx, tr, "confirm order", sel.ConfirmButton, f.cfg.Placement.ClickDelay); err != nil {
		return fee, err
	}
	tr.Infof("order confirmed")
	return fee, nil
}

// click clicks selector if present and waits settle.
func (f *OrderForm) click(ctx context.Context, tr *logging.Trace, step, selector string, settle time.Duration) error {
	ok, err := f.present(ctx, tr, step, selector)
	if err != nil || !ok {
		return err
	}
	if err := f.surface.Click(ctx, selector); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return err
		}
		f.warn(tr, step, selector, err)
		return nil
	}
	tr.Debugf("%s: clicked", step)
	return utils.Sleep(ctx, settle)
}

func (f *OrderForm) typeInto(ctx context.Context, tr *logging.Trace, step, selector, text string) error {
	ok, err := f.present(ctx, tr, step, selector)
	if err != nil || !ok {
		return err
	}
	if err := f.surface.Type(ctx, selector, text); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return err
		}
		f.warn(tr, step, selector, err)
		return nil
	}
	tr.Infof("%s: entered %s", step, text)
	return utils.Sleep(ctx, f.cfg.Placement.TypeDelay)
}

// enterPrice types a price and returns the value the input accepted.
func (f *OrderForm) enterPrice(ctx context.Context, tr *logging.Trace, step, selector string, price float64) (*float64, error) {
	if err := f.typeInto(ctx, tr, step, selector, utils.FormatPrice(price)); err != nil {
		return nil, err
	}
	text, err := f.surface.Text(ctx, selector)
	if err != nil {
		if apperrors.IsConnectivityFault(err) {
			return nil, err
		}
		return nil, nil
	}
	v, ok := utils.PositiveNumber(text)
	if !ok {
		tr.Warnf("%s: read-back empty", step)
		return nil, nil
	}
	if v != price {
		tr.Warnf("%s: form shows %s, requested %s", step, utils.FormatPrice(v), utils.FormatPrice(price))
	}
	return &v, nil
}

// toggleOn enables a checkbox-like control when it is off.
func (f *OrderForm) toggleOn(ctx context.Context, tr *logging.Trace, step, selector string) error {
	var checked *bool
	if err := f.surface.Evaluate(ctx, scriptIsChecked, selector, &checked); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return err
		}
		f.warn(tr, step+" toggle", selector, err)
		return nil
	}
	if checked == nil {
		f.warn(tr, step+" toggle", selector, nil)
		return nil
	}
	if *checked {
		tr.Debugf("%s already enabled", step)
		return nil
	}
	if err := f.surface.Click(ctx, selector); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return err
		}
		f.warn(tr, step+" toggle", selector, err)
		return nil
	}
	tr.Infof("%s enabled", step)
	return utils.Sleep(ctx, f.cfg.Placement.ToggleDelay)
}

func (f *OrderForm) present(ctx context.Context, tr *logging.Trace, step, selector string) (bool, error) {
	ok, err := f.surface.Exists(ctx, selector)
	if err != nil {
		if apperrors.IsConnectivityFault(err) {
			return false, err
		}
		f.warn(tr, step, selector, err)
		return false, nil
	}
	if !ok {
		f.warn(tr, step, selector, nil)
	}
	return ok, nil
}

func (f *OrderForm) warn(tr *logging.Trace, step, selector string, err error) {
	tr.Warnf("%v", apperrors.NewFormInteractionWarning(step, selector, err))
}

func (f *OrderForm) showTab(ctx context.Context, selector string) error {
	return selectTab(ctx, f.surface, selector, f.cfg.Placement.ClickDelay)
}
