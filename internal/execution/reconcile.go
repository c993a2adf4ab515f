package execution

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/models"
	"terminal-trader/pkg/utils"
)

// OutcomeKind classifies how a submitted order ended.
type OutcomeKind int

const (
	OutcomeIndeterminate OutcomeKind = iota
	OutcomeFilled
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFilled:
		return "filled"
	case OutcomeRejected:
		return "rejected"
	default:
		return "indeterminate"
	}
}

// Outcome is the reconciled result of one submitted order.
type Outcome struct {
	Kind       OutcomeKind
	EntryPrice float64
	Quantity   float64
	Margin     float64
	Fee        *float64
	Rejection  *models.RejectionEvent
	// LowConfidence marks a fill inferred from order history alone.
	LowConfidence bool
}

type toast struct {
	Header string `json:"header"`
	Body   string `json:"body"`
	// Seen is set on toast elements that were on screen at Prime.
	Seen bool `json:"seen"`
}

var (
	feeKey     = regexp.MustCompile(`(?i)fee|commission`)
	timeLayout = []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"Jan 2, 2006 15:04:05",
		"Jan 2, 2006, 15:04:05",
		"02 Jan 2006 15:04:05",
	}
	clockLayout = []string{"15:04:05", "15:04"}
)

// clockSkew tolerates a venue clock slightly ahead of ours.
const clockSkew = time.Minute

// Reconciler works out what happened to a submitted order by polling the
// positions view, order history and notification toasts.
type Reconciler struct {
	surface automation.Surface
	cfg     *config.Config
	sel     *Selectors
	logger  zerolog.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler bound to surface.
func NewReconciler(s automation.Surface, cfg *config.Config, sel *Selectors, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		surface: s,
		cfg:     cfg,
		sel:     sel,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
	}
}

// Prime marks the toast elements already on screen so a rejection left over
// from an earlier order is not attributed to the next one. Marking is by
// element, so an identical rejection for the new order still counts.
func (r *Reconciler) Prime(ctx context.Context) error {
	_, err := r.toasts(ctx, true)
	return err
}

// AwaitOutcome polls until the order is seen filled, a rejection toast
// appears, or the window closes. A rejection seen on any tick wins over a
// position row. Once a fill is seen its values are locked; polling continues
// for confirm_ticks more ticks looking only for a rejection.
func (r *Reconciler) AwaitOutcome(ctx context.Context, req models.OrderRequest, submittedAt time.Time, tr *logging.Trace) (Outcome, error) {
	rc := r.cfg.Reconcile
	symbol := req.Symbol

	var (
		filled   *Outcome
		rejected *models.RejectionEvent
		extra    int
	)
	poll := utils.PollConfig{Interval: rc.PollInterval, Timeout: rc.Timeout}
	err := utils.PollUntil(ctx, poll, func(ctx context.Context, tick int) (bool, error) {
		rej, err := r.scanRejections(ctx, symbol)
		if err != nil {
			return false, err
		}
		if rej != nil {
			rejected = rej
			return true, nil
		}

		if filled != nil {
			extra++
			return extra >= rc.ConfirmTicks, nil
		}

		out, ok, err := r.readPosition(ctx, symbol, tr)
		if err != nil || !ok {
			return false, err
		}
		filled = &out
		tr.Infof("position for %s visible at %s (tick %d)", symbol, utils.FormatPrice(out.EntryPrice), tick+1)
		return rc.ConfirmTicks == 0, nil
	})
	if err != nil && !apperrors.Is(err, utils.ErrPollTimeout) {
		return Outcome{}, err
	}

	if rejected != nil {
		tr.Errorf("venue rejected order: %s %s", rejected.Header, rejected.Reason)
		return Outcome{Kind: OutcomeRejected, Rejection: rejected}, nil
	}
	if filled != nil {
		return *filled, nil
	}

	tr.Warnf("no entry price for %s within %s, checking order history", symbol, rc.Timeout)
	out, ok, err := r.recentHistory(ctx, symbol, submittedAt, tr)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		return out, nil
	}

	tr.Errorf("no market order for %s in history within %s of submission, reloading", symbol, rc.RecencyWindow)
	r.reloadAfterGrace(ctx, tr)
	return Outcome{Kind: OutcomeIndeterminate}, nil
}

// readPosition resolves the entry price through the probe chain, falling
// back to any price-like cell of the row. ok is false while no price shows.
func (r *Reconciler) readPosition(ctx context.Context, symbol string, tr *logging.Trace) (Outcome, bool, error) {
	pos := r.sel.Positions
	if err := selectTab(ctx, r.surface, pos.Tab, r.cfg.Placement.ClickDelay); err != nil {
		return Outcome{}, false, err
	}

	price, probe, err := pos.EntryPrice.ReadNumber(ctx, r.surface, symbol)
	if err != nil {
		return Outcome{}, false, err
	}
	rows, err := readRows(ctx, r.surface, pos.Table)
	if err != nil {
		return Outcome{}, false, err
	}
	row, hasRow := findRow(rows, symbol)
	if price == 0 && hasRow {
		if v, ok := row.EntryPrice(); ok {
			price, probe = v, "row-scan"
		}
	}
	if price == 0 {
		if hasRow {
			tr.Debugf("position row for %s present without a price yet", symbol)
		}
		return Outcome{}, false, nil
	}

	out := Outcome{Kind: OutcomeFilled, EntryPrice: price}
	tr.Infof("entry price %s (probe %s)", utils.FormatPrice(price), probe)

	qty, probe, err := pos.Quantity.ReadNumber(ctx, r.surface, symbol)
	if err != nil {
		return Outcome{}, false, err
	}
	if qty == 0 && hasRow {
		qty, _ = row.Quantity()
		probe = "row-scan"
	}
	if qty > 0 {
		out.Quantity = qty
		tr.Infof("quantity %s (probe %s)", utils.FormatQuantity(qty), probe)
	}

	if err := r.fillMargin(ctx, symbol, &out, tr); err != nil {
		return Outcome{}, false, err
	}
	return out, true, nil
}

// fillMargin sets margin (and fee when history has one) from the most recent
// market order in history, then the position row, then the account summary.
func (r *Reconciler) fillMargin(ctx context.Context, symbol string, out *Outcome, tr *logging.Trace) error {
	hist, err := r.historyRows(ctx)
	if err != nil {
		return err
	}
	if row, ok := latestMarketRow(hist, symbol, r.now()); ok {
		if m, ok := row.Margin(); ok {
			out.Margin = m
			tr.Infof("margin %s (order history)", utils.FormatUSD(m))
		}
		if fee, ok := rowFee(row); ok && out.Fee == nil {
			out.Fee = &fee
		}
	}
	if out.Margin > 0 {
		return nil
	}

	if err := selectTab(ctx, r.surface, r.sel.Positions.Tab, r.cfg.Placement.ClickDelay); err != nil {
		return err
	}
	m, probe, err := r.sel.Positions.Margin.ReadNumber(ctx, r.surface, symbol)
	if err != nil {
		return err
	}
	if m == 0 {
		if err := selectTab(ctx, r.surface, r.sel.Account.Tab, r.cfg.Placement.ClickDelay); err != nil {
			return err
		}
		if m, probe, err = r.sel.Account.InitialMargin.ReadNumber(ctx, r.surface, symbol); err != nil {
			return err
		}
	}
	if m > 0 {
		out.Margin = m
		tr.Infof("margin %s (probe %s)", utils.FormatUSD(m), probe)
	} else {
		tr.Warnf("margin could not be read from any source")
	}
	return nil
}

// recentHistory looks for a market order for symbol placed within the
// recency window of submittedAt. A match is reported as a low-confidence fill.
func (r *Reconciler) recentHistory(ctx context.Context, symbol string, submittedAt time.Time, tr *logging.Trace) (Outcome, bool, error) {
	rows, err := r.historyRows(ctx)
	if err != nil {
		return Outcome{}, false, err
	}
	window := r.cfg.Reconcile.RecencyWindow
	now := r.now()
	for _, row := range rows {
		if !sameSymbol(row.Symbol, symbol) || !row.IsMarket() {
			continue
		}
		at, ok := row.Time(now)
		if !ok {
			continue
		}
		if d := at.Sub(submittedAt); d < -window || d > window {
			continue
		}
		if row.IsRejected() {
			tr.Warnf("history shows the %s market order as rejected", symbol)
			continue
		}

		out := Outcome{Kind: OutcomeFilled, LowConfidence: true}
		out.EntryPrice, _ = row.EntryPrice()
		out.Quantity, _ = row.Quantity()
		out.Margin, _ = row.Margin()
		if fee, ok := rowFee(row); ok {
			out.Fee = &fee
		}
		tr.Warnf("market order for %s found in history at %s but entry price unresolved, reporting low-confidence success",
			symbol, at.UTC().Format(time.RFC3339))
		return out, true, nil
	}
	return Outcome{}, false, nil
}

func (r *Reconciler) historyRows(ctx context.Context) ([]tableRow, error) {
	if err := selectTab(ctx, r.surface, r.sel.History.Tab, r.cfg.Placement.ClickDelay); err != nil {
		return nil, err
	}
	return readRows(ctx, r.surface, r.sel.History.Table)
}

func (r *Reconciler) reloadAfterGrace(ctx context.Context, tr *logging.Trace) {
	_ = utils.Sleep(ctx, r.cfg.Reconcile.ReloadGrace)
	if err := r.surface.Reload(ctx); err != nil {
		tr.Warnf("reload after indeterminate outcome failed: %v", err)
		return
	}
	tr.Infof("page reloaded")
}

func (r *Reconciler) toasts(ctx context.Context, mark bool) ([]toast, error) {
	t := r.sel.Toasts
	args := map[string]interface{}{
		"container": t.Container,
		"header":    t.Header,
		"phrases":   t.RejectionPhrases,
		"mark":      mark,
	}
	var out []toast
	if err := r.surface.Evaluate(ctx, scriptToasts, args, &out); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return nil, err
		}
		return nil, nil
	}
	return out, nil
}

// scanRejections returns the first rejection toast not present at Prime.
func (r *Reconciler) scanRejections(ctx context.Context, symbol string) (*models.RejectionEvent, error) {
	toasts, err := r.toasts(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, t := range toasts {
		if t.Seen {
			continue
		}
		ev := rejectionFrom(t, symbol)
		return &ev, nil
	}
	return nil, nil
}

// rejectionFrom splits a toast into the order line and the reason. The first
// body line names the order; anything after it is the reason.
func rejectionFrom(t toast, symbol string) models.RejectionEvent {
	ev := models.RejectionEvent{Header: t.Header, Symbol: bareSymbol(symbol)}
	lines := strings.Split(strings.TrimSpace(t.Body), "\n")
	var kept []string
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	switch len(kept) {
	case 0:
	case 1:
		ev.Reason = kept[0]
	default:
		ev.OrderInfo = kept[0]
		ev.Reason = strings.Join(kept[1:], " ")
	}
	if ev.Reason == "" {
		ev.Reason = ev.Header
	}
	return ev
}

// Time returns when the row's order was placed, from the data-timestamp
// attribute or a time-like cell. Clock-only cells are taken as the most
// recent such time not after now, so rows from just before midnight land on
// the previous day.
func (r tableRow) Time(now time.Time) (time.Time, bool) {
	if r.Timestamp > 0 {
		return time.UnixMilli(r.Timestamp), true
	}
	text, ok := r.cell(timeKey, nil)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timeLayout {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, true
		}
	}
	for _, layout := range clockLayout {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			y, m, d := now.Date()
			at := time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, now.Location())
			if at.After(now.Add(clockSkew)) {
				at = at.AddDate(0, 0, -1)
			}
			return at, true
		}
	}
	return time.Time{}, false
}

// latestMarketRow returns the newest market order row for symbol. Rows
// without a timestamp keep table order, which venues render newest first.
// Clock-only cells are read relative to now.
func latestMarketRow(rows []tableRow, symbol string, now time.Time) (tableRow, bool) {
	var (
		best   tableRow
		bestAt time.Time
		found  bool
	)
	for _, row := range rows {
		if !sameSymbol(row.Symbol, symbol) || !row.IsMarket() || row.IsRejected() {
			continue
		}
		at, _ := row.Time(now)
		if !found || at.After(bestAt) {
			best, bestAt, found = row, at, true
		}
	}
	return best, found
}

func rowFee(r tableRow) (float64, bool) {
	text, ok := r.cell(feeKey, nil)
	if !ok {
		return 0, false
	}
	return utils.PositiveNumber(text)
}
