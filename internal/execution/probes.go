package execution

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"terminal-trader/internal/automation"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/pkg/utils"
)

// Probe is a named data source: one selector whose text is a candidate value.
// The selector may carry a {symbol} placeholder. Match symbol attributes
// exactly ("=" or ":"-prefixed "$="); a substring match lets BTCUSD pick up
// a BTCUSDT row.
type Probe struct {
	Name     string `yaml:"name"`
	Selector string `yaml:"selector"`
}

// Expand substitutes the instrument, quoted for a CSS string, into the selector.
func (p Probe) Expand(symbol string) string {
	return strings.ReplaceAll(p.Selector, "{symbol}", cssEscaper.Replace(bareSymbol(symbol)))
}

var cssEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// ProbeChain is a list of probes ordered from most trusted to least.
type ProbeChain []Probe

// Read returns the first non-empty text in the chain and the probe that
// produced it. Missing elements are skipped; connectivity faults abort.
func (pc ProbeChain) Read(ctx context.Context, s automation.Surface, symbol string) (string, string, error) {
	for _, p := range pc {
		text, err := s.Text(ctx, p.Expand(symbol))
		if err != nil {
			if apperrors.IsConnectivityFault(err) {
				return "", "", err
			}
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text, p.Name, nil
		}
	}
	return "", "", nil
}

// ReadNumber is Read restricted to probes whose text parses as a positive
// number. Placeholder text such as "—" falls through to the next probe.
func (pc ProbeChain) ReadNumber(ctx context.Context, s automation.Surface, symbol string) (float64, string, error) {
	for _, p := range pc {
		text, err := s.Text(ctx, p.Expand(symbol))
		if err != nil {
			if apperrors.IsConnectivityFault(err) {
				return 0, "", err
			}
			continue
		}
		if v, ok := utils.PositiveNumber(text); ok {
			return v, p.Name, nil
		}
	}
	return 0, "", nil
}

// tableRow is one row of a positions or history table as read by
// scriptTableRows.
type tableRow struct {
	Symbol    string            `json:"symbol"`
	Cells     map[string]string `json:"cells"`
	Timestamp int64             `json:"timestamp"`
}

var (
	priceKey   = regexp.MustCompile(`(?i)price`)
	notEntry   = regexp.MustCompile(`(?i)mark|last|liq|take|stop|trigger|limit|tp|sl|exit`)
	qtyKey     = regexp.MustCompile(`(?i)qty|quantity|size|contracts?`)
	marginKey  = regexp.MustCompile(`(?i)margin`)
	sideKey    = regexp.MustCompile(`(?i)^side$|direction`)
	typeKey    = regexp.MustCompile(`(?i)^type$|order type`)
	timeKey    = regexp.MustCompile(`(?i)time|date|placed|created`)
	statusKey  = regexp.MustCompile(`(?i)status`)
	symbolTail = regexp.MustCompile(`(\.P|PERP|PERPETUAL)$`)
	nonAlnum   = regexp.MustCompile(`[^A-Z0-9]`)
)

// cell returns the first cell whose key matches want and not exclude.
func (r tableRow) cell(want, exclude *regexp.Regexp) (string, bool) {
	// Stable order so the same row always yields the same cell.
	keys := sortedKeys(r.Cells)
	for _, k := range keys {
		if !want.MatchString(k) {
			continue
		}
		if exclude != nil && exclude.MatchString(k) {
			continue
		}
		if v := strings.TrimSpace(r.Cells[k]); v != "" {
			return v, true
		}
	}
	return "", false
}

// EntryPrice scans the row's cell map for any price-like column.
func (r tableRow) EntryPrice() (float64, bool) {
	for _, k := range sortedKeys(r.Cells) {
		if !priceKey.MatchString(k) || notEntry.MatchString(k) {
			continue
		}
		if v, ok := utils.PositiveNumber(r.Cells[k]); ok {
			return v, true
		}
	}
	return 0, false
}

// Quantity returns the absolute size in the row.
func (r tableRow) Quantity() (float64, bool) {
	text, ok := r.cell(qtyKey, nil)
	if !ok {
		return 0, false
	}
	v, ok := utils.ParseNumber(text)
	if !ok {
		return 0, false
	}
	if v < 0 {
		v = -v
	}
	return v, v > 0
}

// Margin returns the margin cell as a positive number.
func (r tableRow) Margin() (float64, bool) {
	text, ok := r.cell(marginKey, nil)
	if !ok {
		return 0, false
	}
	return utils.PositiveNumber(text)
}

// Side returns the side cell text.
func (r tableRow) Side() string {
	v, _ := r.cell(sideKey, nil)
	return v
}

// IsMarket reports whether the row's type column says market.
func (r tableRow) IsMarket() bool {
	v, _ := r.cell(typeKey, nil)
	return strings.Contains(strings.ToLower(v), "market")
}

// IsRejected reports whether the row's status column records a rejection or
// cancellation.
func (r tableRow) IsRejected() bool {
	v, _ := r.cell(statusKey, nil)
	v = strings.ToLower(v)
	return strings.Contains(v, "reject") || strings.Contains(v, "cancel")
}

// bareSymbol strips an exchange prefix: "BINANCE:ETHUSDT.P" -> "ETHUSDT.P".
func bareSymbol(symbol string) string {
	if i := strings.LastIndex(symbol, ":"); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}

// symbolKey normalises an instrument for comparison across the chart URL and
// table cells: no exchange prefix, no perpetual suffix, alphanumerics only.
func symbolKey(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(bareSymbol(symbol)))
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		s = s[:i]
	}
	s = symbolTail.ReplaceAllString(s, "")
	return nonAlnum.ReplaceAllString(s, "")
}

// sameSymbol reports whether two instrument labels name the same market.
func sameSymbol(a, b string) bool {
	ka, kb := symbolKey(a), symbolKey(b)
	return ka != "" && ka == kb
}

// findRow returns the first row for symbol.
func findRow(rows []tableRow, symbol string) (tableRow, bool) {
	for _, r := range rows {
		if sameSymbol(r.Symbol, symbol) {
			return r, true
		}
	}
	return tableRow{}, false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// selectTab clicks a bottom-panel tab when it exists. Missing tabs are normal
// for layouts that show every panel at once.
func selectTab(ctx context.Context, s automation.Surface, selector string, settle time.Duration) error {
	if selector == "" {
		return nil
	}
	ok, err := s.Exists(ctx, selector)
	if err != nil {
		if apperrors.IsConnectivityFault(err) {
			return err
		}
		return nil
	}
	if !ok {
		return nil
	}
	if err := s.Click(ctx, selector); err != nil && apperrors.IsConnectivityFault(err) {
		return err
	}
	return utils.Sleep(ctx, settle)
}

// readRows evaluates scriptTableRows against table. Non-connectivity errors
// read as an empty table.
func readRows(ctx context.Context, s automation.Surface, table string) ([]tableRow, error) {
	var rows []tableRow
	if err := s.Evaluate(ctx, scriptTableRows, table, &rows); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return nil, err
		}
		return nil, nil
	}
	return rows, nil
}
