package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/logging"
	"terminal-trader/pkg/utils"
)

// fakeTerminal is the page state shared by every fakeSurface launched
// against it, so a restart sees the same account.
type fakeTerminal struct {
	mu sync.Mutex

	sel       Selectors
	present   map[string]bool
	texts     map[string]string
	checked   map[string]bool
	buttons   map[string]bool
	dialog    string
	positions []tableRow
	history   []tableRow
	toasts    []toast
	cookies   []automation.Cookie
	storage   map[string]string
	pages     []automation.Page
	url       string

	// pendingFault is returned once by the next surface call of any handle.
	pendingFault error

	clicks   []string
	typed    map[string]string
	reloads  int
	launches int
	// onClick hooks run with mu held and must not call surface methods.
	onClick map[string]func(t *fakeTerminal)
}

func newFakeTerminal(sel Selectors) *fakeTerminal {
	return &fakeTerminal{
		sel:     sel,
		present: map[string]bool{},
		texts:   map[string]string{},
		checked: map[string]bool{},
		buttons: map[string]bool{},
		storage: map[string]string{},
		typed:   map[string]string{},
		onClick: map[string]func(t *fakeTerminal){},
	}
}

// loggedInTerminal is a terminal with a live session, connected broker and
// visible order form, ready for a placement.
func loggedInTerminal(cfg *config.Config, sel Selectors) *fakeTerminal {
	t := newFakeTerminal(sel)
	t.cookies = []automation.Cookie{{
		Name:    cfg.Session.LivenessCookie,
		Value:   "abc",
		Expires: float64(time.Now().Add(24 * time.Hour).Unix()),
	}}
	for _, s := range []string{
		sel.Session.LoggedInMarker,
		sel.Session.BrokerConnected,
		sel.Form.Panel,
		sel.Form.BuyButton,
		sel.Form.SellButton,
		sel.Form.MarketTab,
		sel.Form.QuantityInput,
		sel.Form.MarginInput,
		sel.Form.TakeProfitToggle,
		sel.Form.TakeProfitInput,
		sel.Form.StopLossToggle,
		sel.Form.StopLossInput,
		sel.Form.Submit,
		sel.Positions.Tab,
		sel.History.Tab,
		sel.Account.Tab,
	} {
		t.present[s] = true
	}
	t.checked[sel.Form.TakeProfitToggle] = false
	t.checked[sel.Form.StopLossToggle] = false
	return t
}

// fillOnSubmit makes the submit click open a position at price and record a
// market order in history.
func (t *fakeTerminal) fillOnSubmit(symbol string, price, qty, margin float64) {
	t.onClick[t.sel.Form.Submit] = func(t *fakeTerminal) {
		t.openPosition(symbol, price, qty, margin)
		t.history = append([]tableRow{marketHistoryRow(symbol, qty, margin, time.Now())}, t.history...)
	}
}

func (t *fakeTerminal) openPosition(symbol string, price, qty, margin float64) {
	t.positions = append(t.positions, tableRow{
		Symbol: symbol,
		Cells: map[string]string{
			"Symbol":         symbol,
			"Side":           "Long",
			"Qty":            fmt.Sprintf("%g", qty),
			"Avg Fill Price": fmt.Sprintf("%.2f", price),
			"Margin":         fmt.Sprintf("%.2f", margin),
		},
	})
	t.texts[t.sel.Positions.EntryPrice[0].Expand(symbol)] = fmt.Sprintf("%.2f", price)
	t.texts[t.sel.Positions.Quantity[0].Expand(symbol)] = fmt.Sprintf("%g", qty)
}

func marketHistoryRow(symbol string, qty, margin float64, at time.Time) tableRow {
	return tableRow{
		Symbol: symbol,
		Cells: map[string]string{
			"Symbol": symbol,
			"Type":   "Market",
			"Qty":    fmt.Sprintf("%g", qty),
			"Margin": fmt.Sprintf("%.2f", margin),
			"Status": "Filled",
		},
		Timestamp: at.UnixMilli(),
	}
}

func (t *fakeTerminal) clickCount(selector string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.clicks {
		if c == selector {
			n++
		}
	}
	return n
}

func (t *fakeTerminal) formTouched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.sel.Form
	form := map[string]bool{
		f.BuyButton: true, f.SellButton: true, f.MarketTab: true, f.Submit: true,
		f.TakeProfitToggle: true, f.StopLossToggle: true, f.ConfirmButton: true,
	}
	for _, c := range t.clicks {
		if form[c] {
			return true
		}
	}
	return len(t.typed) > 0
}

// fakeSurface is one browser handle on a fakeTerminal. faultAt injects a
// single connectivity fault on the n-th call (1-based) made after arming.
type fakeSurface struct {
	term *fakeTerminal

	mu      sync.Mutex
	calls   int
	faultAt int
	fault   error
	fired   bool
	closed  bool
	// detached makes the liveness probe fail until Rebind.
	detached bool
}

func (s *fakeSurface) arm(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = errors.New("websocket: close 1006 (abnormal closure)")
	}
	s.calls, s.faultAt, s.fault, s.fired = 0, n, err, false
}

func (s *fakeSurface) faultFired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *fakeSurface) enter(ctx context.Context) error {
	s.term.mu.Lock()
	pending := s.term.pendingFault
	s.term.pendingFault = nil
	s.term.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if pending != nil {
		s.fired = true
		return pending
	}
	if s.closed {
		return apperrors.NewConnectivityFault("call", apperrors.ErrSurfaceClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.calls++
	if s.faultAt > 0 && s.calls == s.faultAt {
		s.fired = true
		return s.fault
	}
	return nil
}

func (s *fakeSurface) Navigate(ctx context.Context, url string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.term.mu.Lock()
	s.term.url = url
	s.term.mu.Unlock()
	return nil
}

func (s *fakeSurface) Exists(ctx context.Context, selector string) (bool, error) {
	if err := s.enter(ctx); err != nil {
		return false, err
	}
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	return s.term.present[selector], nil
}

func (s *fakeSurface) Click(ctx context.Context, selector string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	t := s.term
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.present[selector] {
		return apperrors.ErrElementNotFound
	}
	t.clicks = append(t.clicks, selector)
	if _, ok := t.checked[selector]; ok {
		t.checked[selector] = !t.checked[selector]
	}
	if hook := t.onClick[selector]; hook != nil {
		hook(t)
	}
	return nil
}

func (s *fakeSurface) Type(ctx context.Context, selector, text string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	t := s.term
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.present[selector] {
		return apperrors.ErrElementNotFound
	}
	t.typed[selector] = text
	return nil
}

func (s *fakeSurface) Text(ctx context.Context, selector string) (string, error) {
	if err := s.enter(ctx); err != nil {
		return "", err
	}
	t := s.term
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.typed[selector]; ok {
		return v, nil
	}
	return t.texts[selector], nil
}

func (s *fakeSurface) WaitFor(ctx context.Context, selector string, _ time.Duration) error {
	ok, err := s.Exists(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrElementNotFound
	}
	return nil
}

func (s *fakeSurface) Evaluate(ctx context.Context, script string, args interface{}, out interface{}) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()

	t := s.term
	t.mu.Lock()
	defer t.mu.Unlock()

	var result interface{}
	switch script {
	case scriptLiveness:
		if detached {
			return errors.New("frame detached: execution context was destroyed")
		}
		result = true
	case scriptReadLocalStorage:
		result = t.storage
	case scriptWriteLocalStorage:
		for k, v := range args.(map[string]string) {
			t.storage[k] = v
		}
		result = len(t.storage)
	case scriptIsChecked:
		sel := args.(string)
		if !t.present[sel] {
			result = nil
		} else {
			result = t.checked[sel]
		}
	case scriptDetectInterstitial:
		result = t.dialog
	case scriptClickByText:
		a := args.(map[string]interface{})
		result = ""
		for _, label := range a["labels"].([]string) {
			if t.buttons[label] {
				t.clicks = append(t.clicks, "text:"+label)
				if hook := t.onClick["text:"+label]; hook != nil {
					hook(t)
				}
				result = label
				break
			}
		}
	case scriptTableRows:
		switch args.(string) {
		case t.sel.Positions.Table:
			result = t.positions
		case t.sel.History.Table:
			result = t.history
		default:
			result = []tableRow{}
		}
	case scriptToasts:
		out := make([]toast, len(t.toasts))
		copy(out, t.toasts)
		result = out
		if mark, _ := args.(map[string]interface{})["mark"].(bool); mark {
			for i := range t.toasts {
				t.toasts[i].Seen = true
			}
		}
	default:
		return fmt.Errorf("fake surface: unknown script %.30q", script)
	}

	if out == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *fakeSurface) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), nil
}

func (s *fakeSurface) Cookies(ctx context.Context) ([]automation.Cookie, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	return append([]automation.Cookie(nil), s.term.cookies...), nil
}

func (s *fakeSurface) SetCookies(ctx context.Context, cookies []automation.Cookie) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.cookies = append(s.term.cookies, cookies...)
	return nil
}

func (s *fakeSurface) Reload(ctx context.Context) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.reloads++
	return nil
}

func (s *fakeSurface) URL(ctx context.Context) (string, error) {
	if err := s.enter(ctx); err != nil {
		return "", err
	}
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	return s.term.url, nil
}

func (s *fakeSurface) Pages(ctx context.Context) ([]automation.Page, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	return append([]automation.Page(nil), s.term.pages...), nil
}

func (s *fakeSurface) Rebind(ctx context.Context, pageID string) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.detached = false
	s.mu.Unlock()
	return nil
}

func (s *fakeSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeLauncher hands out a new surface on the shared terminal per launch.
// prepare, when set, configures each surface before it is returned.
type fakeLauncher struct {
	term     *fakeTerminal
	mu       sync.Mutex
	surfaces []*fakeSurface
	prepare  func(n int, s *fakeSurface)
}

func (l *fakeLauncher) Launch(ctx context.Context) (automation.Surface, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &fakeSurface{term: l.term}
	l.surfaces = append(l.surfaces, s)
	l.term.mu.Lock()
	l.term.launches++
	l.term.mu.Unlock()
	if l.prepare != nil {
		l.prepare(len(l.surfaces), s)
	}
	return s, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.surfaces)
}

func (l *fakeLauncher) current() *fakeSurface {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.surfaces[len(l.surfaces)-1]
}

// testConfig is the default config with every delay shrunk for tests.
func testConfig(t testing.TB) *config.Config {
	cfg := config.Default()
	cfg.Terminal.BaseURL = "https://terminal.example.com"
	cfg.Terminal.ChartURL = "https://terminal.example.com/chart/?symbol={symbol}"
	cfg.Terminal.DefaultSymbol = "BINANCE:ETHUSDT.P"
	cfg.Terminal.DebugDir = ""
	cfg.Terminal.ElementTimeout = 50 * time.Millisecond
	cfg.Terminal.ProbeTimeout = 0
	cfg.Session.Dir = t.TempDir()
	cfg.Session.ChallengeWait = 20 * time.Millisecond
	cfg.Session.BrokerConnectTimeout = 20 * time.Millisecond
	cfg.Placement = config.PlacementConfig{}
	cfg.Reconcile.Timeout = 150 * time.Millisecond
	cfg.Reconcile.PollInterval = 10 * time.Millisecond
	cfg.Reconcile.ConfirmTicks = 1
	cfg.Reconcile.ReloadGrace = 0
	return cfg
}

func testTrace() *logging.Trace {
	return logging.NewTrace(zerolog.Nop())
}

func traceContains(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// roundCents mirrors how the fake renders prices.
func roundCents(v float64) float64 {
	out, _ := strconv.ParseFloat(fmt.Sprintf("%.2f", v), 64)
	return out
}

// driftingSurface moves the position's price, size and history margin on
// every toast scan once the entry price has been read, as a live view does.
type driftingSurface struct {
	*fakeSurface
	sel   Selectors
	drift float64
	seen  bool
}

func (d *driftingSurface) Text(ctx context.Context, selector string) (string, error) {
	text, err := d.fakeSurface.Text(ctx, selector)
	if err == nil && selector == d.sel.Positions.EntryPrice[0].Expand(testSymbol) && text != "" {
		d.seen = true
	}
	return text, err
}

func (d *driftingSurface) Evaluate(ctx context.Context, script string, args interface{}, out interface{}) error {
	if script == scriptToasts && d.seen {
		t := d.term
		t.mu.Lock()
		priceSel := d.sel.Positions.EntryPrice[0].Expand(testSymbol)
		if v, ok := utils.ParseNumber(t.texts[priceSel]); ok {
			t.texts[priceSel] = fmt.Sprintf("%.2f", v+d.drift)
		}
		qtySel := d.sel.Positions.Quantity[0].Expand(testSymbol)
		if q, ok := utils.ParseNumber(t.texts[qtySel]); ok {
			t.texts[qtySel] = fmt.Sprintf("%g", q+1)
		}
		t.history = []tableRow{marketHistoryRow(testSymbol, 1, 100+d.drift, time.Now())}
		t.mu.Unlock()
	}
	return d.fakeSurface.Evaluate(ctx, script, args, out)
}
