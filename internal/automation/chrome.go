package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	apperrors "terminal-trader/internal/errors"
)

// ChromeOptions configures how Chrome is launched or attached.
type ChromeOptions struct {
	// RemoteURL attaches to an already running browser's debugging endpoint
	// instead of launching one.
	RemoteURL string
	ExecPath  string
	Headless  bool
	// UserDataDir isolates browser state per account profile.
	UserDataDir    string
	ElementTimeout time.Duration
	WindowWidth    int
	WindowHeight   int
}

// ChromeLauncher launches Chrome surfaces.
type ChromeLauncher struct {
	opts   ChromeOptions
	logger zerolog.Logger
}

// NewChromeLauncher creates a launcher.
func NewChromeLauncher(opts ChromeOptions, logger zerolog.Logger) *ChromeLauncher {
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 5 * time.Second
	}
	if opts.WindowWidth == 0 {
		opts.WindowWidth, opts.WindowHeight = 1600, 1000
	}
	return &ChromeLauncher{opts: opts, logger: logger.With().Str("component", "chrome").Logger()}
}

// Launch starts (or attaches to) a browser and opens a page.
func (l *ChromeLauncher) Launch(ctx context.Context) (Surface, error) {
	var allocCtx context.Context
	var allocCancel context.CancelFunc

	// The browser outlives the request that launched it.
	if l.opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), l.opts.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", l.opts.Headless),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.WindowSize(l.opts.WindowWidth, l.opts.WindowHeight),
		)
		if l.opts.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
		}
		if l.opts.UserDataDir != "" {
			if err := os.MkdirAll(l.opts.UserDataDir, 0700); err != nil {
				return nil, fmt.Errorf("creating user data dir: %w", err)
			}
			opts = append(opts, chromedp.UserDataDir(l.opts.UserDataDir))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	logf := func(format string, args ...interface{}) {
		l.logger.Debug().Msgf(format, args...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logf), chromedp.WithErrorf(logf))

	startCtx, cancel := mergeCancel(ctx, browserCtx)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, apperrors.NewConnectivityFault("launch", fmt.Errorf("chrome failed to start: %w", err))
	}

	l.logger.Info().
		Bool("headless", l.opts.Headless).
		Str("remote", l.opts.RemoteURL).
		Str("user_data_dir", l.opts.UserDataDir).
		Msg("Browser started")

	return &Chrome{
		opts:          l.opts,
		logger:        l.logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabCtx:        browserCtx,
		tabCancel:     func() {},
	}, nil
}

// Chrome is a Surface backed by chromedp.
type Chrome struct {
	opts   ChromeOptions
	logger zerolog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabCtx        context.Context
	tabCancel     context.CancelFunc
	closed        bool
}

// mergeCancel returns a context carrying chromedp's values from base that is
// also cancelled when caller is done.
func mergeCancel(caller, base context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Chrome) tab() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, apperrors.ErrSurfaceClosed
	}
	return c.tabCtx, nil
}

// run executes actions on the current page with an optional timeout, mapping
// failures into the error taxonomy.
func (c *Chrome) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	tabCtx, err := c.tab()
	if err != nil {
		return apperrors.NewConnectivityFault(op, err)
	}
	runCtx, cancel := mergeCancel(ctx, tabCtx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}

	err = chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	return c.classify(ctx, tabCtx, op, err)
}

func (c *Chrome) classify(caller, tabCtx context.Context, op string, err error) error {
	switch {
	case tabCtx.Err() != nil:
		return apperrors.NewConnectivityFault(op, fmt.Errorf("%w: %v", apperrors.ErrSurfaceClosed, err))
	case caller.Err() != nil:
		return caller.Err()
	case apperrors.IsConnectivityFault(err):
		return apperrors.NewConnectivityFault(op, err)
	case apperrors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, apperrors.ErrElementNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Navigate loads url in the current page.
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	return c.run(ctx, "navigate", 0, chromedp.Navigate(url))
}

// Exists reports whether selector matches an element.
func (c *Chrome) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	err := c.Evaluate(ctx, `(sel) => document.querySelector(sel) !== null`, selector, &found)
	return found, err
}

// Click clicks the first visible match of selector.
func (c *Chrome) Click(ctx context.Context, selector string) error {
	return c.run(ctx, "click", c.opts.ElementTimeout,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Type clears the input and types text into it.
func (c *Chrome) Type(ctx context.Context, selector, text string) error {
	return c.run(ctx, "type", c.opts.ElementTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

const textScript = `(sel) => {
  const el = document.querySelector(sel);
  if (!el) return "";
  if ("value" in el && typeof el.value === "string" && el.value !== "") return el.value;
  return (el.innerText || el.textContent || "").trim();
}`

// Text reads the text of the first match of selector.
func (c *Chrome) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := c.Evaluate(ctx, textScript, selector, &text); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// WaitFor waits until selector is visible.
func (c *Chrome) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.opts.ElementTimeout
	}
	return c.run(ctx, "wait "+selector, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Evaluate runs script with args in the page.
func (c *Chrome) Evaluate(ctx context.Context, script string, args interface{}, out interface{}) error {
	argJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding script args: %w", err)
	}
	expr := fmt.Sprintf(`(() => { const r = (%s)(%s); return r === undefined ? null : r; })()`, script, argJSON)

	var raw json.RawMessage
	if err := c.run(ctx, "evaluate", c.opts.ElementTimeout, chromedp.Evaluate(expr, &raw)); err != nil {
		return err
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding script result: %w", err)
	}
	return nil
}

// Screenshot captures the viewport as PNG.
func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, "screenshot", 0, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Cookies returns every cookie visible to the page.
func (c *Chrome) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := c.run(ctx, "cookies", 0, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, ck := range cookies {
			out = append(out, Cookie{
				Name:     ck.Name,
				Value:    ck.Value,
				Domain:   ck.Domain,
				Path:     ck.Path,
				Expires:  ck.Expires,
				HTTPOnly: ck.HTTPOnly,
				Secure:   ck.Secure,
				SameSite: ck.SameSite.String(),
			})
		}
		return nil
	}))
	return out, err
}

// SetCookies installs cookies into the browser.
func (c *Chrome) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		p := &network.CookieParam{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		}
		if ck.SameSite != "" {
			p.SameSite = network.CookieSameSite(ck.SameSite)
		}
		if exp := ck.ExpiresAt(); !exp.IsZero() {
			t := cdp.TimeSinceEpoch(exp)
			p.Expires = &t
		}
		params = append(params, p)
	}
	return c.run(ctx, "set cookies", 0, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
}

// Reload reloads the current page.
func (c *Chrome) Reload(ctx context.Context) error {
	return c.run(ctx, "reload", 0, chromedp.Reload())
}

// URL returns the current page URL.
func (c *Chrome) URL(ctx context.Context) (string, error) {
	var url string
	err := c.run(ctx, "location", c.opts.ElementTimeout, chromedp.Location(&url))
	return url, err
}

// Pages lists the browser's page targets.
func (c *Chrome) Pages(ctx context.Context) ([]Page, error) {
	c.mu.Lock()
	browserCtx, closed := c.browserCtx, c.closed
	c.mu.Unlock()
	if closed {
		return nil, apperrors.NewConnectivityFault("pages", apperrors.ErrSurfaceClosed)
	}

	runCtx, cancel := mergeCancel(ctx, browserCtx)
	defer cancel()
	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, c.classify(ctx, browserCtx, "pages", err)
	}
	pages := make([]Page, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		pages = append(pages, Page{ID: string(info.TargetID), URL: info.URL})
	}
	return pages, nil
}

// Rebind attaches the surface to another live page.
func (c *Chrome) Rebind(ctx context.Context, pageID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NewConnectivityFault("rebind", apperrors.ErrSurfaceClosed)
	}
	browserCtx := c.browserCtx
	c.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(target.ID(pageID)))
	runCtx, cancel := mergeCancel(ctx, tabCtx)
	defer cancel()
	if err := chromedp.Run(runCtx); err != nil {
		tabCancel()
		return c.classify(ctx, browserCtx, "rebind", err)
	}

	c.mu.Lock()
	old := c.tabCancel
	c.tabCtx, c.tabCancel = tabCtx, tabCancel
	c.mu.Unlock()
	old()
	return nil
}

// Close tears down the page, the browser and its allocator.
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.tabCancel()
	c.browserCancel()
	c.allocCancel()
	c.logger.Info().Msg("Browser closed")
	return nil
}

// SaveScreenshot writes a PNG capture of s into dir and returns its path.
func SaveScreenshot(ctx context.Context, s Surface, dir, name string) (string, error) {
	buf, err := s.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.png", name, time.Now().UTC().Format("20060102T150405")))
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return "", err
	}
	return path, nil
}
