// Package automation exposes the scripted browser the execution controller
// drives. Callers depend on Surface; Chrome is the production implementation.
package automation

import (
	"context"
	"time"
)

// Surface is a capability for scripted interaction with the remote terminal.
// Selectors are CSS selectors. Any method may fail with a connectivity fault
// once the underlying browser is gone.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	// Exists reports whether selector currently matches an element.
	Exists(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	// Type replaces the value of an input.
	Type(ctx context.Context, selector, text string) error
	// Text returns the visible text (or input value) of the first match, or
	// "" with a nil error when nothing matches.
	Text(ctx context.Context, selector string) (string, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// Evaluate calls script, a JavaScript function expression, with args
	// marshalled as JSON, and unmarshals the return value into out (which may
	// be nil).
	Evaluate(ctx context.Context, script string, args interface{}, out interface{}) error
	Screenshot(ctx context.Context) ([]byte, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Reload(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	// Pages lists the live pages of this surface.
	Pages(ctx context.Context) ([]Page, error)
	// Rebind moves the surface's current page handle to another live page.
	Rebind(ctx context.Context, pageID string) error
	Close() error
}

// Launcher creates a fresh Surface. A full restart closes the old surface and
// launches a new one.
type Launcher interface {
	Launch(ctx context.Context) (Surface, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Surface, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (Surface, error) {
	return f(ctx)
}

// Cookie is a browser cookie in the shape persisted to the session file.
// Expires is seconds since the epoch; values <= 0 mean a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// ExpiresAt returns the cookie expiry, or the zero time for session cookies.
func (c Cookie) ExpiresAt() time.Time {
	if c.Expires <= 0 {
		return time.Time{}
	}
	sec := int64(c.Expires)
	nsec := int64((c.Expires - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Live reports whether the cookie is usable at now. Session cookies count as
// live.
func (c Cookie) Live(now time.Time) bool {
	if c.Value == "" {
		return false
	}
	exp := c.ExpiresAt()
	return exp.IsZero() || exp.After(now)
}

// Page is a live page (tab) of the surface.
type Page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
