package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/security"
)

// SessionData is the persisted browser session of one account profile.
type SessionData struct {
	Cookies      []automation.Cookie `json:"cookies"`
	LocalStorage map[string]string   `json:"localStorage,omitempty"`
	SavedAt      time.Time           `json:"savedAt"`
}

// LivenessCookie returns the named cookie when it is present and unexpired.
func (d *SessionData) LivenessCookie(name string, now time.Time) (automation.Cookie, bool) {
	if d == nil {
		return automation.Cookie{}, false
	}
	return liveCookie(d.Cookies, name, now)
}

func liveCookie(cookies []automation.Cookie, name string, now time.Time) (automation.Cookie, bool) {
	for _, c := range cookies {
		if c.Name == name && c.Live(now) {
			return c, true
		}
	}
	return automation.Cookie{}, false
}

// SessionFile stores SessionData at <dir>/<profile>.json, sealed when a
// sealer is configured. The file is a cache: callers treat every error as
// "no session".
type SessionFile struct {
	dir     string
	profile string
	sealer  *security.Sealer
}

// NewSessionFile creates a session file handle. sealer may be nil.
func NewSessionFile(dir, profile string, sealer *security.Sealer) *SessionFile {
	return &SessionFile{dir: dir, profile: profile, sealer: sealer}
}

// OpenSessionFile returns the session file for the configured profile,
// sealed when session encryption is on.
func OpenSessionFile(cfg *config.Config) (*SessionFile, error) {
	var sealer *security.Sealer
	if cfg.Session.Encrypt {
		var err error
		if sealer, err = security.NewSealer(cfg.Credentials.Terminal.SessionPassphrase); err != nil {
			return nil, fmt.Errorf("session encryption: %w", err)
		}
	}
	return NewSessionFile(cfg.Session.Dir, cfg.Session.Profile, sealer), nil
}

// Path returns the file location.
func (f *SessionFile) Path() string {
	return filepath.Join(f.dir, f.profile+".json")
}

// Load reads the session. A missing file returns nil, nil.
func (f *SessionFile) Load() (*SessionData, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	if security.IsSealed(data) {
		if f.sealer == nil {
			return nil, apperrors.ErrSessionFileSealed
		}
		if data, err = f.sealer.Open(data); err != nil {
			return nil, fmt.Errorf("opening sealed session: %w", err)
		}
	}

	var sd SessionData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}
	return &sd, nil
}

// Save writes the session with owner-only permissions.
func (f *SessionFile) Save(sd *SessionData) error {
	data, err := json.MarshalIndent(sd, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing session: %w", err)
	}
	if f.sealer != nil {
		if data, err = f.sealer.Seal(data); err != nil {
			return fmt.Errorf("sealing session: %w", err)
		}
	}
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	tmp := f.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return os.Rename(tmp, f.Path())
}

// Clear removes the session file.
func (f *SessionFile) Clear() error {
	if err := os.Remove(f.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
