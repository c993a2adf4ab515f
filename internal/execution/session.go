package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/models"
	"terminal-trader/pkg/utils"
)

// SessionManager owns login state, the persisted session and the broker
// connection for one surface.
type SessionManager struct {
	surface  automation.Surface
	cfg      *config.Config
	sel      *Selectors
	file     *SessionFile
	operator <-chan struct{}
	logger   zerolog.Logger
	now      func() time.Time

	broker models.BrokerState
}

// NewSessionManager creates a session manager bound to surface.
func NewSessionManager(s automation.Surface, cfg *config.Config, sel *Selectors, file *SessionFile, operator <-chan struct{}, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		surface:  s,
		cfg:      cfg,
		sel:      sel,
		file:     file,
		operator: operator,
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
		broker:   models.BrokerDisconnected,
	}
}

// Broker returns the outcome of the most recent broker connect.
func (m *SessionManager) Broker() models.BrokerState {
	return m.broker
}

// Establish logs in (restoring a saved session when possible), opens the
// instrument view and connects the broker integration. It returns a
// SessionError when login cannot be confirmed; the returned state is still
// meaningful in that case.
func (m *SessionManager) Establish(ctx context.Context, symbol string, tr *logging.Trace) (models.SessionState, error) {
	state := models.SessionState{ProfileID: m.cfg.Session.Profile, Broker: models.BrokerDisconnected}

	if err := m.surface.Navigate(ctx, m.cfg.Terminal.BaseURL); err != nil {
		return state, err
	}

	restored, err := m.restore(ctx, tr)
	if err != nil {
		return state, err
	}

	loggedIn, err := m.confirmLoggedIn(ctx, restored, tr)
	if err != nil {
		return state, err
	}

	var loginErr error
	if !loggedIn {
		loginErr = m.login(ctx, tr)
		if loginErr != nil && apperrors.IsConnectivityFault(loginErr) {
			return state, loginErr
		}
		loggedIn = loginErr == nil
		if loggedIn {
			m.persist(ctx, tr)
		}
	}
	state.LoggedIn = loggedIn

	if err := m.surface.Navigate(ctx, m.cfg.SymbolURL(symbol)); err != nil {
		return state, err
	}
	tr.Infof("opened instrument view %s", m.cfg.SymbolURL(symbol))

	broker, err := m.ConnectBroker(ctx, tr)
	if err != nil {
		return state, err
	}
	state.Broker = broker

	return state, loginErr
}

// restore applies the persisted session. It reports whether the session file
// carried an unexpired liveness cookie.
func (m *SessionManager) restore(ctx context.Context, tr *logging.Trace) (bool, error) {
	sd, err := m.file.Load()
	if err != nil {
		tr.Warnf("session file unusable, logging in fresh: %v", err)
		return false, nil
	}
	if sd == nil {
		tr.Infof("no saved session for profile %s", m.cfg.Session.Profile)
		return false, nil
	}

	if err := m.surface.SetCookies(ctx, sd.Cookies); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return false, err
		}
		tr.Warnf("restoring cookies failed: %v", err)
	}
	if len(sd.LocalStorage) > 0 {
		if err := m.surface.Evaluate(ctx, scriptWriteLocalStorage, sd.LocalStorage, nil); err != nil {
			if apperrors.IsConnectivityFault(err) {
				return false, err
			}
			tr.Warnf("restoring local storage failed: %v", err)
		}
	}
	if err := m.surface.Reload(ctx); err != nil {
		return false, err
	}

	_, live := sd.LivenessCookie(m.cfg.Session.LivenessCookie, m.now())
	tr.Infof("restored session saved at %s (%d cookies, liveness=%v)", sd.SavedAt.Format(time.RFC3339), len(sd.Cookies), live)
	return live, nil
}

// confirmLoggedIn takes the fast path on a live cookie, otherwise checks the
// page for the logged-in marker.
func (m *SessionManager) confirmLoggedIn(ctx context.Context, restored bool, tr *logging.Trace) (bool, error) {
	if restored {
		tr.Infof("liveness cookie %q valid, skipping login", m.cfg.Session.LivenessCookie)
		return true, nil
	}

	cookies, err := m.surface.Cookies(ctx)
	if err != nil && apperrors.IsConnectivityFault(err) {
		return false, err
	}
	if _, ok := liveCookie(cookies, m.cfg.Session.LivenessCookie, m.now()); ok {
		tr.Infof("browser profile already holds a live %q cookie", m.cfg.Session.LivenessCookie)
		return true, nil
	}

	ok, err := m.surface.Exists(ctx, m.sel.Session.LoggedInMarker)
	if err != nil && apperrors.IsConnectivityFault(err) {
		return false, err
	}
	if ok {
		tr.Infof("already logged in")
	}
	return ok, nil
}

// login drives the interactive login form.
func (m *SessionManager) login(ctx context.Context, tr *logging.Trace) error {
	creds := m.cfg.Credentials.Terminal
	if creds.Username == "" || creds.Password == "" {
		return apperrors.NewSessionError("login", "no terminal credentials configured", nil)
	}
	s := m.sel.Session
	timeout := m.cfg.Session.LoginTimeout

	tr.Infof("logging in as %s", creds.Username)
	if ok, err := m.surface.Exists(ctx, s.OpenLogin); err != nil && apperrors.IsConnectivityFault(err) {
		return err
	} else if ok {
		if err := m.surface.Click(ctx, s.OpenLogin); err != nil && apperrors.IsConnectivityFault(err) {
			return err
		}
	}

	if err := m.surface.WaitFor(ctx, s.UsernameInput, timeout); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return err
		}
		return apperrors.NewSessionError("login", "login form did not appear", err)
	}
	if err := m.surface.Type(ctx, s.UsernameInput, creds.Username); err != nil {
		return m.loginStepErr("username", err)
	}
	if err := m.surface.Type(ctx, s.PasswordInput, creds.Password); err != nil {
		return m.loginStepErr("password", err)
	}
	if err := m.surface.Click(ctx, s.LoginSubmit); err != nil {
		return m.loginStepErr("submit", err)
	}

	if creds.TOTPSecret != "" {
		if err := m.surface.WaitFor(ctx, s.TOTPInput, m.cfg.Terminal.ElementTimeout); err == nil {
			code, err := totp.GenerateCode(creds.TOTPSecret, m.now())
			if err != nil {
				return apperrors.NewSessionError("totp", "generating one-time code", err)
			}
			if err := m.surface.Type(ctx, s.TOTPInput, code); err != nil {
				return m.loginStepErr("totp", err)
			}
			if err := m.surface.Click(ctx, s.LoginSubmit); err != nil && apperrors.IsConnectivityFault(err) {
				return err
			}
			tr.Infof("submitted one-time code")
		} else if apperrors.IsConnectivityFault(err) {
			return err
		}
	}

	if err := m.awaitChallenge(ctx, tr); err != nil {
		return err
	}

	if err := m.surface.WaitFor(ctx, s.LoggedInMarker, timeout); err != nil {
		if apperrors.IsConnectivityFault(err) {
			return err
		}
		return apperrors.NewSessionError("login", "login could not be confirmed", err)
	}
	tr.Infof("login confirmed")
	return nil
}

func (m *SessionManager) loginStepErr(step string, err error) error {
	if apperrors.IsConnectivityFault(err) {
		return err
	}
	return apperrors.NewSessionError("login", fmt.Sprintf("%s step failed", step), err)
}

// awaitChallenge blocks while a human-verification challenge is shown, until
// it disappears, the operator signals, or the wait runs out. It then carries
// on optimistically.
func (m *SessionManager) awaitChallenge(ctx context.Context, tr *logging.Trace) error {
	present, err := m.surface.Exists(ctx, m.sel.Session.Challenge)
	if err != nil && apperrors.IsConnectivityFault(err) {
		return err
	}
	if !present {
		return nil
	}

	wait := m.cfg.Session.ChallengeWait
	tr.Warnf("human verification challenge shown, waiting up to %s for it to clear or for the operator", wait)
	err = utils.PollUntil(ctx, utils.PollConfig{Interval: time.Second, Timeout: wait}, func(ctx context.Context, _ int) (bool, error) {
		select {
		case <-m.operator:
			tr.Infof("operator signalled the challenge is done")
			return true, nil
		default:
		}
		still, err := m.surface.Exists(ctx, m.sel.Session.Challenge)
		if err != nil && apperrors.IsConnectivityFault(err) {
			return false, err
		}
		return !still, nil
	})
	switch {
	case err == nil:
		return nil
	case apperrors.Is(err, utils.ErrPollTimeout):
		tr.Warnf("challenge still present after %s, proceeding", wait)
		return nil
	default:
		return err
	}
}

// persist saves cookies and local storage. Failures are logged only.
func (m *SessionManager) persist(ctx context.Context, tr *logging.Trace) {
	cookies, err := m.surface.Cookies(ctx)
	if err != nil {
		tr.Warnf("could not read cookies to persist session: %v", err)
		return
	}
	storage := map[string]string{}
	if err := m.surface.Evaluate(ctx, scriptReadLocalStorage, nil, &storage); err != nil {
		tr.Warnf("could not read local storage: %v", err)
	}
	sd := &SessionData{Cookies: cookies, LocalStorage: storage, SavedAt: m.now().UTC()}
	if err := m.file.Save(sd); err != nil {
		tr.Warnf("saving session failed: %v", err)
		return
	}
	tr.Infof("session saved to %s", m.file.Path())
}

// ConnectBroker attaches the broker integration used for order routing. It
// never fails on an unconfirmed connect: the state reports Unverified (or
// Failed when there was nothing to click) and the caller carries on so an
// operator can intervene. Only connectivity faults are returned.
func (m *SessionManager) ConnectBroker(ctx context.Context, tr *logging.Trace) (models.BrokerState, error) {
	state, err := m.connectBroker(ctx, tr)
	if err == nil {
		m.broker = state
	}
	return state, err
}

func (m *SessionManager) connectBroker(ctx context.Context, tr *logging.Trace) (models.BrokerState, error) {
	s := m.sel.Session

	connected, err := m.surface.Exists(ctx, s.BrokerConnected)
	if err != nil && apperrors.IsConnectivityFault(err) {
		return models.BrokerDisconnected, err
	}
	if connected {
		tr.Infof("broker already connected")
		return models.BrokerConnected, nil
	}

	acted := false
	if ok, err := m.surface.Exists(ctx, s.BrokerPanel); err != nil && apperrors.IsConnectivityFault(err) {
		return models.BrokerDisconnected, err
	} else if ok {
		if err := m.surface.Click(ctx, s.BrokerPanel); err != nil && apperrors.IsConnectivityFault(err) {
			return models.BrokerDisconnected, err
		}
		acted = true
		_ = utils.Sleep(ctx, m.cfg.Placement.ClickDelay)
	}

	if s.BrokerName != "" {
		var clicked string
		args := map[string]interface{}{"scope": s.BrokerList, "labels": []string{s.BrokerName}}
		if err := m.surface.Evaluate(ctx, scriptClickByText, args, &clicked); err != nil && apperrors.IsConnectivityFault(err) {
			return models.BrokerDisconnected, err
		}
		if clicked != "" {
			acted = true
			tr.Infof("selected broker %s", clicked)
			_ = utils.Sleep(ctx, m.cfg.Placement.ClickDelay)
		}
	}

	if ok, err := m.surface.Exists(ctx, s.BrokerConnect); err != nil && apperrors.IsConnectivityFault(err) {
		return models.BrokerDisconnected, err
	} else if ok {
		if err := m.surface.Click(ctx, s.BrokerConnect); err != nil && apperrors.IsConnectivityFault(err) {
			return models.BrokerDisconnected, err
		}
		acted = true
	}

	if !acted {
		tr.Warnf("%v", apperrors.NewSessionError("broker", "no broker connect control found, continuing for manual intervention", nil))
		return models.BrokerFailed, nil
	}

	err = utils.PollUntil(ctx, utils.PollConfig{Interval: 500 * time.Millisecond, Timeout: m.cfg.Session.BrokerConnectTimeout},
		func(ctx context.Context, _ int) (bool, error) {
			ok, err := m.surface.Exists(ctx, s.BrokerConnected)
			if err != nil && apperrors.IsConnectivityFault(err) {
				return false, err
			}
			return ok, nil
		})
	switch {
	case err == nil:
		tr.Infof("broker connected")
		return models.BrokerConnected, nil
	case apperrors.Is(err, utils.ErrPollTimeout):
		tr.Warnf("%v", apperrors.NewSessionError("broker", "connect not confirmed, continuing as unverified", nil))
		return models.BrokerUnverified, nil
	default:
		return models.BrokerDisconnected, err
	}
}

// BrokerAttached reports whether the broker connected marker is present.
func (m *SessionManager) BrokerAttached(ctx context.Context) (bool, error) {
	ok, err := m.surface.Exists(ctx, m.sel.Session.BrokerConnected)
	if err != nil && !apperrors.IsConnectivityFault(err) {
		return false, nil
	}
	return ok, err
}
