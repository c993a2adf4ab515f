package execution

import (
	"context"
	"errors"
	"testing"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/models"
)

func newHealthUnderTest(t *testing.T, term *fakeTerminal) (*HealthMonitor, *fakeSurface) {
	t.Helper()
	cfg := testConfig(t)
	sel := term.sel
	s := &fakeSurface{term: term}
	session := NewSessionManager(s, cfg, &sel, NewSessionFile(cfg.Session.Dir, "p", nil), nil, testLogger())
	return NewHealthMonitor(s, session, cfg, &sel, testLogger()), s
}

func TestCheckValid(t *testing.T) {
	h, _ := newHealthUnderTest(t, newFakeTerminal(DefaultSelectors()))
	status, err := h.Check(context.Background(), testTrace())
	if status != models.ConnectionValid || err != nil {
		t.Errorf("Check = %s, %v", status, err)
	}
}

func TestCheckRebindsDetachedPage(t *testing.T) {
	term := newFakeTerminal(DefaultSelectors())
	term.pages = []automation.Page{
		{ID: "other", URL: "https://news.example.org/"},
		{ID: "chart", URL: "https://www.terminal.example.com/chart/?symbol=ETHUSDT"},
	}
	h, s := newHealthUnderTest(t, term)
	s.detached = true

	status, err := h.Check(context.Background(), testTrace())
	if status != models.ConnectionRecovered || err != nil {
		t.Errorf("Check = %s, %v; want RECOVERED", status, err)
	}
}

func TestCheckDetachedWithoutLivePageNeedsRestart(t *testing.T) {
	term := newFakeTerminal(DefaultSelectors())
	term.pages = []automation.Page{{ID: "other", URL: "https://elsewhere.example.net/"}}
	h, s := newHealthUnderTest(t, term)
	s.detached = true

	status, err := h.Check(context.Background(), testTrace())
	if status != models.ConnectionRestartNeeded || err == nil {
		t.Errorf("Check = %s, %v; want RESTART_NEEDED with cause", status, err)
	}
}

func TestCheckOtherFaultNeedsRestart(t *testing.T) {
	h, s := newHealthUnderTest(t, newFakeTerminal(DefaultSelectors()))
	s.arm(1, errors.New("browser has disconnected"))

	status, err := h.Check(context.Background(), testTrace())
	if status != models.ConnectionRestartNeeded || err == nil {
		t.Errorf("Check = %s, %v", status, err)
	}
}

func TestReconcileInterstitialsDismissesAndReconnects(t *testing.T) {
	term := newFakeTerminal(DefaultSelectors())
	sel := term.sel.Session
	term.dialog = "broker-disconnected"
	term.buttons["Reconnect"] = true
	term.onClick["text:Reconnect"] = func(t *fakeTerminal) {
		t.dialog = ""
		delete(t.buttons, "Reconnect")
	}
	term.present[sel.BrokerConnect] = true
	term.onClick[sel.BrokerConnect] = func(t *fakeTerminal) { t.present[sel.BrokerConnected] = true }
	h, _ := newHealthUnderTest(t, term)

	cleared, err := h.ReconcileInterstitials(context.Background(), testTrace())
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}
	if !term.present[sel.BrokerConnected] {
		t.Error("broker should be reconnected after the dialog")
	}
	if h.session.Broker() != models.BrokerConnected {
		t.Errorf("broker state = %s", h.session.Broker())
	}
}

func TestReconcileInterstitialsStopsAfterThreePasses(t *testing.T) {
	term := newFakeTerminal(DefaultSelectors())
	term.present[term.sel.Session.BrokerConnected] = true
	term.dialog = "session-conflict"
	term.buttons["Connect"] = true // never clears the dialog
	h, _ := newHealthUnderTest(t, term)

	cleared, err := h.ReconcileInterstitials(context.Background(), testTrace())
	if err != nil {
		t.Fatal(err)
	}
	if cleared != maxInterstitialPasses {
		t.Errorf("cleared = %d, want %d", cleared, maxInterstitialPasses)
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("https://WWW.Terminal.example.com:443/chart"); got != "terminal.example.com" {
		t.Errorf("hostOf = %q", got)
	}
}
