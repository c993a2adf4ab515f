package execution

import (
	"context"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/models"
	"terminal-trader/pkg/utils"
)

const maxInterstitialPasses = 3

// HealthMonitor probes the surface and clears disconnect dialogs.
type HealthMonitor struct {
	surface automation.Surface
	session *SessionManager
	cfg     *config.Config
	sel     *Selectors
	logger  zerolog.Logger
}

// NewHealthMonitor creates a health monitor bound to surface.
func NewHealthMonitor(s automation.Surface, session *SessionManager, cfg *config.Config, sel *Selectors, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		surface: s,
		session: session,
		cfg:     cfg,
		sel:     sel,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Check runs the liveness probe. A detached page is re-bound to any live page
// of the target site; anything else needs a full restart. The returned error
// is the fault that caused a RestartNeeded verdict.
func (h *HealthMonitor) Check(ctx context.Context, tr *logging.Trace) (models.ConnectionStatus, error) {
	err := h.probe(ctx)
	if err == nil {
		return models.ConnectionValid, nil
	}
	if ctx.Err() != nil {
		return models.ConnectionRestartNeeded, ctx.Err()
	}
	if !apperrors.IsDetached(err) {
		tr.Warnf("liveness probe failed: %v", err)
		return models.ConnectionRestartNeeded, err
	}

	tr.Warnf("page detached (%v), looking for a live page to re-bind", err)
	if rerr := h.rebind(ctx, tr); rerr != nil {
		tr.Warnf("re-bind failed: %v", rerr)
		return models.ConnectionRestartNeeded, err
	}
	return models.ConnectionRecovered, nil
}

func (h *HealthMonitor) probe(ctx context.Context) error {
	if t := h.cfg.Terminal.ProbeTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	var ok bool
	return h.surface.Evaluate(ctx, scriptLiveness, nil, &ok)
}

func (h *HealthMonitor) rebind(ctx context.Context, tr *logging.Trace) error {
	pages, err := h.surface.Pages(ctx)
	if err != nil {
		return err
	}
	host := hostOf(h.cfg.Terminal.BaseURL)
	for _, p := range pages {
		if host == "" || !strings.HasSuffix(hostOf(p.URL), host) {
			continue
		}
		if err := h.surface.Rebind(ctx, p.ID); err != nil {
			tr.Debugf("page %s not usable: %v", p.ID, err)
			continue
		}
		if err := h.probe(ctx); err != nil {
			tr.Debugf("page %s failed liveness after re-bind: %v", p.ID, err)
			continue
		}
		tr.Infof("re-bound to live page %s", p.URL)
		return nil
	}
	return apperrors.ErrNoLivePage
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// ReconcileInterstitials dismisses known disconnect dialogs, at most three
// passes, then makes sure the broker integration is still attached. It
// returns how many dialogs were dismissed.
func (h *HealthMonitor) ReconcileInterstitials(ctx context.Context, tr *logging.Trace) (int, error) {
	cleared := 0
	cfg := utils.PollConfig{Interval: h.cfg.Placement.InterstitialWait, MaxAttempts: maxInterstitialPasses}
	err := utils.PollUntil(ctx, cfg, func(ctx context.Context, pass int) (bool, error) {
		var variant string
		if err := h.surface.Evaluate(ctx, scriptDetectInterstitial, h.sel.Interstitials, &variant); err != nil {
			if apperrors.IsConnectivityFault(err) {
				return false, err
			}
			tr.Debugf("interstitial scan failed: %v", err)
			return true, nil
		}
		if variant == "" {
			return true, nil
		}

		controls := h.controlsFor(variant)
		var clicked string
		args := map[string]interface{}{"labels": controls}
		if err := h.surface.Evaluate(ctx, scriptClickByText, args, &clicked); err != nil {
			if apperrors.IsConnectivityFault(err) {
				return false, err
			}
			tr.Warnf("could not dismiss %s dialog: %v", variant, err)
			return false, nil
		}
		if clicked == "" {
			tr.Warnf("%s dialog shown but none of %v found", variant, controls)
			return false, nil
		}
		cleared++
		tr.Infof("dismissed %s dialog via %q (pass %d)", variant, clicked, pass+1)
		return false, nil
	})
	switch {
	case err == nil:
	case apperrors.Is(err, utils.ErrPollTimeout):
		tr.Warnf("interstitial passes exhausted (%d), continuing", maxInterstitialPasses)
	default:
		return cleared, err
	}

	attached, err := h.session.BrokerAttached(ctx)
	if err != nil {
		return cleared, err
	}
	if !attached {
		tr.Warnf("broker integration not attached, reconnecting")
		if _, err := h.session.ConnectBroker(ctx, tr); err != nil {
			return cleared, err
		}
	}
	return cleared, nil
}

func (h *HealthMonitor) controlsFor(variant string) []string {
	for _, v := range h.sel.Interstitials {
		if v.Name == variant {
			return v.Controls
		}
	}
	return nil
}
