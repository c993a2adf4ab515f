package server

import (
	"context"
	"time"

	"terminal-trader/internal/logging"
	"terminal-trader/internal/models"
	"terminal-trader/internal/resilience"
)

func (s *Server) newWatchdog(interval time.Duration) *resilience.Watchdog {
	cfg := resilience.DefaultWatchdogConfig()
	cfg.Interval = interval
	w := resilience.NewWatchdog(cfg)

	w.Register("executor", s.checkExecutor)
	if s.journal != nil {
		w.Register("journal", resilience.DatabaseCheck(s.journal.Ping))
	}
	w.OnAlert(func(a resilience.Alert) {
		s.logger.Warn().Str("component", a.Component).Str("status", string(a.Status)).Msg(a.Message)
		if s.metrics != nil {
			s.metrics.WatchdogAlert(a.Component)
		}
		s.notify(logging.WithLogger(context.Background(), s.logger), func(ctx context.Context) error {
			return s.notifier.Alert(ctx, a.Component, string(a.Status), a.Message)
		})
	})
	return w
}

// checkExecutor maps the executor health report onto a watchdog result.
// Probing a started terminal also rebinds a detached page between trades.
func (s *Server) checkExecutor(ctx context.Context) resilience.ComponentHealth {
	if !s.ready.isStarted() {
		return resilience.ComponentHealth{Status: resilience.HealthStatusDegraded, Message: "executor not started"}
	}
	report := s.exec.Health(ctx)
	h := resilience.ComponentHealth{
		Message: report.Detail,
		Details: map[string]interface{}{
			"backend":    report.Backend,
			"connection": string(report.Connection),
			"broker":     string(report.Session.Broker),
		},
	}
	switch {
	case !report.Ready:
		h.Status = resilience.HealthStatusUnhealthy
	case report.Connection == models.ConnectionRecovered, report.Session.Broker == models.BrokerUnverified:
		h.Status = resilience.HealthStatusDegraded
	default:
		h.Status = resilience.HealthStatusHealthy
	}
	return h
}
