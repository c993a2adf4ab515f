// Package broker provides the execution backends behind the HTTP front end:
// the browser-driven terminal controller and a signed futures REST client.
package broker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"terminal-trader/internal/automation"
	"terminal-trader/internal/config"
	"terminal-trader/internal/execution"
	"terminal-trader/internal/models"
	"terminal-trader/internal/security"
)

// Executor places market orders against one venue session.
type Executor interface {
	// Start prepares the backend. It may be called again after a failure.
	Start(ctx context.Context) error
	// PlaceMarketOrder never returns an error; failures are reported in the result.
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) models.ExecutionResult
	Health(ctx context.Context) models.HealthReport
	// Started reports whether the backend is ready to place orders. It turns
	// false when the backend loses its session and needs Start again.
	Started() bool
	Close() error
}

// Inspector is implemented by backends that can show and steer a live page.
type Inspector interface {
	Screenshot(ctx context.Context) ([]byte, error)
	Navigate(ctx context.Context, symbol string) (string, error)
}

var (
	_ Executor  = (*execution.Controller)(nil)
	_ Inspector = (*execution.Controller)(nil)
	_ Executor  = (*RESTExecutor)(nil)
	_ Inspector = (*RESTExecutor)(nil)
)

// Deps carries the shared collaborators every backend is wired with.
type Deps struct {
	Logger   zerolog.Logger
	Observer execution.Observer
	Audit    *security.AuditLogger
	// Operator ends the terminal's human-verification wait early.
	Operator <-chan struct{}
	// Launcher overrides the Chrome launcher, mainly for tests.
	Launcher automation.Launcher
}

// New builds the backend selected by cfg.Backend.Kind.
func New(cfg *config.Config, deps Deps) (Executor, error) {
	if cfg.IsREST() {
		client, err := NewFuturesClient(FuturesConfig{
			BaseURL:          cfg.Backend.RESTBaseURL,
			APIKey:           cfg.Credentials.REST.APIKey,
			APISecret:        cfg.Credentials.REST.APISecret,
			Timeout:          cfg.Backend.RESTTimeout,
			FailureThreshold: cfg.Backend.FailureThreshold,
			BreakerTimeout:   cfg.Backend.BreakerTimeout,
		}, deps.Logger)
		if err != nil {
			return nil, err
		}
		return NewRESTExecutor(cfg, client, deps), nil
	}

	sel, err := execution.LoadSelectors(cfg.Terminal.SelectorsFile)
	if err != nil {
		return nil, fmt.Errorf("loading selectors: %w", err)
	}
	file, err := execution.OpenSessionFile(cfg)
	if err != nil {
		return nil, err
	}
	launcher := deps.Launcher
	if launcher == nil {
		launcher = automation.NewChromeLauncher(automation.ChromeOptions{
			RemoteURL:      cfg.Terminal.RemoteURL,
			ExecPath:       cfg.Terminal.ChromePath,
			Headless:       cfg.Terminal.Headless,
			UserDataDir:    filepath.Join(cfg.Terminal.UserDataDir, cfg.Session.Profile),
			ElementTimeout: cfg.Terminal.ElementTimeout,
		}, deps.Logger)
	}

	opts := []execution.Option{
		execution.WithSelectors(sel),
		execution.WithAudit(deps.Audit),
		execution.WithOperatorSignal(deps.Operator),
	}
	if deps.Observer != nil {
		opts = append(opts, execution.WithObserver(deps.Observer))
	}
	return execution.NewController(cfg, launcher, file, deps.Logger, opts...), nil
}
