package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"terminal-trader/internal/broker"
	"terminal-trader/internal/metrics"
	"terminal-trader/internal/notify"
	"terminal-trader/internal/server"
	"terminal-trader/internal/store"
)

func newServeCmd(app *App) *cobra.Command {
	var (
		addr string
		lazy bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP execution service",
		Long: `Run the HTTP execution service.

Endpoints: POST /trade, POST /execute-consensus, GET /health,
GET /screenshot, POST /navigate, GET /executions, GET /metrics.

Send SIGUSR1 to end a human-verification wait during login.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := app.Logger

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New(true)
			exec, err := broker.New(cfg, broker.Deps{
				Logger:   logger,
				Observer: m,
				Audit:    app.Audit,
				Operator: signalOperator(ctx, syscall.SIGUSR1),
			})
			if err != nil {
				return err
			}

			journal, err := store.NewSQLiteJournal(cfg.Backend.JournalPath)
			if err != nil {
				exec.Close()
				return err
			}
			defer journal.Close()

			notifier := notify.New(cfg.Notify, cfg.Credentials.Notify.TelegramBotToken)
			if notifier.Enabled() {
				logger.Info().Str("level", cfg.Notify.Level).Msg("Operator notifications enabled")
			}

			srv := server.New(cfg, exec, server.Options{
				Journal:  journal,
				Metrics:  m,
				Audit:    app.Audit,
				Notifier: notifier,
				Logger:   logger,
			})
			if err := srv.Start(ctx); err != nil {
				exec.Close()
				return err
			}
			if !lazy {
				go srv.Warmup(ctx)
			}

			<-ctx.Done()
			logger.Info().Msg("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&lazy, "lazy", false, "start the backend on the first request instead of at boot")
	return cmd
}

// signalOperator turns the first delivery of sig into an operator signal.
func signalOperator(ctx context.Context, sig os.Signal) <-chan struct{} {
	ch := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, sig)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			close(ch)
		case <-ctx.Done():
		}
	}()
	return ch
}
