package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"terminal-trader/internal/broker"
	"terminal-trader/internal/execution"
	"terminal-trader/internal/models"
	"terminal-trader/internal/security"
)

func newSessionCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the persisted terminal login",
		Long:  "Log in interactively, inspect or clear the saved browser session of the configured profile.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Cobra runs only the nearest persistent pre-run.
			if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			if app.Config.IsREST() {
				return fmt.Errorf("session commands need the terminal backend (backend.kind = %q)", app.Config.Backend.Kind)
			}
			return nil
		},
	}

	cmd.AddCommand(newSessionLoginCmd(app))
	cmd.AddCommand(newSessionStatusCmd(app))
	cmd.AddCommand(newSessionClearCmd(app))
	return cmd
}

func newSessionLoginCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open the terminal, log in and save the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config
			// Verification challenges need a visible browser.
			cfg.Terminal.Headless = false

			exec, err := broker.New(cfg, broker.Deps{
				Logger:   app.Logger,
				Audit:    app.Audit,
				Operator: operatorSignal(cmd.InOrStdin()),
			})
			if err != nil {
				return err
			}
			defer exec.Close()

			output.Info("Logging in as %s (profile %s)", cfg.Credentials.Terminal.Username, cfg.Session.Profile)
			output.Dim("If a verification challenge appears, solve it in the browser and press Enter.")

			if err := exec.Start(cmd.Context()); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			var state models.SessionState
			if c, ok := exec.(*execution.Controller); ok {
				state = c.State()
			}
			if output.IsJSON() {
				return output.JSON(state)
			}
			printSessionState(output, state)
			return nil
		},
	}
}

func printSessionState(output *Output, state models.SessionState) {
	if state.LoggedIn {
		output.Success("✓ Logged in")
	} else {
		output.Warning("! Login could not be confirmed")
	}
	switch state.Broker {
	case models.BrokerConnected:
		output.Field("Broker", green.Sprint(state.Broker))
	case models.BrokerUnverified:
		output.Field("Broker", yellow.Sprint(state.Broker)+" (check the terminal before trading)")
	default:
		output.Field("Broker", red.Sprint(state.Broker))
	}
}

type sessionStatus struct {
	Profile   string     `json:"profile"`
	Path      string     `json:"path"`
	Saved     bool       `json:"saved"`
	SavedAt   *time.Time `json:"savedAt,omitempty"`
	Cookies   int        `json:"cookies"`
	Live      bool       `json:"live"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func newSessionStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the saved session of the configured profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config

			file, err := execution.OpenSessionFile(cfg)
			if err != nil {
				return err
			}
			st := sessionStatus{Profile: cfg.Session.Profile, Path: file.Path()}

			data, err := file.Load()
			if err == nil && data != nil {
				st.Saved = true
				st.SavedAt = &data.SavedAt
				st.Cookies = len(data.Cookies)
				if c, ok := data.LivenessCookie(cfg.Session.LivenessCookie, time.Now()); ok {
					st.Live = true
					if exp := c.ExpiresAt(); !exp.IsZero() {
						st.ExpiresAt = &exp
					}
				}
			}

			if output.IsJSON() {
				return output.JSON(st)
			}

			output.Bold("Session: %s", st.Profile)
			output.Field("File", st.Path)
			if !st.Saved {
				output.Warning("No saved session. Run 'trader session login'.")
				if err != nil {
					output.Dim("%v", err)
				}
				return nil
			}
			output.Field("Saved", st.SavedAt.Local().Format("2006-01-02 15:04:05"))
			output.Field("Cookies", st.Cookies)
			if st.Live {
				expires := "session"
				if st.ExpiresAt != nil {
					expires = formatRemaining(time.Until(*st.ExpiresAt))
				}
				output.Field("Liveness", green.Sprint("valid")+" ("+expires+")")
			} else {
				output.Field("Liveness", red.Sprint("expired or missing"))
			}
			return nil
		},
	}
}

func newSessionClearCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the saved session of the configured profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			file, err := execution.OpenSessionFile(app.Config)
			if err != nil {
				return err
			}
			err = file.Clear()
			app.Audit.LogSession(cmd.Context(), security.AuditSessionCleared, err == nil, errString(err))
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"cleared": true})
			}
			output.Success("✓ Session cleared for profile %s", app.Config.Session.Profile)
			return nil
		},
	}
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	d = d.Round(time.Minute)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh left", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm left", hours, mins)
	default:
		return fmt.Sprintf("%dm left", mins)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
