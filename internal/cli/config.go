package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"terminal-trader/internal/config"
	"terminal-trader/internal/security"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration (credentials masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				masked := *app.Config
				masked.Credentials = maskCredentials(app.Config.Credentials)
				return output.JSON(masked)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"path":        app.ConfigDir,
					"config":      filepath.Join(app.ConfigDir, "config.toml"),
					"credentials": filepath.Join(app.ConfigDir, "credentials.toml"),
				})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load already validated; reaching here means the files are good.
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func maskCredentials(c config.Credentials) config.Credentials {
	c.Terminal.Password = security.MaskCredential(c.Terminal.Password)
	c.Terminal.TOTPSecret = security.MaskCredential(c.Terminal.TOTPSecret)
	c.Terminal.SessionPassphrase = security.MaskCredential(c.Terminal.SessionPassphrase)
	c.REST.APIKey = security.MaskCredential(c.REST.APIKey)
	c.REST.APISecret = security.MaskCredential(c.REST.APISecret)
	c.Notify.TelegramBotToken = security.MaskCredential(c.Notify.TelegramBotToken)
	return c
}

func showConfig(output *Output, cfg *config.Config) {
	creds := maskCredentials(cfg.Credentials)

	output.Bold("Backend")
	output.Field("Kind", cfg.Backend.Kind)
	if cfg.IsREST() {
		output.Field("REST URL", cfg.Backend.RESTBaseURL)
		output.Field("API key", creds.REST.APIKey)
	}
	output.Field("Journal", cfg.Backend.JournalPath)
	output.Println()

	output.Bold("Terminal")
	output.Field("URL", cfg.Terminal.BaseURL)
	output.Field("Default symbol", cfg.Terminal.DefaultSymbol)
	output.Field("Headless", cfg.Terminal.Headless)
	if cfg.Terminal.RemoteURL != "" {
		output.Field("Remote browser", cfg.Terminal.RemoteURL)
	}
	output.Field("Username", cfg.Credentials.Terminal.Username)
	output.Field("Password", creds.Terminal.Password)
	output.Println()

	output.Bold("Session")
	output.Field("Profile", cfg.Session.Profile)
	output.Field("Directory", cfg.Session.Dir)
	output.Field("Encrypted", cfg.Session.Encrypt)
	output.Println()

	output.Bold("Sizing")
	output.Field("Mode", cfg.Sizing.Mode)
	output.Field("Usable fraction", cfg.Sizing.UsableFraction)
	output.Field("Max margin", cfg.Sizing.MaxMargin)
	output.Field("Leverage", cfg.Sizing.Leverage)
	output.Println()

	output.Bold("Reconciliation")
	output.Field("Timeout", cfg.Reconcile.Timeout)
	output.Field("Poll interval", cfg.Reconcile.PollInterval)
	output.Field("Recency window", cfg.Reconcile.RecencyWindow)
	output.Field("Confirm ticks", cfg.Reconcile.ConfirmTicks)
	output.Println()

	output.Bold("Server")
	output.Field("Address", cfg.Server.Addr)
	output.Field("Min confidence", cfg.Server.MinConfidence)
	output.Field("Consensus size", cfg.Server.ConsensusSize)
	output.Println()

	output.Bold("Notifications")
	output.Field("Level", cfg.Notify.Level)
	output.Field("Webhook", cfg.Notify.WebhookURL)
	output.Field("Telegram chat", cfg.Notify.TelegramChatID)
	output.Field("Telegram token", creds.Notify.TelegramBotToken)
}
