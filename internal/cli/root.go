package cli

import (
	"bufio"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"terminal-trader/internal/config"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/security"
)

// Version information, overridden at build time with -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// App holds the application dependencies, loaded once per invocation.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
	Audit     *security.AuditLogger
}

// commands that must work without a loadable configuration
var noConfig = map[string]bool{"version": true, "path": true, "help": true}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Terminal Trader - market order execution through a web trading terminal",
		Long: `Terminal Trader drives a web trading terminal in a real browser to place
market orders, confirm fills and report what actually happened.

It can run as an HTTP service ('trader serve') or place single orders
from the command line ('trader trade'). A signed REST backend can be
selected instead of the browser with backend.kind = "rest".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.ConfigDir, _ = cmd.Flags().GetString("config")
			if app.ConfigDir == "" {
				app.ConfigDir = config.DefaultConfigDir()
			}
			if noConfig[cmd.Name()] {
				return nil
			}
			debug, _ := cmd.Flags().GetBool("debug")
			return app.load(debug)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app.Audit != nil {
				app.Audit.Close()
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/terminal-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newTradeCmd(app))
	rootCmd.AddCommand(newSessionCmd(app))
	rootCmd.AddCommand(newHistoryCmd(app))

	return rootCmd
}

// load reads configuration and builds the logger and audit trail.
func (app *App) load(debug bool) error {
	cfg, err := config.Load(app.ConfigDir)
	if err != nil {
		return err
	}
	app.Config = cfg

	app.Logger = logging.New(cfg.Log, debug).With().Str("profile", cfg.Session.Profile).Logger()

	auditCfg := security.DefaultAuditConfig()
	auditCfg.LogDir = cfg.Log.AuditDir
	audit, err := security.NewAuditLogger(auditCfg)
	if err != nil {
		// Trading without an audit trail is allowed but loud.
		app.Logger.Warn().Err(err).Msg("Audit log unavailable")
		return nil
	}
	audit.SetProfile(cfg.Session.Profile)
	audit.SetRequestIDFunc(logging.RequestID)
	app.Audit = audit
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Terminal Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

// operatorSignal returns a channel closed when the operator presses Enter.
func operatorSignal(in io.Reader) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		bufio.NewReader(in).ReadString('\n')
		close(ch)
	}()
	return ch
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), red.Sprint("Error: ")+err.Error())
		return 1
	}
	return 0
}
