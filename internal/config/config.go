// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Terminal    TerminalConfig  `mapstructure:"terminal"`
	Session     SessionConfig   `mapstructure:"session"`
	Placement   PlacementConfig `mapstructure:"placement"`
	Sizing      SizingConfig    `mapstructure:"sizing"`
	Venue       VenueConfig     `mapstructure:"venue"`
	Reconcile   ReconcileConfig `mapstructure:"reconcile"`
	Server      ServerConfig    `mapstructure:"server"`
	Backend     BackendConfig   `mapstructure:"backend"`
	Log         LogConfig       `mapstructure:"log"`
	Notify      NotifyConfig    `mapstructure:"notify"`
	Credentials Credentials     `mapstructure:"-"` // Loaded separately
}

// TerminalConfig describes the web trading terminal and how the browser is launched.
type TerminalConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ChartURL       string        `mapstructure:"chart_url"` // {symbol} is substituted
	DefaultSymbol  string        `mapstructure:"default_symbol"`
	Headless       bool          `mapstructure:"headless"`
	ChromePath     string        `mapstructure:"chrome_path"`
	RemoteURL      string        `mapstructure:"remote_url"` // attach instead of launching
	UserDataDir    string        `mapstructure:"user_data_dir"`
	ElementTimeout time.Duration `mapstructure:"element_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	SelectorsFile  string        `mapstructure:"selectors_file"`
	DebugDir       string        `mapstructure:"debug_dir"`
}

// SessionConfig holds login and session persistence settings.
type SessionConfig struct {
	Profile              string        `mapstructure:"profile"`
	Dir                  string        `mapstructure:"dir"`
	LivenessCookie       string        `mapstructure:"liveness_cookie"`
	LoginTimeout         time.Duration `mapstructure:"login_timeout"`
	ChallengeWait        time.Duration `mapstructure:"challenge_wait"`
	BrokerConnectTimeout time.Duration `mapstructure:"broker_connect_timeout"`
	Encrypt              bool          `mapstructure:"encrypt"`
}

// PlacementConfig holds the settle delays used after each UI mutation.
type PlacementConfig struct {
	FormOpenDelay    time.Duration `mapstructure:"form_open_delay"`
	ClickDelay       time.Duration `mapstructure:"click_delay"`
	TypeDelay        time.Duration `mapstructure:"type_delay"`
	ToggleDelay      time.Duration `mapstructure:"toggle_delay"`
	SubmitDelay      time.Duration `mapstructure:"submit_delay"`
	ConfirmWait      time.Duration `mapstructure:"confirm_wait"`
	InterstitialWait time.Duration `mapstructure:"interstitial_wait"`
}

// SizingConfig controls auto-sized orders.
type SizingConfig struct {
	Mode           string  `mapstructure:"mode"` // "margin" or "contracts"
	UsableFraction float64 `mapstructure:"usable_fraction"`
	MaxMargin      float64 `mapstructure:"max_margin"` // 0 = uncapped
	ContractSize   float64 `mapstructure:"contract_size"`
	Leverage       float64 `mapstructure:"leverage"`
}

// VenueConfig captures behaviour differences between backends routed through the terminal.
type VenueConfig struct {
	AutoStopLossWithTakeProfit bool `mapstructure:"auto_stop_loss_with_take_profit"`
	ConfirmStep                bool `mapstructure:"confirm_step"`
}

// ReconcileConfig controls the fill reconciliation polling window.
type ReconcileConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RecencyWindow time.Duration `mapstructure:"recency_window"`
	ConfirmTicks  int           `mapstructure:"confirm_ticks"`
	ReloadGrace   time.Duration `mapstructure:"reload_grace"`
}

// ServerConfig holds the HTTP front end configuration.
type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	MinConfidence    float64       `mapstructure:"min_confidence"`
	ConsensusSize    float64       `mapstructure:"consensus_size"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"` // 0 disables
}

// BackendConfig selects the execution backend.
type BackendConfig struct {
	Kind             string        `mapstructure:"kind"` // "terminal" or "rest"
	RESTBaseURL      string        `mapstructure:"rest_base_url"`
	RESTTimeout      time.Duration `mapstructure:"rest_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	JournalPath      string        `mapstructure:"journal_path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	AuditDir   string `mapstructure:"audit_dir"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// NotifyConfig holds operator notification channels. Empty values disable a channel.
type NotifyConfig struct {
	Level          string        `mapstructure:"level"` // all, trades, errors
	WebhookURL     string        `mapstructure:"webhook_url"`
	TelegramChatID string        `mapstructure:"telegram_chat_id"`
	TelegramAPIURL string        `mapstructure:"telegram_api_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Credentials holds login and API credentials.
type Credentials struct {
	Terminal TerminalCredentials `mapstructure:"terminal"`
	REST     RESTCredentials     `mapstructure:"rest"`
	Notify   NotifyCredentials   `mapstructure:"notify"`
}

// NotifyCredentials holds notification channel secrets.
type NotifyCredentials struct {
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
}

// TerminalCredentials holds the web terminal login.
type TerminalCredentials struct {
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	TOTPSecret        string `mapstructure:"totp_secret"`
	SessionPassphrase string `mapstructure:"session_passphrase"`
}

// RESTCredentials holds the signed REST backend keys.
type RESTCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"` // base64
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/terminal-trader"
	}
	return filepath.Join(home, ".config", "terminal-trader")
}

// Default returns the configuration with every default applied and no files read.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	// Defaults alone always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// A missing .env is normal; the process environment is used as-is.
	for _, envFile := range []string{filepath.Join(configDir, ".env"), ".env"} {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Write a template for the operator and carry on with defaults.
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("terminal.base_url", "https://terminal.example.com")
	v.SetDefault("terminal.chart_url", "https://terminal.example.com/chart/?symbol={symbol}")
	v.SetDefault("terminal.default_symbol", "ETHUSDT")
	v.SetDefault("terminal.headless", false)
	v.SetDefault("terminal.user_data_dir", filepath.Join(configDir, "profiles"))
	v.SetDefault("terminal.element_timeout", "5s")
	v.SetDefault("terminal.probe_timeout", "3s")
	v.SetDefault("terminal.debug_dir", filepath.Join(configDir, "debug"))

	v.SetDefault("session.profile", "default")
	v.SetDefault("session.dir", filepath.Join(configDir, "sessions"))
	v.SetDefault("session.liveness_cookie", "sessionid")
	v.SetDefault("session.login_timeout", "30s")
	v.SetDefault("session.challenge_wait", "60s")
	v.SetDefault("session.broker_connect_timeout", "15s")
	v.SetDefault("session.encrypt", false)

	v.SetDefault("placement.form_open_delay", "800ms")
	v.SetDefault("placement.click_delay", "300ms")
	v.SetDefault("placement.type_delay", "300ms")
	v.SetDefault("placement.toggle_delay", "400ms")
	v.SetDefault("placement.submit_delay", "500ms")
	v.SetDefault("placement.confirm_wait", "3s")
	v.SetDefault("placement.interstitial_wait", "1s")

	v.SetDefault("sizing.mode", "margin")
	v.SetDefault("sizing.usable_fraction", 0.9)
	v.SetDefault("sizing.max_margin", 0.0)
	v.SetDefault("sizing.contract_size", 1.0)
	v.SetDefault("sizing.leverage", 1.0)

	v.SetDefault("venue.auto_stop_loss_with_take_profit", false)
	v.SetDefault("venue.confirm_step", false)

	v.SetDefault("reconcile.timeout", "30s")
	v.SetDefault("reconcile.poll_interval", "1s")
	v.SetDefault("reconcile.recency_window", "60s")
	v.SetDefault("reconcile.confirm_ticks", 2)
	v.SetDefault("reconcile.reload_grace", "2s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.min_confidence", 0.0)
	v.SetDefault("server.consensus_size", 1.0)
	v.SetDefault("server.request_timeout", "3m")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.watchdog_interval", "30s")

	v.SetDefault("backend.kind", "terminal")
	v.SetDefault("backend.rest_base_url", "https://futures.example.com")
	v.SetDefault("backend.rest_timeout", "10s")
	v.SetDefault("backend.failure_threshold", 5)
	v.SetDefault("backend.breaker_timeout", "30s")
	v.SetDefault("backend.journal_path", filepath.Join(configDir, "journal.db"))

	v.SetDefault("notify.level", "all")
	v.SetDefault("notify.timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", true)
	v.SetDefault("log.file_path", filepath.Join(configDir, "logs", "trader.log"))
	v.SetDefault("log.audit_dir", filepath.Join(configDir, "audit"))
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TERMINAL_USERNAME"); v != "" {
		cfg.Credentials.Terminal.Username = v
	}
	if v := os.Getenv("TERMINAL_PASSWORD"); v != "" {
		cfg.Credentials.Terminal.Password = v
	}
	if v := os.Getenv("TERMINAL_TOTP_SECRET"); v != "" {
		cfg.Credentials.Terminal.TOTPSecret = v
	}
	if v := os.Getenv("SESSION_PASSPHRASE"); v != "" {
		cfg.Credentials.Terminal.SessionPassphrase = v
	}

	if v := os.Getenv("REST_API_KEY"); v != "" {
		cfg.Credentials.REST.APIKey = v
	}
	if v := os.Getenv("REST_API_SECRET"); v != "" {
		cfg.Credentials.REST.APISecret = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Credentials.Notify.TelegramBotToken = v
	}

	if v := os.Getenv("TRADER_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("TRADER_PROFILE"); v != "" {
		cfg.Session.Profile = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Backend.Kind != "terminal" && c.Backend.Kind != "rest" {
		return fmt.Errorf("invalid backend kind: %s (must be 'terminal' or 'rest')", c.Backend.Kind)
	}
	if c.Sizing.Mode != "margin" && c.Sizing.Mode != "contracts" {
		return fmt.Errorf("invalid sizing mode: %s (must be 'margin' or 'contracts')", c.Sizing.Mode)
	}
	if c.Sizing.UsableFraction <= 0 || c.Sizing.UsableFraction > 1 {
		return fmt.Errorf("usable_fraction must be in (0, 1]")
	}
	if c.Sizing.MaxMargin < 0 {
		return fmt.Errorf("max_margin must be non-negative")
	}
	if c.Sizing.Mode == "contracts" && (c.Sizing.ContractSize <= 0 || c.Sizing.Leverage <= 0) {
		return fmt.Errorf("contract_size and leverage must be positive in contracts mode")
	}
	if c.Reconcile.PollInterval <= 0 || c.Reconcile.Timeout < c.Reconcile.PollInterval {
		return fmt.Errorf("reconcile timeout must be at least one poll interval")
	}
	if c.Reconcile.ConfirmTicks < 0 {
		return fmt.Errorf("confirm_ticks must be non-negative")
	}
	if c.Session.Profile == "" {
		return fmt.Errorf("session profile must not be empty")
	}
	if c.Session.Encrypt && c.Credentials.Terminal.SessionPassphrase == "" {
		return fmt.Errorf("session.encrypt requires a session passphrase")
	}
	switch c.Notify.Level {
	case "", "all", "trades", "errors":
	default:
		return fmt.Errorf("invalid notify level: %s (must be 'all', 'trades' or 'errors')", c.Notify.Level)
	}
	if c.Server.MinConfidence < 0 || c.Server.MinConfidence > 100 {
		return fmt.Errorf("min_confidence must be between 0 and 100")
	}
	return nil
}

// IsREST returns true if orders are routed through the signed REST backend.
func (c *Config) IsREST() bool {
	return c.Backend.Kind == "rest"
}

// SymbolURL returns the chart URL for a symbol.
func (c *Config) SymbolURL(symbol string) string {
	if symbol == "" {
		symbol = c.Terminal.DefaultSymbol
	}
	return replaceSymbol(c.Terminal.ChartURL, symbol)
}
