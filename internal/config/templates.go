package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const configTemplate = `# Terminal Trader Configuration

[terminal]
# Web terminal entry point and chart view ({symbol} is substituted)
base_url = "https://terminal.example.com"
chart_url = "https://terminal.example.com/chart/?symbol={symbol}"
default_symbol = "ETHUSDT"
headless = false
# Attach to an already running Chrome instead of launching one
remote_url = ""
# Per-step element wait
element_timeout = "5s"
# Optional YAML file overriding the built-in selector catalogue
selectors_file = ""

[session]
# One session file and browser profile per account profile
profile = "default"
liveness_cookie = "sessionid"
login_timeout = "30s"
# Bounded wait for a human-verification challenge
challenge_wait = "60s"
broker_connect_timeout = "15s"
# Seal the session file with session_passphrase from credentials.toml
encrypt = false

[placement]
# Settle delays after each UI mutation
form_open_delay = "800ms"
click_delay = "300ms"
type_delay = "300ms"
toggle_delay = "400ms"
submit_delay = "500ms"
confirm_wait = "3s"

[sizing]
# "margin": enter a margin amount, the terminal derives quantity
# "contracts": compute whole contracts from price, contract size and leverage
mode = "margin"
usable_fraction = 0.9
# Cap on the usable amount (0 = uncapped)
max_margin = 0.0
contract_size = 1.0
leverage = 1.0

[venue]
# Backend enables stop-loss on its own once take-profit is enabled
auto_stop_loss_with_take_profit = false
# Backend shows an order preview with fee disclosure before routing
confirm_step = false

[reconcile]
timeout = "30s"
poll_interval = "1s"
# A market order in history within this window counts as evidence of the fill
recency_window = "60s"
# Extra ticks scanned for a rejection after a fill is observed
confirm_ticks = 2
reload_grace = "2s"

[server]
addr = ":8080"
min_confidence = 0.0
consensus_size = 1.0
# background health probing; "0s" disables
watchdog_interval = "30s"

[backend]
# "terminal" or "rest"
kind = "terminal"
rest_base_url = "https://futures.example.com"
failure_threshold = 5
breaker_timeout = "30s"

[notify]
# "all", "trades" (fills and rejections) or "errors" (everything but fills)
level = "all"
webhook_url = ""
# Telegram needs telegram_bot_token in credentials.toml
telegram_chat_id = ""
timeout = "10s"

[log]
level = "info"
console = true
file = true
`

const credentialsTemplate = `# Terminal Trader Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[terminal]
username = ""
password = ""
# Base32 TOTP secret for accounts with two-factor login
totp_secret = ""
# Passphrase used to seal session files when session.encrypt is on
session_passphrase = ""

[rest]
api_key = ""
# base64 encoded
api_secret = ""

[notify]
telegram_bot_token = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}

func replaceSymbol(template, symbol string) string {
	return strings.ReplaceAll(template, "{symbol}", url.QueryEscape(symbol))
}
