package execution

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Selectors is the catalogue of every selector, phrase and probe chain the
// controller uses against the terminal. Defaults live in code; a YAML file can
// override any part of it.
type Selectors struct {
	Session       SessionSelectors      `yaml:"session"`
	Interstitials []InterstitialVariant `yaml:"interstitials"`
	Form          FormSelectors         `yaml:"form"`
	Positions     TableSelectors        `yaml:"positions"`
	History       TableSelectors        `yaml:"history"`
	Account       AccountSelectors      `yaml:"account"`
	Toasts        ToastSelectors        `yaml:"toasts"`
}

// SessionSelectors locate the login form and the broker integration.
type SessionSelectors struct {
	OpenLogin       string `yaml:"open_login"`
	UsernameInput   string `yaml:"username_input"`
	PasswordInput   string `yaml:"password_input"`
	TOTPInput       string `yaml:"totp_input"`
	LoginSubmit     string `yaml:"login_submit"`
	LoggedInMarker  string `yaml:"logged_in_marker"`
	Challenge       string `yaml:"challenge"`
	BrokerPanel     string `yaml:"broker_panel"`
	BrokerList      string `yaml:"broker_list"`
	BrokerName      string `yaml:"broker_name"`
	BrokerConnect   string `yaml:"broker_connect"`
	BrokerConnected string `yaml:"broker_connected"`
}

// InterstitialVariant is one known disconnect dialog. Phrases are matched
// case-insensitively against dialog text; Controls are button labels in
// order of preference.
type InterstitialVariant struct {
	Name     string   `yaml:"name" json:"name"`
	Phrases  []string `yaml:"phrases" json:"phrases"`
	Controls []string `yaml:"controls" json:"controls"`
}

// FormSelectors locate the order-entry form controls.
type FormSelectors struct {
	Panel            string     `yaml:"panel"`
	OpenPanel        string     `yaml:"open_panel"`
	BuyButton        string     `yaml:"buy_button"`
	SellButton       string     `yaml:"sell_button"`
	MarketTab        string     `yaml:"market_tab"`
	QuantityInput    string     `yaml:"quantity_input"`
	MarginInput      string     `yaml:"margin_input"`
	QuantityReadback ProbeChain `yaml:"quantity_readback"`
	TakeProfitToggle string     `yaml:"take_profit_toggle"`
	TakeProfitInput  string     `yaml:"take_profit_input"`
	StopLossToggle   string     `yaml:"stop_loss_toggle"`
	StopLossInput    string     `yaml:"stop_loss_input"`
	Submit           string     `yaml:"submit"`
	ConfirmDialog    string     `yaml:"confirm_dialog"`
	ConfirmButton    string     `yaml:"confirm_button"`
	ConfirmFee       ProbeChain `yaml:"confirm_fee"`
	LastPrice        ProbeChain `yaml:"last_price"`
}

// TableSelectors locate a tabular account view and its data probes.
type TableSelectors struct {
	Tab        string     `yaml:"tab"`
	Table      string     `yaml:"table"`
	EntryPrice ProbeChain `yaml:"entry_price"`
	Quantity   ProbeChain `yaml:"quantity"`
	Margin     ProbeChain `yaml:"margin"`
}

// AccountSelectors locate the account summary.
type AccountSelectors struct {
	Tab           string     `yaml:"tab"`
	Balance       ProbeChain `yaml:"balance"`
	InitialMargin ProbeChain `yaml:"initial_margin"`
}

// ToastSelectors locate notification toasts and the phrases that mark a
// rejection.
type ToastSelectors struct {
	Container        string   `yaml:"container"`
	Header           string   `yaml:"header"`
	RejectionPhrases []string `yaml:"rejection_phrases"`
}

// DefaultSelectors returns the built-in catalogue.
func DefaultSelectors() Selectors {
	return Selectors{
		Session: SessionSelectors{
			OpenLogin:       `[data-name="header-user-menu-sign-in"]`,
			UsernameInput:   `input[name="username"]`,
			PasswordInput:   `input[name="password"]`,
			TOTPInput:       `input[name="code"]`,
			LoginSubmit:     `form button[type="submit"]`,
			LoggedInMarker:  `[data-name="header-user-menu-button"]`,
			Challenge:       `iframe[src*="recaptcha"], iframe[src*="hcaptcha"], [data-name="captcha"]`,
			BrokerPanel:     `[data-name="trading-button"]`,
			BrokerList:      `[data-name="broker-select-dialog"]`,
			BrokerName:      "Paper Trading",
			BrokerConnect:   `[data-name="broker-select-dialog"] button[name="connect"]`,
			BrokerConnected: `[data-name="account-manager-header"]`,
		},
		Interstitials: []InterstitialVariant{
			{
				Name:     "broker-disconnected",
				Phrases:  []string{"connection to the broker was lost", "you have been disconnected", "broker is disconnected"},
				Controls: []string{"Reconnect", "Connect", "OK"},
			},
			{
				Name:     "session-conflict",
				Phrases:  []string{"session was opened in another", "logged in from another", "session has been disconnected"},
				Controls: []string{"Connect", "Continue here", "Restore connection", "Close"},
			},
		},
		Form: FormSelectors{
			Panel:         `[data-name="order-panel"]`,
			OpenPanel:     `[data-name="order-panel-button"]`,
			BuyButton:     `[data-name="side-control-buy"]`,
			SellButton:    `[data-name="side-control-sell"]`,
			MarketTab:     `[data-name="order-type-market"]`,
			QuantityInput: `[data-name="order-panel"] input[data-name="quantity-input"]`,
			MarginInput:   `[data-name="order-panel"] input[data-name="margin-input"]`,
			QuantityReadback: ProbeChain{
				{Name: "order-info-quantity", Selector: `[data-name="order-info"] [data-name="quantity-value"]`},
				{Name: "quantity-input", Selector: `[data-name="order-panel"] input[data-name="quantity-input"]`},
			},
			TakeProfitToggle: `[data-name="order-panel"] input[data-name="take-profit-checkbox"]`,
			TakeProfitInput:  `[data-name="order-panel"] input[data-name="take-profit-price"]`,
			StopLossToggle:   `[data-name="order-panel"] input[data-name="stop-loss-checkbox"]`,
			StopLossInput:    `[data-name="order-panel"] input[data-name="stop-loss-price"]`,
			Submit:           `[data-name="place-and-modify-button"]`,
			ConfirmDialog:    `[data-name="order-confirmation-dialog"]`,
			ConfirmButton:    `[data-name="order-confirmation-dialog"] button[name="submit"]`,
			ConfirmFee: ProbeChain{
				{Name: "confirm-fee", Selector: `[data-name="order-confirmation-dialog"] [data-name="fee-value"]`},
				{Name: "confirm-commission", Selector: `[data-name="order-confirmation-dialog"] [data-label="Commission"]`},
			},
			LastPrice: ProbeChain{
				{Name: "order-panel-ask", Selector: `[data-name="order-panel"] [data-name="ask-price"]`},
				{Name: "legend-last", Selector: `[data-name="legend-series-item"] [data-name="legend-value-last"]`},
			},
		},
		Positions: TableSelectors{
			Tab:   `[data-name="positions-tab"]`,
			Table: `[data-name="positions-table"]`,
			EntryPrice: ProbeChain{
				{Name: "avg-fill-price", Selector: `[data-name="positions-table"] tr:is([data-symbol="{symbol}"], [data-symbol$=":{symbol}"]) td[data-label="Avg Fill Price"]`},
				{Name: "avg-price", Selector: `[data-name="positions-table"] tr:is([data-symbol="{symbol}"], [data-symbol$=":{symbol}"]) td[data-label="Avg Price"]`},
				{Name: "entry-price", Selector: `[data-name="positions-table"] tr:is([data-symbol="{symbol}"], [data-symbol$=":{symbol}"]) td[data-label="Entry Price"]`},
				{Name: "legacy-price-cell", Selector: `.positions-row:is([data-symbol="{symbol}"], [data-symbol$=":{symbol}"]) .price-cell`},
			},
			Quantity: ProbeChain{
				{Name: "qty", Selector: `[data-name="positions-table"] tr:is([data-symbol="{symbol}"], [data-symbol$=":{symbol}"]) td[data-label="Qty"]`},
				{Name: "size", Selector: `[data-name="positions-table"] tr:is([data-symbol="{symbol}"], [data-symbol$=":{symbol}"]) td[data-label="Size"]`},
				{Name: "legacy-qty-cell", Selector: `.positions-row:is([data-symbol="{symbol}"], [data-symbol$=":{symbol}"]) .qty-cell`},
			},
			Margin: ProbeChain{
				{Name: "position-margin", Selector: `[data-name="positions-table"] tr:is([data-symbol="{symbol}"], [data-symbol$=":{symbol}"]) td[data-label="Margin"]`},
			},
		},
		History: TableSelectors{
			Tab:   `[data-name="order-history-tab"]`,
			Table: `[data-name="order-history-table"]`,
		},
		Account: AccountSelectors{
			Tab: `[data-name="account-summary-tab"]`,
			Balance: ProbeChain{
				{Name: "available-funds", Selector: `[data-name="account-summary"] [data-label="Available Funds"]`},
				{Name: "account-balance", Selector: `[data-name="account-summary"] [data-label="Account Balance"]`},
				{Name: "legacy-balance", Selector: `.account-summary .balance-value`},
			},
			InitialMargin: ProbeChain{
				{Name: "initial-margin", Selector: `[data-name="account-summary"] [data-label="Initial Margin"]`},
				{Name: "margin-used", Selector: `[data-name="account-summary"] [data-label="Margin Used"]`},
			},
		},
		Toasts: ToastSelectors{
			Container: `[data-name="toast"], [role="alert"]`,
			Header:    `[data-name="toast-header"]`,
			RejectionPhrases: []string{
				"rejected",
				"insufficient",
				"not enough",
				"order failed",
				"cannot be placed",
			},
		},
	}
}

// LoadSelectors returns the default catalogue with the YAML file at path
// merged over it. An empty path returns the defaults.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sel, fmt.Errorf("reading selectors file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sel); err != nil {
		return sel, fmt.Errorf("parsing selectors file %s: %w", path, err)
	}
	return sel, nil
}
