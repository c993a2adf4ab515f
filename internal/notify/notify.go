// Package notify tells an operator about placements and health alerts
// through webhook and Telegram channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"terminal-trader/internal/config"
	"terminal-trader/internal/models"
	"terminal-trader/pkg/utils"
)

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationFill      NotificationType = "fill"
	NotificationRejection NotificationType = "rejection"
	NotificationFailure   NotificationType = "failure"
	NotificationAlert     NotificationType = "alert"
)

// Level filters which notifications are sent.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades" // fills and rejections
	LevelErrorsOnly Level = "errors" // everything but fills
)

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notifier fans notifications out to every configured channel.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	level    Level
	now      func() time.Time
}

// New builds a Notifier from configuration. With no channel configured it
// sends nothing.
func New(cfg config.NotifyConfig, token string) *Notifier {
	n := &Notifier{level: Level(cfg.Level), now: time.Now}
	if n.level == "" {
		n.level = LevelAll
	}
	if cfg.WebhookURL != "" {
		n.channels = append(n.channels, NewWebhook(cfg.WebhookURL, cfg.Timeout))
	}
	if token != "" && cfg.TelegramChatID != "" {
		n.channels = append(n.channels, NewTelegram(cfg.TelegramAPIURL, token, cfg.TelegramChatID, cfg.Timeout))
	}
	return n
}

// AddChannel adds a notification channel.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool {
	if n == nil {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.channels) > 0
}

func (n *Notifier) shouldSend(t NotificationType) bool {
	switch n.level {
	case LevelTradesOnly:
		return t == NotificationFill || t == NotificationRejection
	case LevelErrorsOnly:
		return t != NotificationFill
	default:
		return true
	}
}

// Send delivers to every channel and joins their errors. A nil Notifier
// sends nothing.
func (n *Notifier) Send(ctx context.Context, msg Notification) error {
	if n == nil || !n.shouldSend(msg.Type) {
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = n.now()
	}

	n.mu.RLock()
	channels := n.channels
	n.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Placement reports a journaled placement.
func (n *Notifier) Placement(ctx context.Context, rec models.ExecutionRecord) error {
	msg := Notification{
		Timestamp: rec.CreatedAt,
		Data: map[string]interface{}{
			"id":        rec.ID,
			"symbol":    rec.Symbol,
			"direction": rec.Direction,
			"outcome":   rec.Outcome,
			"backend":   rec.Backend,
		},
	}

	switch {
	case rec.Success && rec.Details != nil:
		d := rec.Details
		msg.Type = NotificationFill
		msg.Title = fmt.Sprintf("%s %s filled", rec.Direction, rec.Symbol)
		msg.Message = fmt.Sprintf("Qty %s @ %s, margin %s",
			utils.FormatQuantity(d.Quantity), utils.FormatPrice(d.EntryPrice), utils.FormatUSD(d.MarginUsed))
		if d.LowConfidence {
			msg.Message += "\nEntry price not confirmed, check the terminal."
		}
		msg.Data["entryPrice"] = d.EntryPrice
		msg.Data["quantity"] = d.Quantity
	case rec.Success:
		msg.Type = NotificationFill
		msg.Title = fmt.Sprintf("%s %s filled", rec.Direction, rec.Symbol)
	case rec.Outcome == "rejected":
		msg.Type = NotificationRejection
		msg.Title = fmt.Sprintf("%s %s rejected", rec.Direction, rec.Symbol)
		msg.Message = rec.Error
	default:
		msg.Type = NotificationFailure
		msg.Title = fmt.Sprintf("%s %s %s", rec.Direction, rec.Symbol, rec.Outcome)
		msg.Message = rec.Error
		if rec.Outcome == "indeterminate" {
			msg.Message += "\nThe order may have filled; check positions before retrying."
		}
	}
	return n.Send(ctx, msg)
}

// Alert reports a component health alert.
func (n *Notifier) Alert(ctx context.Context, component, status, message string) error {
	return n.Send(ctx, Notification{
		Type:    NotificationAlert,
		Title:   fmt.Sprintf("%s is %s", component, strings.ToLower(status)),
		Message: message,
		Data:    map[string]interface{}{"component": component, "status": status},
	})
}

// Webhook posts notifications as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook channel.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}
	return post(ctx, w.client, w.url, body, "sending webhook")
}

// Telegram sends notifications through a bot.
type Telegram struct {
	apiURL string
	token  string
	chatID string
	client *http.Client
}

// NewTelegram creates a Telegram channel. apiURL defaults to the public
// Bot API.
func NewTelegram(apiURL, token, chatID string, timeout time.Duration) *Telegram {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{apiURL: strings.TrimRight(apiURL, "/"), token: token, chatID: chatID, client: &http.Client{Timeout: timeout}}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("<b>%s</b>", escapeHTML(n.Title))
	if n.Message != "" {
		text += "\n\n" + escapeHTML(n.Message)
	}
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}
	return post(ctx, t.client, fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token), body, "sending telegram message")
}

func post(ctx context.Context, client *http.Client, url string, body []byte, what string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TerminalTrader/1.0")

	resp, err := client.Do(req)
	if err != nil {
		// The error text can carry the bot token in the URL.
		return fmt.Errorf("%s: request failed", what)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", what, resp.StatusCode)
	}
	return nil
}

func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
