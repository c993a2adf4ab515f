package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/resilience"
	"terminal-trader/pkg/utils"
)

// Endpoint paths, relative to the configured base URL. The signature covers
// the path exactly as written here.
const (
	pathSendOrder     = "/api/v3/sendorder"
	pathAccounts      = "/api/v3/accounts"
	pathOpenPositions = "/api/v3/openpositions"
	pathTickers       = "/api/v3/tickers/"
)

// FuturesConfig configures the signed REST client.
type FuturesConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string // base64
	Timeout   time.Duration

	FailureThreshold int
	BreakerTimeout   time.Duration
}

// FuturesClient is a signed client for a derivatives REST API. Every call
// goes through one circuit breaker; reads are retried, order entry is not.
type FuturesClient struct {
	baseURL string
	apiKey  string
	secret  []byte
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	nonceMu   sync.Mutex
	lastNonce int64
	now       func() time.Time
}

// NewFuturesClient validates credentials and builds a client.
func NewFuturesClient(cfg FuturesConfig, logger zerolog.Logger) (*FuturesClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: REST base URL is required", apperrors.ErrConfigInvalid)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: REST API key and secret are required", apperrors.ErrConfigInvalid)
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("%w: REST API secret is not base64: %v", apperrors.ErrConfigInvalid, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	logger = logger.With().Str("component", "futures_client").Logger()
	bcfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold > 0 {
		bcfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.BreakerTimeout > 0 {
		bcfg.Timeout = cfg.BreakerTimeout
	}
	bcfg.IsFailure = isOutage
	bcfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		logger.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state change")
	}

	return &FuturesClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		secret:  secret,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewCircuitBreaker("rest", bcfg),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// isOutage reports whether err says the venue is unreachable rather than
// answering. Rejections and 4xx answers leave the breaker alone.
func isOutage(err error) bool {
	var be *apperrors.BrokerError
	if apperrors.As(err, &be) {
		return be.Code == "http" || strings.HasPrefix(be.Code, "5")
	}
	return true
}

// Breaker exposes the circuit breaker state for health reporting.
func (c *FuturesClient) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Sign computes the Authent header value:
// base64(HMAC-SHA512(secret, SHA-256(postData + nonce + path))).
func (c *FuturesClient) Sign(path, nonce, postData string) string {
	digest := sha256.Sum256([]byte(postData + nonce + path))
	mac := hmac.New(sha512.New, c.secret)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// nonce returns a strictly increasing millisecond nonce.
func (c *FuturesClient) nonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := c.now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// envelope is the common part of every response.
type envelope struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (c *FuturesClient) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	postData := params.Encode()
	target := c.baseURL + path

	var body io.Reader
	if method == http.MethodGet {
		if postData != "" {
			target += "?" + postData
		}
	} else {
		body = strings.NewReader(postData)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		nonce := c.nonce()
		req.Header.Set("APIKey", c.apiKey)
		req.Header.Set("Nonce", nonce)
		req.Header.Set("Authent", c.Sign(path, nonce, postData))
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewBrokerError("http", method+" "+path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperrors.NewBrokerError("http", "reading response", err)
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).
		Dur("latency", c.now().Sub(start)).Msg("REST call")

	if resp.StatusCode/100 != 2 {
		return apperrors.NewBrokerError(strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(raw)), nil)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.NewBrokerError("decode", "malformed response", err)
	}
	if env.Result == "error" {
		return apperrors.NewBrokerError("api", env.Error, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.NewBrokerError("decode", "malformed response", err)
	}
	return nil
}

// readRetry is the retry policy for idempotent reads.
func readRetry() utils.RetryConfig {
	cfg := utils.DefaultRetryConfig()
	cfg.ShouldRetry = func(err error) bool {
		return !apperrors.Is(err, apperrors.ErrCircuitOpen) && isOutage(err)
	}
	return cfg
}

func get[T any](ctx context.Context, c *FuturesClient, path string, params url.Values, signed bool) (T, error) {
	return utils.RetryWithResult(ctx, readRetry(), func() (T, error) {
		return resilience.ExecuteWithResult(c.breaker, ctx, func(ctx context.Context) (T, error) {
			var out T
			err := c.do(ctx, http.MethodGet, path, params, signed, &out)
			return out, err
		})
	})
}

// OrderType is the venue's order type code.
type OrderType string

const (
	OrderMarket     OrderType = "mkt"
	OrderStop       OrderType = "stp"
	OrderTakeProfit OrderType = "take_profit"
)

// SendOrderRequest is one order to submit.
type SendOrderRequest struct {
	Type       OrderType
	Symbol     string
	Side       string // "buy" or "sell"
	Size       float64
	StopPrice  float64
	ReduceOnly bool
	ClientID   string
}

func (r SendOrderRequest) values() url.Values {
	v := url.Values{}
	v.Set("orderType", string(r.Type))
	v.Set("symbol", r.Symbol)
	v.Set("side", r.Side)
	v.Set("size", strconv.FormatFloat(r.Size, 'f', -1, 64))
	if r.StopPrice > 0 {
		v.Set("stopPrice", strconv.FormatFloat(r.StopPrice, 'f', -1, 64))
	}
	if r.ReduceOnly {
		v.Set("reduceOnly", "true")
	}
	if r.ClientID != "" {
		v.Set("cliOrdId", r.ClientID)
	}
	return v
}

// OrderEvent is one event in a send status. EXECUTION events carry fills.
type OrderEvent struct {
	Type   string   `json:"type"`
	Price  float64  `json:"price"`
	Amount float64  `json:"amount"`
	Fee    *float64 `json:"fee,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// SendStatus is the venue's verdict on a submitted order.
type SendStatus struct {
	OrderID      string       `json:"order_id"`
	Status       string       `json:"status"`
	ReceivedTime string       `json:"receivedTime"`
	OrderEvents  []OrderEvent `json:"orderEvents"`
}

// Placed reports whether the venue accepted the order.
func (s SendStatus) Placed() bool {
	return s.Status == "placed"
}

// Fill aggregates the EXECUTION events into a size-weighted average price,
// the total size and the summed fee.
func (s SendStatus) Fill() (price, size float64, fee *float64) {
	var notional, fees float64
	hasFee := false
	for _, ev := range s.OrderEvents {
		if ev.Type != "EXECUTION" || ev.Amount <= 0 {
			continue
		}
		notional += ev.Price * ev.Amount
		size += ev.Amount
		if ev.Fee != nil {
			fees += *ev.Fee
			hasFee = true
		}
	}
	if size > 0 {
		price = notional / size
	}
	if hasFee {
		fee = &fees
	}
	return price, size, fee
}

// SendOrder submits one order. It is never retried: a lost response is
// resolved by reading positions, not by sending again.
func (c *FuturesClient) SendOrder(ctx context.Context, r SendOrderRequest) (SendStatus, error) {
	var resp struct {
		SendStatus SendStatus `json:"sendStatus"`
	}
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, pathSendOrder, r.values(), true, &resp)
	})
	return resp.SendStatus, err
}

// Account is one margin account.
type Account struct {
	Type            string  `json:"type"`
	Currency        string  `json:"currency,omitempty"`
	BalanceValue    float64 `json:"balanceValue"`
	AvailableMargin float64 `json:"availableMargin"`
	InitialMargin   float64 `json:"initialMargin"`
}

// GetAccounts returns the accounts keyed by name.
func (c *FuturesClient) GetAccounts(ctx context.Context) (map[string]Account, error) {
	resp, err := get[struct {
		Accounts map[string]Account `json:"accounts"`
	}](ctx, c, pathAccounts, nil, true)
	return resp.Accounts, err
}

// OpenPosition is an open position.
type OpenPosition struct {
	Side   string  `json:"side"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
}

// GetOpenPositions returns all open positions.
func (c *FuturesClient) GetOpenPositions(ctx context.Context) ([]OpenPosition, error) {
	resp, err := get[struct {
		OpenPositions []OpenPosition `json:"openPositions"`
	}](ctx, c, pathOpenPositions, nil, true)
	return resp.OpenPositions, err
}

// Ticker is the top of book for one instrument.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	MarkPrice float64 `json:"markPrice"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
}

// GetTicker reads the public ticker for symbol.
func (c *FuturesClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	resp, err := get[struct {
		Ticker Ticker `json:"ticker"`
	}](ctx, c, pathTickers+url.PathEscape(symbol), nil, false)
	return resp.Ticker, err
}
