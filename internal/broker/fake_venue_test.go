package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"terminal-trader/internal/config"
)

const (
	testAPIKey = "key-123"
	// base64 of "venue-secret"
	testSecret = "dmVudWUtc2VjcmV0"
)

// fakeVenue is an in-memory futures API that verifies every signature.
type fakeVenue struct {
	t *testing.T

	mu          sync.Mutex
	positions   []OpenPosition
	accounts    map[string]Account
	ticker      Ticker
	orders      []url.Values
	sendStatus  func(form url.Values) SendStatus
	failWith    int // HTTP status for every call when non-zero
	badSigns    int
	lastNonce   int64
	nonceErrors int
}

func newFakeVenue(t *testing.T) (*fakeVenue, *httptest.Server) {
	v := &fakeVenue{
		t:        t,
		accounts: map[string]Account{"flex": {Type: "multiCollateralMarginAccount", AvailableMargin: 10_000}},
		ticker:   Ticker{Symbol: "PF_ETHUSD", Last: 2000},
	}
	v.sendStatus = func(form url.Values) SendStatus {
		return SendStatus{
			OrderID: "ord-" + strconv.Itoa(len(v.orders)),
			Status:  "placed",
			OrderEvents: []OrderEvent{
				{Type: "EXECUTION", Price: 3150, Amount: 1},
			},
		}
	}
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	return v, srv
}

func expectedAuthent(path, nonce, postData string) string {
	secret, _ := base64.StdEncoding.DecodeString(testSecret)
	digest := sha256.Sum256([]byte(postData + nonce + path))
	mac := hmac.New(sha512.New, secret)
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (v *fakeVenue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failWith != 0 {
		http.Error(w, "unavailable", v.failWith)
		return
	}

	var postData string
	if r.Method == http.MethodGet {
		postData = r.URL.RawQuery
	} else {
		body, _ := io.ReadAll(r.Body)
		postData = string(body)
	}

	if !strings.HasPrefix(r.URL.Path, pathTickers) {
		nonce := r.Header.Get("Nonce")
		if r.Header.Get("APIKey") != testAPIKey || r.Header.Get("Authent") != expectedAuthent(r.URL.Path, nonce, postData) {
			v.badSigns++
			writeJSON(w, map[string]interface{}{"result": "error", "error": "authenticationError"})
			return
		}
		n, _ := strconv.ParseInt(nonce, 10, 64)
		if n <= v.lastNonce {
			v.nonceErrors++
		}
		v.lastNonce = n
	}

	switch {
	case r.URL.Path == pathAccounts:
		writeJSON(w, map[string]interface{}{"result": "success", "accounts": v.accounts})
	case r.URL.Path == pathOpenPositions:
		writeJSON(w, map[string]interface{}{"result": "success", "openPositions": v.positions})
	case strings.HasPrefix(r.URL.Path, pathTickers):
		writeJSON(w, map[string]interface{}{"result": "success", "ticker": v.ticker})
	case r.URL.Path == pathSendOrder:
		form, _ := url.ParseQuery(postData)
		v.orders = append(v.orders, form)
		st := v.sendStatus(form)
		if st.Placed() && form.Get("orderType") == string(OrderMarket) {
			price, size, _ := st.Fill()
			if size > 0 {
				side := "long"
				if form.Get("side") == "sell" {
					side = "short"
				}
				v.positions = append(v.positions, OpenPosition{Side: side, Symbol: form.Get("symbol"), Price: price, Size: size})
			}
		}
		writeJSON(w, map[string]interface{}{"result": "success", "sendStatus": st})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (v *fakeVenue) orderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

func newTestClient(t *testing.T, baseURL string) *FuturesClient {
	t.Helper()
	c, err := NewFuturesClient(FuturesConfig{
		BaseURL:          baseURL,
		APIKey:           testAPIKey,
		APISecret:        testSecret,
		Timeout:          2 * time.Second,
		FailureThreshold: 2,
		BreakerTimeout:   time.Minute,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func restTestConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Backend.Kind = "rest"
	cfg.Backend.RESTBaseURL = baseURL
	cfg.Terminal.DefaultSymbol = "PF_ETHUSD"
	cfg.Sizing = config.SizingConfig{Mode: "margin", UsableFraction: 0.9, MaxMargin: 1000, ContractSize: 1, Leverage: 10}
	return cfg
}
