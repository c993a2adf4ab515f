package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"terminal-trader/internal/config"
	apperrors "terminal-trader/internal/errors"
	"terminal-trader/internal/metrics"
	"terminal-trader/internal/models"
	"terminal-trader/internal/notify"
	"terminal-trader/internal/store"
)

type fakeExecutor struct {
	mu       sync.Mutex
	starts   int
	started  bool
	startErr error
	requests []models.OrderRequest
	result   models.ExecutionResult
	health   models.HealthReport
	shot     []byte
}

func (f *fakeExecutor) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.started = f.startErr == nil
	return f.startErr
}

func (f *fakeExecutor) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// drop simulates a backend that lost its session after a failed restart.
func (f *fakeExecutor) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
}

func (f *fakeExecutor) PlaceMarketOrder(_ context.Context, req models.OrderRequest) models.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result
}

func (f *fakeExecutor) Health(context.Context) models.HealthReport { return f.health }
func (f *fakeExecutor) Close() error                               { return nil }

func (f *fakeExecutor) Screenshot(context.Context) ([]byte, error) {
	if f.shot == nil {
		return nil, apperrors.ErrUnsupported
	}
	return f.shot, nil
}

func (f *fakeExecutor) Navigate(_ context.Context, symbol string) (string, error) {
	return "https://terminal.example.com/chart/?symbol=" + symbol, nil
}

// bareExecutor cannot show or steer a page.
type bareExecutor struct{}

func (bareExecutor) Start(context.Context) error { return nil }
func (bareExecutor) PlaceMarketOrder(context.Context, models.OrderRequest) models.ExecutionResult {
	return models.ExecutionResult{}
}
func (bareExecutor) Health(context.Context) models.HealthReport { return models.HealthReport{} }
func (bareExecutor) Started() bool                              { return true }
func (bareExecutor) Close() error                               { return nil }

func filled() models.ExecutionResult {
	return models.Succeeded(models.ExecutionDetails{Symbol: "EX:ETHUSDT.P", Side: models.Long, EntryPrice: 3150, Quantity: 1, MarginUsed: 315}, []string{"filled"})
}

func newServerUnderTest(t *testing.T, exec *fakeExecutor) (*Server, *store.SQLiteJournal) {
	t.Helper()
	j, err := store.NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	cfg := config.Default()
	cfg.Server.MinConfidence = 60
	cfg.Server.ConsensusSize = 2
	return New(cfg, exec, Options{Journal: j, Metrics: metrics.New(false), Logger: zerolog.Nop()}), j
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, bytes.NewBufferString(body)))
	return rec
}

func TestTradePlacesAndJournals(t *testing.T) {
	exec := &fakeExecutor{result: filled()}
	s, j := newServerUnderTest(t, exec)

	rec := do(t, s, "POST", "/trade", `{"symbol":"EX:ETHUSDT.P","direction":"long","size":1,"takeProfit":3500,"stopLoss":3000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var res models.ExecutionResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.ExecutionDetails.EntryPrice != 3150 {
		t.Errorf("result = %+v", res)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}

	req := exec.requests[0]
	if req.Direction != models.Long || req.Quantity != 1 || *req.TakeProfit != 3500 {
		t.Errorf("order request = %+v", req)
	}

	records, err := j.RecentExecutions(context.Background(), store.ExecutionFilter{})
	if err != nil || len(records) != 1 {
		t.Fatalf("journal = %v, %v", records, err)
	}
	if records[0].Outcome != "filled" || records[0].Source != "trade" || records[0].RequestID != rec.Header().Get("X-Request-ID") {
		t.Errorf("journal record = %+v", records[0])
	}
}

func TestTradeAcceptsAutoSize(t *testing.T) {
	exec := &fakeExecutor{result: filled()}
	s, _ := newServerUnderTest(t, exec)

	rec := do(t, s, "POST", "/trade", `{"direction":"SELL","size":"auto"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if req := exec.requests[0]; !req.IsAutoSize() || req.Direction != models.Short {
		t.Errorf("order request = %+v", req)
	}
}

func TestTradeRejectsBadInput(t *testing.T) {
	exec := &fakeExecutor{result: filled()}
	s, _ := newServerUnderTest(t, exec)

	for _, body := range []string{
		`not json`,
		`{"direction":"sideways","size":1}`,
		`{"direction":"LONG","size":1,"stopLoss":-5}`,
		`{"direction":"LONG","size":"lots"}`,
	} {
		if rec := do(t, s, "POST", "/trade", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}
	if len(exec.requests) != 0 {
		t.Error("invalid requests must not reach the executor")
	}
}

func TestConsensusMapping(t *testing.T) {
	cases := []struct {
		name     string
		query    string
		body     string
		skipped  bool
		wantDir  models.Direction
		wantSize float64
	}{
		{"buy fixed default", "", `{"verdict":"BUY","confidence":75}`, false, models.Long, 2},
		{"short explicit size", "?sizing=fixed&size=3", `{"verdict":"short","confidence":90}`, false, models.Short, 3},
		{"auto", "?sizing=auto", `{"verdict":"LONG","confidence":60}`, false, models.Long, models.AutoSize},
		{"hold", "", `{"verdict":"HOLD","confidence":99}`, true, "", 0},
		{"low confidence", "", `{"verdict":"BUY","confidence":59.9}`, true, "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := &fakeExecutor{result: filled()}
			s, _ := newServerUnderTest(t, exec)

			rec := do(t, s, "POST", "/execute-consensus"+tc.query, tc.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			var resp ConsensusResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Skipped != tc.skipped {
				t.Fatalf("skipped = %v, want %v (%s)", resp.Skipped, tc.skipped, resp.Reason)
			}
			if tc.skipped {
				if len(exec.requests) != 0 {
					t.Error("no-trade verdict reached the executor")
				}
				return
			}
			req := exec.requests[0]
			if req.Direction != tc.wantDir || req.Quantity != tc.wantSize {
				t.Errorf("order request = %+v", req)
			}
		})
	}
}

func TestConsensusRejectsBadSizing(t *testing.T) {
	s, _ := newServerUnderTest(t, &fakeExecutor{result: filled()})
	if rec := do(t, s, "POST", "/execute-consensus?sizing=martingale", `{"verdict":"BUY","confidence":90}`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestReadinessRetriesFailedStart(t *testing.T) {
	exec := &fakeExecutor{result: filled(), startErr: errors.New("chrome failed to start")}
	s, _ := newServerUnderTest(t, exec)

	if rec := do(t, s, "POST", "/trade", `{"direction":"LONG","size":1}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	exec.startErr = nil
	if rec := do(t, s, "POST", "/trade", `{"direction":"LONG","size":1}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry", rec.Code)
	}
	do(t, s, "POST", "/trade", `{"direction":"LONG","size":1}`)
	if exec.starts != 2 {
		t.Errorf("starts = %d, want 2 (failed, then once)", exec.starts)
	}
}

func TestReadinessStartsExecutorAgainAfterSessionLoss(t *testing.T) {
	exec := &fakeExecutor{result: filled()}
	s, _ := newServerUnderTest(t, exec)

	if rec := do(t, s, "POST", "/trade", `{"direction":"LONG","size":1}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	exec.drop()
	if rec := do(t, s, "POST", "/trade", `{"direction":"LONG","size":1}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after the session was lost", rec.Code)
	}
	if exec.starts != 2 {
		t.Errorf("starts = %d, want 2", exec.starts)
	}
	if len(exec.requests) != 2 {
		t.Errorf("placements = %d, want 2", len(exec.requests))
	}
}

func TestReadinessSingleStartUnderConcurrency(t *testing.T) {
	exec := &fakeExecutor{result: filled()}
	r := newReadiness(exec)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.ensure(context.Background())
		}()
	}
	wg.Wait()
	if exec.starts != 1 {
		t.Errorf("starts = %d, want 1", exec.starts)
	}
}

func TestHealth(t *testing.T) {
	exec := &fakeExecutor{health: models.HealthReport{Backend: "terminal", Ready: true, Connection: models.ConnectionValid, CheckedAt: time.Now()}}
	s, _ := newServerUnderTest(t, exec)

	if rec := do(t, s, "GET", "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before start status = %d, want 503", rec.Code)
	}
	s.Warmup(context.Background())
	rec := do(t, s, "GET", "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"VALID"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}
}

func TestScreenshotAndNavigate(t *testing.T) {
	exec := &fakeExecutor{shot: []byte{0x89, 'P', 'N', 'G'}}
	s, _ := newServerUnderTest(t, exec)

	rec := do(t, s, "GET", "/screenshot", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" || rec.Body.Len() != 4 {
		t.Errorf("screenshot = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	rec = do(t, s, "POST", "/navigate", `{"symbol":"EX:BTCUSDT.P"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "EX:BTCUSDT.P") {
		t.Errorf("navigate = %d %s", rec.Code, rec.Body)
	}

	exec.shot = nil
	if rec := do(t, s, "GET", "/screenshot", ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("unsupported screenshot status = %d, want 501", rec.Code)
	}
}

func TestInspectorMissing(t *testing.T) {
	cfg := config.Default()
	s := New(cfg, bareExecutor{}, Options{Logger: zerolog.Nop()})
	if rec := do(t, s, "GET", "/screenshot", ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestExecutionsAndMetrics(t *testing.T) {
	exec := &fakeExecutor{result: models.Failed(errors.New("order rejected: insufficient margin"), nil)}
	s, _ := newServerUnderTest(t, exec)
	do(t, s, "POST", "/trade", `{"direction":"LONG","size":1}`)

	rec := do(t, s, "GET", "/executions?outcome=rejected", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "insufficient margin") {
		t.Errorf("executions = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, s, "GET", "/metrics", "")
	if !strings.Contains(rec.Body.String(), `trader_http_requests_total{code="200",route="POST /trade"} 1`) {
		t.Errorf("metrics missing request count:\n%s", rec.Body)
	}
}

func TestWatchdogChecksExecutor(t *testing.T) {
	exec := &fakeExecutor{health: models.HealthReport{Backend: "terminal", Ready: true, Connection: models.ConnectionValid}}
	s, _ := newServerUnderTest(t, exec)
	ctx := context.Background()

	s.watchdog.RunOnce(ctx)
	if h, _ := s.watchdog.Component("executor"); h.Status != "DEGRADED" {
		t.Errorf("executor before start = %+v", h)
	}
	if h, _ := s.watchdog.Component("journal"); h.Status != "HEALTHY" {
		t.Errorf("journal = %+v", h)
	}

	s.Warmup(ctx)
	s.watchdog.RunOnce(ctx)
	if rec := do(t, s, "GET", "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d %s", rec.Code, rec.Body)
	}

	exec.health = models.HealthReport{Backend: "terminal", Connection: models.ConnectionRestartNeeded}
	s.watchdog.RunOnce(ctx)
	if rec := do(t, s, "GET", "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with dead surface = %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/metrics", ""); !strings.Contains(rec.Body.String(), `trader_watchdog_alerts_total{component="executor"} 1`) {
		t.Error("watchdog alert not counted")
	}
}

type recordingChannel struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Send(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func TestPlacementNotifiesOperator(t *testing.T) {
	exec := &fakeExecutor{result: filled()}
	s, _ := newServerUnderTest(t, exec)
	ch := &recordingChannel{}
	s.notifier = notify.New(config.NotifyConfig{}, "")
	s.notifier.AddChannel(ch)

	if rec := do(t, s, "POST", "/trade", `{"direction":"short","size":1}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	s.notifyWG.Wait()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(ch.sent))
	}
	if n := ch.sent[0]; n.Type != notify.NotificationFill || !strings.Contains(n.Title, "SHORT") {
		t.Errorf("notification = %+v", n)
	}
}
