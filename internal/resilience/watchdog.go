package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth is the last result of one component check.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"lastCheck"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Check probes one component.
type Check func(ctx context.Context) ComponentHealth

// Alert is raised when a component turns unhealthy or a check panics.
type Alert struct {
	Component string       `json:"component"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// WatchdogConfig holds watchdog configuration.
type WatchdogConfig struct {
	Interval           time.Duration
	CheckTimeout       time.Duration
	MemoryThresholdMB  uint64
	GoroutineThreshold int
}

// DefaultWatchdogConfig returns default configuration.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Interval:           30 * time.Second,
		CheckTimeout:       10 * time.Second,
		MemoryThresholdMB:  500,
		GoroutineThreshold: 1000,
	}
}

// Watchdog runs registered checks on an interval, alongside memory and
// goroutine checks, and keeps the latest result of each.
type Watchdog struct {
	cfg WatchdogConfig
	now func() time.Time

	mu        sync.RWMutex
	checks    map[string]Check
	results   map[string]ComponentHealth
	overall   HealthStatus
	startTime time.Time
	runs      int64
	failures  int64
	onAlert   func(Alert)
}

// NewWatchdog creates a watchdog. Nothing runs until Run is called.
func NewWatchdog(cfg WatchdogConfig) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchdogConfig().Interval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultWatchdogConfig().CheckTimeout
	}
	return &Watchdog{
		cfg:       cfg,
		now:       time.Now,
		checks:    make(map[string]Check),
		results:   make(map[string]ComponentHealth),
		overall:   HealthStatusUnknown,
		startTime: time.Now(),
	}
}

// Register adds or replaces a component check.
func (w *Watchdog) Register(name string, check Check) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checks[name] = check
}

// OnAlert sets the alert callback. It is called outside the watchdog lock.
func (w *Watchdog) OnAlert(fn func(Alert)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onAlert = fn
}

// Run checks immediately and then every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check in parallel and records the results.
func (w *Watchdog) RunOnce(ctx context.Context) {
	w.mu.RLock()
	checks := make(map[string]Check, len(w.checks))
	for k, v := range w.checks {
		checks[k] = v
	}
	w.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.CheckTimeout)
	defer cancel()

	results := make(chan ComponentHealth, len(checks)+2)
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			results <- w.probe(ctx, name, check)
		}(name, check)
	}
	results <- w.checkMemory()
	results <- w.checkGoroutines()
	wg.Wait()
	close(results)

	var alerts []Alert
	w.mu.Lock()
	w.runs++
	overall := HealthStatusHealthy
	for h := range results {
		prev, seen := w.results[h.Name]
		w.results[h.Name] = h
		switch h.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
			w.failures++
			// Alert on transitions only; a component stuck down alerts once.
			if !seen || prev.Status != HealthStatusUnhealthy {
				alerts = append(alerts, Alert{Component: h.Name, Status: h.Status, Message: h.Message, Timestamp: h.LastCheck})
			}
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}
	w.overall = overall
	onAlert := w.onAlert
	w.mu.Unlock()

	if onAlert != nil {
		for _, a := range alerts {
			onAlert(a)
		}
	}
}

// probe runs one check, converting a panic into an unhealthy result.
func (w *Watchdog) probe(ctx context.Context, name string, check Check) (h ComponentHealth) {
	start := w.now()
	defer func() {
		if r := recover(); r != nil {
			h = ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
		}
		h.Name = name
		h.LastCheck = w.now()
		if h.Latency == 0 {
			h.Latency = h.LastCheck.Sub(start)
		}
	}()
	return check(ctx)
}

func (w *Watchdog) checkMemory() ComponentHealth {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	alloc := m.Alloc / 1024 / 1024

	h := ComponentHealth{
		Name:      "memory",
		Status:    HealthStatusHealthy,
		Message:   fmt.Sprintf("Memory usage: %d MB", alloc),
		LastCheck: w.now(),
		Details:   map[string]interface{}{"alloc_mb": alloc, "sys_mb": m.Sys / 1024 / 1024, "num_gc": m.NumGC},
	}
	if w.cfg.MemoryThresholdMB > 0 && alloc > w.cfg.MemoryThresholdMB {
		h.Status = HealthStatusDegraded
		h.Message = fmt.Sprintf("Memory usage high: %d MB", alloc)
	}
	return h
}

func (w *Watchdog) checkGoroutines() ComponentHealth {
	n := runtime.NumGoroutine()
	h := ComponentHealth{
		Name:      "goroutines",
		Status:    HealthStatusHealthy,
		Message:   fmt.Sprintf("Goroutine count: %d", n),
		LastCheck: w.now(),
		Details:   map[string]interface{}{"count": n},
	}
	if w.cfg.GoroutineThreshold > 0 && n > w.cfg.GoroutineThreshold {
		h.Status = HealthStatusDegraded
		h.Message = fmt.Sprintf("High goroutine count: %d", n)
	}
	return h
}

// Snapshot is the watchdog state served by the readiness endpoint.
type Snapshot struct {
	Status     HealthStatus      `json:"status"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components"`
	Runs       int64             `json:"runs"`
	Failures   int64             `json:"failures"`
}

// Snapshot returns the latest results, sorted by component name.
func (w *Watchdog) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	components := make([]ComponentHealth, 0, len(w.results))
	for _, h := range w.results {
		components = append(components, h)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return Snapshot{
		Status:     w.overall,
		Uptime:     w.now().Sub(w.startTime).Round(time.Second).String(),
		Components: components,
		Runs:       w.runs,
		Failures:   w.failures,
	}
}

// Component returns the latest result for one component.
func (w *Watchdog) Component(name string) (ComponentHealth, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.results[name]
	return h, ok
}

// LivenessHandler always answers 200 while the process serves requests.
func (w *Watchdog) LivenessHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte(`{"status":"alive"}`))
	}
}

// ReadinessHandler answers 200 while no component is unhealthy.
func (w *Watchdog) ReadinessHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		snap := w.Snapshot()
		rw.Header().Set("Content-Type", "application/json")
		if snap.Status == HealthStatusUnhealthy || snap.Status == HealthStatusUnknown {
			rw.WriteHeader(http.StatusServiceUnavailable)
		} else {
			rw.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(rw).Encode(snap)
	}
}

// DatabaseCheck reports a store by pinging it.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		h := ComponentHealth{Latency: time.Since(start)}

		switch {
		case err != nil:
			h.Status = HealthStatusUnhealthy
			h.Message = fmt.Sprintf("Database ping failed: %v", err)
		case h.Latency > 100*time.Millisecond:
			h.Status = HealthStatusDegraded
			h.Message = fmt.Sprintf("Database slow: %v", h.Latency)
		default:
			h.Status = HealthStatusHealthy
		}
		return h
	}
}
