package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/user/octoroute/internal/metrics"
	"github.com/user/octoroute/internal/models"
)

const (
	// failureThreshold is the number of consecutive failures before an
	// endpoint is considered unhealthy.
	failureThreshold = 3
	// probeInterval is how often the background prober checks every endpoint.
	probeInterval = 30 * time.Second
	// probeTimeout bounds a single probe request.
	probeTimeout = 5 * time.Second
	// maxProberRestarts is how many times a crashed prober is restarted
	// before the subsystem is declared degraded.
	maxProberRestarts = 5
)

// UnknownEndpointError is returned when a health update names an endpoint
// that was never registered.
type UnknownEndpointError struct {
	Name string
}

func (e *UnknownEndpointError) Error() string {
	return fmt.Sprintf("unknown endpoint %q", e.Name)
}

type endpointHealth struct {
	baseURL             string
	consecutiveFailures int
	healthy             bool
}

// HealthTracker tracks per-endpoint health from request outcomes and from a
// periodic background probe. Endpoints start healthy; three consecutive
// failures flip them unhealthy, one success flips them back.
type HealthTracker struct {
	mu     sync.RWMutex
	states map[string]*endpointHealth

	logger  *zap.Logger
	metrics *metrics.Metrics
	client  *http.Client

	// Supervisor knobs, overridable before Start.
	interval       time.Duration
	restartBackoff time.Duration
	maxRestarts    int
	probeFn        func(ctx context.Context)

	degraded atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHealthTracker registers every configured endpoint as healthy.
func NewHealthTracker(endpoints []models.ModelEndpoint, logger *zap.Logger, m *metrics.Metrics) *HealthTracker {
	states := make(map[string]*endpointHealth, len(endpoints))
	for _, ep := range endpoints {
		states[ep.Name] = &endpointHealth{baseURL: ep.BaseURL, healthy: true}
	}
	h := &HealthTracker{
		states:         states,
		logger:         logger,
		metrics:        m,
		client:         &http.Client{Timeout: probeTimeout},
		interval:       probeInterval,
		restartBackoff: time.Second,
		maxRestarts:    maxProberRestarts,
	}
	h.probeFn = h.probeAll
	return h
}

// MarkSuccess resets the failure streak and revives the endpoint.
func (h *HealthTracker) MarkSuccess(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[name]
	if !ok {
		return &UnknownEndpointError{Name: name}
	}
	if !st.healthy {
		h.logger.Info("endpoint recovered",
			zap.String("endpoint", name),
			zap.Int("failures_before_recovery", st.consecutiveFailures),
		)
	}
	st.consecutiveFailures = 0
	st.healthy = true
	return nil
}

// MarkFailure records one failure; crossing the threshold flips the endpoint
// unhealthy with a single state-change log.
func (h *HealthTracker) MarkFailure(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[name]
	if !ok {
		return &UnknownEndpointError{Name: name}
	}
	st.consecutiveFailures++
	if st.healthy && st.consecutiveFailures >= failureThreshold {
		st.healthy = false
		h.logger.Warn("endpoint marked unhealthy",
			zap.String("endpoint", name),
			zap.Int("consecutive_failures", st.consecutiveFailures),
		)
	}
	return nil
}

// IsHealthy reports endpoint health. Unknown endpoints are unhealthy: a name
// that was never registered must never receive traffic.
func (h *HealthTracker) IsHealthy(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.states[name]
	return ok && st.healthy
}

// Degraded reports whether the background prober gave up after exhausting
// its restart budget.
func (h *HealthTracker) Degraded() bool {
	return h.degraded.Load()
}

// Snapshot returns the current health of every endpoint, for /health.
func (h *HealthTracker) Snapshot() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]bool, len(h.states))
	for name, st := range h.states {
		out[name] = st.healthy
	}
	return out
}

// Start launches the background prober under a supervisor that restarts it
// after a crash, with exponential backoff, up to maxProberRestarts times.
func (h *HealthTracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		for attempt := 0; ; attempt++ {
			crashed := h.runProber(ctx)
			if !crashed || ctx.Err() != nil {
				return
			}
			h.metrics.RecordBackgroundTaskFailure("prober_crash")
			if attempt >= h.maxRestarts {
				h.degraded.Store(true)
				h.logger.Error("health prober exhausted restart budget, health tracking degraded",
					zap.Int("restarts", attempt),
				)
				return
			}
			backoff := time.Duration(1<<attempt) * h.restartBackoff
			h.logger.Warn("health prober crashed, restarting",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			h.metrics.RecordBackgroundTaskFailure("prober_restart")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
}

// runProber loops until the context is cancelled. Returns true if the loop
// exited because of a panic.
func (h *HealthTracker) runProber(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("health prober panic", zap.Any("panic", r))
			crashed = true
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			h.probeFn(ctx)
		}
	}
}

func (h *HealthTracker) probeAll(ctx context.Context) {
	h.mu.RLock()
	targets := make(map[string]string, len(h.states))
	for name, st := range h.states {
		targets[name] = st.baseURL
	}
	h.mu.RUnlock()

	for name, baseURL := range targets {
		ok := h.probe(ctx, baseURL)
		var err error
		if ok {
			err = h.MarkSuccess(name)
		} else {
			err = h.MarkFailure(name)
		}
		if err != nil {
			// Registered names cannot disappear, so this only fires on
			// programming errors; surface it rather than dropping it.
			h.logger.Warn("health probe could not record result",
				zap.String("endpoint", name), zap.Error(err))
			h.metrics.RecordHealthTrackingFailure(name, "unknown_endpoint")
		}
	}
}

// probe issues a HEAD against the endpoint's models listing. The base URL
// already ends in /v1, so the probe path is <base_url>/models.
func (h *HealthTracker) probe(ctx context.Context, baseURL string) bool {
	url := strings.TrimRight(baseURL, "/") + "/models"
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Stop cancels the prober and waits for it to exit.
func (h *HealthTracker) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}
