package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/metrics"
	"github.com/user/octoroute/internal/models"
)

func fastTierConfig(urls ...string) *config.Config {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	cfg.Server.RequestTimeoutSeconds = 30
	for i, u := range urls {
		cfg.Models.Fast = append(cfg.Models.Fast, models.ModelEndpoint{
			Name:        fmt.Sprintf("fast-%d", i+1),
			BaseURL:     u,
			MaxTokens:   1024,
			Temperature: 0.7,
			Weight:      1,
			Priority:    1,
		})
	}
	return cfg
}

func dispatcherFixture(t *testing.T, fastURLs ...string) (*Dispatcher, *ModelSelector) {
	t.Helper()
	d, selector := dispatcherWithMetrics(t, nil, fastURLs...)
	return d, selector
}

func dispatcherWithMetrics(t *testing.T, m *metrics.Metrics, fastURLs ...string) (*Dispatcher, *ModelSelector) {
	t.Helper()
	cfg := fastTierConfig(fastURLs...)
	tracker := NewHealthTracker(cfg.Models.Fast, zap.NewNop(), m)
	selector := NewModelSelector(cfg, tracker, zap.NewNop())
	upstream := NewUpstreamClient(zap.NewNop())
	return NewDispatcher(cfg, selector, upstream, m, zap.NewNop()), selector
}

// counterSum adds every sample of one counter family.
func counterSum(t *testing.T, m *metrics.Metrics, family string) float64 {
	t.Helper()
	families, err := m.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != family {
			continue
		}
		total := 0.0
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestExecuteReturnsContent(t *testing.T) {
	server := completionServer(t, "it works")
	d, _ := dispatcherFixture(t, server.URL+"/v1")

	result, err := d.Execute(context.Background(), models.TierFast, "hello", "req-1", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "it works", result.Content)
	assert.Equal(t, models.TierFast, result.Tier)
	assert.NotNil(t, result.Endpoint)
	assert.Empty(t, result.Warnings)
}

func TestExecuteRetriesOnAlternativeEndpoint(t *testing.T) {
	good := completionServer(t, "recovered")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)

	d, selector := dispatcherFixture(t, bad.URL+"/v1", good.URL+"/v1")

	result, err := d.Execute(context.Background(), models.TierFast, "hello", "req-1", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Content)
	// Whichever endpoint failed got one failure mark at most; health flips
	// only at three.
	assert.True(t, selector.Health().IsHealthy("fast-1"))
	assert.True(t, selector.Health().IsHealthy("fast-2"))
}

func TestExecuteExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)

	d, _ := dispatcherFixture(t, bad.URL+"/v1")

	_, err := d.Execute(context.Background(), models.TierFast, "hello", "req-1", QueryOptions{})
	require.Error(t, err)
	// The single endpoint is excluded after its first failure, so it is hit
	// exactly once even though three attempts are allowed.
	assert.Equal(t, int32(1), calls.Load())

	ae := models.AsAppError(err)
	assert.Equal(t, models.ErrModelQueryFailed, ae.Kind)
}

func TestExecuteRetriesAfterEndpointRecovery(t *testing.T) {
	good := completionServer(t, "back online")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)

	d, selector := dispatcherFixture(t, bad.URL+"/v1", good.URL+"/v1")
	for i := 0; i < 3; i++ {
		require.NoError(t, selector.Health().MarkFailure("fast-2"))
	}

	// fast-1 fails and is excluded, leaving nothing selectable for the
	// moment. The attempt loop must keep backing off rather than give up,
	// so an endpoint revived in the meantime can serve a later attempt.
	go func() {
		time.Sleep(250 * time.Millisecond)
		selector.Health().MarkSuccess("fast-2")
	}()

	result, err := d.Execute(context.Background(), models.TierFast, "hello", "req-1", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "back online", result.Content)
	assert.Equal(t, "fast-2", result.Endpoint.Name)
}

func TestExecuteNoEndpointsConfigured(t *testing.T) {
	server := completionServer(t, "x")
	d, _ := dispatcherFixture(t, server.URL+"/v1")

	_, err := d.Execute(context.Background(), models.TierDeep, "hello", "req-1", QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, models.ErrConfig, models.AsAppError(err).Kind)
}

func TestExecuteOnPinnedEndpoint(t *testing.T) {
	server := completionServer(t, "pinned answer")
	d, selector := dispatcherFixture(t, server.URL+"/v1")

	tier, ep, ok := selectorEndpoint(selector)
	require.True(t, ok)

	result, err := d.ExecuteOn(context.Background(), tier, ep, "hello", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "pinned answer", result.Content)
	assert.Equal(t, ep.Name, result.Endpoint.Name)
}

func selectorEndpoint(s *ModelSelector) (models.Tier, *models.ModelEndpoint, bool) {
	ep := s.Select(models.TierFast, models.NewExclusionSet())
	if ep == nil {
		return "", nil, false
	}
	return models.TierFast, ep, true
}

func TestOpenStreamPinsEndpoint(t *testing.T) {
	server := streamServer(t, "a", "b", "c")
	d, _ := dispatcherFixture(t, server.URL+"/v1")

	handle, err := d.OpenStream(context.Background(), models.TierFast, "hello", "req-1", QueryOptions{})
	require.NoError(t, err)
	require.NotNil(t, handle.Endpoint)

	content, err := CollectStream(context.Background(), handle.Chunks)
	require.NoError(t, err)
	assert.Equal(t, "abc", content)
}

func TestStreamSuccessRecordedOnCompletionOnly(t *testing.T) {
	server := streamServer(t, "hi")
	m := metrics.New()
	d, _ := dispatcherWithMetrics(t, m, server.URL+"/v1")

	handle, err := d.OpenStream(context.Background(), models.TierFast, "hello", "req-1", QueryOptions{})
	require.NoError(t, err)

	// Accepting the connection proves nothing about the stream yet.
	assert.Equal(t, 0.0, counterSum(t, m, "octoroute_model_invocations_total"))

	_, err = CollectStream(context.Background(), handle.Chunks)
	require.NoError(t, err)

	warnings := d.CompleteStream(handle)
	assert.Empty(t, warnings)
	assert.Equal(t, 1.0, counterSum(t, m, "octoroute_model_invocations_total"))
}

func TestOpenStreamConnectionFailureMarksEndpoint(t *testing.T) {
	d, selector := dispatcherFixture(t, "http://127.0.0.1:1/v1")

	_, err := d.OpenStream(context.Background(), models.TierFast, "hello", "req-1", QueryOptions{})
	require.Error(t, err)

	// One connection failure per attempt; the endpoint is excluded after
	// the first, so the streak stays below the unhealthy threshold.
	assert.True(t, selector.Health().IsHealthy("fast-1"))
}

func TestMarkFailureSurfacesTrackingProblemAsWarning(t *testing.T) {
	server := completionServer(t, "x")
	d, _ := dispatcherFixture(t, server.URL+"/v1")

	warnings := d.markFailure(&models.ModelEndpoint{Name: "ghost"})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "ghost")

	warnings = d.markSuccess(&models.ModelEndpoint{Name: "ghost"})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "ghost")
}
