package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/models"
)

type testEndpoint struct {
	name     string
	weight   float64
	priority int
}

// selectorConfig builds a config directly so individual tiers can stay
// empty, which Parse would reject.
func selectorConfig(fast, balanced, deep []testEndpoint) *config.Config {
	build := func(eps []testEndpoint) []models.ModelEndpoint {
		out := make([]models.ModelEndpoint, 0, len(eps))
		for _, ep := range eps {
			out = append(out, models.ModelEndpoint{
				Name:        ep.name,
				BaseURL:     "http://localhost:9/v1",
				MaxTokens:   1024,
				Temperature: 0.7,
				Weight:      ep.weight,
				Priority:    ep.priority,
			})
		}
		return out
	}
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	cfg.Server.RequestTimeoutSeconds = 30
	cfg.Models.Fast = build(fast)
	cfg.Models.Balanced = build(balanced)
	cfg.Models.Deep = build(deep)
	return cfg
}

func newTestSelector(t *testing.T, fast, balanced, deep []testEndpoint) (*ModelSelector, *HealthTracker) {
	t.Helper()
	cfg := selectorConfig(fast, balanced, deep)
	all := append(append(append([]models.ModelEndpoint(nil),
		cfg.Models.Fast...), cfg.Models.Balanced...), cfg.Models.Deep...)
	tracker := NewHealthTracker(all, zap.NewNop(), nil)
	return NewModelSelector(cfg, tracker, zap.NewNop()), tracker
}

func TestSelectSingleEndpoint(t *testing.T) {
	s, _ := newTestSelector(t, []testEndpoint{{"f1", 1, 1}}, nil, nil)
	ep := s.Select(models.TierFast, models.NewExclusionSet())
	require.NotNil(t, ep)
	assert.Equal(t, "f1", ep.Name)
}

func TestSelectEmptyTierReturnsNil(t *testing.T) {
	s, _ := newTestSelector(t, []testEndpoint{{"f1", 1, 1}}, nil, nil)
	assert.Nil(t, s.Select(models.TierDeep, models.NewExclusionSet()))
}

func TestSelectSkipsUnhealthy(t *testing.T) {
	s, tracker := newTestSelector(t, []testEndpoint{{"f1", 1, 1}, {"f2", 1, 1}}, nil, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.MarkFailure("f1"))
	}

	for i := 0; i < 20; i++ {
		ep := s.Select(models.TierFast, models.NewExclusionSet())
		require.NotNil(t, ep)
		assert.Equal(t, "f2", ep.Name)
	}
}

func TestSelectSkipsExcluded(t *testing.T) {
	s, _ := newTestSelector(t, []testEndpoint{{"f1", 1, 1}, {"f2", 1, 1}}, nil, nil)
	excluded := models.NewExclusionSet()
	excluded.Add("f2")

	for i := 0; i < 20; i++ {
		ep := s.Select(models.TierFast, excluded)
		require.NotNil(t, ep)
		assert.Equal(t, "f1", ep.Name)
	}
}

func TestSelectAllExcludedReturnsNil(t *testing.T) {
	s, _ := newTestSelector(t, []testEndpoint{{"f1", 1, 1}}, nil, nil)
	excluded := models.NewExclusionSet()
	excluded.Add("f1")
	assert.Nil(t, s.Select(models.TierFast, excluded))
}

func TestSelectPrefersHighestPriorityBand(t *testing.T) {
	s, _ := newTestSelector(t, []testEndpoint{
		{"low", 100, 1},
		{"high", 0.001, 5},
	}, nil, nil)

	// Weight never crosses priority bands: the higher band always wins.
	for i := 0; i < 50; i++ {
		ep := s.Select(models.TierFast, models.NewExclusionSet())
		require.NotNil(t, ep)
		assert.Equal(t, "high", ep.Name)
	}
}

func TestSelectFallsBackToLowerPriorityWhenBandUnhealthy(t *testing.T) {
	s, tracker := newTestSelector(t, []testEndpoint{
		{"low", 1, 1},
		{"high", 1, 5},
	}, nil, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.MarkFailure("high"))
	}

	ep := s.Select(models.TierFast, models.NewExclusionSet())
	require.NotNil(t, ep)
	assert.Equal(t, "low", ep.Name)
}

func TestSelectWeightedDistribution(t *testing.T) {
	s, _ := newTestSelector(t, []testEndpoint{
		{"heavy", 9, 1},
		{"light", 1, 1},
	}, nil, nil)

	counts := map[string]int{}
	const draws = 2000
	for i := 0; i < draws; i++ {
		ep := s.Select(models.TierFast, models.NewExclusionSet())
		require.NotNil(t, ep)
		counts[ep.Name]++
	}

	// With weights 9:1 the heavy endpoint should take roughly 90% of
	// selections; a wide band keeps the test stable.
	assert.Greater(t, counts["heavy"], draws*3/4)
	assert.Greater(t, counts["light"], 0)
}

func TestSelectionCount(t *testing.T) {
	s, _ := newTestSelector(t, []testEndpoint{{"f1", 1, 1}}, nil, nil)
	assert.Equal(t, uint64(0), s.SelectionCount(models.TierFast))

	s.Select(models.TierFast, models.NewExclusionSet())
	s.Select(models.TierFast, models.NewExclusionSet())
	assert.Equal(t, uint64(2), s.SelectionCount(models.TierFast))
	assert.Equal(t, uint64(0), s.SelectionCount(models.TierDeep))
}

func TestDefaultTierFollowsGlobalPriority(t *testing.T) {
	s, _ := newTestSelector(t,
		[]testEndpoint{{"f1", 1, 1}},
		[]testEndpoint{{"b1", 1, 3}},
		[]testEndpoint{{"d1", 1, 2}},
	)
	assert.Equal(t, models.TierBalanced, s.DefaultTier())
}

func TestDefaultTierTieBreaksInTierOrder(t *testing.T) {
	s, _ := newTestSelector(t,
		[]testEndpoint{{"f1", 1, 2}},
		[]testEndpoint{{"b1", 1, 2}},
		[]testEndpoint{{"d1", 1, 2}},
	)
	assert.Equal(t, models.TierFast, s.DefaultTier())
}

func TestEndpointCount(t *testing.T) {
	s, _ := newTestSelector(t, []testEndpoint{{"f1", 1, 1}, {"f2", 1, 1}}, nil, nil)
	assert.Equal(t, 2, s.EndpointCount(models.TierFast))
	assert.Equal(t, 0, s.EndpointCount(models.TierBalanced))
}
