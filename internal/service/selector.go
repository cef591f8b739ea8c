package service

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/models"
)

// ModelSelector picks a concrete endpoint within a tier: healthy and
// non-excluded endpoints only, highest priority band first, weighted random
// inside the band.
type ModelSelector struct {
	cfg     *config.Config
	health  *HealthTracker
	logger  *zap.Logger
	randMu  sync.Mutex
	rand    *rand.Rand
	counts  map[models.Tier]*atomic.Uint64
}

// NewModelSelector builds a selector over the configured endpoint catalog.
func NewModelSelector(cfg *config.Config, health *HealthTracker, logger *zap.Logger) *ModelSelector {
	counts := make(map[models.Tier]*atomic.Uint64, 3)
	for _, t := range models.AllTiers() {
		counts[t] = &atomic.Uint64{}
	}
	return &ModelSelector{
		cfg:    cfg,
		health: health,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		counts: counts,
	}
}

// Select returns an endpoint from the tier, or nil when every endpoint is
// unhealthy or excluded.
func (s *ModelSelector) Select(tier models.Tier, exclude models.ExclusionSet) *models.ModelEndpoint {
	endpoints := s.cfg.Models.Tier(tier)

	candidates := make([]*models.ModelEndpoint, 0, len(endpoints))
	for i := range endpoints {
		ep := &endpoints[i]
		if exclude.Contains(ep.Name) || !s.health.IsHealthy(ep.Name) {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		s.logger.Debug("no selectable endpoints",
			zap.String("tier", tier.String()),
			zap.Int("configured", len(endpoints)),
			zap.Int("excluded", exclude.Len()),
		)
		return nil
	}

	// Keep only the highest priority band.
	maxPriority := candidates[0].Priority
	for _, ep := range candidates[1:] {
		if ep.Priority > maxPriority {
			maxPriority = ep.Priority
		}
	}
	band := candidates[:0]
	for _, ep := range candidates {
		if ep.Priority == maxPriority {
			band = append(band, ep)
		}
	}

	total := 0.0
	for _, ep := range band {
		total += ep.Weight
	}
	if total <= 0 {
		// Weights are validated positive at load time, so a non-positive sum
		// means the catalog was trampled in memory.
		s.logger.Error("memory corruption detected: non-positive weight sum",
			zap.String("tier", tier.String()),
			zap.Float64("total_weight", total),
		)
		return nil
	}

	s.randMu.Lock()
	draw := s.rand.Float64() * total
	s.randMu.Unlock()

	selected := band[len(band)-1] // rounding fallthrough lands on the last candidate
	cumulative := 0.0
	for _, ep := range band {
		cumulative += ep.Weight
		if draw < cumulative {
			selected = ep
			break
		}
	}

	s.counts[tier].Add(1)
	s.logger.Debug("endpoint selected",
		zap.String("tier", tier.String()),
		zap.String("endpoint", selected.Name),
		zap.Int("priority", selected.Priority),
		zap.Uint64("tier_selections", s.counts[tier].Load()),
	)
	return selected
}

// EndpointCount returns how many endpoints a tier has configured.
func (s *ModelSelector) EndpointCount(tier models.Tier) int {
	return len(s.cfg.Models.Tier(tier))
}

// SelectionCount returns how many selections the tier has served.
func (s *ModelSelector) SelectionCount(tier models.Tier) uint64 {
	return s.counts[tier].Load()
}

// DefaultTier returns the tier holding the globally highest-priority
// endpoint. Ties resolve in fast, balanced, deep order.
func (s *ModelSelector) DefaultTier() models.Tier {
	best := models.TierBalanced
	bestPriority := -1
	for _, tier := range models.AllTiers() {
		for _, ep := range s.cfg.Models.Tier(tier) {
			if ep.Priority > bestPriority {
				bestPriority = ep.Priority
				best = tier
			}
		}
	}
	return best
}

// Health exposes the tracker for callers that mark outcomes.
func (s *ModelSelector) Health() *HealthTracker {
	return s.health
}
