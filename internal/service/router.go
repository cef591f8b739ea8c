package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/metrics"
	"github.com/user/octoroute/internal/models"
)

// RoutingEngine turns request metadata into a tier decision under the
// configured strategy. A decision always carries the concrete strategy that
// produced it: a hybrid setup reports rule or llm depending on which path
// actually decided.
type RoutingEngine struct {
	strategy models.RoutingStrategy
	rule     *RuleBasedRouter
	llm      *LLMRouter
	selector *ModelSelector
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRoutingEngine wires the routers demanded by the configured strategy.
// The LLM router is only constructed (and its router tier only validated)
// when the strategy can reach it.
func NewRoutingEngine(cfg *config.Config, selector *ModelSelector, upstream *UpstreamClient, m *metrics.Metrics, logger *zap.Logger) (*RoutingEngine, error) {
	strategy := models.RoutingStrategy(cfg.Routing.Strategy)
	engine := &RoutingEngine{
		strategy: strategy,
		selector: selector,
		metrics:  m,
		logger:   logger,
	}

	switch strategy {
	case models.StrategyRule:
		engine.rule = NewRuleBasedRouter(logger)
	case models.StrategyLLM, models.StrategyHybrid:
		if strategy == models.StrategyHybrid {
			engine.rule = NewRuleBasedRouter(logger)
		}
		routerTier := cfg.RouterTier()
		llm, err := NewLLMRouter(selector, routerTier, cfg.Routing.RouterTimeouts.ForTier(routerTier), upstream, m, logger)
		if err != nil {
			return nil, err
		}
		engine.llm = llm
	default:
		return nil, models.NewAppError(models.ErrConfig, "unknown routing strategy %q", cfg.Routing.Strategy)
	}
	return engine, nil
}

// Strategy returns the configured strategy.
func (e *RoutingEngine) Strategy() models.RoutingStrategy { return e.strategy }

// Decide routes one request. Warnings carry non-fatal problems (currently
// health-tracking failures inside the LLM router) that the caller surfaces
// without failing the request.
func (e *RoutingEngine) Decide(ctx context.Context, userPrompt string, meta models.RouteMetadata) (models.RoutingDecision, []string, error) {
	start := time.Now()

	decision, warnings, err := e.decide(ctx, userPrompt, meta)
	if err != nil {
		return models.RoutingDecision{}, warnings, err
	}

	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	e.metrics.RecordRoutingDuration(decision.Strategy, elapsed)
	e.metrics.RecordRequest(decision.Target, decision.Strategy)
	e.logger.Info("routing decision",
		zap.String("tier", decision.Target.String()),
		zap.String("strategy", string(decision.Strategy)),
		zap.Float64("duration_ms", elapsed),
	)
	return decision, warnings, nil
}

func (e *RoutingEngine) decide(ctx context.Context, userPrompt string, meta models.RouteMetadata) (models.RoutingDecision, []string, error) {
	switch e.strategy {
	case models.StrategyRule:
		if tier, ok := e.rule.Route(meta); ok {
			return models.RoutingDecision{Target: tier, Strategy: models.StrategyRule}, nil, nil
		}
		// No rule matched and there is no LLM to fall back on; use the tier
		// holding the highest-priority endpoint.
		tier := e.selector.DefaultTier()
		e.logger.Debug("no rule matched, using default tier",
			zap.String("tier", tier.String()))
		return models.RoutingDecision{Target: tier, Strategy: models.StrategyRule}, nil, nil

	case models.StrategyLLM:
		tier, warnings, err := e.llm.Route(ctx, userPrompt, meta)
		if err != nil {
			return models.RoutingDecision{}, warnings, err
		}
		return models.RoutingDecision{Target: tier, Strategy: models.StrategyLLM}, warnings, nil

	case models.StrategyHybrid:
		if tier, ok := e.rule.Route(meta); ok {
			return models.RoutingDecision{Target: tier, Strategy: models.StrategyRule}, nil, nil
		}
		tier, warnings, err := e.llm.Route(ctx, userPrompt, meta)
		if err != nil {
			return models.RoutingDecision{}, warnings, err
		}
		return models.RoutingDecision{Target: tier, Strategy: models.StrategyLLM}, warnings, nil

	default:
		return models.RoutingDecision{}, nil, fmt.Errorf("unreachable strategy %q", e.strategy)
	}
}
