package service

import (
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/models"
)

// RuleBasedRouter makes deterministic tier decisions from request metadata.
// Rules are evaluated in a fixed order; the first match wins. Casual chat
// with high importance deliberately matches nothing so a hybrid setup can
// delegate it to the LLM router.
type RuleBasedRouter struct {
	logger *zap.Logger
}

// NewRuleBasedRouter builds the rule router.
func NewRuleBasedRouter(logger *zap.Logger) *RuleBasedRouter {
	return &RuleBasedRouter{logger: logger}
}

// Route applies the rule chain. ok is false when no rule matched.
func (r *RuleBasedRouter) Route(meta models.RouteMetadata) (tier models.Tier, ok bool) {
	// Short, low-stakes chatter goes to the fast tier.
	if meta.TaskType == models.TaskCasualChat &&
		meta.TokenEstimate < 256 &&
		meta.Importance != models.ImportanceHigh {
		return models.TierFast, true
	}

	// High importance (outside casual chat) and inherently heavy task types
	// go deep.
	if (meta.Importance == models.ImportanceHigh && meta.TaskType != models.TaskCasualChat) ||
		meta.TaskType == models.TaskDeepAnalysis ||
		meta.TaskType == models.TaskCreativeWriting {
		return models.TierDeep, true
	}

	// Code splits by size.
	if meta.TaskType == models.TaskCode {
		if meta.TokenEstimate <= 1024 {
			return models.TierBalanced, true
		}
		return models.TierDeep, true
	}

	// Mid-sized Q&A and summaries are a good fit for the balanced tier.
	if (meta.TaskType == models.TaskQuestionAnswer || meta.TaskType == models.TaskDocumentSummary) &&
		meta.TokenEstimate >= 200 && meta.TokenEstimate < 2048 {
		return models.TierBalanced, true
	}

	r.logger.Debug("no routing rule matched",
		zap.String("task_type", string(meta.TaskType)),
		zap.String("importance", string(meta.Importance)),
		zap.Int("token_estimate", meta.TokenEstimate),
	)
	return "", false
}
