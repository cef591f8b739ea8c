package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/models"
)

func TestRuleRouting(t *testing.T) {
	r := NewRuleBasedRouter(zap.NewNop())

	cases := []struct {
		name       string
		taskType   models.TaskType
		importance models.Importance
		tokens     int
		want       models.Tier
		matched    bool
	}{
		{"short casual chat", models.TaskCasualChat, models.ImportanceNormal, 100, models.TierFast, true},
		{"casual chat low importance", models.TaskCasualChat, models.ImportanceLow, 255, models.TierFast, true},
		{"casual chat at token boundary", models.TaskCasualChat, models.ImportanceNormal, 256, "", false},
		{"high importance question", models.TaskQuestionAnswer, models.ImportanceHigh, 100, models.TierDeep, true},
		{"high importance casual chat delegates", models.TaskCasualChat, models.ImportanceHigh, 100, "", false},
		{"deep analysis", models.TaskDeepAnalysis, models.ImportanceNormal, 50, models.TierDeep, true},
		{"creative writing", models.TaskCreativeWriting, models.ImportanceLow, 50, models.TierDeep, true},
		{"small code task", models.TaskCode, models.ImportanceNormal, 1024, models.TierBalanced, true},
		{"large code task", models.TaskCode, models.ImportanceNormal, 1025, models.TierDeep, true},
		{"mid-size question", models.TaskQuestionAnswer, models.ImportanceNormal, 200, models.TierBalanced, true},
		{"mid-size summary", models.TaskDocumentSummary, models.ImportanceNormal, 2047, models.TierBalanced, true},
		{"tiny question falls through", models.TaskQuestionAnswer, models.ImportanceNormal, 199, "", false},
		{"huge summary falls through", models.TaskDocumentSummary, models.ImportanceNormal, 2048, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta := models.RouteMetadata{
				TokenEstimate: tc.tokens,
				Importance:    tc.importance,
				TaskType:      tc.taskType,
			}
			tier, ok := r.Route(meta)
			assert.Equal(t, tc.matched, ok)
			if tc.matched {
				assert.Equal(t, tc.want, tier)
			}
		})
	}
}

func TestRuleOrderHighImportanceCodeGoesDeep(t *testing.T) {
	r := NewRuleBasedRouter(zap.NewNop())

	// The importance rule fires before the code-size rule, so even a tiny
	// high-importance code task goes deep.
	tier, ok := r.Route(models.RouteMetadata{
		TokenEstimate: 10,
		Importance:    models.ImportanceHigh,
		TaskType:      models.TaskCode,
	})
	assert.True(t, ok)
	assert.Equal(t, models.TierDeep, tier)
}
