package config

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/octoroute/internal/models"
)

func validTOML() string {
	return `
[server]
host = "127.0.0.1"
port = 3000

[[models.fast]]
name = "fast-1"
base_url = "http://localhost:11434/v1"
max_tokens = 2048
temperature = 0.7
weight = 1.0
priority = 1

[[models.balanced]]
name = "balanced-1"
base_url = "http://localhost:1234/v1"
max_tokens = 8192
temperature = 0.7
weight = 1.0
priority = 1

[[models.deep]]
name = "deep-1"
base_url = "http://localhost:8080/v1"
max_tokens = 16384
temperature = 0.7
weight = 1.0
priority = 2

[routing]
strategy = "hybrid"
`
}

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validTOML()))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Len(t, cfg.Models.Fast, 1)
	assert.Len(t, cfg.Models.Balanced, 1)
	assert.Len(t, cfg.Models.Deep, 1)
	assert.Equal(t, "hybrid", cfg.Routing.Strategy)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validTOML()))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Server.RequestTimeoutSeconds)
	assert.Equal(t, "normal", cfg.Routing.DefaultImportance)
	assert.Equal(t, "balanced", cfg.Routing.RouterTier)
	assert.Equal(t, 10, cfg.Routing.RouterTimeouts.Fast)
	assert.Equal(t, 10, cfg.Routing.RouterTimeouts.Balanced)
	assert.Equal(t, 10, cfg.Routing.RouterTimeouts.Deep)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, 9090, cfg.Observability.MetricsPort)
	assert.Equal(t, 100, cfg.Observability.LogRotation.MaxSizeMB)
}

func TestParseTemplate(t *testing.T) {
	cfg, err := Parse([]byte(Template))
	require.NoError(t, err, "shipped template must parse and validate")
	assert.Equal(t, "hybrid", cfg.Routing.Strategy)
}

func TestValidateRejectsToolStrategy(t *testing.T) {
	toml := strings.Replace(validTOML(), `strategy = "hybrid"`, `strategy = "tool"`, 1)
	_, err := Parse([]byte(toml))
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "routing.strategy", cerr.Field)
	assert.Contains(t, cerr.Message, "not yet supported")
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	toml := strings.Replace(validTOML(), `strategy = "hybrid"`, `strategy = "magic"`, 1)
	_, err := Parse([]byte(toml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing.strategy")
}

func TestValidateRejectsBadPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		toml := strings.Replace(validTOML(), "port = 3000", fmt.Sprintf("port = %d", port), 1)
		_, err := Parse([]byte(toml))
		assert.Error(t, err, "port %d must be rejected", port)
	}
}

func TestValidateRejectsTimeoutOutOfRange(t *testing.T) {
	toml := validTOML() + "\n[timeouts]\nfast = 500\n"
	_, err := Parse([]byte(toml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeouts.fast")
}

func TestValidateRejectsCrossTierDuplicateName(t *testing.T) {
	toml := strings.Replace(validTOML(), `name = "balanced-1"`, `name = "fast-1"`, 1)
	_, err := Parse([]byte(toml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used in tier")
}

func TestValidateAllowsWithinTierDuplicateName(t *testing.T) {
	toml := validTOML() + `
[[models.fast]]
name = "fast-1"
base_url = "http://localhost:11435/v1"
max_tokens = 2048
temperature = 0.7
weight = 2.0
priority = 1
`
	cfg, err := Parse([]byte(toml))
	require.NoError(t, err, "replicas of the same model within a tier are allowed")
	assert.Len(t, cfg.Models.Fast, 2)
}

func TestValidateRejectsNoEndpoints(t *testing.T) {
	_, err := Parse([]byte("[server]\nhost = \"0.0.0.0\"\nport = 3000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one endpoint")
}

func TestValidateRejectsEmptyTier(t *testing.T) {
	// Strip the deep tier; the other two being populated is not enough.
	toml := validTOML()
	start := strings.Index(toml, "[[models.deep]]")
	end := strings.Index(toml, "[routing]")
	require.True(t, start >= 0 && end > start)
	_, err := Parse([]byte(toml[:start] + toml[end:]))
	require.Error(t, err)

	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "models.deep", cerr.Field)
	assert.Contains(t, cerr.Message, "at least one endpoint")
}

func TestValidateRejectsInvalidEndpoint(t *testing.T) {
	toml := strings.Replace(validTOML(), `base_url = "http://localhost:11434/v1"`,
		`base_url = "ftp://localhost/v1"`, 1)
	_, err := Parse([]byte(toml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "models.fast[0]")
}

func TestValidateRejectsMetricsPortConflict(t *testing.T) {
	toml := validTOML() + "\n[observability]\nmetrics_enabled = true\nmetrics_port = 3000\n"
	_, err := Parse([]byte(toml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics_port")
}

func TestTimeoutForTierFallsBack(t *testing.T) {
	toml := validTOML() + "\n[timeouts]\ndeep = 120\n"
	cfg, err := Parse([]byte(toml))
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.TimeoutForTier(models.TierDeep))
	assert.Equal(t, 30*time.Second, cfg.TimeoutForTier(models.TierFast),
		"tiers without an override use the server request timeout")
}

func TestRouterTier(t *testing.T) {
	toml := strings.Replace(validTOML(), `strategy = "hybrid"`,
		"strategy = \"hybrid\"\nrouter_tier = \"fast\"", 1)
	cfg, err := Parse([]byte(toml))
	require.NoError(t, err)
	assert.Equal(t, models.TierFast, cfg.RouterTier())
}

func TestFindEndpoint(t *testing.T) {
	cfg, err := Parse([]byte(validTOML()))
	require.NoError(t, err)

	tier, ep, ok := cfg.FindEndpoint("deep-1")
	require.True(t, ok)
	assert.Equal(t, models.TierDeep, tier)
	assert.Equal(t, "deep-1", ep.Name)

	_, _, ok = cfg.FindEndpoint("missing")
	assert.False(t, ok)
}
