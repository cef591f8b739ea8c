package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads, decodes and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates raw TOML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Template is a commented starter configuration written by `octoroute --init`.
const Template = `# Octoroute configuration
#
# Routes OpenAI-compatible chat completion requests across three model tiers.

[server]
host = "0.0.0.0"
port = 3000
# Upper bound for a single upstream request, in seconds (0 < n <= 300).
request_timeout_seconds = 30

# Each tier takes one or more endpoints. base_url must point at an
# OpenAI-compatible /v1 root. Higher priority wins; weight splits traffic
# inside a priority band.

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
priority = 1

[routing]
# rule | llm | hybrid
strategy = "hybrid"
# Importance applied when a request does not declare one: low | normal | high
default_importance = "normal"
# Tier whose endpoints answer LLM routing queries.
router_tier = "balanced"

[routing.router_timeouts]
# Per-tier deadline for the routing decision call, in seconds.
fast = 10
balanced = 10
deep = 10

# Optional per-tier dispatch timeouts (seconds). Omitted tiers use
# server.request_timeout_seconds.
#[timeouts]
#fast = 15
#balanced = 30
#deep = 120

[observability]
log_level = "info"
metrics_enabled = true
# Must differ from server.port when metrics are enabled.
metrics_port = 9090

#[observability.log_rotation]
#max_size_mb = 100
#max_backups = 5
#max_age_days = 30
#compress = false

# Optional sqlite request audit log.
#[storage]
#request_log_path = "octoroute.db"
`

// WriteTemplate writes the starter configuration to path, refusing to
// overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing file %s", path)
	}
	if err := os.WriteFile(path, []byte(Template), 0o644); err != nil {
		return fmt.Errorf("write config template %s: %w", path, err)
	}
	return nil
}
