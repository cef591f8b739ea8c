// Package models defines the domain types for the octoroute service:
// tiers, routing metadata, endpoint descriptors and the OpenAI wire types.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"
)

// Tier identifies one of the three capability classes requests are routed to.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierDeep     Tier = "deep"
)

// AllTiers lists the tiers in tie-breaking preference order.
func AllTiers() []Tier {
	return []Tier{TierFast, TierBalanced, TierDeep}
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierBalanced, TierDeep:
		return true
	}
	return false
}

func (t Tier) String() string { return string(t) }

// ParseTier converts a string (case-insensitive) into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q (expected fast, balanced or deep)", s)
	}
	return t, nil
}

// Importance is the caller-declared priority of a request.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// UnmarshalJSON accepts low/normal/high and defaults empty to normal.
func (i *Importance) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "", "normal":
		*i = ImportanceNormal
	case "low":
		*i = ImportanceLow
	case "high":
		*i = ImportanceHigh
	default:
		return fmt.Errorf("unknown importance %q", s)
	}
	return nil
}

// MarshalJSON emits the lowercase name, defaulting empty to normal.
func (i Importance) MarshalJSON() ([]byte, error) {
	if i == "" {
		i = ImportanceNormal
	}
	return json.Marshal(string(i))
}

// TaskType classifies what kind of work a request represents.
type TaskType string

const (
	TaskCasualChat      TaskType = "casual_chat"
	TaskCode            TaskType = "code"
	TaskDeepAnalysis    TaskType = "deep_analysis"
	TaskCreativeWriting TaskType = "creative_writing"
	TaskQuestionAnswer  TaskType = "question_answer"
	TaskDocumentSummary TaskType = "document_summary"
)

// UnmarshalJSON accepts the snake_case task names and defaults empty to
// question_answer.
func (t *TaskType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "", "question_answer":
		*t = TaskQuestionAnswer
	case "casual_chat":
		*t = TaskCasualChat
	case "code":
		*t = TaskCode
	case "deep_analysis":
		*t = TaskDeepAnalysis
	case "creative_writing":
		*t = TaskCreativeWriting
	case "document_summary":
		*t = TaskDocumentSummary
	default:
		return fmt.Errorf("unknown task_type %q", s)
	}
	return nil
}

// MarshalJSON emits the snake_case name, defaulting empty to question_answer.
func (t TaskType) MarshalJSON() ([]byte, error) {
	if t == "" {
		t = TaskQuestionAnswer
	}
	return json.Marshal(string(t))
}

// RoutingStrategy names the mechanism that produced a routing decision.
type RoutingStrategy string

const (
	StrategyRule   RoutingStrategy = "rule"
	StrategyLLM    RoutingStrategy = "llm"
	StrategyHybrid RoutingStrategy = "hybrid"
)

// RouteMetadata is the derived signal set routing rules evaluate.
type RouteMetadata struct {
	TokenEstimate int
	Importance    Importance
	TaskType      TaskType
}

// NewRouteMetadata builds metadata with the documented defaults.
func NewRouteMetadata(tokenEstimate int) RouteMetadata {
	return RouteMetadata{
		TokenEstimate: tokenEstimate,
		Importance:    ImportanceNormal,
		TaskType:      TaskQuestionAnswer,
	}
}

// EstimateTokens approximates the token count of text as code points / 4.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// RoutingDecision pairs a target tier with the strategy that chose it.
type RoutingDecision struct {
	Target   Tier
	Strategy RoutingStrategy
}

// ModelEndpoint describes one upstream model server within a tier.
type ModelEndpoint struct {
	Name        string  `toml:"name" json:"name"`
	BaseURL     string  `toml:"base_url" json:"base_url"`
	MaxTokens   int64   `toml:"max_tokens" json:"max_tokens"`
	Temperature float64 `toml:"temperature" json:"temperature"`
	Weight      float64 `toml:"weight" json:"weight"`
	Priority    int     `toml:"priority" json:"priority"`
}

const maxEndpointTokens = int64(math.MaxUint32)

// Validate checks a single endpoint definition. The returned error names
// the offending field.
func (e *ModelEndpoint) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("name: must not be empty")
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url: %q is not a valid http(s) URL", e.BaseURL)
	}
	if !strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/v1") {
		return fmt.Errorf("base_url: %q must end with /v1 (OpenAI-compatible root)", e.BaseURL)
	}
	if e.MaxTokens <= 0 || e.MaxTokens > maxEndpointTokens {
		return fmt.Errorf("max_tokens: must be in (0, %d], got %d", maxEndpointTokens, e.MaxTokens)
	}
	if math.IsNaN(e.Temperature) || math.IsInf(e.Temperature, 0) || e.Temperature < 0 || e.Temperature > 2 {
		return fmt.Errorf("temperature: must be a finite value in [0.0, 2.0], got %v", e.Temperature)
	}
	if math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0) || e.Weight <= 0 {
		return fmt.Errorf("weight: must be a finite value > 0, got %v", e.Weight)
	}
	if e.Priority < 0 || e.Priority > 255 {
		return fmt.Errorf("priority: must be in [0, 255], got %d", e.Priority)
	}
	return nil
}

// ExclusionSet tracks endpoint names already tried within one request so
// retries fan out to alternatives. It is request-scoped and not safe for
// concurrent use.
type ExclusionSet map[string]struct{}

// NewExclusionSet returns an empty set.
func NewExclusionSet() ExclusionSet { return make(ExclusionSet) }

// Add records a name in the set.
func (s ExclusionSet) Add(name string) { s[name] = struct{}{} }

// Contains reports whether name has been excluded.
func (s ExclusionSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Len returns the number of excluded endpoints.
func (s ExclusionSet) Len() int { return len(s) }

// Names returns the excluded endpoint names in sorted order, for error
// messages and logs.
func (s ExclusionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
