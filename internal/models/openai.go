package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Object type constants for OpenAI-compatible responses.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectList                = "list"
	ObjectModel               = "model"
)

// Request limits enforced during decoding.
const (
	maxMessages           = 100
	maxTotalContentLength = 500_000
)

// ModelChoice maps the OpenAI `model` field onto the tier system.
// The zero value means auto-routing.
type ModelChoice struct {
	tier     Tier
	specific string
	auto     bool
}

// ModelChoiceAuto requests automatic routing.
func ModelChoiceAuto() ModelChoice { return ModelChoice{auto: true} }

// ModelChoiceTier pins the request to one tier.
func ModelChoiceTier(t Tier) ModelChoice { return ModelChoice{tier: t} }

// ModelChoiceSpecific pins the request to a named endpoint, bypassing routing.
func ModelChoiceSpecific(name string) (ModelChoice, error) {
	if strings.TrimSpace(name) == "" {
		return ModelChoice{}, fmt.Errorf("model name cannot be empty")
	}
	return ModelChoice{specific: name}, nil
}

// IsAuto reports whether routing should pick the tier.
func (m ModelChoice) IsAuto() bool { return m.auto }

// TargetTier returns the pinned tier, if any.
func (m ModelChoice) TargetTier() (Tier, bool) {
	if m.tier.Valid() {
		return m.tier, true
	}
	return "", false
}

// SpecificName returns the pinned endpoint name, if any.
func (m ModelChoice) SpecificName() (string, bool) {
	return m.specific, m.specific != ""
}

func (m *ModelChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "auto":
		*m = ModelChoiceAuto()
	case "fast":
		*m = ModelChoiceTier(TierFast)
	case "balanced":
		*m = ModelChoiceTier(TierBalanced)
	case "deep":
		*m = ModelChoiceTier(TierDeep)
	default:
		choice, err := ModelChoiceSpecific(s)
		if err != nil {
			return err
		}
		*m = choice
	}
	return nil
}

func (m ModelChoice) MarshalJSON() ([]byte, error) {
	switch {
	case m.auto:
		return json.Marshal("auto")
	case m.specific != "":
		return json.Marshal(m.specific)
	case m.tier.Valid():
		return json.Marshal(string(m.tier))
	default:
		return json.Marshal("auto")
	}
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single turn of the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContentLength counts the content in Unicode code points.
func (m ChatMessage) ContentLength() int {
	return utf8.RuneCountInString(m.Content)
}

func (m ChatMessage) validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("unknown message role %q", m.Role)
	}
	// Assistant turns may be empty (partial responses); user/system may not.
	if m.Role != RoleAssistant && strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%s message content cannot be empty", m.Role)
	}
	return nil
}

// ChatCompletionRequest is the OpenAI-compatible request body. Validation is
// enforced during decoding so an invalid request never reaches a handler.
type ChatCompletionRequest struct {
	Model            ModelChoice   `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int64        `json:"max_tokens,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	User             string        `json:"user,omitempty"`
}

func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type raw ChatCompletionRequest
	var v raw
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = ChatCompletionRequest(v)
	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages array cannot be empty")
	}
	if len(r.Messages) > maxMessages {
		return fmt.Errorf("messages array cannot exceed %d messages (got %d)", maxMessages, len(r.Messages))
	}
	total := 0
	for _, m := range r.Messages {
		if err := m.validate(); err != nil {
			return err
		}
		total += m.ContentLength()
	}
	if total > maxTotalContentLength {
		return fmt.Errorf("total content length exceeds %d characters (got %d)", maxTotalContentLength, total)
	}
	if err := checkRange("temperature", r.Temperature, 0, 2, true, true); err != nil {
		return err
	}
	if err := checkRange("top_p", r.TopP, 0, 1, false, true); err != nil {
		return err
	}
	if err := checkRange("presence_penalty", r.PresencePenalty, -2, 2, true, true); err != nil {
		return err
	}
	if err := checkRange("frequency_penalty", r.FrequencyPenalty, -2, 2, true, true); err != nil {
		return err
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be greater than 0")
	}
	return nil
}

func checkRange(field string, v *float64, lo, hi float64, loInclusive, hiInclusive bool) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return fmt.Errorf("%s must be a finite number", field)
	}
	aboveLo := *v > lo || (loInclusive && *v == lo)
	belowHi := *v < hi || (hiInclusive && *v == hi)
	if !aboveLo || !belowHi {
		return fmt.Errorf("%s must be between %g and %g", field, lo, hi)
	}
	return nil
}

// ToPromptString flattens the conversation into a single prompt for routing
// and dispatch.
func (r *ChatCompletionRequest) ToPromptString() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts = append(parts, fmt.Sprintf("%s: %s", titleRole(m.Role), m.Content))
	}
	return strings.Join(parts, "\n\n")
}

func titleRole(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// LastUserContent returns the content of the most recent user turn.
func (r *ChatCompletionRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ToRouteMetadata derives routing signals from the request: token estimate
// from total content size and a keyword-inferred task type.
func (r *ChatCompletionRequest) ToRouteMetadata() RouteMetadata {
	total := 0
	for _, m := range r.Messages {
		total += m.ContentLength()
	}
	meta := NewRouteMetadata(total / 4)
	meta.TaskType = r.inferTaskType()
	return meta
}

func (r *ChatCompletionRequest) inferTaskType() TaskType {
	content := strings.ToLower(r.LastUserContent())
	switch {
	case containsAny(content, "code", "function", "implement", "```", "programming", "debug"):
		return TaskCode
	case containsAny(content, "analyze", "analysis", "compare", "evaluate"):
		return TaskDeepAnalysis
	case containsAny(content, "write a story", "creative", "poem", "fiction"):
		return TaskCreativeWriting
	case containsAny(content, "summarize", "summary", "tldr"):
		return TaskDocumentSummary
	case containsAny(content, "hello", "hi ", "hey ") || strings.HasPrefix(content, "how are"):
		return TaskCasualChat
	default:
		return TaskQuestionAnswer
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// FinishReason values.
const (
	FinishStop = "stop"
)

// Usage reports estimated token accounting for a completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// NewUsage builds usage stats, deriving the total.
func NewUsage(promptTokens, completionTokens int64) Usage {
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

// EstimateUsage derives usage from character counts at ~4 chars per token.
func EstimateUsage(promptChars, completionChars int) Usage {
	return NewUsage(int64(promptChars/4), int64(completionChars/4))
}

// AssistantMessage is the assistant turn inside a response choice.
type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is a single completion alternative.
type Choice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// ChatCompletion is the non-streaming response body.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// NewCompletionID generates a fresh OpenAI-style completion id.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewChatCompletion assembles a single-choice response.
func NewChatCompletion(content, modelName string, promptChars int, created int64) ChatCompletion {
	return ChatCompletion{
		ID:      NewCompletionID(),
		Object:  ObjectChatCompletion,
		Created: created,
		Model:   modelName,
		Choices: []Choice{{
			Index:        0,
			Message:      AssistantMessage{Role: RoleAssistant, Content: content},
			FinishReason: FinishStop,
		}},
		Usage: EstimateUsage(promptChars, utf8.RuneCountInString(content)),
	}
}

// Delta is the incremental payload of a streaming chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is a single choice inside a streaming chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is one SSE event body in a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// InitialChunk announces the assistant role at stream start.
func InitialChunk(id, model string, created int64) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID: id, Object: ObjectChatCompletionChunk, Created: created, Model: model,
		Choices: []ChunkChoice{{Index: 0, Delta: Delta{Role: RoleAssistant}}},
	}
}

// ContentChunk carries one content delta.
func ContentChunk(id, model string, created int64, content string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID: id, Object: ObjectChatCompletionChunk, Created: created, Model: model,
		Choices: []ChunkChoice{{Index: 0, Delta: Delta{Content: content}}},
	}
}

// FinishChunk signals normal completion.
func FinishChunk(id, model string, created int64) ChatCompletionChunk {
	stop := FinishStop
	return ChatCompletionChunk{
		ID: id, Object: ObjectChatCompletionChunk, Created: created, Model: model,
		Choices: []ChunkChoice{{Index: 0, Delta: Delta{}, FinishReason: &stop}},
	}
}

// ModelObject is one entry in the /v1/models listing.
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// NewModelObject builds a models-list entry.
func NewModelObject(id, ownedBy string) ModelObject {
	return ModelObject{ID: id, Object: ObjectModel, OwnedBy: ownedBy}
}

// ModelsListResponse is the /v1/models response body.
type ModelsListResponse struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// NewModelsListResponse wraps entries in the list envelope.
func NewModelsListResponse(data []ModelObject) ModelsListResponse {
	return ModelsListResponse{Object: ObjectList, Data: data}
}

// OpenAIError is the error envelope OpenAI SDKs expect.
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

// OpenAIErrorBody carries the error details.
type OpenAIErrorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// NewInvalidRequestError formats a client error the way OpenAI SDKs parse it.
func NewInvalidRequestError(message string) OpenAIError {
	return OpenAIError{Error: OpenAIErrorBody{Message: message, Type: "invalid_request_error"}}
}

// NewServerError formats a server-side error for OpenAI SDK clients.
func NewServerError(message string) OpenAIError {
	return OpenAIError{Error: OpenAIErrorBody{Message: message, Type: "server_error"}}
}
