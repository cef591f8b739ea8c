package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/user/octoroute/internal/metrics"
	"github.com/user/octoroute/internal/models"
)

const (
	// maxRouterResponse caps the router model's answer. The expected answer
	// is a single word; anything near this limit means the model is not
	// following instructions.
	maxRouterResponse = 1024
	// maxRouterPromptChars truncates the user text embedded in the router
	// prompt, bounding context size and prompt injection surface.
	maxRouterPromptChars = 500
	// maxRouterRetries bounds routing attempts across endpoints.
	maxRouterRetries = 2
	// responsePreviewChars limits how much of a bad response lands in errors.
	responsePreviewChars = 500
)

// RouterErrorKind classifies LLM-router failures into systemic errors (the
// model misbehaved; another endpoint will not help) and transient errors
// (network trouble; another endpoint might help).
type RouterErrorKind int

const (
	RouterErrEmptyResponse RouterErrorKind = iota
	RouterErrUnparseable
	RouterErrRefusal
	RouterErrSizeExceeded
	RouterErrStream
	RouterErrTimeout
)

// RouterError is a routing-decision failure from the LLM router.
type RouterError struct {
	Kind     RouterErrorKind
	Endpoint string
	Message  string
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router (%s): %s", e.Endpoint, e.Message)
}

// IsRetryable reports whether another endpoint may succeed. The predicate is
// deliberately closed: only stream and timeout errors retry; everything else
// is systemic.
func (e *RouterError) IsRetryable() bool {
	switch e.Kind {
	case RouterErrStream, RouterErrTimeout:
		return true
	}
	return false
}

// LLMRouter asks a model on the configured router tier to classify incoming
// requests into FAST, BALANCED or DEEP.
type LLMRouter struct {
	selector *ModelSelector
	tier     models.Tier
	timeout  time.Duration
	upstream *UpstreamClient
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewLLMRouter validates at construction that the router tier has at least
// one endpoint, so the router can never exist in an unusable state.
func NewLLMRouter(selector *ModelSelector, tier models.Tier, timeout time.Duration, upstream *UpstreamClient, m *metrics.Metrics, logger *zap.Logger) (*LLMRouter, error) {
	if selector.EndpointCount(tier) == 0 {
		return nil, models.NewAppError(models.ErrConfig,
			"LLM router requires at least one endpoint on the %s tier (routing.router_tier)", tier)
	}
	return &LLMRouter{
		selector: selector,
		tier:     tier,
		timeout:  timeout,
		upstream: upstream,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Tier returns the tier this router queries for decisions.
func (r *LLMRouter) Tier() models.Tier { return r.tier }

// Route asks the router model which tier should serve the request. Transient
// failures retry on alternative endpoints; systemic ones fail fast. Returned
// warnings describe non-fatal health-tracking problems hit along the way.
func (r *LLMRouter) Route(ctx context.Context, userPrompt string, meta models.RouteMetadata) (models.Tier, []string, error) {
	prompt := buildRouterPrompt(userPrompt, meta)

	var lastErr error
	var warnings []string
	excluded := models.NewExclusionSet()

	for attempt := 1; attempt <= maxRouterRetries; attempt++ {
		endpoint := r.selector.Select(r.tier, excluded)
		if endpoint == nil {
			lastErr = r.classifySelectionFailure(excluded, attempt)
			continue
		}

		target, err := r.queryRouter(ctx, endpoint, prompt, attempt)
		if err == nil {
			if herr := r.selector.Health().MarkSuccess(endpoint.Name); herr != nil {
				// The decision is valid; health tracking is auxiliary. Log,
				// count and surface a warning instead of failing the request.
				r.metrics.RecordHealthTrackingFailure(endpoint.Name, "mark_success")
				r.logger.Error("health tracking failed after successful routing query",
					zap.String("endpoint", endpoint.Name), zap.Error(herr))
				warnings = append(warnings,
					fmt.Sprintf("health tracking failure for %s: endpoint recovery may be impaired", endpoint.Name))
			}
			r.logger.Info("router model chose target tier",
				zap.String("endpoint", endpoint.Name),
				zap.String("target", target.String()),
				zap.Int("attempt", attempt),
			)
			return target, warnings, nil
		}

		var rerr *RouterError
		if !errors.As(err, &rerr) || !rerr.IsRetryable() {
			// Systemic misbehavior: the model answered, badly. Another
			// endpoint will not help, and the endpoint's health is intact.
			// Clients see a routing failure, not the raw model output.
			r.logger.Error("router query failed with systemic error",
				zap.String("endpoint", endpoint.Name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return "", warnings, models.WrapAppError(models.ErrRoutingFailed, err,
				"llm router failed to produce a routing decision")
		}

		r.logger.Warn("router query failed, trying another endpoint",
			zap.String("endpoint", endpoint.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if herr := r.selector.Health().MarkFailure(endpoint.Name); herr != nil {
			r.metrics.RecordHealthTrackingFailure(endpoint.Name, "mark_failure")
			r.logger.Warn("could not record endpoint failure",
				zap.String("endpoint", endpoint.Name), zap.Error(herr))
			warnings = append(warnings,
				fmt.Sprintf("health tracking failure for %s: endpoint may not leave rotation", endpoint.Name))
		}
		excluded.Add(endpoint.Name)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = models.NewAppError(models.ErrRoutingFailed,
			"LLM routing failed after %d attempts", maxRouterRetries)
	}
	var rerr *RouterError
	if errors.As(lastErr, &rerr) {
		lastErr = models.WrapAppError(models.ErrRoutingFailed, lastErr,
			"LLM routing failed after %d attempts", maxRouterRetries)
	}
	return "", warnings, lastErr
}

// classifySelectionFailure distinguishes the three reasons no endpoint was
// available: nothing configured (config bug), everything already tried
// (exhaustion), or endpoints temporarily unhealthy (transient).
func (r *LLMRouter) classifySelectionFailure(excluded models.ExclusionSet, attempt int) error {
	total := r.selector.EndpointCount(r.tier)
	switch {
	case total == 0:
		// Config validation should make this unreachable; classify it anyway
		// rather than mislabel it as a transient outage.
		r.logger.Error("no endpoints configured for router tier",
			zap.String("tier", r.tier.String()), zap.Int("attempt", attempt))
		return models.NewAppError(models.ErrConfig,
			"no endpoints configured for the %s tier (routing.router_tier)", r.tier)
	case excluded.Len() >= total:
		r.logger.Error("all router tier endpoints exhausted",
			zap.String("tier", r.tier.String()),
			zap.Int("configured", total),
			zap.Int("attempt", attempt))
		return models.NewAppError(models.ErrRoutingFailed,
			"all %d %s tier endpoints failed during routing: %s",
			total, r.tier, strings.Join(excluded.Names(), ", "))
	default:
		r.logger.Warn("no available router tier endpoints, may recover shortly",
			zap.String("tier", r.tier.String()),
			zap.Int("configured", total),
			zap.Int("excluded", excluded.Len()),
			zap.Int("attempt", attempt))
		return models.NewAppError(models.ErrRoutingFailed,
			"no available %s tier endpoints (configured: %d, excluded: %d); endpoints may recover shortly",
			r.tier, total, excluded.Len())
	}
}

// queryRouter runs one routing query against one endpoint, enforcing the
// router timeout and the response size cap while streaming.
func (r *LLMRouter) queryRouter(ctx context.Context, ep *models.ModelEndpoint, prompt string, attempt int) (models.Tier, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	chunks, err := r.upstream.Stream(ctx, ep, prompt, QueryOptions{})
	if err != nil {
		if deadlineExceeded(err) {
			return "", &RouterError{Kind: RouterErrTimeout, Endpoint: ep.Name,
				Message: fmt.Sprintf("router query timed out after %s (attempt %d/%d)", r.timeout, attempt, maxRouterRetries)}
		}
		return "", &RouterError{Kind: RouterErrStream, Endpoint: ep.Name,
			Message: fmt.Sprintf("router query failed: %v", err)}
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", &RouterError{Kind: RouterErrTimeout, Endpoint: ep.Name,
				Message: fmt.Sprintf("router query timed out after %s (attempt %d/%d)", r.timeout, attempt, maxRouterRetries)}
		case chunk, ok := <-chunks:
			if !ok {
				return parseRoutingDecision(sb.String(), ep.Name)
			}
			if chunk.Err != nil {
				return "", &RouterError{Kind: RouterErrStream, Endpoint: ep.Name,
					Message: fmt.Sprintf("stream broke after %d bytes: %v", sb.Len(), chunk.Err)}
			}
			sb.WriteString(chunk.Content)
			if sb.Len() > maxRouterResponse {
				return "", &RouterError{Kind: RouterErrSizeExceeded, Endpoint: ep.Name,
					Message: fmt.Sprintf("router response exceeded %d bytes; model is not following instructions", maxRouterResponse)}
			}
		}
	}
}

// buildRouterPrompt embeds the (truncated) user request and routing metadata
// in a fixed classification prompt.
func buildRouterPrompt(userPrompt string, meta models.RouteMetadata) string {
	if utf8.RuneCountInString(userPrompt) > maxRouterPromptChars {
		runes := []rune(userPrompt)
		userPrompt = string(runes[:maxRouterPromptChars]) + "... [truncated]"
	}

	return fmt.Sprintf(
		"You are a router that chooses which LLM to use.\n\n"+
			"Available models:\n"+
			"- FAST: Quick (small params), for simple chat, short Q&A, casual tasks.\n"+
			"- BALANCED: Good reasoning (medium params), coding, document summaries, explanations.\n"+
			"- DEEP: Deep reasoning (large params), creative writing, complex analysis, research.\n\n"+
			"User request:\n%s\n\n"+
			"Metadata:\n"+
			"- Estimated tokens: %d\n"+
			"- Importance: %s\n"+
			"- Task type: %s\n\n"+
			"Based on the above, respond with ONLY one word: FAST, BALANCED, or DEEP.\n"+
			"Do not include explanations or other text.",
		userPrompt, meta.TokenEstimate, meta.Importance, meta.TaskType,
	)
}

// refusalPatterns mark responses where the model declined or errored instead
// of classifying. Checked before keyword extraction so "ERROR: use FAST"
// reads as a refusal, not a decision.
var refusalPatterns = []string{
	"CANNOT", "CAN'T", "UNABLE", "ERROR", "SORRY", "REFUSE", "FAILED", "TIMEOUT",
}

// parseRoutingDecision extracts FAST, BALANCED or DEEP from the model's
// answer. Keywords must sit at word boundaries so BREAKFAST never matches
// FAST; when several appear the leftmost wins.
func parseRoutingDecision(response, endpoint string) (models.Tier, error) {
	normalized := strings.ToUpper(strings.TrimSpace(response))

	if normalized == "" {
		return "", &RouterError{Kind: RouterErrEmptyResponse, Endpoint: endpoint,
			Message: "router model returned an empty response; expected FAST, BALANCED or DEEP"}
	}

	for _, pattern := range refusalPatterns {
		if strings.Contains(normalized, pattern) {
			return "", &RouterError{Kind: RouterErrRefusal, Endpoint: endpoint,
				Message: fmt.Sprintf("router model refused or errored (contains %q): %q", pattern, previewResponse(response))}
		}
	}

	best := models.Tier("")
	bestPos := -1
	for _, candidate := range []struct {
		word string
		tier models.Tier
	}{
		{"FAST", models.TierFast},
		{"BALANCED", models.TierBalanced},
		{"DEEP", models.TierDeep},
	} {
		if pos := findWordBoundary(normalized, candidate.word); pos >= 0 && (bestPos < 0 || pos < bestPos) {
			best = candidate.tier
			bestPos = pos
		}
	}
	if bestPos >= 0 {
		return best, nil
	}

	return "", &RouterError{Kind: RouterErrUnparseable, Endpoint: endpoint,
		Message: fmt.Sprintf("unparseable router response (%d bytes): %q", len(response), previewResponse(response))}
}

// findWordBoundary returns the byte offset of the first occurrence of word
// delimited by non-alphanumeric bytes (or the string edges), or -1.
func findWordBoundary(text, word string) int {
	for start := 0; ; {
		idx := strings.Index(text[start:], word)
		if idx < 0 {
			return -1
		}
		pos := start + idx
		end := pos + len(word)
		beforeOK := pos == 0 || !isASCIIAlphanumeric(text[pos-1])
		afterOK := end >= len(text) || !isASCIIAlphanumeric(text[end])
		if beforeOK && afterOK {
			return pos
		}
		start = pos + 1
	}
}

func isASCIIAlphanumeric(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func previewResponse(response string) string {
	runes := []rune(response)
	if len(runes) <= responsePreviewChars {
		return response
	}
	return string(runes[:responsePreviewChars]) + "... [truncated]"
}
