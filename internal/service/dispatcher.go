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

const (
	// maxDispatchRetries bounds attempts against distinct endpoints for one
	// request.
	maxDispatchRetries = 3
	// dispatchBackoffBase is the first inter-attempt delay; it doubles per
	// attempt up to dispatchBackoffCap.
	dispatchBackoffBase = 100 * time.Millisecond
	dispatchBackoffCap  = 30 * time.Second
)

// QueryResult is a completed upstream invocation.
type QueryResult struct {
	Content  string
	Endpoint *models.ModelEndpoint
	Tier     models.Tier
	Strategy models.RoutingStrategy
	Warnings []string
}

// StreamHandle is an established streaming invocation, pinned to the
// endpoint that accepted the connection.
type StreamHandle struct {
	Endpoint *models.ModelEndpoint
	Tier     models.Tier
	Chunks   <-chan StreamChunk
	Warnings []string
}

// Dispatcher executes routed requests against tier endpoints, retrying on
// alternatives with exponential backoff when an endpoint fails.
type Dispatcher struct {
	cfg      *config.Config
	selector *ModelSelector
	upstream *UpstreamClient
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher builds the dispatcher.
func NewDispatcher(cfg *config.Config, selector *ModelSelector, upstream *UpstreamClient, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		selector: selector,
		upstream: upstream,
		metrics:  m,
		logger:   logger,
	}
}

// Execute runs a non-streaming completion on the tier, trying up to three
// distinct endpoints. Endpoints that fail are marked and excluded for the
// rest of the request.
func (d *Dispatcher) Execute(ctx context.Context, tier models.Tier, prompt, requestID string, opts QueryOptions) (*QueryResult, error) {
	excluded := models.NewExclusionSet()
	var warnings []string
	var lastErr error

	for attempt := 1; attempt <= maxDispatchRetries; attempt++ {
		endpoint := d.selector.Select(tier, excluded)
		if endpoint == nil {
			// Keep the concrete query failure when one exists; it explains
			// more than "nothing left to try". Endpoints may be revived by
			// the prober during the backoff, so the attempt loop continues.
			if lastErr == nil {
				lastErr = d.noEndpointError(tier, excluded)
			}
			d.logger.Warn("no endpoint available, backing off",
				zap.String("tier", tier.String()),
				zap.Int("attempt", attempt),
			)
			if attempt < maxDispatchRetries {
				if err := d.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}
			continue
		}

		content, err := d.queryEndpoint(ctx, tier, endpoint, prompt, opts)
		if err == nil {
			warnings = append(warnings, d.markSuccess(endpoint)...)
			d.metrics.RecordModelInvocation(tier)
			d.logger.Info("model invocation succeeded",
				zap.String("endpoint", endpoint.Name),
				zap.String("tier", tier.String()),
				zap.Int("attempt", attempt),
			)
			return &QueryResult{
				Content:  content,
				Endpoint: endpoint,
				Tier:     tier,
				Warnings: warnings,
			}, nil
		}

		lastErr = err
		d.logger.Warn("model invocation failed",
			zap.String("endpoint", endpoint.Name),
			zap.String("tier", tier.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		warnings = append(warnings, d.markFailure(endpoint)...)
		excluded.Add(endpoint.Name)

		if attempt < maxDispatchRetries {
			if err := d.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, d.exhaustedError(tier, excluded, requestID, lastErr)
}

// OpenStream establishes a streaming completion, retrying connection-phase
// failures on alternative endpoints. Once a connection succeeds the endpoint
// is pinned: mid-stream failures are the caller's to surface and do not
// affect endpoint health. Success bookkeeping waits until the caller reports
// a clean stream end via CompleteStream.
func (d *Dispatcher) OpenStream(ctx context.Context, tier models.Tier, prompt, requestID string, opts QueryOptions) (*StreamHandle, error) {
	excluded := models.NewExclusionSet()
	var warnings []string
	var lastErr error

	for attempt := 1; attempt <= maxDispatchRetries; attempt++ {
		endpoint := d.selector.Select(tier, excluded)
		if endpoint == nil {
			if lastErr == nil {
				lastErr = d.noEndpointError(tier, excluded)
			}
			d.logger.Warn("no endpoint available, backing off",
				zap.String("tier", tier.String()),
				zap.Int("attempt", attempt),
			)
			if attempt < maxDispatchRetries {
				if err := d.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}
			continue
		}

		chunks, err := d.upstream.Stream(ctx, endpoint, prompt, opts)
		if err == nil {
			d.logger.Info("stream established",
				zap.String("endpoint", endpoint.Name),
				zap.String("tier", tier.String()),
				zap.Int("attempt", attempt),
			)
			return &StreamHandle{
				Endpoint: endpoint,
				Tier:     tier,
				Chunks:   chunks,
				Warnings: warnings,
			}, nil
		}

		if deadlineExceeded(err) {
			lastErr = models.WrapAppError(models.ErrEndpointTimeout, err,
				"endpoint %s timed out connecting", endpoint.Name)
		} else {
			lastErr = models.WrapAppError(models.ErrModelQueryFailed, err,
				"endpoint %s stream failed", endpoint.Name)
		}
		d.logger.Warn("stream connection failed",
			zap.String("endpoint", endpoint.Name),
			zap.String("tier", tier.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		warnings = append(warnings, d.markFailure(endpoint)...)
		excluded.Add(endpoint.Name)

		if attempt < maxDispatchRetries {
			if err := d.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, d.exhaustedError(tier, excluded, requestID, lastErr)
}

// ExecuteOn runs a non-streaming completion against one named endpoint,
// bypassing selection. Used when the client pins a specific model.
func (d *Dispatcher) ExecuteOn(ctx context.Context, tier models.Tier, ep *models.ModelEndpoint, prompt string, opts QueryOptions) (*QueryResult, error) {
	content, err := d.queryEndpoint(ctx, tier, ep, prompt, opts)
	if err != nil {
		d.markFailure(ep)
		return nil, err
	}
	warnings := d.markSuccess(ep)
	d.metrics.RecordModelInvocation(tier)
	return &QueryResult{Content: content, Endpoint: ep, Tier: tier, Warnings: warnings}, nil
}

// OpenStreamOn establishes a stream against one named endpoint, bypassing
// selection. As with OpenStream, success is recorded via CompleteStream.
func (d *Dispatcher) OpenStreamOn(ctx context.Context, tier models.Tier, ep *models.ModelEndpoint, prompt string, opts QueryOptions) (*StreamHandle, error) {
	chunks, err := d.upstream.Stream(ctx, ep, prompt, opts)
	if err != nil {
		d.markFailure(ep)
		return nil, models.WrapAppError(models.ErrModelQueryFailed, err,
			"endpoint %s stream failed", ep.Name)
	}
	return &StreamHandle{Endpoint: ep, Tier: tier, Chunks: chunks}, nil
}

// CompleteStream records the clean end of a stream: only now is the endpoint
// marked healthy and the invocation counted, so a stream that breaks midway
// never registers as a success.
func (d *Dispatcher) CompleteStream(handle *StreamHandle) []string {
	warnings := d.markSuccess(handle.Endpoint)
	d.metrics.RecordModelInvocation(handle.Tier)
	return warnings
}

// queryEndpoint runs one non-streaming call under the tier's timeout.
func (d *Dispatcher) queryEndpoint(ctx context.Context, tier models.Tier, ep *models.ModelEndpoint, prompt string, opts QueryOptions) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.TimeoutForTier(tier))
	defer cancel()

	content, err := d.upstream.Complete(ctx, ep, prompt, opts)
	if err != nil {
		if deadlineExceeded(err) {
			return "", models.WrapAppError(models.ErrEndpointTimeout, err,
				"endpoint %s timed out after %s", ep.Name, d.cfg.TimeoutForTier(tier))
		}
		return "", models.WrapAppError(models.ErrModelQueryFailed, err,
			"endpoint %s query failed", ep.Name)
	}
	return content, nil
}

// markSuccess records a success; a tracking failure becomes a warning for
// the client rather than a request failure.
func (d *Dispatcher) markSuccess(ep *models.ModelEndpoint) []string {
	if err := d.selector.Health().MarkSuccess(ep.Name); err != nil {
		d.metrics.RecordHealthTrackingFailure(ep.Name, "mark_success")
		d.logger.Error("health tracking failed after successful invocation",
			zap.String("endpoint", ep.Name), zap.Error(err))
		return []string{fmt.Sprintf("health tracking failure for %s: endpoint recovery may be impaired", ep.Name)}
	}
	return nil
}

// markFailure records a failure; like markSuccess, a tracking problem never
// fails the request, it becomes a warning and a metric increment.
func (d *Dispatcher) markFailure(ep *models.ModelEndpoint) []string {
	if err := d.selector.Health().MarkFailure(ep.Name); err != nil {
		d.metrics.RecordHealthTrackingFailure(ep.Name, "mark_failure")
		d.logger.Warn("could not record endpoint failure",
			zap.String("endpoint", ep.Name), zap.Error(err))
		return []string{fmt.Sprintf("health tracking failure for %s: endpoint may not leave rotation", ep.Name)}
	}
	return nil
}

// backoff sleeps 100ms doubling per attempt, capped at 30s, honoring
// cancellation.
func (d *Dispatcher) backoff(ctx context.Context, attempt int) error {
	delay := dispatchBackoffBase << (attempt - 1)
	if delay > dispatchBackoffCap {
		delay = dispatchBackoffCap
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (d *Dispatcher) noEndpointError(tier models.Tier, excluded models.ExclusionSet) error {
	total := d.selector.EndpointCount(tier)
	if total == 0 {
		return models.NewAppError(models.ErrConfig, "no endpoints configured for the %s tier", tier)
	}
	return models.NewAppError(models.ErrRoutingFailed,
		"no available %s tier endpoints (configured: %d, excluded: %d)", tier, total, excluded.Len())
}

// exhaustedError returns the last concrete error when one exists; otherwise
// a sanitized internal error that names the request, never the endpoints.
func (d *Dispatcher) exhaustedError(tier models.Tier, excluded models.ExclusionSet, requestID string, lastErr error) error {
	d.logger.Error("dispatch exhausted all endpoints",
		zap.String("tier", tier.String()),
		zap.String("request_id", requestID),
		zap.Int("excluded", excluded.Len()),
		zap.Error(lastErr),
	)
	if lastErr != nil {
		return lastErr
	}
	return models.NewAppError(models.ErrInternal,
		"request %s failed after exhausting %d endpoints", requestID, excluded.Len())
}
