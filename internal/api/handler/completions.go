package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/api/middleware"
	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/metrics"
	"github.com/user/octoroute/internal/models"
	"github.com/user/octoroute/internal/service"
	"github.com/user/octoroute/internal/storage"
)

// streamKeepAliveInterval is how often an idle SSE stream emits a comment
// line so intermediaries do not drop the connection.
const streamKeepAliveInterval = 15 * time.Second

// CompletionsHandler serves the OpenAI-compatible chat completions API.
type CompletionsHandler struct {
	cfg        *config.Config
	engine     *service.RoutingEngine
	dispatcher *service.Dispatcher
	metrics    *metrics.Metrics
	logRepo    *storage.RequestLogRepository
	logger     *zap.Logger
}

// NewCompletionsHandler creates the handler. logRepo may be nil when the
// audit log is not configured.
func NewCompletionsHandler(cfg *config.Config, engine *service.RoutingEngine, dispatcher *service.Dispatcher, m *metrics.Metrics, logRepo *storage.RequestLogRepository, logger *zap.Logger) *CompletionsHandler {
	return &CompletionsHandler{
		cfg:        cfg,
		engine:     engine,
		dispatcher: dispatcher,
		metrics:    m,
		logRepo:    logRepo,
		logger:     logger,
	}
}

// resolvedTarget is the outcome of model resolution: either a tier to
// dispatch into, or a pinned endpoint bypassing selection.
type resolvedTarget struct {
	tier     models.Tier
	pinned   *models.ModelEndpoint
	strategy models.RoutingStrategy
	warnings []string
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *CompletionsHandler) ChatCompletions(c *gin.Context) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		invalidRequest(c, decodeErrorStatus(err), err.Error())
		return
	}

	requestID := middleware.GetRequestID(c)
	start := time.Now()

	target, err := h.resolveTarget(c.Request.Context(), &req)
	if err != nil {
		appError(c, err)
		return
	}

	if req.Stream {
		h.streamCompletion(c, &req, target, requestID, start)
		return
	}
	h.completion(c, &req, target, requestID, start)
}

// resolveTarget turns the model field into a dispatch target: specific names
// pin an endpoint, tier names pin a tier, auto runs the routing engine.
func (h *CompletionsHandler) resolveTarget(ctx context.Context, req *models.ChatCompletionRequest) (*resolvedTarget, error) {
	if name, ok := req.Model.SpecificName(); ok {
		tier, ep, found := h.cfg.FindEndpoint(name)
		if !found {
			return nil, models.NewAppError(models.ErrValidation, "unknown model %q", name)
		}
		return &resolvedTarget{tier: tier, pinned: ep, strategy: "pinned"}, nil
	}
	if tier, ok := req.Model.TargetTier(); ok {
		return &resolvedTarget{tier: tier, strategy: "pinned"}, nil
	}

	meta := req.ToRouteMetadata()
	meta.Importance = h.cfg.DefaultImportance()
	decision, warnings, err := h.engine.Decide(ctx, req.LastUserContent(), meta)
	if err != nil {
		return nil, err
	}
	return &resolvedTarget{tier: decision.Target, strategy: decision.Strategy, warnings: warnings}, nil
}

// queryOptions forwards request-level sampling parameters upstream.
func queryOptions(req *models.ChatCompletionRequest) service.QueryOptions {
	return service.QueryOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}
}

func (h *CompletionsHandler) completion(c *gin.Context, req *models.ChatCompletionRequest, target *resolvedTarget, requestID string, start time.Time) {
	prompt := req.ToPromptString()
	opts := queryOptions(req)

	var result *service.QueryResult
	var err error
	if target.pinned != nil {
		result, err = h.dispatcher.ExecuteOn(c.Request.Context(), target.tier, target.pinned, prompt, opts)
	} else {
		result, err = h.dispatcher.Execute(c.Request.Context(), target.tier, prompt, requestID, opts)
	}
	if err != nil {
		h.audit(req, target, requestID, "", start, models.AsAppError(err).StatusCode(), false)
		appError(c, err)
		return
	}

	warnings := append(target.warnings, result.Warnings...)
	setWarnings(c, warnings)

	response := models.NewChatCompletion(result.Content, result.Endpoint.Name,
		utf8.RuneCountInString(prompt), h.unixNow())
	h.audit(req, target, requestID, result.Endpoint.Name, start, http.StatusOK, false)
	c.JSON(http.StatusOK, response)
}

func (h *CompletionsHandler) streamCompletion(c *gin.Context, req *models.ChatCompletionRequest, target *resolvedTarget, requestID string, start time.Time) {
	prompt := req.ToPromptString()
	opts := queryOptions(req)

	var handle *service.StreamHandle
	var err error
	if target.pinned != nil {
		handle, err = h.dispatcher.OpenStreamOn(c.Request.Context(), target.tier, target.pinned, prompt, opts)
	} else {
		handle, err = h.dispatcher.OpenStream(c.Request.Context(), target.tier, prompt, requestID, opts)
	}
	if err != nil {
		// The SSE stream has not started; a JSON error is still possible.
		h.audit(req, target, requestID, "", start, models.AsAppError(err).StatusCode(), true)
		appError(c, err)
		return
	}

	warnings := append(target.warnings, handle.Warnings...)
	setWarnings(c, warnings)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	id := models.NewCompletionID()
	created := h.unixNow()
	modelName := handle.Endpoint.Name

	h.writeChunk(c, models.InitialChunk(id, modelName, created))

	keepAlive := time.NewTicker(streamKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			h.audit(req, target, requestID, modelName, start, http.StatusOK, true)
			return

		case <-keepAlive.C:
			fmt.Fprint(c.Writer, ":\n\n")
			c.Writer.Flush()

		case chunk, ok := <-handle.Chunks:
			if !ok {
				// Normal end of stream: only now does the endpoint get its
				// success mark and invocation count.
				h.dispatcher.CompleteStream(handle)
				h.writeChunk(c, models.FinishChunk(id, modelName, created))
				h.writeDone(c)
				h.audit(req, target, requestID, modelName, start, http.StatusOK, true)
				return
			}
			if chunk.Err != nil {
				// The endpoint accepted the connection, so the break does not
				// count against its health. Clients get a sanitized in-band
				// error and the stream terminates without a stop chunk.
				h.metrics.RecordMidStreamFailure(modelName)
				h.logger.Error("stream interrupted",
					zap.String("endpoint", modelName),
					zap.String("request_id", requestID),
					zap.Error(chunk.Err),
				)
				h.writeChunk(c, models.ContentChunk(id, modelName, created,
					fmt.Sprintf("\n\n[stream interrupted; request %s]", requestID)))
				h.writeDone(c)
				h.audit(req, target, requestID, modelName, start, http.StatusOK, true)
				return
			}
			h.writeChunk(c, models.ContentChunk(id, modelName, created, chunk.Content))
		}
	}
}

// streamErrorEvent is a pre-built SSE payload for the case where a chunk
// itself cannot be serialized; it never depends on the JSON encoder working.
const streamErrorEvent = `{"error":{"message":"stream serialization failure","type":"server_error","param":null,"code":null}}`

func (h *CompletionsHandler) writeChunk(c *gin.Context, chunk models.ChatCompletionChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		h.logger.Error("failed to encode stream chunk", zap.Error(err))
		fmt.Fprintf(c.Writer, "data: %s\n\n", streamErrorEvent)
		c.Writer.Flush()
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func (h *CompletionsHandler) writeDone(c *gin.Context) {
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// unixNow returns the current UNIX timestamp, counting (and flooring) the
// pathological pre-epoch clock case instead of emitting a negative time.
func (h *CompletionsHandler) unixNow() int64 {
	now := time.Now().Unix()
	if now < 0 {
		h.metrics.ClockError()
		return 0
	}
	return now
}

// audit appends the request to the audit log, best effort and off the
// request path.
func (h *CompletionsHandler) audit(req *models.ChatCompletionRequest, target *resolvedTarget, requestID, endpointName string, start time.Time, status int, stream bool) {
	if h.logRepo == nil {
		return
	}
	meta := req.ToRouteMetadata()
	entry := &storage.RequestLogEntry{
		RequestID:    requestID,
		Tier:         target.tier.String(),
		Strategy:     string(target.strategy),
		EndpointName: endpointName,
		TaskType:     string(meta.TaskType),
		Importance:   string(h.cfg.DefaultImportance()),
		InputTokens:  int64(meta.TokenEstimate),
		LatencyMs:    time.Since(start).Milliseconds(),
		StatusCode:   status,
		Success:      status < 400,
		Stream:       stream,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h.logRepo.Insert(ctx, entry); err != nil {
			h.logger.Warn("failed to write request audit log",
				zap.String("request_id", requestID), zap.Error(err))
		}
	}()
}
