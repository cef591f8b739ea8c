package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/api/middleware"
	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/models"
	"github.com/user/octoroute/internal/service"
)

// ChatHandler serves the simple non-OpenAI chat endpoint: one message in,
// one completed response out, with the chosen tier attached.
type ChatHandler struct {
	cfg        *config.Config
	engine     *service.RoutingEngine
	dispatcher *service.Dispatcher
	logger     *zap.Logger
}

// NewChatHandler creates the handler.
func NewChatHandler(cfg *config.Config, engine *service.RoutingEngine, dispatcher *service.Dispatcher, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{cfg: cfg, engine: engine, dispatcher: dispatcher, logger: logger}
}

// ChatRequest is the simple chat body.
type ChatRequest struct {
	Message    string             `json:"message"`
	Importance *models.Importance `json:"importance,omitempty"`
	TaskType   *models.TaskType   `json:"task_type,omitempty"`
}

// ChatResponse is the simple chat reply.
type ChatResponse struct {
	Content   string `json:"content"`
	ModelTier string `json:"model_tier"`
	ModelName string `json:"model_name"`
	Strategy  string `json:"strategy"`
}

// Chat handles POST /chat.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		invalidRequest(c, decodeErrorStatus(err), err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		invalidRequest(c, http.StatusUnprocessableEntity, "message cannot be empty")
		return
	}

	meta := models.NewRouteMetadata(models.EstimateTokens(req.Message))
	meta.Importance = h.cfg.DefaultImportance()
	if req.Importance != nil {
		meta.Importance = *req.Importance
	}
	if req.TaskType != nil {
		meta.TaskType = *req.TaskType
	}

	decision, warnings, err := h.engine.Decide(c.Request.Context(), req.Message, meta)
	if err != nil {
		appError(c, err)
		return
	}

	requestID := middleware.GetRequestID(c)
	result, err := h.dispatcher.Execute(c.Request.Context(), decision.Target, req.Message, requestID, service.QueryOptions{})
	if err != nil {
		appError(c, err)
		return
	}

	setWarnings(c, append(warnings, result.Warnings...))
	c.JSON(http.StatusOK, ChatResponse{
		Content:   result.Content,
		ModelTier: decision.Target.String(),
		ModelName: result.Endpoint.Name,
		Strategy:  string(decision.Strategy),
	})
}
