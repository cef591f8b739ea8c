package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/models"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	cfg *config.Config
}

// NewModelsHandler creates the handler.
func NewModelsHandler(cfg *config.Config) *ModelsHandler {
	return &ModelsHandler{cfg: cfg}
}

// List returns the routable model names: the auto alias, the three tier
// aliases, and every configured endpoint owned by its tier.
func (h *ModelsHandler) List(c *gin.Context) {
	data := []models.ModelObject{
		models.NewModelObject("auto", "octoroute"),
	}
	for _, tier := range models.AllTiers() {
		data = append(data, models.NewModelObject(tier.String(), "octoroute"))
	}
	for _, tier := range models.AllTiers() {
		for _, ep := range h.cfg.Models.Tier(tier) {
			data = append(data, models.NewModelObject(ep.Name, tier.String()))
		}
	}
	c.JSON(http.StatusOK, models.NewModelsListResponse(data))
}
