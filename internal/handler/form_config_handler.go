package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/activity-points-api/internal/service"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
	"github.com/noah-isme/activity-points-api/pkg/response"
)

// FormConfigHandler exposes per-category form configuration endpoints.
type FormConfigHandler struct {
	forms *service.FormConfigService
}

// NewFormConfigHandler constructs handler.
func NewFormConfigHandler(forms *service.FormConfigService) *FormConfigHandler {
	return &FormConfigHandler{forms: forms}
}

// List godoc
// @Summary List form configurations
// @Tags Form Configs
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /form-configs [get]
func (h *FormConfigHandler) List(c *gin.Context) {
	configs, err := h.forms.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, configs, nil)
}

// Get godoc
// @Summary Get a category's form configuration
// @Tags Form Configs
// @Produce json
// @Param category path string true "Category name"
// @Success 200 {object} response.Envelope
// @Router /form-configs/{category} [get]
func (h *FormConfigHandler) Get(c *gin.Context) {
	config, err := h.forms.Get(c.Request.Context(), c.Param("category"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, config, nil)
}

// Update godoc
// @Summary Replace a category's form configuration
// @Tags Form Configs
// @Accept json
// @Produce json
// @Param category path string true "Category name"
// @Param payload body service.UpdateFormConfigRequest true "Form definition"
// @Success 200 {object} response.Envelope
// @Router /form-configs/{category} [put]
func (h *FormConfigHandler) Update(c *gin.Context) {
	var req service.UpdateFormConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	config, err := h.forms.Update(c.Request.Context(), c.Param("category"), actorID(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, config, nil)
}
