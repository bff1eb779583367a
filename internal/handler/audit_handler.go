package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/activity-points-api/internal/repository"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
	"github.com/noah-isme/activity-points-api/pkg/response"
)

// AuditHandler exposes the audit trail for administrative review.
type AuditHandler struct {
	audit *repository.AuditRepository
}

// NewAuditHandler constructs handler.
func NewAuditHandler(audit *repository.AuditRepository) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// List godoc
// @Summary List audit entries for a resource
// @Tags System
// @Produce json
// @Param resource query string true "Resource name, e.g. rule_snapshots"
// @Param limit query int false "Maximum entries" default(50)
// @Success 200 {object} response.Envelope
// @Router /system/audit [get]
func (h *AuditHandler) List(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "resource is required"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := h.audit.ListByResource(c.Request.Context(), resource, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}
