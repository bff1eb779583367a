package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/google/uuid"

	"github.com/noah-isme/activity-points-api/internal/models"
	"github.com/noah-isme/activity-points-api/internal/service"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
	"github.com/noah-isme/activity-points-api/pkg/jobs"
	"github.com/noah-isme/activity-points-api/pkg/response"
)

// RuleConfigHandler exposes the rule configuration workflow: current rules,
// history, and the propose/preview/commit cycle.
type RuleConfigHandler struct {
	rules      *service.RuleService
	exports    *service.ExportService
	metrics    *service.MetricsService
	staleQueue *jobs.Queue
}

// NewRuleConfigHandler constructs handler. The stale queue, when present,
// picks up commits that left unresolved residue.
func NewRuleConfigHandler(rules *service.RuleService, exports *service.ExportService, metrics *service.MetricsService, staleQueue *jobs.Queue) *RuleConfigHandler {
	return &RuleConfigHandler{rules: rules, exports: exports, metrics: metrics, staleQueue: staleQueue}
}

func ruleScope(c *gin.Context) (models.RuleKind, string, error) {
	kind := models.RuleKind(c.Query("kind"))
	switch kind {
	case models.RuleKindCategory, models.RuleKindPosition:
		return kind, c.Query("category"), nil
	default:
		return "", "", appErrors.Clone(appErrors.ErrValidation, "kind must be CATEGORY_RULES or POSITION_POINTS")
	}
}

// Current godoc
// @Summary Get the committed rule configuration
// @Tags Rules
// @Produce json
// @Param kind query string true "CATEGORY_RULES or POSITION_POINTS"
// @Param category query string false "Category name for category rules"
// @Success 200 {object} response.Envelope
// @Router /rules/current [get]
func (h *RuleConfigHandler) Current(c *gin.Context) {
	kind, category, err := ruleScope(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	snapshot, err := h.rules.Current(c.Request.Context(), kind, category)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}

// History godoc
// @Summary List rule snapshot history
// @Tags Rules
// @Produce json
// @Param kind query string true "CATEGORY_RULES or POSITION_POINTS"
// @Param category query string false "Category name for category rules"
// @Success 200 {object} response.Envelope
// @Router /rules/history [get]
func (h *RuleConfigHandler) History(c *gin.Context) {
	kind, category, err := ruleScope(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	snapshots, err := h.rules.History(c.Request.Context(), kind, category)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshots, nil)
}

// GetSnapshot godoc
// @Summary Get one rule snapshot by id
// @Tags Rules
// @Produce json
// @Param id path string true "Snapshot ID"
// @Success 200 {object} response.Envelope
// @Router /rules/snapshots/{id} [get]
func (h *RuleConfigHandler) GetSnapshot(c *gin.Context) {
	snapshot, err := h.rules.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}

// ListDrafts godoc
// @Summary List pending rule drafts
// @Tags Rules
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /rules/drafts [get]
func (h *RuleConfigHandler) ListDrafts(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.rules.Drafts(), nil)
}

// Propose godoc
// @Summary Propose a rule change draft
// @Tags Rules
// @Accept json
// @Produce json
// @Param payload body service.ProposeRuleRequest true "Proposed rule payload"
// @Success 201 {object} response.Envelope
// @Router /rules/drafts [post]
func (h *RuleConfigHandler) Propose(c *gin.Context) {
	var req service.ProposeRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	draft, err := h.rules.Propose(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, draft)
}

// Preview godoc
// @Summary Dry-run a draft against stored events
// @Tags Rules
// @Produce json
// @Param id path string true "Draft ID"
// @Success 200 {object} response.Envelope
// @Router /rules/drafts/{id}/preview [post]
func (h *RuleConfigHandler) Preview(c *gin.Context) {
	report, err := h.rules.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// ExportPreview godoc
// @Summary Download a draft's impact report
// @Tags Rules
// @Produce text/csv
// @Param id path string true "Draft ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Router /rules/drafts/{id}/preview/export [get]
func (h *RuleConfigHandler) ExportPreview(c *gin.Context) {
	report, err := h.rules.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	format := service.ExportFormat(c.DefaultQuery("format", "csv"))
	result, err := h.exports.ImpactReport(report, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+result.FileName)
	c.Data(http.StatusOK, result.ContentType, result.Content)
}

// Commit godoc
// @Summary Commit a draft as the new current configuration
// @Tags Rules
// @Produce json
// @Param id path string true "Draft ID"
// @Success 200 {object} response.Envelope
// @Router /rules/drafts/{id}/commit [post]
func (h *RuleConfigHandler) Commit(c *gin.Context) {
	start := time.Now()
	result, err := h.rules.Commit(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordRuleCommit("rejected")
		}
		response.Error(c, err)
		return
	}
	if h.metrics != nil {
		outcome := "consistent"
		if !result.Consistent {
			outcome = "inconsistent"
		}
		h.metrics.RecordRuleCommit(outcome)
		h.metrics.ObserveRecalc(result.EventsRescored, time.Since(start))
	}
	if h.staleQueue != nil && (result.RecalcPending || len(result.StaleStudentIDs) > 0) {
		_ = h.staleQueue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: "reprocess_stale"})
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// DiscardDraft godoc
// @Summary Discard an uncommitted draft
// @Tags Rules
// @Param id path string true "Draft ID"
// @Success 204
// @Router /rules/drafts/{id} [delete]
func (h *RuleConfigHandler) DiscardDraft(c *gin.Context) {
	if err := h.rules.DiscardDraft(c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
