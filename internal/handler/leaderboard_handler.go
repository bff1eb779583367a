package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/activity-points-api/internal/service"
	"github.com/noah-isme/activity-points-api/pkg/response"
)

// LeaderboardHandler exposes ranked point totals.
type LeaderboardHandler struct {
	leaderboard *service.LeaderboardService
	exports     *service.ExportService
}

// NewLeaderboardHandler constructs handler.
func NewLeaderboardHandler(leaderboard *service.LeaderboardService, exports *service.ExportService) *LeaderboardHandler {
	return &LeaderboardHandler{leaderboard: leaderboard, exports: exports}
}

// Get godoc
// @Summary Get the points leaderboard
// @Tags Leaderboard
// @Produce json
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /leaderboard [get]
func (h *LeaderboardHandler) Get(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.leaderboard.Get(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Export godoc
// @Summary Download the leaderboard
// @Tags Leaderboard
// @Produce text/csv
// @Param format query string false "csv or pdf" default(csv)
// @Param limit query int false "Maximum entries"
// @Success 200 {file} file
// @Router /leaderboard/export [get]
func (h *LeaderboardHandler) Export(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.leaderboard.Get(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	format := service.ExportFormat(c.DefaultQuery("format", "csv"))
	result, err := h.exports.Leaderboard(entries, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+result.FileName)
	c.Data(http.StatusOK, result.ContentType, result.Content)
}
