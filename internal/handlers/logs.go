package handlers

import (
	"net/http"
	"strconv"

	"CF-FORMS/internal/models"
	"CF-FORMS/internal/services"

	"github.com/gin-gonic/gin"
)

type LogsHandler struct {
	activityLogService *services.ActivityLogService
}

func NewLogsHandler(activityLogService *services.ActivityLogService) *LogsHandler {
	return &LogsHandler{
		activityLogService: activityLogService,
	}
}

type LogsResponse struct {
	Logs       []models.ActivityLog `json:"logs"`
	Total      int64                `json:"total"`
	Page       int                  `json:"page"`
	Limit      int                  `json:"limit"`
	TotalPages int                  `json:"total_pages"`
}

// GetInstanceLogs returns the activity of one instance, newest first.
func (h *LogsHandler) GetInstanceLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(services.DefaultLogLimit)))
	if err != nil {
		limit = 0
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	limit, _ = services.ClampPage(limit, 0)
	offset := (page - 1) * limit

	logs, total, err := h.activityLogService.List(c.Request.Context(), c.Param("instanceId"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []models.ActivityLog{}
	}

	c.JSON(http.StatusOK, LogsResponse{
		Logs:       logs,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: int((total + int64(limit) - 1) / int64(limit)),
	})
}
