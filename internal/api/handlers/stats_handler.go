package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Wikid82/shadowguard/internal/activity"
	"github.com/Wikid82/shadowguard/internal/api/middleware"
	"github.com/Wikid82/shadowguard/internal/models"
	"github.com/Wikid82/shadowguard/internal/services"
)

// StatsHandler serves the activity dashboard.
type StatsHandler struct {
	stats      *services.StatsService
	activity   *activity.Logger
	reconciler *activity.Reconciler
}

func NewStatsHandler(stats *services.StatsService, logger *activity.Logger, reconciler *activity.Reconciler) *StatsHandler {
	return &StatsHandler{stats: stats, activity: logger, reconciler: reconciler}
}

// reconcile drains the buffer before a read. Failures only delay the data.
func (h *StatsHandler) reconcile(c *gin.Context) {
	if _, err := h.reconciler.Reconcile(c.Request.Context()); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Warn("activity import failed")
	}
}

// Stats imports pending activity and returns the aggregate report.
func (h *StatsHandler) Stats(c *gin.Context) {
	h.reconcile(c)

	report, err := h.stats.Aggregate(c.Request.Context())
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("failed to aggregate statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load statistics"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type logRequest struct {
	Domain       string     `json:"domain" binding:"required"`
	Path         string     `json:"path"`
	Method       string     `json:"method"`
	Blocked      bool       `json:"blocked"`
	Status       string     `json:"status"`
	ResponseTime float64    `json:"response_time"`
	Timestamp    *time.Time `json:"timestamp"`
}

// Log ingests one decision reported by an external interceptor.
func (h *StatsHandler) Log(c *gin.Context) {
	var req logRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry := models.ActivityEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		Domain:       strings.ToLower(strings.TrimSpace(req.Domain)),
		Path:         req.Path,
		Method:       strings.ToUpper(req.Method),
		Blocked:      req.Blocked,
		Status:       req.Status,
		ResponseTime: req.ResponseTime,
	}
	if req.Timestamp != nil {
		entry.Timestamp = *req.Timestamp
	}
	if entry.Path == "" {
		entry.Path = "/"
	}
	if entry.Method == "" {
		entry.Method = "GET"
	}
	if entry.Status == "" {
		entry.Status = models.StatusAllowed
		if entry.Blocked {
			entry.Status = models.StatusBlocked
		}
	}

	if err := h.activity.AppendEntry(entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to log request"})
		return
	}
	h.reconcile(c)

	c.JSON(http.StatusOK, gin.H{"status": "logged", "id": entry.ID})
}

// Clear deletes all stored activity.
func (h *StatsHandler) Clear(c *gin.Context) {
	if err := h.stats.Clear(c.Request.Context()); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("failed to clear statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear statistics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
