package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/shadowguard/internal/api/middleware"
	"github.com/Wikid82/shadowguard/internal/engine"
	"github.com/Wikid82/shadowguard/internal/models"
	"github.com/Wikid82/shadowguard/internal/rules"
	"github.com/Wikid82/shadowguard/internal/services"
)

// RuleStore is the rule cache as seen by the console.
type RuleStore interface {
	engine.RuleSource
	ForceRefresh()
}

// RulesHandler exposes the cached rule tiers and dry-run classification.
type RulesHandler struct {
	rules  RuleStore
	engine *engine.Engine
	stats  *services.StatsService
}

func NewRulesHandler(rules RuleStore, eng *engine.Engine, stats *services.StatsService) *RulesHandler {
	return &RulesHandler{rules: rules, engine: eng, stats: stats}
}

type rulesResponse struct {
	Standard []models.Rule `json:"standard"`
	HighRisk []models.Rule `json:"high_risk"`
	LoadedAt *time.Time    `json:"loaded_at,omitempty"`
}

// List returns the current rule snapshot.
func (h *RulesHandler) List(c *gin.Context) {
	h.rules.Refresh()
	c.JSON(http.StatusOK, snapshotResponse(h.rules.Snapshot()))
}

// Reload rereads both rule documents immediately instead of waiting for the
// cache to go stale. A document that fails to load keeps its previous rules.
func (h *RulesHandler) Reload(c *gin.Context) {
	h.rules.ForceRefresh()
	snap := h.rules.Snapshot()
	middleware.GetRequestLogger(c).WithField("standard", len(snap.Standard)).
		WithField("high_risk", len(snap.HighRisk)).Info("rules reloaded")
	c.JSON(http.StatusOK, snapshotResponse(snap))
}

func snapshotResponse(snap *rules.Snapshot) rulesResponse {
	resp := rulesResponse{Standard: snap.Standard, HighRisk: snap.HighRisk}
	if resp.Standard == nil {
		resp.Standard = []models.Rule{}
	}
	if resp.HighRisk == nil {
		resp.HighRisk = []models.Rule{}
	}
	if !snap.LoadedAt.IsZero() {
		loaded := snap.LoadedAt
		resp.LoadedAt = &loaded
	}
	return resp
}

// AdminStats summarises the rule set and today's traffic.
func (h *RulesHandler) AdminStats(c *gin.Context) {
	h.rules.Refresh()
	snap := h.rules.Snapshot()

	today, err := h.stats.RequestsToday(c.Request.Context())
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("failed to count today's requests")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load admin statistics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active_rules":    len(snap.Standard),
		"high_risk_rules": len(snap.HighRisk),
		"total_blocked":   len(snap.Standard) + len(snap.HighRisk),
		"requests_today":  today,
	})
}

type evaluateRequest struct {
	Host   string `json:"host" binding:"required"`
	Path   string `json:"path"`
	Method string `json:"method"`
}

type evaluateResponse struct {
	models.Decision
	Blocked bool   `json:"blocked"`
	Status  string `json:"status"`
}

// Evaluate classifies a request without logging it.
func (h *RulesHandler) Evaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	d := h.engine.Evaluate(req.Host, req.Path, req.Method)
	c.JSON(http.StatusOK, evaluateResponse{Decision: d, Blocked: d.Blocked(), Status: d.Status()})
}
