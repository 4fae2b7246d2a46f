package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wikid82/shadowguard/internal/activity"
	"github.com/Wikid82/shadowguard/internal/api/handlers"
	"github.com/Wikid82/shadowguard/internal/engine"
	"github.com/Wikid82/shadowguard/internal/services"
)

// Deps are the components the console routes are served from.
type Deps struct {
	Stats         *services.StatsService
	Notifications *services.NotificationService
	Activity      *activity.Logger
	Reconciler    *activity.Reconciler
	Rules         handlers.RuleStore
	Engine        *engine.Engine

	// Metrics is served on /metrics when set.
	Metrics prometheus.Gatherer
}

// Register wires up the console API.
func Register(router *gin.Engine, deps Deps) error {
	if deps.Stats == nil || deps.Notifications == nil || deps.Activity == nil ||
		deps.Reconciler == nil || deps.Rules == nil || deps.Engine == nil {
		return fmt.Errorf("register routes: missing dependency")
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	router.GET("/api/v1/health", handlers.HealthHandler)

	api := router.Group("/api/v1")

	statsHandler := handlers.NewStatsHandler(deps.Stats, deps.Activity, deps.Reconciler)
	api.GET("/stats", statsHandler.Stats)
	api.POST("/log", statsHandler.Log)
	api.POST("/clear", statsHandler.Clear)

	rulesHandler := handlers.NewRulesHandler(deps.Rules, deps.Engine, deps.Stats)
	api.GET("/admin-stats", rulesHandler.AdminStats)
	api.GET("/rules", rulesHandler.List)
	api.POST("/rules/reload", rulesHandler.Reload)
	api.POST("/evaluate", rulesHandler.Evaluate)

	notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
	api.GET("/notifications", notificationHandler.List)
	api.POST("/notifications/:id/read", notificationHandler.MarkAsRead)
	api.POST("/notifications/read-all", notificationHandler.MarkAllAsRead)

	return nil
}
