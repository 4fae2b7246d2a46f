package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Wikid82/shadowguard/internal/activity"
	"github.com/Wikid82/shadowguard/internal/api/handlers"
	"github.com/Wikid82/shadowguard/internal/config"
	"github.com/Wikid82/shadowguard/internal/engine"
	"github.com/Wikid82/shadowguard/internal/rules"
	"github.com/Wikid82/shadowguard/internal/services"
)

type fixture struct {
	db            *gorm.DB
	dir           string
	stats         *services.StatsService
	notifications *services.NotificationService
	buf           *activity.Buffer
	logger        *activity.Logger
	reconciler    *activity.Reconciler
	store         *rules.Store
	engine        *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blocklist.json"),
		`[{"domain":"twitter.com","reason":"Social media"},{"domain":"reddit.com","methods":["POST"]}]`)
	writeFile(t, filepath.Join(dir, "high_risk_domains.json"),
		`[{"domain":"casino.com","message":"Gambling","risk_score":95}]`)

	db := handlers.OpenTestDB(t)
	f := &fixture{
		db:            db,
		dir:           dir,
		stats:         services.NewStatsService(db, 5*time.Second),
		notifications: services.NewNotificationService(db, nil),
		buf:           activity.NewBuffer(filepath.Join(dir, "proxy_activity.json"), activity.DefaultCapacity),
	}
	f.logger = activity.NewLogger(f.buf, f.notifications)
	f.reconciler = activity.NewReconciler(f.buf, f.stats, f.notifications)
	f.store = rules.NewStore(config.RulesConfig{
		BlocklistPath:   filepath.Join(dir, "blocklist.json"),
		HighRiskPath:    filepath.Join(dir, "high_risk_domains.json"),
		RefreshInterval: time.Minute,
	}, rules.WithReporter(f.notifications))
	f.engine = engine.New(f.store, []string{"localhost", "127.0.0.1"})
	return f
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func doJSON(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
