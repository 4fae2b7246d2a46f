package handlers_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/shadowguard/internal/api/handlers"
	"github.com/Wikid82/shadowguard/internal/models"
)

func notificationRouter(f *fixture) *gin.Engine {
	h := handlers.NewNotificationHandler(f.notifications)
	r := gin.New()
	r.GET("/notifications", h.List)
	r.POST("/notifications/:id/read", h.MarkAsRead)
	r.POST("/notifications/read-all", h.MarkAllAsRead)
	return r
}

func TestNotificationHandler_List(t *testing.T) {
	f := newFixture(t)
	f.db.Create(&models.Notification{Title: "Test 1", Message: "Msg 1", Read: false})
	f.db.Create(&models.Notification{Title: "Test 2", Message: "Msg 2", Read: true})
	r := notificationRouter(f)

	w := doJSON(r, http.MethodGet, "/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var notifications []models.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &notifications))
	assert.Len(t, notifications, 2)

	w = doJSON(r, http.MethodGet, "/notifications?unread=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &notifications))
	require.Len(t, notifications, 1)
	assert.False(t, notifications[0].Read)
}

func TestNotificationHandler_MarkAsRead(t *testing.T) {
	f := newFixture(t)
	notif := &models.Notification{Title: "Test 1", Message: "Msg 1"}
	require.NoError(t, f.db.Create(notif).Error)
	r := notificationRouter(f)

	w := doJSON(r, http.MethodPost, "/notifications/"+notif.ID+"/read", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var updated models.Notification
	require.NoError(t, f.db.First(&updated, "id = ?", notif.ID).Error)
	assert.True(t, updated.Read)

	w = doJSON(r, http.MethodPost, "/notifications/does-not-exist/read", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationHandler_MarkAllAsRead(t *testing.T) {
	f := newFixture(t)
	f.db.Create(&models.Notification{Title: "Test 1", Message: "Msg 1"})
	f.db.Create(&models.Notification{Title: "Test 2", Message: "Msg 2"})
	r := notificationRouter(f)

	w := doJSON(r, http.MethodPost, "/notifications/read-all", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var count int64
	f.db.Model(&models.Notification{}).Where("read = ?", false).Count(&count)
	assert.Zero(t, count)
}

func TestNotificationHandler_RuleFailureIsListed(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.dir+"/blocklist.json", `{broken`)
	f.store.ForceRefresh()

	r := notificationRouter(f)
	require.Eventually(t, func() bool {
		w := doJSON(r, http.MethodGet, "/notifications?unread=true", nil)
		var notifications []models.Notification
		if err := json.Unmarshal(w.Body.Bytes(), &notifications); err != nil {
			return false
		}
		return len(notifications) == 1 && notifications[0].Source == "rules"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNotificationHandler_StoreFailure(t *testing.T) {
	f := newFixture(t)
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := doJSON(notificationRouter(f), http.MethodGet, "/notifications", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
