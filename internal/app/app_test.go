package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/shadowguard/internal/config"
	"github.com/Wikid82/shadowguard/internal/models"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		Environment:  "test",
		HTTPPort:     "0",
		ProxyAddr:    "127.0.0.1:0",
		DataDir:      dir,
		DatabasePath: filepath.Join(dir, "activity.db"),
		StoreTimeout: 5 * time.Second,
		Rules: config.RulesConfig{
			BlocklistPath:   filepath.Join(dir, "blocklist.json"),
			HighRiskPath:    filepath.Join(dir, "high_risk_domains.json"),
			RefreshInterval: 5 * time.Second,
			ManagementHosts: []string{"localhost", "127.0.0.1"},
		},
		Activity: config.ActivityConfig{
			BufferPath:        filepath.Join(dir, "proxy_activity.json"),
			BufferCapacity:    1000,
			ReconcileInterval: time.Minute,
		},
		RetentionWindow: 7 * 24 * time.Hour,
		SweepSchedule:   "@every 24h",
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Rules.BlocklistPath, []byte(`[{"domain":"twitter.com"}]`), 0o644))

	a, err := Build(cfg)
	require.NoError(t, err)
	defer a.Close()

	d := a.Engine.Evaluate("mobile.twitter.com", "/", "GET")
	require.True(t, d.Blocked())
	assert.Equal(t, models.TierStandard, d.Tier)

	a.Activity.Append(d)
	n, err := a.Reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := a.Stats.Aggregate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.BlockedRequests)
	assert.Equal(t, 100.0, report.BlockRate)
}

func TestScheduler_Jobs(t *testing.T) {
	a, err := Build(testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	s, err := a.Scheduler()
	require.NoError(t, err)
	assert.Len(t, s.Cron.Entries(), 3)

	a.Config.Activity.ReconcileInterval = 0
	s, err = a.Scheduler()
	require.NoError(t, err)
	assert.Len(t, s.Cron.Entries(), 2)

	a.Config.SweepSchedule = "whenever"
	_, err = a.Scheduler()
	assert.Error(t, err)
}

func TestScheduler_DefaultConfigHasNoReconcileJob(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SG_DATA_DIR", dir)
	t.Setenv("SG_BUFFER_PATH", filepath.Join(dir, "proxy_activity.json"))
	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := Build(cfg)
	require.NoError(t, err)
	defer a.Close()

	s, err := a.Scheduler()
	require.NoError(t, err)
	// rules-refresh and retention-sweep only; the buffer drains on console reads.
	assert.Len(t, s.Cron.Entries(), 2)
}

func TestServe_StopsOnCancel(t *testing.T) {
	a, err := Build(testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 5s", every(5*time.Second))
	assert.Equal(t, "@every 1m0s", every(time.Minute))
}
