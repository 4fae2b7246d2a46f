package rules

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/shadowguard/internal/config"
	"github.com/Wikid82/shadowguard/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []string
	done    chan struct{}
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{done: make(chan struct{}, 16)}
}

func (r *recordingReporter) Report(_ models.NotificationType, source, title, _ string) {
	r.mu.Lock()
	r.reports = append(r.reports, source+": "+title)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func setupStore(t *testing.T, opts ...Option) (*Store, config.RulesConfig, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.RulesConfig{
		BlocklistPath:   filepath.Join(dir, "blocklist.json"),
		HighRiskPath:    filepath.Join(dir, "high_risk_domains.json"),
		RefreshInterval: 5 * time.Second,
	}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewStore(cfg, opts...), cfg, clock
}

func writeDoc(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func domains(rules []models.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Domain)
	}
	return out
}

func TestStore_MissingDocumentsUseDefaults(t *testing.T) {
	store, _, _ := setupStore(t)

	assert.Empty(t, store.Snapshot().Standard)

	store.Refresh()
	snap := store.Snapshot()
	assert.Equal(t, DefaultBlocked, domains(snap.Standard))
	assert.Empty(t, snap.HighRisk)
	for _, r := range snap.Standard {
		assert.Equal(t, []string{"GET", "POST"}, r.Methods)
		assert.Equal(t, models.TierStandard, r.Tier)
	}
}

func TestStore_LoadsBothTiersInDocumentOrder(t *testing.T) {
	store, cfg, _ := setupStore(t)
	writeDoc(t, cfg.BlocklistPath, `[{"domain":"b.com","reason":"first"},{"domain":"a.com"},{"domain":""}]`)
	writeDoc(t, cfg.HighRiskPath, `[{"domain":"casino.com","message":"gambling","risk_score":90}]`)

	store.Refresh()
	snap := store.Snapshot()
	assert.Equal(t, []string{"b.com", "a.com"}, domains(snap.Standard))
	require.Len(t, snap.HighRisk, 1)
	assert.Equal(t, models.TierHighRisk, snap.HighRisk[0].Tier)
	assert.Equal(t, "gambling", snap.HighRisk[0].Message)
}

func TestStore_BadEntrySkippedNotWholeDocument(t *testing.T) {
	store, cfg, _ := setupStore(t)
	writeDoc(t, cfg.BlocklistPath, `[
		{"domain":"gambling.example","risk_score":50},
		{"domain":"news.example","risk_score":"80"},
		{"domain":"odd.example","risk_score":"high","added_at":12345,"methods":"post"},
		{"domain":42},
		"not an object",
		{"domain":"shop.example","methods":{"get":true}}
	]`)

	store.Refresh()
	snap := store.Snapshot()
	assert.Equal(t, []string{"gambling.example", "news.example", "odd.example"}, domains(snap.Standard))
	assert.NotContains(t, domains(snap.Standard), "facebook.com")

	require.NotNil(t, snap.Standard[1].RiskScore)
	assert.Equal(t, 80, *snap.Standard[1].RiskScore)
	assert.Nil(t, snap.Standard[2].RiskScore)
	assert.True(t, snap.Standard[2].AddedAt.IsZero())
	assert.Equal(t, []string{"POST"}, snap.Standard[2].Methods)
}

func TestStore_RefreshHonoursInterval(t *testing.T) {
	store, cfg, clock := setupStore(t)
	writeDoc(t, cfg.BlocklistPath, `[{"domain":"one.com"}]`)
	store.Refresh()
	assert.Equal(t, []string{"one.com"}, domains(store.Snapshot().Standard))

	writeDoc(t, cfg.BlocklistPath, `[{"domain":"two.com"}]`)
	clock.Advance(5 * time.Second)
	store.Refresh()
	assert.Equal(t, []string{"one.com"}, domains(store.Snapshot().Standard), "exactly one interval is not stale yet")

	clock.Advance(time.Millisecond)
	store.Refresh()
	assert.Equal(t, []string{"two.com"}, domains(store.Snapshot().Standard))
}

func TestStore_MalformedDocumentKeepsLastKnownGood(t *testing.T) {
	reporter := newRecordingReporter()
	store, cfg, clock := setupStore(t, WithReporter(reporter))
	writeDoc(t, cfg.BlocklistPath, `[{"domain":"good.com"}]`)
	writeDoc(t, cfg.HighRiskPath, `[{"domain":"risky.com"}]`)
	store.Refresh()

	writeDoc(t, cfg.BlocklistPath, `[{"domain":`)
	writeDoc(t, cfg.HighRiskPath, `{"not":"an array"}`)
	clock.Advance(6 * time.Second)
	store.Refresh()

	snap := store.Snapshot()
	assert.Equal(t, []string{"good.com"}, domains(snap.Standard))
	assert.Equal(t, []string{"risky.com"}, domains(snap.HighRisk))

	<-reporter.done
	<-reporter.done
	assert.Equal(t, 2, reporter.count())

	// The same failure is not reported twice.
	clock.Advance(6 * time.Second)
	store.Refresh()
	assert.Equal(t, 2, reporter.count())
}

func TestStore_MalformedDocumentWithoutSnapshotFallsBack(t *testing.T) {
	store, cfg, _ := setupStore(t)
	writeDoc(t, cfg.BlocklistPath, `not json`)
	writeDoc(t, cfg.HighRiskPath, `not json`)

	store.Refresh()
	snap := store.Snapshot()
	assert.Equal(t, DefaultBlocked, domains(snap.Standard))
	assert.Empty(t, snap.HighRisk)
}

func TestStore_ForceRefreshIgnoresInterval(t *testing.T) {
	store, cfg, _ := setupStore(t)
	writeDoc(t, cfg.BlocklistPath, `[{"domain":"one.com"}]`)
	store.Refresh()

	writeDoc(t, cfg.BlocklistPath, `[{"domain":"two.com"}]`)
	store.ForceRefresh()
	assert.Equal(t, []string{"two.com"}, domains(store.Snapshot().Standard))
}

func TestStore_ConcurrentRefreshAndSnapshot(t *testing.T) {
	store, cfg, clock := setupStore(t)
	writeDoc(t, cfg.BlocklistPath, `[{"domain":"one.com"}]`)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				clock.Advance(2 * time.Second)
			}
			store.Refresh()
			snap := store.Snapshot()
			assert.NotEmpty(t, snap.Standard)
		}(i)
	}
	wg.Wait()
}
