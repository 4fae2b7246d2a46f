// Package rules owns the in-memory cache of the standard and high-risk rule
// documents.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/shadowguard/internal/config"
	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/metrics"
	"github.com/Wikid82/shadowguard/internal/models"
)

// ErrConfigLoad wraps every failure to read or decode a rule document.
var ErrConfigLoad = errors.New("rule document load failed")

// DefaultBlocked is used for the standard tier when no blocklist document exists
// and nothing has been loaded yet.
var DefaultBlocked = []string{"facebook.com", "twitter.com", "instagram.com", "reddit.com", "youtube.com", "tiktok.com"}

const readTimeout = 2 * time.Second

// Reporter receives load failures so they can be surfaced to operators.
type Reporter interface {
	Report(nType models.NotificationType, source, title, message string)
}

// Snapshot is an immutable view of both rule tiers. Callers must not modify it.
type Snapshot struct {
	Standard []models.Rule
	HighRisk []models.Rule
	LoadedAt time.Time
}

// Store caches the rule documents and reloads them at most once per interval.
type Store struct {
	standardPath string
	highRiskPath string
	interval     time.Duration
	now          func() time.Time
	reporter     Reporter
	log          *logrus.Entry

	mu          sync.Mutex
	snap        atomic.Pointer[Snapshot]
	lastAttempt atomic.Int64
	reported    map[models.Tier]string
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithReporter routes load failures to an operator-visible channel.
func WithReporter(r Reporter) Option {
	return func(s *Store) { s.reporter = r }
}

// NewStore creates a Store for the documents named in cfg. Nothing is read
// until the first Refresh.
func NewStore(cfg config.RulesConfig, opts ...Option) *Store {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Store{
		standardPath: cfg.BlocklistPath,
		highRiskPath: cfg.HighRiskPath,
		interval:     interval,
		now:          time.Now,
		log:          logger.Component("rules"),
		reported:     make(map[models.Tier]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current cache without locking. Before the first load it
// returns an empty snapshot.
func (s *Store) Snapshot() *Snapshot {
	if snap := s.snap.Load(); snap != nil {
		return snap
	}
	return &Snapshot{}
}

// Refresh reloads both documents when the cache is older than the refresh
// interval. Only one caller reloads at a time; concurrent callers return
// immediately and keep using the previous snapshot. The very first load
// blocks so that no caller classifies against an empty cache.
func (s *Store) Refresh() {
	if s.snap.Load() == nil {
		s.mu.Lock()
	} else {
		if !s.stale() {
			return
		}
		if !s.mu.TryLock() {
			return
		}
	}
	defer s.mu.Unlock()

	if s.snap.Load() != nil && !s.stale() {
		return
	}
	s.reload()
}

// ForceRefresh reloads both documents regardless of the cache age.
func (s *Store) ForceRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload()
}

func (s *Store) stale() bool {
	last := s.lastAttempt.Load()
	return s.now().Sub(time.Unix(0, last)) > s.interval
}

func (s *Store) reload() {
	now := s.now()
	s.lastAttempt.Store(now.UnixNano())
	prev := s.snap.Load()

	next := &Snapshot{LoadedAt: now}

	standard, err := loadDocument(s.standardPath, models.TierStandard)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.WithField("path", s.standardPath).Debug("blocklist document not found, using defaults")
		next.Standard = defaultRules()
		s.resolved(models.TierStandard)
	case err != nil:
		s.failed(models.TierStandard, err)
		if prev != nil {
			next.Standard = prev.Standard
		} else {
			next.Standard = defaultRules()
		}
	default:
		next.Standard = standard
		s.resolved(models.TierStandard)
	}

	highRisk, err := loadDocument(s.highRiskPath, models.TierHighRisk)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		next.HighRisk = nil
		s.resolved(models.TierHighRisk)
	case err != nil:
		s.failed(models.TierHighRisk, err)
		if prev != nil {
			next.HighRisk = prev.HighRisk
		}
	default:
		next.HighRisk = highRisk
		s.resolved(models.TierHighRisk)
	}

	s.snap.Store(next)
	metrics.SetRulesLoaded(string(models.TierStandard), len(next.Standard))
	metrics.SetRulesLoaded(string(models.TierHighRisk), len(next.HighRisk))
	s.log.WithFields(logrus.Fields{
		"standard":  len(next.Standard),
		"high_risk": len(next.HighRisk),
	}).Debug("rules refreshed")
}

// failed logs every failure but only reports a failure to operators when it
// differs from the last one reported for the tier.
func (s *Store) failed(tier models.Tier, err error) {
	metrics.IncRuleLoadError(string(tier))
	s.log.WithError(err).WithField("tier", tier).Warn("keeping previous rules")

	msg := err.Error()
	if s.reported[tier] == msg {
		return
	}
	s.reported[tier] = msg
	if s.reporter != nil {
		go s.reporter.Report(models.NotificationTypeWarning, "rules",
			fmt.Sprintf("Failed to load %s rules", tier), msg)
	}
}

func (s *Store) resolved(tier models.Tier) {
	delete(s.reported, tier)
}

func loadDocument(path string, tier models.Tier) ([]models.Rule, error) {
	data, err := readFile(path, readTimeout)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigLoad, path, err)
	}

	var doc []json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigLoad, path, err)
	}

	// Entries are decoded one by one so a single bad entry cannot discard
	// the rest of the document.
	out := make([]models.Rule, 0, len(doc))
	for i, raw := range doc {
		var r models.Rule
		err := json.Unmarshal(raw, &r)
		if err == nil {
			err = r.Normalize(tier)
		}
		if err != nil {
			logger.Component("rules").WithFields(logrus.Fields{
				"path":  path,
				"index": i,
			}).WithError(err).Warn("skipping invalid rule")
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// readFile bounds a document read so a stalled filesystem cannot hold the
// reload lock indefinitely.
func readFile(path string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(path)
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("read %s: %w", path, ctx.Err())
	}
}

func defaultRules() []models.Rule {
	out := make([]models.Rule, 0, len(DefaultBlocked))
	for _, d := range DefaultBlocked {
		r := models.Rule{Domain: d}
		_ = r.Normalize(models.TierStandard)
		out = append(out, r)
	}
	return out
}
