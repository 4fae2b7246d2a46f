package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/shadowguard/internal/models"
)

// ErrStore wraps failures of the activity database.
var ErrStore = errors.New("activity store unavailable")

const (
	topDomainsLimit     = 10
	todayTopLimit       = 5
	recentActivityLimit = 100
	minSeriesPoints     = 3
)

// DomainCount is one row of a top-domains list.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// DomainAttempts is one row of today's most blocked domains.
type DomainAttempts struct {
	Domain   string `json:"domain"`
	Attempts int64  `json:"attempts"`
}

// RecentRequest is one row of the recent activity feed.
type RecentRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Domain    string    `json:"domain"`
	Method    string    `json:"method"`
	Status    string    `json:"status"`
	Blocked   bool      `json:"blocked"`
}

// SeriesPoint is one populated bucket of the traffic time series.
type SeriesPoint struct {
	Hour    string `json:"hour"`
	Total   int64  `json:"total"`
	Blocked int64  `json:"blocked"`
}

// StatsReport is the aggregate served to the console.
type StatsReport struct {
	TotalRequests     int64            `json:"total_requests"`
	BlockedRequests   int64            `json:"blocked_requests"`
	AllowedRequests   int64            `json:"allowed_requests"`
	BlockRate         float64          `json:"block_rate"`
	TopAllowedDomains []DomainCount    `json:"top_allowed_domains"`
	TopBlockedDomains []DomainCount    `json:"top_blocked_domains"`
	RecentActivity    []RecentRequest  `json:"recent_activity"`
	HourlyStats       []SeriesPoint    `json:"hourly_stats"`
	TodayMostBlocked  []DomainAttempts `json:"today_most_blocked"`
}

// StatsService stores request records and computes aggregates over them.
type StatsService struct {
	DB      *gorm.DB
	timeout time.Duration
	now     func() time.Time
}

// NewStatsService returns a StatsService. Every call is bounded by timeout.
func NewStatsService(db *gorm.DB, timeout time.Duration) *StatsService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StatsService{DB: db, timeout: timeout, now: time.Now}
}

func (s *StatsService) withTimeout(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.DB.WithContext(ctx), cancel
}

// Record stores one imported entry together with its blocked attempt. It
// reports false when an entry with the same key was already stored.
func (s *StatsService) Record(ctx context.Context, e models.ActivityEntry) (bool, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	inserted := false
	err := db.Transaction(func(tx *gorm.DB) error {
		req := models.StoredRequest{
			EntryID:      e.Key(),
			Timestamp:    e.Timestamp,
			Domain:       e.Domain,
			Path:         e.Path,
			Method:       e.Method,
			Status:       e.Status,
			Blocked:      e.Blocked,
			ResponseTime: e.ResponseTime,
		}
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entry_id"}}, DoNothing: true}).Create(&req)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true

		if !e.Blocked {
			return nil
		}
		return tx.Create(&models.BlockedAttempt{
			Timestamp: e.Timestamp,
			Domain:    e.Domain,
			UserIP:    models.AnonymousOrigin,
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("%w: record request: %v", ErrStore, err)
	}
	return inserted, nil
}

// Aggregate computes the console report.
func (s *StatsService) Aggregate(ctx context.Context) (*StatsReport, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	report := &StatsReport{
		TopAllowedDomains: []DomainCount{},
		TopBlockedDomains: []DomainCount{},
		RecentActivity:    []RecentRequest{},
		HourlyStats:       []SeriesPoint{},
		TodayMostBlocked:  []DomainAttempts{},
	}

	if err := db.Model(&models.StoredRequest{}).Count(&report.TotalRequests).Error; err != nil {
		return nil, fmt.Errorf("%w: count requests: %v", ErrStore, err)
	}
	if err := db.Model(&models.StoredRequest{}).Where("blocked = ?", true).Count(&report.BlockedRequests).Error; err != nil {
		return nil, fmt.Errorf("%w: count blocked: %v", ErrStore, err)
	}
	report.AllowedRequests = report.TotalRequests - report.BlockedRequests
	report.BlockRate = BlockRate(report.BlockedRequests, report.TotalRequests)

	var err error
	if report.TopAllowedDomains, err = s.topDomains(db, false); err != nil {
		return nil, err
	}
	if report.TopBlockedDomains, err = s.topDomains(db, true); err != nil {
		return nil, err
	}

	if err := db.Model(&models.StoredRequest{}).
		Select("timestamp, domain, method, status, blocked").
		Order("timestamp DESC, id DESC").
		Limit(recentActivityLimit).
		Scan(&report.RecentActivity).Error; err != nil {
		return nil, fmt.Errorf("%w: recent activity: %v", ErrStore, err)
	}
	if report.RecentActivity == nil {
		report.RecentActivity = []RecentRequest{}
	}

	if report.HourlyStats, err = s.series(db, now); err != nil {
		return nil, err
	}
	if report.TodayMostBlocked, err = s.todayMostBlocked(db, now); err != nil {
		return nil, err
	}

	return report, nil
}

// BlockRate returns blocked/total as a percentage rounded to two decimals.
func BlockRate(blocked, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(blocked)/float64(total)*100*100) / 100
}

func (s *StatsService) topDomains(db *gorm.DB, blocked bool) ([]DomainCount, error) {
	out := []DomainCount{}
	err := db.Model(&models.StoredRequest{}).
		Select("domain, COUNT(*) AS count").
		Where("blocked = ?", blocked).
		Group("domain").
		Order("count DESC, domain ASC").
		Limit(topDomainsLimit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("%w: top domains: %v", ErrStore, err)
	}
	if out == nil {
		out = []DomainCount{}
	}
	return out, nil
}

type seriesRow struct {
	Timestamp time.Time
	Blocked   bool
}

// series buckets the last hour into 5-minute intervals. When fewer than three
// buckets are populated it switches to 1-minute buckets over the last ten
// minutes, provided that view has any data.
func (s *StatsService) series(db *gorm.DB, now time.Time) ([]SeriesPoint, error) {
	var rows []seriesRow
	err := db.Model(&models.StoredRequest{}).
		Select("timestamp, blocked").
		Where("timestamp > ?", now.Add(-time.Hour).UTC()).
		Order("timestamp ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: time series: %v", ErrStore, err)
	}

	points := bucketize(rows, time.Time{}, 5*time.Minute)
	if len(points) >= minSeriesPoints {
		return points, nil
	}
	if minute := bucketize(rows, now.Add(-10*time.Minute), time.Minute); len(minute) > 0 {
		return minute, nil
	}
	return points, nil
}

// bucketize groups rows after since into buckets of width aligned to the
// epoch, labelled in local time. Only populated buckets are returned.
func bucketize(rows []seriesRow, since time.Time, width time.Duration) []SeriesPoint {
	byStart := map[int64]*SeriesPoint{}
	for _, r := range rows {
		if !r.Timestamp.After(since) {
			continue
		}
		start := r.Timestamp.Truncate(width)
		p, ok := byStart[start.Unix()]
		if !ok {
			p = &SeriesPoint{Hour: start.Local().Format("2006-01-02 15:04")}
			byStart[start.Unix()] = p
		}
		p.Total++
		if r.Blocked {
			p.Blocked++
		}
	}

	keys := make([]int64, 0, len(byStart))
	for k := range byStart {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]SeriesPoint, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byStart[k])
	}
	return out
}

// todayMostBlocked ranks blocked attempts since local midnight.
func (s *StatsService) todayMostBlocked(db *gorm.DB, now time.Time) ([]DomainAttempts, error) {
	start, end := localDay(now)
	out := []DomainAttempts{}
	err := db.Model(&models.BlockedAttempt{}).
		Select("domain, COUNT(*) AS attempts").
		Where("timestamp >= ? AND timestamp < ?", start.UTC(), end.UTC()).
		Group("domain").
		Order("attempts DESC, domain ASC").
		Limit(todayTopLimit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("%w: today's blocked domains: %v", ErrStore, err)
	}
	if out == nil {
		out = []DomainAttempts{}
	}
	return out, nil
}

// RequestsToday counts requests recorded since local midnight.
func (s *StatsService) RequestsToday(ctx context.Context) (int64, error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	start, end := localDay(s.now())
	var n int64
	if err := db.Model(&models.StoredRequest{}).
		Where("timestamp >= ? AND timestamp < ?", start.UTC(), end.UTC()).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("%w: count today: %v", ErrStore, err)
	}
	return n, nil
}

// Clear deletes every request and blocked attempt.
func (s *StatsService) Clear(ctx context.Context) error {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.StoredRequest{}).Error; err != nil {
		return fmt.Errorf("%w: clear requests: %v", ErrStore, err)
	}
	if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.BlockedAttempt{}).Error; err != nil {
		return fmt.Errorf("%w: clear blocked attempts: %v", ErrStore, err)
	}
	return nil
}

// Purge deletes rows with a timestamp before cutoff and returns how many rows
// were removed from each table.
func (s *StatsService) Purge(ctx context.Context, cutoff time.Time) (requests, attempts int64, err error) {
	db, cancel := s.withTimeout(ctx)
	defer cancel()

	res := db.Where("timestamp < ?", cutoff.UTC()).Delete(&models.StoredRequest{})
	if res.Error != nil {
		return 0, 0, fmt.Errorf("%w: purge requests: %v", ErrStore, res.Error)
	}
	requests = res.RowsAffected

	res = db.Where("timestamp < ?", cutoff.UTC()).Delete(&models.BlockedAttempt{})
	if res.Error != nil {
		return requests, 0, fmt.Errorf("%w: purge blocked attempts: %v", ErrStore, res.Error)
	}
	return requests, res.RowsAffected, nil
}

func localDay(now time.Time) (start, end time.Time) {
	local := now.Local()
	start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
	return start, start.AddDate(0, 0, 1)
}
