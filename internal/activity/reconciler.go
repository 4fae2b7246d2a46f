package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/metrics"
	"github.com/Wikid82/shadowguard/internal/models"
)

// ErrMalformedEntry marks a buffered entry that cannot be imported.
var ErrMalformedEntry = errors.New("malformed activity entry")

// Sink persists imported entries. Record reports false when the entry was
// already stored by an earlier import.
type Sink interface {
	Record(ctx context.Context, entry models.ActivityEntry) (bool, error)
}

// Reconciler drains the write-ahead buffer into a Sink.
type Reconciler struct {
	buf      *Buffer
	sink     Sink
	reporter Reporter
	now      func() time.Time
	log      *logrus.Entry
}

// NewReconciler creates a Reconciler. reporter may be nil.
func NewReconciler(buf *Buffer, sink Sink, reporter Reporter) *Reconciler {
	return &Reconciler{
		buf:      buf,
		sink:     sink,
		reporter: reporter,
		now:      time.Now,
		log:      logger.Component("reconciler"),
	}
}

// Reconcile imports every buffered entry and returns how many were handed to
// the sink successfully. Malformed entries are skipped. When anything was
// imported or skipped, those entries are removed from the buffer; entries the
// sink rejected stay for the next run. Import is keyed by entry id, so a crash
// between storing and removing does not double count on the next run.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	raws, err := r.buf.Read()
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		return 0, nil
	}

	consumed := make([]json.RawMessage, 0, len(raws))
	imported, skipped, failed := 0, 0, 0
	var lastErr error

	for i, raw := range raws {
		if ctx.Err() != nil {
			break
		}

		entry, err := decodeEntry(raw, r.now)
		if err != nil {
			skipped++
			metrics.IncImportSkipped()
			r.log.WithError(err).WithField("index", i).Warn("skipping buffered entry")
			consumed = append(consumed, raw)
			continue
		}

		if _, err := r.sink.Record(ctx, entry); err != nil {
			failed++
			lastErr = err
			r.log.WithError(err).WithField("domain", entry.Domain).Warn("failed to import buffered entry")
			continue
		}
		imported++
		consumed = append(consumed, raw)
	}

	if imported > 0 || skipped > 0 {
		if err := r.buf.Remove(consumed); err != nil {
			return imported, fmt.Errorf("truncate activity buffer: %w", err)
		}
	}

	metrics.AddImported(imported)
	if imported > 0 || skipped > 0 || failed > 0 {
		r.log.WithFields(logrus.Fields{
			"imported": imported,
			"skipped":  skipped,
			"failed":   failed,
		}).Info("reconciled activity buffer")
	}
	if skipped > 0 && r.reporter != nil {
		go r.reporter.Report(models.NotificationTypeWarning, "reconciler", "Skipped malformed activity entries",
			fmt.Sprintf("%d buffered entries could not be imported and were discarded", skipped))
	}

	if imported == 0 && lastErr != nil {
		return 0, fmt.Errorf("import activity: %w", lastErr)
	}
	if err := ctx.Err(); err != nil {
		return imported, err
	}
	return imported, nil
}

// bufferedEntry accepts entries written by this package as well as older
// writers that used naive ISO timestamps and omitted fields.
type bufferedEntry struct {
	ID           string      `json:"id"`
	Timestamp    interface{} `json:"timestamp"`
	Domain       string      `json:"domain"`
	Path         string      `json:"path"`
	Method       string      `json:"method"`
	Blocked      bool        `json:"blocked"`
	Status       string      `json:"status"`
	Tier         models.Tier `json:"tier"`
	ResponseTime float64     `json:"response_time"`
}

var naiveTimestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func decodeEntry(raw json.RawMessage, now func() time.Time) (models.ActivityEntry, error) {
	var b bufferedEntry
	if err := json.Unmarshal(raw, &b); err != nil {
		return models.ActivityEntry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}

	e := models.ActivityEntry{
		ID:           b.ID,
		Domain:       strings.ToLower(strings.TrimSpace(b.Domain)),
		Path:         b.Path,
		Method:       strings.ToUpper(b.Method),
		Blocked:      b.Blocked,
		Status:       b.Status,
		Tier:         b.Tier,
		ResponseTime: b.ResponseTime,
	}

	switch ts := b.Timestamp.(type) {
	case string:
		t, err := parseTimestamp(ts)
		if err != nil {
			return models.ActivityEntry{}, fmt.Errorf("%w: timestamp %q", ErrMalformedEntry, ts)
		}
		e.Timestamp = t
	default:
		// Missing or non-string timestamps are stamped with the import time.
		e.Timestamp = now()
	}

	if e.Domain == "" {
		e.Domain = "unknown"
	}
	if e.Path == "" {
		e.Path = "/"
	}
	if e.Method == "" {
		e.Method = "GET"
	}
	if e.Status == "" {
		e.Status = models.StatusAllowed
		if e.Blocked {
			e.Status = models.StatusBlocked
		}
	}
	return e, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	var lastErr error
	for _, layout := range naiveTimestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
