package activity

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/metrics"
	"github.com/Wikid82/shadowguard/internal/models"
	"github.com/Wikid82/shadowguard/internal/util"
)

// ErrLogWrite is returned by AppendEntry when the buffer could not be written.
var ErrLogWrite = errors.New("activity log write failed")

// Reporter receives failures that operators should see.
type Reporter interface {
	Report(nType models.NotificationType, source, title, message string)
}

// Logger appends every decision to the write-ahead buffer. It never fails
// the caller: buffer errors are logged, counted and reported.
type Logger struct {
	buf      *Buffer
	reporter Reporter
	log      *logrus.Entry

	failing atomic.Bool
}

// NewLogger creates a Logger writing to buf. reporter may be nil.
func NewLogger(buf *Buffer, reporter Reporter) *Logger {
	return &Logger{buf: buf, reporter: reporter, log: logger.Component("activity")}
}

// Append stages one decision.
func (l *Logger) Append(d models.Decision) {
	_ = l.AppendEntry(models.NewActivityEntry(d))
}

// AppendEntry stages an already built entry and returns the write error, if
// any, after it has been logged and reported. A replaced corrupt buffer is not
// an error: the entry was written.
func (l *Logger) AppendEntry(entry models.ActivityEntry) error {
	err := l.buf.Append(entry)
	if err == nil || errors.Is(err, ErrCorruptBuffer) {
		if l.failing.Swap(false) {
			l.log.Info("activity buffer writable again")
		}
		if err != nil {
			l.log.WithError(err).Warn("replaced corrupt activity buffer")
			if l.reporter != nil {
				go l.reporter.Report(models.NotificationTypeWarning, "activity", "Activity buffer was corrupt and has been reset", err.Error())
			}
		}
		return nil
	}

	metrics.IncLogWriteError()
	l.log.WithError(err).WithFields(logrus.Fields{
		"domain": util.SanitizeForLog(entry.Domain),
		"path":   util.SanitizeForLog(entry.Path),
	}).Warn("activity logging failed")

	// Report once per outage rather than once per request.
	if !l.failing.Swap(true) && l.reporter != nil {
		go l.reporter.Report(models.NotificationTypeError, "activity", "Activity logging failed", err.Error())
	}
	return fmt.Errorf("%w: %v", ErrLogWrite, err)
}
