package report

import (
	"sync/atomic"
	"time"

	"github.com/musikcube/streamcache/utils"
	log "github.com/sirupsen/logrus"
)

// LoggingReporter is a Reporter that logs transfer stats through logrus
// rather than shipping them to an external monitoring service.
type LoggingReporter struct{}

// NewLoggingReporter creates a new LoggingReporter.
func NewLoggingReporter() *LoggingReporter {
	return &LoggingReporter{}
}

// StartTransfer begins tracking one download.
func (r *LoggingReporter) StartTransfer(uri string) Transfer {
	logger := log.WithFields(log.Fields{
		"package":  "report",
		"struct":   "LoggingReporter",
		"function": "StartTransfer",
	})

	logger.Debugf("starting transfer %s", uri)

	return &loggingTransfer{
		uri:       uri,
		startedAt: time.Now(),
	}
}

type loggingTransfer struct {
	uri       string
	startedAt time.Time
	written   int64
}

// BytesTransferred records delta newly-written bytes.
func (t *loggingTransfer) BytesTransferred(delta int64) {
	atomic.AddInt64(&t.written, delta)
}

// Finish logs a structured summary line for the completed transfer.
func (t *loggingTransfer) Finish(state string, err error) {
	logger := log.WithFields(log.Fields{
		"package":  "report",
		"struct":   "loggingTransfer",
		"function": "Finish",
		"uri":      t.uri,
		"state":    state,
		"bytes":    atomic.LoadInt64(&t.written),
		"finishedAt": utils.MakeTimeToString(time.Now()),
	})

	if err != nil {
		logger.WithError(err).Warn("transfer finished with error")
		return
	}

	logger.Debugf("transfer finished in %s", time.Since(t.startedAt))
}
