package taskqueue

import (
	"sync/atomic"

	"github.com/relaydb/taskqueue/internal/log"
	"golang.org/x/time/rate"
)

// workerStats holds the cumulative counters a QueueWorker reports, plus the
// rate.Sometimes that bounds how often a snapshot actually gets logged.
// Every claim/resolve/reject/reap calls report(); most of those calls are
// no-ops for logging purposes, so the counters advance on every event but
// the log line itself only appears on a bounded cadence.
type workerStats struct {
	claimed  atomic.Int64
	resolved atomic.Int64
	rejected atomic.Int64
	reaped   atomic.Int64

	sometimes rate.Sometimes
}

func (s *workerStats) report(logger *log.Logger, processID string) {
	s.sometimes.Do(func() {
		logger.Infof("queueworker[%s]: claimed=%d resolved=%d rejected=%d reaped=%d",
			processID, s.claimed.Load(), s.resolved.Load(), s.rejected.Load(), s.reaped.Load())
	})
}
