package poller

import (
	"context"
	"log"
	"time"

	"github.com/openkb/qgen/internal/api"
	"github.com/openkb/qgen/internal/domain"
)

// ProgressFetcher is the poll operation of the backend client.
type ProgressFetcher interface {
	Progress(ctx context.Context, historyID string) (api.ProgressReport, error)
}

// Sink receives poll results. Every callback carries the history id the
// result belongs to, so sinks can drop results for a task they no longer
// track.
type Sink interface {
	ApplyProgress(ctx context.Context, historyID string, progress float64, questions []domain.QuestionGroup)
	MarkFailed(ctx context.Context, historyID string)
}

const (
	DefaultInterval = 2 * time.Second

	// After this many consecutive transport failures the poller starts
	// logging; the job itself is never marked failed on transport errors,
	// only on the server's own -1 sentinel.
	failureLogThreshold = 3
)

// Poller drives periodic polling of one history id until a terminal state.
// The target is re-read every tick from the supplier, so a poller bound to
// the store keeps tracking across retries that swap in a new history id.
type Poller struct {
	fetcher  ProgressFetcher
	target   func() string
	sink     Sink
	interval time.Duration
	logger   *log.Logger
}

func New(fetcher ProgressFetcher, target func() string, sink Sink, interval time.Duration, logger *log.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetcher:  fetcher,
		target:   target,
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until the target becomes empty, a terminal progress value is
// observed for the current target, or ctx is cancelled. It blocks; callers
// run it on its own goroutine.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	lastTarget := ""
	failures := 0

	for {
		historyID := p.target()
		if historyID == "" {
			return
		}
		if historyID != lastTarget {
			// Switched to a new job: prior failures do not carry over.
			lastTarget = historyID
			failures = 0
		}

		report, err := p.fetcher.Progress(ctx, historyID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transport-level failures are retried on the next tick. They
			// are not a job failure and must stay distinguishable from one.
			failures++
			if failures >= failureLogThreshold && p.logger != nil {
				p.logger.Printf("progress poll failing history_id=%s consecutive=%d err=%v", historyID, failures, err)
			}
		} else {
			failures = 0
			// The target may have moved while the request was in flight; a
			// result is only applied under the id it was fetched for, and
			// sinks drop it if they track a different id by now.
			if report.Progress == domain.ProgressFailed {
				p.sink.MarkFailed(ctx, historyID)
			} else {
				p.sink.ApplyProgress(ctx, historyID, report.Progress, report.Questions)
			}
			if terminal(report.Progress) && p.target() == historyID {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func terminal(progress float64) bool {
	return progress == domain.ProgressDone || progress == domain.ProgressFailed
}
