package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openkb/qgen/internal/api"
	"github.com/openkb/qgen/internal/domain"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[string][]pollStep
	calls   map[string]int
}

type pollStep struct {
	report api.ProgressReport
	err    error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[string][]pollStep),
		calls:   make(map[string]int),
	}
}

func (f *scriptedFetcher) script(historyID string, steps ...pollStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[historyID] = steps
}

func (f *scriptedFetcher) Progress(_ context.Context, historyID string) (api.ProgressReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[historyID]++
	steps := f.scripts[historyID]
	if len(steps) == 0 {
		return api.ProgressReport{}, errors.New("no script for " + historyID)
	}
	step := steps[0]
	if len(steps) > 1 {
		f.scripts[historyID] = steps[1:]
	}
	return step.report, step.err
}

func (f *scriptedFetcher) callCount(historyID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[historyID]
}

type recordingSink struct {
	mu       sync.Mutex
	progress []float64
	byID     map[string][]float64
	failed   []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{byID: make(map[string][]float64)}
}

func (s *recordingSink) ApplyProgress(_ context.Context, historyID string, progress float64, _ []domain.QuestionGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progress)
	s.byID[historyID] = append(s.byID[historyID], progress)
}

func (s *recordingSink) MarkFailed(_ context.Context, historyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, historyID)
}

func (s *recordingSink) failures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failed...)
}

func (s *recordingSink) progressFor(historyID string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.byID[historyID]...)
}

func fixedTarget(historyID string) func() string {
	return func() string { return historyID }
}

func TestPollsUntilDone(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("h1",
		pollStep{report: api.ProgressReport{Progress: 0.2}},
		pollStep{report: api.ProgressReport{Progress: 0.7}},
		pollStep{report: api.ProgressReport{Progress: 1, Questions: []domain.QuestionGroup{{Category: "finance"}}}},
	)
	sink := newRecordingSink()

	p := New(fetcher, fixedTarget("h1"), sink, 5*time.Millisecond, nil)
	p.Run(context.Background())

	got := sink.progressFor("h1")
	if len(got) != 3 || got[2] != 1 {
		t.Fatalf("expected three updates ending at 1, got %v", got)
	}
	if len(sink.failures()) != 0 {
		t.Fatalf("unexpected failure callbacks: %v", sink.failures())
	}
	if fetcher.callCount("h1") != 3 {
		t.Fatalf("poller must stop after terminal progress, saw %d calls", fetcher.callCount("h1"))
	}
}

func TestServerFailureSentinelMarksFailed(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("h1",
		pollStep{report: api.ProgressReport{Progress: 0.4}},
		pollStep{report: api.ProgressReport{Progress: domain.ProgressFailed}},
	)
	sink := newRecordingSink()

	p := New(fetcher, fixedTarget("h1"), sink, 5*time.Millisecond, nil)
	p.Run(context.Background())

	failures := sink.failures()
	if len(failures) != 1 || failures[0] != "h1" {
		t.Fatalf("expected one failure for h1, got %v", failures)
	}
}

func TestTransportErrorsAreRetriedNotFatal(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("h1",
		pollStep{err: errors.New("connection refused")},
		pollStep{err: errors.New("connection refused")},
		pollStep{report: api.ProgressReport{Progress: 1}},
	)
	sink := newRecordingSink()

	p := New(fetcher, fixedTarget("h1"), sink, 5*time.Millisecond, nil)
	p.Run(context.Background())

	if len(sink.failures()) != 0 {
		t.Fatalf("transport errors must not mark the job failed: %v", sink.failures())
	}
	got := sink.progressFor("h1")
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected the poll to recover and finish, got %v", got)
	}
}

func TestEmptyTargetStopsPolling(t *testing.T) {
	fetcher := newScriptedFetcher()
	sink := newRecordingSink()

	p := New(fetcher, fixedTarget(""), sink, 5*time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("poller must return immediately for an empty target")
	}
}

func TestRetargetingFollowsNewHistoryID(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("h1", pollStep{report: api.ProgressReport{Progress: 0.3}})
	fetcher.script("h2",
		pollStep{report: api.ProgressReport{Progress: 0.5}},
		pollStep{report: api.ProgressReport{Progress: 1}},
	)

	var mu sync.Mutex
	current := "h1"
	target := func() string {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	sink := newRecordingSink()
	p := New(fetcher, target, sink, 5*time.Millisecond, nil)

	go func() {
		time.Sleep(12 * time.Millisecond)
		mu.Lock()
		current = "h2"
		mu.Unlock()
	}()
	p.Run(context.Background())

	if got := sink.progressFor("h2"); len(got) == 0 || got[len(got)-1] != 1 {
		t.Fatalf("expected poller to follow h2 to completion, got %v", got)
	}
	for _, progress := range sink.progressFor("h1") {
		if progress == 1 {
			t.Fatalf("h1 never completed, but a completion was recorded for it")
		}
	}
}

func TestContextCancelStopsPolling(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.script("h1", pollStep{report: api.ProgressReport{Progress: 0.1}})
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	p := New(fetcher, fixedTarget("h1"), sink, 5*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("poller must stop when ctx is cancelled")
	}
}
