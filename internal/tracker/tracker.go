package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/openkb/qgen/internal/api"
	"github.com/openkb/qgen/internal/domain"
	"github.com/openkb/qgen/internal/poller"
	"github.com/openkb/qgen/internal/store"
)

var (
	ErrNoTask      = errors.New("no generation task is being tracked")
	ErrNotFailed   = errors.New("task has not failed, nothing to retry")
	ErrNotComplete = errors.New("task has not completed, nothing to save")
	ErrNotTerminal = errors.New("task is still running, dismiss is only valid after it finishes")
)

// Backend is the slice of the knowledge-base API the tracker consumes.
// *api.Client satisfies it.
type Backend interface {
	LaunchAll(ctx context.Context, kbID string, questionCount int) (string, error)
	LaunchSelected(ctx context.Context, kbID string, docIDs []string, questionCount int) (string, error)
	Progress(ctx context.Context, historyID string) (api.ProgressReport, error)
	SaveQuestions(ctx context.Context, request api.SaveRequest) error
}

// Phase is the tracker's coarse view of the tracked task.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Status is a render-ready snapshot of the tracked task.
type Status struct {
	Phase         Phase
	HistoryID     string
	Percent       int
	QuestionCount int
}

type Config struct {
	Backend      Backend
	Store        *store.Store
	Logger       *log.Logger
	PollInterval time.Duration
}

// Tracker follows the store's task independently of whichever flow launched
// it. It runs its own poller whenever the store holds a history id, so a job
// handed off at close time, or rehydrated after a restart, keeps being
// tracked; retry, save, and dismiss work without the originating flow.
type Tracker struct {
	backend      Backend
	store        *store.Store
	logger       *log.Logger
	pollInterval time.Duration
}

func New(config Config) *Tracker {
	if config.PollInterval <= 0 {
		config.PollInterval = poller.DefaultInterval
	}
	return &Tracker{
		backend:      config.Backend,
		store:        config.Store,
		logger:       config.Logger,
		pollInterval: config.PollInterval,
	}
}

// Run blocks, polling whenever the store tracks a non-terminal task and
// waiting for store changes otherwise. It returns when ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	changes, cancel := t.store.Subscribe()
	defer cancel()

	for {
		if ctx.Err() != nil {
			return
		}

		task := t.store.Snapshot()
		if task != nil && !task.Terminal() {
			p := poller.New(t.backend, t.store.HistoryID, storeSink{store: t.store}, t.pollInterval, t.logger)
			p.Run(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
	}
}

// Status reports the store's task for rendering; Idle when none is tracked.
func (t *Tracker) Status() Status {
	task := t.store.Snapshot()
	if task == nil {
		return Status{Phase: PhaseIdle}
	}

	status := Status{HistoryID: task.HistoryID}
	switch {
	case task.Failed():
		status.Phase = PhaseFailed
	case task.Completed():
		status.Phase = PhaseComplete
		status.Percent = 100
		for _, group := range task.GeneratedQuestions {
			status.QuestionCount += group.QuestionCount
		}
	default:
		status.Phase = PhaseRunning
		status.Percent = int(task.Progress * 100)
	}
	return status
}

// Questions returns the generated result groups once the task completed.
func (t *Tracker) Questions() ([]domain.QuestionGroup, error) {
	task := t.store.Snapshot()
	if task == nil {
		return nil, ErrNoTask
	}
	if !task.Completed() {
		return nil, ErrNotComplete
	}
	return task.GeneratedQuestions, nil
}

// Retry re-launches a failed task with the variant and parameters recorded
// in the store, then restarts tracking under the new history id.
func (t *Tracker) Retry(ctx context.Context) error {
	task := t.store.Snapshot()
	if task == nil {
		return ErrNoTask
	}
	if !task.Failed() {
		return ErrNotFailed
	}

	var (
		historyID string
		err       error
	)
	if task.Kind == domain.GenerationKindSelected {
		historyID, err = t.backend.LaunchSelected(ctx, task.KnowledgeBaseID, task.SelectedDocIDs, task.RequestedCount)
	} else {
		historyID, err = t.backend.LaunchAll(ctx, task.KnowledgeBaseID, task.RequestedCount)
	}
	if err != nil {
		return fmt.Errorf("retry generation: %w", err)
	}

	t.store.Start(ctx, store.StartParams{
		HistoryID:       historyID,
		Kind:            task.Kind,
		RequestedCount:  task.RequestedCount,
		SelectedDocIDs:  task.SelectedDocIDs,
		KnowledgeBaseID: task.KnowledgeBaseID,
	})
	return nil
}

// Save persists a completed task's questions and clears the store. A save
// failure leaves the store intact so the user can try again.
func (t *Tracker) Save(ctx context.Context) error {
	task := t.store.Snapshot()
	if task == nil {
		return ErrNoTask
	}
	if !task.Completed() {
		return ErrNotComplete
	}

	request := api.SaveRequest{
		KnowledgeBaseID: task.KnowledgeBaseID,
		HistoryID:       task.HistoryID,
		Questions:       task.GeneratedQuestions,
	}
	if err := t.backend.SaveQuestions(ctx, request); err != nil {
		return fmt.Errorf("save questions: %w", err)
	}

	t.store.Clear(ctx)
	return nil
}

// Dismiss drops a terminal task. A running task cannot be dismissed; it is
// either handed off or kept, never silently discarded.
func (t *Tracker) Dismiss(ctx context.Context) error {
	task := t.store.Snapshot()
	if task == nil {
		return ErrNoTask
	}
	if !task.Terminal() {
		return ErrNotTerminal
	}
	t.store.Clear(ctx)
	return nil
}

// storeSink funnels poll results into the shared store, whose history-id
// check drops results for a task it has moved past.
type storeSink struct {
	store *store.Store
}

func (s storeSink) ApplyProgress(ctx context.Context, historyID string, progress float64, questions []domain.QuestionGroup) {
	s.store.UpdateProgress(ctx, historyID, progress, questions)
}

func (s storeSink) MarkFailed(ctx context.Context, historyID string) {
	s.store.SetError(ctx, historyID, true)
}
