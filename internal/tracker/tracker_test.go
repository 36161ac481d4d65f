package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openkb/qgen/internal/api"
	"github.com/openkb/qgen/internal/domain"
	"github.com/openkb/qgen/internal/repository"
	"github.com/openkb/qgen/internal/store"
)

type fakeBackend struct {
	mu           sync.Mutex
	historyIDs   []string
	launchKinds  []domain.GenerationKind
	launchCounts []int
	launchDocs   [][]string
	launchErr    error
	progressByID map[string][]api.ProgressReport
	saveCalls    []api.SaveRequest
	saveErr      error
}

func newFakeBackend(historyIDs ...string) *fakeBackend {
	return &fakeBackend{
		historyIDs:   historyIDs,
		progressByID: make(map[string][]api.ProgressReport),
	}
}

func (b *fakeBackend) scriptProgress(historyID string, reports ...api.ProgressReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progressByID[historyID] = reports
}

func (b *fakeBackend) launch(kind domain.GenerationKind, docIDs []string, count int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.launchErr != nil {
		return "", b.launchErr
	}
	b.launchKinds = append(b.launchKinds, kind)
	b.launchCounts = append(b.launchCounts, count)
	b.launchDocs = append(b.launchDocs, append([]string(nil), docIDs...))
	if len(b.historyIDs) == 0 {
		return "", errors.New("no history ids scripted")
	}
	historyID := b.historyIDs[0]
	if len(b.historyIDs) > 1 {
		b.historyIDs = b.historyIDs[1:]
	}
	return historyID, nil
}

func (b *fakeBackend) LaunchAll(_ context.Context, _ string, count int) (string, error) {
	return b.launch(domain.GenerationKindAll, nil, count)
}

func (b *fakeBackend) LaunchSelected(_ context.Context, _ string, docIDs []string, count int) (string, error) {
	return b.launch(domain.GenerationKindSelected, docIDs, count)
}

func (b *fakeBackend) Progress(_ context.Context, historyID string) (api.ProgressReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reports := b.progressByID[historyID]
	if len(reports) == 0 {
		return api.ProgressReport{Progress: 0.5}, nil
	}
	report := reports[0]
	if len(reports) > 1 {
		b.progressByID[historyID] = reports[1:]
	}
	return report, nil
}

func (b *fakeBackend) SaveQuestions(_ context.Context, request api.SaveRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saveCalls = append(b.saveCalls, request)
	return nil
}

func newTestTracker(t *testing.T, backend Backend) (*Tracker, *store.Store) {
	t.Helper()
	taskStore := store.New(context.Background(), repository.NewMemoryStateRepository(), nil)
	tr := New(Config{
		Backend:      backend,
		Store:        taskStore,
		PollInterval: 5 * time.Millisecond,
	})
	return tr, taskStore
}

func TestStatusReflectsStore(t *testing.T) {
	ctx := context.Background()
	tr, taskStore := newTestTracker(t, newFakeBackend())

	if status := tr.Status(); status.Phase != PhaseIdle {
		t.Fatalf("empty store must render idle, got %+v", status)
	}

	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10})
	taskStore.UpdateProgress(ctx, "h1", 0.42, nil)
	status := tr.Status()
	if status.Phase != PhaseRunning || status.Percent != 42 || status.HistoryID != "h1" {
		t.Fatalf("running status malformed: %+v", status)
	}

	taskStore.UpdateProgress(ctx, "h1", domain.ProgressDone, []domain.QuestionGroup{
		{Category: "finance", QuestionCount: 3},
		{Category: "legal", QuestionCount: 2},
	})
	status = tr.Status()
	if status.Phase != PhaseComplete || status.Percent != 100 || status.QuestionCount != 5 {
		t.Fatalf("complete status malformed: %+v", status)
	}

	taskStore.SetError(ctx, "h1", true)
	if status := tr.Status(); status.Phase != PhaseFailed {
		t.Fatalf("failed status malformed: %+v", status)
	}
}

func TestRunPollsTrackedTaskToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newFakeBackend()
	backend.scriptProgress("h1",
		api.ProgressReport{Progress: 0.5},
		api.ProgressReport{Progress: 1, Questions: []domain.QuestionGroup{{Category: "finance", QuestionCount: 3}}},
	)
	tr, taskStore := newTestTracker(t, backend)

	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10})
	go tr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task := taskStore.Snapshot(); task != nil && task.Completed() {
			if len(task.GeneratedQuestions) != 1 {
				t.Fatalf("questions not stored: %+v", task)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("tracker never drove the task to completion: %+v", taskStore.Snapshot())
}

func TestRunPicksUpTaskStartedLater(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newFakeBackend()
	backend.scriptProgress("h1", api.ProgressReport{Progress: 1})
	tr, taskStore := newTestTracker(t, backend)

	go tr.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task := taskStore.Snapshot(); task != nil && task.Completed() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("tracker must react to a task started after Run, got %+v", taskStore.Snapshot())
}

func TestRetryReplaysStoredParameters(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend("h2")
	tr, taskStore := newTestTracker(t, backend)

	taskStore.Start(ctx, store.StartParams{
		HistoryID:       "h1",
		Kind:            domain.GenerationKindSelected,
		RequestedCount:  5,
		SelectedDocIDs:  []string{"d1", "d2"},
		KnowledgeBaseID: "kb1",
	})
	taskStore.SetError(ctx, "h1", true)

	if err := tr.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}

	backend.mu.Lock()
	kinds, counts, docs := backend.launchKinds, backend.launchCounts, backend.launchDocs
	backend.mu.Unlock()
	if len(kinds) != 1 || kinds[0] != domain.GenerationKindSelected {
		t.Fatalf("retry must replay the selected-documents variant: %v", kinds)
	}
	if counts[0] != 5 || len(docs[0]) != 2 {
		t.Fatalf("retry must replay count and doc ids: counts=%v docs=%v", counts, docs)
	}

	task := taskStore.Snapshot()
	if task.HistoryID != "h2" || task.Progress != 0 || task.HasError {
		t.Fatalf("store must track the new job fresh: %+v", task)
	}
}

func TestRetryRequiresFailedTask(t *testing.T) {
	ctx := context.Background()
	tr, taskStore := newTestTracker(t, newFakeBackend("h2"))

	if err := tr.Retry(ctx); !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}

	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10})
	if err := tr.Retry(ctx); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed for a running task, got %v", err)
	}
}

func TestSaveClearsStoreOnSuccess(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	tr, taskStore := newTestTracker(t, backend)

	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10, KnowledgeBaseID: "kb1"})
	taskStore.UpdateProgress(ctx, "h1", domain.ProgressDone, []domain.QuestionGroup{{Category: "finance", QuestionCount: 3}})

	if err := tr.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	backend.mu.Lock()
	saved := backend.saveCalls
	backend.mu.Unlock()
	if len(saved) != 1 || saved[0].HistoryID != "h1" || saved[0].KnowledgeBaseID != "kb1" {
		t.Fatalf("save request malformed: %+v", saved)
	}
	if taskStore.Snapshot() != nil {
		t.Fatalf("store must be cleared after a successful save")
	}
}

func TestSaveFailureKeepsStore(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.saveErr = errors.New("save endpoint down")
	tr, taskStore := newTestTracker(t, backend)

	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10})
	taskStore.UpdateProgress(ctx, "h1", domain.ProgressDone, []domain.QuestionGroup{{Category: "finance"}})

	if err := tr.Save(ctx); err == nil {
		t.Fatalf("expected save error")
	}
	if task := taskStore.Snapshot(); task == nil || task.HistoryID != "h1" {
		t.Fatalf("failed save must keep the store so the user can retry: %+v", task)
	}
}

func TestSaveRequiresCompletedTask(t *testing.T) {
	ctx := context.Background()
	tr, taskStore := newTestTracker(t, newFakeBackend())

	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10})
	if err := tr.Save(ctx); !errors.Is(err, ErrNotComplete) {
		t.Fatalf("expected ErrNotComplete, got %v", err)
	}
}

func TestDismissOnlyTerminalTasks(t *testing.T) {
	ctx := context.Background()
	tr, taskStore := newTestTracker(t, newFakeBackend())

	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10})
	if err := tr.Dismiss(ctx); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("running task must not be dismissable, got %v", err)
	}

	taskStore.SetError(ctx, "h1", true)
	if err := tr.Dismiss(ctx); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if taskStore.Snapshot() != nil {
		t.Fatalf("dismiss must clear the store")
	}
}

func TestQuestionsOnlyAfterCompletion(t *testing.T) {
	ctx := context.Background()
	tr, taskStore := newTestTracker(t, newFakeBackend())

	if _, err := tr.Questions(); !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}

	taskStore.Start(ctx, store.StartParams{HistoryID: "h1", Kind: domain.GenerationKindAll, RequestedCount: 10})
	if _, err := tr.Questions(); !errors.Is(err, ErrNotComplete) {
		t.Fatalf("expected ErrNotComplete, got %v", err)
	}

	taskStore.UpdateProgress(ctx, "h1", domain.ProgressDone, []domain.QuestionGroup{{Category: "finance"}})
	groups, err := tr.Questions()
	if err != nil || len(groups) != 1 {
		t.Fatalf("expected question groups, got %v err=%v", groups, err)
	}
}
