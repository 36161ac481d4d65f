package store

import (
	"context"
	"log"
	"sync"

	"github.com/openkb/qgen/internal/domain"
	"github.com/openkb/qgen/internal/repository"
)

// Store is the single source of truth for the one allowed in-flight or
// completed generation task. The in-memory task is authoritative; the
// repository is a durable replica written after every mutation, so a process
// restart resumes tracking from where it left off.
//
// Mutations are last-write-wins. Callers pass the history id their result
// belongs to, and results for a task the store no longer tracks are dropped,
// so a stale poll response arriving after a newer Start never corrupts the
// new task.
type Store struct {
	mu          sync.Mutex
	task        *domain.GenerationTask
	repo        repository.StateRepository
	logger      *log.Logger
	subscribers map[int]chan struct{}
	nextSubID   int
}

// StartParams captures everything needed to launch and later replay a task.
type StartParams struct {
	HistoryID       string
	Kind            domain.GenerationKind
	RequestedCount  int
	SelectedDocIDs  []string
	KnowledgeBaseID string
}

// New builds a store backed by repo, rehydrating any persisted task.
// A payload that fails to parse or lacks the expected shape is discarded and
// the store starts empty; corruption is never surfaced to callers.
func New(ctx context.Context, repo repository.StateRepository, logger *log.Logger) *Store {
	s := &Store{
		repo:        repo,
		logger:      logger,
		subscribers: make(map[int]chan struct{}),
	}

	payload, err := repo.Load(ctx)
	if err != nil {
		if logger != nil {
			logger.Printf("state rehydration failed, starting empty: %v", err)
		}
		return s
	}
	s.task = domain.DecodeTask(payload)
	if s.task == nil && len(payload) > 0 {
		// Unrecognized payload: drop the entry so it does not linger.
		_ = repo.Clear(ctx)
	}
	return s
}

// Start initializes a fresh task, unconditionally replacing any prior one.
// There is no queueing: the previous task's state and questions are gone.
func (s *Store) Start(ctx context.Context, params StartParams) {
	s.mu.Lock()
	s.task = &domain.GenerationTask{
		HistoryID:          params.HistoryID,
		Progress:           0,
		GeneratedQuestions: []domain.QuestionGroup{},
		Kind:               params.Kind,
		RequestedCount:     params.RequestedCount,
		SelectedDocIDs:     append([]string(nil), params.SelectedDocIDs...),
		KnowledgeBaseID:    params.KnowledgeBaseID,
		HasError:           false,
	}
	s.persistLocked(ctx)
	s.mu.Unlock()
	s.notify()
}

// UpdateProgress applies a poll result for historyID. It is a no-op when no
// task is active or when the result belongs to a task the store has moved
// past. Questions replace the prior value only when non-empty; an update
// clears the error flag since it implies the job is not currently erroring.
func (s *Store) UpdateProgress(ctx context.Context, historyID string, progress float64, questions []domain.QuestionGroup) {
	s.mu.Lock()
	if s.task == nil || s.task.HistoryID != historyID {
		s.mu.Unlock()
		return
	}
	s.task.Progress = progress
	if len(questions) > 0 {
		s.task.GeneratedQuestions = domain.CloneQuestionGroups(questions)
	}
	s.task.HasError = false
	s.persistLocked(ctx)
	s.mu.Unlock()
	s.notify()
}

// SetError flags the task identified by historyID. Setting the flag also
// forces the progress sentinel to -1; clearing it leaves progress untouched.
func (s *Store) SetError(ctx context.Context, historyID string, hasError bool) {
	s.mu.Lock()
	if s.task == nil || s.task.HistoryID != historyID {
		s.mu.Unlock()
		return
	}
	s.task.HasError = hasError
	if hasError {
		s.task.Progress = domain.ProgressFailed
	}
	s.persistLocked(ctx)
	s.mu.Unlock()
	s.notify()
}

// Clear drops the task and removes the persisted entry.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.task = nil
	if err := s.repo.Clear(ctx); err != nil && s.logger != nil {
		s.logger.Printf("state clear failed: %v", err)
	}
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a deep copy of the current task, or nil when idle.
func (s *Store) Snapshot() *domain.GenerationTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Clone()
}

// HistoryID returns the tracked job id, or empty when no task is active.
func (s *Store) HistoryID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return ""
	}
	return s.task.HistoryID
}

// Tracks reports whether the store currently tracks historyID.
func (s *Store) Tracks(historyID string) bool {
	return historyID != "" && s.HistoryID() == historyID
}

// Subscribe registers for change notifications. The channel receives a
// coalesced signal after every mutation; cancel releases it.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
	return ch, cancel
}

// persistLocked writes the current task through the repository. Persistence
// failures leave the in-memory state authoritative for this session.
func (s *Store) persistLocked(ctx context.Context) {
	payload, err := domain.EncodeTask(s.task)
	if err == nil {
		err = s.repo.Save(ctx, payload)
	}
	if err != nil && s.logger != nil {
		s.logger.Printf("state persist failed: %v", err)
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
