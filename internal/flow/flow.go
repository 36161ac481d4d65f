package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openkb/qgen/internal/api"
	"github.com/openkb/qgen/internal/cache"
	"github.com/openkb/qgen/internal/domain"
	"github.com/openkb/qgen/internal/poller"
	"github.com/openkb/qgen/internal/store"
)

// State is the launch flow's position in its lifecycle.
type State string

const (
	StateSelectingSource  State = "selecting_source"
	StateConfiguringCount State = "configuring_count"
	StateGenerating       State = "generating"
	StateComplete         State = "complete"
	StateFailed           State = "failed"
	StateClosed           State = "closed"
)

// Count validation failures, one per rejected condition so callers can show
// a distinct message for each.
var (
	ErrCountNotInteger = errors.New("question count must be a whole number")
	ErrCountTooSmall   = errors.New("question count must be at least 1")
	ErrCountAboveLimit = errors.New("question count exceeds the allowed limit")
)

var (
	ErrWrongState     = errors.New("operation not valid in current flow state")
	ErrNoDocsSelected = errors.New("at least one document must be selected")
)

// Backend is the slice of the knowledge-base API the launch flow consumes.
// *api.Client satisfies it.
type Backend interface {
	LaunchAll(ctx context.Context, kbID string, questionCount int) (string, error)
	LaunchSelected(ctx context.Context, kbID string, docIDs []string, questionCount int) (string, error)
	Progress(ctx context.Context, historyID string) (api.ProgressReport, error)
	SaveQuestions(ctx context.Context, request api.SaveRequest) error
	FirstGeneration(ctx context.Context, kbID string) (bool, error)
	DocumentDelta(ctx context.Context, kbID string) (api.Delta, error)
	CountBounds(ctx context.Context, kbID string, docIDs []string) (api.Bounds, error)
}

type Config struct {
	Backend         Backend
	Store           *store.Store
	Prereqs         *cache.PrereqCache
	Logger          *log.Logger
	PollInterval    time.Duration
	KnowledgeBaseID string
}

// Flow is one interactive question-generation session: pick a source, tune
// the count, launch, then watch the job locally. The job itself lives on the
// server; closing the flow hands a still-running job off to the shared store
// so the tracker keeps following it.
type Flow struct {
	backend      Backend
	store        *store.Store
	prereqs      *cache.PrereqCache
	logger       *log.Logger
	pollInterval time.Duration
	kbID         string

	mu              sync.Mutex
	state           State
	kind            domain.GenerationKind
	docIDs          []string
	count           int
	bounds          api.Bounds
	firstGeneration bool
	delta           api.Delta
	task            *domain.GenerationTask
	pollCancel      context.CancelFunc
	pollDone        chan struct{}
}

func New(config Config) *Flow {
	if config.PollInterval <= 0 {
		config.PollInterval = poller.DefaultInterval
	}
	if config.Prereqs == nil {
		config.Prereqs = cache.NewPrereqCache(cache.Config{})
	}
	return &Flow{
		backend:      config.Backend,
		store:        config.Store,
		prereqs:      config.Prereqs,
		logger:       config.Logger,
		pollInterval: config.PollInterval,
		kbID:         config.KnowledgeBaseID,
		state:        StateSelectingSource,
	}
}

// Open consults the launch prerequisites: whether this knowledge base has
// ever generated questions and which documents changed since the last run.
func (f *Flow) Open(ctx context.Context) error {
	signature := f.prereqs.BuildSignature("first", f.kbID)
	if entry, ok := f.prereqs.Get(signature); ok {
		f.setPrereqs(entry.FirstGeneration, api.Delta{})
	} else {
		first, err := f.backend.FirstGeneration(ctx, f.kbID)
		if err != nil {
			return fmt.Errorf("check first generation: %w", err)
		}
		f.prereqs.Set(signature, cache.Entry{FirstGeneration: first})
		f.setPrereqs(first, api.Delta{})
	}

	delta, err := f.backend.DocumentDelta(ctx, f.kbID)
	if err != nil {
		return fmt.Errorf("check document delta: %w", err)
	}

	f.mu.Lock()
	f.delta = delta
	f.mu.Unlock()
	return nil
}

func (f *Flow) setPrereqs(first bool, delta api.Delta) {
	f.mu.Lock()
	f.firstGeneration = first
	f.delta = delta
	f.mu.Unlock()
}

// SelectAllDocuments scopes the launch to the whole knowledge base and
// fetches count bounds for it.
func (f *Flow) SelectAllDocuments(ctx context.Context) error {
	return f.selectSource(ctx, domain.GenerationKindAll, nil)
}

// SelectDocuments scopes the launch to a document subset.
func (f *Flow) SelectDocuments(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return ErrNoDocsSelected
	}
	return f.selectSource(ctx, domain.GenerationKindSelected, docIDs)
}

func (f *Flow) selectSource(ctx context.Context, kind domain.GenerationKind, docIDs []string) error {
	f.mu.Lock()
	if f.state != StateSelectingSource && f.state != StateConfiguringCount {
		f.mu.Unlock()
		return ErrWrongState
	}
	f.mu.Unlock()

	bounds, err := f.lookupBounds(ctx, docIDs)
	if err != nil {
		return fmt.Errorf("fetch count bounds: %w", err)
	}

	f.mu.Lock()
	f.kind = kind
	f.docIDs = append([]string(nil), docIDs...)
	f.bounds = bounds
	f.count = 0
	f.state = StateConfiguringCount
	f.mu.Unlock()
	return nil
}

func (f *Flow) lookupBounds(ctx context.Context, docIDs []string) (api.Bounds, error) {
	parts := append([]string{"bounds", f.kbID}, sortedCopy(docIDs)...)
	signature := f.prereqs.BuildSignature(parts...)
	if entry, ok := f.prereqs.Get(signature); ok {
		return entry.Bounds, nil
	}

	bounds, err := f.backend.CountBounds(ctx, f.kbID, docIDs)
	if err != nil {
		return api.Bounds{}, err
	}
	f.prereqs.Set(signature, cache.Entry{Bounds: bounds})
	return bounds, nil
}

// ValidateCount parses a raw count against the server limit, rejecting each
// bad input with its own error.
func ValidateCount(raw string, limit int) (int, error) {
	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, ErrCountNotInteger
	}
	if count < 1 {
		return 0, ErrCountTooSmall
	}
	if limit > 0 && count > limit {
		return 0, ErrCountAboveLimit
	}
	return count, nil
}

// SetCount records the desired question count after validation.
func (f *Flow) SetCount(raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConfiguringCount {
		return ErrWrongState
	}
	count, err := ValidateCount(raw, f.bounds.Limit)
	if err != nil {
		return err
	}
	f.count = count
	return nil
}

// Launch starts the generation job and begins local polling. A failure to
// even launch leaves the flow in ConfiguringCount so the user can adjust and
// try again. The supplied ctx also scopes the polling goroutine, so callers
// pass one that outlives the call.
func (f *Flow) Launch(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateConfiguringCount {
		f.mu.Unlock()
		return ErrWrongState
	}
	if f.count < 1 {
		f.mu.Unlock()
		return ErrCountTooSmall
	}
	kind := f.kind
	count := f.count
	docIDs := append([]string(nil), f.docIDs...)
	f.mu.Unlock()

	historyID, err := f.launchJob(ctx, kind, count, docIDs)
	if err != nil {
		return fmt.Errorf("launch generation: %w", err)
	}

	f.adoptJob(ctx, historyID, kind, count, docIDs)
	return nil
}

func (f *Flow) launchJob(ctx context.Context, kind domain.GenerationKind, count int, docIDs []string) (string, error) {
	if kind == domain.GenerationKindSelected {
		return f.backend.LaunchSelected(ctx, f.kbID, docIDs, count)
	}
	return f.backend.LaunchAll(ctx, f.kbID, count)
}

func (f *Flow) adoptJob(ctx context.Context, historyID string, kind domain.GenerationKind, count int, docIDs []string) {
	f.mu.Lock()
	f.stopPollingLocked()
	f.task = &domain.GenerationTask{
		HistoryID:          historyID,
		Progress:           0,
		GeneratedQuestions: []domain.QuestionGroup{},
		Kind:               kind,
		RequestedCount:     count,
		SelectedDocIDs:     append([]string(nil), docIDs...),
		KnowledgeBaseID:    f.kbID,
		HasError:           false,
	}
	f.state = StateGenerating
	f.startPollingLocked(ctx)
	f.mu.Unlock()
}

// Retry replays the launch with the parameters captured at launch time and
// moves back to Generating under the new history id.
func (f *Flow) Retry(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateFailed || f.task == nil {
		f.mu.Unlock()
		return ErrWrongState
	}
	kind := f.task.Kind
	count := f.task.RequestedCount
	docIDs := append([]string(nil), f.task.SelectedDocIDs...)
	f.mu.Unlock()

	historyID, err := f.launchJob(ctx, kind, count, docIDs)
	if err != nil {
		return fmt.Errorf("retry generation: %w", err)
	}

	f.adoptJob(ctx, historyID, kind, count, docIDs)
	return nil
}

// Save persists the generated questions. It is only valid once the job
// completed; a save failure keeps the flow (and any store state) intact so
// the user can try again.
func (f *Flow) Save(ctx context.Context) error {
	f.mu.Lock()
	if f.state != StateComplete || !f.task.Completed() {
		f.mu.Unlock()
		return ErrWrongState
	}
	request := api.SaveRequest{
		KnowledgeBaseID: f.task.KnowledgeBaseID,
		HistoryID:       f.task.HistoryID,
		Questions:       domain.CloneQuestionGroups(f.task.GeneratedQuestions),
	}
	f.mu.Unlock()

	if err := f.backend.SaveQuestions(ctx, request); err != nil {
		return fmt.Errorf("save questions: %w", err)
	}

	if f.store.Tracks(request.HistoryID) {
		f.store.Clear(ctx)
	}

	f.mu.Lock()
	f.stopPollingLocked()
	f.task = nil
	f.state = StateClosed
	done := f.pollDone
	f.mu.Unlock()
	waitDone(done)
	return nil
}

// Close ends the session and applies the hand-off rule: a still-running job
// the store does not already track is handed to it, so tracking continues
// without this flow; a terminal job the store does track is cleared. In
// every other case the store is left alone.
func (f *Flow) Close(ctx context.Context) {
	f.mu.Lock()
	f.stopPollingLocked()
	task := f.task
	done := f.pollDone
	f.task = nil
	f.state = StateClosed
	f.mu.Unlock()
	waitDone(done)

	if task == nil {
		return
	}
	switch {
	case !task.Terminal() && !f.store.Tracks(task.HistoryID):
		f.store.Start(ctx, store.StartParams{
			HistoryID:       task.HistoryID,
			Kind:            task.Kind,
			RequestedCount:  task.RequestedCount,
			SelectedDocIDs:  task.SelectedDocIDs,
			KnowledgeBaseID: task.KnowledgeBaseID,
		})
	case task.Terminal() && f.store.Tracks(task.HistoryID):
		f.store.Clear(ctx)
	}
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Task returns a copy of the locally tracked job, or nil before launch.
func (f *Flow) Task() *domain.GenerationTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task.Clone()
}

func (f *Flow) Bounds() api.Bounds {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bounds
}

func (f *Flow) IsFirstGeneration() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstGeneration
}

func (f *Flow) Delta() api.Delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delta
}

func (f *Flow) startPollingLocked(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.pollCancel = cancel
	f.pollDone = done

	target := func() string {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.task == nil {
			return ""
		}
		return f.task.HistoryID
	}
	p := poller.New(f.backend, target, flowSink{flow: f}, f.pollInterval, f.logger)
	go func() {
		defer close(done)
		p.Run(pollCtx)
	}()
}

func (f *Flow) stopPollingLocked() {
	if f.pollCancel != nil {
		f.pollCancel()
		f.pollCancel = nil
	}
}

func waitDone(done chan struct{}) {
	if done != nil {
		<-done
	}
}

// flowSink feeds poll results into the flow's local task copy. Results for
// a history id the flow moved past (a retry swapped in a new job) are
// dropped.
type flowSink struct {
	flow *Flow
}

func (s flowSink) ApplyProgress(_ context.Context, historyID string, progress float64, questions []domain.QuestionGroup) {
	f := s.flow
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.task == nil || f.task.HistoryID != historyID {
		return
	}
	f.task.Progress = progress
	if len(questions) > 0 {
		f.task.GeneratedQuestions = domain.CloneQuestionGroups(questions)
	}
	f.task.HasError = false
	if progress == domain.ProgressDone {
		f.state = StateComplete
	}
}

func (s flowSink) MarkFailed(_ context.Context, historyID string) {
	f := s.flow
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.task == nil || f.task.HistoryID != historyID {
		return
	}
	f.task.HasError = true
	f.task.Progress = domain.ProgressFailed
	f.state = StateFailed
}

func sortedCopy(values []string) []string {
	copied := append([]string(nil), values...)
	sort.Strings(copied)
	return copied
}
