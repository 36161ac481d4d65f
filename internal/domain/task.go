package domain

import (
	"encoding/json"
)

// GenerationKind identifies which launch variant produced a task.
type GenerationKind string

const (
	GenerationKindAll      GenerationKind = "all"
	GenerationKindSelected GenerationKind = "selected"
)

// Progress sentinels reported by the backend.
const (
	ProgressDone   = 1.0
	ProgressFailed = -1.0
)

// Question is a single AI-generated test question.
type Question struct {
	QuestionText string `json:"question_text"`
}

// QuestionGroup is one category bucket of generated questions.
type QuestionGroup struct {
	Category      string     `json:"category"`
	DocumentCount int        `json:"document_count"`
	QuestionCount int        `json:"question_count"`
	QuestionRatio float64    `json:"question_ratio"`
	Questions     []Question `json:"questions"`
}

// GenerationTask is the single in-flight or completed question-generation
// job tracked process-wide. At most one instance is alive at a time.
type GenerationTask struct {
	HistoryID          string          `json:"history_id"`
	Progress           float64         `json:"progress"`
	GeneratedQuestions []QuestionGroup `json:"generated_questions"`
	Kind               GenerationKind  `json:"generation_kind"`
	RequestedCount     int             `json:"last_requested_count"`
	SelectedDocIDs     []string        `json:"selected_doc_ids"`
	KnowledgeBaseID    string          `json:"knowledge_base_id"`
	HasError           bool            `json:"has_error"`
}

// Terminal reports whether the task reached a final state: completion,
// the server failure sentinel, or an explicit error flag.
func (t *GenerationTask) Terminal() bool {
	if t == nil {
		return false
	}
	return t.Progress == ProgressDone || t.Progress == ProgressFailed || t.HasError
}

// Failed reports whether the task reached a terminal failure state.
func (t *GenerationTask) Failed() bool {
	if t == nil {
		return false
	}
	return t.HasError || t.Progress == ProgressFailed
}

// Completed reports whether questions are ready to be saved. Saving is only
// valid from this state.
func (t *GenerationTask) Completed() bool {
	return t != nil && t.Progress == ProgressDone && !t.HasError
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (t *GenerationTask) Clone() *GenerationTask {
	if t == nil {
		return nil
	}
	clone := *t
	clone.SelectedDocIDs = append([]string(nil), t.SelectedDocIDs...)
	clone.GeneratedQuestions = CloneQuestionGroups(t.GeneratedQuestions)
	return &clone
}

func CloneQuestionGroups(groups []QuestionGroup) []QuestionGroup {
	if groups == nil {
		return nil
	}
	cloned := make([]QuestionGroup, len(groups))
	for i, group := range groups {
		cloned[i] = group
		cloned[i].Questions = append([]Question(nil), group.Questions...)
	}
	return cloned
}

// EncodeTask serializes a task snapshot for the persistence layer.
func EncodeTask(task *GenerationTask) ([]byte, error) {
	return json.Marshal(task)
}

// DecodeTask deserializes a persisted snapshot. Payloads that are not valid
// JSON, or that lack a history_id field, are treated as absent rather than
// corrupt: the returned task is nil and the error is nil. A persisted entry
// must never produce a partial task.
func DecodeTask(payload []byte) *GenerationTask {
	if len(payload) == 0 {
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}
	if _, ok := probe["history_id"]; !ok {
		return nil
	}

	var task GenerationTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil
	}
	if task.HistoryID == "" {
		return nil
	}
	return &task
}
