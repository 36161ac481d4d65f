package api

import (
	"encoding/json"
	"fmt"

	"github.com/openkb/qgen/internal/domain"
)

// envelope is the uniform backend response wrapper. A zero code signals
// success; anything else carries a human-readable message.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ProgressReport is one poll result for a generation job. Progress is in
// [0,1]; -1 is the server's failure sentinel. Questions are populated only
// once the job completes.
type ProgressReport struct {
	Progress  float64                `json:"progress"`
	Questions []domain.QuestionGroup `json:"ai_questions"`
}

// SaveRequest persists generated questions into the test-question list.
type SaveRequest struct {
	KnowledgeBaseID string                 `json:"kb_id"`
	HistoryID       string                 `json:"history_id"`
	Questions       []domain.QuestionGroup `json:"ai_questions"`
}

// Delta lists documents changed since the last generation run.
type Delta struct {
	NewDocIDs      []string `json:"new_doc_ids"`
	ModifiedDocIDs []string `json:"modified_doc_ids"`
}

// Bounds is the server's question-count guidance for a launch.
type Bounds struct {
	Recommended int `json:"recommended"`
	Limit       int `json:"limit"`
}

// BackendError is a non-zero envelope code or an HTTP-level failure from the
// knowledge-base backend.
type BackendError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *BackendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("backend error code=%d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend http %d: %s", e.StatusCode, e.Message)
}
