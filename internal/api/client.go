package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrBackendUnavailable = errors.New("knowledge-base backend is not configured")

type ClientConfig struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client

	// Client-side request throttle shared by every caller of this client,
	// including concurrently running pollers.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Client wraps the knowledge-base backend's question-generation API: launch,
// progress polling, saving results, and the prerequisite checks consulted
// before a launch.
type Client struct {
	baseURL    string
	authToken  string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = 10
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = 20
	}

	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		authToken:  strings.TrimSpace(config.AuthToken),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst),
	}
}

func (c *Client) Available() bool {
	return c.baseURL != ""
}

// LaunchAll starts question generation across every document of the
// knowledge base and returns the server-assigned history id.
func (c *Client) LaunchAll(ctx context.Context, kbID string, questionCount int) (string, error) {
	body := map[string]any{"question_count": questionCount}
	path := fmt.Sprintf("/v1/knowledge-bases/%s/question-generation/all", url.PathEscape(kbID))
	return c.launch(ctx, path, body)
}

// LaunchSelected starts question generation for a document subset.
func (c *Client) LaunchSelected(ctx context.Context, kbID string, docIDs []string, questionCount int) (string, error) {
	body := map[string]any{
		"doc_ids":        docIDs,
		"question_count": questionCount,
	}
	path := fmt.Sprintf("/v1/knowledge-bases/%s/question-generation/selected", url.PathEscape(kbID))
	return c.launch(ctx, path, body)
}

func (c *Client) launch(ctx context.Context, path string, body map[string]any) (string, error) {
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	data, err := c.doJSON(ctx, http.MethodPost, path, body, headers, c.maxRetries)
	if err != nil {
		return "", err
	}

	var accepted struct {
		HistoryID string `json:"history_id"`
	}
	if err := json.Unmarshal(data, &accepted); err != nil {
		return "", fmt.Errorf("decode launch response: %w", err)
	}
	if strings.TrimSpace(accepted.HistoryID) == "" {
		return "", errors.New("launch response without history_id")
	}
	return accepted.HistoryID, nil
}

// Progress fetches the current state of a generation job. Transport errors
// are returned as-is; the caller decides whether to retry on its next tick.
func (c *Client) Progress(ctx context.Context, historyID string) (ProgressReport, error) {
	path := fmt.Sprintf("/v1/question-generation/%s/progress", url.PathEscape(historyID))
	data, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, 0)
	if err != nil {
		return ProgressReport{}, err
	}

	var report ProgressReport
	if err := json.Unmarshal(data, &report); err != nil {
		return ProgressReport{}, fmt.Errorf("decode progress response: %w", err)
	}
	return report, nil
}

// SaveQuestions writes generated questions into the test-question list.
func (c *Client) SaveQuestions(ctx context.Context, request SaveRequest) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/v1/test-questions/save", request, nil, c.maxRetries)
	return err
}

// FirstGeneration reports whether this knowledge base has never had
// questions generated before.
func (c *Client) FirstGeneration(ctx context.Context, kbID string) (bool, error) {
	path := fmt.Sprintf("/v1/knowledge-bases/%s/question-generation/first", url.PathEscape(kbID))
	data, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, 0)
	if err != nil {
		return false, err
	}

	var result struct {
		FirstGeneration bool `json:"first_generation"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return false, fmt.Errorf("decode first-generation response: %w", err)
	}
	return result.FirstGeneration, nil
}

// DocumentDelta lists documents added or modified since the last run.
func (c *Client) DocumentDelta(ctx context.Context, kbID string) (Delta, error) {
	path := fmt.Sprintf("/v1/knowledge-bases/%s/question-generation/delta", url.PathEscape(kbID))
	data, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, 0)
	if err != nil {
		return Delta{}, err
	}

	var delta Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		return Delta{}, fmt.Errorf("decode delta response: %w", err)
	}
	return delta, nil
}

// CountBounds fetches the recommended and maximum question counts, scoped to
// a document subset when docIDs is non-empty.
func (c *Client) CountBounds(ctx context.Context, kbID string, docIDs []string) (Bounds, error) {
	body := map[string]any{}
	if len(docIDs) > 0 {
		body["doc_ids"] = docIDs
	}
	path := fmt.Sprintf("/v1/knowledge-bases/%s/question-generation/bounds", url.PathEscape(kbID))
	data, err := c.doJSON(ctx, http.MethodPost, path, body, nil, 0)
	if err != nil {
		return Bounds{}, err
	}

	var bounds Bounds
	if err := json.Unmarshal(data, &bounds); err != nil {
		return Bounds{}, fmt.Errorf("decode bounds response: %w", err)
	}
	return bounds, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method string,
	path string,
	body any,
	headers map[string]string,
	maxRetries int,
) (json.RawMessage, error) {
	if !c.Available() {
		return nil, ErrBackendUnavailable
	}

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		data, callErr := c.call(ctx, method, path, encoded, headers)
		if callErr == nil {
			return data, nil
		}
		lastErr = callErr

		if !isRetryableBackendError(callErr) || attempt == maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) call(
	ctx context.Context,
	method string,
	path string,
	encoded []byte,
	headers map[string]string,
) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(timeoutCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create backend request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if encoded != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("backend timeout: %w", err)
		}
		return nil, fmt.Errorf("backend transport error: %w", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read backend body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(payload))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, &BackendError{StatusCode: response.StatusCode, Message: message}
	}

	var wrapped envelope
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("decode backend envelope: %w", err)
	}
	if wrapped.Code != 0 {
		return nil, &BackendError{
			StatusCode: response.StatusCode,
			Code:       wrapped.Code,
			Message:    wrapped.Message,
		}
	}
	return wrapped.Data, nil
}

func isRetryableBackendError(err error) bool {
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		// Envelope-level rejections are deterministic; only transport-level
		// server errors and throttling are worth retrying.
		if backendErr.Code != 0 {
			return false
		}
		return backendErr.StatusCode == http.StatusTooManyRequests || backendErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "transport error")
}
