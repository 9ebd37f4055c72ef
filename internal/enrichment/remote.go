package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	intakeerrors "intake/internal/errors"
	"intake/internal/httpclient"
	"intake/internal/logging"
	"intake/internal/task"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"

	enhancePrompt = `You are a task enhancement system. Enhance the given task description by:
1. Adding specific technical details
2. Explaining impact and scope
3. Including relevant components/systems
4. Making it more comprehensive
5. Keeping it concise

Output ONLY the enhanced description, no other text.`

	priorityPrompt = `You are a task priority classifier. Analyze the task and determine its priority level.
Output ONLY one of these priority levels, with no other text: "critical", "high", "medium", or "low".
Use these guidelines:
- Critical: Must be addressed immediately, major system functionality or security issues
- High: Important tasks that significantly impact functionality or performance
- Medium: Standard development work or minor improvements
- Low: Nice to have features, documentation, or cosmetic issues`

	projectPromptFormat = `You are a project classifier. Your task is to determine which project a given task belongs to.
Your output should be ONLY the project name, nothing else.
If you're unsure, respond with "%s".`
)

// RequestRecorder observes each backend call.
type RequestRecorder interface {
	RecordLLMRequest(ctx context.Context, model, kind, status string, latency time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordLLMRequest(context.Context, string, string, string, time.Duration) {}

// Remote enriches through an OpenAI-compatible chat completions endpoint.
type Remote struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	model          string
	defaultProject string
	recorder       RequestRecorder
	logger         logging.Logger
	bodyLimit      int64 // 0 means httpclient.DefaultBodyLimit
}

// NewRemote builds the remote gateway. Its HTTP transport is guarded by a
// circuit breaker so a failing backend is skipped quickly.
func NewRemote(cfg Config, logger logging.Logger, recorder RequestRecorder) *Remote {
	logger = logging.OrNop(logger)
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	project := cfg.DefaultProject
	if strings.TrimSpace(project) == "" {
		project = DefaultProject
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Remote{
		httpClient:     httpclient.NewWithCircuitBreaker(timeout, logger, "enrichment", cfg.Breaker),
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		model:          model,
		defaultProject: project,
		recorder:       recorder,
		logger:         logger,
	}
}

// Enhance asks the backend for an enhanced description, a priority and a
// project. Any failure aborts the whole call.
func (r *Remote) Enhance(ctx context.Context, description string) (Result, error) {
	enhanced, err := r.complete(ctx, "enhance", enhancePrompt, "Enhance this task: "+description)
	if err != nil {
		return Result{}, err
	}

	answer, err := r.complete(ctx, "priority", priorityPrompt, "Classify priority: "+description)
	if err != nil {
		return Result{}, err
	}
	priority, ok := task.ParsePriority(strings.Trim(answer, `"'.`))
	if !ok {
		r.logger.Debug("Unrecognised priority %q, using medium", answer)
	}

	project, err := r.complete(ctx, "project", fmt.Sprintf(projectPromptFormat, r.defaultProject), "Which project does this task belong to? "+description)
	if err != nil {
		return Result{}, err
	}
	project = strings.TrimSpace(strings.Trim(project, `"'`))
	if project == "" {
		project = r.defaultProject
	}

	return Result{Enhanced: enhanced, Priority: priority, Project: project}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (r *Remote) complete(ctx context.Context, kind, system, user string) (answer string, err error) {
	started := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.recorder.RecordLLMRequest(ctx, r.model, kind, status, time.Since(started))
	}()

	body, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", intakeerrors.Enrichment(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", intakeerrors.Enrichment(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", intakeerrors.Enrichment(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := httpclient.ReadBody(resp.Body, r.bodyLimit)
	if httpclient.IsBodyTooLarge(err) {
		return "", intakeerrors.Enrichment(intakeerrors.NewPermanentError(err, ""))
	}
	if err != nil {
		return "", intakeerrors.Enrichment(fmt.Errorf("read response: %w", err))
	}

	var parsed chatResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("enrichment backend returned %d", resp.StatusCode)
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg += ": " + parsed.Error.Message
		}
		cause := fmt.Errorf("%s", msg)
		if intakeerrors.IsTransientHTTPStatus(resp.StatusCode) {
			return "", intakeerrors.Enrichment(&intakeerrors.TransientError{Err: cause, StatusCode: resp.StatusCode})
		}
		return "", intakeerrors.Enrichment(&intakeerrors.PermanentError{Err: cause, StatusCode: resp.StatusCode})
	}

	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", intakeerrors.Enrichment(fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", intakeerrors.Enrichment(intakeerrors.NewTransientError(fmt.Errorf("no choices in response"), ""))
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
