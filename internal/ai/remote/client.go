package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"interviewd/internal/ai"
	"interviewd/pkg/types"
)

const (
	generateQuestionPath   = "/internal/ai/generate-question"
	nextTurnPath           = "/internal/ai/next-turn"
	generateEvaluationPath = "/internal/ai/generate-evaluation"
)

// Getter resolves a parameter by name. *paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx responses from the AI service.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("ai service: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// tokenPayload is the JSON shape stored in Parameter Store for the bearer token.
type tokenPayload struct {
	Token string `json:"token"`
}

// Client talks JSON over HTTP to the AI service.
type Client struct {
	baseURL    string
	httpClient *http.Client

	token     string
	getter    Getter
	tokenName string
	tokenOnce sync.Once
	tokenErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets a static bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTokenParameter resolves the bearer token from a parameter on first use.
// The stored value must be JSON: {"token": "..."}.
func WithTokenParameter(getter Getter, name string) Option {
	return func(c *Client) {
		c.getter = getter
		c.tokenName = strings.TrimSpace(name)
	}
}

// NewClient creates a client for the AI service at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ai service: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getter != nil && c.tokenName == "" {
		return nil, errors.New("ai service: token parameter name must not be empty")
	}
	return c, nil
}

func (c *Client) Name() string { return "remote" }

type profilePayload struct {
	Education       string   `json:"education,omitempty"`
	Experience      string   `json:"experience,omitempty"`
	Projects        string   `json:"projects,omitempty"`
	Skills          []string `json:"skills,omitempty"`
	DesiredPosition string   `json:"desiredPosition,omitempty"`
	Bio             string   `json:"bio,omitempty"`
}

func toProfilePayload(p *types.Profile) *profilePayload {
	if p == nil {
		return nil
	}
	return &profilePayload{
		Education:       p.Education,
		Experience:      p.Experience,
		Projects:        p.Projects,
		Skills:          p.Skills,
		DesiredPosition: p.DesiredPosition,
		Bio:             p.Bio,
	}
}

type questionRequest struct {
	Profile           *profilePayload `json:"profile,omitempty"`
	Mode              types.Mode      `json:"mode"`
	JobPostingID      string          `json:"jobPostingId,omitempty"`
	SelectedQuestions []string        `json:"selectedQuestions,omitempty"`
	CustomQuestions   []string        `json:"customQuestions,omitempty"`
	IsFirstQuestion   bool            `json:"isFirstQuestion"`
}

type questionResponse struct {
	Questions     []string               `json:"questions"`
	Question      string                 `json:"question"`
	Plan          map[string]interface{} `json:"plan"`
	InterviewPlan map[string]interface{} `json:"interviewPlan"`
}

// GenerateQuestions calls the question generation endpoint. Both the list
// form ({questions, plan}) and the single-question form ({question}) are accepted.
func (c *Client) GenerateQuestions(ctx context.Context, req ai.QuestionRequest) (*ai.QuestionPlan, error) {
	var resp questionResponse
	err := c.post(ctx, generateQuestionPath, questionRequest{
		Profile:           toProfilePayload(req.Profile),
		Mode:              req.Mode,
		JobPostingID:      req.JobPostingID,
		SelectedQuestions: req.SelectedQuestions,
		CustomQuestions:   req.CustomQuestions,
		IsFirstQuestion:   true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	plan := &ai.QuestionPlan{Questions: resp.Questions, Plan: resp.Plan}
	if plan.Plan == nil {
		plan.Plan = resp.InterviewPlan
	}
	if len(plan.Questions) == 0 && strings.TrimSpace(resp.Question) != "" {
		plan.Questions = []string{resp.Question}
	}
	return plan, nil
}

type nextTurnRequest struct {
	SessionID           string              `json:"sessionId"`
	SubjectUtterance    string              `json:"subjectUtterance"`
	ConversationHistory []map[string]string `json:"conversationHistory,omitempty"`
}

type nextTurnResponse struct {
	Content  string `json:"content"`
	Question string `json:"question"`
}

// NextTurn calls the next-turn endpoint.
func (c *Client) NextTurn(ctx context.Context, req ai.NextTurnRequest) (string, error) {
	var resp nextTurnResponse
	err := c.post(ctx, nextTurnPath, nextTurnRequest{
		SessionID:           req.SessionID,
		SubjectUtterance:    req.Utterance,
		ConversationHistory: ai.TranscriptLines(req.History),
	}, &resp)
	if err != nil {
		return "", err
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		content = strings.TrimSpace(resp.Question)
	}
	if content == "" {
		return "", errors.New("ai service: empty next turn")
	}
	return content, nil
}

type scoreRequest struct {
	SessionID           string              `json:"sessionId"`
	ConversationHistory []map[string]string `json:"conversationHistory"`
	CandidateProfile    *profilePayload     `json:"candidateProfile"`
}

type scoreResponse struct {
	Scores   map[string]interface{} `json:"scores"`
	Feedback map[string]interface{} `json:"feedback"`
}

// Score calls the evaluation endpoint.
func (c *Client) Score(ctx context.Context, req ai.ScoreRequest) (*ai.ScoreResult, error) {
	var resp scoreResponse
	err := c.post(ctx, generateEvaluationPath, scoreRequest{
		SessionID:           req.SessionID,
		ConversationHistory: ai.TranscriptLines(req.Transcript),
		CandidateProfile:    toProfilePayload(req.Profile),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return ai.DecodeScore(resp.Scores, resp.Feedback)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ai service: marshal request: %w", err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ai service: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return fmt.Errorf("ai service: request failed: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ai service: decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// resolveToken returns the static token, or fetches the parameter once and
// caches the result (including a failure) for the life of the client.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.getter == nil {
		return c.token, nil
	}
	c.tokenOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.tokenName)
		if err != nil {
			c.tokenErr = fmt.Errorf("ai service: fetch token: %w", err)
			return
		}
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			c.tokenErr = fmt.Errorf("ai service: token parameter is not JSON: %w", err)
			return
		}
		if tp.Token == "" {
			c.tokenErr = errors.New("ai service: token is empty")
			return
		}
		c.token = tp.Token
	})
	return c.token, c.tokenErr
}
