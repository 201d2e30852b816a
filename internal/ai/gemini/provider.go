package gemini

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"interviewd/internal/ai"
	"interviewd/internal/logger"
)

//go:embed prompts/*.md
var prompts embed.FS

type contentGenerator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

const defaultMaxLogLength = 200

// Provider implements ai.Provider with prompt templates sent to Gemini.
type Provider struct {
	generator contentGenerator
	logger    *zap.Logger
	maxLogLen int
}

// NewProvider creates a Gemini backed provider.
func NewProvider(generator contentGenerator, l *zap.Logger, maxLogLength int) *Provider {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	return &Provider{
		generator: generator,
		logger:    logger.OrNop(l).Named("gemini"),
		maxLogLen: maxLogLength,
	}
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) GenerateQuestions(ctx context.Context, req ai.QuestionRequest) (*ai.QuestionPlan, error) {
	prompt, err := render("questions.md", map[string]string{
		"MODE":          strings.ToLower(string(req.Mode)),
		"PROFILE_JSON":  mustJSON(req.Profile),
		"SELECTED_JSON": mustJSON(req.SelectedQuestions),
		"CUSTOM_JSON":   mustJSON(req.CustomQuestions),
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Questions []string               `json:"questions"`
		Plan      map[string]interface{} `json:"plan"`
	}
	if err := p.ask(ctx, "questions", prompt, &out); err != nil {
		return nil, err
	}
	return &ai.QuestionPlan{Questions: out.Questions, Plan: out.Plan}, nil
}

func (p *Provider) NextTurn(ctx context.Context, req ai.NextTurnRequest) (string, error) {
	prompt, err := render("next_turn.md", map[string]string{
		"HISTORY_JSON": mustJSON(ai.TranscriptLines(req.History)),
		"UTTERANCE":    req.Utterance,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Content string `json:"content"`
	}
	if err := p.ask(ctx, "next_turn", prompt, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Content) == "" {
		return "", errors.New("gemini next turn: empty content")
	}
	return strings.TrimSpace(out.Content), nil
}

func (p *Provider) Score(ctx context.Context, req ai.ScoreRequest) (*ai.ScoreResult, error) {
	prompt, err := render("score.md", map[string]string{
		"PROFILE_JSON":    mustJSON(req.Profile),
		"TRANSCRIPT_JSON": mustJSON(ai.TranscriptLines(req.Transcript)),
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Scores   map[string]interface{} `json:"scores"`
		Feedback map[string]interface{} `json:"feedback"`
	}
	if err := p.ask(ctx, "score", prompt, &out); err != nil {
		return nil, err
	}
	return ai.DecodeScore(out.Scores, out.Feedback)
}

func (p *Provider) ask(ctx context.Context, op, prompt string, out interface{}) error {
	p.logger.Debug("gemini generate content request",
		zap.String("op", op),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", logger.TruncateForLog(prompt, p.maxLogLen)),
	)

	raw, err := p.generator.GenerateContent(ctx, prompt)
	if err != nil {
		return err
	}

	p.logger.Debug("gemini generate content response",
		zap.String("op", op),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", logger.TruncateForLog(raw, p.maxLogLen)),
	)

	if err := json.Unmarshal([]byte(extractJSON(raw)), out); err != nil {
		return fmt.Errorf("parse gemini %s response: %w", op, err)
	}
	return nil
}

func render(name string, values map[string]string) (string, error) {
	tmpl, err := prompts.ReadFile("prompts/" + name)
	if err != nil {
		return "", fmt.Errorf("load prompt %s: %w", name, err)
	}
	prompt := string(tmpl)
	for k, v := range values {
		prompt = strings.ReplaceAll(prompt, "{{"+k+"}}", v)
	}
	return prompt, nil
}

func mustJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "null"
	}
	return string(b)
}

// extractJSON strips markdown fences the model sometimes wraps around JSON.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
