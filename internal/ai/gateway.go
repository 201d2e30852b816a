package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"interviewd/internal/logger"
	"interviewd/pkg/types"
)

const (
	// FallbackQuestion replaces an AI reply that failed or timed out.
	FallbackQuestion = "Could you explain in more detail what you just described?"

	// OpeningQuestion starts a session when no generated question is available.
	OpeningQuestion = "Thanks for joining. To start, could you walk me through your recent experience and what you are looking for next?"

	defaultTurnTimeout  = 20 * time.Second
	defaultScoreTimeout = 2 * time.Minute
)

// Gateway is the engine's only path to the AI provider. Conversational calls
// never fail: any provider error or timeout yields fixed fallback content.
// Scoring errors are returned to the caller.
type Gateway struct {
	provider     Provider
	turnTimeout  time.Duration
	scoreTimeout time.Duration
	logger       *zap.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithTurnTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.turnTimeout = d
		}
	}
}

func WithScoreTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.scoreTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger.OrNop(l).Named("ai") }
}

// NewGateway wraps provider with timeouts and fallbacks.
func NewGateway(provider Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider:     provider,
		turnTimeout:  defaultTurnTimeout,
		scoreTimeout: defaultScoreTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ProviderName reports which backend is wired in.
func (g *Gateway) ProviderName() string {
	if g.provider == nil {
		return "none"
	}
	return g.provider.Name()
}

// NextTurn returns the AI reply to an utterance, or FallbackQuestion.
func (g *Gateway) NextTurn(ctx context.Context, req NextTurnRequest) string {
	if g.provider == nil {
		return FallbackQuestion
	}

	ctx, cancel := context.WithTimeout(ctx, g.turnTimeout)
	defer cancel()

	content, err := g.provider.NextTurn(ctx, req)
	if err == nil {
		content = strings.TrimSpace(content)
		if content != "" {
			return content
		}
		err = errors.New("empty reply")
	}

	g.logger.Warn("next turn failed, using fallback",
		append(logger.Session(req.SessionID, ""),
			zap.String(logger.FieldProvider, g.provider.Name()),
			zap.Error(err))...)
	return FallbackQuestion
}

// OpeningTurn returns the first question of a session, or OpeningQuestion.
func (g *Gateway) OpeningTurn(ctx context.Context, profile *types.Profile, mode types.Mode, jobPostingID string) string {
	plan, err := g.generate(ctx, QuestionRequest{Profile: profile, Mode: mode, JobPostingID: jobPostingID})
	if err != nil || len(plan.Questions) == 0 || strings.TrimSpace(plan.Questions[0]) == "" {
		if err == nil {
			err = errors.New("no questions in plan")
		}
		g.logger.Warn("opening turn failed, using fallback",
			zap.String(logger.FieldProvider, g.ProviderName()), zap.Error(err))
		return OpeningQuestion
	}
	return strings.TrimSpace(plan.Questions[0])
}

// PlanQuestions returns the generated plan for a new session. When the
// provider fails the plan holds OpeningQuestion followed by any custom
// questions the caller supplied.
func (g *Gateway) PlanQuestions(ctx context.Context, req QuestionRequest) *QuestionPlan {
	plan, err := g.generate(ctx, req)
	if err == nil && len(plan.Questions) > 0 {
		return plan
	}
	if err == nil {
		err = errors.New("no questions in plan")
	}

	g.logger.Warn("question plan failed, using default plan",
		zap.String(logger.FieldProvider, g.ProviderName()), zap.Error(err))
	questions := append([]string{OpeningQuestion}, req.CustomQuestions...)
	return &QuestionPlan{
		Questions: questions,
		Plan:      map[string]interface{}{"source": "default"},
	}
}

// Score evaluates a transcript. Failures come back as upstream errors.
func (g *Gateway) Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	if g.provider == nil {
		return nil, types.ErrUpstreamUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, g.scoreTimeout)
	defer cancel()

	started := time.Now()
	result, err := g.provider.Score(ctx, req)
	if err != nil {
		return nil, types.Upstream(fmt.Errorf("%s score: %w", g.provider.Name(), err))
	}
	if result == nil || len(result.SubScores) == 0 {
		return nil, types.Upstream(fmt.Errorf("%s score: no sub-scores", g.provider.Name()))
	}

	g.logger.Debug("transcript scored",
		append(logger.Session(req.SessionID, ""),
			zap.String(logger.FieldProvider, g.provider.Name()),
			zap.Int("turns", len(req.Transcript)),
			zap.Duration("took", time.Since(started)))...)
	return result, nil
}

func (g *Gateway) generate(ctx context.Context, req QuestionRequest) (*QuestionPlan, error) {
	if g.provider == nil {
		return nil, types.ErrUpstreamUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, g.turnTimeout)
	defer cancel()

	plan, err := g.provider.GenerateQuestions(ctx, req)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, errors.New("nil plan")
	}
	return plan, nil
}
