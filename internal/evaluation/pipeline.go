package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"interviewd/internal/ai"
	"interviewd/internal/logger"
	"interviewd/internal/notify"
	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64

	minTurns = 2
)

var (
	ErrPipelineNotRunning = errors.New("evaluation pipeline is not running")
	ErrPipelineStarted    = errors.New("evaluation pipeline already started")
)

// Store is the persistence the pipeline reads and writes.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	interfaces.EvaluationStore
	GetProfile(ctx context.Context, subjectID string) (*types.Profile, error)
}

// Transcripts reads a full transcript.
type Transcripts interface {
	Collect(ctx context.Context, sessionID string) ([]*types.Turn, error)
}

// Scorer evaluates a transcript. *ai.Gateway satisfies it.
type Scorer interface {
	Score(ctx context.Context, req ai.ScoreRequest) (*ai.ScoreResult, error)
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

// Outcome is what happened to one job.
type Outcome string

const (
	OutcomeScored  Outcome = "scored"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Pipeline scores completed sessions on a fixed pool of workers fed by a
// bounded queue.
type Pipeline struct {
	store       Store
	transcripts Transcripts
	scorer      Scorer
	notifier    notify.Notifier
	workers     int
	logger      *zap.Logger
	now         func() time.Time
	onDone      func(sessionID string, outcome Outcome)

	mu      sync.RWMutex
	queue   chan job
	running bool
	stopped bool
	wg      sync.WaitGroup
}

type job struct {
	sessionID string
	subjectID string
}

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger.OrNop(l).Named("evaluation") }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// OnDone is called after each job with its outcome.
func OnDone(f func(sessionID string, outcome Outcome)) Option {
	return func(p *Pipeline) { p.onDone = f }
}

// NewPipeline creates a stopped pipeline.
func NewPipeline(store Store, transcripts Transcripts, scorer Scorer, notifier notify.Notifier, cfg Config, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	p := &Pipeline{
		store:       store,
		transcripts: transcripts,
		scorer:      scorer,
		notifier:    notifier,
		workers:     cfg.Workers,
		logger:      zap.NewNop(),
		now:         time.Now,
		queue:       make(chan job, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Jobs run on ctx without its cancellation so
// Stop can drain them.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return ErrPipelineStarted
	}
	p.running = true

	jobCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(jobCtx, i)
	}
	p.logger.Info("evaluation pipeline started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
	return nil
}

// Stop refuses new jobs and returns once queued and in-flight jobs finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.running = false
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("evaluation pipeline stopped")
}

// Enqueue schedules an evaluation without blocking. When the queue is full
// the subject gets a delayed notification and types.ErrQueueFull is returned.
func (p *Pipeline) Enqueue(ctx context.Context, s *types.Session) error {
	if s == nil {
		return types.ErrInvalidSessionID
	}
	j := job{sessionID: s.ID, subjectID: s.SubjectID}

	p.mu.RLock()
	if !p.running {
		p.mu.RUnlock()
		p.delayed(ctx, j, ErrPipelineNotRunning)
		return ErrPipelineNotRunning
	}
	select {
	case p.queue <- j:
		p.mu.RUnlock()
		p.logger.Debug("evaluation queued", logger.Session(s.ID, s.SubjectID)...)
		return nil
	default:
		p.mu.RUnlock()
		p.delayed(ctx, j, types.ErrQueueFull)
		return types.ErrQueueFull
	}
}

// Trigger queues a manual re-run for a completed session the caller owns
// that has no evaluation yet.
func (p *Pipeline) Trigger(ctx context.Context, sessionID, callerID string) error {
	if sessionID == "" {
		return types.ErrInvalidSessionID
	}
	s, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if callerID != types.SystemCallerID && callerID != s.SubjectID {
		return types.ErrForbidden
	}
	if s.Status != types.StatusCompleted {
		return types.ErrNotCompleted
	}

	_, err = p.store.GetEvaluation(ctx, sessionID)
	if err == nil {
		return types.ErrEvaluationExists
	}
	if !errors.Is(err, types.ErrEvaluationNotFound) {
		return fmt.Errorf("failed to check evaluation: %w", err)
	}

	turns, err := p.transcripts.Collect(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}
	if !scorable(turns) {
		return types.ErrInsufficientTurns
	}

	return p.Enqueue(ctx, s)
}

func (p *Pipeline) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	for j := range p.queue {
		outcome := p.process(ctx, j)
		if p.onDone != nil {
			p.onDone(j.sessionID, outcome)
		}
	}
	p.logger.Debug("evaluation worker exited", zap.Int("worker", n))
}

func (p *Pipeline) process(ctx context.Context, j job) Outcome {
	fields := logger.Session(j.sessionID, j.subjectID)

	turns, err := p.transcripts.Collect(ctx, j.sessionID)
	if err != nil {
		p.logger.Error("evaluation failed reading transcript", append(fields, zap.Error(err))...)
		p.delayed(ctx, j, err)
		return OutcomeFailed
	}
	if !scorable(turns) {
		p.logger.Info("evaluation skipped, transcript too short", append(fields, zap.Int("turns", len(turns)))...)
		return OutcomeSkipped
	}

	_, err = p.store.GetEvaluation(ctx, j.sessionID)
	if err == nil {
		p.logger.Info("evaluation skipped, already exists", fields...)
		return OutcomeSkipped
	}
	if !errors.Is(err, types.ErrEvaluationNotFound) {
		p.logger.Error("evaluation failed checking existing result", append(fields, zap.Error(err))...)
		p.delayed(ctx, j, err)
		return OutcomeFailed
	}

	s, err := p.store.GetSession(ctx, j.sessionID)
	if err != nil {
		p.logger.Error("evaluation failed loading session", append(fields, zap.Error(err))...)
		p.delayed(ctx, j, err)
		return OutcomeFailed
	}

	profile, err := p.store.GetProfile(ctx, s.SubjectID)
	if err != nil {
		p.logger.Debug("scoring without profile", append(fields, zap.Error(err))...)
		profile = nil
	}

	result, err := p.scorer.Score(ctx, ai.ScoreRequest{
		SessionID:  s.ID,
		Transcript: turns,
		Profile:    profile,
	})
	if err != nil {
		p.logger.Warn("scoring failed", append(fields, zap.Error(err))...)
		p.delayed(ctx, j, err)
		return OutcomeFailed
	}

	eval := &types.Evaluation{
		ID:           uuid.NewString(),
		SessionID:    s.ID,
		SubScores:    result.SubScores,
		OverallScore: types.OverallScore(result.SubScores),
		Feedback:     result.Feedback,
		CreatedAt:    p.now().UTC(),
	}
	if err := p.store.StoreEvaluation(ctx, eval); err != nil {
		if errors.Is(err, types.ErrEvaluationExists) {
			p.logger.Info("evaluation skipped, stored concurrently", fields...)
			return OutcomeSkipped
		}
		p.logger.Error("storing evaluation failed", append(fields, zap.Error(err))...)
		p.delayed(ctx, j, err)
		return OutcomeFailed
	}

	if err := p.notifier.Notify(ctx, notify.EvaluationCompleted(s, eval)); err != nil {
		p.logger.Warn("completion notification failed", append(fields, zap.Error(err))...)
	}
	p.logger.Info("evaluation stored", append(fields, zap.Float64("overall_score", eval.OverallScore))...)
	return OutcomeScored
}

func (p *Pipeline) delayed(ctx context.Context, j job, cause error) {
	if err := p.notifier.Notify(ctx, notify.EvaluationDelayed(j.subjectID)); err != nil {
		p.logger.Error("delayed notification failed",
			append(logger.Session(j.sessionID, j.subjectID), zap.NamedError("cause", cause), zap.Error(err))...)
	}
}

// scorable requires at least two turns with both speakers present.
func scorable(turns []*types.Turn) bool {
	if len(turns) < minTurns {
		return false
	}
	var hasAI, hasSubject bool
	for _, t := range turns {
		switch t.Speaker {
		case types.SpeakerAI:
			hasAI = true
		case types.SpeakerSubject:
			hasSubject = true
		}
	}
	return hasAI && hasSubject
}
