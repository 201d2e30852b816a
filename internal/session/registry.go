package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"interviewd/internal/logger"
	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

// Store is the persistence the registry needs.
type Store interface {
	interfaces.SessionStore
	interfaces.ProfileStore
}

// TerminalListener is told about every session that reaches a terminal
// status. It runs after the new status is persisted and must not block.
type TerminalListener func(ctx context.Context, session *types.Session)

// CreateRequest carries the parameters of a new session.
type CreateRequest struct {
	SubjectID         string
	Mode              string
	TimeBudgetSeconds int
	// VoiceMode defaults to true for formal interviews when nil.
	VoiceMode    *bool
	JobPostingID string
}

// Registry is the authoritative owner of session state. Every mutation of a
// session happens under that session's key in the shared KeyedMutex.
type Registry struct {
	store  Store
	locks  *KeyedMutex
	logger *zap.Logger
	now    func() time.Time

	maxBudgetSeconds int

	activeSessions map[string]*types.Session
	mu             sync.RWMutex

	listenersMu sync.RWMutex
	listeners   []TerminalListener
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger.OrNop(l).Named("session") }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLocks shares a lock table with other components (the transcript store).
func WithLocks(locks *KeyedMutex) Option {
	return func(r *Registry) { r.locks = locks }
}

// WithMaxBudget caps the time budget a client may request. Zero means no cap.
func WithMaxBudget(d time.Duration) Option {
	return func(r *Registry) { r.maxBudgetSeconds = int(d / time.Second) }
}

// NewRegistry creates a session registry.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:          store,
		locks:          NewKeyedMutex(),
		logger:         zap.NewNop(),
		now:            time.Now,
		activeSessions: make(map[string]*types.Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Locks returns the per-session lock table.
func (r *Registry) Locks() *KeyedMutex {
	return r.locks
}

// OnTerminal registers a listener for terminal transitions.
func (r *Registry) OnTerminal(l TerminalListener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

// LoadActiveSessions fills the cache from storage and returns what it loaded.
func (r *Registry) LoadActiveSessions(ctx context.Context) ([]*types.Session, error) {
	sessions, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	r.mu.Lock()
	for _, s := range sessions {
		r.activeSessions[s.ID] = s.Clone()
	}
	r.mu.Unlock()

	r.logger.Info("loaded active sessions", zap.Int("count", len(sessions)))
	return sessions, nil
}

// Create opens a session for a subject with a completed intake profile.
// The returned session is already IN_PROGRESS.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*types.Session, error) {
	if !types.IsValidSubjectID(req.SubjectID) {
		return nil, types.ErrInvalidSubjectID
	}

	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	budget := req.TimeBudgetSeconds
	if budget == 0 {
		budget = types.DefaultTimeBudgetSeconds
	}
	if budget < 0 || (r.maxBudgetSeconds > 0 && budget > r.maxBudgetSeconds) {
		return nil, types.ErrInvalidTimeBudget
	}

	profile, err := r.store.GetProfile(ctx, req.SubjectID)
	if errors.Is(err, types.ErrProfileNotFound) || (err == nil && !profile.IntakeCompleted) {
		return nil, types.ErrProfileMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	voice := mode == types.ModeFormal
	if req.VoiceMode != nil {
		voice = *req.VoiceMode
	}

	s := &types.Session{
		ID:                uuid.NewString(),
		SubjectID:         req.SubjectID,
		Mode:              mode,
		TimeBudgetSeconds: budget,
		VoiceMode:         voice,
		Status:            types.StatusCreated,
		JobPostingID:      req.JobPostingID,
		StartedAt:         r.now().UTC(),
	}
	if err := advance(s, types.StatusInProgress); err != nil {
		return nil, err
	}

	if err := r.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.mu.Lock()
	r.activeSessions[s.ID] = s.Clone()
	r.mu.Unlock()

	r.logger.Info("session created",
		append(logger.Session(s.ID, s.SubjectID),
			zap.String("mode", string(s.Mode)),
			zap.Int("time_budget_seconds", s.TimeBudgetSeconds))...)
	return s.Clone(), nil
}

// Get returns a session the caller owns. The system caller may read any session.
func (r *Registry) Get(ctx context.Context, sessionID, callerID string) (*types.Session, error) {
	s, err := r.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !owns(s, callerID) {
		return nil, types.ErrForbidden
	}
	return s, nil
}

// Complete moves a live session to COMPLETED. observedElapsed is what the
// client reports; it is clamped to the budget, and when nil the elapsed time
// is taken from the server clock. A session that is already terminal yields
// types.ErrAlreadyTerminal and is left untouched.
func (r *Registry) Complete(ctx context.Context, sessionID, callerID string, observedElapsed *int) (*types.Session, error) {
	return r.finish(ctx, sessionID, callerID, types.StatusCompleted, observedElapsed)
}

// Cancel moves a live session to CANCELLED. Cancelled sessions are never evaluated.
func (r *Registry) Cancel(ctx context.Context, sessionID, callerID string) (*types.Session, error) {
	return r.finish(ctx, sessionID, callerID, types.StatusCancelled, nil)
}

// Sweep completes every IN_PROGRESS session whose deadline has passed,
// charging the full budget. It returns the sessions it completed.
func (r *Registry) Sweep(ctx context.Context) ([]*types.Session, error) {
	sessions, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	now := r.now()
	var completed []*types.Session
	for _, s := range sessions {
		if now.Before(s.Deadline()) {
			continue
		}
		budget := s.TimeBudgetSeconds
		done, err := r.Complete(ctx, s.ID, types.SystemCallerID, &budget)
		if errors.Is(err, types.ErrAlreadyTerminal) {
			continue
		}
		if err != nil {
			return completed, fmt.Errorf("failed to complete expired session %s: %w", s.ID, err)
		}
		completed = append(completed, done)
	}

	if len(completed) > 0 {
		r.logger.Info("swept expired sessions", zap.Int("count", len(completed)))
	}
	return completed, nil
}

// ActiveCount reports the number of cached live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activeSessions)
}

func (r *Registry) finish(ctx context.Context, sessionID, callerID string, status types.SessionStatus, observedElapsed *int) (*types.Session, error) {
	unlock := r.locks.Lock(sessionID)
	s, err := r.load(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !owns(s, callerID) {
		unlock()
		return nil, types.ErrForbidden
	}
	if s.Status.IsTerminal() {
		unlock()
		return nil, types.ErrAlreadyTerminal
	}

	now := r.now().UTC()
	elapsed := int(now.Sub(s.StartedAt) / time.Second)
	if observedElapsed != nil {
		elapsed = *observedElapsed
	}
	elapsed = types.ClampElapsed(elapsed, s.TimeBudgetSeconds)

	if err := advance(s, status); err != nil {
		unlock()
		return nil, err
	}
	s.CompletedAt = &now
	s.ElapsedSeconds = &elapsed

	if err := r.store.UpdateSession(ctx, s); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to persist %s session: %w", status, err)
	}

	r.mu.Lock()
	delete(r.activeSessions, sessionID)
	r.mu.Unlock()
	unlock()

	r.logger.Info("session finished",
		append(logger.Session(s.ID, s.SubjectID),
			zap.String("status", string(s.Status)),
			zap.String("caller", callerID),
			zap.Int("elapsed_seconds", elapsed))...)

	r.notifyTerminal(context.WithoutCancel(ctx), s.Clone())
	return s, nil
}

func (r *Registry) notifyTerminal(ctx context.Context, s *types.Session) {
	r.listenersMu.RLock()
	listeners := append([]TerminalListener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ctx, s.Clone())
	}
}

// load reads through the cache. Terminal sessions are never cached.
func (r *Registry) load(ctx context.Context, sessionID string) (*types.Session, error) {
	if sessionID == "" {
		return nil, types.ErrInvalidSessionID
	}

	r.mu.RLock()
	if s, ok := r.activeSessions[sessionID]; ok {
		r.mu.RUnlock()
		return s.Clone(), nil
	}
	r.mu.RUnlock()

	s, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func owns(s *types.Session, callerID string) bool {
	return callerID == types.SystemCallerID || s.SubjectID == callerID
}

func advance(s *types.Session, next types.SessionStatus) error {
	if !s.Status.CanTransitionTo(next) {
		if s.Status.IsTerminal() {
			return types.ErrAlreadyTerminal
		}
		return &types.Error{Kind: types.KindInternal, Reason: fmt.Sprintf("illegal transition %s -> %s", s.Status, next)}
	}
	s.Status = next
	return nil
}
