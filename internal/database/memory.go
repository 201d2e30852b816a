package database

import (
	"context"
	"sort"
	"sync"

	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

var _ interfaces.Repository = (*MemoryStore)(nil)

// MemoryStore is an in-process Repository used by tests and by the
// "memory" database driver. It copies values on the way in and out so
// callers can't alias stored records.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*types.Session
	turns         map[string][]*types.Turn
	evaluations   map[string]*types.Evaluation
	profiles      map[string]*types.Profile
	notifications map[string][]*types.Notification

	// FailWrites, when set, is returned by every write. Tests use it to
	// simulate a broken store.
	FailWrites error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*types.Session),
		turns:         make(map[string][]*types.Turn),
		evaluations:   make(map[string]*types.Evaluation),
		profiles:      make(map[string]*types.Profile),
		notifications: make(map[string][]*types.Notification),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	existing, ok := s.sessions[session.ID]
	if !ok {
		return types.ErrSessionNotFound
	}
	updated := existing.Clone()
	updated.Status = session.Status
	updated.CompletedAt = session.Clone().CompletedAt
	updated.ElapsedSeconds = session.Clone().ElapsedSeconds
	s.sessions[session.ID] = updated
	return nil
}

func (s *MemoryStore) ListActiveSessions(_ context.Context) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Session
	for _, session := range s.sessions {
		if session.Status == types.StatusInProgress {
			out = append(out, session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) StoreTurn(_ context.Context, turn *types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.sessions[turn.SessionID]; !ok {
		return types.ErrSessionNotFound
	}
	for _, existing := range s.turns[turn.SessionID] {
		if existing.Seq == turn.Seq {
			return &types.Error{Kind: types.KindConflict, Reason: "turn sequence already used"}
		}
	}
	c := *turn
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], &c)
	return nil
}

func (s *MemoryStore) ListTurns(_ context.Context, sessionID string, afterSeq int64, limit int) ([]*types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Turn
	for _, turn := range s.turns[sessionID] {
		if turn.Seq <= afterSeq {
			continue
		}
		c := *turn
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LastTurn(_ context.Context, sessionID string) (*types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *types.Turn
	for _, turn := range s.turns[sessionID] {
		if last == nil || turn.Seq > last.Seq {
			last = turn
		}
	}
	if last == nil {
		return nil, nil
	}
	c := *last
	return &c, nil
}

func (s *MemoryStore) StoreEvaluation(_ context.Context, evaluation *types.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	if _, ok := s.evaluations[evaluation.SessionID]; ok {
		return types.ErrEvaluationExists
	}
	c := *evaluation
	s.evaluations[evaluation.SessionID] = &c
	return nil
}

func (s *MemoryStore) GetEvaluation(_ context.Context, sessionID string) (*types.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evaluations[sessionID]
	if !ok {
		return nil, types.ErrEvaluationNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, subjectID string) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, types.ErrProfileNotFound
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, profile *types.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	c := *profile
	s.profiles[profile.SubjectID] = &c
	return nil
}

func (s *MemoryStore) StoreNotification(_ context.Context, n *types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	c := *n
	s.notifications[n.SubjectID] = append(s.notifications[n.SubjectID], &c)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, subjectID string, limit int) ([]*types.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.notifications[subjectID]
	out := make([]*types.Notification, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		c := *src[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
