package transcript

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"interviewd/internal/logger"
	"interviewd/internal/session"
	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

const defaultPageSize = 100

// Store is the append-only transcript log. Appends for one session are
// serialized through the same KeyedMutex the session registry uses, so a turn
// can never land after the session has been closed.
type Store struct {
	sessions interfaces.SessionStore
	turns    interfaces.TurnStore
	locks    *session.KeyedMutex
	logger   *zap.Logger
	now      func() time.Time
	pageSize int
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logger.OrNop(l).Named("transcript") }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPageSize sets how many turns List reads from storage at a time.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewStore creates a transcript store over the given repositories.
func NewStore(sessions interfaces.SessionStore, turns interfaces.TurnStore, locks *session.KeyedMutex, opts ...Option) *Store {
	s := &Store{
		sessions: sessions,
		turns:    turns,
		locks:    locks,
		logger:   zap.NewNop(),
		now:      time.Now,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendRequest describes one utterance to add to a transcript.
type AppendRequest struct {
	SessionID   string
	Speaker     types.Speaker
	Content     string
	ContentKind types.ContentKind
	AudioRef    string
}

// Append validates and stores a turn. The turn gets the next sequence number
// and a creation time strictly after the previous turn's.
func (s *Store) Append(ctx context.Context, req AppendRequest) (*types.Turn, error) {
	if req.SessionID == "" {
		return nil, types.ErrInvalidSessionID
	}
	speaker, err := types.ParseSpeaker(string(req.Speaker))
	if err != nil {
		return nil, err
	}
	kind, err := types.ParseContentKind(string(req.ContentKind))
	if err != nil {
		return nil, err
	}
	if err := types.ValidateContent(req.Content); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.SessionID)
	defer unlock()

	sess, err := s.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, types.ErrAlreadyTerminal
	}

	last, err := s.turns.LastTurn(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last turn: %w", err)
	}

	turn := &types.Turn{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		Seq:         1,
		Speaker:     speaker,
		Content:     req.Content,
		ContentKind: kind,
		CreatedAt:   s.now().UTC(),
	}
	if kind == types.ContentAudio {
		turn.AudioRef = req.AudioRef
	}
	if last != nil {
		turn.Seq = last.Seq + 1
		if !turn.CreatedAt.After(last.CreatedAt) {
			turn.CreatedAt = last.CreatedAt.Add(time.Microsecond)
		}
	}

	if err := s.turns.StoreTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("failed to store turn: %w", err)
	}

	s.logger.Debug("turn appended",
		append(logger.Session(req.SessionID, ""),
			zap.Int64("seq", turn.Seq),
			zap.String("speaker", string(turn.Speaker)),
			zap.String("content", logger.TruncateForLog(turn.Content, 80)))...)
	return turn, nil
}

// List returns the turns of a session in sequence order. Storage is read one
// page at a time as the caller ranges; every range starts from the beginning.
func (s *Store) List(ctx context.Context, sessionID string) iter.Seq2[*types.Turn, error] {
	return func(yield func(*types.Turn, error) bool) {
		var after int64
		for {
			page, err := s.turns.ListTurns(ctx, sessionID, after, s.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("failed to list turns: %w", err))
				return
			}
			for _, turn := range page {
				if !yield(turn, nil) {
					return
				}
				after = turn.Seq
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

// Collect drains List into a slice.
func (s *Store) Collect(ctx context.Context, sessionID string) ([]*types.Turn, error) {
	var out []*types.Turn
	for turn, err := range s.List(ctx, sessionID) {
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, nil
}
