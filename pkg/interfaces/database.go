package interfaces

import (
	"context"

	"interviewd/pkg/types"
)

// SessionStore persists session records. Sessions are never deleted.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.Session) error

	// GetSession returns types.ErrSessionNotFound when no row matches.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// UpdateSession writes status, completion time and elapsed seconds.
	UpdateSession(ctx context.Context, session *types.Session) error

	// ListActiveSessions returns every IN_PROGRESS session, oldest first.
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
}

// TurnStore is the append-only transcript log.
type TurnStore interface {
	StoreTurn(ctx context.Context, turn *types.Turn) error

	// ListTurns returns up to limit turns with Seq > afterSeq in ascending order.
	ListTurns(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*types.Turn, error)

	// LastTurn returns the newest turn of a session, or nil when the transcript is empty.
	LastTurn(ctx context.Context, sessionID string) (*types.Turn, error)
}

// EvaluationStore keeps at most one evaluation per session.
type EvaluationStore interface {
	// StoreEvaluation returns types.ErrEvaluationExists if the session already has one.
	StoreEvaluation(ctx context.Context, evaluation *types.Evaluation) error

	// GetEvaluation returns types.ErrEvaluationNotFound when none exists.
	GetEvaluation(ctx context.Context, sessionID string) (*types.Evaluation, error)
}

// ProfileStore reads intake profiles. Writes exist only for seeding.
type ProfileStore interface {
	// GetProfile returns types.ErrProfileNotFound when the subject has no profile.
	GetProfile(ctx context.Context, subjectID string) (*types.Profile, error)
	UpsertProfile(ctx context.Context, profile *types.Profile) error
}

// NotificationStore files notifications for subjects.
type NotificationStore interface {
	StoreNotification(ctx context.Context, notification *types.Notification) error

	// ListNotifications returns the newest notifications first.
	ListNotifications(ctx context.Context, subjectID string, limit int) ([]*types.Notification, error)
}

// Repository is the full persistence surface injected into the engine.
type Repository interface {
	SessionStore
	TurnStore
	EvaluationStore
	ProfileStore
	NotificationStore

	HealthCheck(ctx context.Context) error
	Close() error
}
