package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"interviewd/internal/logger"
	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

// DefaultListLimit caps ListForSubject when the caller passes no limit.
const DefaultListLimit = 50

// Notifier files and lists subject notifications.
type Notifier interface {
	Notify(ctx context.Context, n *types.Notification) error
	ListForSubject(ctx context.Context, subjectID string, limit int) ([]*types.Notification, error)
}

// Repository stores notifications through the engine's repository.
type Repository struct {
	store  interfaces.NotificationStore
	now    func() time.Time
	logger *zap.Logger
}

var _ Notifier = (*Repository)(nil)

// NewRepository creates a notifier backed by store.
func NewRepository(store interfaces.NotificationStore, l *zap.Logger) *Repository {
	return &Repository{
		store:  store,
		now:    time.Now,
		logger: logger.OrNop(l).Named("notify"),
	}
}

func (r *Repository) Notify(ctx context.Context, n *types.Notification) error {
	if err := prepare(n, r.now); err != nil {
		return err
	}
	if err := r.store.StoreNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	r.logger.Debug("notification filed",
		append(logger.Session("", n.SubjectID), zap.String("kind", string(n.Kind)))...)
	return nil
}

func (r *Repository) ListForSubject(ctx context.Context, subjectID string, limit int) ([]*types.Notification, error) {
	if !types.IsValidSubjectID(subjectID) {
		return nil, types.ErrInvalidSubjectID
	}
	return r.store.ListNotifications(ctx, subjectID, clampLimit(limit))
}

// EvaluationCompleted is filed when a session's evaluation is stored.
func EvaluationCompleted(s *types.Session, e *types.Evaluation) *types.Notification {
	label := "Practice"
	if s.Mode == types.ModeFormal {
		label = "Formal"
	}
	return &types.Notification{
		SubjectID: s.SubjectID,
		Kind:      types.NotificationEvaluationCompleted,
		Title:     "Interview evaluation ready",
		Message:   fmt.Sprintf("%s interview evaluation is complete. Overall score: %.1f", label, e.OverallScore),
		Link:      "/evaluation/" + s.ID,
	}
}

// EvaluationDelayed is filed when an evaluation could not be produced right away.
func EvaluationDelayed(subjectID string) *types.Notification {
	return &types.Notification{
		SubjectID: subjectID,
		Kind:      types.NotificationEvaluationDelayed,
		Title:     "Evaluation delayed",
		Message:   "Your interview evaluation is still being prepared. Please check back shortly.",
		Link:      "/dashboard",
	}
}

func prepare(n *types.Notification, now func() time.Time) error {
	if n == nil {
		return errors.New("notification is nil")
	}
	if !types.IsValidSubjectID(n.SubjectID) {
		return types.ErrInvalidSubjectID
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now().UTC()
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}
