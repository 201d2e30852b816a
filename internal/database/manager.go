package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "interviewd/pkg/database"
	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

var _ interfaces.Repository = (*Manager)(nil)

// Manager is the SQLite-backed repository. Reads go straight to the pool;
// writes are funnelled through a single writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(config.DatabasePath); config.DatabasePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// Migrate applies pending schema migrations and validates the result.
func (m *Manager) Migrate() error {
	mm := dbconfig.NewMigrationManager(m.db, m.config.MigrationsPath)
	if err := mm.ApplyMigrations(); err != nil {
		return err
	}
	return mm.ValidateSchema()
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// Classified errors (constraint hits) are final; only transient failures get the one retry.
			if err != nil && types.KindOf(err) == types.KindInternal {
				m.logger.Warn("write failed, retrying once", zap.Duration("delay", m.config.RetryDelay), zap.Error(err))
				time.Sleep(m.config.RetryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write and waits for the writer to run it.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.New("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-timer.C:
		return errors.New("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return errors.New("database manager is shutting down")
	}
}

const sessionColumns = `id, subject_id, mode, time_budget_seconds, voice_mode, status,
	job_posting_id, started_at, completed_at, elapsed_seconds`

// CreateSession inserts a new session row.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID,
			session.SubjectID,
			session.Mode,
			session.TimeBudgetSeconds,
			session.VoiceMode,
			session.Status,
			session.JobPostingID,
			session.StartedAt.UTC(),
			nullTime(session.CompletedAt),
			nullInt(session.ElapsedSeconds),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// UpdateSession persists the terminal fields of a session.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, completed_at = ?, elapsed_seconds = ?
			WHERE id = ?`,
			session.Status,
			nullTime(session.CompletedAt),
			nullInt(session.ElapsedSeconds),
			session.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return types.ErrSessionNotFound
		}
		return nil
	})
}

// ListActiveSessions returns IN_PROGRESS sessions, oldest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = ?
		ORDER BY started_at ASC`, types.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// StoreTurn appends a turn. The (session_id, seq) index rejects duplicates.
func (m *Manager) StoreTurn(ctx context.Context, turn *types.Turn) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, seq, speaker, content, content_kind, audio_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.ID,
			turn.SessionID,
			turn.Seq,
			turn.Speaker,
			turn.Content,
			turn.ContentKind,
			turn.AudioRef,
			turn.CreatedAt.UTC(),
		)
		if isUniqueViolation(err) {
			return &types.Error{Kind: types.KindConflict, Reason: "turn sequence already used", Err: err}
		}
		if err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
		return nil
	})
}

const turnColumns = `id, session_id, seq, speaker, content, content_kind, audio_ref, created_at`

// ListTurns pages through a transcript in sequence order.
func (m *Manager) ListTurns(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*types.Turn, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*types.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turn rows: %w", err)
	}
	return turns, nil
}

// LastTurn returns the newest turn, or nil for an empty transcript.
func (m *Manager) LastTurn(ctx context.Context, sessionID string) (*types.Turn, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT 1`, sessionID)

	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last turn: %w", err)
	}
	return turn, nil
}

// StoreEvaluation inserts the evaluation for a session unless one exists.
func (m *Manager) StoreEvaluation(ctx context.Context, evaluation *types.Evaluation) error {
	subScores, err := json.Marshal(evaluation.SubScores)
	if err != nil {
		return fmt.Errorf("failed to marshal sub-scores: %w", err)
	}
	feedback, err := json.Marshal(evaluation.Feedback)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO evaluations (id, session_id, sub_scores, overall_score, feedback, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			evaluation.ID,
			evaluation.SessionID,
			string(subScores),
			evaluation.OverallScore,
			string(feedback),
			evaluation.CreatedAt.UTC(),
		)
		if isUniqueViolation(err) {
			return types.ErrEvaluationExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert evaluation: %w", err)
		}
		return nil
	})
}

// GetEvaluation returns the evaluation of a session.
func (m *Manager) GetEvaluation(ctx context.Context, sessionID string) (*types.Evaluation, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, session_id, sub_scores, overall_score, feedback, created_at
		FROM evaluations
		WHERE session_id = ?`, sessionID)

	var (
		e             types.Evaluation
		subScoresJSON string
		feedbackJSON  string
	)
	err := row.Scan(&e.ID, &e.SessionID, &subScoresJSON, &e.OverallScore, &feedbackJSON, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrEvaluationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluation: %w", err)
	}
	if err := json.Unmarshal([]byte(subScoresJSON), &e.SubScores); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sub-scores: %w", err)
	}
	if err := json.Unmarshal([]byte(feedbackJSON), &e.Feedback); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feedback: %w", err)
	}
	return &e, nil
}

// GetProfile returns the intake profile of a subject.
func (m *Manager) GetProfile(ctx context.Context, subjectID string) (*types.Profile, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT subject_id, education, experience, projects, skills, desired_position, bio, intake_completed
		FROM profiles
		WHERE subject_id = ?`, subjectID)

	var (
		p          types.Profile
		skillsJSON string
	)
	err := row.Scan(&p.SubjectID, &p.Education, &p.Experience, &p.Projects, &skillsJSON,
		&p.DesiredPosition, &p.Bio, &p.IntakeCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	if err := json.Unmarshal([]byte(skillsJSON), &p.Skills); err != nil {
		return nil, fmt.Errorf("failed to unmarshal skills: %w", err)
	}
	return &p, nil
}

// UpsertProfile inserts or replaces a profile.
func (m *Manager) UpsertProfile(ctx context.Context, profile *types.Profile) error {
	skills := profile.Skills
	if skills == nil {
		skills = []string{}
	}
	skillsJSON, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("failed to marshal skills: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO profiles (subject_id, education, experience, projects, skills, desired_position, bio, intake_completed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(subject_id) DO UPDATE SET
				education = excluded.education,
				experience = excluded.experience,
				projects = excluded.projects,
				skills = excluded.skills,
				desired_position = excluded.desired_position,
				bio = excluded.bio,
				intake_completed = excluded.intake_completed`,
			profile.SubjectID,
			profile.Education,
			profile.Experience,
			profile.Projects,
			string(skillsJSON),
			profile.DesiredPosition,
			profile.Bio,
			profile.IntakeCompleted,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert profile: %w", err)
		}
		return nil
	})
}

// StoreNotification inserts a notification.
func (m *Manager) StoreNotification(ctx context.Context, n *types.Notification) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notifications (id, subject_id, kind, title, message, link, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.SubjectID, n.Kind, n.Title, n.Message, n.Link, n.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return nil
	})
}

// ListNotifications returns a subject's notifications, newest first.
func (m *Manager) ListNotifications(ctx context.Context, subjectID string, limit int) ([]*types.Notification, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, subject_id, kind, title, message, link, created_at
		FROM notifications
		WHERE subject_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Notification
	for rows.Next() {
		var n types.Notification
		if err := rows.Scan(&n.ID, &n.SubjectID, &n.Kind, &n.Title, &n.Message, &n.Link, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return out, nil
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB exposes the pool for migrations and tests.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		s           types.Session
		completedAt sql.NullTime
		elapsed     sql.NullInt64
	)
	err := row.Scan(
		&s.ID,
		&s.SubjectID,
		&s.Mode,
		&s.TimeBudgetSeconds,
		&s.VoiceMode,
		&s.Status,
		&s.JobPostingID,
		&s.StartedAt,
		&completedAt,
		&elapsed,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	if elapsed.Valid {
		e := int(elapsed.Int64)
		s.ElapsedSeconds = &e
	}
	return &s, nil
}

func scanTurn(row rowScanner) (*types.Turn, error) {
	var t types.Turn
	err := row.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Speaker, &t.Content, &t.ContentKind, &t.AudioRef, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
