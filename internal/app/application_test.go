package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"interviewd/internal/config"
	"interviewd/internal/database"
	"interviewd/internal/session"
	"interviewd/internal/transcript"
	"interviewd/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.AI.Provider = config.ProviderNone
	return cfg
}

func TestAssemble_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.Port = -1

	a, err := Assemble(context.Background(), cfg, database.NewMemoryStore(), nil)
	require.Error(t, err)
	require.Nil(t, a)
}

func TestStart_RecoversSessions(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	now := time.Now().UTC()

	overdue := &types.Session{
		ID: "overdue", SubjectID: "alice", Mode: types.ModePractice, Status: types.StatusInProgress,
		TimeBudgetSeconds: 60, StartedAt: now.Add(-2 * time.Hour),
	}
	live := &types.Session{
		ID: "live", SubjectID: "alice", Mode: types.ModePractice, Status: types.StatusInProgress,
		TimeBudgetSeconds: 900, StartedAt: now,
	}
	require.NoError(t, store.CreateSession(ctx, overdue))
	require.NoError(t, store.CreateSession(ctx, live))

	a, err := Assemble(ctx, testConfig(), store, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	got, err := store.GetSession(ctx, "overdue")
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, got.Status)
	require.Equal(t, 60, *got.ElapsedSeconds)

	require.True(t, a.expiry.Armed("live"))
	require.False(t, a.expiry.Armed("overdue"))
}

func TestCompletedSessionsAreQueuedForScoring(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	require.NoError(t, store.UpsertProfile(ctx, &types.Profile{SubjectID: "alice", IntakeCompleted: true}))

	a, err := Assemble(ctx, testConfig(), store, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s, err := a.sessions.Create(ctx, session.CreateRequest{SubjectID: "alice", Mode: "PRACTICE", TimeBudgetSeconds: 300})
	require.NoError(t, err)
	a.expiry.Arm(s)
	for _, speaker := range []types.Speaker{types.SpeakerAI, types.SpeakerSubject} {
		_, err := a.transcripts.Append(ctx, transcript.AppendRequest{
			SessionID: s.ID, Speaker: speaker, Content: "hello", ContentKind: types.ContentText,
		})
		require.NoError(t, err)
	}

	_, err = a.sessions.Complete(ctx, s.ID, "alice", nil)
	require.NoError(t, err)
	require.False(t, a.expiry.Armed(s.ID))

	// No AI provider is configured, so scoring fails and the subject is told
	// the evaluation is delayed.
	require.Eventually(t, func() bool {
		notes, err := store.ListNotifications(ctx, "alice", 10)
		return err == nil && len(notes) == 1 && notes[0].Kind == types.NotificationEvaluationDelayed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewApplication_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "interviewd.db")

	a, err := NewApplication(ctx, cfg, nil)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", a.Addr())
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Stop(ctx))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	require.NoError(t, store.CreateSession(ctx, &types.Session{
		ID: "old", SubjectID: "bob", Mode: types.ModeFormal, Status: types.StatusInProgress,
		TimeBudgetSeconds: 30, StartedAt: time.Now().Add(-time.Hour).UTC(),
	}))

	a, err := Assemble(ctx, testConfig(), store, nil)
	require.NoError(t, err)

	done, err := a.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, "old", done[0].ID)
	require.NoError(t, a.Stop(ctx))
}
