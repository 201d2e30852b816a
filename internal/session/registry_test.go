package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"interviewd/internal/database"
	"interviewd/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupRegistry(t *testing.T) (*Registry, *database.MemoryStore, *fakeClock) {
	t.Helper()

	store := database.NewMemoryStore()
	require.NoError(t, store.UpsertProfile(context.Background(), &types.Profile{
		SubjectID:       "alice",
		Skills:          []string{"go"},
		IntakeCompleted: true,
	}))

	clock := newFakeClock()
	reg := NewRegistry(store, WithClock(clock.Now), WithMaxBudget(2*time.Hour))
	return reg, store, clock
}

func TestRegistry_Create(t *testing.T) {
	reg, store, _ := setupRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateRequest{SubjectID: "alice", Mode: "formal", TimeBudgetSeconds: 300})
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, s.Status)
	require.Equal(t, types.ModeFormal, s.Mode)
	require.True(t, s.VoiceMode)
	require.Equal(t, 300, s.TimeBudgetSeconds)
	require.Nil(t, s.ElapsedSeconds)

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, stored.Status)
	require.Equal(t, 1, reg.ActiveCount())
}

func TestRegistry_CreateDefaults(t *testing.T) {
	reg, _, _ := setupRegistry(t)
	voice := true

	s, err := reg.Create(context.Background(), CreateRequest{SubjectID: "alice", VoiceMode: &voice})
	require.NoError(t, err)
	require.Equal(t, types.ModePractice, s.Mode)
	require.Equal(t, types.DefaultTimeBudgetSeconds, s.TimeBudgetSeconds)
	require.True(t, s.VoiceMode)
}

func TestRegistry_CreateValidation(t *testing.T) {
	reg, store, _ := setupRegistry(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertProfile(ctx, &types.Profile{SubjectID: "bob"}))

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"bad subject", CreateRequest{SubjectID: "has space"}, types.ErrInvalidSubjectID},
		{"bad mode", CreateRequest{SubjectID: "alice", Mode: "ACTUAL"}, types.ErrInvalidMode},
		{"negative budget", CreateRequest{SubjectID: "alice", TimeBudgetSeconds: -5}, types.ErrInvalidTimeBudget},
		{"budget over cap", CreateRequest{SubjectID: "alice", TimeBudgetSeconds: 3 * 3600}, types.ErrInvalidTimeBudget},
		{"no profile", CreateRequest{SubjectID: "carol"}, types.ErrProfileMissing},
		{"intake incomplete", CreateRequest{SubjectID: "bob"}, types.ErrProfileMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Create(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.Zero(t, reg.ActiveCount())
}

func TestRegistry_CompleteClampsElapsed(t *testing.T) {
	reg, _, clock := setupRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		observed *int
		advance  time.Duration
		want     int
	}{
		{"client value kept", intPtr(120), 0, 120},
		{"oversized client value", intPtr(100000), 0, 300},
		{"negative client value", intPtr(-4), 0, 0},
		{"server clock", nil, 90 * time.Second, 90},
		{"server clock past budget", nil, time.Hour, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := reg.Create(ctx, CreateRequest{SubjectID: "alice", TimeBudgetSeconds: 300})
			require.NoError(t, err)
			clock.Advance(tt.advance)

			done, err := reg.Complete(ctx, s.ID, "alice", tt.observed)
			require.NoError(t, err)
			require.Equal(t, types.StatusCompleted, done.Status)
			require.NotNil(t, done.ElapsedSeconds)
			require.Equal(t, tt.want, *done.ElapsedSeconds)
			require.NotNil(t, done.CompletedAt)
		})
	}
}

func TestRegistry_CompleteTwice(t *testing.T) {
	reg, store, _ := setupRegistry(t)
	ctx := context.Background()

	var fired atomic.Int32
	reg.OnTerminal(func(context.Context, *types.Session) { fired.Add(1) })

	s, err := reg.Create(ctx, CreateRequest{SubjectID: "alice", TimeBudgetSeconds: 300})
	require.NoError(t, err)

	_, err = reg.Complete(ctx, s.ID, "alice", intPtr(10))
	require.NoError(t, err)
	_, err = reg.Complete(ctx, s.ID, "alice", intPtr(200))
	require.ErrorIs(t, err, types.ErrAlreadyTerminal)

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 10, *stored.ElapsedSeconds)
	require.EqualValues(t, 1, fired.Load())
}

func TestRegistry_ConcurrentComplete(t *testing.T) {
	reg, _, _ := setupRegistry(t)
	ctx := context.Background()

	var fired atomic.Int32
	reg.OnTerminal(func(context.Context, *types.Session) { fired.Add(1) })

	s, err := reg.Create(ctx, CreateRequest{SubjectID: "alice", TimeBudgetSeconds: 300})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		terminals atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Complete(ctx, s.ID, types.SystemCallerID, nil)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, types.ErrAlreadyTerminal):
				terminals.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, successes.Load())
	require.EqualValues(t, 9, terminals.Load())
	require.EqualValues(t, 1, fired.Load())
}

func TestRegistry_Ownership(t *testing.T) {
	reg, _, _ := setupRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateRequest{SubjectID: "alice"})
	require.NoError(t, err)

	_, err = reg.Get(ctx, s.ID, "mallory")
	require.ErrorIs(t, err, types.ErrForbidden)
	_, err = reg.Complete(ctx, s.ID, "mallory", nil)
	require.ErrorIs(t, err, types.ErrForbidden)
	_, err = reg.Cancel(ctx, s.ID, "mallory")
	require.ErrorIs(t, err, types.ErrForbidden)

	got, err := reg.Get(ctx, s.ID, types.SystemCallerID)
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, got.Status)

	_, err = reg.Get(ctx, "missing", "alice")
	require.ErrorIs(t, err, types.ErrSessionNotFound)
	_, err = reg.Get(ctx, "", "alice")
	require.ErrorIs(t, err, types.ErrInvalidSessionID)
}

func TestRegistry_Cancel(t *testing.T) {
	reg, _, _ := setupRegistry(t)
	ctx := context.Background()

	var got []types.SessionStatus
	reg.OnTerminal(func(_ context.Context, s *types.Session) { got = append(got, s.Status) })

	s, err := reg.Create(ctx, CreateRequest{SubjectID: "alice"})
	require.NoError(t, err)

	cancelled, err := reg.Cancel(ctx, s.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, cancelled.Status)

	_, err = reg.Complete(ctx, s.ID, "alice", nil)
	require.ErrorIs(t, err, types.ErrAlreadyTerminal)
	require.Equal(t, []types.SessionStatus{types.StatusCancelled}, got)
	require.Zero(t, reg.ActiveCount())
}

func TestRegistry_ListenerContextSurvivesCancel(t *testing.T) {
	reg, _, _ := setupRegistry(t)

	s, err := reg.Create(context.Background(), CreateRequest{SubjectID: "alice"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.OnTerminal(func(context.Context, *types.Session) { cancel() })

	var listenerErr error
	reg.OnTerminal(func(ctx context.Context, _ *types.Session) { listenerErr = ctx.Err() })

	_, err = reg.Complete(ctx, s.ID, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, listenerErr)
}

func TestRegistry_PersistFailureLeavesSessionLive(t *testing.T) {
	reg, store, _ := setupRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, CreateRequest{SubjectID: "alice"})
	require.NoError(t, err)

	store.FailWrites = errors.New("disk full")
	_, err = reg.Complete(ctx, s.ID, "alice", nil)
	require.Error(t, err)

	store.FailWrites = nil
	got, err := reg.Get(ctx, s.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, got.Status)
	require.Nil(t, got.ElapsedSeconds)
}

func TestRegistry_Sweep(t *testing.T) {
	reg, store, clock := setupRegistry(t)
	ctx := context.Background()

	short, err := reg.Create(ctx, CreateRequest{SubjectID: "alice", TimeBudgetSeconds: 300})
	require.NoError(t, err)
	long, err := reg.Create(ctx, CreateRequest{SubjectID: "alice", TimeBudgetSeconds: 3600})
	require.NoError(t, err)

	clock.Advance(301 * time.Second)

	// A fresh registry simulates a restart.
	restarted := NewRegistry(store, WithClock(clock.Now))
	loaded, err := restarted.LoadActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	completed, err := restarted.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, short.ID, completed[0].ID)
	require.Equal(t, 300, *completed[0].ElapsedSeconds)

	got, err := store.GetSession(ctx, long.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusInProgress, got.Status)
	require.Equal(t, 1, restarted.ActiveCount())

	completed, err = restarted.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, completed)
}

func intPtr(v int) *int { return &v }
