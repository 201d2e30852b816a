package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"interviewd/internal/database"
	"interviewd/internal/session"
	"interviewd/pkg/types"
)

// frozenClock always returns the same instant, forcing the store to bump createdAt.
func frozenClock() time.Time {
	return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
}

func setupStore(t *testing.T, opts ...Option) (*Store, *database.MemoryStore, *session.Registry) {
	t.Helper()

	repo := database.NewMemoryStore()
	require.NoError(t, repo.UpsertProfile(context.Background(), &types.Profile{SubjectID: "alice", IntakeCompleted: true}))

	locks := session.NewKeyedMutex()
	reg := session.NewRegistry(repo, session.WithLocks(locks))
	opts = append([]Option{WithClock(frozenClock)}, opts...)
	return NewStore(repo, repo, locks, opts...), repo, reg
}

func openSession(t *testing.T, reg *session.Registry) string {
	t.Helper()
	s, err := reg.Create(context.Background(), session.CreateRequest{SubjectID: "alice"})
	require.NoError(t, err)
	return s.ID
}

func TestStore_AppendAssignsOrder(t *testing.T) {
	store, _, reg := setupStore(t)
	ctx := context.Background()
	id := openSession(t, reg)

	first, err := store.Append(ctx, AppendRequest{SessionID: id, Speaker: types.SpeakerSubject, Content: "Hello"})
	require.NoError(t, err)
	second, err := store.Append(ctx, AppendRequest{SessionID: id, Speaker: types.SpeakerAI, Content: "Tell me more"})
	require.NoError(t, err)
	third, err := store.Append(ctx, AppendRequest{SessionID: id, Speaker: types.SpeakerAI, Content: "Go on"})
	require.NoError(t, err)

	require.Equal(t, []int64{1, 2, 3}, []int64{first.Seq, second.Seq, third.Seq})
	require.True(t, second.CreatedAt.After(first.CreatedAt))
	require.True(t, third.CreatedAt.After(second.CreatedAt))
	require.Equal(t, types.ContentText, first.ContentKind)
}

func TestStore_AppendValidation(t *testing.T) {
	store, repo, reg := setupStore(t)
	ctx := context.Background()
	id := openSession(t, reg)

	tests := []struct {
		name string
		req  AppendRequest
		want error
	}{
		{"empty content", AppendRequest{SessionID: id, Speaker: types.SpeakerSubject, Content: ""}, types.ErrEmptyContent},
		{"blank content", AppendRequest{SessionID: id, Speaker: types.SpeakerSubject, Content: " \n\t"}, types.ErrEmptyContent},
		{"oversized", AppendRequest{SessionID: id, Speaker: types.SpeakerSubject, Content: strings.Repeat("x", 65537)}, types.ErrContentTooLarge},
		{"bad speaker", AppendRequest{SessionID: id, Speaker: "ROBOT", Content: "hi"}, types.ErrInvalidSpeaker},
		{"bad kind", AppendRequest{SessionID: id, Speaker: types.SpeakerAI, Content: "hi", ContentKind: "VIDEO"}, types.ErrInvalidContentKind},
		{"unknown session", AppendRequest{SessionID: "missing", Speaker: types.SpeakerAI, Content: "hi"}, types.ErrSessionNotFound},
		{"no session", AppendRequest{Speaker: types.SpeakerAI, Content: "hi"}, types.ErrInvalidSessionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Append(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	turns, err := repo.ListTurns(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestStore_AppendRejectsClosedSession(t *testing.T) {
	store, _, reg := setupStore(t)
	ctx := context.Background()
	id := openSession(t, reg)

	_, err := reg.Complete(ctx, id, "alice", nil)
	require.NoError(t, err)

	_, err = store.Append(ctx, AppendRequest{SessionID: id, Speaker: types.SpeakerSubject, Content: "late"})
	require.ErrorIs(t, err, types.ErrAlreadyTerminal)
}

func TestStore_AudioRefOnlyForAudio(t *testing.T) {
	store, _, reg := setupStore(t)
	ctx := context.Background()
	id := openSession(t, reg)

	text, err := store.Append(ctx, AppendRequest{SessionID: id, Speaker: types.SpeakerSubject, Content: "typed", AudioRef: "s3://x"})
	require.NoError(t, err)
	require.Empty(t, text.AudioRef)

	audio, err := store.Append(ctx, AppendRequest{SessionID: id, Speaker: "candidate", Content: "spoken", ContentKind: "audio", AudioRef: "s3://y"})
	require.NoError(t, err)
	require.Equal(t, "s3://y", audio.AudioRef)
	require.Equal(t, types.SpeakerSubject, audio.Speaker)
}

func TestStore_ListPagesLazily(t *testing.T) {
	store, _, reg := setupStore(t, WithPageSize(2))
	ctx := context.Background()
	id := openSession(t, reg)

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, AppendRequest{SessionID: id, Speaker: types.SpeakerSubject, Content: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
	}

	turns, err := store.Collect(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	for i, turn := range turns {
		require.Equal(t, int64(i+1), turn.Seq)
	}

	// Ranges are restartable and can stop early.
	var seen []int64
	for turn, err := range store.List(ctx, id) {
		require.NoError(t, err)
		seen = append(seen, turn.Seq)
		if len(seen) == 3 {
			break
		}
	}
	require.Equal(t, []int64{1, 2, 3}, seen)

	again, err := store.Collect(ctx, id)
	require.NoError(t, err)
	require.Len(t, again, 5)
}

func TestStore_ListEmpty(t *testing.T) {
	store, _, reg := setupStore(t)
	turns, err := store.Collect(context.Background(), openSession(t, reg))
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	store, _, reg := setupStore(t)
	ctx := context.Background()
	id := openSession(t, reg)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Append(ctx, AppendRequest{SessionID: id, Speaker: types.SpeakerAI, Content: fmt.Sprintf("q%d", i)}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	turns, err := store.Collect(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 25)
	seen := make(map[int64]bool)
	for i, turn := range turns {
		require.Equal(t, int64(i+1), turn.Seq)
		require.False(t, seen[turn.Seq])
		seen[turn.Seq] = true
		if i > 0 {
			require.True(t, turn.CreatedAt.After(turns[i-1].CreatedAt))
		}
	}
}

func TestStore_StorageFailure(t *testing.T) {
	store, repo, reg := setupStore(t)
	ctx := context.Background()
	id := openSession(t, reg)

	repo.FailWrites = errors.New("disk full")
	_, err := store.Append(ctx, AppendRequest{SessionID: id, Speaker: types.SpeakerAI, Content: "hi"})
	require.Error(t, err)
	require.Equal(t, types.KindInternal, types.KindOf(err))
}
