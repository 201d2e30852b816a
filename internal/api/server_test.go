package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"interviewd/internal/ai"
	"interviewd/internal/database"
	"interviewd/internal/hub"
	"interviewd/internal/notify"
	"interviewd/internal/session"
	"interviewd/internal/transcript"
	"interviewd/pkg/types"
)

type fakeTimers struct {
	mu    sync.Mutex
	armed []string
}

func (f *fakeTimers) Arm(s *types.Session) {
	f.mu.Lock()
	f.armed = append(f.armed, s.ID)
	f.mu.Unlock()
}

type announcement struct {
	sessionID string
	reason    string
}

type fakeAnnouncer struct {
	ended []announcement
}

func (f *fakeAnnouncer) AnnounceEnded(sessionID, reason string) {
	f.ended = append(f.ended, announcement{sessionID, reason})
}

type fakeTrigger struct {
	err    error
	calls  []string
	caller string
}

func (f *fakeTrigger) Trigger(_ context.Context, sessionID, callerID string) error {
	f.calls = append(f.calls, sessionID)
	f.caller = callerID
	return f.err
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type fakeHub struct{}

func (fakeHub) Stats() hub.Stats { return hub.Stats{Rooms: 2, Subscribers: 3} }

type planner struct{}

func (planner) PlanQuestions(_ context.Context, req ai.QuestionRequest) *ai.QuestionPlan {
	return &ai.QuestionPlan{
		Questions: append([]string{"Tell me about yourself"}, req.CustomQuestions...),
		Plan:      map[string]interface{}{"mode": string(req.Mode)},
	}
}

type fixture struct {
	server    *Server
	store     *database.MemoryStore
	registry  *session.Registry
	turns     *transcript.Store
	timers    *fakeTimers
	announcer *fakeAnnouncer
	trigger   *fakeTrigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, store.UpsertProfile(context.Background(), &types.Profile{
			SubjectID: id, IntakeCompleted: true,
		}))
	}
	registry := session.NewRegistry(store, session.WithMaxBudget(2*time.Hour))
	turns := transcript.NewStore(store, store, registry.Locks())

	f := &fixture{
		store:     store,
		registry:  registry,
		turns:     turns,
		timers:    &fakeTimers{},
		announcer: &fakeAnnouncer{},
		trigger:   &fakeTrigger{},
	}
	f.server = NewServer(Deps{
		Sessions:      registry,
		Transcripts:   turns,
		Profiles:      store,
		Planner:       planner{},
		Timers:        f.timers,
		Announcer:     f.announcer,
		Evaluations:   store,
		Trigger:       f.trigger,
		Notifications: notify.NewRepository(store, nil),
		Database:      store,
		Hub:           fakeHub{},
	}, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path, subject string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set(SubjectHeader, subject)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, subject string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/sessions", subject, CreateSessionRequest{Mode: "PRACTICE", TimeBudgetMinutes: 10})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp CreateSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.SessionID
}

func decodeAs[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestServer_CreateSession(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", "alice", CreateSessionRequest{
		Mode:              "FORMAL",
		TimeBudgetMinutes: 20,
		CustomQuestions:   []string{"Why us?"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decodeAs[CreateSessionResponse](t, w)
	require.NotEmpty(t, resp.SessionID)
	require.Equal(t, 1200, resp.TimeBudgetSeconds)
	require.Equal(t, []string{"Tell me about yourself", "Why us?"}, resp.Questions)
	require.Equal(t, "FORMAL", resp.Plan["mode"])
	require.Equal(t, types.StatusInProgress, resp.Session.Status)
	require.True(t, resp.Session.VoiceMode)
	require.Equal(t, []string{resp.SessionID}, f.timers.armed)
}

func TestServer_CreateSessionRejections(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertProfile(context.Background(), &types.Profile{SubjectID: "carol"}))

	tests := []struct {
		name    string
		subject string
		body    interface{}
		status  int
	}{
		{"no identity", "", CreateSessionRequest{Mode: "PRACTICE"}, http.StatusUnauthorized},
		{"reserved identity", types.SystemCallerID, CreateSessionRequest{Mode: "PRACTICE"}, http.StatusUnauthorized},
		{"bad mode", "alice", CreateSessionRequest{Mode: "CASUAL"}, http.StatusBadRequest},
		{"budget too large", "alice", CreateSessionRequest{Mode: "PRACTICE", TimeBudgetMinutes: 500}, http.StatusBadRequest},
		{"negative budget", "alice", CreateSessionRequest{Mode: "PRACTICE", TimeBudgetMinutes: -1}, http.StatusBadRequest},
		{"intake incomplete", "carol", CreateSessionRequest{Mode: "PRACTICE"}, http.StatusBadRequest},
		{"no profile", "dave", CreateSessionRequest{Mode: "PRACTICE"}, http.StatusBadRequest},
		{"not json", "alice", "{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/sessions", tt.subject, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			resp := decodeAs[ErrorResponse](t, w)
			require.Equal(t, tt.status, resp.Code)
			require.NotEmpty(t, resp.Message)
		})
	}
	require.Empty(t, f.timers.armed)
}

func TestServer_GetSession(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "alice")

	w := f.do(t, http.MethodPost, "/api/sessions/"+id+"/turns", "alice", AppendTurnRequest{
		Speaker: "SUBJECT", Content: "I build data pipelines",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	turn := decodeAs[types.Turn](t, w)
	require.Equal(t, int64(1), turn.Seq)
	require.Equal(t, types.ContentText, turn.ContentKind)

	w = f.do(t, http.MethodGet, "/api/sessions/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeAs[SessionResponse](t, w)
	require.Equal(t, id, resp.Session.ID)
	require.Len(t, resp.Turns, 1)
	require.Equal(t, "I build data pipelines", resp.Turns[0].Content)

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/sessions/"+id, "bob", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/missing", "alice", nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/"+id+"/bogus", "alice", nil).Code)
	require.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPatch, "/api/sessions/"+id, "alice", nil).Code)
}

func TestServer_AppendTurnRejections(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "alice")

	require.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/sessions/"+id+"/turns", "alice", AppendTurnRequest{Speaker: "SUBJECT", Content: "  "}).Code)
	require.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/sessions/"+id+"/turns", "alice", AppendTurnRequest{Speaker: "NARRATOR", Content: "hi"}).Code)
	require.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodPost, "/api/sessions/"+id+"/turns", "bob", AppendTurnRequest{Speaker: "SUBJECT", Content: "hi"}).Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/sessions/"+id+"/complete", "alice", nil).Code)
	w := f.do(t, http.MethodPost, "/api/sessions/"+id+"/turns", "alice", AppendTurnRequest{Speaker: "SUBJECT", Content: "late"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_CompleteSession(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "alice")

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPut, "/api/sessions/"+id+"/complete", "bob", nil).Code)

	elapsed := 9999
	w := f.do(t, http.MethodPut, "/api/sessions/"+id+"/complete", "alice", CompleteSessionRequest{ElapsedSeconds: &elapsed})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeAs[SessionActionResponse](t, w)
	require.Equal(t, id, resp.SessionID)
	require.Equal(t, types.StatusCompleted, resp.Session.Status)
	require.Equal(t, 600, *resp.Session.ElapsedSeconds)
	require.Equal(t, []announcement{{id, types.EndReasonCompleted}}, f.announcer.ended)

	w = f.do(t, http.MethodPut, "/api/sessions/"+id+"/complete", "alice", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Len(t, f.announcer.ended, 1)
}

func TestServer_CancelSession(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "alice")

	w := f.do(t, http.MethodDelete, "/api/sessions/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, types.StatusCancelled, decodeAs[SessionActionResponse](t, w).Session.Status)
	require.Equal(t, []announcement{{id, types.EndReasonCancelled}}, f.announcer.ended)

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/api/sessions/"+id, "alice", nil).Code)
}

func TestServer_Evaluation(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "alice")

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/"+id+"/evaluation", "alice", nil).Code)

	require.NoError(t, f.store.StoreEvaluation(context.Background(), &types.Evaluation{
		ID: "e1", SessionID: id, SubScores: map[string]float64{"technicalScore": 80}, OverallScore: 80,
		CreatedAt: time.Now().UTC(),
	}))
	w := f.do(t, http.MethodGet, "/api/sessions/"+id+"/evaluation", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 80.0, decodeAs[types.Evaluation](t, w).OverallScore)

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/sessions/"+id+"/evaluation", "bob", nil).Code)
}

func TestServer_TriggerEvaluation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions/s1/evaluation", "alice", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decodeAs[TriggerResponse](t, w)
	require.Equal(t, "/api/sessions/s1/evaluation", resp.EvaluationLocation)
	require.Equal(t, "alice", f.trigger.caller)

	tests := []struct {
		err    error
		status int
	}{
		{types.ErrNotCompleted, http.StatusBadRequest},
		{types.ErrEvaluationExists, http.StatusConflict},
		{types.ErrQueueFull, http.StatusConflict},
		{types.ErrForbidden, http.StatusForbidden},
		{types.Upstream(errors.New("down")), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		f.trigger.err = tt.err
		w := f.do(t, http.MethodPost, "/api/sessions/s1/evaluation", "alice", nil)
		require.Equal(t, tt.status, w.Code, tt.err.Error())
	}

	w = f.do(t, http.MethodPost, "/api/sessions/s1/evaluation", "alice", nil)
	require.Equal(t, "Internal server error", decodeAs[ErrorResponse](t, w).Message)
}

func TestServer_Notifications(t *testing.T) {
	f := newFixture(t)
	n := notify.NewRepository(f.store, nil)
	require.NoError(t, n.Notify(context.Background(), notify.EvaluationDelayed("alice")))
	require.NoError(t, n.Notify(context.Background(), notify.EvaluationDelayed("bob")))

	w := f.do(t, http.MethodGet, "/api/notifications", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeAs[NotificationsResponse](t, w)
	require.Len(t, resp.Notifications, 1)
	require.Equal(t, "alice", resp.Notifications[0].SubjectID)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/notifications?limit=x", "alice", nil).Code)
	require.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/api/notifications", "alice", nil).Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/notifications", "", nil).Code)

	w = f.do(t, http.MethodGet, "/api/notifications", "carol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, decodeAs[NotificationsResponse](t, w).Notifications)
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeAs[HealthResponse](t, w)
	require.Equal(t, "healthy", resp.Status)
	require.Equal(t, 2, resp.Hub.Rooms)
	require.Equal(t, 3, resp.Hub.Subscribers)

	f.server.deps.Database = fakeHealth{err: errors.New("database is locked")}
	w = f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, decodeAs[HealthResponse](t, w).Database, "database is locked")
}

func TestServer_CORS(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodOptions, "/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), SubjectHeader)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_WebSocketRoute(t *testing.T) {
	called := false
	s := NewServer(Deps{WebSocket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})}, nil)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.True(t, called)
	require.Equal(t, http.StatusTeapot, w.Code)
}
