package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"interviewd/internal/ai"
	"interviewd/internal/hub"
	"interviewd/internal/logger"
	"interviewd/internal/notify"
	"interviewd/internal/session"
	"interviewd/internal/transcript"
	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

// SubjectHeader carries the caller identity. Authentication happens in front
// of the engine.
const SubjectHeader = "X-Subject-ID"

const maxBodyBytes = 1 << 20

var errMissingIdentity = errors.New("missing or invalid " + SubjectHeader + " header")

// Sessions is the part of the session registry the API drives.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (*types.Session, error)
	Get(ctx context.Context, sessionID, callerID string) (*types.Session, error)
	Complete(ctx context.Context, sessionID, callerID string, observedElapsed *int) (*types.Session, error)
	Cancel(ctx context.Context, sessionID, callerID string) (*types.Session, error)
}

type Transcripts interface {
	Append(ctx context.Context, req transcript.AppendRequest) (*types.Turn, error)
	Collect(ctx context.Context, sessionID string) ([]*types.Turn, error)
}

// Planner generates the question plan of a new session.
type Planner interface {
	PlanQuestions(ctx context.Context, req ai.QuestionRequest) *ai.QuestionPlan
}

type Timers interface {
	Arm(s *types.Session)
}

// Announcer broadcasts the end of a session to its realtime room.
type Announcer interface {
	AnnounceEnded(sessionID, reason string)
}

type Evaluations interface {
	GetEvaluation(ctx context.Context, sessionID string) (*types.Evaluation, error)
}

// Trigger queues a manual evaluation run.
type Trigger interface {
	Trigger(ctx context.Context, sessionID, callerID string) error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HubStats interface {
	Stats() hub.Stats
}

// Deps are the components behind the HTTP surface.
type Deps struct {
	Sessions      Sessions
	Transcripts   Transcripts
	Profiles      interfaces.ProfileStore
	Planner       Planner
	Timers        Timers
	Announcer     Announcer
	Evaluations   Evaluations
	Trigger       Trigger
	Notifications notify.Notifier
	Database      HealthChecker
	Hub           HubStats

	// WebSocket serves /ws when set.
	WebSocket http.Handler
}

// Server is the HTTP layer: JSON in, JSON out, no business rules of its own.
type Server struct {
	deps    Deps
	router  *http.ServeMux
	logger  *zap.Logger
	started time.Time
}

func NewServer(deps Deps, l *zap.Logger) *Server {
	s := &Server{
		deps:    deps,
		router:  http.NewServeMux(),
		logger:  logger.OrNop(l).Named("api"),
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(s.identityMiddleware(http.HandlerFunc(s.handleSessions)))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(s.identityMiddleware(http.HandlerFunc(s.handleSessionByID)))))
	s.router.Handle("/api/notifications", s.corsMiddleware(s.jsonMiddleware(s.identityMiddleware(http.HandlerFunc(s.handleNotifications)))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// POST /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// /api/sessions/{id}[/complete|/turns|/evaluation]
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	parts := strings.Split(path, "/")
	sessionID := parts[0]
	if sessionID == "" || len(parts) > 2 {
		s.sendError(w, "Session ID required", http.StatusBadRequest)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getSession(w, r, sessionID)
	case action == "" && r.Method == http.MethodDelete:
		s.cancelSession(w, r, sessionID)
	case action == "complete" && r.Method == http.MethodPut:
		s.completeSession(w, r, sessionID)
	case action == "turns" && r.Method == http.MethodPost:
		s.appendTurn(w, r, sessionID)
	case action == "evaluation" && r.Method == http.MethodGet:
		s.getEvaluation(w, r, sessionID)
	case action == "evaluation" && r.Method == http.MethodPost:
		s.triggerEvaluation(w, r, sessionID)
	case action != "" && action != "complete" && action != "turns" && action != "evaluation":
		s.sendError(w, "Not found", http.StatusNotFound)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type CreateSessionRequest struct {
	Mode              string   `json:"mode"`
	TimeBudgetMinutes int      `json:"timeBudgetMinutes"`
	JobPostingID      string   `json:"jobPostingId,omitempty"`
	VoiceMode         *bool    `json:"voiceMode,omitempty"`
	SelectedQuestions []string `json:"selectedQuestions,omitempty"`
	CustomQuestions   []string `json:"customQuestions,omitempty"`
}

type CreateSessionResponse struct {
	SessionID         string                 `json:"sessionId"`
	Session           *types.Session         `json:"session"`
	Questions         []string               `json:"questions"`
	Plan              map[string]interface{} `json:"plan,omitempty"`
	TimeBudgetSeconds int                    `json:"timeBudgetSeconds"`
}

type SessionResponse struct {
	Session *types.Session `json:"session"`
	Turns   []*types.Turn  `json:"turns"`
}

type CompleteSessionRequest struct {
	ElapsedSeconds *int `json:"elapsedSeconds,omitempty"`
}

type SessionActionResponse struct {
	Message   string         `json:"message"`
	SessionID string         `json:"sessionId"`
	Session   *types.Session `json:"session,omitempty"`
}

type AppendTurnRequest struct {
	Speaker     string `json:"speaker"`
	Content     string `json:"content"`
	ContentKind string `json:"contentKind,omitempty"`
	AudioRef    string `json:"audioRef,omitempty"`
}

type TriggerResponse struct {
	Message            string `json:"message"`
	SessionID          string `json:"sessionId"`
	EvaluationLocation string `json:"evaluationLocation"`
}

type NotificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Hub       hub.Stats `json:"hub"`
	Uptime    string    `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	callerID := subjectFrom(r)

	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TimeBudgetMinutes < 0 {
		s.writeError(w, r, types.ErrInvalidTimeBudget)
		return
	}

	sess, err := s.deps.Sessions.Create(r.Context(), session.CreateRequest{
		SubjectID:         callerID,
		Mode:              req.Mode,
		TimeBudgetSeconds: req.TimeBudgetMinutes * 60,
		VoiceMode:         req.VoiceMode,
		JobPostingID:      req.JobPostingID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Timers.Arm(sess)

	var profile *types.Profile
	if s.deps.Profiles != nil {
		profile, _ = s.deps.Profiles.GetProfile(r.Context(), callerID)
	}
	plan := s.deps.Planner.PlanQuestions(r.Context(), ai.QuestionRequest{
		Profile:           profile,
		Mode:              sess.Mode,
		JobPostingID:      sess.JobPostingID,
		SelectedQuestions: req.SelectedQuestions,
		CustomQuestions:   req.CustomQuestions,
	})

	s.writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID:         sess.ID,
		Session:           sess,
		Questions:         plan.Questions,
		Plan:              plan.Plan,
		TimeBudgetSeconds: sess.TimeBudgetSeconds,
	})
}

// GET /api/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.deps.Sessions.Get(r.Context(), sessionID, subjectFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	turns, err := s.deps.Transcripts.Collect(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []*types.Turn{}
	}
	s.writeJSON(w, http.StatusOK, SessionResponse{Session: sess, Turns: turns})
}

// PUT /api/sessions/{id}/complete
func (s *Server) completeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req CompleteSessionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sess, err := s.deps.Sessions.Complete(r.Context(), sessionID, subjectFrom(r), req.ElapsedSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Announcer.AnnounceEnded(sessionID, types.EndReasonCompleted)

	s.writeJSON(w, http.StatusOK, SessionActionResponse{
		Message:   "Session completed successfully",
		SessionID: sessionID,
		Session:   sess,
	})
}

// DELETE /api/sessions/{id}
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.deps.Sessions.Cancel(r.Context(), sessionID, subjectFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Announcer.AnnounceEnded(sessionID, types.EndReasonCancelled)

	s.writeJSON(w, http.StatusOK, SessionActionResponse{
		Message:   "Session cancelled successfully",
		SessionID: sessionID,
		Session:   sess,
	})
}

// POST /api/sessions/{id}/turns
func (s *Server) appendTurn(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req AppendTurnRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if _, err := s.deps.Sessions.Get(r.Context(), sessionID, subjectFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}

	kind := req.ContentKind
	if kind == "" {
		kind = string(types.ContentText)
	}
	turn, err := s.deps.Transcripts.Append(r.Context(), transcript.AppendRequest{
		SessionID:   sessionID,
		Speaker:     types.Speaker(req.Speaker),
		Content:     req.Content,
		ContentKind: types.ContentKind(kind),
		AudioRef:    req.AudioRef,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, turn)
}

// GET /api/sessions/{id}/evaluation
func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.deps.Sessions.Get(r.Context(), sessionID, subjectFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	eval, err := s.deps.Evaluations.GetEvaluation(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, eval)
}

// POST /api/sessions/{id}/evaluation
func (s *Server) triggerEvaluation(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.deps.Trigger.Trigger(r.Context(), sessionID, subjectFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, TriggerResponse{
		Message:            "Evaluation queued",
		SessionID:          sessionID,
		EvaluationLocation: types.EvaluationLocation(sessionID),
	})
}

// GET /api/notifications?limit=n
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.deps.Notifications.ListForSubject(r.Context(), subjectFrom(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Notification{}
	}
	s.writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: list})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Database.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	var stats hub.Stats
	if s.deps.Hub != nil {
		stats = s.deps.Hub.Stats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Database:  dbStatus,
		Hub:       stats,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindForbidden:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindAlreadyTerminal, types.KindConflict:
		return http.StatusConflict
	case types.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	fields := append(logger.Session("", subjectFrom(r)),
		zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))

	message := "Internal server error"
	var e *types.Error
	switch {
	case code == http.StatusInternalServerError:
		s.logger.Error("request failed", fields...)
	case errors.As(err, &e):
		message = e.Reason
		s.logger.Debug("request rejected", fields...)
	default:
		message = err.Error()
		s.logger.Debug("request rejected", fields...)
	}
	s.sendError(w, message, code)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response not written", zap.Error(err))
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+SubjectHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type subjectKey struct{}

// identityMiddleware rejects requests without a usable subject ID. The
// reserved system identity is never accepted from a client.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subjectID := strings.TrimSpace(r.Header.Get(SubjectHeader))
		if !types.IsValidSubjectID(subjectID) {
			s.sendError(w, errMissingIdentity.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subjectID)))
	})
}

func subjectFrom(r *http.Request) string {
	id, _ := r.Context().Value(subjectKey{}).(string)
	return id
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := decodeBody(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
