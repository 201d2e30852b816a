package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"interviewd/internal/ai"
	"interviewd/internal/logger"
	"interviewd/internal/session"
	"interviewd/internal/transcript"
	"interviewd/internal/websocket"
	"interviewd/pkg/interfaces"
	"interviewd/pkg/types"
)

// Sessions is the part of the session registry the router drives.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (*types.Session, error)
	Get(ctx context.Context, sessionID, callerID string) (*types.Session, error)
	Complete(ctx context.Context, sessionID, callerID string, observedElapsed *int) (*types.Session, error)
}

// Transcripts appends and reads session turns.
type Transcripts interface {
	Append(ctx context.Context, req transcript.AppendRequest) (*types.Turn, error)
	Collect(ctx context.Context, sessionID string) ([]*types.Turn, error)
}

// TurnGenerator produces AI turns. Implementations never fail; they fall
// back to fixed content.
type TurnGenerator interface {
	OpeningTurn(ctx context.Context, profile *types.Profile, mode types.Mode, jobPostingID string) string
	NextTurn(ctx context.Context, req ai.NextTurnRequest) string
}

// Rooms is the pub/sub the router broadcasts through.
type Rooms interface {
	Join(room string, sub interfaces.Subscriber) error
	LeaveAll(subscriberID string) error
	Publish(room string, payload interface{}) error
	CloseRoom(room string) error
}

// Timers arms the deadline of a new session.
type Timers interface {
	Arm(s *types.Session)
}

// Config holds the router's tunables.
type Config struct {
	MessagesPerMinute int
}

// Router turns realtime events into session operations and answers on the
// originating connection or the session's room.
type Router struct {
	sessions    Sessions
	transcripts Transcripts
	profiles    interfaces.ProfileStore
	turns       TurnGenerator
	rooms       Rooms
	timers      Timers
	rateLimiter *RateLimiter
	logger      *zap.Logger
}

var _ websocket.Dispatcher = (*Router)(nil)

// NewRouter wires the router. profiles may be nil, in which case opening
// turns are generated without a profile.
func NewRouter(sessions Sessions, transcripts Transcripts, profiles interfaces.ProfileStore,
	turns TurnGenerator, rooms Rooms, timers Timers, cfg Config, l *zap.Logger) *Router {
	return &Router{
		sessions:    sessions,
		transcripts: transcripts,
		profiles:    profiles,
		turns:       turns,
		rooms:       rooms,
		timers:      timers,
		rateLimiter: NewRateLimiter(cfg.MessagesPerMinute, nil),
		logger:      logger.OrNop(l).Named("router"),
	}
}

// Dispatch implements websocket.Dispatcher.
func (r *Router) Dispatch(ctx context.Context, conn *websocket.Connection, env types.Envelope) {
	r.Route(ctx, conn, env)
}

// Disconnected implements websocket.Dispatcher.
func (r *Router) Disconnected(conn *websocket.Connection) {
	if err := r.rooms.LeaveAll(conn.ID()); err != nil {
		r.logger.Debug("leave rooms on disconnect failed",
			append(logger.Session("", conn.SubjectID()), zap.Error(err))...)
	}
}

// Route handles one inbound event from client. Failures are reported to the
// client as error events; the connection stays open.
func (r *Router) Route(ctx context.Context, client interfaces.Subscriber, env types.Envelope) {
	var err error
	switch env.Event {
	case types.EventStart:
		err = r.handleStart(ctx, client, env.Data)
	case types.EventMessage:
		err = r.handleMessage(ctx, client, env.Data)
	case types.EventEnd:
		err = r.handleEnd(ctx, client, env.Data)
	case types.EventReconnect:
		err = r.handleReconnect(ctx, client, env.Data)
	default:
		err = ErrUnknownEvent
	}
	if err != nil {
		r.sendError(client, env.Event, err)
	}
}

// AnnounceEnded tells everyone in the session's room that it ended, then
// closes the room.
func (r *Router) AnnounceEnded(sessionID, reason string) {
	payload := types.NewEnvelope(types.EventEnded, types.EndedPayload{
		SessionID:          sessionID,
		EvaluationLocation: types.EvaluationLocation(sessionID),
		Reason:             reason,
	})
	if err := r.rooms.Publish(sessionID, payload); err != nil {
		r.logger.Warn("publish ended failed",
			append(logger.Session(sessionID, ""), zap.Error(err))...)
	}
	if err := r.rooms.CloseRoom(sessionID); err != nil {
		r.logger.Warn("close room failed",
			append(logger.Session(sessionID, ""), zap.Error(err))...)
	}
}

// Run periodically forgets idle rate limiter entries until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(rateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.rateLimiter.Cleanup()
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Router) handleStart(ctx context.Context, client interfaces.Subscriber, data json.RawMessage) error {
	var p types.StartPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.SubjectID == "" {
		p.SubjectID = client.SubjectID()
	}
	if p.SubjectID != client.SubjectID() {
		return ErrSubjectMismatch
	}

	s, err := r.sessions.Create(ctx, session.CreateRequest{
		SubjectID:         p.SubjectID,
		Mode:              p.Mode,
		TimeBudgetSeconds: p.TimeBudgetMinutes * 60,
		JobPostingID:      p.JobPostingID,
	})
	if err != nil {
		return err
	}
	r.timers.Arm(s)

	content := r.turns.OpeningTurn(ctx, r.profile(ctx, s.SubjectID), s.Mode, s.JobPostingID)
	first, err := r.transcripts.Append(ctx, transcript.AppendRequest{
		SessionID:   s.ID,
		Speaker:     types.SpeakerAI,
		Content:     content,
		ContentKind: types.ContentText,
	})
	if err != nil {
		return err
	}

	if err := r.rooms.Join(s.ID, client); err != nil {
		return err
	}

	r.logger.Info("session started over realtime channel",
		append(logger.Session(s.ID, s.SubjectID), zap.String(logger.FieldEvent, types.EventStart))...)
	return client.WriteJSON(types.NewEnvelope(types.EventStarted, types.StartedPayload{
		SessionID: s.ID,
		Session:   s,
		FirstTurn: first,
	}))
}

func (r *Router) handleMessage(ctx context.Context, client interfaces.Subscriber, data json.RawMessage) error {
	var p types.MessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if !r.rateLimiter.Allow(client.SubjectID()) {
		return ErrRateLimitExceeded
	}
	if _, err := r.sessions.Get(ctx, p.SessionID, client.SubjectID()); err != nil {
		return err
	}

	kind := types.ContentKind(p.ContentKind)
	if kind == "" {
		kind = types.ContentText
	}
	utterance, err := r.transcripts.Append(ctx, transcript.AppendRequest{
		SessionID:   p.SessionID,
		Speaker:     types.SpeakerSubject,
		Content:     p.Content,
		ContentKind: kind,
		AudioRef:    p.AudioRef,
	})
	if err != nil {
		return err
	}

	if err := r.rooms.Join(p.SessionID, client); err != nil {
		return err
	}
	if err := client.WriteJSON(types.NewEnvelope(types.EventProcessing, types.ProcessingPayload{
		Message: "Generating the next question",
	})); err != nil {
		return err
	}

	history, err := r.transcripts.Collect(ctx, p.SessionID)
	if err != nil {
		r.logger.Warn("history unavailable, replying without it",
			append(logger.Session(p.SessionID, client.SubjectID()), zap.Error(err))...)
		history = []*types.Turn{utterance}
	}

	reply := r.turns.NextTurn(ctx, ai.NextTurnRequest{
		SessionID: p.SessionID,
		Utterance: utterance.Content,
		History:   history,
	})

	turn, err := r.transcripts.Append(ctx, transcript.AppendRequest{
		SessionID:   p.SessionID,
		Speaker:     types.SpeakerAI,
		Content:     reply,
		ContentKind: types.ContentText,
	})
	if errors.Is(err, types.ErrAlreadyTerminal) {
		// The session ended while the reply was generated.
		r.logger.Info("dropping reply for ended session",
			logger.Session(p.SessionID, client.SubjectID())...)
		return nil
	}
	if err != nil {
		return err
	}

	return r.rooms.Publish(p.SessionID, types.NewEnvelope(types.EventQuestion, types.QuestionPayload{
		ID:          turn.ID,
		Speaker:     turn.Speaker,
		Content:     turn.Content,
		ContentKind: turn.ContentKind,
		CreatedAt:   turn.CreatedAt.Format(time.RFC3339Nano),
	}))
}

func (r *Router) handleEnd(ctx context.Context, client interfaces.Subscriber, data json.RawMessage) error {
	var p types.SessionRefPayload
	if err := decode(data, &p); err != nil {
		return err
	}

	_, err := r.sessions.Complete(ctx, p.SessionID, client.SubjectID(), nil)
	if errors.Is(err, types.ErrAlreadyTerminal) {
		// Ending twice is answered, not rejected.
		return client.WriteJSON(types.NewEnvelope(types.EventEnded, types.EndedPayload{
			SessionID:          p.SessionID,
			EvaluationLocation: types.EvaluationLocation(p.SessionID),
		}))
	}
	if err != nil {
		return err
	}

	if err := r.rooms.Join(p.SessionID, client); err != nil {
		return err
	}
	r.AnnounceEnded(p.SessionID, types.EndReasonCompleted)
	return nil
}

func (r *Router) handleReconnect(ctx context.Context, client interfaces.Subscriber, data json.RawMessage) error {
	var p types.SessionRefPayload
	if err := decode(data, &p); err != nil {
		return err
	}

	s, err := r.sessions.Get(ctx, p.SessionID, client.SubjectID())
	if err != nil {
		return err
	}
	if s.Status != types.StatusInProgress {
		return types.ErrAlreadyTerminal
	}

	turns, err := r.transcripts.Collect(ctx, s.ID)
	if err != nil {
		return err
	}
	if err := r.rooms.Join(s.ID, client); err != nil {
		return err
	}

	return client.WriteJSON(types.NewEnvelope(types.EventReconnected, types.ReconnectedPayload{
		SessionID: s.ID,
		Session:   s,
		Turns:     turns,
	}))
}

func (r *Router) profile(ctx context.Context, subjectID string) *types.Profile {
	if r.profiles == nil {
		return nil
	}
	p, err := r.profiles.GetProfile(ctx, subjectID)
	if err != nil {
		return nil
	}
	return p
}

func (r *Router) sendError(client interfaces.Subscriber, event string, err error) {
	message, code := describe(err)
	fields := append(logger.Session("", client.SubjectID()),
		zap.String(logger.FieldEvent, event), zap.String("code", code), zap.Error(err))
	if code == string(types.KindInternal) {
		r.logger.Error("event failed", fields...)
	} else {
		r.logger.Debug("event rejected", fields...)
	}

	if werr := client.WriteJSON(types.NewEnvelope(types.EventError, types.ErrorPayload{
		Message: message,
		Code:    code,
	})); werr != nil {
		r.logger.Debug("error event not delivered", zap.Error(werr))
	}
}

// describe maps err to the message and code a client sees. Internal errors
// are not echoed.
func describe(err error) (string, string) {
	switch {
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrInvalidPayload):
		code := CodeBadRequest
		if errors.Is(err, ErrUnknownEvent) {
			code = CodeUnknownEvent
		}
		return err.Error(), code
	case errors.Is(err, ErrRateLimitExceeded):
		return err.Error(), CodeRateLimited
	case errors.Is(err, ErrSubjectMismatch):
		return err.Error(), string(types.KindForbidden)
	}

	kind := types.KindOf(err)
	switch kind {
	case types.KindInternal:
		return "internal error", string(kind)
	case types.KindUpstream:
		return "upstream service unavailable", string(kind)
	default:
		var e *types.Error
		if errors.As(err, &e) {
			return e.Reason, string(kind)
		}
		return err.Error(), string(kind)
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}
