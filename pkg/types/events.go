package types

import "encoding/json"

// Realtime event names. Inbound events come from clients, outbound are sent
// by the engine.
const (
	EventStart     = "start"
	EventMessage   = "message"
	EventEnd       = "end"
	EventReconnect = "reconnect"

	EventStarted     = "started"
	EventProcessing  = "processing"
	EventQuestion    = "question"
	EventEnded       = "ended"
	EventReconnected = "reconnected"
	EventError       = "error"
)

// Reasons carried by the ended event.
const (
	EndReasonCompleted   = "completed"
	EndReasonTimeExpired = "time_expired"
	EndReasonCancelled   = "cancelled"
)

// Envelope is the wire frame for every realtime message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope. Marshal failures produce an
// envelope without data rather than an error; every payload the engine sends
// is a plain struct.
func NewEnvelope(event string, data interface{}) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{Event: event}
	}
	return Envelope{Event: event, Data: raw}
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// StartPayload is sent by a client to open a session over the realtime channel.
type StartPayload struct {
	SubjectID         string `json:"subjectId"`
	JobPostingID      string `json:"jobPostingId,omitempty"`
	Mode              string `json:"mode,omitempty"`
	TimeBudgetMinutes int    `json:"timeBudgetMinutes,omitempty"`
}

// StartedPayload answers a start event.
type StartedPayload struct {
	SessionID string   `json:"sessionId"`
	Session   *Session `json:"session"`
	FirstTurn *Turn    `json:"firstTurn"`
}

// MessagePayload carries one subject utterance.
type MessagePayload struct {
	SessionID   string `json:"sessionId"`
	Content     string `json:"content"`
	ContentKind string `json:"contentKind,omitempty"`
	AudioRef    string `json:"audioRef,omitempty"`
}

// ProcessingPayload tells the sender the AI is working on a reply.
type ProcessingPayload struct {
	Message string `json:"message"`
}

// QuestionPayload is an AI turn broadcast to the room.
type QuestionPayload struct {
	ID          string      `json:"id"`
	Speaker     Speaker     `json:"speaker"`
	Content     string      `json:"content"`
	ContentKind ContentKind `json:"contentKind"`
	CreatedAt   string      `json:"createdAt"`
}

// SessionRefPayload is the data of end and reconnect events.
type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

// EndedPayload announces that a session reached a terminal status.
type EndedPayload struct {
	SessionID          string `json:"sessionId"`
	EvaluationLocation string `json:"evaluationLocation,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// ReconnectedPayload restores a client's view of a live session.
type ReconnectedPayload struct {
	SessionID string   `json:"sessionId"`
	Session   *Session `json:"session"`
	Turns     []*Turn  `json:"turns"`
}

// EvaluationLocation is where clients poll for a session's evaluation.
func EvaluationLocation(sessionID string) string {
	return "/api/sessions/" + sessionID + "/evaluation"
}
