package types

import (
	"math"
	"time"
)

// SessionStatus is the lifecycle state of an interview session.
// Transitions are monotonic: CREATED -> IN_PROGRESS -> {COMPLETED | CANCELLED}.
type SessionStatus string

const (
	StatusCreated    SessionStatus = "CREATED"
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusCompleted  SessionStatus = "COMPLETED"
	StatusCancelled  SessionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusCancelled
	default:
		return false
	}
}

// Mode selects between a practice run and a formal interview.
type Mode string

const (
	ModePractice Mode = "PRACTICE"
	ModeFormal   Mode = "FORMAL"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerAI      Speaker = "AI"
	SpeakerSubject Speaker = "SUBJECT"
)

// ContentKind describes how a turn was captured.
type ContentKind string

const (
	ContentText  ContentKind = "TEXT"
	ContentAudio ContentKind = "AUDIO"
)

// NotificationKind classifies notifications filed by the evaluation pipeline.
type NotificationKind string

const (
	NotificationEvaluationCompleted NotificationKind = "EVALUATION_COMPLETED"
	NotificationEvaluationDelayed   NotificationKind = "EVALUATION_DELAYED"
)

const (
	// SystemCallerID is used when the engine itself acts on a session (expiry, sweep).
	SystemCallerID = "system"

	// DefaultTimeBudgetSeconds applies when a session is opened without an explicit budget.
	DefaultTimeBudgetSeconds = 900
)

// Session represents one timed interview attempt.
// TimeBudgetSeconds never changes after creation; ElapsedSeconds and CompletedAt
// are written exactly once, at the transition into a terminal status.
type Session struct {
	ID                string        `json:"id"`
	SubjectID         string        `json:"subjectId"`
	Mode              Mode          `json:"mode"`
	TimeBudgetSeconds int           `json:"timeBudgetSeconds"`
	VoiceMode         bool          `json:"voiceMode"`
	Status            SessionStatus `json:"status"`
	JobPostingID      string        `json:"jobPostingId,omitempty"`
	StartedAt         time.Time     `json:"startedAt"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
	ElapsedSeconds    *int          `json:"elapsedSeconds,omitempty"`
}

// Deadline is the wall-clock instant at which the time budget runs out.
func (s *Session) Deadline() time.Time {
	return s.StartedAt.Add(time.Duration(s.TimeBudgetSeconds) * time.Second)
}

// Clone returns a deep copy so callers can't mutate cached state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.ElapsedSeconds != nil {
		e := *s.ElapsedSeconds
		c.ElapsedSeconds = &e
	}
	return &c
}

// Turn is one utterance in a session transcript. Turns are immutable once stored.
type Turn struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"sessionId"`
	Seq         int64       `json:"seq"`
	Speaker     Speaker     `json:"speaker"`
	Content     string      `json:"content"`
	ContentKind ContentKind `json:"contentKind"`
	AudioRef    string      `json:"audioRef,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Feedback is the qualitative part of an evaluation.
type Feedback struct {
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
	Summary    string   `json:"summary"`
}

// Evaluation is the scored result of a completed session.
// OverallScore is always derived from SubScores.
type Evaluation struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"sessionId"`
	SubScores    map[string]float64 `json:"subScores"`
	OverallScore float64            `json:"overallScore"`
	Feedback     Feedback           `json:"feedback"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// OverallScore returns the mean of the sub-scores rounded to one decimal place.
func OverallScore(subScores map[string]float64) float64 {
	if len(subScores) == 0 {
		return 0
	}
	var sum float64
	for _, v := range subScores {
		sum += v
	}
	return math.Round(sum/float64(len(subScores))*10) / 10
}

// Profile is the read model of a subject's intake profile.
type Profile struct {
	SubjectID       string   `json:"subjectId" mapstructure:"subjectId"`
	Education       string   `json:"education,omitempty" mapstructure:"education"`
	Experience      string   `json:"experience,omitempty" mapstructure:"experience"`
	Projects        string   `json:"projects,omitempty" mapstructure:"projects"`
	Skills          []string `json:"skills,omitempty" mapstructure:"skills"`
	DesiredPosition string   `json:"desiredPosition,omitempty" mapstructure:"desiredPosition"`
	Bio             string   `json:"bio,omitempty" mapstructure:"bio"`
	IntakeCompleted bool     `json:"intakeCompleted" mapstructure:"intakeCompleted"`
}

// Notification is a message filed for a subject outside the live conversation.
type Notification struct {
	ID        string           `json:"id"`
	SubjectID string           `json:"subjectId"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Link      string           `json:"link"`
	CreatedAt time.Time        `json:"createdAt"`
}
