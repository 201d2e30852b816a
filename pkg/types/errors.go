package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping and propagation policy.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindForbidden       Kind = "forbidden"
	KindAlreadyTerminal Kind = "already_terminal"
	KindConflict        Kind = "conflict"
	KindUpstream        Kind = "upstream"
	KindInternal        Kind = "internal"
)

// Error is a classified engine error. Two Errors match under errors.Is when
// their Kind and Reason agree, so wrapped copies still compare equal to the
// package sentinels below.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Reason == e.Reason
}

var (
	ErrInvalidSubjectID   = &Error{Kind: KindValidation, Reason: "subject ID must be 1-64 characters, alphanumeric + underscore/hyphen only"}
	ErrInvalidSessionID   = &Error{Kind: KindValidation, Reason: "session ID is required"}
	ErrInvalidMode        = &Error{Kind: KindValidation, Reason: "mode must be PRACTICE or FORMAL"}
	ErrInvalidTimeBudget  = &Error{Kind: KindValidation, Reason: "time budget is out of range"}
	ErrInvalidSpeaker     = &Error{Kind: KindValidation, Reason: "speaker must be AI or SUBJECT"}
	ErrInvalidContentKind = &Error{Kind: KindValidation, Reason: "content kind must be TEXT or AUDIO"}
	ErrEmptyContent       = &Error{Kind: KindValidation, Reason: "content must not be blank"}
	ErrContentTooLarge    = &Error{Kind: KindValidation, Reason: "content exceeds 64KB limit"}
	ErrProfileMissing     = &Error{Kind: KindValidation, Reason: "intake profile has not been completed"}
	ErrNotCompleted       = &Error{Kind: KindValidation, Reason: "session has not been completed"}
	ErrInsufficientTurns  = &Error{Kind: KindValidation, Reason: "transcript is too short to evaluate"}

	ErrSessionNotFound    = &Error{Kind: KindNotFound, Reason: "session not found"}
	ErrProfileNotFound    = &Error{Kind: KindNotFound, Reason: "profile not found"}
	ErrEvaluationNotFound = &Error{Kind: KindNotFound, Reason: "evaluation not found"}

	ErrForbidden = &Error{Kind: KindForbidden, Reason: "caller does not own this session"}

	ErrAlreadyTerminal = &Error{Kind: KindAlreadyTerminal, Reason: "session is already terminal"}

	ErrEvaluationExists = &Error{Kind: KindConflict, Reason: "evaluation already exists"}
	ErrQueueFull        = &Error{Kind: KindConflict, Reason: "evaluation queue is full"}

	ErrUpstreamUnavailable = &Error{Kind: KindUpstream, Reason: "upstream service unavailable"}
)

// Upstream wraps a remote-service failure so it classifies as KindUpstream
// while keeping the cause reachable through errors.Unwrap.
func Upstream(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUpstream, Reason: ErrUpstreamUnavailable.Reason, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
