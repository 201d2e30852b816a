package router

import "errors"

var (
	ErrUnknownEvent      = errors.New("unknown event")
	ErrInvalidPayload    = errors.New("invalid event payload")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrSubjectMismatch   = errors.New("subject does not match connection")
)

// Error codes carried by outbound error events that don't come from a
// types.Kind.
const (
	CodeBadRequest   = "bad_request"
	CodeUnknownEvent = "unknown_event"
	CodeRateLimited  = "rate_limited"
)
