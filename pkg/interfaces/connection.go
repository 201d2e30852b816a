package interfaces

// Subscriber is one realtime client that can join session rooms.
// WriteJSON must be safe for concurrent use.
type Subscriber interface {
	// ID is unique per connection, not per subject.
	ID() string

	// SubjectID is the identity the client connected with.
	SubjectID() string

	WriteJSON(v interface{}) error
	Close() error
}
