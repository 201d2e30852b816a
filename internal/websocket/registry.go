package websocket

import (
	"sync"

	"go.uber.org/zap"

	"interviewd/internal/logger"
)

// Registry tracks live connections. A subject has at most one: a newer
// connection replaces, and closes, the older one.
type Registry struct {
	mu        sync.RWMutex
	bySubject map[string]*Connection
	closed    bool
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(l *zap.Logger) *Registry {
	return &Registry{
		bySubject: make(map[string]*Connection),
		logger:    logger.OrNop(l).Named("connections"),
	}
}

// Register adds conn, closing any earlier connection of the same subject.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.SubjectID() == "" {
		return ErrMissingSubject
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	if existing, ok := r.bySubject[conn.SubjectID()]; ok && existing != conn {
		r.logger.Info("replacing connection",
			append(logger.Session("", conn.SubjectID()), zap.String("previous", existing.ID()))...)
		// Closed outside the lock; the old read pump unregisters itself.
		go func() { _ = existing.Close() }()
	}
	r.bySubject[conn.SubjectID()] = conn
	return nil
}

// Unregister removes conn if it is still the subject's current connection.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.bySubject[conn.SubjectID()]; ok && current == conn {
		delete(r.bySubject, conn.SubjectID())
	}
}

// Get returns the subject's current connection.
func (r *Registry) Get(subjectID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.bySubject[subjectID]
	return conn, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySubject)
}

// CloseAll closes every connection and refuses new registrations.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Connection, 0, len(r.bySubject))
	for _, c := range r.bySubject {
		conns = append(conns, c)
	}
	r.bySubject = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
