package expiry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"interviewd/internal/logger"
	"interviewd/pkg/types"
)

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules f after d. The default is time.AfterFunc.
type TimerFactory func(d time.Duration, f func()) Timer

// Completer closes a session. *session.Registry satisfies it.
type Completer interface {
	Complete(ctx context.Context, sessionID, callerID string, observedElapsed *int) (*types.Session, error)
}

// FiredFunc is called after an expiry timer completed a session.
type FiredFunc func(ctx context.Context, session *types.Session)

type entry struct {
	timer Timer
	gen   uint64
}

// Controller owns one timer per live session. When a timer fires the session
// is completed as the system caller with the full budget charged. A timer
// that loses the race against an explicit end is harmless: the registry
// answers AlreadyTerminal and nothing else happens.
type Controller struct {
	completer Completer
	newTimer  TimerFactory
	now       func() time.Time
	onFired   FiredFunc
	logger    *zap.Logger

	mu      sync.Mutex
	timers  map[string]entry
	gen     uint64
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

func WithTimerFactory(f TimerFactory) Option {
	return func(c *Controller) { c.newTimer = f }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger.OrNop(l).Named("expiry") }
}

// OnFired sets the callback run after a timer completes a session.
func OnFired(f FiredFunc) Option {
	return func(c *Controller) { c.onFired = f }
}

// NewController creates an expiry controller.
func NewController(completer Completer, opts ...Option) *Controller {
	c := &Controller{
		completer: completer,
		newTimer: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now:    time.Now,
		logger: zap.NewNop(),
		timers: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Arm schedules completion at the session's deadline, replacing any timer
// already armed for it. A deadline in the past fires right away.
func (c *Controller) Arm(session *types.Session) {
	if session == nil || session.Status.IsTerminal() {
		return
	}

	delay := session.Deadline().Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	sessionID := session.ID
	budget := session.TimeBudgetSeconds

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if old, ok := c.timers[sessionID]; ok {
		old.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timers[sessionID] = entry{
		gen:   gen,
		timer: c.newTimer(delay, func() { c.fire(sessionID, gen, budget) }),
	}

	c.logger.Debug("expiry armed",
		append(logger.Session(sessionID, session.SubjectID), zap.Duration("delay", delay))...)
}

// Disarm cancels the timer for a session. It is a no-op when none is armed.
func (c *Controller) Disarm(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.timers[sessionID]; ok {
		e.timer.Stop()
		delete(c.timers, sessionID)
	}
}

// Armed reports whether a timer is pending for the session.
func (c *Controller) Armed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[sessionID]
	return ok
}

// Len reports how many timers are pending.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stop cancels every pending timer and waits for fires already running.
// Arm is ignored afterwards.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	for id, e := range c.timers {
		e.timer.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) fire(sessionID string, gen uint64, budget int) {
	c.mu.Lock()
	e, ok := c.timers[sessionID]
	if !ok || e.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.timers, sessionID)
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	ctx := context.Background()
	session, err := c.completer.Complete(ctx, sessionID, types.SystemCallerID, &budget)
	switch {
	case errors.Is(err, types.ErrAlreadyTerminal):
		c.logger.Debug("expiry lost race to explicit end", logger.Session(sessionID, "")...)
		return
	case err != nil:
		c.logger.Error("failed to complete expired session",
			append(logger.Session(sessionID, ""), zap.Error(err))...)
		return
	}

	c.logger.Info("session expired", logger.Session(session.ID, session.SubjectID)...)
	if c.onFired != nil {
		c.onFired(ctx, session)
	}
}
