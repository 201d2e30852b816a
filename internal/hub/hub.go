package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"interviewd/internal/logger"
	"interviewd/pkg/interfaces"
)

const commandBuffer = 1000

type commandKind int

const (
	cmdJoin commandKind = iota
	cmdLeave
	cmdLeaveAll
	cmdPublish
	cmdCloseRoom
	cmdRoomSize
	cmdStats
)

// command is one request to the run loop. Every operation goes through the
// same channel so a Publish queued after a Join always sees the new member,
// and a CloseRoom queued after a Publish never drops it.
type command struct {
	kind         commandKind
	room         string
	subscriber   interfaces.Subscriber
	subscriberID string
	payload      interface{}
	reply        chan interface{}
}

// Stats is a snapshot of hub state for health reporting.
type Stats struct {
	Rooms       int    `json:"rooms"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Hub is the room-scoped publish/subscribe fan-out. Rooms are keyed by
// session ID. All room state is owned by the run goroutine.
type Hub struct {
	commands chan command
	shutdown chan struct{}
	done     chan struct{}
	logger   *zap.Logger

	rooms       map[string]map[string]interfaces.Subscriber
	memberships map[string]map[string]struct{}
	published   uint64
	dropped     uint64

	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub. Start must be called before use.
func NewHub(l *zap.Logger) *Hub {
	return &Hub{
		commands:    make(chan command, commandBuffer),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.OrNop(l).Named("hub"),
		rooms:       make(map[string]map[string]interfaces.Subscriber),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Start launches the run loop. A hub cannot be restarted once stopped.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.done:
		return ErrHubNotRunning
	default:
	}
	h.running = true

	h.logger.Info("starting hub")
	go h.run(ctx)
	return nil
}

// Stop ends the run loop and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	h.mu.Unlock()

	<-h.done
	return nil
}

// Join adds a subscriber to a room and returns once the membership is active.
func (h *Hub) Join(room string, sub interfaces.Subscriber) error {
	if room == "" {
		return ErrInvalidRoom
	}
	if sub == nil {
		return ErrNilSubscriber
	}
	_, err := h.call(command{kind: cmdJoin, room: room, subscriber: sub})
	return err
}

// Leave removes a subscriber from one room.
func (h *Hub) Leave(room, subscriberID string) error {
	return h.send(command{kind: cmdLeave, room: room, subscriberID: subscriberID})
}

// LeaveAll removes a subscriber from every room it joined. Called on disconnect.
func (h *Hub) LeaveAll(subscriberID string) error {
	return h.send(command{kind: cmdLeaveAll, subscriberID: subscriberID})
}

// Publish queues payload for every current member of the room.
func (h *Hub) Publish(room string, payload interface{}) error {
	if room == "" {
		return ErrInvalidRoom
	}
	return h.send(command{kind: cmdPublish, room: room, payload: payload})
}

// CloseRoom drops every membership of a room. Subscribers stay connected.
func (h *Hub) CloseRoom(room string) error {
	return h.send(command{kind: cmdCloseRoom, room: room})
}

// RoomSize returns the number of subscribers in a room.
func (h *Hub) RoomSize(room string) int {
	v, err := h.call(command{kind: cmdRoomSize, room: room})
	if err != nil {
		return 0
	}
	return v.(int)
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	v, err := h.call(command{kind: cmdStats})
	if err != nil {
		return Stats{}
	}
	return v.(Stats)
}

func (h *Hub) send(cmd command) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.commands <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

func (h *Hub) call(cmd command) (interface{}, error) {
	cmd.reply = make(chan interface{}, 1)

	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return nil, ErrHubNotRunning
	}
	select {
	case h.commands <- cmd:
	case <-h.shutdown:
		h.mu.RUnlock()
		return nil, ErrHubNotRunning
	case <-h.done:
		h.mu.RUnlock()
		return nil, ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case v := <-cmd.reply:
		return v, nil
	case <-h.done:
		return nil, ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.logger.Info("hub stopped")

	for {
		select {
		case cmd := <-h.commands:
			h.handle(cmd)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handle(cmd command) {
	switch cmd.kind {
	case cmdJoin:
		h.join(cmd.room, cmd.subscriber)
		cmd.reply <- nil
	case cmdLeave:
		h.leave(cmd.room, cmd.subscriberID)
	case cmdLeaveAll:
		for room := range h.memberships[cmd.subscriberID] {
			h.leave(room, cmd.subscriberID)
		}
	case cmdPublish:
		h.publish(cmd.room, cmd.payload)
	case cmdCloseRoom:
		for id := range h.rooms[cmd.room] {
			h.leave(cmd.room, id)
		}
	case cmdRoomSize:
		cmd.reply <- len(h.rooms[cmd.room])
	case cmdStats:
		subs := 0
		for _, members := range h.rooms {
			subs += len(members)
		}
		cmd.reply <- Stats{
			Rooms:       len(h.rooms),
			Subscribers: subs,
			Published:   h.published,
			Dropped:     h.dropped,
		}
	}
}

func (h *Hub) join(room string, sub interfaces.Subscriber) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]interfaces.Subscriber)
		h.rooms[room] = members
	}
	members[sub.ID()] = sub

	joined, ok := h.memberships[sub.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[sub.ID()] = joined
	}
	joined[room] = struct{}{}

	h.logger.Debug("joined room",
		append(logger.Session(room, sub.SubjectID()), zap.String("subscriber", sub.ID()))...)
}

func (h *Hub) leave(room, subscriberID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, subscriberID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.memberships[subscriberID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.memberships, subscriberID)
		}
	}
}

// publish delivers to each member. A member whose write fails is removed
// from the room; the others still receive the payload.
func (h *Hub) publish(room string, payload interface{}) {
	h.published++
	for id, sub := range h.rooms[room] {
		if err := sub.WriteJSON(payload); err != nil {
			h.dropped++
			h.logger.Warn("dropping subscriber after failed write",
				append(logger.Session(room, sub.SubjectID()),
					zap.String("subscriber", id), zap.Error(err))...)
			h.leave(room, id)
		}
	}
}
