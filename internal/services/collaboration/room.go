package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"notesync/internal/middleware"
	"notesync/internal/models"
	"notesync/internal/protocol"
	"notesync/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ONE GOROUTINE PER ROOM

A central hub guarding one shared map with an RWMutex serializes every room
behind the same lock. Here every room owns its state outright: a single goroutine reads events from a buffered
mailbox and is the only code that ever touches the session list, the CRDT
replica, the canvas maps or the sheets.

  ReadPump ──msg──▶ mailbox ──▶ room goroutine ──▶ Session.send (non-blocking)
  Scheduler ─snapshot req─▶ mailbox                └▶ markDirty ─▶ Scheduler

No locks around room state, no lock ordering to get wrong. Anything outside
the goroutine (scheduler, registry, stats) talks to it through events or
reads atomics.
*/

type RoomKind string

const (
	KindNote        RoomKind = "note"
	KindWhiteboard  RoomKind = "whiteboard"
	KindSpreadsheet RoomKind = "spreadsheet"
)

// RoomKey identifies one room. At most one Room per key is resident.
type RoomKey struct {
	Kind RoomKind
	ID   string
}

func (k RoomKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

var (
	ErrRoomClosed = errors.New("room closed")
	ErrReadOnly   = errors.New("session is read-only")
)

const (
	mailboxSize = 256
	loadTimeout = 10 * time.Second
)

// roomState is the per-kind behavior of a room. Every method runs on the
// room goroutine.
type roomState interface {
	load(ctx context.Context) error
	join(s *Session)
	leave(s *Session)
	handle(ctx context.Context, s *Session, msg *protocol.Message, raw []byte)
	expire(now time.Time)
	snapshot() *flushJob
}

// flushJob is a consistent copy of room state, written outside the room
// goroutine. done runs back on the room goroutine once the write succeeded.
type flushJob struct {
	write func(ctx context.Context) error
	done  func()
}

type flushSnapshot struct {
	job     *flushJob
	version uint64
}

// Mailbox events

type joinEvent struct {
	session *Session
	reply   chan error
}

type leaveEvent struct {
	session *Session
}

type messageEvent struct {
	ctx     context.Context
	session *Session
	msg     *protocol.Message
	raw     []byte
}

type snapshotEvent struct {
	reply chan flushSnapshot
}

type flushedEvent struct {
	done func()
}

type shutdownEvent struct {
	reason string
}

// Room is a live collaboration session over one document
type Room struct {
	key   RoomKey
	state roomState
	locks *LockArbiter

	// owned by the room goroutine
	sessions []*Session
	loadErr  error

	mailbox  chan interface{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	tick     time.Duration

	version        atomic.Uint64
	flushedVersion atomic.Uint64
	sessionCount   atomic.Int32

	// serializes snapshot+write+confirm so flushes never land out of order
	flushMu sync.Mutex

	onDirty  func(*Room)
	onFailed func(*Room)

	// guarded by Registry.mu
	refs   int
	closed bool
}

func newRoom(key RoomKey, locks *LockArbiter, onDirty, onFailed func(*Room)) *Room {
	tick := time.Second
	if locks != nil {
		if t := locks.Timeout() / 4; t < tick {
			tick = t
		}
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}

	return &Room{
		key:      key,
		locks:    locks,
		mailbox:  make(chan interface{}, mailboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		tick:     tick,
		onDirty:  onDirty,
		onFailed: onFailed,
	}
}

func (r *Room) Key() RoomKey { return r.key }

// SessionCount is safe to call from any goroutine
func (r *Room) SessionCount() int { return int(r.sessionCount.Load()) }

// Dirty reports whether the room holds state the store has not seen
func (r *Room) Dirty() bool {
	return r.version.Load() > r.flushedVersion.Load()
}

// run loads the room from the store and then serves the mailbox until stop
func (r *Room) run(ctx context.Context) {
	defer close(r.done)

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	loadCtx, span := middleware.StartSpan(loadCtx, "Room.Load", attribute.String("room.key", r.key.String()))
	r.loadErr = r.state.load(loadCtx)
	middleware.AddSpanError(loadCtx, r.loadErr)
	span.End()
	cancel()

	if r.loadErr != nil {
		log.Printf("⚠️  Room %s failed to initialize: %v", r.key, r.loadErr)
		if r.onFailed != nil {
			r.onFailed(r)
		}
	} else {
		log.Printf("✓ Room %s ready", r.key)
	}

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case ev := <-r.mailbox:
			r.dispatch(ev)
		case now := <-ticker.C:
			if r.loadErr == nil {
				r.state.expire(now)
			}
		}
	}
}

func (r *Room) dispatch(ev interface{}) {
	switch ev := ev.(type) {
	case joinEvent:
		if r.loadErr != nil {
			ev.reply <- fmt.Errorf("room %s failed to initialize: %w", r.key, r.loadErr)
			return
		}
		r.sessions = append(r.sessions, ev.session)
		r.sessionCount.Store(int32(len(r.sessions)))
		r.state.join(ev.session)
		ev.reply <- nil

	case leaveEvent:
		if !r.removeSession(ev.session) {
			return
		}
		if r.loadErr == nil {
			r.state.leave(ev.session)
		}

	case messageEvent:
		if r.loadErr != nil || r.indexOf(ev.session) < 0 {
			return
		}
		ctx, span := middleware.StartSpan(ev.ctx, "Room.Handle",
			attribute.String("room.key", r.key.String()),
			attribute.String("message.type", ev.msg.Type),
		)
		r.state.handle(ctx, ev.session, ev.msg, ev.raw)
		span.End()

	case snapshotEvent:
		snap := flushSnapshot{version: r.version.Load()}
		if r.loadErr == nil && r.Dirty() {
			snap.job = r.state.snapshot()
			if snap.job == nil {
				// nothing persistable changed
				r.markFlushed(snap.version)
			}
		}
		ev.reply <- snap

	case flushedEvent:
		if ev.done != nil {
			ev.done()
		}

	case shutdownEvent:
		for _, s := range r.sessions {
			s.Close(ev.reason)
		}

	default:
		log.Printf("⚠️  Room %s: unknown event %T", r.key, ev)
	}
}

// post hands an event to the room goroutine, blocking while the mailbox is full
func (r *Room) post(ctx context.Context, ev interface{}) error {
	select {
	case r.mailbox <- ev:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join adds a session and waits until its initial messages are queued
func (r *Room) Join(ctx context.Context, s *Session) error {
	reply := make(chan error, 1)
	if err := r.post(ctx, joinEvent{session: s, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver queues an inbound message from s
func (r *Room) Deliver(ctx context.Context, s *Session, msg *protocol.Message, raw []byte) error {
	return r.post(ctx, messageEvent{ctx: ctx, session: s, msg: msg, raw: raw})
}

func (r *Room) leave(s *Session) {
	_ = r.post(context.Background(), leaveEvent{session: s})
}

// snapshot asks the room goroutine for a consistent copy of its dirty state
func (r *Room) snapshot(ctx context.Context) (flushSnapshot, error) {
	reply := make(chan flushSnapshot, 1)
	if err := r.post(ctx, snapshotEvent{reply: reply}); err != nil {
		return flushSnapshot{}, err
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-r.done:
		return flushSnapshot{}, ErrRoomClosed
	case <-ctx.Done():
		return flushSnapshot{}, ctx.Err()
	}
}

// markFlushed records that the store holds every change up to version
func (r *Room) markFlushed(version uint64) {
	for {
		current := r.flushedVersion.Load()
		if version <= current || r.flushedVersion.CompareAndSwap(current, version) {
			return
		}
	}
}

func (r *Room) confirmFlushed(ctx context.Context, snap flushSnapshot) {
	r.markFlushed(snap.version)
	if snap.job.done != nil {
		_ = r.post(ctx, flushedEvent{done: snap.job.done})
	}
}

func (r *Room) shutdown(reason string) {
	_ = r.post(context.Background(), shutdownEvent{reason: reason})
}

func (r *Room) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

// Helpers for room states. Room goroutine only.

func (r *Room) markDirty() {
	r.version.Add(1)
	if r.onDirty != nil {
		r.onDirty(r)
	}
}

func (r *Room) indexOf(s *Session) int {
	for i, member := range r.sessions {
		if member == s {
			return i
		}
	}
	return -1
}

func (r *Room) removeSession(s *Session) bool {
	i := r.indexOf(s)
	if i < 0 {
		return false
	}
	r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
	r.sessionCount.Store(int32(len(r.sessions)))
	return true
}

func (r *Room) users() []models.User {
	users := make([]models.User, 0, len(r.sessions))
	for _, s := range r.sessions {
		users = append(users, s.User())
	}
	return users
}

func (r *Room) send(s *Session, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Room %s: %v", r.key, err)
		return
	}
	s.deliver(data)
}

// broadcast encodes msg once and fans it out to every session except one
func (r *Room) broadcast(msg *protocol.Message, except *Session) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Room %s: %v", r.key, err)
		return
	}
	r.broadcastRaw(data, except)
}

func (r *Room) broadcastRaw(data []byte, except *Session) {
	for _, s := range r.sessions {
		if s == except {
			continue
		}
		s.deliver(data)
	}
}

// reject drops an inbound message; the connection stays open
func (r *Room) reject(s *Session, reason string, msg *protocol.Message, detail string) {
	telemetry.ProtocolErrors.WithLabelValues(reason).Inc()
	log.Printf("Room %s: dropped %q from session %s (%s): %s", r.key, msg.Type, s.ID, reason, detail)
}

func (r *Room) applied(msgType string) {
	telemetry.MessagesTotal.WithLabelValues(string(r.key.Kind), msgType).Inc()
}
