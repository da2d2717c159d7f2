package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"notesync/internal/telemetry"
)

/*
LEARNING: REFERENCE-COUNTED ROOMS

Acquire and Release adjust a per-room reference count under one mutex, so two
concurrent first joins can never build two rooms for the same document.

When the last reference goes away the room is not dropped right away:

  refs == 0 ──▶ final flush (retried) ──▶ lock ──▶ still unreferenced and clean?
                                                    ├─ yes: delete + stop
                                                    └─ no:  keep (a join revived it)

A session that joins while the final flush is running finds the same room
still in the map and simply bumps the count back up.
*/

var ErrRegistryClosed = errors.New("registry is shut down")

// Registry owns every live room
type Registry struct {
	mu     sync.Mutex
	rooms  map[RoomKey]*Room
	closed bool

	stores    Stores
	scheduler *Scheduler
	locks     *LockArbiter
}

func NewRegistry(stores Stores, scheduler *Scheduler, locks *LockArbiter) *Registry {
	return &Registry{
		rooms:     make(map[RoomKey]*Room),
		stores:    stores,
		scheduler: scheduler,
		locks:     locks,
	}
}

// Acquire returns the room for key, creating and starting it on first use.
// Every successful Acquire must be paired with a Release.
func (reg *Registry) Acquire(ctx context.Context, key RoomKey) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return nil, ErrRegistryClosed
	}

	room, ok := reg.rooms[key]
	if !ok {
		var err error
		room, err = reg.newRoom(key)
		if err != nil {
			return nil, err
		}
		reg.rooms[key] = room
		telemetry.ActiveRooms.WithLabelValues(string(key.Kind)).Inc()
		go room.run(context.WithoutCancel(ctx))
	}

	room.refs++
	return room, nil
}

func (reg *Registry) newRoom(key RoomKey) (*Room, error) {
	room := newRoom(key, reg.locks, reg.scheduler.MarkDirty, reg.discard)

	switch key.Kind {
	case KindNote:
		room.state = newNoteState(room, reg.stores.Notes, reg.stores.Snapshots)
	case KindWhiteboard:
		room.state = newWhiteboardState(room, reg.stores.Views)
	case KindSpreadsheet:
		room.state = newSpreadsheetState(room, reg.stores.Views)
	default:
		return nil, fmt.Errorf("unknown room kind %q", key.Kind)
	}

	return room, nil
}

// Release removes session from room and drops the reference taken by
// Acquire. The last Release flushes the room and destroys it.
func (reg *Registry) Release(room *Room, session *Session) {
	if session != nil {
		room.leave(session)
	}

	reg.mu.Lock()
	room.refs--
	last := room.refs == 0
	reg.mu.Unlock()

	if last {
		reg.closeRoom(room)
	}
}

// closeRoom runs the flush-before-destroy procedure
func (reg *Registry) closeRoom(room *Room) {
	for {
		err := reg.scheduler.FlushNow(context.Background(), room)

		reg.mu.Lock()
		if room.refs > 0 || room.closed {
			// revived by a join, or another close already finished
			reg.mu.Unlock()
			return
		}
		if err == nil && room.Dirty() {
			reg.mu.Unlock()
			continue
		}
		if err != nil && !errors.Is(err, ErrRoomClosed) {
			log.Printf("❌ DATA LOSS RISK: room %s destroyed with unflushed changes after retries: %v", room.key, err)
			telemetry.FlushDataLoss.WithLabelValues(string(room.key.Kind)).Inc()
		}
		reg.removeLocked(room)
		reg.mu.Unlock()

		reg.scheduler.Forget(room)
		room.stop()
		log.Printf("  Room %s closed", room.key)
		return
	}
}

// discard unlinks a room whose initialization failed so the next join
// retries with a fresh room. Current members are turned away by the room.
func (reg *Registry) discard(room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.rooms[room.key] == room {
		delete(reg.rooms, room.key)
		telemetry.ActiveRooms.WithLabelValues(string(room.key.Kind)).Dec()
	}
}

func (reg *Registry) removeLocked(room *Room) {
	room.closed = true
	if reg.rooms[room.key] == room {
		delete(reg.rooms, room.key)
		telemetry.ActiveRooms.WithLabelValues(string(room.key.Kind)).Dec()
	}
}

// Lookup returns the resident room for key, if any
func (reg *Registry) Lookup(key RoomKey) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[key]
	return room, ok
}

// RoomStats describes one resident room
type RoomStats struct {
	Kind     RoomKind `json:"kind"`
	ID       string   `json:"id"`
	Sessions int      `json:"sessions"`
	Dirty    bool     `json:"dirty"`
}

// Stats summarizes the registry for the stats endpoint
type Stats struct {
	Rooms    int         `json:"rooms"`
	Sessions int         `json:"sessions"`
	Details  []RoomStats `json:"details"`
}

func (reg *Registry) Stats() Stats {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	stats := Stats{Rooms: len(rooms), Details: make([]RoomStats, 0, len(rooms))}
	for _, room := range rooms {
		sessions := room.SessionCount()
		stats.Sessions += sessions
		stats.Details = append(stats.Details, RoomStats{
			Kind:     room.key.Kind,
			ID:       room.key.ID,
			Sessions: sessions,
			Dirty:    room.Dirty(),
		})
	}
	sort.Slice(stats.Details, func(i, j int) bool {
		return stats.Details[i].Kind < stats.Details[j].Kind ||
			(stats.Details[i].Kind == stats.Details[j].Kind && stats.Details[i].ID < stats.Details[j].ID)
	})

	return stats
}

// Shutdown refuses new joins, flushes every resident room and disconnects
// its sessions.
func (reg *Registry) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down room registry...")

	reg.mu.Lock()
	reg.closed = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		if err := reg.scheduler.FlushNow(ctx, room); err != nil && !errors.Is(err, ErrRoomClosed) {
			log.Printf("❌ DATA LOSS RISK: room %s not flushed at shutdown: %v", room.key, err)
			telemetry.FlushDataLoss.WithLabelValues(string(room.key.Kind)).Inc()
			errs = append(errs, err)
		}
		room.shutdown("server shutting down")
	}

	log.Printf("✓ Room registry shutdown complete (%d rooms flushed)", len(rooms))
	return errors.Join(errs...)
}
