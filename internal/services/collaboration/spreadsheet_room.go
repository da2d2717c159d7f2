package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"notesync/internal/protocol"
)

// sheetsKey is the View.data key holding the workbook
const sheetsKey = "sheets"

type spreadsheetPhase int

const (
	spreadsheetUnseeded spreadsheetPhase = iota
	spreadsheetInitializing
	spreadsheetReady
)

// spreadsheetState: the first client to take the lock uploads the workbook,
// after which ops are relayed in arrival order.
type spreadsheetState struct {
	room  *Room
	views ViewStore

	phase  spreadsheetPhase
	sheets json.RawMessage
	lock   roomLock

	// a session was refused while no local session held the lock, so the
	// lease store said no; waiters are prompted to race again on the next tick
	refused bool
}

func newSpreadsheetState(room *Room, views ViewStore) *spreadsheetState {
	return &spreadsheetState{
		room:  room,
		views: views,
		lock:  roomLock{room: room},
	}
}

func (st *spreadsheetState) load(ctx context.Context) error {
	id := st.room.key.ID

	view, err := st.views.FindView(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load view: %w", err)
	}
	if len(view.Data) == 0 {
		return nil
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(view.Data, &data); err != nil {
		return fmt.Errorf("view %s has malformed data: %w", id, err)
	}
	raw, ok := data[sheetsKey]
	if !ok {
		return nil
	}

	sheets, err := protocol.DecodeSheets(raw)
	if err != nil {
		log.Printf("⚠️  Spreadsheet %s has unreadable sheets, waiting for re-initialization: %v", id, err)
		return nil
	}
	if len(sheets) > 0 {
		st.sheets = raw
		st.phase = spreadsheetReady
	}
	return nil
}

func (st *spreadsheetState) ready() bool {
	return st.phase == spreadsheetReady
}

func (st *spreadsheetState) join(s *Session) {
	msg := &protocol.Message{Type: protocol.TypeInit, Initialized: protocol.Bool(st.ready())}
	if st.ready() {
		msg.Sheets = st.sheets
	}
	st.room.send(s, msg)
}

func (st *spreadsheetState) handle(ctx context.Context, s *Session, msg *protocol.Message, raw []byte) {
	r := st.room

	switch msg.Type {
	case protocol.TypeAcquireLock:
		if st.ready() {
			r.send(s, &protocol.Message{Type: protocol.TypeLockAcquired, LockAcquired: protocol.Bool(false)})
			r.send(s, &protocol.Message{Type: protocol.TypeInitializeData, Sheets: st.sheets})
			return
		}
		wasFree := st.lock.free()
		granted := st.lock.tryAcquire(s)
		if granted {
			st.phase = spreadsheetInitializing
			st.refused = false
			log.Printf("  Spreadsheet %s: session %s initializes the workbook", r.key.ID, s.ID)
		} else if wasFree && !s.ReadOnly {
			st.refused = true
		}
		r.send(s, &protocol.Message{Type: protocol.TypeLockAcquired, LockAcquired: protocol.Bool(granted)})
		r.applied(msg.Type)

	case protocol.TypeInitializeData:
		if st.ready() || !st.lock.heldBy(s) {
			r.reject(s, "not_lock_holder", msg, "initialize_data requires the lock")
			return
		}
		if _, err := protocol.DecodeSheets(msg.Sheets); err != nil {
			r.reject(s, "malformed", msg, err.Error())
			r.send(s, protocol.NewError("invalid sheets: %v", err))
			return
		}
		st.sheets = msg.Sheets
		st.phase = spreadsheetReady
		st.lock.release()
		r.markDirty()
		r.broadcast(&protocol.Message{Type: protocol.TypeInitializeData, Sheets: st.sheets}, s)
		r.applied(msg.Type)
		log.Printf("✓ Spreadsheet %s initialized by session %s", r.key.ID, s.ID)

	case protocol.TypeOp:
		if !st.ready() {
			r.reject(s, "wrong_phase", msg, "spreadsheet not initialized yet")
			return
		}
		if !protocol.Present(msg.Ops) {
			r.reject(s, "malformed", msg, "missing ops")
			return
		}
		if protocol.Present(msg.Sheets) {
			if _, err := protocol.DecodeSheets(msg.Sheets); err != nil {
				r.reject(s, "malformed", msg, err.Error())
				return
			}
			st.sheets = msg.Sheets
			r.markDirty()
		}
		r.broadcast(&protocol.Message{Type: protocol.TypeOp, Ops: msg.Ops}, s)
		r.applied(msg.Type)

	case protocol.TypeSync:
		reply := &protocol.Message{Type: protocol.TypeSync, Initialized: protocol.Bool(st.ready())}
		if st.ready() {
			reply.Sheets = st.sheets
		}
		r.send(s, reply)
		r.applied(msg.Type)

	case protocol.TypeInit, protocol.TypeLockAcquired:
		r.reject(s, "unexpected_type", msg, "server-to-client message")

	default:
		r.reject(s, "unknown_type", msg, "not a spreadsheet message")
	}
}

func (st *spreadsheetState) leave(s *Session) {
	if st.lock.heldBy(s) {
		log.Printf("  Spreadsheet %s: lock holder %s left", st.room.key.ID, s.ID)
		st.reset()
	}
}

func (st *spreadsheetState) expire(now time.Time) {
	if st.phase == spreadsheetInitializing && st.lock.expired(now) {
		log.Printf("⚠️  Spreadsheet %s: lock holder %s timed out", st.room.key.ID, st.lock.holder.ID)
		st.reset()
		return
	}

	if st.phase == spreadsheetUnseeded && st.refused && st.lock.free() {
		st.refused = false
		if len(st.room.sessions) > 0 {
			log.Printf("  Spreadsheet %s: lock was refused by the lease store, asking clients to race again", st.room.key.ID)
			st.reset()
		}
	}
}

// reset releases the lock and tells everyone to race for it again
func (st *spreadsheetState) reset() {
	st.lock.release()
	st.phase = spreadsheetUnseeded
	st.room.broadcast(&protocol.Message{Type: protocol.TypeInit, Initialized: protocol.Bool(false)}, nil)
}

func (st *spreadsheetState) snapshot() *flushJob {
	if !st.ready() {
		return nil
	}

	id := st.room.key.ID
	sheets := st.sheets
	return &flushJob{
		write: func(ctx context.Context) error {
			return st.views.UpdateViewData(ctx, id, sheetsKey, sheets)
		},
	}
}
