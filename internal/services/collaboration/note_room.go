package collaboration

import (
	"context"
	"fmt"
	"log"
	"time"

	"notesync/internal/crdt"
	"notesync/internal/models"
	"notesync/internal/protocol"
)

/*
LEARNING: SEEDING A CRDT EXACTLY ONCE

A note that has never been opened collaboratively has plain text in the notes
table but no CRDT snapshot. If two clients each built a CRDT from that text
and merged, the text would appear twice. So exactly one session (the seeder)
builds it:

  Empty ──load──▶ AwaitingSeed ──seeder uploads snapshot──▶ Ready
                    │  ▲
                    └──┘ seeder left / timed out / lease refused: offered again

Everyone else waits and receives the seeder's snapshot once it is accepted.
While nobody holds the seeding lock (the lease store refused or failed) the
room tick keeps offering it, so waiters are never stuck.
*/

type notePhase int

const (
	noteEmpty notePhase = iota
	noteAwaitingSeed
	noteReady
)

func (p notePhase) String() string {
	switch p {
	case noteEmpty:
		return "empty"
	case noteAwaitingSeed:
		return "awaiting_seed"
	case noteReady:
		return "ready"
	default:
		return "unknown"
	}
}

type noteState struct {
	room      *Room
	notes     NoteStore
	snapshots SnapshotStore

	phase       notePhase
	initialized bool // never reverts once a snapshot was accepted
	doc         *crdt.Doc
	seeder      roomLock

	title           string
	storedContent   string  // notes.content at load time, the seed text
	reportedContent *string // last client-materialized text, fallback only
	lastEditor      string
}

func newNoteState(room *Room, notes NoteStore, snapshots SnapshotStore) *noteState {
	return &noteState{
		room:      room,
		notes:     notes,
		snapshots: snapshots,
		seeder:    roomLock{room: room},
	}
}

func (st *noteState) load(ctx context.Context) error {
	id := st.room.key.ID

	note, err := st.notes.FindNote(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load note: %w", err)
	}
	st.title = note.Title
	st.storedContent = note.Content

	snap, err := st.snapshots.GetYjsDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	st.phase = noteAwaitingSeed
	if snap == nil || len(snap.Data) == 0 {
		return nil
	}

	doc, err := crdt.Load(snap.Data)
	if err != nil {
		log.Printf("⚠️  Note %s has an unreadable snapshot, re-seeding from notes.content: %v", id, err)
		return nil
	}
	st.doc = doc
	st.phase = noteReady
	st.initialized = true
	return nil
}

func (st *noteState) join(s *Session) {
	r := st.room
	r.broadcast(&protocol.Message{Type: protocol.TypeUserJoin, User: userPtr(s.User())}, s)

	switch st.phase {
	case noteReady:
		st.sendReady(s, true)
	case noteAwaitingSeed:
		if !(st.seeder.free() && st.offerSeed(s, true)) {
			r.send(s, &protocol.Message{
				Type:           protocol.TypeInit,
				NeedInitialize: protocol.Bool(false),
				HasSnapshot:    protocol.Bool(false),
				Title:          protocol.String(st.title),
				Content:        protocol.String(st.content()),
				Users:          r.users(),
			})
		}
	default:
		log.Printf("⚠️  Note %s: join in phase %s", r.key.ID, st.phase)
	}

	r.send(s, &protocol.Message{Type: protocol.TypeActiveUsers, Users: r.users()})
}

// sendReady gives s the full current state: optional init, then the
// snapshot, then snapshot_ready
func (st *noteState) sendReady(s *Session, withInit bool) {
	r := st.room
	if withInit {
		r.send(s, &protocol.Message{
			Type:        protocol.TypeInit,
			HasSnapshot: protocol.Bool(true),
			Title:       protocol.String(st.title),
			Content:     protocol.String(st.content()),
			Users:       r.users(),
		})
	}
	r.send(s, &protocol.Message{Type: protocol.TypeSnapshot, Snapshot: st.doc.Snapshot()})
	r.send(s, &protocol.Message{Type: protocol.TypeSnapshotReady})
}

// offerSeed makes s the seeder if the lock can be taken. joining is true when
// s has not received its init message yet. It returns false when s still
// waits for the document.
func (st *noteState) offerSeed(s *Session, joining bool) bool {
	if !st.seeder.tryAcquire(s) {
		return false
	}

	// a room on another server instance may have stored a snapshot since load
	adopted, err := st.adoptStoredSnapshot()
	if err != nil {
		log.Printf("⚠️  Note %s: snapshot re-check failed, not seeding yet: %v", st.room.key.ID, err)
		st.seeder.release()
		return false
	}
	if adopted {
		st.seeder.release()
		log.Printf("✓ Note %s adopted a snapshot stored after load", st.room.key.ID)
		for _, other := range st.room.sessions {
			if other != s {
				st.sendReady(other, false)
			}
		}
		st.sendReady(s, joining)
		return true
	}

	log.Printf("  Note %s: session %s seeds the document", st.room.key.ID, s.ID)
	st.room.send(s, &protocol.Message{
		Type:           protocol.TypeInit,
		NeedInitialize: protocol.Bool(true),
		HasSnapshot:    protocol.Bool(false),
		Title:          protocol.String(st.title),
		Content:        protocol.String(st.storedContent),
		Users:          st.room.users(),
	})
	return true
}

// promote hands the seeding job to the next session in join order. skip is
// only offered the job again when nobody else can take it.
func (st *noteState) promote(skip *Session) {
	for _, s := range st.room.sessions {
		if st.phase != noteAwaitingSeed {
			return
		}
		if s != skip && st.offerSeed(s, false) {
			return
		}
	}
	if st.phase == noteAwaitingSeed && skip != nil && st.room.indexOf(skip) >= 0 {
		st.offerSeed(skip, false)
	}
}

// adoptStoredSnapshot loads a snapshot found in the store. A missing or
// unreadable snapshot leaves the note awaiting its seed.
func (st *noteState) adoptStoredSnapshot() (bool, error) {
	id := st.room.key.ID

	ctx, cancel := context.WithTimeout(context.Background(), leaseCallTimeout)
	defer cancel()

	snap, err := st.snapshots.GetYjsDocument(ctx, id)
	if err != nil {
		return false, err
	}
	if snap == nil || len(snap.Data) == 0 {
		return false, nil
	}
	doc, err := crdt.Load(snap.Data)
	if err != nil {
		return false, nil
	}

	st.doc = doc
	st.phase = noteReady
	st.initialized = true
	return true, nil
}

func (st *noteState) handle(ctx context.Context, s *Session, msg *protocol.Message, raw []byte) {
	r := st.room

	switch msg.Type {
	case protocol.TypeSnapshot:
		st.handleSnapshot(s, msg)

	case protocol.TypeYjsUpdate:
		st.handleUpdate(s, msg)

	case protocol.TypeUpdateTitle:
		if msg.Title == nil {
			r.reject(s, "malformed", msg, "missing title")
			return
		}
		st.title = *msg.Title
		st.lastEditor = s.UserID
		r.broadcast(&protocol.Message{Type: protocol.TypeUpdateTitle, Title: msg.Title}, s)
		r.markDirty()
		r.applied(msg.Type)

	case protocol.TypeUpdateContent:
		if msg.Content == nil {
			r.reject(s, "malformed", msg, "missing content")
			return
		}
		st.reportedContent = msg.Content
		st.lastEditor = s.UserID
		r.broadcast(&protocol.Message{Type: protocol.TypeUpdateContent, Content: msg.Content}, s)
		r.markDirty()
		r.applied(msg.Type)

	case protocol.TypeInit, protocol.TypeSnapshotReady, protocol.TypeUserJoin,
		protocol.TypeUserLeave, protocol.TypeActiveUsers:
		r.reject(s, "unexpected_type", msg, "server-to-client message")

	default:
		r.reject(s, "unknown_type", msg, "not a note message")
	}
}

func (st *noteState) handleSnapshot(s *Session, msg *protocol.Message) {
	r := st.room

	if st.phase == noteReady {
		r.reject(s, "wrong_phase", msg, "note already initialized")
		return
	}
	if !st.seeder.heldBy(s) {
		r.reject(s, "not_lock_holder", msg, "only the seeder may upload the first snapshot")
		return
	}

	doc, err := crdt.Load(msg.Snapshot)
	if err != nil {
		r.reject(s, "malformed", msg, err.Error())
		r.send(s, protocol.NewError("invalid snapshot: %v", err))
		return
	}

	st.doc = doc
	st.phase = noteReady
	st.initialized = true
	st.lastEditor = s.UserID
	st.seeder.release()
	r.markDirty()
	r.applied(msg.Type)

	log.Printf("✓ Note %s seeded by session %s", r.key.ID, s.ID)

	// the seeder already has this state
	for _, other := range r.sessions {
		if other != s {
			st.sendReady(other, false)
		}
	}
}

func (st *noteState) handleUpdate(s *Session, msg *protocol.Message) {
	r := st.room

	if st.phase != noteReady {
		r.reject(s, "wrong_phase", msg, "note not initialized yet")
		return
	}
	if err := st.doc.Apply(msg.YjsUpdate); err != nil {
		r.reject(s, "malformed", msg, err.Error())
		r.send(s, protocol.NewError("invalid update: %v", err))
		return
	}

	r.broadcast(&protocol.Message{Type: protocol.TypeYjsUpdate, YjsUpdate: msg.YjsUpdate}, s)

	if msg.Content != nil {
		st.reportedContent = msg.Content
		if text, err := st.doc.Text(); err == nil && text != *msg.Content {
			log.Printf("Note %s: client content diverges from server text (%d vs %d bytes), keeping server text",
				r.key.ID, len(*msg.Content), len(text))
		}
	}

	st.lastEditor = s.UserID
	r.markDirty()
	r.applied(msg.Type)
}

func (st *noteState) leave(s *Session) {
	r := st.room
	r.broadcast(&protocol.Message{Type: protocol.TypeUserLeave, User: userPtr(s.User())}, nil)

	if st.seeder.heldBy(s) {
		st.seeder.release()
		if st.phase == noteAwaitingSeed {
			log.Printf("  Note %s: seeder %s left, promoting next session", r.key.ID, s.ID)
			st.promote(nil)
		}
	}
}

func (st *noteState) expire(now time.Time) {
	if st.phase != noteAwaitingSeed {
		return
	}

	if st.seeder.expired(now) {
		stale := st.seeder.holder
		log.Printf("⚠️  Note %s: seeder %s timed out, promoting next session", st.room.key.ID, stale.ID)
		st.seeder.release()
		st.promote(stale)
		return
	}

	// the lease store refused or failed earlier. The lease is per room, so one
	// attempt per tick.
	if st.seeder.free() {
		for _, s := range st.room.sessions {
			if !s.ReadOnly {
				st.offerSeed(s, false)
				return
			}
		}
	}
}

// content is the text to show and persist: materialized from the CRDT when
// possible, otherwise the last client-reported text, otherwise the stored text
func (st *noteState) content() string {
	if st.doc != nil {
		text, err := st.doc.Text()
		if err == nil {
			return text
		}
		log.Printf("⚠️  Note %s: materialization failed, using client content: %v", st.room.key.ID, err)
	}
	if st.reportedContent != nil {
		return *st.reportedContent
	}
	return st.storedContent
}

func (st *noteState) snapshot() *flushJob {
	id := st.room.key.ID
	update := models.NoteUpdate{
		Title:     st.title,
		Content:   st.content(),
		UpdatedBy: st.lastEditor,
	}

	var data []byte
	if st.initialized && st.doc != nil {
		data = st.doc.Snapshot()
	}

	return &flushJob{
		write: func(ctx context.Context) error {
			if data != nil {
				if err := st.snapshots.SaveYjsDocument(ctx, id, data); err != nil {
					return err
				}
			}
			return st.notes.UpdateNote(ctx, id, update)
		},
	}
}

func userPtr(u models.User) *models.User {
	return &u
}
