package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"notesync/internal/lease"
	"notesync/internal/models"
	"notesync/internal/protocol"
	"notesync/internal/repository"
)

var errStoreDown = errors.New("store unavailable")

// fakeStore implements every store interface in memory and can fail or block
// writes on demand
type fakeStore struct {
	mu        sync.Mutex
	notes     map[string]*models.Note
	snapshots map[string][]byte
	views     map[string]*models.View
	objects   map[string]*models.ViewObject

	noteUpdates []models.NoteUpdate
	writes      int

	failWrites int // upcoming writes to fail, -1 fails forever
	block      chan struct{}
	blocked    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notes:     make(map[string]*models.Note),
		snapshots: make(map[string][]byte),
		views:     make(map[string]*models.View),
		objects:   make(map[string]*models.ViewObject),
	}
}

func (f *fakeStore) write() error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		f.mu.Lock()
		f.blocked++
		f.mu.Unlock()
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failWrites != 0 {
		if f.failWrites > 0 {
			f.failWrites--
		}
		return errStoreDown
	}
	return nil
}

func (f *fakeStore) setFailWrites(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = n
}

// blockWrites makes every write wait until the returned func is called
func (f *fakeStore) blockWrites() (unblock func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block := make(chan struct{})
	f.block = block
	f.blocked = 0
	return func() {
		f.mu.Lock()
		f.block = nil
		f.mu.Unlock()
		close(block)
	}
}

func (f *fakeStore) blockedWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeStore) FindNote(ctx context.Context, id string) (*models.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	note, ok := f.notes[id]
	if !ok {
		return nil, fmt.Errorf("note %s: %w", id, repository.ErrNotFound)
	}
	copied := *note
	return &copied, nil
}

func (f *fakeStore) UpdateNote(ctx context.Context, id string, update models.NoteUpdate) error {
	if err := f.write(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	note, ok := f.notes[id]
	if !ok {
		return repository.ErrNotFound
	}
	note.Title = update.Title
	note.Content = update.Content
	note.UpdatedBy = update.UpdatedBy
	f.noteUpdates = append(f.noteUpdates, update)
	return nil
}

func (f *fakeStore) GetYjsDocument(ctx context.Context, name string) (*models.YjsDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.snapshots[name]
	if !ok {
		return nil, nil
	}
	return &models.YjsDocument{Name: name, Data: data}, nil
}

func (f *fakeStore) SaveYjsDocument(ctx context.Context, name string, data []byte) error {
	if err := f.write(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[name] = data
	return nil
}

func (f *fakeStore) FindView(ctx context.Context, id string) (*models.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	view, ok := f.views[id]
	if !ok {
		return nil, fmt.Errorf("view %s: %w", id, repository.ErrNotFound)
	}
	copied := *view
	return &copied, nil
}

func (f *fakeStore) UpdateViewData(ctx context.Context, id, key string, value json.RawMessage) error {
	if err := f.write(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	view, ok := f.views[id]
	if !ok {
		return repository.ErrNotFound
	}
	data := map[string]json.RawMessage{}
	if len(view.Data) > 0 {
		if err := json.Unmarshal(view.Data, &data); err != nil {
			return err
		}
	}
	data[key] = value
	encoded, _ := json.Marshal(data)
	view.Data = encoded
	return nil
}

func (f *fakeStore) FindViewObjectsByViewID(ctx context.Context, viewID string) ([]*models.ViewObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ViewObject
	for _, o := range f.objects {
		if o.ViewID == viewID {
			copied := *o
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) SyncViewObjects(ctx context.Context, viewID string, upserts []*models.ViewObject, deletes []string) error {
	if err := f.write(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range upserts {
		copied := *o
		copied.ViewID = viewID
		f.objects[o.ID] = &copied
	}
	for _, id := range deletes {
		delete(f.objects, id)
	}
	return nil
}

func (f *fakeStore) note(id string) models.Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.notes[id]
}

func (f *fakeStore) viewData(t *testing.T, id string) map[string]json.RawMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	data := map[string]json.RawMessage{}
	if err := json.Unmarshal(f.views[id].Data, &data); err != nil {
		t.Fatalf("view %s data is not JSON: %v", id, err)
	}
	return data
}

// flakyLeases fails the first failures Acquire calls, then defers to the
// wrapped store
type flakyLeases struct {
	LeaseStore

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyLeases) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return false, errors.New("lease store unreachable")
	}
	return f.LeaseStore.Acquire(ctx, key, holder, ttl)
}

func (f *flakyLeases) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type harnessOptions struct {
	leases        LeaseStore // in-memory when nil
	lockTimeout   time.Duration
	maxRetries    int
	flushInterval time.Duration // starts the scheduler when set
}

type harness struct {
	store     *fakeStore
	scheduler *Scheduler
	registry  *Registry
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.lockTimeout == 0 {
		opts.lockTimeout = time.Minute
	}

	interval := opts.flushInterval
	if interval == 0 {
		interval = time.Hour
	}

	store := newFakeStore()
	scheduler := NewScheduler(interval, opts.maxRetries, 50*time.Millisecond, 2)
	if opts.flushInterval > 0 {
		scheduler.Start()
		t.Cleanup(scheduler.Shutdown)
	}
	if opts.leases == nil {
		opts.leases = lease.NewMemoryStore()
	}
	locks := NewLockArbiter(opts.leases, opts.lockTimeout)
	registry := NewRegistry(Stores{Notes: store, Snapshots: store, Views: store}, scheduler, locks)

	return &harness{store: store, scheduler: scheduler, registry: registry}
}

func testSession(userID string) *Session {
	return newSession(models.NewSessionInfo(userID, "User "+userID, false), nil, SessionConfig{SendBuffer: 128})
}

// join acquires the room for key and joins a fresh session to it
func (h *harness) join(t *testing.T, key RoomKey, userID string) (*Room, *Session) {
	t.Helper()

	room, err := h.registry.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s := testSession(userID)
	if err := room.Join(context.Background(), s); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	return room, s
}

// deliver sends msg from s exactly as the read pump would
func deliver(t *testing.T, room *Room, s *Session, msg *protocol.Message) {
	t.Helper()

	raw, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if err := room.Deliver(context.Background(), s, decoded, raw); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
}

// barrier returns once the room processed every event posted before it
func barrier(t *testing.T, room *Room) {
	t.Helper()

	processed := make(chan struct{})
	if err := room.post(context.Background(), flushedEvent{done: func() { close(processed) }}); err != nil {
		t.Fatalf("room not running: %v", err)
	}
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("room did not process barrier")
	}
}

func recvRaw(t *testing.T, s *Session) []byte {
	t.Helper()

	select {
	case data := <-s.send:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s: no message received", s.UserID)
		return nil
	}
}

func recv(t *testing.T, s *Session) *protocol.Message {
	t.Helper()

	msg, err := protocol.Decode(recvRaw(t, s))
	if err != nil {
		t.Fatalf("session %s received malformed frame: %v", s.UserID, err)
	}
	return msg
}

// expect reads the next message and checks its type
func expect(t *testing.T, s *Session, msgType string) *protocol.Message {
	t.Helper()

	msg := recv(t, s)
	if msg.Type != msgType {
		t.Fatalf("session %s: expected %q, got %q", s.UserID, msgType, msg.Type)
	}
	return msg
}

// waitFor skips messages until one of msgType arrives
func waitFor(t *testing.T, s *Session, msgType string) *protocol.Message {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-s.send:
			msg, err := protocol.Decode(data)
			if err == nil && msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("session %s: no %q message", s.UserID, msgType)
			return nil
		}
	}
}

// expectNothing checks that no message is queued. Call after barrier.
func expectNothing(t *testing.T, s *Session) {
	t.Helper()

	select {
	case data := <-s.send:
		t.Fatalf("session %s: unexpected message %s", s.UserID, data)
	default:
	}
}

func drain(s *Session) {
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
