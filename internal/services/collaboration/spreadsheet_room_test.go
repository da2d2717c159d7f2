package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"notesync/internal/lease"
	"notesync/internal/models"
	"notesync/internal/protocol"
)

const testSheets = `[{"id":"s1","name":"Sheet1","rowCount":100,"columnCount":26,"cellData":{}}]`

func spreadsheetKey(id string) RoomKey {
	return RoomKey{Kind: KindSpreadsheet, ID: id}
}

func newSpreadsheet(h *harness, id string, data string) {
	h.store.views[id] = &models.View{ID: id, Type: models.ViewTypeSpreadsheet, Data: []byte(data)}
}

func TestExactlyOneSessionGetsTheLock(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	newSpreadsheet(h, "s1", `{}`)

	const clients = 8
	var room *Room
	sessions := make([]*Session, clients)
	for i := range sessions {
		room, sessions[i] = h.join(t, spreadsheetKey("s1"), fmt.Sprintf("user-%d", i))
		init := expect(t, sessions[i], protocol.TypeInit)
		if init.Initialized == nil || *init.Initialized {
			t.Fatal("new spreadsheet should not be initialized")
		}
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			msg := &protocol.Message{Type: protocol.TypeAcquireLock}
			raw, _ := protocol.Encode(msg)
			room.Deliver(context.Background(), s, msg, raw)
		}(s)
	}
	wg.Wait()

	granted := 0
	for _, s := range sessions {
		reply := expect(t, s, protocol.TypeLockAcquired)
		if reply.LockAcquired == nil {
			t.Fatal("lock_acquired reply must carry a value")
		}
		if *reply.LockAcquired {
			granted++
		}
	}
	if granted != 1 {
		t.Errorf("expected exactly one lock holder, got %d", granted)
	}
}

func TestInitializeDataFromHolderIsBroadcast(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	newSpreadsheet(h, "s1", `{}`)

	room, a := h.join(t, spreadsheetKey("s1"), "alice")
	_, b := h.join(t, spreadsheetKey("s1"), "bob")
	drain(a)
	drain(b)

	deliver(t, room, a, &protocol.Message{Type: protocol.TypeAcquireLock})
	reply := expect(t, a, protocol.TypeLockAcquired)
	if !*reply.LockAcquired {
		t.Fatal("first requester should get the lock")
	}

	// only the holder may upload
	deliver(t, room, b, &protocol.Message{Type: protocol.TypeInitializeData, Sheets: json.RawMessage(testSheets)})
	barrier(t, room)
	expectNothing(t, a)

	deliver(t, room, a, &protocol.Message{Type: protocol.TypeInitializeData, Sheets: json.RawMessage(testSheets)})
	msg := expect(t, b, protocol.TypeInitializeData)
	if _, err := protocol.DecodeSheets(msg.Sheets); err != nil {
		t.Errorf("broadcast sheets invalid: %v", err)
	}
	barrier(t, room)
	expectNothing(t, a)

	// once initialized, nobody gets the lock again
	deliver(t, room, b, &protocol.Message{Type: protocol.TypeAcquireLock})
	reply = expect(t, b, protocol.TypeLockAcquired)
	if *reply.LockAcquired {
		t.Error("lock must not be granted after initialization")
	}
	expect(t, b, protocol.TypeInitializeData)

	if err := h.scheduler.FlushNow(context.Background(), room); err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}
	if _, ok := h.store.viewData(t, "s1")["sheets"]; !ok {
		t.Error("sheets should be persisted")
	}
}

func TestHolderDisconnectReopensTheRace(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	newSpreadsheet(h, "s1", `{}`)

	room, a := h.join(t, spreadsheetKey("s1"), "alice")
	_, b := h.join(t, spreadsheetKey("s1"), "bob")
	drain(b)

	deliver(t, room, a, &protocol.Message{Type: protocol.TypeAcquireLock})
	barrier(t, room)

	h.registry.Release(room, a)
	init := expect(t, b, protocol.TypeInit)
	if init.Initialized == nil || *init.Initialized {
		t.Fatal("remaining sessions should be told to race again")
	}

	deliver(t, room, b, &protocol.Message{Type: protocol.TypeAcquireLock})
	reply := expect(t, b, protocol.TypeLockAcquired)
	if !*reply.LockAcquired {
		t.Error("lock should be free after the holder left")
	}
}

func TestHolderTimeoutReopensTheRace(t *testing.T) {
	h := newHarness(t, harnessOptions{lockTimeout: 80 * time.Millisecond})
	newSpreadsheet(h, "s1", `{}`)

	room, a := h.join(t, spreadsheetKey("s1"), "alice")
	_, b := h.join(t, spreadsheetKey("s1"), "bob")
	drain(b)

	deliver(t, room, a, &protocol.Message{Type: protocol.TypeAcquireLock})

	init := waitFor(t, b, protocol.TypeInit)
	if init.Initialized == nil || *init.Initialized {
		t.Fatal("expected init with initialized=false after the holder timed out")
	}
}

func TestOpsRelayInOrderAndSyncAnswersRequester(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	newSpreadsheet(h, "s1", `{"sheets":`+testSheets+`}`)

	room, a := h.join(t, spreadsheetKey("s1"), "alice")
	init := expect(t, a, protocol.TypeInit)
	if init.Initialized == nil || !*init.Initialized || !protocol.Present(init.Sheets) {
		t.Fatal("stored sheets should make the room ready")
	}
	_, b := h.join(t, spreadsheetKey("s1"), "bob")
	drain(b)

	for i := 0; i < 5; i++ {
		deliver(t, room, a, &protocol.Message{Type: protocol.TypeOp, Ops: json.RawMessage(fmt.Sprintf(`[{"seq":%d}]`, i))})
	}
	for i := 0; i < 5; i++ {
		msg := expect(t, b, protocol.TypeOp)
		if want := fmt.Sprintf(`[{"seq":%d}]`, i); string(msg.Ops) != want {
			t.Errorf("op %d: got %s, want %s", i, msg.Ops, want)
		}
	}
	if room.Dirty() {
		t.Error("ops without sheets should not dirty the room")
	}

	deliver(t, room, b, &protocol.Message{Type: protocol.TypeSync})
	reply := expect(t, b, protocol.TypeSync)
	if !protocol.Present(reply.Sheets) {
		t.Error("sync reply should carry the sheets")
	}
	barrier(t, room)
	expectNothing(t, a)
}

func TestOpBeforeInitializationIsDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	newSpreadsheet(h, "s1", `{}`)

	room, a := h.join(t, spreadsheetKey("s1"), "alice")
	_, b := h.join(t, spreadsheetKey("s1"), "bob")
	drain(b)

	deliver(t, room, a, &protocol.Message{Type: protocol.TypeOp, Ops: json.RawMessage(`[1]`)})
	deliver(t, room, a, &protocol.Message{Type: protocol.TypeOp, Ops: json.RawMessage(`null`)})
	barrier(t, room)
	expectNothing(t, b)
}

func TestOpWithSheetsReplacesWorkbook(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	newSpreadsheet(h, "s1", `{"sheets":`+testSheets+`}`)

	room, a := h.join(t, spreadsheetKey("s1"), "alice")
	drain(a)

	replaced := `[{"id":"s1","name":"Renamed","rowCount":100,"columnCount":26}]`
	deliver(t, room, a, &protocol.Message{
		Type:   protocol.TypeOp,
		Ops:    json.RawMessage(`[{"rename":"Renamed"}]`),
		Sheets: json.RawMessage(replaced),
	})
	barrier(t, room)
	if !room.Dirty() {
		t.Fatal("op carrying sheets should dirty the room")
	}

	if err := h.scheduler.FlushNow(context.Background(), room); err != nil {
		t.Fatalf("FlushNow failed: %v", err)
	}
	sheets, err := protocol.DecodeSheets(h.store.viewData(t, "s1")["sheets"])
	if err != nil {
		t.Fatalf("stored sheets invalid: %v", err)
	}
	if sheets[0].Name != "Renamed" {
		t.Errorf("expected renamed sheet, got %+v", sheets[0])
	}
}

func TestLockRaceReopensAfterLeaseStoreFailure(t *testing.T) {
	leases := &flakyLeases{LeaseStore: lease.NewMemoryStore(), failures: 1}
	h := newHarness(t, harnessOptions{leases: leases, lockTimeout: 400 * time.Millisecond})
	newSpreadsheet(h, "s1", `{}`)

	room, a := h.join(t, spreadsheetKey("s1"), "alice")
	expect(t, a, protocol.TypeInit)

	deliver(t, room, a, &protocol.Message{Type: protocol.TypeAcquireLock})
	if reply := expect(t, a, protocol.TypeLockAcquired); reply.LockAcquired == nil || *reply.LockAcquired {
		t.Fatal("lock cannot be granted while the lease store fails")
	}

	init := expect(t, a, protocol.TypeInit)
	if init.Initialized == nil || *init.Initialized {
		t.Fatal("waiters should be told to race for the lock again")
	}

	deliver(t, room, a, &protocol.Message{Type: protocol.TypeAcquireLock})
	if reply := expect(t, a, protocol.TypeLockAcquired); reply.LockAcquired == nil || !*reply.LockAcquired {
		t.Fatal("lock should be granted once the lease store recovers")
	}
	deliver(t, room, a, &protocol.Message{Type: protocol.TypeInitializeData, Sheets: json.RawMessage(testSheets)})
	barrier(t, room)
	if !room.Dirty() {
		t.Error("initialized workbook should be pending a flush")
	}
	expectNothing(t, a)
}
