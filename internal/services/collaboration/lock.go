package collaboration

import (
	"context"
	"log"
	"time"

	"notesync/internal/telemetry"

	"github.com/google/uuid"
)

const leaseCallTimeout = 2 * time.Second

// LockArbiter decides which session performs one-time initialization of a
// room: seeding a note's CRDT or uploading a spreadsheet's first sheets.
// Leases carry a TTL equal to the holder timeout, so a crashed holder never
// blocks a room forever.
type LockArbiter struct {
	store   LeaseStore
	timeout time.Duration
	owner   string // identifies this server instance in lease values
}

func NewLockArbiter(store LeaseStore, timeout time.Duration) *LockArbiter {
	return &LockArbiter{
		store:   store,
		timeout: timeout,
		owner:   uuid.NewString(),
	}
}

func (a *LockArbiter) Timeout() time.Duration { return a.timeout }

func (a *LockArbiter) holder(sessionID string) string {
	return a.owner + "/" + sessionID
}

// TryAcquire returns true when sessionID now holds the lock for key
func (a *LockArbiter) TryAcquire(ctx context.Context, key RoomKey, sessionID string) (bool, error) {
	return a.store.Acquire(ctx, key.String(), a.holder(sessionID), a.timeout)
}

// Release gives the lock up if sessionID still holds it
func (a *LockArbiter) Release(ctx context.Context, key RoomKey, sessionID string) error {
	return a.store.Release(ctx, key.String(), a.holder(sessionID))
}

// roomLock is the room-local view of the arbiter: who holds the lock and
// until when. Room goroutine only.
type roomLock struct {
	room     *Room
	holder   *Session
	deadline time.Time
}

func (l *roomLock) heldBy(s *Session) bool {
	return l.holder != nil && l.holder == s
}

func (l *roomLock) free() bool {
	return l.holder == nil
}

// tryAcquire grants the lock to s. The current holder asking again is granted
// and gets a fresh deadline.
func (l *roomLock) tryAcquire(s *Session) bool {
	kind := string(l.room.key.Kind)

	if s.ReadOnly {
		telemetry.LockGrants.WithLabelValues(kind, "read_only").Inc()
		return false
	}
	if l.holder != nil && l.holder != s {
		telemetry.LockGrants.WithLabelValues(kind, "contended").Inc()
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaseCallTimeout)
	defer cancel()

	ok, err := l.room.locks.TryAcquire(ctx, l.room.key, s.ID)
	if err != nil {
		log.Printf("⚠️  Room %s: lease acquire failed: %v", l.room.key, err)
		telemetry.LockGrants.WithLabelValues(kind, "error").Inc()
		return false
	}
	if !ok {
		telemetry.LockGrants.WithLabelValues(kind, "contended").Inc()
		return false
	}

	l.holder = s
	l.deadline = time.Now().Add(l.room.locks.Timeout())
	telemetry.LockGrants.WithLabelValues(kind, "granted").Inc()
	return true
}

func (l *roomLock) release() {
	if l.holder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaseCallTimeout)
	defer cancel()

	if err := l.room.locks.Release(ctx, l.room.key, l.holder.ID); err != nil {
		// the lease TTL still bounds how long the stale entry lives
		log.Printf("⚠️  Room %s: lease release failed: %v", l.room.key, err)
	}
	l.holder = nil
	l.deadline = time.Time{}
}

func (l *roomLock) expired(now time.Time) bool {
	return l.holder != nil && now.After(l.deadline)
}
