package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"notesync/internal/middleware"
	"notesync/internal/telemetry"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: COALESCED FLUSHES WITH A WORKER POOL

Editors never wait for the database. A mutation only bumps the room's version
and registers the room here. Once per interval the ticker hands every dirty
room to a fixed pool of flush workers:

  ticker ──▶ jobs (buffered) ──▶ worker 1..N ──▶ snapshot ──▶ store ──▶ confirm

A hundred keystrokes inside one interval cost one store write. A failed write
puts the room back with an exponential backoff (with jitter) before its next
attempt, so a struggling database is not hammered while edits keep flowing.
*/

const flushWriteTimeout = 10 * time.Second

type retryState struct {
	policy   *backoff.ExponentialBackOff
	next     time.Time
	failures int
}

// Scheduler batches room flushes to the document store
type Scheduler struct {
	interval   time.Duration
	maxRetries int
	maxBackoff time.Duration
	workers    int

	mu       sync.Mutex
	pending  map[*Room]*retryState // dirty, waiting for their next attempt
	inflight map[*Room]*retryState // handed to a worker

	jobs   chan *Room
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewScheduler creates the scheduler; Start launches its goroutines.
// maxRetries bounds FlushNow (0 retries forever).
func NewScheduler(interval time.Duration, maxRetries int, maxBackoff time.Duration, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		interval:   interval,
		maxRetries: maxRetries,
		maxBackoff: maxBackoff,
		workers:    workers,
		pending:    make(map[*Room]*retryState),
		inflight:   make(map[*Room]*retryState),
		jobs:       make(chan *Room, workers*4),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Scheduler) newPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if s.maxBackoff > 0 {
		b.MaxInterval = s.maxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// MarkDirty registers a room for the next flush round. Cheap; called by the
// room goroutine on every mutation.
func (s *Scheduler) MarkDirty(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[room]; !ok {
		s.pending[room] = &retryState{}
	}
}

// Forget drops a destroyed room from the schedule
func (s *Scheduler) Forget(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, room)
}

// Pending reports how many rooms wait for a flush
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending) + len(s.inflight)
}

// Start spawns the ticker and the flush workers
func (s *Scheduler) Start() {
	log.Printf("🔧 Starting persistence scheduler (interval %v, %d workers)", s.interval, s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go s.loop()

	log.Println("✓ Persistence scheduler started")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.enqueueDue(now)
		}
	}
}

// enqueueDue hands every room whose next attempt is due to the workers. A full
// queue leaves the rest for the next tick.
func (s *Scheduler) enqueueDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for room, state := range s.pending {
		if _, busy := s.inflight[room]; busy || now.Before(state.next) {
			continue
		}
		select {
		case s.jobs <- room:
			delete(s.pending, room)
			s.inflight[room] = state
		default:
			return
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case room := <-s.jobs:
			err := s.flush(s.ctx, room)
			s.finish(room, err)
		}
	}
}

// finish records the outcome of a periodic flush
func (s *Scheduler) finish(room *Room, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.inflight[room]
	delete(s.inflight, room)

	if err == nil || errors.Is(err, ErrRoomClosed) || state == nil {
		return
	}

	if state.policy == nil {
		state.policy = s.newPolicy()
	}
	state.failures++
	wait := state.policy.NextBackOff()
	state.next = time.Now().Add(wait)
	s.pending[room] = state

	log.Printf("⚠️  Flush of room %s failed (attempt %d, next in %v): %v", room.key, state.failures, wait, err)
}

// FlushNow synchronously flushes room, retrying with backoff until it succeeds,
// the retry budget runs out or ctx is done.
func (s *Scheduler) FlushNow(ctx context.Context, room *Room) error {
	var policy backoff.BackOff = s.newPolicy()
	if s.maxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(s.maxRetries))
	}

	operation := func() error {
		err := s.flush(ctx, room)
		if errors.Is(err, ErrRoomClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("⚠️  Final flush of room %s failed, retrying in %v: %v", room.key, wait, err)
	}

	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}

// flush writes one consistent snapshot of room to the store
func (s *Scheduler) flush(ctx context.Context, room *Room) error {
	room.flushMu.Lock()
	defer room.flushMu.Unlock()

	kind := string(room.key.Kind)
	ctx, span := middleware.StartSpan(ctx, "Scheduler.Flush",
		attribute.String("room.key", room.key.String()),
	)
	defer span.End()

	snap, err := room.snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.job == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, flushWriteTimeout)
	defer cancel()

	timer := prometheus.NewTimer(telemetry.FlushDuration.WithLabelValues(kind))
	err = snap.job.write(writeCtx)
	timer.ObserveDuration()

	if err != nil {
		telemetry.FlushesTotal.WithLabelValues(kind, "error").Inc()
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to flush room %s: %w", room.key, err)
	}

	room.confirmFlushed(ctx, snap)
	telemetry.FlushesTotal.WithLabelValues(kind, "ok").Inc()
	span.SetAttributes(attribute.Int64("room.version", int64(snap.version)))
	return nil
}

// Shutdown stops the ticker and waits for in-flight flushes. Rooms are
// flushed by Registry.Shutdown before this is called.
func (s *Scheduler) Shutdown() {
	s.once.Do(func() {
		log.Println("🛑 Shutting down persistence scheduler...")
		s.cancel()
		s.wg.Wait()
		log.Println("✓ Persistence scheduler shutdown complete")
	})
}
