// Package worker runs persistence writes off the caller's path while keeping
// writes for one session strictly ordered.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatstate/internal/models"
)

// ErrWriterClosed is reported for writes enqueued after Close.
var ErrWriterClosed = errors.New("writer closed")

const defaultWriteTimeout = 10 * time.Second

// Store is the subset of the persistence adapter the writer drives.
type Store interface {
	Save(ctx context.Context, s *models.StoredSession) error
	Remove(ctx context.Context, id string) error
}

type job struct {
	op   string
	key  string
	seq  int64
	exec func(ctx context.Context) error
}

// sessionQueue holds at most one pending job; a newer job replaces it.
type sessionQueue struct {
	pending *job
	running bool
	idle    chan struct{}
}

// Writer serializes writes per session id. Different sessions write in
// parallel, bounded by the slot count.
type Writer struct {
	store   Store
	onError func(*models.PersistenceError)
	slots   chan struct{}
	timeout time.Duration

	mu     sync.Mutex
	queues map[string]*sessionQueue
	closed bool
}

// NewWriter builds a writer. onError receives every failed write.
func NewWriter(store Store, maxConcurrent int, onError func(*models.PersistenceError)) *Writer {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Writer{
		store:   store,
		onError: onError,
		slots:   make(chan struct{}, maxConcurrent),
		timeout: defaultWriteTimeout,
		queues:  make(map[string]*sessionQueue),
	}
}

// EnqueueSave schedules a full snapshot write. It never blocks on I/O.
func (w *Writer) EnqueueSave(s *models.StoredSession) {
	if s == nil {
		return
	}
	w.Enqueue(s.ID, s.Seq, "save", func(ctx context.Context) error {
		return w.store.Save(ctx, s)
	})
}

// EnqueueRemove schedules deletion of a session, ordered after earlier writes.
func (w *Writer) EnqueueRemove(id string, seq int64) {
	w.Enqueue(id, seq, "remove", func(ctx context.Context) error {
		return w.store.Remove(ctx, id)
	})
}

// Enqueue schedules fn under key. Jobs sharing a key run one at a time in seq
// order; a pending job is replaced by a newer one.
func (w *Writer) Enqueue(key string, seq int64, op string, fn func(ctx context.Context) error) {
	j := &job{op: op, key: key, seq: seq, exec: fn}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.report(j, ErrWriterClosed)
		return
	}
	q := w.queues[j.key]
	if q == nil {
		q = &sessionQueue{idle: make(chan struct{})}
		w.queues[j.key] = q
	}
	if q.pending != nil && q.pending.seq > j.seq {
		// Already holding something newer.
		w.mu.Unlock()
		debugLog("[writer] drop stale %s of %s seq=%d", j.op, j.key, j.seq)
		return
	}
	q.pending = j
	start := !q.running
	q.running = true
	w.mu.Unlock()

	if start {
		go w.drain(j.key, q)
	}
}

func (w *Writer) drain(id string, q *sessionQueue) {
	var lastSeq int64 = -1
	for {
		w.mu.Lock()
		j := q.pending
		q.pending = nil
		if j == nil {
			q.running = false
			delete(w.queues, id)
			close(q.idle)
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		if j.seq < lastSeq {
			continue
		}
		lastSeq = j.seq
		w.run(j)
	}
}

func (w *Writer) run(j *job) {
	w.slots <- struct{}{}
	defer func() { <-w.slots }()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	err := j.exec(ctx)
	debugLog("[writer] %s %s seq=%d err=%v", j.op, j.key, j.seq, err)
	if err != nil {
		w.report(j, err)
	}
}

func (w *Writer) report(j *job, err error) {
	if w.onError == nil {
		return
	}
	w.onError(&models.PersistenceError{Op: j.op, SessionID: j.key, Err: err})
}

// Flush waits until every write queued for key has settled.
func (w *Writer) Flush(ctx context.Context, key string) error {
	w.mu.Lock()
	q := w.queues[key]
	w.mu.Unlock()
	if q == nil {
		return nil
	}
	select {
	case <-q.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAll waits for every queue to drain.
func (w *Writer) FlushAll(ctx context.Context) error {
	w.mu.Lock()
	waits := make([]chan struct{}, 0, len(w.queues))
	for _, q := range w.queues {
		waits = append(waits, q.idle)
	}
	w.mu.Unlock()
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pending reports whether writes for key are queued or running.
func (w *Writer) Pending(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.queues[key]
	return ok
}

// Close rejects new writes and waits for queued ones.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.FlushAll(ctx)
}
