package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// DeadLetter is a task rejected by a consumer.
type DeadLetter struct {
	Task   Task
	Reason string
}

type inflight struct {
	task     Task
	deadline time.Time
}

type pending struct {
	id          string
	task        Task
	redelivered bool
}

// MemoryBroker is an in-process Broker with the same redelivery rules as the
// networked ones: an unsettled delivery is handed out again once its visibility
// timeout has passed. It does not survive a restart.
type MemoryBroker struct {
	mu           sync.Mutex
	ready        []pending
	inflight     map[string]inflight
	dead         []DeadLetter
	seq          int64
	closed       bool
	notify       chan struct{}
	visibility   time.Duration
	releaseDelay time.Duration
	now          func() time.Time
}

// MemoryOption customises a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithVisibilityTimeout sets how long a delivery may stay unsettled.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.visibility = d }
}

// WithReleaseDelay sets how long a released delivery waits before it is ready again.
func WithReleaseDelay(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.releaseDelay = d }
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		inflight:     make(map[string]inflight),
		notify:       make(chan struct{}, 1),
		visibility:   15 * time.Minute,
		releaseDelay: time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) Enqueue(_ context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.seq++
	b.ready = append(b.ready, pending{id: strconv.FormatInt(b.seq, 10), task: task})
	b.wake()
	return nil
}

func (b *MemoryBroker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	poll := b.visibility
	if poll > 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}

	for {
		if d, err := b.next(); d != nil || err != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		case <-time.After(poll):
		}
	}
}

func (b *MemoryBroker) next() (*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	now := b.now()
	for id, f := range b.inflight {
		if now.After(f.deadline) {
			delete(b.inflight, id)
			b.ready = append(b.ready, pending{id: id, task: f.task, redelivered: true})
		}
	}

	if len(b.ready) == 0 {
		return nil, nil
	}
	p := b.ready[0]
	b.ready = b.ready[1:]
	b.inflight[p.id] = inflight{task: p.task, deadline: now.Add(b.visibility)}
	if len(b.ready) > 0 {
		b.wake()
	}
	return &Delivery{ID: p.id, Task: p.task, Redelivered: p.redelivered}, nil
}

// Ack of a delivery that already timed out and was handed out again is a no-op.
func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, d.ID)
	return nil
}

func (b *MemoryBroker) Reject(_ context.Context, d *Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, d.ID)
	b.dead = append(b.dead, DeadLetter{Task: d.Task, Reason: reason})
	return nil
}

func (b *MemoryBroker) Release(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	delete(b.inflight, d.ID)
	b.mu.Unlock()

	time.AfterFunc(b.releaseDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		b.ready = append(b.ready, pending{id: d.ID, task: d.Task, redelivered: true})
		b.wake()
	})
	return nil
}

func (b *MemoryBroker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// DeadLetters returns a copy of the rejected tasks.
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// Pending returns the number of tasks waiting or in flight.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready) + len(b.inflight)
}

var _ Broker = (*MemoryBroker)(nil)
