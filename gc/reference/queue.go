package reference

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Queue.Remove when no reference arrived in time.
var ErrTimeout = errors.New("reference: queue remove timed out")

// Queue receives cleared references.
// The zero value is an empty queue.
type Queue struct {
	mu   sync.Mutex
	head *Reference
	tail *Reference
	n    int

	// ready is closed and replaced whenever a reference is pushed.
	ready chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) readyLocked() chan struct{} {
	if q.ready == nil {
		q.ready = make(chan struct{})
	}
	return q.ready
}

func (q *Queue) push(r *Reference) {
	q.mu.Lock()
	r.next = nil
	if q.tail != nil {
		q.tail.next = r
	} else {
		q.head = r
	}
	q.tail = r
	q.n++
	if q.ready != nil {
		close(q.ready)
		q.ready = nil
	}
	q.mu.Unlock()
}

func (q *Queue) popLocked() *Reference {
	r := q.head
	if r == nil {
		return nil
	}
	q.head = r.next
	if q.head == nil {
		q.tail = nil
	}
	r.next = nil
	q.n--
	return r
}

// Poll removes the first reference without waiting. It returns nil if the
// queue is empty.
func (q *Queue) Poll() *Reference {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Len returns the number of references in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Remove waits up to timeout for a reference. A timeout of 0 waits forever.
// It returns ErrTimeout when the time is up.
func (q *Queue) Remove(timeout time.Duration) (*Reference, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	r, err := q.RemoveContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return r, err
}

// RemoveContext waits for a reference until ctx is done.
func (q *Queue) RemoveContext(ctx context.Context) (*Reference, error) {
	for {
		q.mu.Lock()
		if r := q.popLocked(); r != nil {
			q.mu.Unlock()
			return r, nil
		}
		ready := q.readyLocked()
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Wait blocks until the queue holds a reference or ctx is done. It does not
// remove the reference.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.head != nil {
			q.mu.Unlock()
			return nil
		}
		ready := q.readyLocked()
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// visit calls fn for every queued reference, in order.
func (q *Queue) visit(fn func(r *Reference)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for r := q.head; r != nil; r = r.next {
		fn(r)
	}
}
