package rpc

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// CompletionFunc receives either the decoded response or the error that ended
// the request.
type CompletionFunc func(response interface{}, err error)

// PendingRequest is a request that was sent and has not been answered yet.
type PendingRequest struct {
	ID       int32
	Expected *Type
	SentAt   time.Time

	onComplete CompletionFunc

	// timer is nil when the request never times out
	timer *time.Timer
}

// Finish runs the completion callback. Only the caller that removed the
// request from its table may call it, which is what makes it run once.
func (p *PendingRequest) Finish(response interface{}, err error) {
	if p.onComplete != nil {
		p.onComplete(response, err)
	}
}

func (p *PendingRequest) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// PendingTable tracks requests waiting for a response.
//
// A request leaves the table exactly once: when its response arrives, when its
// timeout fires, or when the table is failed as a whole. Whoever removes it
// runs its completion callback, everyone else finds nothing and does nothing.
// Callbacks always run outside the table's lock.
type PendingTable struct {
	mu       sync.Mutex
	requests map[int32]*PendingRequest

	// closed is set by FailAll, after which Add is refused
	closed error
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		requests: make(map[int32]*PendingRequest),
	}
}

// Add starts tracking a request. A positive timeout starts a timer that fails
// the request with CodeTimeout, any other timeout waits forever.
func (t *PendingTable) Add(id int32, expected *Type, timeout time.Duration, onComplete CompletionFunc) error {
	p := &PendingRequest{
		ID:         id,
		Expected:   expected,
		SentAt:     time.Now(),
		onComplete: onComplete,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return t.closed
	}

	if _, exists := t.requests[id]; exists {
		return fmt.Errorf("Request %d: %w", id, ErrDuplicateID)
	}

	t.requests[id] = p

	// The timer is armed while holding the lock, so expire can't observe the
	// request before it's fully registered
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			t.expire(p, timeout)
		})
	}

	return nil
}

// Take removes the request with id and stops its timer. The caller is then
// responsible for finishing it.
func (t *PendingTable) Take(id int32) (*PendingRequest, bool) {
	t.mu.Lock()
	p, ok := t.requests[id]
	if ok {
		delete(t.requests, id)
	}
	t.mu.Unlock()

	if ok {
		p.stopTimer()
	}

	return p, ok
}

// Complete finishes the request with id. It reports false if nobody was
// waiting for it, e.g. because it already timed out.
func (t *PendingTable) Complete(id int32, response interface{}, err error) bool {
	p, ok := t.Take(id)
	if !ok {
		return false
	}

	p.Finish(response, err)
	return true
}

// Fail finishes the request with id with err.
func (t *PendingTable) Fail(id int32, err error) bool {
	return t.Complete(id, nil, err)
}

// FailAll finishes every request with err and refuses new ones from then on.
// It returns the number of requests it failed.
func (t *PendingTable) FailAll(err error) int {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = err
	}

	requests := t.requests
	t.requests = make(map[int32]*PendingRequest)
	t.mu.Unlock()

	// Fail in id order so callers see a deterministic sequence
	ids := make([]int32, 0, len(requests))
	for id := range requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := requests[id]
		p.stopTimer()
		p.Finish(nil, err)
	}

	return len(ids)
}

// Len returns the number of requests waiting for a response.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.requests)
}

// IDs returns the ids of the requests waiting for a response, sorted.
func (t *PendingTable) IDs() []int32 {
	t.mu.Lock()
	ids := make([]int32, 0, len(t.requests))
	for id := range t.requests {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *PendingTable) expire(p *PendingRequest, timeout time.Duration) {
	t.mu.Lock()
	current, ok := t.requests[p.ID]
	if ok && current == p {
		delete(t.requests, p.ID)
	}
	t.mu.Unlock()

	// A response, or a new request reusing the id, got there first
	if !ok || current != p {
		return
	}

	p.Finish(nil, fmt.Errorf("Request %d got no response after %s: %w", p.ID, timeout, CodeTimeout))
}
