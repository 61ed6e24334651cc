package transport

import (
	"container/list"
	"context"
	"sync"
)

// admission bounds the number of in-flight requests per host.
//
// Requests beyond the limit wait in a per-host FIFO queue; permits are handed
// directly to the oldest waiter on release so arrival order is preserved.
type admission struct {
	limit    int
	maxQueue int

	mu    sync.Mutex
	hosts map[string]*hostQueue
}

type hostQueue struct {
	active  int
	waiters list.List // of chan struct{}
}

func newAdmission(limit, maxQueue int) *admission {
	if limit <= 0 {
		limit = 1
	}
	return &admission{
		limit:    limit,
		maxQueue: maxQueue,
		hosts:    make(map[string]*hostQueue),
	}
}

// acquire waits for a permit for host. The returned release must be called
// exactly once.
func (a *admission) acquire(ctx context.Context, host string) (func(), error) {
	a.mu.Lock()
	q, ok := a.hosts[host]
	if !ok {
		q = &hostQueue{}
		a.hosts[host] = q
	}
	if q.active < a.limit && q.waiters.Len() == 0 {
		q.active++
		a.mu.Unlock()
		return a.releaser(host), nil
	}
	if a.maxQueue > 0 && q.waiters.Len() >= a.maxQueue {
		a.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	ch := make(chan struct{})
	elem := q.waiters.PushBack(ch)
	a.mu.Unlock()

	select {
	case <-ch:
		return a.releaser(host), nil
	case <-ctx.Done():
		a.mu.Lock()
		select {
		case <-ch:
			// granted while we were giving up: pass the permit on
			a.mu.Unlock()
			a.releaser(host)()
		default:
			q.waiters.Remove(elem)
			a.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

func (a *admission) releaser(host string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { a.release(host) })
	}
}

func (a *admission) release(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	q, ok := a.hosts[host]
	if !ok {
		return
	}
	if front := q.waiters.Front(); front != nil {
		q.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	q.active--
	if q.active <= 0 {
		delete(a.hosts, host)
	}
}

// queued returns the number of requests waiting for host.
func (a *admission) queued(host string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q, ok := a.hosts[host]; ok {
		return q.waiters.Len()
	}
	return 0
}

// inFlight returns the number of permits held for host.
func (a *admission) inFlight(host string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q, ok := a.hosts[host]; ok {
		return q.active
	}
	return 0
}
