package user

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/wesleyorama2/volley/internal/scenario"
)

// Gauge receives the number of running users.
type Gauge interface {
	SetActiveUsers(n int)
}

// Options configures a Scheduler.
type Options struct {
	// UserKey maps a user ID to its cache key; nil means every user shares
	// the global entries.
	UserKey func(id int64) string

	// OnExit is called with the user key once a user has stopped, so per-user
	// cache entries and connections can be released.
	OnExit func(key string)

	// Gauges are updated whenever the number of running users changes.
	Gauges []Gauge

	Clock  clock.Clock
	Logger zerolog.Logger
}

// Scheduler manages the lifecycle of virtual users.
type Scheduler struct {
	scenario *scenario.Scenario
	exec     scenario.Executor
	opts     Options
	clock    clock.Clock
	log      zerolog.Logger

	users   map[int64]*VirtualUser
	usersMu sync.RWMutex
	nextID  atomic.Int64
	active  atomic.Int64

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewScheduler creates a scheduler running sc through exec.
func NewScheduler(sc *scenario.Scenario, exec scenario.Executor, opts Options) *Scheduler {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		scenario:   sc,
		exec:       exec,
		opts:       opts,
		clock:      clk,
		log:        opts.Logger,
		users:      make(map[int64]*VirtualUser),
		shutdownCh: make(chan struct{}),
	}
}

// SpawnUser creates and registers a new user. The caller runs it with RunUser.
func (s *Scheduler) SpawnUser() *VirtualUser {
	id := s.nextID.Add(1)
	key := ""
	if s.opts.UserKey != nil {
		key = s.opts.UserKey(id)
	}
	vu := NewVirtualUser(id, key, s.scenario, s.exec)

	s.usersMu.Lock()
	s.users[id] = vu
	s.usersMu.Unlock()
	return vu
}

// GetUser returns a user by ID, or nil if not found.
func (s *Scheduler) GetUser(id int64) *VirtualUser {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return s.users[id]
}

// ActiveCount returns the number of users currently inside RunUser.
func (s *Scheduler) ActiveCount() int {
	return int(s.active.Load())
}

// RunUser runs iterations of vu until it is stopped, ctx ends, or it has run
// iterations times (0 means no limit). Pacing is the pause between
// iterations. On return the user is stopped and its per-user state released.
func (s *Scheduler) RunUser(ctx context.Context, vu *VirtualUser, iterations int, pacing time.Duration) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.changeActive(1)
	defer s.exit(vu)

	for n := 0; iterations == 0 || n < iterations; n++ {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		default:
		}
		if st := vu.GetState(); st == StateStopping || st == StateStopped {
			return
		}

		if err := vu.RunIteration(ctx); err != nil {
			s.log.Debug().Err(err).Int64("user", vu.ID).Msg("Iteration interrupted")
			return
		}

		if pacing > 0 && (iterations == 0 || n < iterations-1) {
			t := s.clock.Timer(pacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-s.shutdownCh:
				t.Stop()
				return
			case <-vu.stopCh:
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (s *Scheduler) exit(vu *VirtualUser) {
	vu.markStopped()
	s.usersMu.Lock()
	delete(s.users, vu.ID)
	s.usersMu.Unlock()

	if key := vu.Key(); key != "" && s.opts.OnExit != nil {
		s.opts.OnExit(key)
	}
	s.changeActive(-1)
	s.log.Debug().
		Int64("user", vu.ID).
		Int64("iterations", vu.Iterations()).
		Int64("failures", vu.Failures()).
		Msg("User stopped")
}

func (s *Scheduler) changeActive(delta int64) {
	n := int(s.active.Add(delta))
	for _, g := range s.opts.Gauges {
		g.SetActiveUsers(n)
	}
}

// StopAll asks every user to stop.
func (s *Scheduler) StopAll() {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	for _, vu := range s.users {
		vu.RequestStop()
	}
}

// Wait blocks until every running user has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Shutdown stops all users and waits up to timeout for them to return.
// It reports whether every user stopped in time.
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	s.StopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	t := s.clock.Timer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
