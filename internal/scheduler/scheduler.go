// Package scheduler drives the driver's time-based callbacks: the fixed
// heartbeat tick, one-shot callouts, periodic resets, and the auto-save
// timer. It owns no script state; every due task is handed to a single
// invoker callback supplied by the driver.
package scheduler

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
)

// Kind tags what a dispatched task is.
type Kind int

const (
	KindHeartbeat Kind = iota
	KindCallout
	KindReset
	KindAutoSave
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindCallout:
		return "callout"
	case KindReset:
		return "reset"
	default:
		return "autosave"
	}
}

// Task is one due invocation.
type Task struct {
	Kind    Kind
	Object  string
	Func    string
	Payload any
	ID      uint64
}

// InvokeFunc runs a task. The call may block until execution capacity is
// available; that blocking is the scheduler's backpressure. The invoker
// must call done exactly once when the task finishes, from any goroutine.
type InvokeFunc func(t Task, done func(error))

// Scheduler is the single dispatch loop behind heartbeats and callouts.
// Start and Stop are idempotent.
type Scheduler struct {
	log    *zap.Logger
	invoke InvokeFunc

	heartbeatEvery time.Duration
	autoSaveEvery  time.Duration
	resetEvery     time.Duration

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	wakeCh   chan struct{}
	subs     map[string]struct{}
	inflight map[string]struct{}
	pending  calloutHeap
	byID     map[uint64]*callout
	nextID   uint64

	resetList func() []string
}

func New(cfg config.SchedulerConfig, invoke InvokeFunc, log *zap.Logger) *Scheduler {
	return &Scheduler{
		log:            log,
		invoke:         invoke,
		heartbeatEvery: cfg.HeartbeatInterval,
		autoSaveEvery:  cfg.AutoSaveInterval,
		resetEvery:     cfg.ResetInterval,
		subs:           make(map[string]struct{}),
		inflight:       make(map[string]struct{}),
		byID:           make(map[uint64]*callout),
		wakeCh:         make(chan struct{}, 1),
	}
}

// SetResetLister installs the provider of reset-pass targets. Must be set
// before Start when resets are enabled.
func (s *Scheduler) SetResetLister(fn func() []string) {
	s.mu.Lock()
	s.resetList = fn
	s.mu.Unlock()
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	if s.autoSaveEvery > 0 && !s.hasInternalLocked() {
		s.pushLocked(s.autoSaveEvery, Task{Kind: KindAutoSave}, true)
	}
	go s.loop(s.stopCh, s.doneCh)
	s.log.Info("scheduler started",
		zap.Duration("heartbeat", s.heartbeatEvery),
		zap.Duration("autosave", s.autoSaveEvery),
		zap.Duration("reset", s.resetEvery))
}

// Stop halts dispatch and waits for the loop to exit. Tasks already handed
// to the invoker keep running; pending callouts stay queued for a later
// Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stop)
	<-done
	s.log.Info("scheduler stopped")
}

// SetHeartbeat subscribes or unsubscribes an object. Resubscribing is a
// no-op; unsubscribe takes effect at the next tick.
func (s *Scheduler) SetHeartbeat(path string, on bool) {
	s.mu.Lock()
	if on {
		s.subs[path] = struct{}{}
	} else {
		delete(s.subs, path)
	}
	s.mu.Unlock()
}

// Subscribed reports whether path currently receives heartbeats.
func (s *Scheduler) Subscribed(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[path]
	return ok
}

// CallOut schedules fn on the object after delay. Negative delays clamp to
// zero. Ids are strictly increasing and never reused.
func (s *Scheduler) CallOut(object, fn string, delay time.Duration, payload any) uint64 {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	id := s.pushLocked(delay, Task{Kind: KindCallout, Object: object, Func: fn, Payload: payload}, false)
	s.mu.Unlock()
	s.kick()
	return id
}

// RemoveCallOut cancels a pending callout. Best effort: an entry the loop
// has already selected still fires. Driver-internal entries are untouchable.
func (s *Scheduler) RemoveCallOut(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.internal || c.cancel {
		return false
	}
	c.cancel = true
	delete(s.byID, id)
	return true
}

// PruneObject drops every schedule tied to a destructed object.
func (s *Scheduler) PruneObject(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, path)
	for id, c := range s.byID {
		if c.object == path && !c.internal {
			c.cancel = true
			delete(s.byID, id)
		}
	}
}

// Stats reports subscription and queue sizes for the stats efuns.
func (s *Scheduler) Stats() (heartbeats, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs), len(s.byID)
}

func (s *Scheduler) hasInternalLocked() bool {
	for _, c := range s.byID {
		if c.internal {
			return true
		}
	}
	return false
}

func (s *Scheduler) pushLocked(delay time.Duration, t Task, internal bool) uint64 {
	s.nextID++
	c := &callout{
		id:       s.nextID,
		due:      time.Now().Add(delay),
		object:   t.Object,
		fn:       t.Func,
		payload:  t.Payload,
		internal: internal,
	}
	heap.Push(&s.pending, c)
	s.byID[c.id] = c
	return c.id
}

// kick nudges the loop to re-arm its callout timer.
func (s *Scheduler) kick() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	tick := time.NewTicker(s.heartbeatEvery)
	defer tick.Stop()

	var resetC <-chan time.Time
	if s.resetEvery > 0 {
		rt := time.NewTicker(s.resetEvery)
		defer rt.Stop()
		resetC = rt.C
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.rearm(timer)
		select {
		case <-stop:
			return
		case <-tick.C:
			s.heartbeatPass()
			s.drainDue()
		case <-resetC:
			s.resetPass()
		case <-timer.C:
			s.drainDue()
		case <-s.wakeCh:
			s.drainDue()
		}
	}
}

// rearm points the callout timer at the next pending due time, or far out
// when the queue is idle.
func (s *Scheduler) rearm(timer *time.Timer) {
	s.mu.Lock()
	d := time.Hour
	if len(s.pending) > 0 {
		d = time.Until(s.pending[0].due)
		if d < 0 {
			d = 0
		}
	}
	s.mu.Unlock()

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// drainDue pops and dispatches every due callout in (due, id) order. The
// invoker may block; queued entries simply wait their turn.
func (s *Scheduler) drainDue() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.pending[0].due.After(time.Now()) {
			s.mu.Unlock()
			return
		}
		c := heap.Pop(&s.pending).(*callout)
		if c.cancel {
			s.mu.Unlock()
			continue
		}
		delete(s.byID, c.id)
		t := Task{Kind: KindCallout, Object: c.object, Func: c.fn, Payload: c.payload, ID: c.id}
		if c.internal {
			t.Kind = KindAutoSave
			// The auto-save timer is a callout that re-schedules itself.
			s.pushLocked(s.autoSaveEvery, Task{Kind: KindAutoSave}, true)
		}
		s.mu.Unlock()

		s.invoke(t, func(err error) {
			if err != nil {
				s.log.Warn("scheduled task failed",
					zap.Stringer("kind", t.Kind),
					zap.String("object", t.Object),
					zap.String("func", t.Func),
					zap.Uint64("id", t.ID),
					zap.Error(err))
			}
		})
	}
}

// heartbeatPass dispatches one tick to every subscriber, skipping objects
// whose previous beat is still running.
func (s *Scheduler) heartbeatPass() {
	s.mu.Lock()
	batch := make([]string, 0, len(s.subs))
	for path := range s.subs {
		if _, busy := s.inflight[path]; busy {
			continue
		}
		s.inflight[path] = struct{}{}
		batch = append(batch, path)
	}
	s.mu.Unlock()
	sort.Strings(batch)

	for _, path := range batch {
		p := path
		s.invoke(Task{Kind: KindHeartbeat, Object: p, Func: "heart_beat"}, func(err error) {
			s.mu.Lock()
			delete(s.inflight, p)
			s.mu.Unlock()
			if err != nil {
				s.log.Warn("heartbeat failed", zap.String("object", p), zap.Error(err))
			}
		})
	}
}

// resetPass dispatches reset() across whatever the lister nominates.
func (s *Scheduler) resetPass() {
	s.mu.Lock()
	lister := s.resetList
	s.mu.Unlock()
	if lister == nil {
		return
	}
	for _, path := range lister() {
		p := path
		s.invoke(Task{Kind: KindReset, Object: p, Func: "reset"}, func(err error) {
			if err != nil {
				s.log.Warn("reset failed", zap.String("object", p), zap.Error(err))
			}
		})
	}
}
