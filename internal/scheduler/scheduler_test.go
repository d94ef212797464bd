package scheduler

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
)

// recorder is an invoker that logs tasks and completes them after an
// optional hold, mimicking a busy sandbox pool.
type recorder struct {
	mu    sync.Mutex
	tasks []Task
	hold  time.Duration
}

func (r *recorder) invoke(t Task, done func(error)) {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	if r.hold > 0 {
		go func() {
			time.Sleep(r.hold)
			done(nil)
		}()
		return
	}
	done(nil)
}

func (r *recorder) snapshot() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

func newTestScheduler(t *testing.T, rec *recorder, cfg config.SchedulerConfig) *Scheduler {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour // keep ticks out of callout tests
	}
	s := New(cfg, rec.invoke, zap.NewNop())
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestCallOutsFireInIDOrder(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec, config.SchedulerConfig{})

	id1 := s.CallOut("/std/torch#1", "burn_down", 0, nil)
	id2 := s.CallOut("/std/torch#2", "burn_down", 0, "oil")
	id3 := s.CallOut("/std/torch#3", "burn_down", 0, nil)

	time.Sleep(200 * time.Millisecond)
	tasks := rec.snapshot()
	if len(tasks) != 3 {
		t.Fatalf("fired %d tasks, want 3", len(tasks))
	}
	if tasks[0].ID != id1 || tasks[1].ID != id2 || tasks[2].ID != id3 {
		t.Fatalf("fire order = %d, %d, %d", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
	if !(id1 < id2 && id2 < id3) {
		t.Fatalf("ids not strictly increasing: %d, %d, %d", id1, id2, id3)
	}
	if tasks[1].Payload != "oil" || tasks[1].Kind != KindCallout {
		t.Fatalf("task payload/kind mangled: %+v", tasks[1])
	}
}

func TestNegativeDelayClampsToNow(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec, config.SchedulerConfig{})

	s.CallOut("/std/bomb#1", "explode", -5*time.Second, nil)
	time.Sleep(150 * time.Millisecond)
	if len(rec.snapshot()) != 1 {
		t.Fatal("clamped callout did not fire promptly")
	}
}

func TestRemoveCallOut(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec, config.SchedulerConfig{})

	id := s.CallOut("/std/bomb#1", "explode", 100*time.Millisecond, nil)
	if !s.RemoveCallOut(id) {
		t.Fatal("RemoveCallOut on pending entry = false")
	}
	if s.RemoveCallOut(id) {
		t.Fatal("second RemoveCallOut = true")
	}
	time.Sleep(250 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("cancelled callout fired: %+v", got)
	}

	// Ids keep increasing past removed entries.
	next := s.CallOut("/std/bomb#2", "explode", 0, nil)
	if next <= id {
		t.Fatalf("id reuse: %d after %d", next, id)
	}
}

func TestHeartbeatTicksSubscribers(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec, config.SchedulerConfig{HeartbeatInterval: 20 * time.Millisecond})

	s.SetHeartbeat("/std/guard#1", true)
	s.SetHeartbeat("/std/guard#1", true) // idempotent
	if hb, _ := s.Stats(); hb != 1 {
		t.Fatalf("double subscribe left %d subscriptions", hb)
	}

	time.Sleep(150 * time.Millisecond)
	s.SetHeartbeat("/std/guard#1", false)
	time.Sleep(60 * time.Millisecond)

	n := 0
	for _, task := range rec.snapshot() {
		if task.Kind != KindHeartbeat || task.Object != "/std/guard#1" || task.Func != "heart_beat" {
			t.Fatalf("unexpected task %+v", task)
		}
		n++
	}
	if n < 2 {
		t.Fatalf("heartbeat fired %d times in 150ms at 20ms interval", n)
	}

	after := len(rec.snapshot())
	time.Sleep(100 * time.Millisecond)
	if len(rec.snapshot()) != after {
		t.Fatal("unsubscribed object kept beating")
	}
}

func TestBlockedInvokerQueuesCallouts(t *testing.T) {
	rec := &recorder{}
	gate := make(chan struct{})
	blocked := func(task Task, done func(error)) {
		<-gate
		rec.invoke(task, done)
	}
	s := New(config.SchedulerConfig{HeartbeatInterval: time.Hour}, blocked, zap.NewNop())
	s.Start()
	t.Cleanup(s.Stop)
	var once sync.Once
	open := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(open) // unblock the loop before Stop waits on it

	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, s.CallOut("/std/busy#1", "tick", 0, nil))
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("%d tasks ran with no capacity free", n)
	}

	open()
	time.Sleep(200 * time.Millisecond)
	tasks := rec.snapshot()
	if len(tasks) != 5 {
		t.Fatalf("fired %d of 5 queued callouts", len(tasks))
	}
	for i, task := range tasks {
		if task.ID != ids[i] {
			t.Fatalf("fire order broke at %d: got id %d, want %d", i, task.ID, ids[i])
		}
	}
}

func TestHeartbeatCoalescesPerObject(t *testing.T) {
	rec := &recorder{hold: 300 * time.Millisecond}
	s := newTestScheduler(t, rec, config.SchedulerConfig{HeartbeatInterval: 20 * time.Millisecond})

	s.SetHeartbeat("/std/slow#1", true)
	time.Sleep(200 * time.Millisecond)

	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("slow subscriber got %d overlapping beats, want 1", n)
	}
}

func TestAutoSaveReschedulesItself(t *testing.T) {
	rec := &recorder{}
	newTestScheduler(t, rec, config.SchedulerConfig{AutoSaveInterval: 30 * time.Millisecond})

	time.Sleep(160 * time.Millisecond)
	saves := 0
	for _, task := range rec.snapshot() {
		if task.Kind == KindAutoSave {
			saves++
		}
	}
	if saves < 2 {
		t.Fatalf("autosave fired %d times in 160ms at 30ms interval", saves)
	}
}

func TestPruneObjectDropsSchedules(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, rec, config.SchedulerConfig{HeartbeatInterval: 20 * time.Millisecond})

	s.SetHeartbeat("/std/gone#1", true)
	s.CallOut("/std/gone#1", "tick", 80*time.Millisecond, nil)
	s.PruneObject("/std/gone#1")

	time.Sleep(200 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("pruned object still scheduled: %+v", got)
	}
	if hb, pending := s.Stats(); hb != 0 || pending != 0 {
		t.Fatalf("Stats after prune = (%d, %d)", hb, pending)
	}
}

func TestResetPass(t *testing.T) {
	rec := &recorder{}
	cfg := config.SchedulerConfig{HeartbeatInterval: time.Hour, ResetInterval: 40 * time.Millisecond}
	s := New(cfg, rec.invoke, zap.NewNop())
	s.SetResetLister(func() []string { return []string{"/room/start", "/std/chest#2"} })
	s.Start()
	t.Cleanup(s.Stop)

	time.Sleep(120 * time.Millisecond)
	seen := map[string]int{}
	for _, task := range rec.snapshot() {
		if task.Kind != KindReset || task.Func != "reset" {
			t.Fatalf("unexpected task %+v", task)
		}
		seen[task.Object]++
	}
	if seen["/room/start"] == 0 || seen["/std/chest#2"] == 0 {
		t.Fatalf("reset pass missed targets: %v", seen)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	rec := &recorder{}
	s := New(config.SchedulerConfig{HeartbeatInterval: time.Hour}, rec.invoke, zap.NewNop())

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	// Restart still dispatches.
	s.Start()
	defer s.Stop()
	s.CallOut("/std/x#1", "go", 0, nil)
	time.Sleep(150 * time.Millisecond)
	if len(rec.snapshot()) != 1 {
		t.Fatal("scheduler dead after restart")
	}
}
