package webrun

import (
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/UniQw/webrun/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// Executor runs one task to an outcome. Engine.Run satisfies it.
type Executor func(ctx context.Context, t *Task) RunResult

// SchedulerConfig tunes a Scheduler.
type SchedulerConfig struct {
	MaxConcurrent int
	// HistoryRetention prunes terminal tasks older than this; zero keeps them.
	HistoryRetention time.Duration
	// MaxHistory caps each terminal set; zero means unbounded.
	MaxHistory int
	// SweepEvery is the maintenance period.
	SweepEvery time.Duration
	// Redis and ExpiryIndexes enable the archive index cleaner.
	Redis         redis.UniversalClient
	ExpiryIndexes []string
	Events        Broadcaster
	// Publish announces the resolved terminal outcome of a run. It is called
	// once per terminal run, under the scheduler lock, so it must not block.
	Publish func(t *Task, res RunResult)
	Logger  Logger
	Metrics *Metrics
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Pending       int     `json:"pending"`
	Running       int     `json:"running"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Cancelled     int     `json:"cancelled"`
	Total         int     `json:"total"`
	MaxConcurrent int     `json:"max_concurrent"`
	Utilization   float64 `json:"utilization"`
}

// Scheduler admits tasks by priority and runs at most MaxConcurrent at once.
// A task is in exactly one of pending, running, completed, failed or
// cancelled.
type Scheduler struct {
	mu         sync.Mutex
	cfg        SchedulerConfig
	exec       Executor
	pool       *runtime.Runtime
	log        Logger
	pending    taskHeap
	all        map[string]*Task
	running    map[string]context.CancelFunc
	completed  map[string]*Task
	failed     map[string]*Task
	cancelled  map[string]*Task
	seq        uint64
	wake       chan struct{}
	onTerminal func(*Task)
}

// NewScheduler creates a scheduler that runs tasks with exec.
func NewScheduler(cfg SchedulerConfig, exec Executor) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	s := &Scheduler{
		cfg:       cfg,
		exec:      exec,
		log:       lg,
		all:       make(map[string]*Task),
		running:   make(map[string]context.CancelFunc),
		completed: make(map[string]*Task),
		failed:    make(map[string]*Task),
		cancelled: make(map[string]*Task),
		wake:      make(chan struct{}, 1),
	}
	s.pool = runtime.New(runtime.Config{
		Concurrency:   cfg.MaxConcurrent,
		SweepEvery:    cfg.SweepEvery,
		Sweep:         s.Sweep,
		Rdb:           cfg.Redis,
		ExpiryIndexes: cfg.ExpiryIndexes,
		Logger:        lg,
	})
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() { s.pool.Start() }

// Stop cancels running tasks and waits for them to finish. Pending tasks stay
// queued, as do tasks the pool accepted but never started. A task whose
// cancel was requested before it started ends cancelled.
func (s *Scheduler) Stop() {
	// stopping the pool cancels every started job through its AfterFunc
	s.pool.Stop()

	s.mu.Lock()
	var terminal []*Task
	for id := range s.running {
		delete(s.running, id)
		rec := s.all[id]
		switch {
		case rec == nil:
		case rec.cancel:
			rec.Status = StatusCancelled
			rec.Error = NewErrorRecord(CodeTaskCancelled, id, nil)
			rec.CompletedAt = time.Now().UnixMilli()
			s.cancelled[id] = rec
			s.emitStatus(id, StatusCancelled, "cancelled", "cancelled before start")
			terminal = append(terminal, rec.Clone())
		default:
			rec.Status = StatusPending
			rec.StartedAt = 0
			s.pushLocked(rec, false)
		}
	}
	s.updateGaugesLocked()
	fn := s.onTerminal
	s.mu.Unlock()

	if fn != nil {
		for _, t := range terminal {
			fn(t)
		}
	}
}

// OnTerminal registers fn to receive a snapshot of every task that reaches
// completed, failed or cancelled.
func (s *Scheduler) OnTerminal(fn func(*Task)) {
	s.mu.Lock()
	s.onTerminal = fn
	s.mu.Unlock()
}

// Wake is signalled whenever Dispatch may be able to make progress.
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit adds t to the pending set. It returns false when the id is already
// known. The scheduler keeps its own copy of t.
func (s *Scheduler) Submit(t *Task) bool {
	if t == nil || t.ID == "" {
		return false
	}
	s.mu.Lock()
	if _, ok := s.all[t.ID]; ok {
		s.mu.Unlock()
		return false
	}
	rec := t.Clone()
	rec.Status = StatusPending
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	s.all[rec.ID] = rec
	s.pushLocked(rec, true)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.cfg.Metrics.taskSubmitted()
	s.emitStatus(rec.ID, StatusPending, "queued", "waiting for a free slot")
	s.signal()
	return true
}

func (s *Scheduler) pushLocked(rec *Task, fresh bool) {
	if fresh {
		s.seq++
		rec.seq = s.seq
	}
	rec.queued = false
	heap.Push(&s.pending, rec)
}

// Next removes and returns the highest-priority pending task, oldest first
// among equals, or nil. The task must be handed to Run; if Run refuses it
// the task returns to pending at its original position.
func (s *Scheduler) Next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return nil
	}
	rec := heap.Pop(&s.pending).(*Task)
	rec.queued = true
	return rec.Clone()
}

// Run starts t if a slot is free. It returns false, leaving t pending, when
// the concurrency bound is reached or t is already running or finished.
func (s *Scheduler) Run(t *Task) bool {
	if t == nil {
		return false
	}
	s.mu.Lock()
	rec := s.all[t.ID]
	if rec == nil || rec.Status != StatusPending {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.running[rec.ID]; ok {
		s.mu.Unlock()
		return false
	}
	if len(s.running) >= s.cfg.MaxConcurrent {
		if rec.queued {
			s.pushLocked(rec, false)
		}
		s.mu.Unlock()
		return false
	}
	if rec.hidx >= 0 && !rec.queued {
		heap.Remove(&s.pending, rec.hidx)
	}
	ok := s.startLocked(rec)
	s.mu.Unlock()
	return ok
}

// Dispatch starts pending tasks until the bound is reached and returns how
// many were started.
func (s *Scheduler) Dispatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for len(s.running) < s.cfg.MaxConcurrent && s.pending.Len() > 0 {
		rec := heap.Pop(&s.pending).(*Task)
		if !s.startLocked(rec) {
			break
		}
		n++
	}
	return n
}

// startLocked hands rec, already out of the heap, to the pool. On failure rec
// goes back to pending.
func (s *Scheduler) startLocked(rec *Task) bool {
	ctx, cancel := context.WithCancel(context.Background())
	rec.queued = false
	rec.cancel = false
	rec.Status = StatusRunning
	rec.StartedAt = time.Now().UnixMilli()
	s.running[rec.ID] = cancel
	snapshot := rec.Clone()

	err := s.pool.Submit(func(poolCtx context.Context) {
		if poolCtx.Err() != nil {
			// picked up during shutdown; Stop puts it back in pending
			return
		}
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()
		defer cancel()
		s.finish(snapshot.ID, s.safeExec(ctx, snapshot))
	})
	if err != nil {
		s.log.Warnf("pool refused task: id=%s err=%v", rec.ID, err)
		cancel()
		delete(s.running, rec.ID)
		rec.Status = StatusPending
		rec.StartedAt = 0
		s.pushLocked(rec, false)
		return false
	}
	s.log.Debugf("task started: id=%s priority=%s", rec.ID, rec.Priority)
	s.updateGaugesLocked()
	return true
}

func (s *Scheduler) safeExec(ctx context.Context, t *Task) (res RunResult) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Errorf("executor panic: id=%s panic=%v", t.ID, p)
			res = RunResult{Status: StatusFailed, Error: NewErrorRecord(CodeUnknown, t.ID, fmt.Errorf("panic: %v", p))}
		}
	}()
	return s.exec(ctx, t)
}

func (s *Scheduler) finish(id string, res RunResult) {
	s.mu.Lock()
	delete(s.running, id)
	rec := s.all[id]
	if rec == nil {
		s.mu.Unlock()
		return
	}
	now := time.Now().UnixMilli()
	if rec.cancel && res.Status != StatusCompleted && res.Status != StatusCancelled {
		s.log.Debugf("cancel overrides outcome: id=%s status=%s", id, res.Status)
		res.Status = StatusCancelled
		res.Error = NewErrorRecord(CodeTaskCancelled, id, context.Canceled)
	}

	var terminal *Task
	switch res.Status {
	case StatusCompleted:
		rec.Status = StatusCompleted
		rec.Result = res.Result
		rec.Error = nil
		rec.CompletedAt = now
		s.completed[id] = rec
		terminal = rec.Clone()
	case StatusCancelled:
		rec.Status = StatusCancelled
		rec.Error = res.Error
		if rec.Error == nil {
			rec.Error = NewErrorRecord(CodeTaskCancelled, id, nil)
		}
		rec.CompletedAt = now
		s.cancelled[id] = rec
		terminal = rec.Clone()
	default:
		rec.Error = res.Error
		if rec.Error == nil {
			rec.Error = NewErrorRecord(CodeTaskFailed, id, nil)
		}
		if rec.Retry < rec.MaxRetry {
			rec.Retry++
			rec.Status = StatusPending
			rec.StartedAt = 0
			s.pushLocked(rec, true)
			s.log.Infof("task requeued: id=%s retry=%d/%d", id, rec.Retry, rec.MaxRetry)
			s.emitStatus(id, StatusPending, "retrying", "retry scheduled after: "+rec.Error.Error())
		} else {
			rec.Status = StatusFailed
			rec.CompletedAt = now
			s.failed[id] = rec
			terminal = rec.Clone()
		}
	}
	if terminal != nil && s.cfg.Publish != nil {
		res.Error = terminal.Error
		s.cfg.Publish(terminal, res)
	}
	s.updateGaugesLocked()
	fn := s.onTerminal
	s.mu.Unlock()

	if terminal != nil && fn != nil {
		fn(terminal)
	}
	s.signal()
}

// Cancel removes a pending task at once, or asks a running one to stop at
// its next check point. It returns false for unknown or finished tasks.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	rec := s.all[id]
	if rec == nil {
		s.mu.Unlock()
		return false
	}
	if cancel, ok := s.running[id]; ok {
		if rec.cancel {
			s.mu.Unlock()
			return false
		}
		rec.cancel = true
		cancel()
		s.mu.Unlock()
		s.log.Infof("task cancel requested: id=%s", id)
		return true
	}
	if rec.Status != StatusPending {
		s.mu.Unlock()
		return false
	}
	if rec.hidx >= 0 && !rec.queued {
		heap.Remove(&s.pending, rec.hidx)
	}
	rec.queued = false
	rec.Status = StatusCancelled
	rec.Error = NewErrorRecord(CodeTaskCancelled, id, nil)
	rec.CompletedAt = time.Now().UnixMilli()
	s.cancelled[id] = rec
	terminal := rec.Clone()
	s.updateGaugesLocked()
	fn := s.onTerminal
	s.mu.Unlock()

	s.emitStatus(id, StatusCancelled, "task cancelled", "cancelled before start")
	if fn != nil {
		fn(terminal)
	}
	return true
}

// Retry moves a failed task back to pending with its retry counter and
// error cleared.
func (s *Scheduler) Retry(id string) bool {
	s.mu.Lock()
	rec, ok := s.failed[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.failed, id)
	rec.Retry = 0
	rec.Error = nil
	rec.Result = nil
	rec.StartedAt = 0
	rec.CompletedAt = 0
	rec.Status = StatusPending
	s.pushLocked(rec, true)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.emitStatus(id, StatusPending, "retrying", "manual retry")
	s.signal()
	return true
}

// Stats returns the set sizes and pool utilization.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Pending:       len(s.all) - len(s.running) - len(s.completed) - len(s.failed) - len(s.cancelled),
		Running:       len(s.running),
		Completed:     len(s.completed),
		Failed:        len(s.failed),
		Cancelled:     len(s.cancelled),
		Total:         len(s.all),
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
	st.Utilization = float64(st.Running) / float64(s.cfg.MaxConcurrent)
	return st
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.all[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns snapshots of tasks in status (all when empty), newest first.
// A limit of zero or less means no limit.
func (s *Scheduler) List(status Status, limit int) []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.all))
	for _, rec := range s.all {
		if status == "" || rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b *Task) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Sweep prunes terminal tasks past the retention window and trims each
// terminal set to MaxHistory.
func (s *Scheduler) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range []map[string]*Task{s.completed, s.failed, s.cancelled} {
		if s.cfg.HistoryRetention > 0 {
			cutoff := now.Add(-s.cfg.HistoryRetention).UnixMilli()
			for id, rec := range set {
				if rec.CompletedAt > 0 && rec.CompletedAt < cutoff {
					delete(set, id)
					delete(s.all, id)
				}
			}
		}
		if s.cfg.MaxHistory > 0 && len(set) > s.cfg.MaxHistory {
			recs := make([]*Task, 0, len(set))
			for _, rec := range set {
				recs = append(recs, rec)
			}
			slices.SortFunc(recs, func(a, b *Task) int { return cmp.Compare(a.CompletedAt, b.CompletedAt) })
			for _, rec := range recs[:len(recs)-s.cfg.MaxHistory] {
				delete(set, rec.ID)
				delete(s.all, rec.ID)
			}
		}
	}
}

func (s *Scheduler) updateGaugesLocked() {
	pending := len(s.all) - len(s.running) - len(s.completed) - len(s.failed) - len(s.cancelled)
	s.cfg.Metrics.queueSizes(pending, len(s.running))
}

func (s *Scheduler) emitStatus(id string, st Status, current, msg string) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Broadcast(NewEvent(EventStatus, id, StatusPayload{
		TaskID: id, Status: st, CurrentAction: current, Message: msg,
	}))
}

// taskHeap orders by priority descending, then submission order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].hidx = i
	h[j].hidx = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.hidx = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.hidx = -1
	*h = old[:n-1]
	return t
}
