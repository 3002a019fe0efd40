package webrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ServerConfig defines the configuration for a webrun server.
type ServerConfig struct {
	// MaxConcurrent bounds the number of tasks running at once.
	MaxConcurrent int
	// MaxRetries is the default automatic retry budget of a task.
	MaxRetries int
	// HistoryRetention prunes finished tasks from memory after this long.
	HistoryRetention time.Duration
	// MaxHistory caps each in-memory terminal set.
	MaxHistory int
	// DispatchEvery is the fallback period of the dispatch loop.
	DispatchEvery time.Duration

	Engine EngineConfig
	Batch  BatchConfig
	Hub    HubConfig

	// Launcher starts workers. When nil a ProcessLauncher for Process is used.
	Launcher Launcher
	Process  ProcessConfig

	// Redis, when set, enables the task archive and event forwarding.
	Redis            redis.UniversalClient
	ArchiveRetention time.Duration

	Mux     *Mux
	Metrics *Metrics
	// Logger is the logger used for server events.
	Logger Logger
}

// Server wires the scheduler, engine, hub and log batcher together and is
// the facade a transport talks to.
type Server struct {
	cfg       ServerConfig
	sched     *Scheduler
	engine    *Engine
	hub       *Hub
	logs      *LogBatcher
	mux       *Mux
	archive   *Archive
	forwarder *RedisForwarder
	log       Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new webrun server.
func NewServer(cfg ServerConfig) *Server {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	if cfg.DispatchEvery <= 0 {
		cfg.DispatchEvery = 100 * time.Millisecond
	}
	mux := cfg.Mux
	if mux == nil {
		mux = NewDefaultMux()
	}
	if cfg.Metrics != nil {
		mux.Use(cfg.Metrics.Middleware())
	}

	hc := cfg.Hub
	if hc.Logger == nil {
		hc.Logger = l
	}
	if hc.Metrics == nil {
		hc.Metrics = cfg.Metrics
	}
	hub := NewHub(hc)

	bc := cfg.Batch
	if bc.Metrics == nil {
		bc.Metrics = cfg.Metrics
	}
	logs := NewLogBatcher(hub, bc)

	launcher := cfg.Launcher
	if launcher == nil {
		pc := cfg.Process
		if pc.Logger == nil {
			pc.Logger = l
		}
		launcher = NewProcessLauncher(pc, cfg.Metrics)
	}

	ec := cfg.Engine
	if ec.Logger == nil {
		ec.Logger = l
	}
	if ec.Metrics == nil {
		ec.Metrics = cfg.Metrics
	}
	engine := NewEngine(launcher, mux, hub, logs, ec)

	s := &Server{cfg: cfg, engine: engine, hub: hub, logs: logs, mux: mux, log: l}

	sc := SchedulerConfig{
		MaxConcurrent:    cfg.MaxConcurrent,
		HistoryRetention: cfg.HistoryRetention,
		MaxHistory:       cfg.MaxHistory,
		Events:           hub,
		Publish:          engine.Publish,
		Logger:           l,
		Metrics:          cfg.Metrics,
	}
	if cfg.Redis != nil {
		s.archive = NewArchive(cfg.Redis, cfg.ArchiveRetention, cfg.MaxHistory)
		s.forwarder = NewRedisForwarder(cfg.Redis, 0, l, cfg.Metrics)
		hub.AddForwarder(s.forwarder)
		sc.Redis = cfg.Redis
		sc.ExpiryIndexes = s.archive.ExpiryIndexes()
	}
	s.sched = NewScheduler(sc, engine.Run)
	s.sched.OnTerminal(s.terminal)
	return s
}

func (s *Server) terminal(t *Task) {
	s.log.Infof("task finished: id=%s status=%s retry=%d", t.ID, t.Status, t.Retry)
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.archive.Save(ctx, t); err != nil {
		s.log.Warnf("archive task failed: id=%s err=%v", t.ID, err)
	}
}

// Start launches the scheduler pool and the dispatch loop.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Infof("starting server: max_concurrent=%d", s.sched.cfg.MaxConcurrent)
	s.sched.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.DispatchEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sched.Wake():
			case <-ticker.C:
			}
			s.sched.Dispatch()
		}
	}()
}

// Stop cancels running tasks, waits for their cleanup, flushes batched logs
// and disconnects subscribers.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	s.log.Infof("stopping server")

	cancel()
	s.wg.Wait()
	s.sched.Stop()
	s.logs.Close()
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.hub.Close(ctx); err != nil {
		s.log.Warnf("hub close: %v", err)
	}
}

// Submit validates and queues a task, returning its snapshot. Tasks may be
// queued before Start but not after Stop.
func (s *Server) Submit(url string, actions []Action, opts ...Option) (*Task, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrSchedulerStopped
	}
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidTask)
	}
	for i, a := range actions {
		if err := s.mux.Validate(a); err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
	}
	o := collectOptions(opts)
	if o.priority < PriorityLow || o.priority > PriorityUrgent {
		return nil, ErrUnknownPriority
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	maxRetry := s.cfg.MaxRetries
	if o.maxRetrySet {
		maxRetry = o.maxRetry
	}
	t := &Task{
		ID:        id,
		URL:       url,
		Actions:   actions,
		Priority:  o.priority,
		MaxRetry:  maxRetry,
		CreatedAt: time.Now().UnixMilli(),
		Metadata:  o.metadata,
	}
	if !s.sched.Submit(t) {
		return nil, ErrDuplicateTask
	}
	snap, _ := s.sched.Get(id)
	return snap, nil
}

// Cancel stops a pending or running task.
func (s *Server) Cancel(id string) error {
	if s.sched.Cancel(id) {
		return nil
	}
	if _, ok := s.sched.Get(id); ok {
		return ErrNotCancellable
	}
	return ErrTaskNotFound
}

// Retry re-queues a failed task. Tasks already pruned from memory are
// restored from the archive when one is configured.
func (s *Server) Retry(ctx context.Context, id string) error {
	if s.sched.Retry(id) {
		return nil
	}
	if _, ok := s.sched.Get(id); ok {
		return ErrNotRetryable
	}
	if s.archive == nil {
		return ErrTaskNotFound
	}
	t, err := s.archive.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusFailed {
		return ErrNotRetryable
	}
	t.Retry = 0
	t.Error = nil
	t.Result = nil
	t.StartedAt = 0
	t.CompletedAt = 0
	if !s.sched.Submit(t) {
		return ErrDuplicateTask
	}
	return s.archive.Delete(ctx, id)
}

// Task returns a task from memory or, failing that, from the archive.
func (s *Server) Task(ctx context.Context, id string) (*Task, error) {
	if t, ok := s.sched.Get(id); ok {
		return t, nil
	}
	if s.archive == nil {
		return nil, ErrTaskNotFound
	}
	return s.archive.Get(ctx, id)
}

// Tasks lists tasks in status (all when empty). Terminal statuses include
// archived tasks no longer held in memory.
func (s *Server) Tasks(ctx context.Context, status Status, limit int) ([]*Task, error) {
	out := s.sched.List(status, limit)
	if s.archive == nil || !status.Terminal() || (limit > 0 && len(out) >= limit) {
		return out, nil
	}
	seen := make(map[string]struct{}, len(out))
	for _, t := range out {
		seen[t.ID] = struct{}{}
	}
	archived, err := s.archive.List(ctx, status, limit)
	if err != nil {
		return out, err
	}
	for _, t := range archived {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats returns scheduler statistics.
func (s *Server) Stats() Stats { return s.sched.Stats() }

// Hub exposes the event hub for transports.
func (s *Server) Hub() *Hub { return s.hub }

// Actions lists the registered action types.
func (s *Server) Actions() []ActionType { return s.mux.Types() }

// Scheduler exposes the underlying scheduler.
func (s *Server) Scheduler() *Scheduler { return s.sched }
