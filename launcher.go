package webrun

import (
	"context"
	"time"

	"github.com/UniQw/webrun/internal/worker"
)

// Launcher starts one worker for one task.
type Launcher interface {
	Launch(ctx context.Context, taskID string) (Session, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, taskID string) (Session, error)

func (f LauncherFunc) Launch(ctx context.Context, taskID string) (Session, error) { return f(ctx, taskID) }

// ProcessConfig describes the worker executable.
type ProcessConfig struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// PortMin and PortMax bound the debug port handed to each worker.
	PortMin int
	PortMax int
	// KillGrace is how long a worker may take to exit after stdin closes.
	KillGrace time.Duration
	// CloseTimeout bounds the graceful close command.
	CloseTimeout time.Duration
	Logger       Logger
}

// ProcessLauncher runs each task in its own operating system process. Live
// workers never share a debug port.
type ProcessLauncher struct {
	cfg     ProcessConfig
	log     Logger
	metrics *Metrics
	ports   *worker.PortPool
}

// NewProcessLauncher returns a launcher for cfg. metrics may be nil.
func NewProcessLauncher(cfg ProcessConfig, metrics *Metrics) *ProcessLauncher {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &ProcessLauncher{cfg: cfg, log: lg, metrics: metrics, ports: worker.NewPortPool()}
}

func (l *ProcessLauncher) Launch(ctx context.Context, taskID string) (Session, error) {
	p, err := worker.Start(ctx, worker.Config{
		Path:      l.cfg.Path,
		Args:      l.cfg.Args,
		Env:       append([]string{"WEBRUN_TASK_ID=" + taskID}, l.cfg.Env...),
		Dir:       l.cfg.Dir,
		PortMin:   l.cfg.PortMin,
		PortMax:   l.cfg.PortMax,
		Ports:     l.ports,
		KillGrace: l.cfg.KillGrace,
		Logger:    l.log,
	})
	l.metrics.workerLaunched(err)
	if err != nil {
		return nil, err
	}
	l.log.Debugf("worker launched: task=%s pid=%d port=%d", taskID, p.PID(), p.Port())
	return &processSession{p: p, closeTimeout: l.cfg.CloseTimeout}, nil
}

type processSession struct {
	p            *worker.Process
	closeTimeout time.Duration
}

func (s *processSession) Do(ctx context.Context, cmd Command) (Response, error) {
	if cmd.Cmd == CmdStart && cmd.Port == 0 {
		cmd.Port = s.p.Port()
	}
	var resp Response
	err := s.p.Do(ctx, cmd, &resp)
	return resp, err
}

// Close kills a worker whose channel is broken right away; a healthy one
// gets the close command and the grace period first.
func (s *processSession) Close(ctx context.Context) error {
	if s.p.Conn().Broken() {
		_ = s.p.Kill()
	}
	return s.p.Close(ctx, Command{Cmd: CmdClose}, s.closeTimeout)
}
