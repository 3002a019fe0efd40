package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// PortEnv is the environment variable through which a worker learns its debug port.
const PortEnv = "WEBRUN_DEBUG_PORT"

// Logger is the subset of logging the process supervisor needs.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// Config describes how to launch a worker process.
type Config struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	PortMin int
	PortMax int
	// Ports leases the debug port; nil uses a pool shared by the package.
	Ports     *PortPool
	KillGrace time.Duration
	Logger    Logger
}

// Process is a running worker with its command channel attached.
type Process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	conn     *Conn
	port     int
	log      Logger
	grace    time.Duration
	waitDone chan struct{}
	waitErr  error

	closeOnce sync.Once
	closeErr  error
}

// Start launches the worker. The process is not bound to ctx; ctx only
// guards the launch itself. Callers must call Close.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Path == "" {
		return nil, errors.New("worker: empty executable path")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports := cfg.Ports
	if ports == nil {
		ports = defaultPorts
	}
	port := 0
	if cfg.PortMin > 0 {
		p, err := ports.Acquire(cfg.PortMin, cfg.PortMax)
		if err != nil {
			return nil, err
		}
		port = p
	}
	release := func() {
		if port > 0 {
			ports.Release(port)
		}
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = 3 * time.Second
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	if port > 0 {
		cmd.Env = append(cmd.Env, PortEnv+"="+strconv.Itoa(port))
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		release()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// Owned pipes: Wait must not close the read ends while replies are pending.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		release()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		release()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		release()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	closeAll(stdoutW, stderrW)

	p := &Process{
		cmd:      cmd,
		stdin:    stdin,
		port:     port,
		log:      cfg.Logger,
		grace:    grace,
		waitDone: make(chan struct{}),
	}
	p.conn = NewConn(stdin, stdoutR)
	go func() {
		<-p.conn.Done()
		_ = stdoutR.Close()
	}()
	go func() {
		p.forwardStderr(stderrR)
		_ = stderrR.Close()
	}()
	go func() {
		p.waitErr = cmd.Wait()
		// the port is free again once the process is gone
		release()
		close(p.waitDone)
	}()
	return p, nil
}

func (p *Process) forwardStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if p.log != nil {
			p.log.Debugf("worker[%d]: %s", p.PID(), sc.Text())
		}
	}
}

// Do sends one command and waits for its response.
func (p *Process) Do(ctx context.Context, req, resp any) error {
	return p.conn.Do(ctx, req, resp)
}

// Conn exposes the command channel.
func (p *Process) Conn() *Conn { return p.conn }

// Port returns the debug port handed to the worker, or 0.
func (p *Process) Port() int { return p.port }

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.waitDone }

// ExitErr returns the result of waiting on the process. It is only
// meaningful after Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.waitDone:
		return p.waitErr
	default:
		return nil
	}
}

// Close shuts the worker down. When closeCmd is non-nil and the channel is
// still healthy it is sent first with the given timeout; its failure is
// ignored. Stdin is then closed, and the process is killed if it has not
// exited within the grace period. Only the first call has any effect.
func (p *Process) Close(ctx context.Context, closeCmd any, timeout time.Duration) error {
	p.closeOnce.Do(func() {
		if closeCmd != nil && !p.conn.Broken() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			if err := p.conn.Do(cctx, closeCmd, nil); err != nil && p.log != nil {
				p.log.Debugf("worker[%d]: close command: %v", p.PID(), err)
			}
			cancel()
		}
		_ = p.stdin.Close()
		p.conn.Close()

		t := time.NewTimer(p.grace)
		defer t.Stop()
		select {
		case <-p.waitDone:
		case <-t.C:
			if p.log != nil {
				p.log.Warnf("worker[%d]: did not exit within %s, killing", p.PID(), p.grace)
			}
			p.closeErr = p.Kill()
			<-p.waitDone
		}
	})
	return p.closeErr
}

// Kill terminates the process immediately.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
