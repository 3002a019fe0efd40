package webrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/webrun/internal/hctx"
	"github.com/UniQw/webrun/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/UniQw/webrun"

// BrowserOptions are passed to the worker in the start command.
type BrowserOptions struct {
	ChromePath     string
	Headless       bool
	EnableStealth  bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	Locale         string
	Timezone       string
}

// EngineConfig tunes one engine. Zero values get defaults.
type EngineConfig struct {
	StartTimeout  time.Duration
	ActionTimeout time.Duration
	// TaskTimeout bounds a whole run, checked between actions; zero disables it.
	TaskTimeout       time.Duration
	ScreenshotTimeout time.Duration
	// ScreenshotInterval emits a frame after every Nth action.
	ScreenshotInterval int
	DisableScreenshots bool
	// ScreenshotRate caps non-forced frames per second per task; zero disables the cap.
	ScreenshotRate float64
	// FrameMaxWidth and FrameQuality re-encode frames as downscaled JPEG.
	// Both zero forwards frames as the worker sent them.
	FrameMaxWidth int
	FrameQuality  int
	Browser       BrowserOptions
	Logger        Logger
	Metrics       *Metrics
}

func (c *EngineConfig) applyDefaults() {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.ScreenshotTimeout <= 0 {
		c.ScreenshotTimeout = 5 * time.Second
	}
	if c.ScreenshotInterval <= 0 {
		c.ScreenshotInterval = 1
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
}

// RunResult is the outcome of one run.
type RunResult struct {
	Status    Status
	Result    json.RawMessage
	Error     *ErrorRecord
	Attempted int
	Elapsed   time.Duration
}

// Engine drives one task through a worker: start, actions in order,
// screenshots, and guaranteed cleanup.
type Engine struct {
	launcher Launcher
	mux      *Mux
	events   Broadcaster
	logs     *LogBatcher
	cfg      EngineConfig
	log      Logger
	tracer   trace.Tracer
}

// NewEngine wires an engine. logs may be nil, in which case every log entry
// is broadcast on its own.
func NewEngine(l Launcher, mux *Mux, events Broadcaster, logs *LogBatcher, cfg EngineConfig) *Engine {
	cfg.applyDefaults()
	if mux == nil {
		mux = NewDefaultMux()
	}
	return &Engine{
		launcher: l,
		mux:      mux,
		events:   events,
		logs:     logs,
		cfg:      cfg,
		log:      cfg.Logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// run carries per-execution state.
type run struct {
	task    *Task
	state   *hctx.State
	sess    Session
	limiter *rate.Limiter
}

// Execute runs t and publishes its terminal events.
func (e *Engine) Execute(ctx context.Context, t *Task) RunResult {
	res := e.Run(ctx, t)
	e.Publish(t, res)
	return res
}

// Run drives t to an outcome without publishing terminal events, leaving
// the final word to the caller. Cancelling ctx stops the run at the next
// check point between actions; a command already sent is allowed to finish
// or time out. Run always closes the worker it launched and flushes the
// task's batched logs before returning.
func (e *Engine) Run(ctx context.Context, t *Task) (res RunResult) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "webrun.task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.url", t.URL),
			attribute.Int("task.actions", len(t.Actions)),
		))
	r := &run{task: t, state: hctx.New(t.ID, len(t.Actions))}
	if e.cfg.ScreenshotRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(e.cfg.ScreenshotRate), 1)
	}

	defer func() {
		if r.sess != nil {
			if err := r.sess.Close(context.WithoutCancel(ctx)); err != nil {
				e.log.Warnf("close worker failed: task=%s err=%v", t.ID, err)
			}
		}
		if e.logs != nil {
			e.logs.FlushTask(t.ID)
		}
		res.Elapsed = time.Since(started)
		if res.Error != nil {
			span.SetStatus(codes.Error, res.Error.Error())
		}
		span.SetAttributes(attribute.String("task.status", string(res.Status)))
		span.End()
	}()

	runCtx := hctx.WithState(ctx, r.state)
	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, e.cfg.TaskTimeout)
		defer cancel()
	}
	res = e.safeRun(runCtx, r)
	return res
}

func (e *Engine) safeRun(ctx context.Context, r *run) (res RunResult) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Errorf("engine panic: task=%s panic=%v", r.task.ID, p)
			rec := NewErrorRecord(CodeUnknown, r.task.ID, fmt.Errorf("panic: %v", p))
			res = RunResult{Status: StatusFailed, Error: rec, Attempted: res.Attempted}
		}
	}()
	return e.runTask(ctx, r)
}

func (e *Engine) runTask(ctx context.Context, r *run) RunResult {
	t := r.task
	total := len(t.Actions)
	if ctx.Err() != nil {
		return e.interrupted(ctx, t, 0)
	}

	e.status(t.ID, StatusStarting, 0, "launching worker", "preparing execution environment")
	launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StartTimeout)
	sess, err := e.launcher.Launch(launchCtx, t.ID)
	cancel()
	if err != nil {
		e.logEntry(t.ID, LevelError, "worker launch failed: "+err.Error(), "browser_start", nil)
		return RunResult{Status: StatusFailed, Error: NewErrorRecord(CodeBrowserLaunch, t.ID, err)}
	}
	r.sess = sess

	if err := e.start(ctx, r); err != nil {
		e.logEntry(t.ID, LevelError, "browser start failed: "+err.Error(), "browser_start", nil)
		return RunResult{Status: StatusFailed, Error: NewErrorRecord(CodeBrowserLaunch, t.ID, err)}
	}
	e.logEntry(t.ID, LevelInfo, fmt.Sprintf("browser started, %d actions queued", total), "browser_start", nil)
	e.status(t.ID, StatusRunning, 0, "browser started", "executing actions")
	if err := e.frame(ctx, r, 0, true); err != nil {
		return RunResult{Status: StatusFailed, Error: NewErrorRecord(protocolCode(err), t.ID, err)}
	}

	for i, a := range t.Actions {
		if ctx.Err() != nil {
			return e.interrupted(ctx, t, i)
		}
		r.state.ActionIndex = i
		label := a.Label()

		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.actionTimeout(a))
		out, err := e.mux.Dispatch(actx, r.sess, a)
		cancel()
		if err != nil {
			e.logEntry(t.ID, LevelError, fmt.Sprintf("action [%d/%d] %s failed: %v", i+1, total, label, err), label, nil)
			if ctx.Err() != nil {
				return e.interrupted(ctx, t, i+1)
			}
			rec := NewErrorRecord(classify(err), t.ID, err).AtAction(i)
			rec.Details = map[string]any{"action": a}
			return RunResult{Status: StatusFailed, Error: rec, Attempted: i + 1}
		}

		e.emit(NewEvent(EventProgress, t.ID, ProgressPayload{
			TaskID:       t.ID,
			ActionIndex:  i + 1,
			TotalActions: total,
			Progress:     progressPercent(i+1, total),
			ActionName:   label,
			Details:      a,
		}))
		e.logEntry(t.ID, LevelSuccess, fmt.Sprintf("action [%d/%d] done: %s", i+1, total, label), label, nil)

		switch {
		case out.Screenshot != "":
			e.emit(NewEvent(EventScreenshot, t.ID, ScreenshotPayload{
				TaskID: t.ID, Screenshot: out.Screenshot, ActionIndex: i, Timestamp: time.Now().UnixMilli(),
			}))
			if out.SavedPath != "" {
				e.logEntry(t.ID, LevelInfo, "screenshot saved to "+out.SavedPath, label, nil)
			}
		case len(out.Data) > 0:
			e.emit(NewEvent(EventResult, t.ID, ResultPayload{
				TaskID: t.ID,
				Result: map[string]any{"extracted_data": out.Data, "action_index": i},
			}))
		}

		if err := e.frame(ctx, r, i+1, false); err != nil {
			rec := NewErrorRecord(protocolCode(err), t.ID, err).AtAction(i)
			return RunResult{Status: StatusFailed, Error: rec, Attempted: i + 1}
		}
	}

	e.logEntry(t.ID, LevelInfo, "task finished", "complete", nil)
	result, err := defaultEncoder.Encode(map[string]any{
		"url":              t.URL,
		"actions_executed": total,
		"extracted":        r.state.Results(),
	})
	if err != nil {
		e.log.Warnf("encode result failed: task=%s err=%v", t.ID, err)
	}
	return RunResult{Status: StatusCompleted, Result: result, Attempted: total}
}

// interrupted ends a run whose context is done: a deadline is a task
// timeout, anything else a cancellation.
func (e *Engine) interrupted(ctx context.Context, t *Task, attempted int) RunResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.logEntry(t.ID, LevelError, "task timed out", "timeout", nil)
		rec := NewErrorRecord(CodeTaskTimeout, t.ID, fmt.Errorf("exceeded %s", e.cfg.TaskTimeout))
		return RunResult{Status: StatusFailed, Error: rec, Attempted: attempted}
	}
	e.logEntry(t.ID, LevelWarning, "task cancelled", "cancelled", nil)
	return RunResult{Status: StatusCancelled, Error: NewErrorRecord(CodeTaskCancelled, t.ID, ctx.Err()), Attempted: attempted}
}

func (e *Engine) start(ctx context.Context, r *run) error {
	b := e.cfg.Browser
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StartTimeout)
	defer cancel()
	resp, err := r.sess.Do(sctx, Command{
		Cmd:            CmdStart,
		URL:            r.task.URL,
		ChromePath:     b.ChromePath,
		Headless:       b.Headless,
		EnableStealth:  b.EnableStealth,
		ViewportWidth:  b.ViewportWidth,
		ViewportHeight: b.ViewportHeight,
		UserAgent:      b.UserAgent,
		Locale:         b.Locale,
		Timezone:       b.Timezone,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == "" {
			return errors.New("worker refused start")
		}
		return errors.New(resp.Error)
	}
	return nil
}

// frame captures a screenshot at index. Forced frames ignore the disable
// switch, the interval and the rate cap. Only protocol failures are returned;
// a worker that answers success=false just yields no frame.
func (e *Engine) frame(ctx context.Context, r *run, index int, force bool) error {
	if !force {
		if e.cfg.DisableScreenshots || index%e.cfg.ScreenshotInterval != 0 {
			return nil
		}
		if r.limiter != nil && !r.limiter.Allow() {
			return nil
		}
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ScreenshotTimeout)
	defer cancel()
	resp, err := r.sess.Do(sctx, Command{Cmd: CmdScreenshot})
	if err != nil {
		if fatalProtocol(err) {
			return err
		}
		e.log.Debugf("screenshot failed: task=%s err=%v", r.task.ID, err)
		return nil
	}
	if !resp.Success || resp.Screenshot == "" {
		return nil
	}
	shot := resp.Screenshot
	if e.cfg.FrameMaxWidth > 0 || e.cfg.FrameQuality > 0 {
		if small, err := compressFrame(shot, e.cfg.FrameMaxWidth, e.cfg.FrameQuality); err == nil {
			shot = small
		} else {
			e.log.Debugf("frame kept as sent: task=%s err=%v", r.task.ID, err)
		}
	}
	e.emit(NewEvent(EventScreenshot, r.task.ID, ScreenshotPayload{
		TaskID:      r.task.ID,
		Screenshot:  shot,
		ActionIndex: index,
		Timestamp:   time.Now().UnixMilli(),
	}))
	return nil
}

// actionTimeout stretches the base timeout for actions that wait on purpose.
func (e *Engine) actionTimeout(a Action) time.Duration {
	d := e.cfg.ActionTimeout
	if (a.Type == ActionWait || a.Type == ActionWaitElement) && a.Timeout > 0 {
		d += time.Duration(a.Timeout) * time.Millisecond
	}
	return d
}

// Publish emits the terminal events for res: one status event, plus an
// error event on failure or a result event on completion.
func (e *Engine) Publish(t *Task, res RunResult) {
	e.cfg.Metrics.taskFinished(res.Status, res.Elapsed)
	total := len(t.Actions)
	switch res.Status {
	case StatusCompleted:
		e.status(t.ID, StatusCompleted, 100, "task completed", "all actions succeeded")
		var v any = res.Result
		if len(res.Result) == 0 {
			v = nil
		}
		e.emit(NewEvent(EventResult, t.ID, ResultPayload{TaskID: t.ID, Result: v}))
	case StatusFailed:
		msg := "task failed"
		if res.Error != nil {
			msg = res.Error.Error()
			e.emit(NewEvent(EventError, t.ID, ErrorPayload{TaskID: t.ID, Error: msg, Details: res.Error}))
		}
		e.status(t.ID, StatusFailed, progressPercent(res.Attempted, total), "task failed", msg)
	case StatusCancelled:
		e.status(t.ID, StatusCancelled, progressPercent(res.Attempted, total), "task cancelled", "cancelled by user")
	}
}

func (e *Engine) status(taskID string, st Status, progress int, current, msg string) {
	e.emit(NewEvent(EventStatus, taskID, StatusPayload{
		TaskID: taskID, Status: st, Progress: progress, CurrentAction: current, Message: msg,
	}))
}

func (e *Engine) logEntry(taskID string, level LogLevel, msg, action string, details map[string]any) {
	entry := LogEntry{
		TaskID:     taskID,
		Level:      level,
		Message:    msg,
		ActionName: action,
		Details:    details,
		Timestamp:  time.Now().UnixMilli(),
	}
	if e.logs != nil {
		e.logs.Add(entry)
		return
	}
	e.emit(NewEvent(EventLog, taskID, entry))
}

func (e *Engine) emit(ev Event) {
	if e.events != nil {
		e.events.Broadcast(ev)
	}
}

func fatalProtocol(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, worker.ErrBroken) ||
		errors.Is(err, worker.ErrClosed) ||
		errors.Is(err, worker.ErrBusy)
}

// classify maps an action error to its client-facing code.
func classify(err error) ErrorCode {
	var failed *ActionFailedError
	switch {
	case errors.Is(err, ErrUnknownAction):
		return CodeActionUnsupported
	case errors.Is(err, context.DeadlineExceeded):
		return CodeActionTimeout
	case errors.Is(err, worker.ErrClosed):
		return CodeBrowserCrashed
	case errors.Is(err, worker.ErrBroken), errors.Is(err, worker.ErrBusy):
		return CodeBrowserConnection
	case errors.As(err, &failed), errors.Is(err, ErrInvalidAction):
		return CodeActionFailed
	default:
		return CodeActionFailed
	}
}

// protocolCode maps a channel failure outside an action to its code.
func protocolCode(err error) ErrorCode {
	if errors.Is(err, worker.ErrClosed) {
		return CodeBrowserCrashed
	}
	return CodeBrowserConnection
}
