package webrun

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Session is a live worker bound to one task.
type Session interface {
	// Do sends one command and waits for the single reply.
	Do(ctx context.Context, cmd Command) (Response, error)
	// Close tears the worker down. Only the first call has an effect.
	Close(ctx context.Context) error
}

// Outcome is what a successful action produced.
type Outcome struct {
	Screenshot string
	SavedPath  string
	Data       json.RawMessage
	Fields     map[string]json.RawMessage
}

// HandlerFunc executes one action against a session.
type HandlerFunc func(ctx context.Context, s Session, a Action) (Outcome, error)

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// ActionFailedError is returned when the worker reports success=false.
type ActionFailedError struct {
	Type   ActionType
	Reason string
}

func (e *ActionFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("action %s failed", e.Type)
	}
	return fmt.Sprintf("action %s failed: %s", e.Type, e.Reason)
}

type handler struct {
	validate func(Action) error
	exec     HandlerFunc
}

// Mux routes actions to their handlers by type.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[ActionType]handler
	middlewares []Middleware
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[ActionType]handler),
		middlewares: []Middleware{},
	}
}

// Handle registers fn for an action type, replacing any previous handler.
// validate, when non-nil, runs at submit time.
func (m *Mux) Handle(typ ActionType, fn HandlerFunc, validate func(Action) error) {
	m.mu.Lock()
	m.handlers[typ] = handler{validate: validate, exec: fn}
	m.mu.Unlock()
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
}

// Types lists the registered action types in sorted order.
func (m *Mux) Types() []ActionType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ActionType, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Validate checks that a has a handler and passes its field checks.
func (m *Mux) Validate(a Action) error {
	m.mu.RLock()
	h, ok := m.handlers[a.Type]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	if h.validate == nil {
		return nil
	}
	if err := h.validate(a); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAction, a.Type, err)
	}
	return nil
}

// Dispatch runs the handler registered for a.Type through the middleware chain.
func (m *Mux) Dispatch(ctx context.Context, s Session, a Action) (Outcome, error) {
	m.mu.RLock()
	h, ok := m.handlers[a.Type]
	m.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	return m.wrapHandler(h.exec)(ctx, s, a)
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}

// SendAction forwards the action to the worker verbatim and converts the
// reply into an Outcome.
func SendAction(ctx context.Context, s Session, a Action) (Outcome, error) {
	resp, err := s.Do(ctx, Command{Cmd: CmdAction, Action: &a})
	if err != nil {
		return Outcome{}, err
	}
	if !resp.Success {
		return Outcome{}, &ActionFailedError{Type: a.Type, Reason: resp.Error}
	}
	return Outcome{
		Screenshot: resp.Screenshot,
		SavedPath:  resp.SavedPath,
		Data:       resp.Data,
		Fields:     resp.Fields,
	}, nil
}

func extractAction(ctx context.Context, s Session, a Action) (Outcome, error) {
	out, err := SendAction(ctx, s, a)
	if err != nil {
		return out, err
	}
	if len(out.Data) > 0 {
		AddResult(ctx, map[string]any{"action_index": ActionIndex(ctx), "data": out.Data})
	}
	return out, nil
}

func requireSelector(a Action) error {
	if a.Selector == "" {
		return fmt.Errorf("selector is required")
	}
	return nil
}

// NewDefaultMux returns a Mux with the built-in action catalog registered.
func NewDefaultMux() *Mux {
	m := NewMux()
	m.Handle(ActionGoto, SendAction, func(a Action) error {
		if a.URL == "" {
			return fmt.Errorf("url is required")
		}
		return nil
	})
	m.Handle(ActionClick, SendAction, requireSelector)
	m.Handle(ActionHover, SendAction, requireSelector)
	m.Handle(ActionWaitElement, SendAction, func(a Action) error {
		if err := requireSelector(a); err != nil {
			return err
		}
		if a.State != "" && a.State != "present" && a.State != "absent" {
			return fmt.Errorf("state must be present or absent")
		}
		return nil
	})
	m.Handle(ActionInput, SendAction, requireSelector)
	m.Handle(ActionUpload, SendAction, func(a Action) error {
		if err := requireSelector(a); err != nil {
			return err
		}
		if len(a.FilePaths) == 0 {
			return fmt.Errorf("file_paths is required")
		}
		return nil
	})
	m.Handle(ActionWait, SendAction, func(a Action) error {
		if a.Timeout < 0 {
			return fmt.Errorf("timeout must not be negative")
		}
		return nil
	})
	m.Handle(ActionScroll, SendAction, func(a Action) error {
		switch a.Direction {
		case "", "up", "down", "top", "bottom":
			return nil
		}
		return fmt.Errorf("unknown direction %q", a.Direction)
	})
	m.Handle(ActionPress, SendAction, func(a Action) error {
		if len(a.Keys) == 0 && !a.PressEnter {
			return fmt.Errorf("keys or press_enter is required")
		}
		return nil
	})
	m.Handle(ActionEvaluate, SendAction, func(a Action) error {
		if a.Script == "" {
			return fmt.Errorf("script is required")
		}
		return nil
	})
	m.Handle(ActionExtract, extractAction, func(a Action) error {
		if len(a.Selectors) == 0 {
			return fmt.Errorf("selectors is required")
		}
		for i, f := range a.Selectors {
			if f.Selector == "" {
				return fmt.Errorf("selectors[%d]: selector is required", i)
			}
		}
		return nil
	})
	m.Handle(ActionScreenshot, SendAction, nil)
	m.Handle(ActionCloseTab, SendAction, nil)
	m.Handle(ActionStart, SendAction, nil)
	m.Handle(ActionEnd, SendAction, nil)
	return m
}
