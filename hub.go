package webrun

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Subscriber is one transport connection.
type Subscriber interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Forwarder receives every encoded event, for example to publish it to
// another process. Forward must not block.
type Forwarder interface {
	Forward(ev Event, data []byte)
	Close() error
}

// HubConfig tunes a Hub. Zero values get defaults.
type HubConfig struct {
	// QueueSize is the per-connection buffer; a full buffer drops the connection.
	QueueSize    int
	WriteTimeout time.Duration
	Encoder      Encoder
	Logger       Logger
	Metrics      *Metrics
}

type hubConn struct {
	sub  Subscriber
	send chan []byte
	quit chan struct{}
	once sync.Once
	subs map[string]string // subscription id -> task id ("" = global)
}

// Hub fans events out to subscribers bound to a task or to the global channel.
type Hub struct {
	mu         sync.RWMutex
	conns      map[Subscriber]*hubConn
	byTask     map[string]map[*hubConn]int
	global     map[*hubConn]int
	subIndex   map[string]*hubConn
	forwarders []Forwarder
	cfg        HubConfig
	log        Logger
	wg         sync.WaitGroup
	entropy    *ulid.MonotonicEntropy
	entMu      sync.Mutex
	closed     bool
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.Encoder == nil {
		cfg.Encoder = defaultEncoder
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Hub{
		conns:    make(map[Subscriber]*hubConn),
		byTask:   make(map[string]map[*hubConn]int),
		global:   make(map[*hubConn]int),
		subIndex: make(map[string]*hubConn),
		cfg:      cfg,
		log:      lg,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// AddForwarder registers f for every subsequent event.
func (h *Hub) AddForwarder(f Forwarder) {
	h.mu.Lock()
	h.forwarders = append(h.forwarders, f)
	h.mu.Unlock()
}

func (h *Hub) newID() string {
	h.entMu.Lock()
	defer h.entMu.Unlock()
	return ulid.MustNew(ulid.Now(), h.entropy).String()
}

// Subscribe binds sub to taskID, or to the global channel when taskID is
// empty, and returns the subscription id. A subscriber may hold several
// subscriptions; it receives each event once.
func (h *Hub) Subscribe(taskID string, sub Subscriber) (string, error) {
	id := h.newID()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrHubClosed
	}
	c := h.conns[sub]
	if c == nil {
		c = &hubConn{
			sub:  sub,
			send: make(chan []byte, h.cfg.QueueSize),
			quit: make(chan struct{}),
			subs: make(map[string]string),
		}
		h.conns[sub] = c
		h.wg.Add(1)
		go h.writeLoop(c)
	}
	c.subs[id] = taskID
	h.subIndex[id] = c
	if taskID == "" {
		h.global[c]++
	} else {
		set := h.byTask[taskID]
		if set == nil {
			set = make(map[*hubConn]int)
			h.byTask[taskID] = set
		}
		set[c]++
	}
	return id, nil
}

// Unsubscribe removes one subscription. The connection stays open.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.subIndex[id]
	if c == nil {
		return false
	}
	h.unbindLocked(c, id)
	return true
}

func (h *Hub) unsubscribeOwned(id string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.subIndex[id]
	if c == nil || c.sub != sub {
		return false
	}
	h.unbindLocked(c, id)
	return true
}

func (h *Hub) unbindLocked(c *hubConn, id string) {
	taskID := c.subs[id]
	delete(c.subs, id)
	delete(h.subIndex, id)
	if taskID == "" {
		if h.global[c]--; h.global[c] <= 0 {
			delete(h.global, c)
		}
		return
	}
	set := h.byTask[taskID]
	if set[c]--; set[c] <= 0 {
		delete(set, c)
	}
	if len(set) == 0 {
		delete(h.byTask, taskID)
	}
}

// Disconnect drops every subscription of sub and closes it.
func (h *Hub) Disconnect(sub Subscriber) {
	h.mu.Lock()
	c := h.conns[sub]
	if c != nil {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *hubConn) {
	for id := range c.subs {
		h.unbindLocked(c, id)
	}
	delete(h.conns, c.sub)
	c.once.Do(func() { close(c.quit) })
}

// Broadcast delivers ev to the union of its task's subscribers and the
// global subscribers. It never blocks: a subscriber whose queue is full is
// disconnected.
func (h *Hub) Broadcast(ev Event) {
	data, err := h.cfg.Encoder.Encode(ev)
	if err != nil {
		h.log.Errorf("encode event failed: type=%s task=%s err=%v", ev.Type, ev.TaskID, err)
		return
	}
	h.cfg.Metrics.event(ev.Type)

	h.mu.RLock()
	targets := make([]*hubConn, 0, len(h.global)+len(h.byTask[ev.TaskID]))
	for c := range h.global {
		targets = append(targets, c)
	}
	if ev.TaskID != "" {
		for c := range h.byTask[ev.TaskID] {
			if _, dup := h.global[c]; !dup {
				targets = append(targets, c)
			}
		}
	}
	forwarders := h.forwarders
	h.mu.RUnlock()

	var slow []*hubConn
	for _, c := range targets {
		select {
		case c.send <- data:
		case <-c.quit:
		default:
			slow = append(slow, c)
		}
	}
	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			if h.conns[c.sub] == c {
				h.log.Warnf("dropping slow subscriber")
				h.cfg.Metrics.subscriberDropped()
				h.removeLocked(c)
			}
		}
		h.mu.Unlock()
	}
	for _, f := range forwarders {
		f.Forward(ev, data)
	}
}

func (h *Hub) writeLoop(c *hubConn) {
	defer h.wg.Done()
	defer func() {
		if err := c.sub.Close(); err != nil {
			h.log.Debugf("close subscriber: %v", err)
		}
	}()
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			err := c.sub.Send(ctx, msg)
			cancel()
			if err != nil {
				h.log.Debugf("send to subscriber failed: %v", err)
				h.cfg.Metrics.subscriberDropped()
				h.mu.Lock()
				if h.conns[c.sub] == c {
					h.removeLocked(c)
				}
				h.mu.Unlock()
				return
			}
		}
	}
}

// HubStats counts live registrations.
type HubStats struct {
	Connections   int `json:"connections"`
	Global        int `json:"global"`
	TaskChannels  int `json:"task_channels"`
	Subscriptions int `json:"subscriptions"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		Connections:   len(h.conns),
		Global:        len(h.global),
		TaskChannels:  len(h.byTask),
		Subscriptions: len(h.subIndex),
	}
}

// SubscriberCount returns the number of connections that would receive an
// event for taskID.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.global)
	for c := range h.byTask[taskID] {
		if _, dup := h.global[c]; !dup {
			n++
		}
	}
	return n
}

// Close disconnects every subscriber, waits for their write loops and
// closes the forwarders.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, c := range h.conns {
		h.removeLocked(c)
	}
	forwarders := h.forwarders
	h.forwarders = nil
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	g, _ := errgroup.WithContext(ctx)
	for _, f := range forwarders {
		g.Go(f.Close)
	}
	err := g.Wait()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
