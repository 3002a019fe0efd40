package webrun

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WSSubscriber adapts a websocket connection to Subscriber. Writes are
// serialized because the connection does not allow concurrent writers.
type WSSubscriber struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// NewWSSubscriber wraps an accepted connection.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	return &WSSubscriber{conn: conn}
}

func (w *WSSubscriber) Send(ctx context.Context, msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("websocket closed")
	}
	return w.conn.Write(ctx, websocket.MessageText, msg)
}

func (w *WSSubscriber) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// controlMessage is what clients send over the socket.
type controlMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	ID     string `json:"subscription_id"`
}

type controlReply struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id,omitempty"`
	ID        string `json:"subscription_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WSOptions tunes the websocket handler.
type WSOptions struct {
	// OriginPatterns are passed to websocket.Accept; empty allows same-origin only.
	OriginPatterns []string
	// ReadLimit caps one client message.
	ReadLimit int64
}

// WSHandler upgrades requests to websockets and subscribes them to the hub.
// The task_id query parameter picks the initial channel; without it the
// connection joins the global channel. Clients may send
// {"type":"subscribe","task_id":...}, {"type":"unsubscribe","subscription_id":...}
// and {"type":"ping"}.
func WSHandler(h *Hub, opts WSOptions) http.Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			h.log.Debugf("websocket accept failed: %v", err)
			return
		}
		conn.SetReadLimit(opts.ReadLimit)
		sub := NewWSSubscriber(conn)
		defer h.Disconnect(sub)

		taskID := r.URL.Query().Get("task_id")
		id, err := h.Subscribe(taskID, sub)
		if err != nil {
			_ = conn.Close(websocket.StatusGoingAway, err.Error())
			return
		}
		h.reply(r.Context(), sub, controlReply{Type: "subscribed", TaskID: taskID, ID: id})
		h.readControl(r.Context(), sub, conn)
	})
}

func (h *Hub) readControl(ctx context.Context, sub *WSSubscriber, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg controlMessage
		if err := h.cfg.Encoder.Decode(data, &msg); err != nil {
			h.reply(ctx, sub, controlReply{Type: "error", Error: "malformed message"})
			continue
		}
		switch msg.Type {
		case "ping":
			h.reply(ctx, sub, controlReply{Type: "pong"})
		case "subscribe":
			id, err := h.Subscribe(msg.TaskID, sub)
			if err != nil {
				return
			}
			h.reply(ctx, sub, controlReply{Type: "subscribed", TaskID: msg.TaskID, ID: id})
		case "unsubscribe":
			if !h.unsubscribeOwned(msg.ID, sub) {
				h.reply(ctx, sub, controlReply{Type: "error", ID: msg.ID, Error: "unknown subscription"})
				continue
			}
			h.reply(ctx, sub, controlReply{Type: "unsubscribed", ID: msg.ID})
		default:
			h.reply(ctx, sub, controlReply{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}

func (h *Hub) reply(ctx context.Context, sub Subscriber, rep controlReply) {
	rep.Timestamp = time.Now().UnixMilli()
	data, err := h.cfg.Encoder.Encode(rep)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	_ = sub.Send(wctx, data)
}
