package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// maxInboundBytes bounds a single inbound viewer frame.
const maxInboundBytes = 4096

// WSConn adapts a websocket connection to [Conn]. Outbound messages are
// queued in a bounded buffer and written by a dedicated goroutine, so Send
// never blocks on the network.
type WSConn struct {
	id           string
	ws           *websocket.Conn
	out          chan Message
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

var _ Conn = (*WSConn)(nil)

func newWSConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration) *WSConn {
	return &WSConn{
		id:           uuid.NewString(),
		ws:           ws,
		out:          make(chan Message, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's random identifier.
func (c *WSConn) ID() string { return c.id }

// Send queues msg for delivery. It fails with [ErrSlowConsumer] when the
// viewer's buffer is full and with [ErrConnClosed] after Close.
func (c *WSConn) Send(_ context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

// Close stops the writer, which then performs the websocket close
// handshake. Safe to call more than once.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writeLoop drains the outbound buffer until Close or ctx ends. A write
// error closes the connection; the hub notices on its next Send.
func (c *WSConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			_ = c.ws.Close(websocket.StatusNormalClosure, "")
			return
		case <-ctx.Done():
			_ = c.ws.CloseNow()
			return
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := wsjson.Write(wctx, c.ws, msg)
			cancel()
			if err != nil {
				slog.Debug("viewer write failed", "conn_id", c.id, "err", err)
				_ = c.Close()
				_ = c.ws.CloseNow()
				return
			}
		}
	}
}

// ServeWS upgrades the request to a websocket viewer connection, attaches it
// and reads inbound chat until the viewer disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxInboundBytes)

	ctx := r.Context()
	c := newWSConn(ws, h.sendBuffer, h.writeTimeout)
	go c.writeLoop(context.WithoutCancel(ctx))
	defer h.Detach(c)

	if err := h.Attach(ctx, c); err != nil {
		slog.Debug("viewer attach aborted", "conn_id", c.id, "err", err)
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("viewer read ended", "conn_id", c.id, "err", err)
			}
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			slog.Debug("ignoring malformed viewer message", "conn_id", c.id, "err", err)
			continue
		}
		if in.Type != KindUserMessage {
			continue
		}
		h.ReceiveChat(ctx, in.Username, in.Message)
	}
}
