// Package broadcast fans stream output out to connected viewers.
//
// A [Hub] keeps the registry of viewer connections. Producers call
// [Hub.BroadcastAll] with a [Message]; any connection whose send fails is
// dropped from the registry on the spot so one dead viewer never affects the
// others. Newly attached viewers receive a catch-up snapshot, the stream
// metadata and a short chat backlog before live traffic.
//
// The websocket endpoint ([Hub.ServeWS]) adapts coder/websocket connections
// to the [Conn] interface, giving each viewer its own write goroutine and
// bounded send buffer.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livepersona/internal/chat"
	"github.com/MrWong99/livepersona/internal/observe"
)

// Sentinel errors returned by [Conn.Send].
var (
	ErrConnClosed   = errors.New("broadcast: connection closed")
	ErrSlowConsumer = errors.New("broadcast: send buffer full")
)

// Conn is one viewer's push channel. Implementations must be safe for
// concurrent use. Send must not block for long and must not call back into
// the [Hub].
type Conn interface {
	ID() string
	Send(ctx context.Context, msg Message) error
	Close() error
}

// SnapshotSource produces the lifecycle snapshot for a newly attached viewer.
type SnapshotSource interface {
	Snapshot() Lifecycle
}

// ChatBuffer is the viewer-visible chat history.
type ChatBuffer interface {
	Push(line chat.Line) bool
	Recent(n int) []chat.Line
}

// ChatSink receives chat lines for the persona.
type ChatSink interface {
	Push(line chat.Line) bool
}

const (
	defaultBacklogLimit = 50
	defaultBacklogDelay = 10 * time.Millisecond
	defaultMaxChatRunes = 500
)

// Option is a functional option for [New].
type Option func(*Hub)

// WithBacklog sets how many buffered chat lines a new viewer receives and the
// pause between them. Defaults: 50 lines, 10ms.
func WithBacklog(limit int, delay time.Duration) Option {
	return func(h *Hub) {
		h.backlogLimit = limit
		h.backlogDelay = delay
	}
}

// WithMetadata sets the initial stream metadata.
func WithMetadata(m StreamMetadata) Option {
	return func(h *Hub) { h.SetMetadata(m) }
}

// WithClock overrides the clock used for backlog pacing.
func WithClock(c clockwork.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns restricts websocket upgrades to the given host
// patterns. Default: any origin.
func WithOriginPatterns(patterns []string) Option {
	return func(h *Hub) { h.originPatterns = patterns }
}

// WithSendBuffer sets the per-viewer outbound buffer used by [Hub.ServeWS].
// A viewer that falls this many messages behind is dropped. Default: 256.
func WithSendBuffer(n int) Option {
	return func(h *Hub) { h.sendBuffer = n }
}

// Hub is the viewer registry. All methods are safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn

	snapshots SnapshotSource
	display   ChatBuffer
	input     ChatSink
	metadata  atomic.Pointer[StreamMetadata]

	backlogLimit   int
	backlogDelay   time.Duration
	maxChatRunes   int
	originPatterns []string
	sendBuffer     int
	writeTimeout   time.Duration

	clock   clockwork.Clock
	metrics *observe.Metrics
}

// New creates a Hub. snapshots supplies the lifecycle snapshot for new
// viewers; inbound viewer chat is pushed to display and input.
func New(snapshots SnapshotSource, display ChatBuffer, input ChatSink, opts ...Option) *Hub {
	h := &Hub{
		conns:          make(map[string]Conn),
		snapshots:      snapshots,
		display:        display,
		input:          input,
		backlogLimit:   defaultBacklogLimit,
		backlogDelay:   defaultBacklogDelay,
		maxChatRunes:   defaultMaxChatRunes,
		originPatterns: []string{"*"},
		sendBuffer:     256,
		writeTimeout:   10 * time.Second,
		clock:          clockwork.NewRealClock(),
	}
	h.metadata.Store(&StreamMetadata{Type: KindStreamMetadata})
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Attach registers c and sends it the catch-up sequence: lifecycle snapshot,
// stream metadata, then the most recent chat backlog, oldest first. The
// snapshot and metadata are queued before c becomes visible to
// [Hub.BroadcastAll], so no live message overtakes them. If any send fails,
// c is pruned and the error is returned.
func (h *Hub) Attach(ctx context.Context, c Conn) error {
	h.mu.Lock()
	err := c.Send(ctx, h.snapshots.Snapshot())
	if err == nil {
		err = c.Send(ctx, h.Metadata())
	}
	if err != nil {
		h.mu.Unlock()
		h.metrics.ViewersPruned.Add(ctx, 1)
		slog.Warn("viewer dropped during catch-up", "conn_id", c.ID(), "err", err)
		if cerr := c.Close(); cerr != nil {
			slog.Debug("close viewer connection", "conn_id", c.ID(), "err", cerr)
		}
		return err
	}
	h.conns[c.ID()] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.ActiveViewers.Add(ctx, 1)
	slog.Info("viewer attached", "conn_id", c.ID(), "viewers", n)

	for _, line := range h.display.Recent(h.backlogLimit) {
		if h.backlogDelay > 0 {
			select {
			case <-h.clock.After(h.backlogDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := h.Send(ctx, c, NewChatMessage(line)); err != nil {
			return err
		}
	}
	return nil
}

// Detach unregisters c and closes it. It is a no-op for unknown connections.
func (h *Hub) Detach(c Conn) {
	if h.remove(c) {
		slog.Info("viewer detached", "conn_id", c.ID(), "viewers", h.Len())
	}
}

// Send delivers msg to c. A failed send prunes c from the registry.
func (h *Hub) Send(ctx context.Context, c Conn, msg Message) error {
	if err := c.Send(ctx, msg); err != nil {
		if h.remove(c) {
			h.metrics.ViewersPruned.Add(ctx, 1)
			slog.Warn("viewer pruned after failed send", "conn_id", c.ID(), "kind", msg.Kind(), "err", err)
		}
		return err
	}
	return nil
}

// BroadcastAll sends msg to every registered connection and returns how many
// deliveries succeeded. Connections registered while the broadcast is in
// progress may or may not receive msg.
func (h *Hub) BroadcastAll(ctx context.Context, msg Message) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.Send(ctx, c, msg) == nil {
			delivered++
		}
	}
	return delivered
}

// ReceiveChat ingests a message typed by a viewer. Blank text is ignored;
// a blank username becomes [chat.DefaultUsername]. The line is pushed to
// the display buffer and the persona input, then broadcast tagged as
// user-originated. It reports whether the message was accepted.
func (h *Hub) ReceiveChat(ctx context.Context, username, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if r := []rune(text); len(r) > h.maxChatRunes {
		text = string(r[:h.maxChatRunes])
	}
	username = strings.TrimSpace(username)
	if username == "" {
		username = chat.DefaultUsername
	}

	line := chat.Line{Username: username, Text: text, IsUser: true}
	h.display.Push(line)
	h.input.Push(line)
	h.metrics.RecordChatLine(ctx, "viewer")
	h.BroadcastAll(ctx, NewChatMessage(line))
	return true
}

// SetMetadata replaces the stream metadata sent to new viewers. It does not
// broadcast; callers that want live viewers updated call BroadcastAll.
func (h *Hub) SetMetadata(m StreamMetadata) {
	m.Type = KindStreamMetadata
	h.metadata.Store(&m)
}

// Metadata returns the current stream metadata.
func (h *Hub) Metadata() StreamMetadata {
	return *h.metadata.Load()
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close detaches and closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Conn)
	h.mu.Unlock()

	for _, c := range conns {
		h.metrics.ActiveViewers.Add(context.Background(), -1)
		_ = c.Close()
	}
}

// remove unregisters and closes c, reporting whether it was registered.
func (h *Hub) remove(c Conn) bool {
	h.mu.Lock()
	cur, ok := h.conns[c.ID()]
	if ok && cur == c {
		delete(h.conns, c.ID())
	}
	h.mu.Unlock()

	if !ok || cur != c {
		return false
	}
	h.metrics.ActiveViewers.Add(context.Background(), -1)
	if err := c.Close(); err != nil {
		slog.Debug("close viewer connection", "conn_id", c.ID(), "err", err)
	}
	return true
}
