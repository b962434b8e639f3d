// Package hub owns the set of live connections. It admits authenticated
// connections, publishes presence changes, dispatches inbound frames to the
// router and the call broker, and cleans up when a connection goes away.
package hub

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pufferblow/realtime-core/internal/call"
	"github.com/pufferblow/realtime-core/internal/events"
	"github.com/pufferblow/realtime-core/internal/metrics"
	"github.com/pufferblow/realtime-core/internal/presence"
	"github.com/pufferblow/realtime-core/internal/protocol"
	"github.com/pufferblow/realtime-core/internal/router"
)

var ErrClosed = errors.New("hub closed")

// Conn is one authenticated transport session. Send must not block; it
// reports false when the frame could not be queued.
type Conn interface {
	Handle() string
	UserID() string
	Send(frame []byte) bool
	Close()
}

type Options struct {
	ICEServers  []webrtc.ICEServer
	RingTimeout time.Duration
}

type Hub struct {
	registry *presence.Registry
	router   *router.Router
	broker   *call.Broker
	emitter  events.Emitter
	metrics  *metrics.Metrics
	log      *zap.Logger
	opts     Options

	// lifecycleMu makes "mutate presence, then broadcast" one step per
	// connection.
	lifecycleMu sync.Mutex
	closed      bool

	connsMu sync.RWMutex
	conns   map[string]Conn
}

func New(opts Options, emitter events.Emitter, m *metrics.Metrics, log *zap.Logger) *Hub {
	h := &Hub{
		registry: presence.NewRegistry(),
		emitter:  emitter,
		metrics:  m,
		log:      log.Named("hub"),
		opts:     opts,
		conns:    map[string]Conn{},
	}
	h.router = router.New(h.registry, h, m, log)
	h.broker = call.NewBroker(h.registry, h, emitter, m, log, call.Options{RingTimeout: opts.RingTimeout})
	return h
}

func (h *Hub) Registry() *presence.Registry { return h.registry }
func (h *Hub) Router() *router.Router        { return h.router }
func (h *Hub) Broker() *call.Broker          { return h.broker }

// Admit registers conn and announces its user to everyone else.
func (h *Hub) Admit(conn Conn) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.closed {
		return ErrClosed
	}

	handle, userID := conn.Handle(), conn.UserID()

	h.connsMu.Lock()
	h.conns[handle] = conn
	h.connsMu.Unlock()

	evicted, replaced := h.registry.Register(userID, handle)
	if replaced {
		h.log.Info("presence moved to newer connection",
			zap.String("user_id", userID),
			zap.String("handle", handle),
			zap.String("evicted_handle", evicted),
		)
	}

	h.broadcast(protocol.UserOnline{UserID: userID}, handle)

	others := make([]string, 0, h.registry.Len())
	for _, id := range h.registry.Online() {
		if id != userID {
			others = append(others, id)
		}
	}
	h.Deliver(handle, protocol.OnlineUsers{UserIDs: others})
	h.Deliver(handle, protocol.RTCConfig{ICEServers: h.opts.ICEServers})

	h.metrics.ActiveConnections.Inc()
	h.metrics.OnlineUsers.Set(float64(h.registry.Len()))
	h.emitter.Emit(events.TypeUserOnline, map[string]any{
		"user_id": userID,
		"handle":  handle,
	})

	h.log.Debug("connection admitted", zap.String("user_id", userID), zap.String("handle", handle))
	return nil
}

// Disconnect forgets conn. user-offline is only broadcast when conn was
// still the user's registered connection.
func (h *Hub) Disconnect(conn Conn) {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	handle := conn.Handle()

	h.connsMu.Lock()
	current, ok := h.conns[handle]
	if ok && current == conn {
		delete(h.conns, handle)
	}
	h.connsMu.Unlock()
	if !ok || current != conn {
		return
	}

	userID, wasLive := h.registry.Unregister(handle)
	h.router.LeaveAll(handle)
	abandoned := h.broker.Abandon(handle)

	if wasLive {
		h.broadcast(protocol.UserOffline{UserID: userID}, handle)
		h.emitter.Emit(events.TypeUserOffline, map[string]any{
			"user_id": userID,
			"handle":  handle,
		})
	}

	h.metrics.ActiveConnections.Dec()
	h.metrics.OnlineUsers.Set(float64(h.registry.Len()))

	h.log.Debug("connection removed",
		zap.String("user_id", conn.UserID()),
		zap.String("handle", handle),
		zap.Bool("was_live", wasLive),
		zap.Int("calls_abandoned", abandoned),
	)
}

// HandleFrame decodes and dispatches one inbound frame. Errors never
// escape: a bad frame is answered with an error event and dropped.
func (h *Hub) HandleFrame(conn Conn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic while handling frame",
				zap.String("handle", conn.Handle()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	ev, err := protocol.Decode(raw)
	if err != nil {
		name := protocol.PeekEvent(raw)
		label := name
		if !protocol.Known(name) {
			label = "unknown"
		}
		h.metrics.MalformedFramesTotal.WithLabelValues(label).Inc()
		h.log.Warn("malformed frame dropped",
			zap.String("handle", conn.Handle()),
			zap.String("user_id", conn.UserID()),
			zap.Error(err),
		)
		h.Deliver(conn.Handle(), protocol.Error{Event: name, Message: err.Error()})
		return
	}
	h.metrics.FramesTotal.WithLabelValues(ev.EventName()).Inc()

	h.dispatch(call.Party{Handle: conn.Handle(), UserID: conn.UserID()}, ev)
}

func (h *Hub) dispatch(from call.Party, ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.JoinRoom:
		h.router.Join(from.Handle, e.RoomID)
	case protocol.LeaveRoom:
		h.router.Leave(from.Handle, e.RoomID)
	case protocol.SendMessage:
		h.router.SendMessage(from.UserID, e)
	case protocol.Typing:
		h.router.Typing(from.UserID, e.RecipientID, true)
	case protocol.StopTyping:
		h.router.Typing(from.UserID, e.RecipientID, false)
	case protocol.CallUser:
		h.broker.CallUser(from, e)
	case protocol.AnswerCall:
		h.broker.AnswerCall(from, e)
	case protocol.RejectCall:
		h.broker.RejectCall(from, e)
	case protocol.EndCall:
		h.broker.EndCall(from, e)
	case protocol.IceCandidate:
		h.broker.RelayCandidate(from, e)
	case protocol.Ping:
		h.Deliver(from.Handle, protocol.Pong{})
	default:
		h.log.Warn("no handler for event", zap.String("event", ev.EventName()))
	}
}

// Deliver implements protocol.Outbox.
func (h *Hub) Deliver(handle string, ev protocol.Event) bool {
	h.connsMu.RLock()
	conn, ok := h.conns[handle]
	h.connsMu.RUnlock()
	if !ok {
		return false
	}

	frame, err := protocol.Encode(ev)
	if err != nil {
		h.log.Error("encode failed", zap.String("event", ev.EventName()), zap.Error(err))
		return false
	}

	if !conn.Send(frame) {
		h.log.Warn("send buffer full, frame dropped",
			zap.String("handle", handle),
			zap.String("event", ev.EventName()),
		)
		return false
	}
	return true
}

func (h *Hub) broadcast(ev protocol.Event, exceptHandle string) int {
	frame, err := protocol.Encode(ev)
	if err != nil {
		h.log.Error("encode failed", zap.String("event", ev.EventName()), zap.Error(err))
		return 0
	}

	h.connsMu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for handle, conn := range h.conns {
		if handle != exceptHandle {
			targets = append(targets, conn)
		}
	}
	h.connsMu.RUnlock()

	sent := 0
	for _, conn := range targets {
		ok := conn.Send(frame)
		h.metrics.Delivery("presence", ok)
		if ok {
			sent++
		}
	}
	return sent
}

type Stats struct {
	Connections int      `json:"connections"`
	Online      []string `json:"online"`
	ActiveCalls int      `json:"active_calls"`
	Rooms       int      `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	h.connsMu.RLock()
	n := len(h.conns)
	h.connsMu.RUnlock()

	return Stats{
		Connections: n,
		Online:      h.registry.Online(),
		ActiveCalls: h.broker.Active(),
		Rooms:       h.router.RoomCount(),
	}
}

// Shutdown refuses new admissions and closes every live connection. Their
// read loops then run Disconnect as usual.
func (h *Hub) Shutdown() {
	h.lifecycleMu.Lock()
	h.closed = true
	h.lifecycleMu.Unlock()

	h.connsMu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	h.broker.Close()
	h.log.Info("hub shut down", zap.Int("connections_closed", len(conns)))
}

func (s Stats) String() string {
	return fmt.Sprintf("connections=%d online=%d calls=%d rooms=%d", s.Connections, len(s.Online), s.ActiveCalls, s.Rooms)
}
