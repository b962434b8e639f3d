// Package transport adapts a gorilla/websocket connection to the hub's
// Conn contract: a buffered, non-blocking send queue drained by a single
// writer goroutine, and a read loop with ping/pong keepalive.
package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	SendBuffer   int
	ReadLimit    int64
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 4 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 45 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 2
	}
	return o
}

type Peer struct {
	handle      string
	userID      string
	remoteAddr  string
	connectedAt time.Time

	ws   *websocket.Conn
	opts Options
	log  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewPeer(ws *websocket.Conn, userID string, opts Options, log *zap.Logger) *Peer {
	opts = opts.withDefaults()
	handle := uuid.NewString()
	return &Peer{
		handle:      handle,
		userID:      userID,
		remoteAddr:  ws.RemoteAddr().String(),
		connectedAt: time.Now(),
		ws:          ws,
		opts:        opts,
		log:         log.With(zap.String("handle", handle), zap.String("user_id", userID)),
		send:        make(chan []byte, opts.SendBuffer),
		done:        make(chan struct{}),
	}
}

func (p *Peer) Handle() string         { return p.handle }
func (p *Peer) UserID() string         { return p.userID }
func (p *Peer) RemoteAddr() string     { return p.remoteAddr }
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }
func (p *Peer) Done() <-chan struct{}  { return p.done }

// Send queues frame for the writer. It never blocks; a full queue or a
// closed peer drops the frame.
func (p *Peer) Send(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops both pumps and closes the socket. Safe to call repeatedly.
func (p *Peer) Close() {
	p.closeWith(websocket.CloseNormalClosure, "")
}

func (p *Peer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		deadline := time.Now().Add(p.opts.WriteTimeout)
		_ = p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = p.ws.Close()
	})
}

// Run starts the writer and blocks in the read loop, passing every data
// frame to onFrame in arrival order. It returns once the connection is
// gone.
func (p *Peer) Run(onFrame func(raw []byte)) {
	go p.writePump()

	p.ws.SetReadLimit(p.opts.ReadLimit)
	_ = p.ws.SetReadDeadline(time.Now().Add(p.opts.PongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(p.opts.PongWait))
	})

	for {
		msgType, raw, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				p.log.Debug("connection closed unexpectedly", zap.Error(err))
			}
			break
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		onFrame(raw)
	}

	p.Close()
}

func (p *Peer) writePump() {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.log.Debug("write failed", zap.Error(err))
				p.Close()
				return
			}
		case <-ticker.C:
			if err := p.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(p.opts.WriteTimeout)); err != nil {
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// Reject writes one frame and closes with a policy violation. Used for
// sockets that fail admission before a Peer exists.
func Reject(ws *websocket.Conn, frame []byte, reason string, writeTimeout time.Duration) {
	if writeTimeout <= 0 {
		writeTimeout = 4 * time.Second
	}
	deadline := time.Now().Add(writeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if frame != nil {
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = ws.Close()
}
