// Package call brokers the WebRTC offer/answer exchange between two
// connections. Each attempt is tracked as an explicit state machine keyed by
// a generated call id:
//
//	offered -> answered -> ended
//	offered -> rejected
//	offered -> ended
//
// Terminal attempts are forgotten immediately. SDP and ICE payloads are
// relayed untouched; the broker never inspects media.
package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pufferblow/realtime-core/internal/events"
	"github.com/pufferblow/realtime-core/internal/metrics"
	"github.com/pufferblow/realtime-core/internal/protocol"
)

type State string

const (
	StateOffered  State = "offered"
	StateAnswered State = "answered"
	StateRejected State = "rejected"
	StateEnded    State = "ended"
)

func (s State) Terminal() bool {
	return s == StateRejected || s == StateEnded
}

// Party identifies the connection a signaling event came from.
type Party struct {
	Handle string
	UserID string
}

type Call struct {
	ID           string
	CallerID     string
	CallerHandle string
	CalleeID     string
	CalleeHandle string
	Type         protocol.CallType
	State        State
	OfferedAt    time.Time
	AnsweredAt   time.Time
	EndedAt      time.Time
	EndReason    string

	timer *time.Timer
}

// peerOf returns the other side of the call as seen from handle.
func (c *Call) peerOf(handle string) (peerHandle, peerID string) {
	if handle == c.CallerHandle {
		return c.CalleeHandle, c.CalleeID
	}
	return c.CallerHandle, c.CallerID
}

func (c *Call) involves(handle string) bool {
	return handle == c.CallerHandle || handle == c.CalleeHandle
}

// Directory resolves a user id to its live connection handle.
type Directory interface {
	Lookup(userID string) (string, bool)
}

type Options struct {
	// RingTimeout ends attempts still offered after this long. Zero keeps
	// them ringing until a party answers, rejects, ends or disconnects.
	RingTimeout time.Duration
}

type Broker struct {
	dir     Directory
	out     protocol.Outbox
	emitter events.Emitter
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	calls    map[string]*Call
	byHandle map[string]map[string]struct{}
}

func NewBroker(dir Directory, out protocol.Outbox, emitter events.Emitter, m *metrics.Metrics, log *zap.Logger, opts Options) *Broker {
	return &Broker{
		dir:      dir,
		out:      out,
		emitter:  emitter,
		metrics:  m,
		log:      log.Named("call"),
		opts:     opts,
		now:      time.Now,
		newID:    uuid.NewString,
		calls:    map[string]*Call{},
		byHandle: map[string]map[string]struct{}{},
	}
}

type delivery struct {
	handle string
	ev     protocol.Event
}

func (b *Broker) send(ds ...delivery) {
	for _, d := range ds {
		ok := b.out.Deliver(d.handle, d.ev)
		b.metrics.Delivery("call", ok)
		if !ok {
			b.log.Debug("signal not delivered",
				zap.String("event", d.ev.EventName()),
				zap.String("handle", d.handle),
			)
		}
	}
}

// CallUser opens an attempt from the sender to req.TargetUserID. An offline
// target yields a single user-unavailable to the caller and no state.
func (b *Broker) CallUser(from Party, req protocol.CallUser) (string, bool) {
	unavailable := delivery{from.Handle, protocol.UserUnavailable{TargetUserID: req.TargetUserID}}

	calleeHandle, online := b.dir.Lookup(req.TargetUserID)
	if !online || req.TargetUserID == from.UserID {
		b.send(unavailable)
		return "", false
	}

	c := &Call{
		ID:           b.newID(),
		CallerID:     from.UserID,
		CallerHandle: from.Handle,
		CalleeID:     req.TargetUserID,
		CalleeHandle: calleeHandle,
		Type:         req.CallType,
		State:        StateOffered,
		OfferedAt:    b.now(),
	}

	b.mu.Lock()
	b.track(c)
	if b.opts.RingTimeout > 0 {
		id := c.ID
		c.timer = time.AfterFunc(b.opts.RingTimeout, func() { b.expire(id) })
	}
	offered := *c
	b.mu.Unlock()

	b.transitioned(offered)

	ok := b.out.Deliver(calleeHandle, protocol.IncomingCall{
		CallID:         c.ID,
		CallerID:       from.UserID,
		CallerSocketID: from.Handle,
		Offer:          req.Offer,
		CallType:       req.CallType,
	})
	b.metrics.Delivery("call", ok)
	if !ok {
		// The callee went away between lookup and delivery.
		b.mu.Lock()
		ended := b.finish(c, StateEnded, "unavailable")
		final := *c
		b.mu.Unlock()
		if ended {
			b.transitioned(final)
		}
		b.send(unavailable)
		return "", false
	}

	b.log.Debug("call offered",
		zap.String("call_id", offered.ID),
		zap.String("caller_id", offered.CallerID),
		zap.String("callee_id", offered.CalleeID),
		zap.String("call_type", string(offered.Type)),
	)
	return offered.ID, true
}

// AnswerCall relays the callee's answer to the caller handle captured at
// offer time. Answers that match no offered attempt are dropped.
func (b *Broker) AnswerCall(from Party, req protocol.AnswerCall) bool {
	b.mu.Lock()
	c := b.pendingFor(from.Handle, req.CallerSocketID, req.CallID)
	if c == nil {
		b.mu.Unlock()
		b.log.Debug("answer for unknown call dropped",
			zap.String("handle", from.Handle),
			zap.String("caller_socket_id", req.CallerSocketID),
			zap.String("call_id", req.CallID),
		)
		return false
	}
	c.State = StateAnswered
	c.AnsweredAt = b.now()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	snapshot := *c
	b.mu.Unlock()

	b.transitioned(snapshot)
	b.send(delivery{snapshot.CallerHandle, protocol.CallAnswered{
		CallID:     snapshot.ID,
		Answer:     req.Answer,
		AnswererID: from.UserID,
	}})
	return true
}

func (b *Broker) RejectCall(from Party, req protocol.RejectCall) bool {
	b.mu.Lock()
	c := b.pendingFor(from.Handle, req.CallerSocketID, req.CallID)
	if c == nil {
		b.mu.Unlock()
		b.log.Debug("reject for unknown call dropped",
			zap.String("handle", from.Handle),
			zap.String("caller_socket_id", req.CallerSocketID),
		)
		return false
	}
	b.finish(c, StateRejected, "rejected")
	b.mu.Unlock()

	b.transitioned(*c)
	b.send(delivery{c.CallerHandle, protocol.CallRejected{CallID: c.ID, RejectedBy: from.UserID}})
	return true
}

// EndCall tells the target user, resolved through presence, that the
// sender hung up. A tracked attempt between the two is closed as well.
func (b *Broker) EndCall(from Party, req protocol.EndCall) bool {
	b.mu.Lock()
	c := b.activeBetween(from.Handle, req.TargetUserID, req.CallID)
	targetID := req.TargetUserID
	var callID string
	if c != nil {
		_, peerID := c.peerOf(from.Handle)
		if targetID == "" {
			targetID = peerID
		}
		callID = c.ID
		b.finish(c, StateEnded, protocol.EndReasonHangup)
	}
	b.mu.Unlock()

	if c != nil {
		b.transitioned(*c)
	}
	if targetID == "" {
		return false
	}

	handle, online := b.dir.Lookup(targetID)
	if !online {
		return false
	}
	ok := b.out.Deliver(handle, protocol.CallEnded{CallID: callID, EndedBy: from.UserID})
	b.metrics.Delivery("call", ok)
	return ok
}

// RelayCandidate forwards an ICE candidate. The explicit handle wins over
// the user id. Order is preserved by the target connection's send queue.
func (b *Broker) RelayCandidate(from Party, req protocol.IceCandidate) bool {
	handle := req.TargetSocketID
	if handle == "" {
		var online bool
		handle, online = b.dir.Lookup(req.TargetUserID)
		if !online {
			return false
		}
	}

	ok := b.out.Deliver(handle, protocol.IceCandidateRelay{
		Candidate: req.Candidate,
		SenderID:  from.UserID,
	})
	b.metrics.Delivery("ice", ok)
	return ok
}

// Abandon ends every open attempt involving handle and tells the surviving
// party. Called when a connection goes away.
func (b *Broker) Abandon(handle string) int {
	b.mu.Lock()
	var (
		ended []*Call
		notes []delivery
	)
	for id := range b.byHandle[handle] {
		c := b.calls[id]
		if c == nil || c.State.Terminal() {
			continue
		}
		peerHandle, _ := c.peerOf(handle)
		_, leaverID := c.peerOf(peerHandle)
		b.finish(c, StateEnded, protocol.EndReasonDisconnected)
		ended = append(ended, c)
		notes = append(notes, delivery{peerHandle, protocol.CallEnded{
			CallID:  c.ID,
			EndedBy: leaverID,
			Reason:  protocol.EndReasonDisconnected,
		}})
	}
	b.mu.Unlock()

	for _, c := range ended {
		b.transitioned(*c)
	}
	b.send(notes...)
	return len(ended)
}

func (b *Broker) expire(id string) {
	b.mu.Lock()
	c, ok := b.calls[id]
	if !ok || c.State != StateOffered {
		b.mu.Unlock()
		return
	}
	b.finish(c, StateEnded, protocol.EndReasonTimeout)
	b.mu.Unlock()

	b.log.Info("call ring timeout", zap.String("call_id", c.ID))
	b.transitioned(*c)
	ev := protocol.CallEnded{CallID: c.ID, Reason: protocol.EndReasonTimeout}
	b.send(delivery{c.CallerHandle, ev}, delivery{c.CalleeHandle, ev})
}

// Get returns a copy of an open attempt.
func (b *Broker) Get(id string) (Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.calls[id]
	if !ok {
		return Call{}, false
	}
	out := *c
	out.timer = nil
	return out, true
}

func (b *Broker) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Close stops every ring timer. Open attempts are dropped without notice.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.calls {
		if c.timer != nil {
			c.timer.Stop()
		}
	}
	b.metrics.ActiveCalls.Sub(float64(len(b.calls)))
	b.calls = map[string]*Call{}
	b.byHandle = map[string]map[string]struct{}{}
}

func (b *Broker) track(c *Call) {
	b.calls[c.ID] = c
	for _, h := range []string{c.CallerHandle, c.CalleeHandle} {
		ids, ok := b.byHandle[h]
		if !ok {
			ids = map[string]struct{}{}
			b.byHandle[h] = ids
		}
		ids[c.ID] = struct{}{}
	}
	b.metrics.ActiveCalls.Inc()
}

// finish moves c to a terminal state and forgets it. Caller holds b.mu.
func (b *Broker) finish(c *Call, state State, reason string) bool {
	if _, ok := b.calls[c.ID]; !ok {
		return false
	}

	c.State = state
	c.EndedAt = b.now()
	c.EndReason = reason
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	delete(b.calls, c.ID)
	for _, h := range []string{c.CallerHandle, c.CalleeHandle} {
		if ids := b.byHandle[h]; ids != nil {
			delete(ids, c.ID)
			if len(ids) == 0 {
				delete(b.byHandle, h)
			}
		}
	}
	b.metrics.ActiveCalls.Dec()
	return true
}

// pendingFor finds the offered attempt addressed to calleeHandle. Caller
// holds b.mu.
func (b *Broker) pendingFor(calleeHandle, callerHandle, callID string) *Call {
	match := func(c *Call) bool {
		return c != nil &&
			c.State == StateOffered &&
			c.CalleeHandle == calleeHandle &&
			(callerHandle == "" || c.CallerHandle == callerHandle)
	}

	if callID != "" {
		if c := b.calls[callID]; match(c) {
			return c
		}
		return nil
	}

	var found *Call
	for id := range b.byHandle[calleeHandle] {
		c := b.calls[id]
		if match(c) && (found == nil || c.OfferedAt.After(found.OfferedAt)) {
			found = c
		}
	}
	return found
}

// activeBetween finds an open attempt between handle and peerID. Caller
// holds b.mu.
func (b *Broker) activeBetween(handle, peerID, callID string) *Call {
	if callID != "" {
		c := b.calls[callID]
		if c == nil || !c.involves(handle) {
			return nil
		}
		if _, pid := c.peerOf(handle); peerID != "" && pid != peerID {
			return nil
		}
		return c
	}

	var found *Call
	for id := range b.byHandle[handle] {
		c := b.calls[id]
		if c == nil {
			continue
		}
		if _, pid := c.peerOf(handle); pid != peerID {
			continue
		}
		if found == nil || c.OfferedAt.After(found.OfferedAt) {
			found = c
		}
	}
	return found
}

// transitioned records a state change. c is a copy taken under b.mu or a
// call already removed from the table.
func (b *Broker) transitioned(c Call) {
	b.metrics.CallTransitionsTotal.WithLabelValues(string(c.State)).Inc()

	payload := map[string]any{
		"call_id":    c.ID,
		"caller_id":  c.CallerID,
		"callee_id":  c.CalleeID,
		"call_type":  string(c.Type),
		"state":      string(c.State),
		"offered_at": c.OfferedAt.UTC().Format(time.RFC3339Nano),
	}
	if !c.AnsweredAt.IsZero() {
		payload["answered_at"] = c.AnsweredAt.UTC().Format(time.RFC3339Nano)
	}
	if !c.EndedAt.IsZero() {
		payload["ended_at"] = c.EndedAt.UTC().Format(time.RFC3339Nano)
		payload["end_reason"] = c.EndReason
	}

	b.emitter.Emit(eventTypeFor(c.State), payload)
}

func eventTypeFor(s State) string {
	switch s {
	case StateOffered:
		return events.TypeCallOffered
	case StateAnswered:
		return events.TypeCallAnswered
	case StateRejected:
		return events.TypeCallRejected
	default:
		return events.TypeCallEnded
	}
}
