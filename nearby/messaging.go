package nearby

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerlink/network"
	"peerlink/peer"
)

// MaxMessageSize is the largest payload accepted by Send.
const MaxMessageSize = 8 * 1024 * 1024

// Mode selects the delivery guarantee of a message.
type Mode int

const (
	// Reliable messages arrive in send order per peer or the sender learns of the failure.
	Reliable Mode = iota
	// Unreliable messages are best effort and may be dropped.
	Unreliable
)

func (m Mode) String() string {
	if m == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

// Send queues data for every connected peer in toPeers and returns
// immediately. It fails with ErrSendRejected when none of them is connected.
// A reliable Completion resolves once every target acknowledged; an
// unreliable one resolves when the message is queued.
func (s *Session) Send(data []byte, toPeers []peer.Identity, mode Mode) (*Completion, error) {
	if s.closing.Load() {
		return nil, ErrSessionClosed
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds %d", ErrSendRejected, len(data), MaxMessageSize)
	}

	seen := make(map[string]struct{}, len(toPeers))
	var conns []*peerConn
	for _, p := range toPeers {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		if _, conn := s.connectedConn(p.ID); conn != nil {
			conns = append(conns, conn)
		}
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("%w: no connected peer among %d targets", ErrSendRejected, len(toPeers))
	}

	payload := append([]byte(nil), data...)
	id := uuid.NewString()

	if mode == Unreliable {
		for _, conn := range conns {
			if !conn.outbox.pushUnreliable(&outgoing{id: id, data: payload}) {
				s.log.WithField("message", id).Debug("unreliable queue full, dropping message")
			}
		}
		return resolvedCompletion(nil), nil
	}

	tracker := newDelivery(len(conns))
	for _, conn := range conns {
		if err := conn.outbox.pushReliable(&outgoing{id: id, data: payload, reliable: true, delivery: tracker}); err != nil {
			tracker.fail(err)
		}
	}
	return tracker.completion, nil
}

// SendToAll sends data to every connected peer.
func (s *Session) SendToAll(data []byte, mode Mode) (*Completion, error) {
	return s.Send(data, s.ConnectedPeers(), mode)
}

type delivery struct {
	remaining  atomic.Int32
	completion *Completion
}

func newDelivery(targets int) *delivery {
	d := &delivery{completion: newCompletion()}
	d.remaining.Store(int32(targets))
	return d
}

func (d *delivery) ack() {
	if d.remaining.Add(-1) == 0 {
		d.completion.resolve(nil)
	}
}

func (d *delivery) fail(err error) {
	d.completion.resolve(err)
}

type outgoing struct {
	id       string
	data     []byte
	reliable bool
	delivery *delivery
	sentAt   time.Time
}

// outbox is the per-link send queue. Reliable messages wait in an unbounded
// FIFO and then in the in-flight table until acknowledged; unreliable ones
// go through a small bounded channel.
type outbox struct {
	mu       sync.Mutex
	queued   []*outgoing
	inflight map[string]*outgoing
	failed   error

	signal     chan struct{}
	unreliable chan *outgoing
}

func newOutbox(unreliableSize int) *outbox {
	return &outbox{
		inflight:   make(map[string]*outgoing),
		signal:     make(chan struct{}, 1),
		unreliable: make(chan *outgoing, unreliableSize),
	}
}

func (o *outbox) pushReliable(item *outgoing) error {
	o.mu.Lock()
	if o.failed != nil {
		err := o.failed
		o.mu.Unlock()
		return err
	}
	o.queued = append(o.queued, item)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) pushUnreliable(item *outgoing) bool {
	o.mu.Lock()
	failed := o.failed != nil
	o.mu.Unlock()
	if failed {
		return false
	}
	select {
	case o.unreliable <- item:
		return true
	default:
		return false
	}
}

func (o *outbox) takeReliable() []*outgoing {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.queued
	o.queued = nil
	return items
}

// awaitAck moves item to the in-flight table before it is written.
func (o *outbox) awaitAck(item *outgoing) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failed != nil {
		item.delivery.fail(o.failed)
		return false
	}
	item.sentAt = time.Now()
	o.inflight[item.id] = item
	return true
}

// expire fails every in-flight message written before now minus timeout.
func (o *outbox) expire(now time.Time, timeout time.Duration) int {
	o.mu.Lock()
	var stale []*outgoing
	for id, item := range o.inflight {
		if now.Sub(item.sentAt) >= timeout {
			stale = append(stale, item)
			delete(o.inflight, id)
		}
	}
	o.mu.Unlock()

	for _, item := range stale {
		item.delivery.fail(fmt.Errorf("%w: no ack for message %s within %s", ErrTransportLost, item.id, timeout))
	}
	return len(stale)
}

func (o *outbox) settle(id string, err error) {
	o.mu.Lock()
	item, ok := o.inflight[id]
	delete(o.inflight, id)
	o.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		item.delivery.fail(err)
		return
	}
	item.delivery.ack()
}

// fail resolves every queued and in-flight reliable message with cause.
func (o *outbox) fail(cause error) {
	o.mu.Lock()
	if o.failed != nil {
		o.mu.Unlock()
		return
	}
	o.failed = cause
	pending := o.queued
	o.queued = nil
	for _, item := range o.inflight {
		pending = append(pending, item)
	}
	o.inflight = make(map[string]*outgoing)
	o.mu.Unlock()

	for _, item := range pending {
		item.delivery.fail(cause)
	}
}

func (s *Session) pumpOutbox(e *peerEntry, conn *peerConn) {
	defer s.wg.Done()

	sweep := time.NewTicker(ackSweepInterval(s.cfg.AckTimeout))
	defer sweep.Stop()

	for {
		select {
		case <-conn.link.Done():
			conn.outbox.fail(s.lossCause(conn.link))
			return
		case now := <-sweep.C:
			if n := conn.outbox.expire(now, s.cfg.AckTimeout); n > 0 {
				s.log.WithFields(logrus.Fields{"peer": e.identity.ID, "expired": n}).Warn("reliable messages went unacknowledged")
			}
		case <-conn.outbox.signal:
			for _, item := range conn.outbox.takeReliable() {
				s.writeMessage(e, conn, item)
			}
		case item := <-conn.outbox.unreliable:
			s.writeMessage(e, conn, item)
		}
	}
}

func ackSweepInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (s *Session) writeMessage(e *peerEntry, conn *peerConn, item *outgoing) {
	link := conn.link
	ciphertext, nonce, err := link.Seal(item.data, messageAdditionalData(item.id))
	if err != nil {
		if item.reliable {
			item.delivery.fail(err)
		}
		return
	}
	msg := network.DataMessage{
		Type:       network.TypeMessage,
		MessageID:  item.id,
		Sequence:   link.NextSendSequence(),
		Reliable:   item.reliable,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Timestamp:  time.Now().UnixMilli(),
	}

	if !item.reliable {
		sent, err := link.TrySendMessage(msg)
		if err != nil || !sent {
			s.log.WithFields(logrus.Fields{"peer": e.identity.ID, "message": item.id}).Debug("unreliable message dropped")
		}
		return
	}

	if !conn.outbox.awaitAck(item) {
		return
	}
	if err := link.SendMessage(msg); err != nil {
		conn.outbox.settle(item.id, fmt.Errorf("%w: %w", ErrTransportLost, err))
	}
}

func messageAdditionalData(messageID string) string {
	return network.TypeMessage + "|" + messageID
}

// serveLink reads frames from one link until it ends.
func (s *Session) serveLink(e *peerEntry, conn *peerConn) {
	defer s.wg.Done()

	for {
		payload, err := conn.link.ReceiveMessage(s.ctx)
		if err != nil {
			break
		}
		s.handleFrame(e, conn, payload)
	}

	cause := s.lossCause(conn.link)
	s.detach(e, conn, cause)
	_ = conn.link.Close()
	s.abortInbound(conn, cause)
}

func (s *Session) handleFrame(e *peerEntry, conn *peerConn, payload []byte) {
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		s.dropFrame(e, err)
		return
	}

	switch msgType {
	case network.TypeMessage:
		msg, err := network.Decode[network.DataMessage](payload)
		if err != nil {
			s.dropFrame(e, err)
			if id, ok := reliableMessageID(payload); ok {
				s.sendAck(e, conn, id, network.StatusFailed)
			}
			return
		}
		s.handleData(e, conn, msg)
	case network.TypeMessageAck:
		ack, err := network.Decode[network.MessageAck](payload)
		if err != nil {
			s.dropFrame(e, err)
			return
		}
		if ack.Status == network.StatusDelivered {
			conn.outbox.settle(ack.MessageID, nil)
		} else {
			conn.outbox.settle(ack.MessageID, fmt.Errorf("%w: peer could not read message %s", ErrDecodeFailure, ack.MessageID))
		}
	case network.TypeResourceOffer:
		offer, err := network.Decode[network.ResourceOffer](payload)
		if err != nil {
			s.dropFrame(e, err)
			return
		}
		s.handleOffer(e, conn, offer)
	case network.TypeResourceChunk:
		chunk, err := network.Decode[network.ResourceChunk](payload)
		if err != nil {
			s.dropFrame(e, err)
			return
		}
		s.handleChunk(e, conn, chunk)
	case network.TypeResourceResponse:
		response, err := network.Decode[network.ResourceResponse](payload)
		if err != nil {
			s.dropFrame(e, err)
			return
		}
		s.transfers.route(conn, response.TransferID, response)
	case network.TypeResourceComplete:
		complete, err := network.Decode[network.ResourceComplete](payload)
		if err != nil {
			s.dropFrame(e, err)
			return
		}
		s.handleComplete(conn, complete)
	case network.TypeError:
		remote, err := network.Decode[network.ErrorMessage](payload)
		if err == nil {
			s.log.WithFields(logrus.Fields{"peer": e.identity.ID, "code": remote.Code}).Warn(remote.Message)
		}
	default:
		s.dropFrame(e, fmt.Errorf("unexpected frame type %q", msgType))
	}
}

func (s *Session) handleData(e *peerEntry, conn *peerConn, msg network.DataMessage) {
	link := conn.link
	reject := func(err error) {
		s.dropFrame(e, err)
		if msg.Reliable && msg.MessageID != "" {
			s.sendAck(e, conn, msg.MessageID, network.StatusFailed)
		}
	}
	if err := link.ValidateSequence(msg.Sequence); err != nil {
		reject(err)
		return
	}

	data, err := link.Open(msg.Ciphertext, msg.Nonce, messageAdditionalData(msg.MessageID))
	if err != nil {
		reject(err)
		return
	}

	from := e.identity
	s.post(func(d SessionDelegate) {
		d.OnMessageReceived(from, data)
	})
	if msg.Reliable {
		s.sendAck(e, conn, msg.MessageID, network.StatusDelivered)
	}
}

// reliableMessageID recovers the id of a reliable data frame whose other
// fields failed to decode.
func reliableMessageID(payload []byte) (string, bool) {
	var head struct {
		MessageID string `json:"message_id"`
		Reliable  bool   `json:"reliable"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", false
	}
	return head.MessageID, head.Reliable && head.MessageID != ""
}

func (s *Session) sendAck(e *peerEntry, conn *peerConn, messageID, status string) {
	err := conn.link.SendMessage(network.MessageAck{
		Type:      network.TypeMessageAck,
		MessageID: messageID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.log.WithField("peer", e.identity.ID).WithError(err).Debug("send message ack failed")
	}
}

func (s *Session) dropFrame(e *peerEntry, err error) {
	s.log.WithField("peer", e.identity.ID).
		WithError(fmt.Errorf("%w: %w", ErrDecodeFailure, err)).
		Debug("dropping inbound frame")
}
