// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// maxChanLen is the size of the buffered channel used to deliver
// messages to a subscriber, carried over from the teacher's
// maxChanLen constant. A subscriber whose channel fills up is
// considered a slow consumer.
const maxChanLen = 8192

// Subscription represents interest in a given subject, expressed as a
// stream of *Message, delivered on Msgs.
type Subscription struct {
	mu sync.Mutex

	sid     string
	Subject string
	Queue   string

	msgs      uint64
	delivered uint64
	bytes     uint64
	max       uint32
	hasMax    bool

	Msgs chan *Message

	conn *Conn
	sc   bool // slow consumer: set once a delivery is dropped, never cleared
	err  error
}

// Pending reports the number of messages queued but not yet consumed from
// Msgs, grounded on the teacher's Subscription.Pending(). The bytes
// value is not a pending count: it is the total payload bytes of every
// MSG that has arrived for this subscription, counted on arrival and
// never reduced when a message is consumed (messages dropped as a slow
// consumer are included).
func (s *Subscription) Pending() (msgs int, bytes int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Msgs == nil {
		return 0, 0, ErrBadSubscription
	}
	return len(s.Msgs), int(s.bytes), nil
}

// IsValid reports whether the subscription is still registered.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Err returns the terminal error that ended this subscription's stream,
// if any (e.g. *SubscriptionMaxMsgsError after Unsubscribe(max) caps it).
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe cancels interest in this subscription's subject.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	conn := s.conn
	sid := s.sid
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.Unsubscribe(UnsubCommand{Sid: sid})
}

// AutoUnsubscribe caps the subscription at max further deliveries.
func (s *Subscription) AutoUnsubscribe(max uint32) error {
	s.mu.Lock()
	conn := s.conn
	sid := s.sid
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	return conn.Unsubscribe(UnsubCommand{Sid: sid, MaxMsgs: &max})
}

// Drain stops server-side delivery (an UNSUB with no max, same as
// Unsubscribe) but leaves the local multiplexer entry and Msgs channel
// open until every message already queued has been consumed, then tears
// the subscription down. Grounded on test/drain_test.go's use of
// sub.Drain().
func (s *Subscription) Drain() error {
	s.mu.Lock()
	conn := s.conn
	sid := s.sid
	s.mu.Unlock()
	if conn == nil {
		return ErrBadSubscription
	}
	if err := conn.sender.send(Op{Kind: OpUnsub, Unsub: &UnsubCommand{Sid: sid}}); err != nil {
		return err
	}
	conn.mux.drain(sid)
	return nil
}

// subscriptionSink is the Multiplexer's per-sid bookkeeping entry.
type subscriptionSink struct {
	sub *Subscription
}

// multiplexer consumes the inbound Op stream from a Connection, routes
// MSG deliveries by sid, enforces per-subscription caps, and forwards
// every other op onto the system channel.
type multiplexer struct {
	mu   sync.RWMutex
	subs map[string]*subscriptionSink

	system chan Op
	log    *logrus.Logger
	onSlow func(*Subscription)
}

func newMultiplexer(log *logrus.Logger, onSlow func(*Subscription)) *multiplexer {
	return &multiplexer{
		subs:   make(map[string]*subscriptionSink),
		system: make(chan Op, 256),
		log:    log,
		onSlow: onSlow,
	}
}

// run drains inbound until it is closed (connection torn down).
func (m *multiplexer) run(inbound <-chan Op) {
	for op := range inbound {
		if op.Kind == OpMsg {
			m.deliver(op.Msg)
			continue
		}
		select {
		case m.system <- op:
		default:
			// System channel backed up; drop rather than block the
			// reader loop. PING goes through this channel too: Conn's
			// reactor drains it, answers PING, and re-emits onto the
			// public c.System stream without blocking, so an
			// application that is slow to drain c.System does not back
			// this channel up.
		}
	}
	close(m.system)
}

func (m *multiplexer) deliver(msg *Message) {
	m.mu.RLock()
	sink, ok := m.subs[msg.Sid]
	m.mu.RUnlock()
	if !ok {
		// Unknown sid: arrived after local unsubscribe but before the
		// server processed it. Drop silently, per spec.md §4.5.
		return
	}

	sub := sink.sub
	sub.mu.Lock()
	if sub.Msgs == nil {
		sub.mu.Unlock()
		return
	}
	atomic.AddUint64(&sub.msgs, 1)
	atomic.AddUint64(&sub.bytes, uint64(len(msg.Payload)))

	var reachedMax bool
	var maxVal uint32
	if sub.hasMax {
		sub.delivered++
		if sub.delivered >= uint64(sub.max) {
			reachedMax = true
			maxVal = sub.max
		}
	}
	ch := sub.Msgs
	sid := sub.sid
	sub.mu.Unlock()

	select {
	case ch <- msg:
	default:
		sub.mu.Lock()
		sub.sc = true
		sub.mu.Unlock()
		if m.onSlow != nil {
			m.onSlow(sub)
		}
		if m.log != nil {
			m.log.WithField("sid", sid).Warn("nitox: slow consumer, message dropped")
		}
		return
	}

	if reachedMax {
		sub.mu.Lock()
		sub.err = &SubscriptionMaxMsgsError{Max: maxVal}
		close(sub.Msgs)
		sub.Msgs = nil
		sub.conn = nil
		sub.mu.Unlock()
		m.removeSid(sid)
	}
}

// forSid registers a fresh Subscription under sid and returns it. The
// caller is expected to have already (or concurrently) sent the SUB
// command.
func (m *multiplexer) forSid(conn *Conn, subject, queue, sid string) *Subscription {
	sub := &Subscription{
		sid:     sid,
		Subject: subject,
		Queue:   queue,
		Msgs:    make(chan *Message, maxChanLen),
		conn:    conn,
	}
	m.mu.Lock()
	m.subs[sid] = &subscriptionSink{sub: sub}
	m.mu.Unlock()
	return sub
}

// setMax records a local delivery cap on sid, returning false if sid is
// no longer known (already unsubscribed).
func (m *multiplexer) setMax(sid string, max uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sink, ok := m.subs[sid]
	if !ok {
		return false
	}
	sink.sub.mu.Lock()
	sink.sub.max = max
	sink.sub.hasMax = true
	sink.sub.mu.Unlock()
	return true
}

// removeSid deletes sid's entry; any subsequent MSG for it is dropped,
// and a blocked consumer observes the channel close (if not already
// closed by the cap-reached path).
func (m *multiplexer) removeSid(sid string) {
	m.mu.Lock()
	sink, ok := m.subs[sid]
	delete(m.subs, sid)
	m.mu.Unlock()
	if !ok {
		return
	}
	sink.sub.mu.Lock()
	if sink.sub.Msgs != nil {
		close(sink.sub.Msgs)
		sink.sub.Msgs = nil
	}
	sink.sub.conn = nil
	sink.sub.mu.Unlock()
}

// drain is like removeSid, but first lets a consumer catch up: it spawns
// a goroutine that waits for the channel to empty before tearing the
// entry down, so messages already queued are not discarded.
func (m *multiplexer) drain(sid string) {
	m.mu.RLock()
	sink, ok := m.subs[sid]
	m.mu.RUnlock()
	if !ok {
		return
	}
	go func() {
		for {
			sink.sub.mu.Lock()
			ch := sink.sub.Msgs
			sink.sub.mu.Unlock()
			if ch == nil || len(ch) == 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		m.removeSid(sid)
	}()
}

func (m *multiplexer) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
