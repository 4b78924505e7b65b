// Copyright 2012 Apcera Inc. All rights reserved.

// Package nitox is a client for a plain-text, line-oriented publish/
// subscribe broker protocol (the wire grammar nats-server speaks), with
// optional TLS, queue-group subscriptions, and request/reply.
package nitox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Stats tracks message/byte counters and reconnect count for a Conn,
// carried over from the teacher's Stats struct.
type Stats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// Conn is the public façade: it owns a Connection, a sender and a
// multiplexer, and runs the system-stream reactor that auto-replies to
// PING, tracks server INFO, and drives the verbose-ack trigger on +OK.
type Conn struct {
	opts Options
	log  *logrus.Logger

	conn   *Connection
	sender *sender
	mux    *multiplexer

	serverInfo atomic.Value // ServerInfo

	stats Stats

	// System is a stream of system-level ops (PING, -ERR, anything not
	// otherwise consumed) the application may observe.
	System chan Op

	pongMu sync.Mutex
	pongs  []chan struct{}

	closeOnce sync.Once
}

// Connect resolves opts.ClusterURI, dials the broker (upgrading to TLS
// first if configured), waits for the server's greeting INFO, wires the
// sender and multiplexer to the socket, spawns the system-stream
// reactor, and sends CONNECT. spec.md's from_options()/connect() split
// is collapsed into this one call; the INFO-before-CONNECT ordering
// invariant is still honored internally.
func Connect(opts Options) (*Conn, error) {
	if opts.ClusterURI == "" {
		opts.ClusterURI = DefaultURL
	}

	c := &Conn{
		opts:   opts,
		log:    opts.Logger,
		System: make(chan Op, 256),
	}

	maxReconnect := opts.MaxReconnect
	if !opts.AllowReconnect {
		maxReconnect = 0
	}

	connOpts := connectionOptions{
		addr:          opts.ClusterURI,
		tlsConfig:     opts.TLSConfig,
		dialTimeout:   opts.DialTimeout,
		maxReconnect:  maxReconnect,
		reconnectWait: opts.ReconnectWait,
		log:           opts.Logger,
		onDisconnect: func() {
			if opts.DisconnectedCB != nil {
				opts.DisconnectedCB(c)
			}
		},
		onReconnect: func() {
			atomic.AddUint64(&c.stats.Reconnects, 1)
			if opts.ReconnectedCB != nil {
				opts.ReconnectedCB(c)
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	conn, err := dialConnection(ctx, connOpts)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	info, err := c.awaitFirstInfo()
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.serverInfo.Store(*info)

	c.mux = newMultiplexer(opts.Logger, func(sub *Subscription) {
		if opts.AsyncErrorCB != nil {
			opts.AsyncErrorCB(c, sub, ErrSlowConsumer)
		}
	})
	c.sender = newSender(conn, opts.Connect.Verbose)

	go c.mux.run(conn.inbound)
	go c.runSystemReactor()

	if err := c.sender.send(Op{Kind: OpConnect, Conn: &opts.Connect}); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

// awaitFirstInfo blocks (bounded by DialTimeout) for the first frame off
// the wire and requires it to be INFO, the way the teacher's
// processExpectedInfo does.
func (c *Conn) awaitFirstInfo() (*ServerInfo, error) {
	timeout := c.conn.dialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	select {
	case op, ok := <-c.conn.inbound:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if op.Kind != OpInfo {
			return nil, fmt.Errorf("%w: expected INFO, got kind %d", ErrCommandMalformed, op.Kind)
		}
		return op.Info, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// runSystemReactor consumes the multiplexer's system channel for the
// lifetime of the connection. PING is answered by feeding PONG directly
// into the sender — never through c.System — so an application that is
// not draining c.System never stalls liveness.
func (c *Conn) runSystemReactor() {
	for op := range c.mux.system {
		switch op.Kind {
		case OpPing:
			_ = c.sender.send(Op{Kind: OpPong})
			c.reemit(op)
		case OpInfo:
			c.serverInfo.Store(*op.Info)
			c.reemit(op)
		case OpPong:
			c.signalPong()
		case OpOK:
			c.sender.onOK()
		case OpErr:
			c.reemit(op)
		default:
			c.reemit(op)
		}
	}
	close(c.System)
}

func (c *Conn) reemit(op Op) {
	select {
	case c.System <- op:
	default:
		if c.log != nil {
			c.log.WithField("kind", op.Kind).Debug("nitox: system stream full, dropping op")
		}
	}
}

func (c *Conn) getServerInfo() *ServerInfo {
	v := c.serverInfo.Load()
	if v == nil {
		return nil
	}
	info := v.(ServerInfo)
	return &info
}

// ServerInfo returns the most recently received server greeting.
func (c *Conn) ServerInfo() ServerInfo {
	info := c.getServerInfo()
	if info == nil {
		return ServerInfo{}
	}
	return *info
}

func (c *Conn) checkMaxPayload(n int) error {
	info := c.getServerInfo()
	if info != nil && info.MaxPayload > 0 && int64(n) > info.MaxPayload {
		return &MaxPayloadError{Max: info.MaxPayload}
	}
	return nil
}

// Publish sends data to subject, with no reply subject.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.PublishMsg(PubCommand{Subject: subject, Payload: data})
}

// PublishRequest publishes data to subject, naming replyTo as the
// subject subscribers may respond on.
func (c *Conn) PublishRequest(subject, replyTo string, data []byte) error {
	return c.PublishMsg(PubCommand{Subject: subject, ReplyTo: replyTo, Payload: data})
}

// PublishMsg sends a fully-populated PubCommand. Validation failures
// (bad subject/reply token, payload over max_payload) are returned
// without ever touching the socket.
func (c *Conn) PublishMsg(cmd PubCommand) error {
	if err := validateToken(cmd.Subject, "subject"); err != nil {
		return err
	}
	if cmd.ReplyTo != "" {
		if err := validateToken(cmd.ReplyTo, "inbox"); err != nil {
			return err
		}
	}
	if err := c.checkMaxPayload(len(cmd.Payload)); err != nil {
		return err
	}
	if err := c.sender.send(Op{Kind: OpPub, Pub: &cmd}); err != nil {
		return err
	}
	atomic.AddUint64(&c.stats.OutMsgs, 1)
	atomic.AddUint64(&c.stats.OutBytes, uint64(len(cmd.Payload)))
	return nil
}

// Subscribe expresses interest in subject and returns a Subscription
// whose Msgs channel delivers messages in server order.
func (c *Conn) Subscribe(subject string) (*Subscription, error) {
	return c.subscribe(subject, "")
}

// QueueSubscribe is Subscribe with a queue group: the broker delivers
// each message to exactly one member of the group.
func (c *Conn) QueueSubscribe(subject, queue string) (*Subscription, error) {
	return c.subscribe(subject, queue)
}

func (c *Conn) subscribe(subject, queue string) (*Subscription, error) {
	cmd, err := NewSubCommand(subject, queue)
	if err != nil {
		return nil, err
	}
	sub := c.mux.forSid(c, cmd.Subject, cmd.QueueGroup, cmd.Sid)
	if err := c.sender.send(Op{Kind: OpSub, Sub: &cmd}); err != nil {
		c.mux.removeSid(cmd.Sid)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe cancels interest in cmd.Sid, or — if cmd.MaxMsgs is set —
// caps it at that many further local deliveries (the server stops
// delivering after the same count; the local cap is enforced
// independently by the multiplexer).
func (c *Conn) Unsubscribe(cmd UnsubCommand) error {
	unsubNow := true
	if cmd.MaxMsgs != nil {
		if c.mux.setMax(cmd.Sid, *cmd.MaxMsgs) {
			unsubNow = false
		}
	}
	if err := c.sender.send(Op{Kind: OpUnsub, Unsub: &cmd}); err != nil {
		return err
	}
	if unsubNow {
		c.mux.removeSid(cmd.Sid)
	}
	return nil
}

// Request publishes payload to subject and returns the first reply
// received on a freshly generated inbox, or ErrTimeout if none arrives
// within timeout. The SUB for the inbox, the UNSUB capping it at one
// message, and the PUB carrying reply_to=inbox are sent in that order
// through the same sender, so the server is guaranteed to see the
// subscription before the publish.
func (c *Conn) Request(subject string, payload []byte, timeout time.Duration) (*Message, error) {
	if err := c.checkMaxPayload(len(payload)); err != nil {
		return nil, err
	}

	inbox := NewInbox()
	sid := newSid()
	sub := c.mux.forSid(c, inbox, "", sid)
	cleanup := func() { c.mux.removeSid(sid) }

	if err := c.sender.send(Op{Kind: OpSub, Sub: &SubCommand{Subject: inbox, Sid: sid}}); err != nil {
		cleanup()
		return nil, err
	}
	maxOne := uint32(1)
	if err := c.Unsubscribe(UnsubCommand{Sid: sid, MaxMsgs: &maxOne}); err != nil {
		cleanup()
		return nil, err
	}
	if err := c.PublishMsg(PubCommand{Subject: subject, ReplyTo: inbox, Payload: payload}); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case msg, ok := <-sub.Msgs:
		if !ok {
			if err := sub.Err(); err != nil {
				return nil, err
			}
			return nil, ErrConnectionClosed
		}
		atomic.AddUint64(&c.stats.InMsgs, 1)
		atomic.AddUint64(&c.stats.InBytes, uint64(len(msg.Payload)))
		cleanup()
		return msg, nil
	case <-time.After(timeout):
		cleanup()
		return nil, ErrTimeout
	}
}

// NumSubscriptions reports how many subscriptions are currently
// registered, grounded on the teacher's test/drain_test.go use of
// nc.NumSubscriptions().
func (c *Conn) NumSubscriptions() int {
	return c.mux.count()
}

// Stats returns a snapshot of this connection's traffic counters.
func (c *Conn) Stats() Stats {
	return Stats{
		InMsgs:     atomic.LoadUint64(&c.stats.InMsgs),
		OutMsgs:    atomic.LoadUint64(&c.stats.OutMsgs),
		InBytes:    atomic.LoadUint64(&c.stats.InBytes),
		OutBytes:   atomic.LoadUint64(&c.stats.OutBytes),
		Reconnects: atomic.LoadUint64(&c.stats.Reconnects),
	}
}

// Flush performs a PING/PONG round trip, returning once the server has
// acknowledged every command sent before the call, or ErrTimeout.
func (c *Conn) Flush(timeout time.Duration) error {
	ch := make(chan struct{})
	c.pongMu.Lock()
	c.pongs = append(c.pongs, ch)
	c.pongMu.Unlock()

	if err := c.sender.send(Op{Kind: OpPing}); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}

func (c *Conn) signalPong() {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	if len(c.pongs) == 0 {
		return
	}
	ch := c.pongs[0]
	c.pongs = c.pongs[1:]
	close(ch)
}

// Close tears down the connection: every open Subscription's Msgs
// channel is closed, the sender's writer goroutine is stopped, the
// socket is closed, and ClosedCB fires.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mux.mu.Lock()
		for sid, sink := range c.mux.subs {
			sink.sub.mu.Lock()
			if sink.sub.Msgs != nil {
				close(sink.sub.Msgs)
				sink.sub.Msgs = nil
			}
			sink.sub.conn = nil
			sink.sub.mu.Unlock()
			delete(c.mux.subs, sid)
		}
		c.mux.mu.Unlock()

		c.sender.close()
		c.conn.Close()

		if c.opts.ClosedCB != nil {
			c.opts.ClosedCB(c)
		}
	})
}
