// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// connState mirrors spec.md §3's Connection state machine.
type connState int32

const (
	stateConnected connState = iota
	stateReconnecting
	stateDisconnected
)

// Connection owns a single framed TCP or TLS stream behind one stable
// handle. Its inner net.Conn is swapped, not shared, across a reconnect;
// holders of the *Connection never need a new handle.
type Connection struct {
	isTLS     bool
	addr      string
	host      string
	tlsConfig *tls.Config

	dialTimeout   time.Duration
	maxReconnect  int
	reconnectWait time.Duration

	netMu   sync.RWMutex
	netConn net.Conn

	state int32 // connState, accessed atomically

	sf  singleflight.Group
	log *logrus.Logger

	codec   frameCodec
	inbound chan Op

	closed   int32
	onDiscon func()
	onReconn func()
	readBuf  [32 * 1024]byte
}

// connectionOptions bundles the subset of Options a Connection needs to
// dial and maintain its socket.
type connectionOptions struct {
	addr          string
	tlsConfig     *tls.Config
	dialTimeout   time.Duration
	maxReconnect  int
	reconnectWait time.Duration
	log           *logrus.Logger
	onDisconnect  func()
	onReconnect   func()
}

// dialConnection performs the initial TCP (plus TLS upgrade, if
// configured) connect and starts the inbound read pump.
func dialConnection(ctx context.Context, o connectionOptions) (*Connection, error) {
	host, _, err := net.SplitHostPort(o.addr)
	if err != nil {
		host = o.addr
	}

	c := &Connection{
		isTLS:         o.tlsConfig != nil,
		addr:          o.addr,
		host:          host,
		tlsConfig:     o.tlsConfig,
		dialTimeout:   o.dialTimeout,
		maxReconnect:  o.maxReconnect,
		reconnectWait: o.reconnectWait,
		log:           o.log,
		inbound:       make(chan Op, 1024),
		onDiscon:      o.onDisconnect,
		onReconn:      o.onReconnect,
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.netConn = conn
	atomic.StoreInt32(&c.state, int32(stateConnected))

	go c.readPump()
	return c, nil
}

func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, coerceIOErr(err)
	}
	if c.isTLS {
		if c.host == "" {
			conn.Close()
			return nil, ErrTLSHostMissing
		}
		cfg := c.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, coerceIOErr(err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

func (c *Connection) getState() connState {
	return connState(atomic.LoadInt32(&c.state))
}

func (c *Connection) setState(s connState) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Connection) currentConn() net.Conn {
	c.netMu.RLock()
	defer c.netMu.RUnlock()
	return c.netConn
}

// Write sends a single already-encoded frame. While the Connection is
// not Connected it returns ErrNotReady immediately rather than
// blocking — the caller (the Sender's writer goroutine) is expected to
// retry the drain loop, not this exact frame.
func (c *Connection) Write(frame []byte) error {
	if c.getState() != stateConnected {
		return ErrNotReady
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotReady
	}
	if _, err := conn.Write(frame); err != nil {
		c.handleIOErr(err)
		return err
	}
	return nil
}

// readPump continuously reads from the current net.Conn, feeds bytes to
// the frame codec, and emits decoded Ops onto c.inbound. On a disconnect
// it parks until reconnection succeeds and then resumes — the codec
// buffer is reset since a freshly dialed stream has no partial frame
// carried over. If reconnection gives up, it stays parked until Close.
func (c *Connection) readPump() {
	defer close(c.inbound)
	for {
		if atomic.LoadInt32(&c.closed) == 1 {
			return
		}
		if c.getState() != stateConnected {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		conn := c.currentConn()
		if conn == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		n, err := conn.Read(c.readBuf[:])
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}
			if !c.handleIOErr(err) {
				return
			}
			continue
		}
		c.codec.feed(c.readBuf[:n])
		for {
			op, ok, decErr := c.codec.decode()
			if decErr != nil {
				select {
				case c.inbound <- Op{Kind: OpErr, Err: decErr.Error()}:
				default:
				}
				break
			}
			if !ok {
				break
			}
			c.inbound <- op
		}
	}
}

// handleIOErr classifies err; if it is disconnect-class it kicks off a
// single-shot reconnect and returns true (keep pumping once reconnected).
// Non-disconnect errors are logged and also return true, since the core
// design has no other recovery path short of the caller closing the
// Connection outright.
func (c *Connection) handleIOErr(err error) bool {
	if atomic.LoadInt32(&c.closed) == 1 {
		return false
	}
	if isDisconnectClass(err) {
		c.triggerReconnect()
		return true
	}
	if c.log != nil {
		c.log.WithError(err).Warn("nitox: connection I/O error")
	}
	return true
}

// triggerReconnect ensures exactly one reconnect attempt is in flight at
// a time even if both the reader and the writer observe the disconnect
// concurrently, using singleflight rather than a second mutex (the
// latter risks the same lock-across-blocking-call deadlock spec.md §5
// and §9 warn about).
func (c *Connection) triggerReconnect() {
	c.setState(stateDisconnected)
	if c.onDiscon != nil {
		c.onDiscon()
	}
	go func() {
		_, _, _ = c.sf.Do("reconnect", func() (interface{}, error) {
			c.reconnect()
			return nil, nil
		})
	}()
}

func (c *Connection) reconnect() {
	if c.maxReconnect <= 0 {
		// Reconnection disabled outright (WithMaxReconnect(0) or below):
		// stay Disconnected so callers keep seeing ErrNotReady.
		if c.log != nil {
			c.log.Warn("nitox: reconnection disabled, giving up")
		}
		return
	}

	c.setState(stateReconnecting)

	attempts := c.maxReconnect

	for i := 0; i < attempts; i++ {
		if atomic.LoadInt32(&c.closed) == 1 {
			return
		}
		if i > 0 {
			time.Sleep(backoffDelay(c.reconnectWait, i))
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout+5*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			if c.log != nil {
				c.log.WithError(err).WithField("attempt", i+1).Warn("nitox: reconnect attempt failed")
			}
			continue
		}

		c.netMu.Lock()
		old := c.netConn
		c.netConn = conn
		c.netMu.Unlock()
		if old != nil {
			old.Close()
		}
		c.codec = frameCodec{}
		c.setState(stateConnected)
		if c.onReconn != nil {
			c.onReconn()
		}
		return
	}

	if c.log != nil {
		c.log.WithField("attempts", attempts).Error("nitox: giving up reconnecting")
	}
	// Remain Disconnected; callers keep seeing ErrNotReady.
}

// backoffDelay returns a capped exponential backoff with jitter for
// attempt i (1-indexed after the first immediate try), implementing the
// redesign spec.md §9 suggests rather than leaving reconnection as a
// single uncapped attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	const ceiling = 30 * time.Second
	d := base
	for n := 0; n < attempt && d < ceiling; n++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func isDisconnectClass(err error) bool {
	if err == nil {
		return false
	}
	var sd *ServerDisconnectedError
	if errors.As(err, &sd) {
		return true
	}
	return isResetOrRefused(err)
}

func isResetOrRefused(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, net.ErrClosed)
}

// Close tears the socket down for good; subsequent reconnect attempts
// stop and readPump exits.
func (c *Connection) Close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.setState(stateDisconnected)
	conn := c.currentConn()
	if conn != nil {
		conn.Close()
	}
}
