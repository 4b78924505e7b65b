// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"
)

// LibraryVersion identifies this client in the CONNECT command's version
// field.
const LibraryVersion = "0.1.0"

const (
	// DefaultURL is used when no cluster address is supplied.
	DefaultURL = "127.0.0.1:4222"
	// DefaultMaxReconnect is the number of reconnect attempts made
	// after a disconnect before the Connection gives up.
	DefaultMaxReconnect = 10
	// DefaultReconnectWait is the base delay between reconnect
	// attempts, before backoff growth and jitter are applied.
	DefaultReconnectWait = 2 * time.Second
	// DefaultDialTimeout bounds the initial TCP connect and each
	// reconnect dial.
	DefaultDialTimeout = 2 * time.Second
	// DefaultRequestTimeout is a suggested value for Request's timeout
	// argument; no function in this package applies it on its own.
	DefaultRequestTimeout = 2 * time.Second
)

// ConnHandler is invoked for asynchronous connection lifecycle events:
// disconnected, reconnected, closed.
type ConnHandler func(*Conn)

// ErrHandler processes asynchronous errors encountered while handling a
// subscription, such as a detected slow consumer.
type ErrHandler func(*Conn, *Subscription, error)

// Options configures a Conn. The zero value is not usable directly; use
// DefaultOptions() and override via the With* functional setters, the
// way jsv2/jetstream's WithXxx(...) JetStreamOpt pattern configures a
// JetStream context.
type Options struct {
	ClusterURI string
	Connect    ConnectOptions

	DialTimeout    time.Duration
	MaxReconnect   int
	ReconnectWait  time.Duration
	AllowReconnect bool

	TLSConfig *tls.Config

	Logger *logrus.Logger

	DisconnectedCB ConnHandler
	ReconnectedCB  ConnHandler
	ClosedCB       ConnHandler
	AsyncErrorCB   ErrHandler
}

// Option mutates an in-progress Options.
type Option func(*Options) error

// DefaultOptions returns the baseline configuration: reconnect allowed,
// the teacher's default reconnect knobs, and a standard logrus logger.
func DefaultOptions(clusterURI string) Options {
	return Options{
		ClusterURI:     clusterURI,
		Connect:        DefaultConnectOptions(),
		DialTimeout:    DefaultDialTimeout,
		MaxReconnect:   DefaultMaxReconnect,
		ReconnectWait:  DefaultReconnectWait,
		AllowReconnect: true,
		Logger:         defaultLogger(),
	}
}

// NewOptions builds Options for clusterURI with opts applied in order.
func NewOptions(clusterURI string, opts ...Option) (Options, error) {
	o := DefaultOptions(clusterURI)
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return Options{}, err
		}
	}
	return o, nil
}

// WithVerbose turns on +OK protocol acknowledgements.
func WithVerbose(v bool) Option {
	return func(o *Options) error { o.Connect.Verbose = v; return nil }
}

// WithPedantic turns on additional strict format checking server-side.
func WithPedantic(v bool) Option {
	return func(o *Options) error { o.Connect.Pedantic = v; return nil }
}

// WithTLSConfig enables TLS and uses cfg to upgrade the TCP stream. cfg
// is treated as opaque: certificate loading policy is entirely the
// caller's concern, per spec.md's out-of-scope note.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *Options) error {
		o.TLSConfig = cfg
		o.Connect.TLSRequired = true
		return nil
	}
}

// WithAuthToken sets the CONNECT auth_token field.
func WithAuthToken(token string) Option {
	return func(o *Options) error { o.Connect.AuthToken = token; return nil }
}

// WithUserInfo sets the CONNECT user/pass fields.
func WithUserInfo(user, pass string) Option {
	return func(o *Options) error {
		o.Connect.User = user
		o.Connect.Pass = pass
		return nil
	}
}

// WithName sets the CONNECT name field, identifying this client to the
// broker.
func WithName(name string) Option {
	return func(o *Options) error { o.Connect.Name = name; return nil }
}

// WithEcho sets the CONNECT echo field.
func WithEcho(echo bool) Option {
	return func(o *Options) error { o.Connect.Echo = &echo; return nil }
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) error { o.DialTimeout = d; return nil }
}

// WithMaxReconnect overrides DefaultMaxReconnect. A value <= 0 disables
// reconnection entirely.
func WithMaxReconnect(n int) Option {
	return func(o *Options) error {
		o.MaxReconnect = n
		o.AllowReconnect = n > 0
		return nil
	}
}

// WithReconnectWait overrides the base reconnect backoff delay.
func WithReconnectWait(d time.Duration) Option {
	return func(o *Options) error { o.ReconnectWait = d; return nil }
}

// WithLogger overrides the logrus logger used for connection lifecycle
// diagnostics. Passing nil disables logging entirely.
func WithLogger(l *logrus.Logger) Option {
	return func(o *Options) error { o.Logger = l; return nil }
}

// WithDisconnectedCB sets the callback fired when the connection is
// first observed as disconnected.
func WithDisconnectedCB(cb ConnHandler) Option {
	return func(o *Options) error { o.DisconnectedCB = cb; return nil }
}

// WithReconnectedCB sets the callback fired after a successful
// reconnect.
func WithReconnectedCB(cb ConnHandler) Option {
	return func(o *Options) error { o.ReconnectedCB = cb; return nil }
}

// WithClosedCB sets the callback fired when Close() completes.
func WithClosedCB(cb ConnHandler) Option {
	return func(o *Options) error { o.ClosedCB = cb; return nil }
}

// WithAsyncErrorCB sets the callback fired for asynchronous per-
// subscription errors, such as a detected slow consumer.
func WithAsyncErrorCB(cb ErrHandler) Option {
	return func(o *Options) error { o.AsyncErrorCB = cb; return nil }
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}
