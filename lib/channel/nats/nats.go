// Package nats provides a broadcast channel over a NATS subject. Every
// channel name maps to one subject under the "statekit.sync." prefix, so
// stores in different processes synchronize through a shared NATS server.
package nats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/statekit/statekit/lib/channel"
	"github.com/statekit/statekit/lib/codec"
	"github.com/statekit/statekit/lib/store"
)

const subjectPrefix = "statekit.sync."

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a NATS channel.
type Options struct {
	// URL is the NATS server address (default nats.DefaultURL). Ignored
	// when Conn is set.
	URL string

	// Conn is an existing connection to publish over. When set the channel
	// does not own the connection and Close leaves it open.
	Conn *nats.Conn

	// Codec encodes the message envelope on the wire (default JSON).
	Codec codec.ICodec

	// ConnectTimeout bounds the initial dial (default 5s).
	ConnectTimeout time.Duration
}

// DefaultOptions returns the default NATS channel options.
func DefaultOptions() *Options {
	return &Options{
		URL:            nats.DefaultURL,
		Codec:          codec.NewJSONCodec(),
		ConnectTimeout: 5 * time.Second,
	}
}

// --------------------------------------------------------------------------
// Channel Implementation
// --------------------------------------------------------------------------

type natsImpl struct {
	name    string
	subject string
	conn    *nats.Conn
	ownConn bool
	codec   codec.ICodec
	closed  atomic.Bool

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New opens a channel on the NATS subject derived from the given name.
func New(name string, opts *Options) (channel.IChannel, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	cdc := opts.Codec
	if cdc == nil {
		cdc = codec.NewJSONCodec()
	}

	conn := opts.Conn
	ownConn := false
	if conn == nil {
		url := opts.URL
		if url == "" {
			url = nats.DefaultURL
		}
		timeout := opts.ConnectTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		var err error
		conn, err = nats.Connect(url,
			nats.Timeout(timeout),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("nats channel %q: connect %s: %w", name, url, err)
		}
		ownConn = true
	}

	return &natsImpl{
		name:    name,
		subject: subjectPrefix + name,
		conn:    conn,
		ownConn: ownConn,
		codec:   cdc,
	}, nil
}

func (c *natsImpl) Publish(msg channel.Message) error {
	if c.closed.Load() {
		return store.NewError(store.RetCClosed, "channel "+c.name+" is closed")
	}
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("nats channel %q: encode: %w", c.name, err)
	}
	return c.conn.Publish(c.subject, data)
}

func (c *natsImpl) Subscribe(fn func(msg channel.Message)) (func(), error) {
	if c.closed.Load() {
		return nil, store.NewError(store.RetCClosed, "channel "+c.name+" is closed")
	}

	sub, err := c.conn.Subscribe(c.subject, func(m *nats.Msg) {
		var msg channel.Message
		if err := c.codec.Decode(m.Data, &msg); err != nil {
			// undecodable frames are dropped, the sync layer tolerates loss
			return
		}
		fn(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats channel %q: subscribe: %w", c.name, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { _ = sub.Unsubscribe() })
	}, nil
}

func (c *natsImpl) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if c.ownConn {
		c.conn.Close()
	}
	return nil
}
