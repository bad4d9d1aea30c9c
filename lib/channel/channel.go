// Package channel defines the named broadcast channel abstraction used to
// synchronize stores across instances. A channel delivers every published
// message to every subscriber, including subscribers of the publishing
// instance; senders are expected to filter their own messages by sender id.
//
// Two implementations are provided: channel/inproc (process-local hubs, the
// default for tests and single-process setups) and channel/nats (one NATS
// subject per channel name).
package channel

import "time"

// --------------------------------------------------------------------------
// Message
// --------------------------------------------------------------------------

// Message is one broadcast unit on a channel.
type Message struct {
	// Type discriminates the payload (e.g. "SET", "SYNC_REQUEST").
	Type string `json:"type"`

	// Payload is the codec-encoded message body, opaque to the channel.
	Payload []byte `json:"payload,omitempty"`

	// SenderID identifies the publishing instance so that receivers can
	// drop their own messages.
	SenderID string `json:"senderId"`

	// Timestamp is the publish time at the sender.
	Timestamp time.Time `json:"timestamp"`
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IChannel is a named broadcast transport.
//
// Thread-safety: implementations must allow concurrent Publish and
// Subscribe calls. Close is idempotent; publishing on a closed channel
// returns an error.
type IChannel interface {
	// Publish broadcasts a message to every subscriber of the channel.
	Publish(msg Message) error

	// Subscribe registers a handler for incoming messages. The returned
	// function removes the subscription; calling it twice is safe.
	Subscribe(fn func(msg Message)) (func(), error)

	// Close tears the channel down and releases its transport resources.
	Close() error
}
