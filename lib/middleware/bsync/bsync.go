// Package bsync provides a middleware that mirrors mutations across store
// instances over a broadcast channel. Instances sharing a channel name form
// a sync group: every successful local set, update, delete or clear is
// published, and peer mutations are applied below the pipeline so they do
// not re-trigger the middleware chain.
//
// On setup over an ephemeral backend the middleware asks the group for a
// state snapshot (SYNC_REQUEST / SYNC_RESPONSE) so a fresh instance starts
// from the group's current state. The handshake is best-effort: if no peer
// answers within the timeout the instance simply starts empty.
package bsync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/statekit/statekit/lib/backend"
	"github.com/statekit/statekit/lib/channel"
	"github.com/statekit/statekit/lib/codec"
	"github.com/statekit/statekit/lib/path"
	"github.com/statekit/statekit/lib/pipeline"
)

// --------------------------------------------------------------------------
// Wire Protocol
// --------------------------------------------------------------------------

// Message types on the sync channel.
const (
	msgSet          = "SET"
	msgUpdate       = "UPDATE"
	msgDelete       = "DELETE"
	msgClear        = "CLEAR"
	msgSyncRequest  = "SYNC_REQUEST"
	msgSyncResponse = "SYNC_RESPONSE"
)

type setPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type updateEntry struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type updatePayload struct {
	Updates []updateEntry `json:"updates"`
	Deletes []string      `json:"deletes"`
}

type deletePayload struct {
	Key string `json:"key"`
}

// stateEntry is one element of a SYNC_RESPONSE snapshot.
type stateEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the broadcast-sync middleware.
type Options struct {
	// Channel is the broadcast transport shared by the sync group. The
	// middleware takes ownership and closes it on cleanup.
	Channel channel.IChannel

	// Codec encodes message payloads (default JSON).
	Codec codec.ICodec

	// SyncTimeout bounds the initial snapshot handshake (default 1s).
	SyncTimeout time.Duration
}

// DefaultOptions returns the default sync options over the given channel.
func DefaultOptions(ch channel.IChannel) *Options {
	return &Options{
		Channel:     ch,
		Codec:       codec.NewJSONCodec(),
		SyncTimeout: time.Second,
	}
}

// --------------------------------------------------------------------------
// Middleware
// --------------------------------------------------------------------------

type bsyncMW struct {
	sessionID string
	channel   channel.IChannel
	codec     codec.ICodec
	timeout   time.Duration

	api    *pipeline.API
	unsub  func()
	closed atomic.Bool

	syncMu   sync.Mutex
	syncWait chan []stateEntry // non-nil while a snapshot handshake is pending
}

// New creates a broadcast-sync middleware over the given channel. A nil
// channel is rejected when the middleware is registered.
func New(opts *Options) pipeline.Middleware {
	if opts == nil {
		opts = &Options{}
	}
	cdc := opts.Codec
	if cdc == nil {
		cdc = codec.NewJSONCodec()
	}
	timeout := opts.SyncTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &bsyncMW{
		sessionID: uuid.NewString(),
		channel:   opts.Channel,
		codec:     cdc,
		timeout:   timeout,
	}
}

func (m *bsyncMW) Name() string { return "bsync" }

// Setup subscribes to the sync channel and, for ephemeral backends, pulls
// the group's state snapshot before the store goes live.
func (m *bsyncMW) Setup(api *pipeline.API) error {
	if m.channel == nil {
		return fmt.Errorf("bsync: a channel is required")
	}
	m.api = api

	unsub, err := m.channel.Subscribe(m.onMessage)
	if err != nil {
		return fmt.Errorf("bsync: subscribe: %w", err)
	}
	m.unsub = unsub

	if api.Kind() != backend.KindEphemeral {
		// shared backends read state from the shared medium, no handshake
		return nil
	}

	m.syncMu.Lock()
	m.syncWait = make(chan []stateEntry, 1)
	wait := m.syncWait
	m.syncMu.Unlock()

	if err := m.publish(msgSyncRequest, nil); err != nil {
		m.clearSyncWait()
		api.Logger.Warn("state sync request failed", "err", err)
		return nil
	}

	select {
	case entries, ok := <-wait:
		m.clearSyncWait()
		if ok && len(entries) > 0 {
			m.applySnapshot(entries)
		}
	case <-time.After(m.timeout):
		// no peer answered: this instance is (or becomes) the first
		m.clearSyncWait()
		api.Logger.Debug("state sync timed out, starting empty")
	}
	return nil
}

// Reduce broadcasts every successful local mutation after the inner chain
// has applied it.
func (m *bsyncMW) Reduce(api *pipeline.API) func(next pipeline.Handler) pipeline.Handler {
	return func(next pipeline.Handler) pipeline.Handler {
		return func(a *pipeline.Action) (any, error) {
			res, err := next(a)
			if err != nil || m.closed.Load() {
				return res, err
			}
			if !a.Mutating() {
				return res, err
			}

			switch a.Type {
			case pipeline.ActionSet:
				if _, unchanged := res.(pipeline.Unchanged); unchanged {
					break // a deduped write changed nothing, nothing to mirror
				}
				m.broadcast(msgSet, setPayload{Key: a.Key, Value: a.Value})
			case pipeline.ActionUpdate:
				p := updatePayload{Deletes: a.Deletes}
				for _, u := range a.Updates {
					p.Updates = append(p.Updates, updateEntry{Path: u.Path, Value: u.Value})
				}
				m.broadcast(msgUpdate, p)
			case pipeline.ActionDelete:
				m.broadcast(msgDelete, deletePayload{Key: a.Key})
			case pipeline.ActionClear:
				m.broadcast(msgClear, nil)
			}
			return res, err
		}
	}
}

// Cleanup rejects a pending handshake and closes the channel.
func (m *bsyncMW) Cleanup() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.syncMu.Lock()
	if m.syncWait != nil {
		close(m.syncWait)
		m.syncWait = nil
	}
	m.syncMu.Unlock()

	if m.unsub != nil {
		m.unsub()
	}
	return m.channel.Close()
}

// --------------------------------------------------------------------------
// Outgoing
// --------------------------------------------------------------------------

func (m *bsyncMW) publish(msgType string, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = m.codec.Encode(payload)
		if err != nil {
			return fmt.Errorf("bsync: encode %s: %w", msgType, err)
		}
	}
	return m.channel.Publish(channel.Message{
		Type:      msgType,
		Payload:   data,
		SenderID:  m.sessionID,
		Timestamp: time.Now(),
	})
}

// broadcast publishes best-effort: local mutations never fail because the
// sync transport does.
func (m *bsyncMW) broadcast(msgType string, payload any) {
	if err := m.publish(msgType, payload); err != nil {
		m.api.Logger.Warn("sync broadcast failed", "type", msgType, "err", err)
	}
}

// --------------------------------------------------------------------------
// Incoming
// --------------------------------------------------------------------------

func (m *bsyncMW) onMessage(msg channel.Message) {
	if msg.SenderID == m.sessionID || m.closed.Load() {
		return
	}

	switch msg.Type {
	case msgSyncRequest:
		m.onSyncRequest()
	case msgSyncResponse:
		m.onSyncResponse(msg)
	case msgSet:
		var p setPayload
		if err := m.codec.Decode(msg.Payload, &p); err != nil || p.Key == "" {
			m.discard(msg, err)
			return
		}
		m.applyPeerWrite(p.Key, p.Value, false)
	case msgUpdate:
		var p updatePayload
		if err := m.codec.Decode(msg.Payload, &p); err != nil {
			m.discard(msg, err)
			return
		}
		m.applyPeerUpdate(p)
	case msgDelete:
		var p deletePayload
		if err := m.codec.Decode(msg.Payload, &p); err != nil || p.Key == "" {
			m.discard(msg, err)
			return
		}
		m.applyPeerWrite(p.Key, nil, true)
	case msgClear:
		m.applyPeerClear()
	default:
		m.discard(msg, nil)
	}
}

func (m *bsyncMW) discard(msg channel.Message, err error) {
	m.api.Logger.Warn("discarding malformed sync message",
		"type", msg.Type, "sender", msg.SenderID, "err", err)
}

// onSyncRequest answers with a whole-state snapshot. Only ephemeral
// instances respond; a shared backend's state is already visible to the
// requester through the medium itself.
func (m *bsyncMW) onSyncRequest() {
	if m.api.Kind() != backend.KindEphemeral {
		return
	}
	state, err := m.api.State()
	if err != nil {
		m.api.Logger.Warn("snapshot for sync response failed", "err", err)
		return
	}
	entries := make([]stateEntry, 0, len(state))
	for key, value := range state {
		entries = append(entries, stateEntry{Key: key, Value: value})
	}
	if err := m.publish(msgSyncResponse, entries); err != nil {
		m.api.Logger.Warn("sync response failed", "err", err)
	}
}

func (m *bsyncMW) onSyncResponse(msg channel.Message) {
	// validate shape before handing it to the waiter: every element must
	// carry both a key and a value
	var raw []map[string]any
	if err := m.codec.Decode(msg.Payload, &raw); err != nil {
		m.discard(msg, err)
		return
	}
	entries := make([]stateEntry, 0, len(raw))
	for _, e := range raw {
		key, hasKey := e["key"].(string)
		value, hasValue := e["value"]
		if !hasKey || key == "" || !hasValue {
			m.discard(msg, fmt.Errorf("snapshot element missing key or value"))
			return
		}
		entries = append(entries, stateEntry{Key: key, Value: value})
	}

	m.syncMu.Lock()
	wait := m.syncWait
	m.syncWait = nil
	m.syncMu.Unlock()
	if wait == nil {
		return // unsolicited or late response
	}
	wait <- entries
}

func (m *bsyncMW) clearSyncWait() {
	m.syncMu.Lock()
	m.syncWait = nil
	m.syncMu.Unlock()
}

// applySnapshot installs a received snapshot below the pipeline and
// synthesizes the notifications the writes would have produced.
func (m *bsyncMW) applySnapshot(entries []stateEntry) {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := m.api.Backend.DoSet(e.Key, e.Value); err != nil {
			m.api.Logger.Error("applying sync snapshot entry failed", "key", e.Key, "err", err)
			continue
		}
		keys = append(keys, e.Key)
	}
	for _, e := range entries {
		m.api.NotifyPath(e.Key, e.Value, false)
	}
	if state, err := m.api.State(); err == nil {
		m.api.NotifyGlobal(keys, state, keys)
	}
}

// applyPeerWrite mirrors one peer set or delete. Ephemeral backends apply
// the carried value directly; shared backends re-read the key because the
// medium already has the peer's write.
func (m *bsyncMW) applyPeerWrite(key string, value any, deleted bool) {
	if m.api.Kind() == backend.KindEphemeral {
		var err error
		if deleted {
			_, err = m.api.Backend.DoDelete(key)
		} else {
			err = m.api.Backend.DoSet(key, value)
		}
		if err != nil {
			m.api.Logger.Error("applying peer mutation failed", "key", key, "err", err)
			return
		}
		m.api.NotifyPath(key, value, deleted)
	} else {
		current, loaded, err := m.api.Backend.DoGet(key)
		if err != nil {
			m.api.Logger.Error("re-reading peer mutation failed", "key", key, "err", err)
			return
		}
		m.api.NotifyPath(key, current, !loaded)
	}

	state, err := m.api.State()
	if err != nil {
		return
	}
	m.api.NotifyGlobal([]string{path.Top(key)}, state, []string{key})
}

func (m *bsyncMW) applyPeerUpdate(p updatePayload) {
	if m.api.Kind() == backend.KindEphemeral {
		updates := make([]backend.Update, 0, len(p.Updates))
		for _, u := range p.Updates {
			if u.Path == "" {
				continue
			}
			updates = append(updates, backend.Update{Path: u.Path, Value: u.Value})
		}
		if err := m.api.Backend.DoUpdate(updates, p.Deletes); err != nil {
			m.api.Logger.Error("applying peer update failed", "err", err)
			return
		}
		for _, u := range updates {
			m.api.NotifyPath(u.Path, u.Value, false)
		}
		for _, key := range p.Deletes {
			m.api.NotifyPath(key, nil, true)
		}
	} else {
		for _, u := range p.Updates {
			current, loaded, err := m.api.Backend.DoGet(u.Path)
			if err != nil {
				continue
			}
			m.api.NotifyPath(u.Path, current, !loaded)
		}
		for _, key := range p.Deletes {
			m.api.NotifyPath(key, nil, true)
		}
	}

	// update payloads already carry verbatim top-level keys, re-splitting
	// them would mangle dotted root entries
	var changed []string
	for _, u := range p.Updates {
		changed = append(changed, u.Path)
	}
	changed = append(changed, p.Deletes...)
	if state, err := m.api.State(); err == nil {
		m.api.NotifyGlobal(changed, state, changed)
	}
}

func (m *bsyncMW) applyPeerClear() {
	if m.api.Kind() == backend.KindEphemeral {
		if err := m.api.Backend.DoClear(); err != nil {
			m.api.Logger.Error("applying peer clear failed", "err", err)
			return
		}
	}
	m.api.NotifyGlobal(nil, map[string]any{}, nil)
}
