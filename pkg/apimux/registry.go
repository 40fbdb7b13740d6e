package apimux

import (
	"context"
	"sync"
)

// SubStatus is the lifecycle status of a Subscription Record.
type SubStatus int

const (
	// StatusIdle means the subscribe request has been issued (possibly
	// still queued behind channel-open or a Gate) and no response has
	// arrived yet.
	StatusIdle SubStatus = iota
	// StatusActive means at least one stream message has been received.
	StatusActive
	// StatusFailed means the stream was terminated by an error response or
	// a local write failure. Failed records are removed from the registry.
	StatusFailed
)

func (s SubStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// DataHandler receives stream messages for one Listener. Handlers run on the
// Mux's dispatcher goroutine (or, for a late-joiner replay, on the
// subscribing goroutine): blocking inside a handler stalls all inbound
// dispatch, so a handler must not wait on another call's response.
type DataHandler func(*Message)

// ErrHandler receives the error that terminated a stream: a *RemoteError
// passed through verbatim, or a local transport error if the subscribe
// request could not be written.
type ErrHandler func(error)

// SubRecord is one logically distinct live stream: a unique combination of
// endpoint name and subscribe payload, shared by every Listener that
// subscribed to it. Live records are guarded by their Mux's lock; the
// exported accessors are for records reached through a detached Registry
// (after Cleanup) and for tests.
type SubRecord struct {
	name     string
	hash     string
	payload  Payload
	status   SubStatus
	lastMsg  *Message
	streamID string
	onErr    ErrHandler

	nextListener int
	listeners    map[int]DataHandler

	readyOnce sync.Once
	readyC    chan struct{}
	readyErr  error
}

func newSubRecord(name, hash string, payload Payload) *SubRecord {
	return &SubRecord{
		name:      name,
		hash:      hash,
		payload:   payload.Clone(),
		listeners: map[int]DataHandler{},
		readyC:    make(chan struct{}),
	}
}

// addListener registers cb under the next listener handle and returns the
// handle. Caller holds the mux lock.
func (r *SubRecord) addListener(cb DataHandler) int {
	r.nextListener++
	r.listeners[r.nextListener] = cb
	return r.nextListener
}

// snapshotListeners returns the registered fan-out callbacks in no particular
// order. Caller holds the mux lock.
func (r *SubRecord) snapshotListeners() []DataHandler {
	out := make([]DataHandler, 0, len(r.listeners))
	for _, cb := range r.listeners {
		out = append(out, cb)
	}
	return out
}

// markReady fires the record's first-acknowledgement event.
func (r *SubRecord) markReady(err error) {
	r.readyOnce.Do(func() {
		r.readyErr = err
		close(r.readyC)
	})
}

// Name returns the endpoint name the stream was opened with.
func (r *SubRecord) Name() string {
	return r.name
}

// Hash returns the subscription hash identifying the stream.
func (r *SubRecord) Hash() string {
	return r.hash
}

// Payload returns a copy of the original subscribe payload, as needed to
// resubscribe after a reconnect.
func (r *SubRecord) Payload() Payload {
	return r.payload.Clone()
}

// Status returns the record's lifecycle status.
func (r *SubRecord) Status() SubStatus {
	return r.status
}

// StreamID returns the upstream stream identifier, or "" until the stream has
// been acknowledged.
func (r *SubRecord) StreamID() string {
	return r.streamID
}

// LastMessage returns the most recently received stream message, or nil.
func (r *SubRecord) LastMessage() *Message {
	return r.lastMsg
}

// NumListeners returns the number of registered Listeners.
func (r *SubRecord) NumListeners() int {
	return len(r.listeners)
}

// Listeners returns the registered fan-out callbacks in no particular order.
func (r *SubRecord) Listeners() []DataHandler {
	return r.snapshotListeners()
}

// ErrHandler returns the record's error handler, or nil.
func (r *SubRecord) ErrHandler() ErrHandler {
	return r.onErr
}

// Registry maps subscription hashes to the live Subscription Records of one
// channel instance. Cleanup detaches a Mux's Registry rather than clearing
// it, so a Registry obtained beforehand stays intact and can be iterated to
// replay subscriptions onto a replacement instance.
type Registry struct {
	records map[string]*SubRecord
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: map[string]*SubRecord{}}
}

func (reg *Registry) get(hash string) *SubRecord {
	return reg.records[hash]
}

func (reg *Registry) put(rec *SubRecord) {
	reg.records[rec.hash] = rec
}

func (reg *Registry) remove(hash string) {
	delete(reg.records, hash)
}

// Len returns the number of live records.
func (reg *Registry) Len() int {
	return len(reg.records)
}

// Get returns the record for hash, or nil.
func (reg *Registry) Get(hash string) *SubRecord {
	return reg.records[hash]
}

// Snapshot returns the current records in no particular order.
func (reg *Registry) Snapshot() []*SubRecord {
	out := make([]*SubRecord, 0, len(reg.records))
	for _, rec := range reg.records {
		out = append(out, rec)
	}
	return out
}

// SubHandle identifies one Listener's membership in a stream. Hash and
// Listener together are sufficient to unsubscribe.
type SubHandle struct {
	Hash     string
	Listener int

	rec *SubRecord
}

// Ready blocks until the stream has been acknowledged by the peer: its first
// message (data or error) has arrived, or the subscribe request failed
// locally. It returns nil on a data acknowledgement and the terminating
// error otherwise.
func (h *SubHandle) Ready(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.rec.readyC:
		return h.rec.readyErr
	}
}
