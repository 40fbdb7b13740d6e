// Package apimux multiplexes many logical API calls onto one persistent
// duplex JSON message channel, in the style of the Deriv/Binary WebSocket
// trading API.
//
// A "Channel" is the single underlying connection. All outbound traffic is a
// JSON object carrying the endpoint name as a marker key and a "req_id"
// correlation number; all inbound traffic is a JSON object echoing the
// originating request, so that interleaved, out-of-order responses can be
// routed back to their callers.
//
// A "Call" is one fire-once request/response exchange. Its response is
// matched by req_id and settles the Call's future exactly once.
//
// A "Stream" is a long-lived subscription opened with a subscribe-marked
// request. Logically identical subscriptions (same endpoint name and payload)
// are deduplicated by a deterministic content hash so the same live stream is
// never opened upstream twice; any number of local "Listeners" fan out from
// one Subscription Record. A late-joining Listener is replayed the stream's
// last cached message immediately. Streams are torn down with an explicit
// "forget" request naming the upstream stream identifier.
//
// A "Gate" is an at-most-one ordering barrier: after WaitFor(name, class),
// outbound calls of the matching class are held back until a message whose
// msg_type equals name has been observed. It exists for sequences like
// authorize-before-everything that must not race each other.
//
// The Mux owns one Channel instance for that Channel's lifetime. Transport
// reconnection lives outside this package; after a reconnect, a fresh Mux on
// the new Channel is rebuilt from the prior instance's state with
// Reinitialize.
package apimux

import (
	"time"
)

// Channel is the boundary with the transport collaborator. The Mux requires
// an object that can write one complete framed message at a time, signals
// open exactly once per connection lifetime, delivers each inbound frame as
// one whole message, and signals close exactly once.
//
// RecvChan must be closed after ClosedChan is closed and no further messages
// will be delivered. Implementations are expected to be safe for concurrent
// Send calls.
type Channel interface {
	// Send writes one complete framed message to the peer.
	Send(data []byte) error

	// OpenedChan returns a channel that is closed once the connection is
	// open and ready to carry traffic.
	OpenedChan() <-chan struct{}

	// RecvChan returns the channel on which inbound frames are delivered.
	RecvChan() <-chan []byte

	// ClosedChan returns a channel that is closed once the connection is
	// closed and no further traffic will flow.
	ClosedChan() <-chan struct{}

	// IsClosingOrClosed distinguishes "open or connecting" from "closing
	// or closed".
	IsClosingOrClosed() bool

	// Close shuts the connection down and releases its resources. It is
	// safe to call more than once.
	Close() error
}

// Default endpoint names for the reserved operations of the protocol.
const (
	DefaultAuthorizeEndpoint = "authorize"
	DefaultForgetEndpoint    = "forget"
	DefaultPingEndpoint      = "ping"
)

// Config carries the tunable settings for a Mux. The zero value is usable;
// New applies defaults to any field left unset.
type Config struct {
	// AuthorizeEndpoint is the endpoint name whose payloads are cached for
	// reauthorization after a reconnect. Defaults to "authorize".
	AuthorizeEndpoint string

	// ForgetEndpoint is the endpoint name used for stream teardown,
	// invoked with the upstream stream identifier as its payload.
	// Defaults to "forget".
	ForgetEndpoint string

	// PingEndpoint is the endpoint name used for keep-alive no-op
	// requests. Defaults to "ping".
	PingEndpoint string

	// KeepAlive, if greater than zero, enables a best-effort no-op request
	// on this fixed interval.
	KeepAlive time.Duration

	// FirstID is the first request identifier to assign. Defaults to 1.
	// A replacement Mux created after a reconnect can be seeded with the
	// prior instance's NextID so identifiers keep increasing for the
	// lifetime of the logical session.
	FirstID int64
}

// withDefaults returns a defaulted copy of cfg. cfg may be nil.
func (cfg *Config) withDefaults() *Config {
	out := &Config{}
	if cfg != nil {
		*out = *cfg
	}
	if out.AuthorizeEndpoint == "" {
		out.AuthorizeEndpoint = DefaultAuthorizeEndpoint
	}
	if out.ForgetEndpoint == "" {
		out.ForgetEndpoint = DefaultForgetEndpoint
	}
	if out.PingEndpoint == "" {
		out.PingEndpoint = DefaultPingEndpoint
	}
	if out.FirstID < 1 {
		out.FirstID = 1
	}
	return out
}
