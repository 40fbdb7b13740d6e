package apimux

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mitchellh/hashstructure"
)

// Reserved field names of the wire protocol.
const (
	reqIDField        = "req_id"
	subscribeField    = "subscribe"
	msgTypeField      = "msg_type"
	echoReqField      = "echo_req"
	errorField        = "error"
	subscriptionField = "subscription"
)

// Payload is the caller-supplied body of one call, minus the endpoint marker
// and correlation fields added by the Mux.
type Payload map[string]interface{}

// Clone returns a shallow copy of p. Cloning nil returns nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Request is one complete outbound body as written to the channel.
type Request map[string]interface{}

// Clone returns a shallow copy of r. Cloning nil returns nil.
func (r Request) Clone() Request {
	if r == nil {
		return nil
	}
	out := make(Request, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// NewRequest builds the body for a fire-once call: the endpoint name as a
// marker key with value 1, then the payload fields merged over it. A payload
// may deliberately override the marker value, as the protocol does for calls
// like {"ticks": "R_100"} or {"forget": streamID}.
func NewRequest(name string, payload Payload) Request {
	body := Request{name: 1}
	for k, v := range payload {
		body[k] = v
	}
	return body
}

// NewSubscribeRequest builds the body that opens a stream: a fire-once body
// plus the subscribe marker.
func NewSubscribeRequest(name string, payload Payload) Request {
	body := NewRequest(name, payload)
	body[subscribeField] = 1
	return body
}

// canonicalize passes body through a JSON round trip so that a locally built
// body and the same body parsed back out of an echoed response carry
// identical value types (all numbers become float64, and so on) and
// therefore hash identically.
func canonicalize(body Request) (Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("Unhashable request body: %s", err)
	}
	out := Request{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("Unhashable request body: %s", err)
	}
	return out, nil
}

// HashRequest computes the deterministic identity hash of a subscribe body.
// The req_id field is excluded, so retransmissions of the same logical
// subscription always hash identically. Map entries are folded orderlessly,
// so JSON key order cannot split one logical stream into two. Fields that are
// omitted in one body and present with a default value in another still hash
// differently; that is a property of the protocol, not of this function.
func HashRequest(body Request) (string, error) {
	canon, err := canonicalize(body)
	if err != nil {
		return "", err
	}
	delete(canon, reqIDField)
	h, err := hashstructure.Hash(canon, nil)
	if err != nil {
		return "", fmt.Errorf("Unhashable request body: %s", err)
	}
	return strconv.FormatUint(h, 10), nil
}

// RemoteError is an error payload returned by the remote peer for one call or
// stream. It is surfaced to the caller verbatim; Details retains the complete
// error object exactly as received.
type RemoteError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func newRemoteError(raw map[string]interface{}) *RemoteError {
	e := &RemoteError{Details: raw}
	if s, ok := raw["code"].(string); ok {
		e.Code = s
	}
	if s, ok := raw["message"].(string); ok {
		e.Message = s
	}
	return e
}

func (e *RemoteError) Error() string {
	if e.Code == "" && e.Message == "" {
		return "remote error"
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Message is one parsed inbound frame. The raw bytes are retained alongside
// the decoded envelope so callers can re-decode the body into typed
// structures of their own.
type Message struct {
	raw             []byte
	fields          map[string]interface{}
	msgType         string
	reqID           int64
	echoReq         Request
	streamID        string
	hasSubscription bool
	remoteErr       *RemoteError
}

// ParseMessage decodes one inbound frame and extracts the envelope fields
// used for routing.
func ParseMessage(raw []byte) (*Message, error) {
	fields := map[string]interface{}{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("Unparseable inbound message: %s", err)
	}
	m := &Message{raw: raw, fields: fields}
	if s, ok := fields[msgTypeField].(string); ok {
		m.msgType = s
	}
	if n, ok := fields[reqIDField].(float64); ok {
		m.reqID = int64(n)
	}
	if em, ok := fields[echoReqField].(map[string]interface{}); ok {
		m.echoReq = Request(em)
	}
	if sub, ok := fields[subscriptionField].(map[string]interface{}); ok {
		m.hasSubscription = true
		if id, ok := sub["id"].(string); ok {
			m.streamID = id
		}
	}
	if errObj, ok := fields[errorField].(map[string]interface{}); ok {
		m.remoteErr = newRemoteError(errObj)
	}
	return m, nil
}

// MsgType returns the message's endpoint-name tag, or "" if absent.
func (m *Message) MsgType() string {
	return m.msgType
}

// ReqID returns the echoed request identifier, or 0 if absent.
func (m *Message) ReqID() int64 {
	return m.reqID
}

// EchoReq returns the echoed originating request, or nil if absent.
func (m *Message) EchoReq() Request {
	return m.echoReq
}

// StreamID returns the upstream stream identifier carried by the message's
// subscription object, or "" if absent.
func (m *Message) StreamID() string {
	return m.streamID
}

// Err returns the remote error carried by the message, or nil.
func (m *Message) Err() *RemoteError {
	return m.remoteErr
}

// Field returns one decoded top-level field of the message body, or nil.
func (m *Message) Field(name string) interface{} {
	return m.fields[name]
}

// Raw returns the undecoded frame bytes.
func (m *Message) Raw() []byte {
	return m.raw
}

// isStream reports whether the message belongs to a stream: it carries a
// subscription object, or its echoed request carries the subscribe marker.
func (m *Message) isStream() bool {
	if m.hasSubscription {
		return true
	}
	return m.echoReq != nil && m.echoReq[subscribeField] != nil
}

func (m *Message) String() string {
	return fmt.Sprintf("<Message %s req_id=%d>", m.msgType, m.reqID)
}
