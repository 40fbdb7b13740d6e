package apimux

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is the settlement error for calls whose request could not
// be written because the underlying channel closed first.
var ErrChannelClosed = errors.New("channel is closed")

// CallClass identifies which kind of outbound calls a Gate holds back.
type CallClass int

const (
	// ClassRequest gates fire-once request/response calls.
	ClassRequest CallClass = iota
	// ClassSubscribe gates the opening of new streams.
	ClassSubscribe
	// ClassAll gates both.
	ClassAll
)

func (c CallClass) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassSubscribe:
		return "subscribe"
	case ClassAll:
		return "all"
	}
	return "unknown"
}

// Call is one outstanding fire-once request. It settles exactly once: with
// the matching response message, with the remote error carried by a matching
// error response, or with a local error if the request could not be written.
// The Mux never times a Call out; a caller that needs bounded waiting passes
// a context to Await.
type Call struct {
	name  string
	reqID int64
	doneC chan struct{}
	once  sync.Once
	msg   *Message
	err   error
}

func newCall(name string, reqID int64) *Call {
	return &Call{name: name, reqID: reqID, doneC: make(chan struct{})}
}

// Name returns the endpoint name the call was issued with.
func (c *Call) Name() string {
	return c.name
}

// ReqID returns the request identifier assigned to the call.
func (c *Call) ReqID() int64 {
	return c.reqID
}

// Done returns a channel that is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.doneC
}

// Await blocks until the call settles or ctx is done. On a remote error
// response both the full response message and the error are returned, so the
// caller can inspect the body alongside the error value.
func (c *Call) Await(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.doneC:
		return c.msg, c.err
	}
}

// Message returns the settling response, or nil if the call has not settled
// or failed locally before a response arrived.
func (c *Call) Message() *Message {
	select {
	case <-c.doneC:
		return c.msg
	default:
		return nil
	}
}

// Err returns the settlement error, or nil if the call succeeded or has not
// settled.
func (c *Call) Err() error {
	select {
	case <-c.doneC:
		return c.err
	default:
		return nil
	}
}

func (c *Call) resolve(msg *Message) {
	c.once.Do(func() {
		c.msg = msg
		close(c.doneC)
	})
}

// reject settles the call with an error. msg is non-nil for remote error
// responses and nil for local failures.
func (c *Call) reject(msg *Message, err error) {
	c.once.Do(func() {
		c.msg = msg
		c.err = err
		close(c.doneC)
	})
}

// Waiter is a single-producer, multi-consumer one-shot completion event. It
// is distinct from a Call: it carries no error, it is never removed from any
// table, and any number of consumers may park on Done. A Waiter whose Gate
// has been replaced simply never fires.
type Waiter struct {
	doneC chan struct{}
	once  sync.Once
	msg   *Message
}

func newWaiter() *Waiter {
	return &Waiter{doneC: make(chan struct{})}
}

// Done returns a channel that is closed once a message naming the awaited
// endpoint has been observed.
func (w *Waiter) Done() <-chan struct{} {
	return w.doneC
}

// Message returns the message that fired the waiter, or nil if it has not
// fired.
func (w *Waiter) Message() *Message {
	select {
	case <-w.doneC:
		return w.msg
	default:
		return nil
	}
}

// Await blocks until the waiter fires or ctx is done.
func (w *Waiter) Await(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.doneC:
		return w.msg, nil
	}
}

func (w *Waiter) fire(msg *Message) {
	w.once.Do(func() {
		w.msg = msg
		close(w.doneC)
	})
}

// callGate is the at-most-one active ordering barrier of a Mux.
type callGate struct {
	name   string
	class  CallClass
	waiter *Waiter
}

// blocks reports whether an outbound call of class cc to endpoint name must
// park on this gate. Calls to the gate's own target endpoint are never
// blocked; the gate resolves off their responses.
func (g *callGate) blocks(cc CallClass, name string) bool {
	if name == g.name {
		return false
	}
	return g.class == ClassAll || g.class == cc
}
