package apimock

import (
	"sync"
	"time"

	"github.com/aswathy-deriv/deriv-api-client/pkg/apimux"
)

// Stream is one live subscription on a session. Every pushed message
// carries the originating request as its echo and the stream's
// subscription id.
type Stream struct {
	sess     *Session
	id       string
	msgType  string
	req      apimux.Request
	stopC    chan struct{}
	stopOnce sync.Once
}

// ID returns the subscription id allocated for the stream.
func (st *Stream) ID() string {
	return st.id
}

// Done returns a channel that is closed once the stream has been torn down,
// either by a forget request or by session shutdown.
func (st *Stream) Done() <-chan struct{} {
	return st.stopC
}

// Push sends one stream envelope. It fails once the stream has been torn
// down.
func (st *Stream) Push(body interface{}) error {
	select {
	case <-st.stopC:
		return st.sess.Errorf("Stream %s is closed", st.id)
	default:
	}
	return st.sess.sendEnvelope(st.req, st.msgType, body, st.id)
}

func (st *Stream) stop() {
	st.stopOnce.Do(func() {
		close(st.stopC)
	})
}

// StreamHandler builds a Handler for an endpoint that supports
// subscription. A request without the subscribe marker gets a single
// response; a subscribing request opens a stream and, when interval is
// positive, pushes a generated message on every tick until the stream is
// torn down. gen is called with the originating request and an increasing
// sequence number starting at zero.
func StreamHandler(msgType string, interval time.Duration, gen func(req apimux.Request, seq int64) interface{}) Handler {
	return func(sess *Session, name string, req apimux.Request) {
		if _, ok := req["subscribe"]; !ok {
			sess.Reply(req, msgType, gen(req, 0))
			return
		}
		st, err := sess.OpenStream(req, msgType, gen(req, 0))
		if err != nil {
			return
		}
		if interval <= 0 {
			return
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			seq := int64(1)
			for {
				select {
				case <-st.Done():
					return
				case <-ticker.C:
					if st.Push(gen(st.req, seq)) != nil {
						return
					}
					seq++
				}
			}
		}()
	}
}
