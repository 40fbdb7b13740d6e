package apimux

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// MuxStats keeps running traffic and state counts for one Mux. All methods
// are safe for concurrent use.
type MuxStats struct {
	sentMsgs  int64
	sentBytes int64
	recvMsgs  int64
	recvBytes int64
	pending   int32
	streams   int32
}

func (s *MuxStats) addSent(nb int) {
	atomic.AddInt64(&s.sentMsgs, 1)
	atomic.AddInt64(&s.sentBytes, int64(nb))
}

func (s *MuxStats) addRecv(nb int) {
	atomic.AddInt64(&s.recvMsgs, 1)
	atomic.AddInt64(&s.recvBytes, int64(nb))
}

func (s *MuxStats) openPending() {
	atomic.AddInt32(&s.pending, 1)
}

func (s *MuxStats) closePending() {
	atomic.AddInt32(&s.pending, -1)
}

func (s *MuxStats) openStream() {
	atomic.AddInt32(&s.streams, 1)
}

func (s *MuxStats) closeStream() {
	atomic.AddInt32(&s.streams, -1)
}

func (s *MuxStats) resetGauges() {
	atomic.StoreInt32(&s.pending, 0)
	atomic.StoreInt32(&s.streams, 0)
}

// SentMsgs returns the number of messages written to the channel.
func (s *MuxStats) SentMsgs() int64 {
	return atomic.LoadInt64(&s.sentMsgs)
}

// SentBytes returns the number of bytes written to the channel.
func (s *MuxStats) SentBytes() int64 {
	return atomic.LoadInt64(&s.sentBytes)
}

// RecvMsgs returns the number of messages received from the channel.
func (s *MuxStats) RecvMsgs() int64 {
	return atomic.LoadInt64(&s.recvMsgs)
}

// RecvBytes returns the number of bytes received from the channel.
func (s *MuxStats) RecvBytes() int64 {
	return atomic.LoadInt64(&s.recvBytes)
}

// Pending returns the number of calls currently awaiting a response.
func (s *MuxStats) Pending() int32 {
	return atomic.LoadInt32(&s.pending)
}

// Streams returns the number of live Subscription Records.
func (s *MuxStats) Streams() int32 {
	return atomic.LoadInt32(&s.streams)
}

func (s *MuxStats) String() string {
	return fmt.Sprintf("[sent %d/%s] [recv %d/%s] [pending %d] [streams %d]",
		s.SentMsgs(), sizestr.ToString(s.SentBytes()),
		s.RecvMsgs(), sizestr.ToString(s.RecvBytes()),
		s.Pending(), s.Streams())
}
