package apimux

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// testChannel is a scriptable in-memory Channel. Frames written by the Mux
// are captured for inspection; inbound frames are delivered by the test.
type testChannel struct {
	*asyncobj.Helper
	t       *testing.T
	openedC chan struct{}
	recvC   chan []byte
	closedC chan struct{}
	sent    [][]byte
	sendErr error
}

func newTestChannel(t *testing.T, lg logger.Logger) *testChannel {
	tc := &testChannel{
		t:       t,
		openedC: make(chan struct{}),
		recvC:   make(chan []byte, 64),
		closedC: make(chan struct{}),
	}
	tc.Helper = asyncobj.NewHelper(lg.ForkLogStr("<testChannel>"), tc)
	tc.SetIsActivated()
	return tc
}

func (tc *testChannel) HandleOnceShutdown(completionErr error) error {
	close(tc.closedC)
	close(tc.recvC)
	return completionErr
}

// open marks the connection established.
func (tc *testChannel) open() {
	close(tc.openedC)
}

func (tc *testChannel) Send(data []byte) error {
	tc.Lock.Lock()
	defer tc.Lock.Unlock()
	if tc.sendErr != nil {
		return tc.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	tc.sent = append(tc.sent, cp)
	return nil
}

func (tc *testChannel) OpenedChan() <-chan struct{} {
	return tc.openedC
}

func (tc *testChannel) RecvChan() <-chan []byte {
	return tc.recvC
}

func (tc *testChannel) ClosedChan() <-chan struct{} {
	return tc.closedC
}

func (tc *testChannel) IsClosingOrClosed() bool {
	return tc.IsStartedShutdown()
}

func (tc *testChannel) Close() error {
	tc.StartShutdown(nil)
	return tc.WaitShutdown()
}

func (tc *testChannel) sentCount() int {
	tc.Lock.Lock()
	defer tc.Lock.Unlock()
	return len(tc.sent)
}

// waitSent blocks until at least n frames have been written, then returns all
// of them decoded.
func (tc *testChannel) waitSent(n int) []Request {
	deadline := time.Now().Add(2 * time.Second)
	for {
		tc.Lock.Lock()
		if len(tc.sent) >= n {
			out := make([]Request, 0, len(tc.sent))
			for _, data := range tc.sent {
				req := Request{}
				if err := json.Unmarshal(data, &req); err != nil {
					tc.Lock.Unlock()
					tc.t.Fatalf("Sent frame is not valid JSON: %s", err)
				}
				out = append(out, req)
			}
			tc.Lock.Unlock()
			return out
		}
		tc.Lock.Unlock()
		if time.Now().After(deadline) {
			tc.t.Fatalf("Timed out waiting for %d sent frames; have %d", n, tc.sentCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func (tc *testChannel) deliverJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		tc.t.Fatalf("Cannot marshal test frame: %s", err)
	}
	tc.recvC <- data
}

// respond delivers a success response echoing req.
func (tc *testChannel) respond(req Request, msgType string, fields Payload) {
	resp := map[string]interface{}{
		"echo_req": map[string]interface{}(req),
		"msg_type": msgType,
	}
	if id, ok := req[reqIDField]; ok {
		resp[reqIDField] = id
	}
	for k, v := range fields {
		resp[k] = v
	}
	tc.deliverJSON(resp)
}

// respondError delivers an error response echoing req.
func (tc *testChannel) respondError(req Request, msgType, code, message string) {
	tc.respond(req, msgType, Payload{
		"error": map[string]interface{}{"code": code, "message": message},
	})
}

// pushStream delivers a stream update echoing the original subscribe request.
func (tc *testChannel) pushStream(req Request, msgType, streamID string, fields Payload) {
	merged := Payload{
		"subscription": map[string]interface{}{"id": streamID},
	}
	for k, v := range fields {
		merged[k] = v
	}
	tc.respond(req, msgType, merged)
}

func newTestLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// newTestMux builds an open channel and an active Mux on it.
func newTestMux(t *testing.T, config *Config) (*Mux, *testChannel) {
	lg := newTestLogger(t)
	tc := newTestChannel(t, lg)
	tc.open()
	m := New(lg, tc, config)
	return m, tc
}

func requestNamed(t *testing.T, reqs []Request, name string) Request {
	for _, req := range reqs {
		if _, ok := req[name]; ok {
			return req
		}
	}
	t.Fatalf("No %s request was sent; have %v", name, reqs)
	return nil
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendCorrelation(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()
	ctx := testContext(t)

	c1 := m.Send("time", nil)
	c2 := m.Send("website_status", nil)
	if c1.ReqID() == c2.ReqID() {
		t.Fatalf("Both calls were assigned req_id %d", c1.ReqID())
	}

	reqs := tc.waitSent(2)
	timeReq := requestNamed(t, reqs, "time")
	statusReq := requestNamed(t, reqs, "website_status")

	// respond out of order
	tc.respond(statusReq, "website_status", Payload{"website_status": map[string]interface{}{"site_status": 1}})
	tc.respond(timeReq, "time", Payload{"time": 1754000000})

	msg2, err := c2.Await(ctx)
	if err != nil {
		t.Fatalf("website_status call failed: %s", err)
	}
	if msg2.ReqID() != c2.ReqID() {
		t.Errorf("website_status call settled with req_id %d, want %d", msg2.ReqID(), c2.ReqID())
	}
	msg1, err := c1.Await(ctx)
	if err != nil {
		t.Fatalf("time call failed: %s", err)
	}
	if msg1.ReqID() != c1.ReqID() {
		t.Errorf("time call settled with req_id %d, want %d", msg1.ReqID(), c1.ReqID())
	}
	if got := msg1.Field("time"); got != float64(1754000000) {
		t.Errorf("time response payload = %v, want 1754000000", got)
	}
	if got := m.Stats().Pending(); got != 0 {
		t.Errorf("Pending count after settlement = %d, want 0", got)
	}
}

func TestSendRemoteError(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()
	ctx := testContext(t)

	call := m.Send("buy", Payload{"buy": "bad-contract-id", "price": 100})
	reqs := tc.waitSent(1)
	tc.respondError(reqs[0], "buy", "InvalidContractProposal", "That contract is unavailable.")

	msg, err := call.Await(ctx)
	rerr, ok := err.(*RemoteError)
	if !ok {
		t.Fatalf("Await error = %v (%T), want *RemoteError", err, err)
	}
	if rerr.Code != "InvalidContractProposal" {
		t.Errorf("RemoteError code = %q, want InvalidContractProposal", rerr.Code)
	}
	if msg == nil || msg.Err() != rerr {
		t.Errorf("Settling message not retained alongside the error")
	}
	if got, want := rerr.Details["message"], "That contract is unavailable."; got != want {
		t.Errorf("RemoteError details not passed through verbatim: got %v", got)
	}
	if got := m.Stats().Pending(); got != 0 {
		t.Errorf("Pending count after error settlement = %d, want 0", got)
	}
}

func TestSubscribeDedupAndFanOut(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()

	got1 := make(chan *Message, 4)
	got2 := make(chan *Message, 4)
	h1, err := m.Subscribe("ticks", Payload{"ticks": "R_100"}, func(msg *Message) { got1 <- msg }, nil)
	if err != nil {
		t.Fatalf("First subscribe failed: %s", err)
	}
	h2, err := m.Subscribe("ticks", Payload{"ticks": "R_100"}, func(msg *Message) { got2 <- msg }, nil)
	if err != nil {
		t.Fatalf("Second subscribe failed: %s", err)
	}
	if h1.Hash != h2.Hash {
		t.Fatalf("Identical subscriptions hashed differently: %s vs %s", h1.Hash, h2.Hash)
	}
	if h1.Listener == h2.Listener {
		t.Fatalf("Both listeners got handle %d", h1.Listener)
	}

	subReq := tc.waitSent(1)[0]
	time.Sleep(50 * time.Millisecond)
	if n := tc.sentCount(); n != 1 {
		t.Fatalf("Sent %d subscribe frames for one logical stream, want 1", n)
	}

	tc.pushStream(subReq, "tick", "stream-1", Payload{"tick": map[string]interface{}{"quote": 42.5}})

	var msg1, msg2 *Message
	select {
	case msg1 = <-got1:
	case <-time.After(2 * time.Second):
		t.Fatalf("First listener never received the tick")
	}
	select {
	case msg2 = <-got2:
	case <-time.After(2 * time.Second):
		t.Fatalf("Second listener never received the tick")
	}
	if msg1 != msg2 {
		t.Errorf("Listeners received different message objects")
	}

	rec := m.Registry().Get(h1.Hash)
	if rec == nil {
		t.Fatalf("Record missing after acknowledgement")
	}
	if rec.StreamID() != "stream-1" {
		t.Errorf("Record stream id = %q, want stream-1", rec.StreamID())
	}
	if rec.Status() != StatusActive {
		t.Errorf("Record status = %s, want active", rec.Status())
	}
	if got := m.Stats().Streams(); got != 1 {
		t.Errorf("Streams count = %d, want 1", got)
	}
}

func TestLateJoinerReplay(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()

	got1 := make(chan *Message, 4)
	if _, err := m.Subscribe("ticks", Payload{"ticks": "R_50"}, func(msg *Message) { got1 <- msg }, nil); err != nil {
		t.Fatalf("Subscribe failed: %s", err)
	}
	subReq := tc.waitSent(1)[0]
	tc.pushStream(subReq, "tick", "stream-1", Payload{"tick": map[string]interface{}{"quote": 17.1}})
	select {
	case <-got1:
	case <-time.After(2 * time.Second):
		t.Fatalf("First listener never received the tick")
	}

	// the late joiner must see the cached tick synchronously
	got2 := make(chan *Message, 4)
	if _, err := m.Subscribe("ticks", Payload{"ticks": "R_50"}, func(msg *Message) { got2 <- msg }, nil); err != nil {
		t.Fatalf("Late subscribe failed: %s", err)
	}
	select {
	case msg := <-got2:
		tick, _ := msg.Field("tick").(map[string]interface{})
		if tick == nil || tick["quote"] != 17.1 {
			t.Errorf("Replayed payload = %v, want cached tick", msg.Field("tick"))
		}
	default:
		t.Fatalf("Late joiner was not replayed the cached payload synchronously")
	}
	if n := tc.sentCount(); n != 1 {
		t.Errorf("Late join caused %d frames on the wire, want 1 total", n)
	}
}

func TestUnsubscribeLastListenerSendsForget(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()
	ctx := testContext(t)

	cb := func(*Message) {}
	h1, _ := m.Subscribe("ticks", Payload{"ticks": "R_100"}, cb, nil)
	h2, _ := m.Subscribe("ticks", Payload{"ticks": "R_100"}, cb, nil)
	subReq := tc.waitSent(1)[0]
	tc.pushStream(subReq, "tick", "stream-9", Payload{"tick": map[string]interface{}{"quote": 1.0}})

	if err := h1.Ready(ctx); err != nil {
		t.Fatalf("Stream never became ready: %s", err)
	}
	if err := m.Unsubscribe(ctx, h1); err != nil {
		t.Fatalf("First unsubscribe failed: %s", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := tc.sentCount(); n != 1 {
		t.Fatalf("Unsubscribe with listeners remaining sent %d extra frames, want 0", n-1)
	}

	errC := make(chan error, 1)
	go func() { errC <- m.Unsubscribe(ctx, h2) }()

	forgetReq := requestNamed(t, tc.waitSent(2), "forget")
	if got := forgetReq["forget"]; got != "stream-9" {
		t.Errorf("Forget referenced stream %v, want stream-9", got)
	}
	tc.respond(forgetReq, "forget", Payload{"forget": 1})
	if err := <-errC; err != nil {
		t.Fatalf("Final unsubscribe failed: %s", err)
	}
	if m.Registry().Len() != 0 {
		t.Errorf("Record still registered after successful teardown")
	}
	if got := m.Stats().Streams(); got != 0 {
		t.Errorf("Streams count after teardown = %d, want 0", got)
	}
}

func TestUnsubscribeFailedTeardownKeepsRecord(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()
	ctx := testContext(t)

	h, _ := m.Subscribe("ticks", Payload{"ticks": "R_25"}, func(*Message) {}, nil)
	subReq := tc.waitSent(1)[0]
	tc.pushStream(subReq, "tick", "stream-3", Payload{"tick": map[string]interface{}{"quote": 9.9}})
	if err := h.Ready(ctx); err != nil {
		t.Fatalf("Stream never became ready: %s", err)
	}

	errC := make(chan error, 1)
	go func() { errC <- m.Unsubscribe(ctx, h) }()
	forgetReq := requestNamed(t, tc.waitSent(2), "forget")
	tc.respondError(forgetReq, "forget", "StreamNotFound", "Unknown stream.")

	err := <-errC
	rerr, ok := err.(*RemoteError)
	if !ok {
		t.Fatalf("Unsubscribe error = %v (%T), want *RemoteError", err, err)
	}
	if rerr.Code != "StreamNotFound" {
		t.Errorf("Teardown error code = %q, want StreamNotFound", rerr.Code)
	}
	rec := m.Registry().Get(h.Hash)
	if rec == nil {
		t.Fatalf("Record was deleted despite failed teardown")
	}
	if rec.NumListeners() != 0 {
		t.Errorf("Record has %d listeners after unsubscribe, want 0", rec.NumListeners())
	}
}

func TestUnsubscribeUnackedStream(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()
	ctx := testContext(t)

	h, _ := m.Subscribe("ticks", Payload{"ticks": "R_10"}, func(*Message) {}, nil)
	tc.waitSent(1)
	if err := m.Unsubscribe(ctx, h); err != nil {
		t.Fatalf("Unsubscribe of unacknowledged stream failed: %s", err)
	}
	if m.Registry().Len() != 0 {
		t.Errorf("Unacknowledged record not removed")
	}
	time.Sleep(50 * time.Millisecond)
	if n := tc.sentCount(); n != 1 {
		t.Errorf("Unacknowledged teardown sent %d extra frames, want 0", n-1)
	}
}

func TestCallGateOrdersAuthorizeFirst(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()
	ctx := testContext(t)

	gateW := m.WaitFor("authorize", ClassAll)
	authCall := m.Send("authorize", Payload{"authorize": "A1-secrettoken"})
	balCall := m.Send("balance", nil)

	authReq := requestNamed(t, tc.waitSent(1), "authorize")
	time.Sleep(50 * time.Millisecond)
	if n := tc.sentCount(); n != 1 {
		t.Fatalf("Gated balance request was written before the authorize response (%d frames)", n)
	}

	tc.respond(authReq, "authorize", Payload{"authorize": map[string]interface{}{"loginid": "CR900000"}})
	balReq := requestNamed(t, tc.waitSent(2), "balance")
	if balReq[reqIDField] == authReq[reqIDField] {
		t.Errorf("balance and authorize share req_id %v", balReq[reqIDField])
	}

	if _, err := authCall.Await(ctx); err != nil {
		t.Fatalf("authorize call failed: %s", err)
	}
	if gateW.Message() == nil {
		t.Errorf("Gate waiter did not capture the releasing message")
	}
	tc.respond(balReq, "balance", Payload{"balance": map[string]interface{}{"balance": 10000.0}})
	if _, err := balCall.Await(ctx); err != nil {
		t.Fatalf("balance call failed: %s", err)
	}
}

func TestWaitForReplacementAbandonsOldWaiter(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()

	w1 := m.WaitFor("authorize", ClassRequest)
	w2 := m.WaitFor("balance", ClassRequest)

	tc.deliverJSON(map[string]interface{}{"msg_type": "balance"})
	select {
	case <-w2.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Replacement gate never fired")
	}
	select {
	case <-w1.Done():
		t.Fatalf("Replaced gate waiter fired")
	default:
	}

	// the old target no longer releases anything
	tc.deliverJSON(map[string]interface{}{"msg_type": "authorize"})
	time.Sleep(50 * time.Millisecond)
	select {
	case <-w1.Done():
		t.Fatalf("Replaced gate waiter fired after replacement")
	default:
	}
}

func TestStreamErrorDeletesRecord(t *testing.T) {
	m, tc := newTestMux(t, nil)
	defer m.Cleanup()
	ctx := testContext(t)

	dataC := make(chan *Message, 4)
	errC := make(chan error, 1)
	h, _ := m.Subscribe("ticks", Payload{"ticks": "BADSYM"},
		func(msg *Message) { dataC <- msg },
		func(err error) { errC <- err })
	subReq := tc.waitSent(1)[0]
	tc.respondError(subReq, "ticks", "InvalidSymbol", "Symbol BADSYM is not available.")

	select {
	case err := <-errC:
		rerr, ok := err.(*RemoteError)
		if !ok || rerr.Code != "InvalidSymbol" {
			t.Errorf("Error handler got %v, want InvalidSymbol RemoteError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Error handler never invoked")
	}
	if err := h.Ready(ctx); err == nil {
		t.Errorf("Ready returned nil for a failed stream")
	}
	if m.Registry().Get(h.Hash) != nil {
		t.Errorf("Failed record still registered")
	}

	// later traffic for the dead hash is dropped silently
	tc.pushStream(subReq, "tick", "stream-x", Payload{"tick": map[string]interface{}{"quote": 5.0}})
	time.Sleep(50 * time.Millisecond)
	select {
	case msg := <-dataC:
		t.Errorf("Listener received %v after stream death", msg)
	default:
	}
}

func TestReinitializeReplaysRegistry(t *testing.T) {
	lg := newTestLogger(t)
	ctx := testContext(t)

	tc1 := newTestChannel(t, lg)
	tc1.open()
	m1 := New(lg, tc1, nil)

	authCall := m1.Send("authorize", Payload{"authorize": "A1-secrettoken"})
	authReq := requestNamed(t, tc1.waitSent(1), "authorize")
	tc1.respond(authReq, "authorize", Payload{"authorize": map[string]interface{}{"loginid": "CR900000"}})
	if _, err := authCall.Await(ctx); err != nil {
		t.Fatalf("authorize failed: %s", err)
	}

	got1 := make(chan *Message, 4)
	got2 := make(chan *Message, 4)
	if _, err := m1.Subscribe("ticks", Payload{"ticks": "R_100"}, func(msg *Message) { got1 <- msg }, nil); err != nil {
		t.Fatalf("Subscribe failed: %s", err)
	}
	if _, err := m1.Subscribe("ticks", Payload{"ticks": "R_100"}, func(msg *Message) { got2 <- msg }, nil); err != nil {
		t.Fatalf("Subscribe failed: %s", err)
	}
	subReq := requestNamed(t, tc1.waitSent(2), "ticks")
	tc1.pushStream(subReq, "tick", "stream-1", Payload{"tick": map[string]interface{}{"quote": 1.5}})
	<-got1
	<-got2

	prior := m1.Registry()
	auth := m1.AuthorizePayload()
	firstID := m1.NextID()
	if err := m1.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %s", err)
	}
	if prior.Len() != 1 {
		t.Fatalf("Prior registry lost its record on cleanup: len=%d", prior.Len())
	}

	tc2 := newTestChannel(t, lg)
	tc2.open()
	m2 := New(lg, tc2, &Config{FirstID: firstID})
	defer m2.Cleanup()

	doneC := make(chan error, 1)
	go func() { doneC <- m2.Reinitialize(ctx, prior, auth) }()

	reauthReq := requestNamed(t, tc2.waitSent(1), "authorize")
	if got := reauthReq["authorize"]; got != "A1-secrettoken" {
		t.Errorf("Reauthorization payload = %v, want cached token", got)
	}
	if id, ok := reauthReq[reqIDField].(float64); !ok || int64(id) < firstID {
		t.Errorf("Reconnect req_id %v not seeded from prior instance (want >= %d)", reauthReq[reqIDField], firstID)
	}
	tc2.respond(reauthReq, "authorize", Payload{"authorize": map[string]interface{}{"loginid": "CR900000"}})

	// two listeners, one deduplicated upstream subscribe
	resubReq := requestNamed(t, tc2.waitSent(2), "ticks")
	time.Sleep(50 * time.Millisecond)
	if n := tc2.sentCount(); n != 2 {
		t.Fatalf("Reinitialize wrote %d frames, want authorize + one subscribe", n)
	}
	select {
	case err := <-doneC:
		t.Fatalf("Reinitialize returned %v before the subscription was acknowledged", err)
	default:
	}

	tc2.pushStream(resubReq, "tick", "stream-2", Payload{"tick": map[string]interface{}{"quote": 2.5}})
	select {
	case err := <-doneC:
		if err != nil {
			t.Fatalf("Reinitialize failed: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Reinitialize did not settle after acknowledgement")
	}

	// both fan-out listeners survived the reconnect
	select {
	case <-got1:
	case <-time.After(2 * time.Second):
		t.Fatalf("First listener lost across reinitialize")
	}
	select {
	case <-got2:
	case <-time.After(2 * time.Second):
		t.Fatalf("Second listener lost across reinitialize")
	}
	rec := m2.Registry().Get(hashOfRequest(t, resubReq))
	if rec == nil || rec.NumListeners() != 2 {
		t.Errorf("Rebuilt record missing or wrong listener count")
	}
}

// hashOfRequest recomputes the registry hash for a captured subscribe frame.
func hashOfRequest(t *testing.T, req Request) string {
	hash, err := HashRequest(req)
	if err != nil {
		t.Fatalf("Cannot hash captured subscribe frame: %s", err)
	}
	return hash
}

func TestMonotonicIdentifiers(t *testing.T) {
	m, tc := newTestMux(t, &Config{FirstID: 40})
	defer m.Cleanup()

	c1 := m.Send("time", nil)
	c2 := m.Send("ping", nil)
	if _, err := m.Subscribe("ticks", Payload{"ticks": "R_100"}, func(*Message) {}, nil); err != nil {
		t.Fatalf("Subscribe failed: %s", err)
	}

	if c1.ReqID() != 40 || c2.ReqID() != 41 {
		t.Errorf("Call req_ids = %d, %d; want 40, 41", c1.ReqID(), c2.ReqID())
	}
	subReq := requestNamed(t, tc.waitSent(3), "ticks")
	if id, ok := subReq[reqIDField].(float64); !ok || int64(id) != 42 {
		t.Errorf("Subscribe req_id = %v, want 42", subReq[reqIDField])
	}
	if got := m.NextID(); got != 43 {
		t.Errorf("NextID = %d, want 43", got)
	}
}

func TestCleanupAbandonsPending(t *testing.T) {
	m, tc := newTestMux(t, nil)

	call := m.Send("time", nil)
	tc.waitSent(1)
	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := call.Await(ctx); err != context.DeadlineExceeded {
		t.Errorf("Abandoned call settled with %v, want context deadline", err)
	}
	if !m.IsClosingOrClosed() {
		t.Errorf("Channel still open after cleanup")
	}
	if got := m.Stats().Pending(); got != 0 {
		t.Errorf("Pending gauge after cleanup = %d, want 0", got)
	}

	// operations on a cleaned-up mux fail fast
	late := m.Send("time", nil)
	select {
	case <-late.Done():
		if late.Err() == nil {
			t.Errorf("Post-cleanup call settled without error")
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Post-cleanup call never settled")
	}
	if _, err := m.Subscribe("ticks", Payload{"ticks": "R_100"}, func(*Message) {}, nil); err == nil {
		t.Errorf("Post-cleanup subscribe succeeded")
	}
}

func TestKeepAlivePings(t *testing.T) {
	m, tc := newTestMux(t, &Config{KeepAlive: 20 * time.Millisecond})
	defer m.Cleanup()

	reqs := tc.waitSent(2)
	ping := requestNamed(t, reqs, "ping")
	tc.respond(ping, "ping", Payload{"ping": "pong"})
	time.Sleep(50 * time.Millisecond)
	if got := m.Stats().Pending(); got != 0 {
		t.Errorf("Keep-alive pings show as pending calls: %d", got)
	}
}
