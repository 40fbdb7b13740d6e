package apimux

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"golang.org/x/sync/errgroup"
)

// Mux is the channel multiplexer. It owns one Channel for that Channel's
// lifetime, installs the single inbound dispatcher for it, and routes every
// response back to the Call, Stream, or Gate that is waiting for it.
//
// All of a Mux's state lives in the instance: there is no process-wide
// registry. One Mux per Channel; after a reconnect a fresh Mux is built on
// the new Channel and rehydrated with Reinitialize.
type Mux struct {
	*asyncobj.Helper

	ch  Channel
	cfg *Config

	// stats carries the running counters; updated outside the lock.
	stats MuxStats

	// nextID is the next request identifier to assign. Monotonic for the
	// life of the instance; identifiers are never reused, even for calls
	// that fail before being written.
	nextID int64

	// pending is the Correlation Table: req_id to outstanding Call. An
	// entry is removed the moment its call settles.
	pending map[int64]*Call

	// reg is the Subscription Registry for this channel instance.
	reg *Registry

	// gate is the at-most-one ordering barrier, nil when none is active.
	gate *callGate

	// authPayload is the cached payload of the last authorize call,
	// retained for reauthorization after a reconnect. Overwritten, never
	// merged.
	authPayload Payload

	// dispatchDoneC is closed when the dispatcher goroutine has drained
	// the channel's inbound queue and exited.
	dispatchDoneC chan struct{}
}

// New creates a Mux bound to ch and starts its inbound dispatcher. The Mux is
// active on return. config may be nil to accept all defaults. The Mux takes
// over responsibility for closing ch.
func New(lg logger.Logger, ch Channel, config *Config) *Mux {
	cfg := config.withDefaults()
	m := &Mux{
		ch:            ch,
		cfg:           cfg,
		nextID:        cfg.FirstID,
		pending:       map[int64]*Call{},
		reg:           NewRegistry(),
		dispatchDoneC: make(chan struct{}),
	}
	m.Helper = asyncobj.NewHelper(lg.ForkLogStr("mux"), m)

	m.DLog("Activating")
	m.SetIsActivated()
	go m.dispatchLoop()
	if cfg.KeepAlive > 0 {
		go m.keepAliveLoop()
	}
	return m
}

// HandleOnceShutdown will be called exactly once by asyncobj.Helper, in its
// own goroutine. It clears all in-memory state, closes the channel, and waits
// for the dispatcher to drain. Calls still awaiting responses are abandoned
// unsettled; the Registry current at shutdown time is left intact for anyone
// who captured it beforehand.
func (m *Mux) HandleOnceShutdown(completionErr error) error {
	m.Lock.Lock()
	m.pending = map[int64]*Call{}
	m.reg = NewRegistry()
	m.gate = nil
	m.authPayload = nil
	m.Lock.Unlock()
	m.stats.resetGauges()

	err := m.ch.Close()
	<-m.dispatchDoneC
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Send issues a fire-once request and returns its Call. The request is
// written in the background once the channel is open and any active Gate of
// class request/all has released; the returned Call settles exactly once,
// with the matching response or with a local write error. The Mux applies no
// timeout of its own.
//
// If name is the authorize endpoint, the payload is cached for later
// reauthorization.
func (m *Mux) Send(name string, payload Payload) *Call {
	if err := m.DeferShutdown(); err != nil {
		call := newCall(name, 0)
		call.reject(nil, err)
		return call
	}
	defer m.UndeferShutdown()

	m.Lock.Lock()
	id := m.nextID
	m.nextID++
	if existing := m.pending[id]; existing != nil {
		// at most one Call per identifier
		m.Lock.Unlock()
		return existing
	}
	call := newCall(name, id)
	m.pending[id] = call
	if name == m.cfg.AuthorizeEndpoint {
		m.authPayload = payload.Clone()
	}
	gw := m.gateFor(ClassRequest, name)
	m.Lock.Unlock()

	m.stats.openPending()
	body := NewRequest(name, payload)
	body[reqIDField] = id
	data, err := json.Marshal(body)
	if err != nil {
		m.failCall(call, m.DLogErrorf("Unserializable %s request: %s", name, err))
		return call
	}
	m.TLogf("Call %d (%s) issued", id, name)
	go m.transmit(call, data, gw)
	return call
}

// Subscribe attaches onData as a Listener on the logical stream identified by
// name and payload. The first Listener for a new subscription hash creates
// the Subscription Record and sends one subscribe request upstream (behind
// channel-open and any Gate of class subscribe/all); later Listeners join the
// existing record without any network traffic and, if the stream has already
// produced data, are immediately replayed the last cached message on the
// calling goroutine. onErr may be nil.
func (m *Mux) Subscribe(name string, payload Payload, onData DataHandler, onErr ErrHandler) (*SubHandle, error) {
	if onData == nil {
		return nil, m.Errorf("Subscribe to %s requires a data handler", name)
	}
	if err := m.DeferShutdown(); err != nil {
		return nil, err
	}
	defer m.UndeferShutdown()

	body := NewSubscribeRequest(name, payload)
	hash, err := HashRequest(body)
	if err != nil {
		return nil, err
	}

	m.Lock.Lock()
	if rec := m.reg.get(hash); rec != nil {
		handle := rec.addListener(onData)
		if rec.onErr == nil && onErr != nil {
			rec.onErr = onErr
		}
		last := rec.lastMsg
		m.Lock.Unlock()
		m.DLogf("Listener %d joined stream %s (%s)", handle, hash, name)
		if last != nil {
			onData(last)
		}
		return &SubHandle{Hash: hash, Listener: handle, rec: rec}, nil
	}

	rec := newSubRecord(name, hash, payload)
	rec.onErr = onErr
	handle := rec.addListener(onData)
	m.reg.put(rec)
	id := m.nextID
	m.nextID++
	gw := m.gateFor(ClassSubscribe, name)
	m.Lock.Unlock()

	m.stats.openStream()
	sendBody := body.Clone()
	sendBody[reqIDField] = id
	data, err := json.Marshal(sendBody)
	if err != nil {
		// cannot normally fail, since HashRequest serialized the same body
		err = m.DLogErrorf("Unserializable %s subscribe request: %s", name, err)
		m.failSubscribe(rec, err)
		return nil, err
	}
	m.DLogf("Stream %s (%s) opening with req_id %d", hash, name, id)
	go m.transmitSub(rec, data, gw)
	return &SubHandle{Hash: hash, Listener: handle, rec: rec}, nil
}

// Unsubscribe detaches the Listener identified by h. While other Listeners
// remain the stream stays open and nothing is sent. Removing the last
// Listener sends one forget request naming the upstream stream identifier;
// only a non-error response deletes the record. On an error response the
// record stays registered (with no Listeners) so state never silently
// diverges from what the peer believes exists; a later Unsubscribe for the
// same handle retries the teardown. A record whose stream was never
// acknowledged is deleted locally without a forget.
func (m *Mux) Unsubscribe(ctx context.Context, h *SubHandle) error {
	if h == nil {
		return nil
	}
	if err := m.DeferShutdown(); err != nil {
		return err
	}
	defer m.UndeferShutdown()

	m.Lock.Lock()
	rec := m.reg.get(h.Hash)
	if rec == nil {
		m.Lock.Unlock()
		return nil
	}
	delete(rec.listeners, h.Listener)
	if n := len(rec.listeners); n > 0 {
		m.Lock.Unlock()
		m.DLogf("Listener %d left stream %s; %d remain", h.Listener, h.Hash, n)
		return nil
	}
	streamID := rec.streamID
	m.Lock.Unlock()

	if streamID == "" {
		m.removeRecord(rec)
		m.DLogf("Stream %s (%s) dropped before acknowledgement", rec.hash, rec.name)
		return nil
	}

	call := m.Send(m.cfg.ForgetEndpoint, Payload{m.cfg.ForgetEndpoint: streamID})
	if _, err := call.Await(ctx); err != nil {
		m.DLogf("Teardown of stream %s (%s) failed, record retained: %s", rec.hash, rec.name, err)
		return err
	}
	m.removeRecord(rec)
	m.DLogf("Stream %s (%s) torn down", rec.hash, rec.name)
	return nil
}

// UnsubscribeAll tears down every live stream concurrently, regardless of
// remaining Listeners, and returns the first teardown error if any. Records
// whose teardown fails are retained, as in Unsubscribe.
func (m *Mux) UnsubscribeAll(ctx context.Context) error {
	if err := m.DeferShutdown(); err != nil {
		return err
	}
	defer m.UndeferShutdown()

	m.Lock.Lock()
	recs := m.reg.Snapshot()
	m.Lock.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			return m.forgetStream(gctx, rec)
		})
	}
	return g.Wait()
}

// forgetStream tears down one record: forget round trip if the stream was
// acknowledged, then removal on success.
func (m *Mux) forgetStream(ctx context.Context, rec *SubRecord) error {
	m.Lock.Lock()
	streamID := rec.streamID
	m.Lock.Unlock()

	if streamID != "" {
		call := m.Send(m.cfg.ForgetEndpoint, Payload{m.cfg.ForgetEndpoint: streamID})
		if _, err := call.Await(ctx); err != nil {
			return err
		}
	}
	m.removeRecord(rec)
	return nil
}

// removeRecord clears rec's fan-out map and deletes it from the registry, if
// it is still the registered record for its hash. A record recreated under
// the same hash after an error teardown is a different instance and is left
// alone.
func (m *Mux) removeRecord(rec *SubRecord) {
	removed := false
	m.Lock.Lock()
	if cur := m.reg.get(rec.hash); cur == rec {
		rec.listeners = map[int]DataHandler{}
		m.reg.remove(rec.hash)
		removed = true
	}
	m.Lock.Unlock()
	if removed {
		m.stats.closeStream()
	}
}

// WaitFor registers the Gate: outbound calls of the given class issued after
// this point are not written until a message whose msg_type equals name has
// been observed by the dispatcher. Only one Gate is live at a time;
// registering a new one replaces the previous target without firing the
// previous Waiter, so callers already parked on it stay parked. The barrier
// must be registered before the calls it is meant to order.
func (m *Mux) WaitFor(name string, class CallClass) *Waiter {
	w := newWaiter()
	m.Lock.Lock()
	m.gate = &callGate{name: name, class: class, waiter: w}
	m.Lock.Unlock()
	m.DLogf("Gate set: class %s waits for %s", class, name)
	return w
}

// Reinitialize rebuilds session state on a fresh channel after a reconnect.
// If authorizePayload is non-nil it is re-sent as a fresh authorize call (and
// re-cached) and its completion awaited before anything else. Then one fresh
// Subscribe is issued concurrently for every Listener of every record in
// prior, and Reinitialize returns once every resulting subscription has been
// acknowledged. Prior upstream stream identifiers are meaningless after a
// reconnect and are not reused.
func (m *Mux) Reinitialize(ctx context.Context, prior *Registry, authorizePayload Payload) error {
	if err := m.DeferShutdown(); err != nil {
		return err
	}
	defer m.UndeferShutdown()

	if authorizePayload != nil {
		call := m.Send(m.cfg.AuthorizeEndpoint, authorizePayload)
		if _, err := call.Await(ctx); err != nil {
			return m.DLogErrorf("Reauthorization failed: %s", err)
		}
		m.DLog("Reauthorized")
	}
	if prior == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	n := 0
	for _, rec := range prior.Snapshot() {
		rec := rec
		onErr := rec.ErrHandler()
		for _, cb := range rec.Listeners() {
			cb := cb
			n++
			g.Go(func() error {
				h, err := m.Subscribe(rec.Name(), rec.Payload(), cb, onErr)
				if err != nil {
					return err
				}
				return h.Ready(gctx)
			})
		}
	}
	m.DLogf("Reinitializing %d listeners from prior registry", n)
	return g.Wait()
}

// AuthorizePayload returns a copy of the cached payload of the last authorize
// call, or nil if none was issued.
func (m *Mux) AuthorizePayload() Payload {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	return m.authPayload.Clone()
}

// Registry returns the live Subscription Registry. Capture it before Cleanup
// to replay subscriptions onto a replacement Mux; Cleanup detaches the
// registry rather than clearing it.
func (m *Mux) Registry() *Registry {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	return m.reg
}

// NextID returns the next request identifier this Mux would assign. A
// replacement Mux for the same logical session should be seeded with it (see
// Config.FirstID) so identifiers never repeat across reconnects.
func (m *Mux) NextID() int64 {
	m.Lock.Lock()
	defer m.Lock.Unlock()
	return m.nextID
}

// Stats returns the Mux's running counters.
func (m *Mux) Stats() *MuxStats {
	return &m.stats
}

// IsClosingOrClosed reports the channel's view of its own lifecycle.
func (m *Mux) IsClosingOrClosed() bool {
	return m.ch.IsClosingOrClosed()
}

// Disconnect closes the channel without clearing multiplexer state: the
// Registry and cached authorize payload remain available for Reinitialize on
// a replacement instance.
func (m *Mux) Disconnect() error {
	return m.ch.Close()
}

// Cleanup clears all in-memory state and disconnects. Calls still awaiting
// responses are abandoned, not settled; callers bounded by a context in
// Await unblock there.
func (m *Mux) Cleanup() error {
	m.StartShutdown(nil)
	return m.WaitShutdown()
}

// gateFor returns the Waiter a call of class cc to endpoint name must park
// on, or nil. The Waiter is captured here, at issue time: a Gate registered
// later never applies to this call. Caller holds the mux lock.
func (m *Mux) gateFor(cc CallClass, name string) *Waiter {
	if m.gate == nil || !m.gate.blocks(cc, name) {
		return nil
	}
	return m.gate.waiter
}

// waitTurn blocks until the channel is open and any captured gate Waiter has
// fired, returning ErrChannelClosed if the channel dies first.
func (m *Mux) waitTurn(gw *Waiter) error {
	select {
	case <-m.ch.OpenedChan():
	case <-m.ch.ClosedChan():
		return ErrChannelClosed
	}
	if gw != nil {
		select {
		case <-gw.Done():
		case <-m.ch.ClosedChan():
			return ErrChannelClosed
		}
	}
	return nil
}

// transmit writes one call's request in the background, settling the call
// with an error if the write never happens.
func (m *Mux) transmit(call *Call, data []byte, gw *Waiter) {
	if gw != nil {
		m.TLogf("Call %d (%s) parked on gate", call.reqID, call.name)
	}
	if err := m.waitTurn(gw); err != nil {
		m.failCall(call, err)
		return
	}
	if err := m.ch.Send(data); err != nil {
		m.failCall(call, err)
		return
	}
	m.stats.addSent(len(data))
}

// transmitSub writes one subscribe request in the background, abandoning the
// record if the write never happens.
func (m *Mux) transmitSub(rec *SubRecord, data []byte, gw *Waiter) {
	if gw != nil {
		m.TLogf("Subscribe %s (%s) parked on gate", rec.hash, rec.name)
	}
	if err := m.waitTurn(gw); err != nil {
		m.failSubscribe(rec, err)
		return
	}
	if err := m.ch.Send(data); err != nil {
		m.failSubscribe(rec, err)
		return
	}
	m.stats.addSent(len(data))
}

// failCall settles a registered call with a local error and drops its
// Correlation Table entry. The entry may already be gone if shutdown cleared
// the table first.
func (m *Mux) failCall(call *Call, err error) {
	m.Lock.Lock()
	_, present := m.pending[call.reqID]
	if present {
		delete(m.pending, call.reqID)
	}
	m.Lock.Unlock()
	if present {
		m.stats.closePending()
	}
	call.reject(nil, err)
	m.DLogf("Call %d (%s) failed locally: %s", call.reqID, call.name, err)
}

// failSubscribe abandons a record whose subscribe request was never written:
// the record is removed, its first-acknowledgement event fires with err, and
// the error handler (if any) is invoked.
func (m *Mux) failSubscribe(rec *SubRecord, err error) {
	m.Lock.Lock()
	rec.status = StatusFailed
	onErr := rec.onErr
	m.Lock.Unlock()
	m.removeRecord(rec)
	rec.markReady(err)
	if onErr != nil {
		onErr(err)
	}
	m.DLogf("Stream %s (%s) failed locally: %s", rec.hash, rec.name, err)
}

// dispatchLoop is the single inbound dispatcher, one per channel instance.
func (m *Mux) dispatchLoop() {
	for raw := range m.ch.RecvChan() {
		m.stats.addRecv(len(raw))
		msg, err := ParseMessage(raw)
		if err != nil {
			m.DLogf("Discarding inbound message: %s", err)
			continue
		}
		m.dispatch(msg)
	}
	m.DLog("Inbound channel closed; dispatcher exiting")
	close(m.dispatchDoneC)
}

// dispatch routes one inbound message. The Gate check runs unconditionally
// first, so a single message can release the Gate and still be routed as a
// stream update or call response. Handlers and listeners are invoked outside
// the lock, on the dispatcher goroutine.
func (m *Mux) dispatch(msg *Message) {
	m.Lock.Lock()

	if m.gate != nil && msg.MsgType() == m.gate.name {
		w := m.gate.waiter
		m.gate = nil
		w.fire(msg)
		m.DLogf("Gate released by %s", msg.MsgType())
	}

	if msg.isStream() {
		echo := msg.EchoReq()
		if echo == nil {
			m.Lock.Unlock()
			m.TLogf("Dropping stream message without an echoed request: %v", msg)
			return
		}
		hash, err := HashRequest(echo)
		if err != nil {
			m.Lock.Unlock()
			m.DLogf("Dropping stream message with unhashable echo: %s", err)
			return
		}
		rec := m.reg.get(hash)
		if rec == nil {
			// already torn down or never known; expected after forget
			m.Lock.Unlock()
			m.TLogf("Dropping stream message for unknown hash %s", hash)
			return
		}
		if rerr := msg.Err(); rerr != nil {
			rec.status = StatusFailed
			onErr := rec.onErr
			m.Lock.Unlock()
			m.removeRecord(rec)
			rec.markReady(rerr)
			if onErr != nil {
				onErr(rerr)
			}
			m.DLogf("Stream %s (%s) failed: %s", hash, rec.name, rerr)
			return
		}
		rec.status = StatusActive
		rec.lastMsg = msg
		if sid := msg.StreamID(); sid != "" {
			rec.streamID = sid
		}
		listeners := rec.snapshotListeners()
		m.Lock.Unlock()
		rec.markReady(nil)
		for _, cb := range listeners {
			cb(msg)
		}
		return
	}

	call := m.pending[msg.ReqID()]
	if call == nil {
		// response for a since-settled or unknown request
		m.Lock.Unlock()
		m.TLogf("Dropping response for unknown req_id %d", msg.ReqID())
		return
	}
	delete(m.pending, msg.ReqID())
	m.Lock.Unlock()
	m.stats.closePending()
	if rerr := msg.Err(); rerr != nil {
		call.reject(msg, rerr)
	} else {
		call.resolve(msg)
	}
}

// keepAliveLoop issues a best-effort no-op request on a fixed interval,
// independent of all other state: the ping carries a fresh req_id but no
// Correlation Table entry and bypasses any Gate, so its response falls out of
// dispatch as an unmatched drop. Exits when the channel closes.
func (m *Mux) keepAliveLoop() {
	pingDelay := time.NewTimer(m.cfg.KeepAlive)
	defer pingDelay.Stop()
	for {
		select {
		case <-m.ch.ClosedChan():
			return
		case <-pingDelay.C:
			m.sendPing()
			pingDelay.Reset(m.cfg.KeepAlive)
		}
	}
}

func (m *Mux) sendPing() {
	select {
	case <-m.ch.OpenedChan():
	default:
		// not open yet; skip this round
		return
	}
	m.Lock.Lock()
	id := m.nextID
	m.nextID++
	m.Lock.Unlock()

	body := NewRequest(m.cfg.PingEndpoint, nil)
	body[reqIDField] = id
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := m.ch.Send(data); err != nil {
		m.TLogf("Keep-alive write failed: %s", err)
		return
	}
	m.stats.addSent(len(data))
}
