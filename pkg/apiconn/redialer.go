package apiconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aswathy-deriv/deriv-api-client/pkg/apimux"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// RedialerConfig configures a Redialer.
type RedialerConfig struct {
	// Channel describes the endpoint to dial.
	Channel *Config

	// Mux is the configuration template applied to each multiplexer. The
	// Redialer overrides FirstID after a reconnect so request identifiers
	// keep increasing across connections.
	Mux *apimux.Config

	// MaxRetryCount bounds the number of consecutive failed connection
	// attempts before the Redialer gives up. Zero or negative retries
	// forever.
	MaxRetryCount int

	// MaxRetryInterval caps the exponential backoff delay between
	// attempts. Defaults to 5 minutes.
	MaxRetryInterval time.Duration

	// OnConnect, if not nil, is called from the connection goroutine after
	// each successful connection, with reconnected false on the first
	// session and true afterwards. Prior subscriptions are already being
	// replayed when it runs; it is the place to create the initial ones.
	OnConnect func(m *apimux.Mux, reconnected bool)
}

// Redialer maintains one logical API session over a sequence of websocket
// connections. It dials, builds a Mux on the connection, and when the
// connection dies it captures the session state, redials with exponential
// backoff, and rebuilds the replacement Mux from the captured state.
type Redialer struct {
	// Helper provides shutdown and logging capability
	*asyncobj.Helper

	lg  logger.Logger
	cfg *RedialerConfig

	// mux is the current live multiplexer; nil while disconnected
	mux *apimux.Mux

	// stopC unblocks backoff sleeps and connection waits at shutdown
	stopC chan struct{}

	// readyC is closed after the first session outcome is known
	readyC    chan struct{}
	readyOnce sync.Once
	readyErr  error
}

// NewRedialer creates a Redialer. It does not dial until Start or Run is
// called.
func NewRedialer(lg logger.Logger, config *RedialerConfig) (*Redialer, error) {
	cfg := &RedialerConfig{}
	if config != nil {
		*cfg = *config
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("Redialer requires a channel configuration")
	}
	if _, err := cfg.Channel.URL(); err != nil {
		return nil, err
	}
	if cfg.MaxRetryInterval < time.Second {
		cfg.MaxRetryInterval = 5 * time.Minute
	}
	rd := &Redialer{
		lg:     lg,
		cfg:    cfg,
		stopC:  make(chan struct{}),
		readyC: make(chan struct{}),
	}
	rd.Helper = asyncobj.NewHelper(lg.ForkLogStr("redialer"), rd)
	return rd, nil
}

// Start begins dialing and returns without blocking. Shutdown is tied to
// ctx.
func (rd *Redialer) Start(ctx context.Context) error {
	rd.ShutdownOnContext(ctx)
	rd.SetIsActivated()
	rd.DLog("Activating")
	go rd.connectionLoop(ctx)
	return nil
}

// Run starts the Redialer and blocks until it has completely shut down,
// returning the final completion status.
func (rd *Redialer) Run(ctx context.Context) error {
	if err := rd.Start(ctx); err != nil {
		return err
	}
	return rd.WaitShutdown()
}

// Mux returns the current live multiplexer, or nil while disconnected.
func (rd *Redialer) Mux() *apimux.Mux {
	rd.Lock.Lock()
	m := rd.mux
	rd.Lock.Unlock()
	return m
}

// WaitMux blocks until the first session has been established, then returns
// the current multiplexer. It fails if the first connection attempt gave up
// or the Redialer shut down first.
func (rd *Redialer) WaitMux(ctx context.Context) (*apimux.Mux, error) {
	select {
	case <-rd.readyC:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if rd.readyErr != nil {
		return nil, rd.readyErr
	}
	m := rd.Mux()
	if m == nil {
		return nil, rd.Errorf("Not connected")
	}
	return m, nil
}

func (rd *Redialer) markReady(err error) {
	rd.readyOnce.Do(func() {
		rd.readyErr = err
		close(rd.readyC)
	})
}

// publishMux installs m as the current multiplexer. It refuses once
// shutdown has begun so the connection goroutine knows to tear m down
// itself.
func (rd *Redialer) publishMux(m *apimux.Mux) bool {
	rd.Lock.Lock()
	defer rd.Lock.Unlock()
	if rd.IsStartedShutdown() {
		return false
	}
	rd.mux = m
	return true
}

func (rd *Redialer) takeMux() *apimux.Mux {
	rd.Lock.Lock()
	m := rd.mux
	rd.mux = nil
	rd.Lock.Unlock()
	return m
}

func (rd *Redialer) connectionLoop(ctx context.Context) {
	//connection loop!
	var connerr error
	b := &backoff.Backoff{Max: rd.cfg.MaxRetryInterval}
	var prior *apimux.Registry
	var auth apimux.Payload
	var firstID int64
	reconnected := false
	for !rd.IsStartedShutdown() {
		if connerr != nil {
			attempt := int(b.Attempt())
			maxAttempt := rd.cfg.MaxRetryCount
			d := b.Duration()
			//show error and attempt counts
			msg := fmt.Sprintf("Connection error: %s", connerr)
			if attempt > 0 {
				msg += fmt.Sprintf(" (Attempt: %d", attempt)
				if maxAttempt > 0 {
					msg += fmt.Sprintf("/%d", maxAttempt)
				}
				msg += ")"
			}
			rd.DLog(msg)
			//give up?
			if maxAttempt > 0 && attempt >= maxAttempt {
				rd.markReady(connerr)
				rd.StartShutdown(connerr)
				return
			}
			rd.ILogf("Retrying in %s...", d)
			connerr = nil
			select {
			case <-time.After(d):
			case <-rd.stopC:
				return
			}
		}

		ch, err := Dial(rd.lg, rd.cfg.Channel)
		if err != nil {
			connerr = err
			continue
		}

		mcfg := &apimux.Config{}
		if rd.cfg.Mux != nil {
			*mcfg = *rd.cfg.Mux
		}
		if firstID > mcfg.FirstID {
			mcfg.FirstID = firstID
		}
		m := apimux.New(rd.lg, ch, mcfg)

		if reconnected {
			rd.DLogf("Replaying session state (%d streams)", prior.Len())
			if err := m.Reinitialize(ctx, prior, auth); err != nil {
				firstID = m.NextID()
				m.Cleanup()
				connerr = rd.Errorf("Session replay failed: %s", err)
				continue
			}
		}

		if !rd.publishMux(m) {
			m.Cleanup()
			return
		}
		b.Reset()
		rd.ILogf("Connected to %s", ch)
		if rd.cfg.OnConnect != nil {
			rd.cfg.OnConnect(m, reconnected)
		}
		rd.markReady(nil)

		select {
		case <-ch.ClosedChan():
		case <-rd.stopC:
		}

		//disconnected; keep the session state for the replacement mux
		rd.takeMux()
		prior = m.Registry()
		auth = m.AuthorizePayload()
		firstID = m.NextID()
		m.Cleanup()
		reconnected = true
		connerr = rd.Errorf("Connection lost")
		rd.ILogf("Disconnected")
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (rd *Redialer) HandleOnceShutdown(completionErr error) error {
	rd.DLogf("HandleOnceShutdown")
	close(rd.stopC)
	rd.markReady(rd.Errorf("Closed before a connection was established"))
	m := rd.takeMux()
	if m != nil {
		err := m.Cleanup()
		if completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}
