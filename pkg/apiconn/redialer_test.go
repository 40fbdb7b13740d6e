package apiconn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aswathy-deriv/deriv-api-client/pkg/apimock"
	"github.com/aswathy-deriv/deriv-api-client/pkg/apimux"
)

func testTickHandler() apimock.Handler {
	return apimock.StreamHandler("tick", 5*time.Millisecond, func(req apimux.Request, seq int64) interface{} {
		return map[string]interface{}{
			"symbol": req["ticks"],
			"epoch":  1754000000 + seq,
			"quote":  100.0 + float64(seq),
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRedialerFirstSession(t *testing.T) {
	s := startMock(t)
	lg := newTestLogger(t)

	rd, err := NewRedialer(lg, &RedialerConfig{
		Channel: &Config{Server: s.URL()},
	})
	if err != nil {
		t.Fatalf("NewRedialer failed: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := rd.Start(ctx); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	t.Cleanup(func() { rd.Close() })

	m, err := rd.WaitMux(testContext(t))
	if err != nil {
		t.Fatalf("WaitMux failed: %s", err)
	}
	msg, err := m.Send("ping", nil).Await(testContext(t))
	if err != nil {
		t.Fatalf("Ping over redialer session failed: %s", err)
	}
	if got, _ := msg.Field("ping").(string); got != "pong" {
		t.Fatalf("Ping response body is %v, want pong", msg.Field("ping"))
	}
}

func TestRedialerReconnectReplaysStreams(t *testing.T) {
	s := startMock(t)
	s.Handle("ticks", testTickHandler())
	lg := newTestLogger(t)

	var ticks int64
	var reconnects int64
	rd, err := NewRedialer(lg, &RedialerConfig{
		Channel:          &Config{Server: s.URL()},
		MaxRetryInterval: time.Second,
		OnConnect: func(m *apimux.Mux, reconnected bool) {
			if reconnected {
				atomic.AddInt64(&reconnects, 1)
				return
			}
			// listeners are created once; replay after a reconnect is automatic
			_, err := m.Subscribe("ticks", apimux.Payload{"ticks": "R_100"}, func(*apimux.Message) {
				atomic.AddInt64(&ticks, 1)
			}, nil)
			if err != nil {
				t.Errorf("Subscribe failed: %s", err)
			}
		},
	})
	if err != nil {
		t.Fatalf("NewRedialer failed: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := rd.Start(ctx); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	t.Cleanup(func() { rd.Close() })

	m0, err := rd.WaitMux(testContext(t))
	if err != nil {
		t.Fatalf("WaitMux failed: %s", err)
	}
	waitFor(t, "first ticks", func() bool { return atomic.LoadInt64(&ticks) >= 2 })
	idBefore := m0.NextID()

	s.CloseSessions()

	waitFor(t, "reconnect", func() bool { return atomic.LoadInt64(&reconnects) >= 1 })
	waitFor(t, "replacement mux", func() bool {
		m := rd.Mux()
		return m != nil && m != m0
	})

	base := atomic.LoadInt64(&ticks)
	waitFor(t, "replayed ticks", func() bool { return atomic.LoadInt64(&ticks) > base })

	if got := rd.Mux().NextID(); got <= idBefore {
		t.Fatalf("Request identifiers went backwards across reconnect: %d then %d", idBefore, got)
	}
}

func TestRedialerGivesUp(t *testing.T) {
	lg := newTestLogger(t)

	rd, err := NewRedialer(lg, &RedialerConfig{
		Channel:          &Config{Server: "ws://127.0.0.1:1"},
		MaxRetryCount:    1,
		MaxRetryInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewRedialer failed: %s", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	if err := rd.Run(ctx); err == nil {
		t.Fatalf("Run returned nil after exhausting retries")
	}
	if _, err := rd.WaitMux(testContext(t)); err == nil {
		t.Fatalf("WaitMux returned a mux after exhausting retries")
	}
}
