// Package apiconn provides the websocket transport used beneath an
// apimux.Mux: a WSChannel that frames whole JSON messages over a single
// websocket connection, and a Redialer that keeps a logical session alive
// across connection failures by dialing again with backoff and rebuilding
// the multiplexer state on the new connection.
package apiconn

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Config describes how to reach the websocket API endpoint.
type Config struct {
	// Server is the endpoint URL. A bare hostname is given a "wss://"
	// scheme; "http" and "https" schemes are swapped for their websocket
	// equivalents.
	Server string

	// AppID, if nonzero, is appended to the URL as the "app_id" query
	// parameter expected by the trading API.
	AppID int

	// HostHeader optionally overrides the Host header sent with the
	// websocket handshake.
	HostHeader string

	// HandshakeTimeout bounds the websocket handshake. Defaults to 45
	// seconds.
	HandshakeTimeout time.Duration

	// RecvQueueLen is the capacity of the inbound message queue. Defaults
	// to 64.
	RecvQueueLen int
}

// URL returns the normalized websocket URL for the configuration.
func (cfg *Config) URL() (string, error) {
	server := cfg.Server
	if server == "" {
		return "", fmt.Errorf("No server URL configured")
	}
	if !strings.HasPrefix(server, "http") && !strings.HasPrefix(server, "ws") {
		server = "wss://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("Invalid server URL '%s': %s", cfg.Server, err)
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	if cfg.AppID != 0 {
		q := u.Query()
		q.Set("app_id", strconv.Itoa(cfg.AppID))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// WSChannel adapts a gorilla websocket connection to the message channel
// contract expected by apimux: whole-message framing, an open signal, a
// single inbound delivery queue, and a close signal. One reader goroutine
// pumps inbound frames into the queue; writes are serialized with a lock.
type WSChannel struct {
	// Helper provides shutdown and logging capability
	*asyncobj.Helper

	name string
	conn *websocket.Conn

	// openedC is closed when the connection is ready to carry traffic
	openedC chan struct{}

	// recvC carries inbound messages; closed by the read pump on exit
	recvC chan []byte

	// closedC is closed after shutdown when no further traffic will flow
	closedC chan struct{}

	// stopC unblocks the read pump if it is parked delivering to recvC
	stopC chan struct{}

	// pumpDoneC is closed when the read pump has exited
	pumpDoneC chan struct{}
}

// Dial connects to the configured endpoint and returns an active WSChannel.
// The returned channel's open signal is already raised.
func Dial(lg logger.Logger, config *Config) (*WSChannel, error) {
	wsURL, err := config.URL()
	if err != nil {
		return nil, err
	}
	handshakeTimeout := config.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = 45 * time.Second
	}
	recvQueueLen := config.RecvQueueLen
	if recvQueueLen == 0 {
		recvQueueLen = 64
	}

	c := &WSChannel{
		name:      fmt.Sprintf("<WSChannel %s>", wsURL),
		openedC:   make(chan struct{}),
		recvC:     make(chan []byte, recvQueueLen),
		closedC:   make(chan struct{}),
		stopC:     make(chan struct{}),
		pumpDoneC: make(chan struct{}),
	}
	c.Helper = asyncobj.NewHelper(lg.ForkLogStr(c.name), c)

	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: handshakeTimeout,
	}
	wsHeaders := http.Header{}
	if config.HostHeader != "" {
		wsHeaders = http.Header{
			"Host": {config.HostHeader},
		}
	}
	c.DLogf("Dialing %s", wsURL)
	wsConn, _, err := d.Dial(wsURL, wsHeaders)
	if err != nil {
		return nil, fmt.Errorf("%s: Dial failed: %s", c.name, err)
	}
	c.conn = wsConn
	c.SetIsActivated()
	close(c.openedC)
	go c.readPump()
	return c, nil
}

func (c *WSChannel) String() string {
	return c.name
}

// Send writes one complete message frame to the peer. Safe for concurrent
// use.
func (c *WSChannel) Send(data []byte) error {
	if err := c.DeferShutdown(); err != nil {
		return err
	}
	defer c.UndeferShutdown()
	c.Lock.Lock()
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	c.Lock.Unlock()
	if err != nil {
		return c.DLogErrorf("Write failed: %s", err)
	}
	return nil
}

// OpenedChan returns a channel that is closed once the connection is ready.
func (c *WSChannel) OpenedChan() <-chan struct{} {
	return c.openedC
}

// RecvChan returns the inbound message queue. It is closed after the
// connection shuts down.
func (c *WSChannel) RecvChan() <-chan []byte {
	return c.recvC
}

// ClosedChan returns a channel that is closed once the connection is fully
// shut down.
func (c *WSChannel) ClosedChan() <-chan struct{} {
	return c.closedC
}

// IsClosingOrClosed returns true if the channel is no longer usable for
// sending.
func (c *WSChannel) IsClosingOrClosed() bool {
	return c.IsStartedShutdown()
}

// Close shuts down the channel and waits for complete cleanup, returning
// the final completion status.
func (c *WSChannel) Close() error {
	return c.Helper.Close()
}

// readPump delivers inbound frames to recvC until the connection fails or
// shutdown begins. It owns recvC and closes it on exit.
func (c *WSChannel) readPump() {
	defer close(c.pumpDoneC)
	defer close(c.recvC)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.IsStartedShutdown() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.DLogf("Read loop done: %s", err)
				c.StartShutdown(nil)
			} else {
				c.StartShutdown(c.DLogErrorf("Read failed: %s", err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		select {
		case c.recvC <- data:
		case <-c.stopC:
			return
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (c *WSChannel) HandleOnceShutdown(completionErr error) error {
	c.DLogf("HandleOnceShutdown")
	close(c.stopC)
	err := c.conn.Close()
	<-c.pumpDoneC
	close(c.closedC)
	if completionErr == nil && err != nil {
		c.DLogf("Close of websocket failed, ignoring: %s", err)
	}
	return completionErr
}
