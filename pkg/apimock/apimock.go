// Package apimock provides an in-process websocket peer that speaks the
// request/response and subscription wire protocol of the trading API. It is
// used by tests and by local development tooling that needs a predictable
// upstream without network access.
//
// Endpoints are scripted with Handle; requests for unscripted endpoints fall
// back to built-in ping, authorize and forget behavior, then to an optional
// catch-all handler, and finally to an UnrecognisedRequest error response.
package apimock

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/aswathy-deriv/deriv-api-client/pkg/apimux"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler services one decoded request for an endpoint name. It runs on the
// session's read goroutine; responses are produced with the Session reply
// methods and may also be sent later from other goroutines.
type Handler func(sess *Session, name string, req apimux.Request)

// ServerConfig carries the tunable settings for a mock server.
type ServerConfig struct {
	// Debug enables HTTP request logging on the upgrade endpoint.
	Debug bool
}

// Server is a websocket listener that accepts any number of API sessions
// and answers their requests from the scripted endpoint table.
type Server struct {
	// Helper provides shutdown and logging capability
	*asyncobj.Helper

	lg       logger.Logger
	cfg      *ServerConfig
	listener net.Listener

	// handlers is the scripted endpoint table, keyed by marker name
	handlers map[string]Handler

	// catchAll, if not nil, answers endpoints with no scripted handler
	catchAll Handler

	sessions map[*Session]struct{}

	nextSubID int64
}

// NewServer creates a mock API server. It does not listen until Start is
// called.
func NewServer(lg logger.Logger, config *ServerConfig) *Server {
	cfg := &ServerConfig{}
	if config != nil {
		*cfg = *config
	}
	s := &Server{
		lg:       lg,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		sessions: make(map[*Session]struct{}),
	}
	s.Helper = asyncobj.NewHelper(lg.ForkLogStr("apimock"), s)
	return s
}

// Handle scripts the response behavior for one endpoint name. Scripted
// handlers take precedence over the built-in ping, authorize and forget
// behavior.
func (s *Server) Handle(name string, h Handler) {
	s.Lock.Lock()
	s.handlers[name] = h
	s.Lock.Unlock()
}

// HandleDefault scripts a catch-all handler for endpoints with no scripted
// or built-in behavior.
func (s *Server) HandleDefault(h Handler) {
	s.Lock.Lock()
	s.catchAll = h
	s.Lock.Unlock()
}

// Start listens on addr and begins accepting sessions. It returns without
// blocking; shutdown is tied to ctx. Use "127.0.0.1:0" to pick a free port.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.ShutdownOnContext(ctx)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return s.DLogErrorf("Listen failed: %s", err)
	}
	s.listener = l

	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	}))
	if s.cfg.Debug {
		h = requestlog.Wrap(h)
	}

	s.SetIsActivated()
	s.ILogf("Listening on %s", l.Addr())

	httpServer := &http.Server{Handler: h}
	go func() {
		s.StartShutdown(httpServer.Serve(l))
	}()

	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// URL returns the websocket URL of the server. Only valid after Start.
func (s *Server) URL() string {
	return fmt.Sprintf("ws://%s", s.listener.Addr())
}

// Sessions returns a snapshot of the currently connected sessions.
func (s *Server) Sessions() []*Session {
	s.Lock.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	s.Lock.Unlock()
	return out
}

// CloseSessions closes every connected session, leaving the listener up.
// Clients observe an abnormal connection loss.
func (s *Server) CloseSessions() {
	for _, sess := range s.Sessions() {
		sess.Close()
	}
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogErrorf("Failed to upgrade to websocket: %s", err)
		return
	}
	sess := newSession(s, wsConn)
	s.Lock.Lock()
	s.sessions[sess] = struct{}{}
	s.Lock.Unlock()
	sess.ShutdownOnContext(ctx)
	s.DLogf("Session %s connected", sess)
	go sess.readLoop()
}

func (s *Server) dropSession(sess *Session) {
	s.Lock.Lock()
	delete(s.sessions, sess)
	s.Lock.Unlock()
}

func (s *Server) newSubID() string {
	n := atomic.AddInt64(&s.nextSubID, 1)
	return fmt.Sprintf("mock-sub-%08x", n)
}

// dispatch routes one decoded request to its scripted, built-in or
// catch-all behavior.
func (s *Server) dispatch(sess *Session, req apimux.Request) {
	name, h := s.resolve(req)
	if name == "" {
		sess.DLogf("Discarding request with no endpoint marker: %v", req)
		return
	}
	if h != nil {
		h(sess, name, req)
		return
	}
	switch name {
	case "ping":
		sess.Reply(req, "ping", "pong")
	case "authorize":
		sess.Reply(req, "authorize", apimux.Payload{
			"loginid":  "VRTC000001",
			"email":    "mock@example.com",
			"currency": "USD",
		})
	case "forget":
		id, _ := req["forget"].(string)
		val := 0
		if sess.stopStream(id) {
			val = 1
		}
		sess.Reply(req, "forget", val)
	default:
		sess.ReplyError(req, name, "UnrecognisedRequest", fmt.Sprintf("Unrecognised request for '%s'", name))
	}
}

// resolve finds the endpoint name carried by req, preferring scripted names,
// then built-ins, then the lexically first non-reserved key for the
// catch-all handler.
func (s *Server) resolve(req apimux.Request) (string, Handler) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	for name, h := range s.handlers {
		if _, ok := req[name]; ok {
			return name, h
		}
	}
	for _, name := range []string{"ping", "authorize", "forget"} {
		if _, ok := req[name]; ok {
			return name, nil
		}
	}
	keys := make([]string, 0, len(req))
	for k := range req {
		if k != "req_id" && k != "subscribe" && k != "passthrough" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "", nil
	}
	if s.catchAll != nil {
		return keys[0], s.catchAll
	}
	return keys[0], nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.DLogf("Close of listener failed, ignoring: %s", err)
		}
	}
	for _, sess := range s.Sessions() {
		sess.Close()
	}
	return completionErr
}
