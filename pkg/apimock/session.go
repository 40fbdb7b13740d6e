package apimock

import (
	"encoding/json"
	"fmt"

	"github.com/aswathy-deriv/deriv-api-client/pkg/apimux"
	"github.com/gorilla/websocket"
	"github.com/sammck-go/asyncobj"
)

// Session is one accepted websocket connection. Its read goroutine decodes
// requests and hands them to the server's dispatch table; replies go back
// out through the session's serialized writer.
type Session struct {
	// Helper provides shutdown and logging capability
	*asyncobj.Helper

	name string
	srv  *Server
	conn *websocket.Conn

	// streams holds the open subscription streams, keyed by subscription id
	streams map[string]*Stream
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	sess := &Session{
		name:    fmt.Sprintf("<Session %s>", conn.RemoteAddr()),
		srv:     srv,
		conn:    conn,
		streams: make(map[string]*Stream),
	}
	sess.Helper = asyncobj.NewHelper(srv.lg.ForkLogStr(sess.name), sess)
	sess.SetIsActivated()
	return sess
}

func (sess *Session) String() string {
	return sess.name
}

func (sess *Session) readLoop() {
	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			if sess.IsStartedShutdown() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.DLogf("Read loop done: %s", err)
				sess.StartShutdown(nil)
			} else {
				sess.StartShutdown(sess.DLogErrorf("Read failed: %s", err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		var req apimux.Request
		if err := json.Unmarshal(data, &req); err != nil {
			sess.DLogf("Discarding unparseable request: %s", err)
			continue
		}
		sess.srv.dispatch(sess, req)
	}
}

// Reply sends a non-stream response envelope for req. body becomes the
// field named after msgType.
func (sess *Session) Reply(req apimux.Request, msgType string, body interface{}) error {
	return sess.sendEnvelope(req, msgType, body, "")
}

// ReplyError sends an error response envelope for req, carrying the remote
// error code and message verbatim.
func (sess *Session) ReplyError(req apimux.Request, msgType string, code string, message string) error {
	env := sess.envelope(req, msgType)
	env["error"] = map[string]interface{}{
		"code":    code,
		"message": message,
	}
	return sess.send(env)
}

// OpenStream allocates a subscription id, registers the stream so a later
// forget request can tear it down, and sends the first stream envelope.
// Further messages are sent with Push on the returned Stream.
func (sess *Session) OpenStream(req apimux.Request, msgType string, first interface{}) (*Stream, error) {
	st := &Stream{
		sess:    sess,
		id:      sess.srv.newSubID(),
		msgType: msgType,
		req:     req.Clone(),
		stopC:   make(chan struct{}),
	}
	sess.Lock.Lock()
	sess.streams[st.id] = st
	sess.Lock.Unlock()
	if err := sess.sendEnvelope(req, msgType, first, st.id); err != nil {
		sess.stopStream(st.id)
		return nil, err
	}
	return st, nil
}

// stopStream halts the stream with the given subscription id. It reports
// whether the id named a live stream.
func (sess *Session) stopStream(id string) bool {
	sess.Lock.Lock()
	st, ok := sess.streams[id]
	if ok {
		delete(sess.streams, id)
	}
	sess.Lock.Unlock()
	if ok {
		st.stop()
	}
	return ok
}

func (sess *Session) envelope(req apimux.Request, msgType string) map[string]interface{} {
	env := map[string]interface{}{
		"echo_req": req,
		"msg_type": msgType,
	}
	if id, ok := req["req_id"]; ok {
		env["req_id"] = id
	}
	return env
}

func (sess *Session) sendEnvelope(req apimux.Request, msgType string, body interface{}, subID string) error {
	env := sess.envelope(req, msgType)
	if body != nil {
		env[msgType] = body
	}
	if subID != "" {
		env["subscription"] = map[string]interface{}{"id": subID}
	}
	return sess.send(env)
}

func (sess *Session) send(env map[string]interface{}) error {
	data, err := json.Marshal(env)
	if err != nil {
		return sess.DLogErrorf("Marshal of response failed: %s", err)
	}
	if err := sess.DeferShutdown(); err != nil {
		return err
	}
	defer sess.UndeferShutdown()
	sess.Lock.Lock()
	err = sess.conn.WriteMessage(websocket.TextMessage, data)
	sess.Lock.Unlock()
	if err != nil {
		return sess.DLogErrorf("Write failed: %s", err)
	}
	return nil
}

// Close shuts down the session and waits for complete cleanup, returning
// the final completion status.
func (sess *Session) Close() error {
	return sess.Helper.Close()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (sess *Session) HandleOnceShutdown(completionErr error) error {
	sess.DLogf("HandleOnceShutdown")
	sess.Lock.Lock()
	streams := make([]*Stream, 0, len(sess.streams))
	for _, st := range sess.streams {
		streams = append(streams, st)
	}
	sess.streams = make(map[string]*Stream)
	sess.Lock.Unlock()
	for _, st := range streams {
		st.stop()
	}
	if err := sess.conn.Close(); err != nil {
		sess.DLogf("Close of websocket failed, ignoring: %s", err)
	}
	sess.srv.dropSession(sess)
	return completionErr
}
