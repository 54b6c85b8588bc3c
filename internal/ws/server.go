// Package ws is the websocket transport for browser workers. It owns wire
// framing only; admission, work distribution and validation live in coord.
package ws

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roundnews/MoneroWebCoordinator/internal/coord"
	"github.com/roundnews/MoneroWebCoordinator/internal/job"
	"github.com/roundnews/MoneroWebCoordinator/internal/metrics"
	"github.com/roundnews/MoneroWebCoordinator/internal/session"
	"github.com/roundnews/MoneroWebCoordinator/internal/validate"
)

// Options configures the websocket listener surface.
type Options struct {
	Path             string
	MaxFrameBytes    int64
	WriteTimeout     time.Duration
	MessagesPerSec   int
	SubmitsPerMinute int
	Recorder         metrics.Recorder
}

// Server upgrades worker connections and pumps protocol frames between the
// socket and the coordinator. It implements coord.Transport.
type Server struct {
	coord    *coord.Coordinator
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewServer builds the transport and registers itself with the coordinator.
func NewServer(c *coord.Coordinator, opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 16 * 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Default
	}
	s := &Server{
		coord: c,
		opts:  opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
	c.SetTransport(s)
	return s
}

// Register installs the websocket and health handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.opts.Path, s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.coord.Healthy() {
		http.Error(w, "DEGRADED", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Connect(remoteIP(r))
	if err != nil {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.coord.Disconnect(sess.ID, "upgrade failed")
		log.Printf("ws upgrade for %s failed: %v", sess.RemoteIP, err)
		return
	}
	conn.SetReadLimit(s.opts.MaxFrameBytes)

	wc := &wsConn{
		srv:  s,
		sess: sess,
		conn: conn,
		send: make(chan []byte, 32),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[sess.ID] = wc
	s.mu.Unlock()

	go wc.writePump()
	wc.readLoop()
}

// PushJob implements coord.Transport.
func (s *Server) PushJob(sessionID string, j *job.Job) {
	if wc := s.getConn(sessionID); wc != nil {
		wc.enqueue(marshal(jobMessage(j)))
	}
}

// CloseSession implements coord.Transport.
func (s *Server) CloseSession(sessionID, reason string) {
	if wc := s.getConn(sessionID); wc != nil {
		deadline := time.Now().Add(time.Second)
		wc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		wc.shutdown(reason)
	}
}

// CloseAll tears down every connection, used on daemon shutdown.
func (s *Server) CloseAll(reason string) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, wc := range s.conns {
		conns = append(conns, wc)
	}
	s.mu.Unlock()
	for _, wc := range conns {
		s.CloseSession(wc.sess.ID, reason)
	}
}

func (s *Server) getConn(sessionID string) *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[sessionID]
}

func (s *Server) removeConn(sessionID string) {
	s.mu.Lock()
	delete(s.conns, sessionID)
	s.mu.Unlock()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsConn pairs one socket with one session. Writes go through the send
// channel so only writePump touches the connection's write side.
type wsConn struct {
	srv     *Server
	sess    *session.Session
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	greeted bool
}

func (wc *wsConn) enqueue(raw []byte) {
	select {
	case wc.send <- raw:
	case <-wc.done:
	default:
		// Worker is not draining its socket; drop it rather than buffer.
		wc.shutdown("slow consumer")
	}
}

func (wc *wsConn) writePump() {
	for {
		select {
		case raw := <-wc.send:
			wc.conn.SetWriteDeadline(time.Now().Add(wc.srv.opts.WriteTimeout))
			if err := wc.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				wc.shutdown("write failed")
				return
			}
		case <-wc.done:
			return
		}
	}
}

func (wc *wsConn) readLoop() {
	defer wc.shutdown("disconnect")
	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		wc.srv.opts.Recorder.MessageReceived()
		wc.sess.Touch()

		if !wc.sess.Limits.AllowMessage() {
			wc.srv.opts.Recorder.RateLimitViolation("messages")
			var env envelope
			// Submits still go through: a block candidate must never be
			// dropped by the message-rate gate.
			if json.Unmarshal(raw, &env) != nil || env.Type != TypeSubmit {
				wc.sess.MarkRateLimited()
				wc.strike()
				continue
			}
		}
		wc.handle(raw)
	}
}

func (wc *wsConn) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		wc.enqueue(marshal(errorMessage("", CodeBadFormat, "malformed frame")))
		wc.strike()
		return
	}

	switch env.Type {
	case TypeHello:
		wc.handleHello(raw)
	case TypeSubmit:
		wc.handleSubmit(raw)
	case TypePing:
		var msg PingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			wc.enqueue(marshal(errorMessage("", CodeBadFormat, "malformed ping")))
			wc.strike()
			return
		}
		wc.enqueue(marshal(PongMessage{Type: TypePong, ID: msg.ID}))
	case TypeStats:
		var msg StatsRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			wc.enqueue(marshal(errorMessage("", CodeBadFormat, "malformed stats request")))
			wc.strike()
			return
		}
		wc.enqueue(marshal(StatsMessage{
			Type:             TypeStats,
			ID:               msg.ID,
			SessionID:        wc.sess.ID,
			SubmitsPerMinute: wc.srv.opts.SubmitsPerMinute,
			MessagesPerSec:   wc.srv.opts.MessagesPerSec,
		}))
	default:
		wc.enqueue(marshal(errorMessage("", CodeBadFormat, "unknown message type "+env.Type)))
		wc.strike()
	}
}

func (wc *wsConn) handleHello(raw []byte) {
	var msg HelloMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		wc.enqueue(marshal(errorMessage("", CodeBadFormat, "malformed hello")))
		wc.strike()
		return
	}
	if wc.greeted {
		wc.enqueue(marshal(errorMessage("", CodeBadFormat, "duplicate hello")))
		wc.strike()
		return
	}
	wc.greeted = true
	wc.srv.coord.Activate(wc.sess.ID)
	log.Printf("worker %s active version=%q threads=%d", wc.sess.ID, msg.ClientVersion, msg.Threads)

	j, err := wc.srv.coord.AssignJob(wc.sess.ID)
	if err != nil {
		// The next template publication assigns work to active sessions.
		wc.enqueue(marshal(errorMessage("", CodeNotReady, "no work available")))
		return
	}
	wc.enqueue(marshal(jobMessage(j)))
}

func (wc *wsConn) handleSubmit(raw []byte) {
	var msg SubmitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		wc.enqueue(marshal(errorMessage("", CodeBadFormat, "malformed submit")))
		wc.strike()
		return
	}
	if !wc.greeted {
		wc.enqueue(marshal(errorMessage(msg.ID, CodeNotReady, "hello required first")))
		return
	}
	result, err := hex.DecodeString(msg.ResultHex)
	if err != nil || len(result) != 32 {
		wc.enqueue(marshal(errorMessage(msg.ID, CodeInvalidData, "result must be 32 hex-encoded bytes")))
		wc.strike()
		return
	}
	sub := validate.Submission{JobID: msg.JobID, Nonce: msg.Nonce}
	copy(sub.Result[:], result)

	res := wc.srv.coord.Submit(wc.sess.ID, sub)
	out := SubmitResultMessage{Type: TypeSubmitResult, ID: msg.ID}
	switch res.Kind {
	case validate.AcceptedBlock:
		out.Status = StatusAccepted
		out.Message = "block candidate"
	case validate.Accepted:
		out.Status = StatusAccepted
	case validate.Stale:
		out.Status = StatusStale
		out.Message = string(res.Reason)
	default:
		out.Status = StatusRejected
		out.Message = string(res.Reason)
	}
	wc.enqueue(marshal(out))
}

// strike books a protocol violation; the session closes once the strike
// budget is spent.
func (wc *wsConn) strike() {
	if wc.sess.Limits.Strike() {
		wc.shutdown("strike limit exceeded")
	}
}

func (wc *wsConn) shutdown(reason string) {
	wc.once.Do(func() {
		close(wc.done)
		wc.srv.removeConn(wc.sess.ID)
		wc.srv.coord.Disconnect(wc.sess.ID, reason)
		wc.conn.Close()
	})
}
