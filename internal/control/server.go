package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/chorus/internal/observe"
)

const (
	// readLimit bounds the size of a single inbound control message.
	readLimit = 64 << 10

	// writeTimeout bounds a single outbound message.
	writeTimeout = 5 * time.Second

	// joinTimeout bounds a voiceUpdate join.
	joinTimeout = 30 * time.Second
)

// Server speaks the control protocol over websocket connections.
type Server struct {
	mgr          *Manager
	log          *slog.Logger
	metrics      *observe.Metrics
	defaultGuild string
	password     atomic.Pointer[string]
	insecure     bool
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithServerLogger sets the server's logger. Default: slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerMetrics counts open control connections on met.
func WithServerMetrics(met *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = met }
}

// WithPassword requires clients to present password in the Authorization
// header. An empty password disables the check.
func WithPassword(password string) ServerOption {
	return func(s *Server) { s.SetPassword(password) }
}

// WithDefaultGuild is used for requests that omit guildId.
func WithDefaultGuild(guildID string) ServerOption {
	return func(s *Server) { s.defaultGuild = guildID }
}

// WithInsecureOrigins accepts websocket upgrades from any origin.
func WithInsecureOrigins() ServerOption {
	return func(s *Server) { s.insecure = true }
}

// NewServer creates a control server driving mgr.
func NewServer(mgr *Manager, opts ...ServerOption) *Server {
	s := &Server{mgr: mgr, log: slog.Default()}
	s.password.Store(new(string))
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetPassword replaces the password required of new connections.
func (s *Server) SetPassword(password string) {
	s.password.Store(&password)
}

// Register mounts the control endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/ws", s)
}

// ServeHTTP authenticates the request, upgrades it and serves the protocol
// until the client disconnects or ctx of the request ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: s.insecure})
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	if s.metrics != nil {
		s.metrics.ActiveConnections.Add(r.Context(), 1)
		defer s.metrics.ActiveConnections.Add(context.WithoutCancel(r.Context()), -1)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &session{
		srv:  s,
		conn: conn,
		ctx:  ctx,
		log:  observe.WithTrace(s.log, ctx).With("remote", r.RemoteAddr),
	}
	sess.log.Info("control client connected")
	err = sess.serve()
	s.mgr.Release(sess)

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		sess.log.Info("control client disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		sess.log.Info("control client disconnected", "reason", "server shutting down")
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		sess.log.Warn("control client dropped", "err", err)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	want := *s.password.Load()
	if want == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// session is one control client. It is the [Subscriber] of the recordings
// it starts.
type session struct {
	srv  *Server
	conn *websocket.Conn
	ctx  context.Context
	log  *slog.Logger
}

// Notify implements [Subscriber].
func (c *session) Notify(ev Event) {
	if err := c.send(ev); err != nil {
		c.log.Debug("dropping event for departed client", "op", ev.Op, "guild_id", ev.GuildID, "err", err)
	}
}

func (c *session) serve() error {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(errorEvent("", fmt.Errorf("malformed message: %w", err)))
			continue
		}
		c.handle(req)
	}
}

func (c *session) handle(req Request) {
	if req.GuildID == "" {
		req.GuildID = c.srv.defaultGuild
	}
	log := c.log.With("op", req.Op, "guild_id", req.GuildID)

	switch req.Op {
	case OpPing:
		c.reply(Event{Op: OpPong})

	case OpVoiceUpdate:
		ctx, cancel := context.WithTimeout(c.ctx, joinTimeout)
		defer cancel()
		if err := c.srv.mgr.Connect(ctx, req.GuildID, req.ChannelID); err != nil {
			log.Warn("voice update failed", "channel_id", req.ChannelID, "err", err)
			c.reply(errorEvent(req.GuildID, err))
		}

	case OpRecord:
		ev, err := c.srv.mgr.Record(req.RecordRequest(), c)
		if err != nil {
			log.Warn("record failed", "err", err)
			c.reply(Event{Op: OpRecordFailed, GuildID: req.GuildID, ID: req.ID, Error: err.Error()})
			return
		}
		log.Debug("record toggled", "result", ev.Op, "id", ev.ID)
		c.reply(ev)

	case OpDestroy:
		ev, ok, err := c.srv.mgr.Destroy(req.GuildID)
		if err != nil {
			log.Warn("destroy failed", "err", err)
		}
		if ok {
			c.reply(ev)
		}

	case "":
		c.reply(errorEvent(req.GuildID, errors.New("missing op")))

	default:
		c.reply(errorEvent(req.GuildID, fmt.Errorf("unknown op %q", req.Op)))
	}
}

func (c *session) reply(ev Event) {
	if err := c.send(ev); err != nil {
		c.log.Debug("reply failed", "op", ev.Op, "err", err)
	}
}

func (c *session) send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("control: marshal %s: %w", ev.Op, err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
