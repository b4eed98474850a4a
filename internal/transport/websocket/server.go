// Package websocket serves client channels over websocket connections.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-adlookup/internal/dispatch"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/session"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/async"
)

var ErrChannelClosed = errors.New("channel closed")

// Handler receives channel lifecycle events and inbound frames.
type Handler interface {
	Open(channelID string, sender session.Sender)
	Handle(channelID string, raw []byte) error
	Close(channelID string)
}

type Config struct {
	// ReadLimit caps the size of one inbound frame.
	ReadLimit int64
	// WriteTimeout bounds every outbound write.
	WriteTimeout time.Duration
	// IdleTimeout closes a channel that sends nothing for this long.
	IdleTimeout time.Duration
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 24 * time.Hour
	}
	return c
}

type Server struct {
	cfg      Config
	handler  Handler
	logger   *zap.SugaredLogger
	upgrader gorilla.Upgrader
}

func NewServer(handler Handler, cfg Config, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{cfg: cfg.withDefaults(), handler: handler, logger: logger}
	s.upgrader = gorilla.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the channel until the peer goes
// away or stays idle past IdleTimeout.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	id := uuid.NewString()
	ch := &channel{conn: conn, writeTimeout: s.cfg.WriteTimeout}

	s.handler.Open(id, ch)
	s.logger.Infow("channel connected", "channel", id, "remote", r.RemoteAddr)
	defer func() {
		s.handler.Close(id)
		ch.close()
		s.logger.Infow("channel disconnected", "channel", id)
	}()

	conn.SetReadLimit(s.cfg.ReadLimit)
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) }
	conn.SetPongHandler(func(string) error { return extend() })

	for {
		if err := extend(); err != nil {
			return
		}
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway, gorilla.CloseNoStatusReceived) {
				s.logger.Debugw("channel read failed", "channel", id, "error", err)
			}
			return
		}
		if kind != gorilla.TextMessage {
			continue
		}
		switch err := s.handler.Handle(id, raw); {
		case err == nil:
		case errors.Is(err, dispatch.ErrMalformed):
			s.logger.Debugw("ignored malformed frame", "channel", id)
		case errors.Is(err, async.ErrPoolClosed):
			ch.closeWith(gorilla.CloseGoingAway, "server shutting down")
			return
		default:
			s.logger.Warnw("handle frame", "channel", id, "error", err)
		}
	}
}

// channel is the single writer of one connection.
type channel struct {
	mu           sync.Mutex
	conn         *gorilla.Conn
	writeTimeout time.Duration
	closed       bool
}

func (c *channel) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *channel) closeWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_ = c.conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
