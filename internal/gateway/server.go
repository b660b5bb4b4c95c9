// Package gateway accepts WebSocket clients and feeds their events to a
// Handler.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/pkg/arenadto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Options struct {
	// AllowedOrigins holds origins such as "https://example.com" or bare
	// host patterns. "*" disables the origin check.
	AllowedOrigins []string
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
}

func (o *Options) withDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
}

type Server struct {
	handler Handler
	opts    Options
	accept  *websocket.AcceptOptions
	logger  *zap.Logger

	active atomic.Int64
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*tracked
	closing bool
}

type tracked struct {
	conn   *wsConn
	cancel context.CancelFunc
}

func NewServer(h Handler, opts Options, logger *zap.Logger) *Server {
	opts.withDefaults()
	if logger == nil {
		logger = obslog.L()
	}
	patterns, skipVerify := originPatterns(opts.AllowedOrigins)
	return &Server{
		handler: h,
		opts:    opts,
		accept: &websocket.AcceptOptions{
			OriginPatterns:     patterns,
			InsecureSkipVerify: skipVerify,
			CompressionMode:    websocket.CompressionNoContextTakeover,
		},
		logger: logger,
		conns:  make(map[string]*tracked),
	}
}

// originPatterns reduces configured origins to the host patterns the
// websocket library matches against.
func originPatterns(origins []string) ([]string, bool) {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
			continue
		case o == "*":
			return nil, true
		case strings.Contains(o, "://"):
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				out = append(out, u.Host)
			}
		default:
			out = append(out, o)
		}
	}
	return out, false
}

// Active is the number of open client connections.
func (s *Server) Active() int64 { return s.active.Load() }

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, s.accept)
	if err != nil {
		s.logger.Info("gateway_accept_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	conn := newWSConn(uuid.NewString(), ws, s.opts.SendBuffer, s.opts.WriteTimeout, s.logger)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !s.track(conn, cancel) {
		_ = ws.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.untrack(conn.id)

	s.logger.Info("gateway_connected", zap.String("conn_id", conn.id), zap.String("remote", r.RemoteAddr))
	s.handler.Connect(conn)
	go conn.writeLoop(ctx)
	go conn.pingLoop(ctx, s.opts.PingInterval)

	s.readLoop(ctx, conn)

	conn.close(websocket.StatusNormalClosure, "bye")
	s.handler.Disconnect(conn.id)
	s.logger.Info("gateway_disconnected", zap.String("conn_id", conn.id))
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn) {
	for {
		// wsjson.Read closes the socket on bad JSON; a bad frame only drops
		// the event here.
		typ, b, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("gateway_read_failed", zap.String("conn_id", conn.id), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			s.logger.Warn("gateway_binary_frame", zap.String("conn_id", conn.id))
			continue
		}
		var msg arenadto.Inbound
		if err := json.Unmarshal(b, &msg); err != nil {
			s.logger.Warn("gateway_malformed_event", zap.String("conn_id", conn.id), zap.Error(err))
			continue
		}
		if err := Dispatch(ctx, s.handler, conn.id, msg); err != nil {
			s.logger.Warn("gateway_malformed_event", zap.String("conn_id", conn.id), zap.Error(err))
		}
	}
}

func (s *Server) track(conn *wsConn, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn.id] = &tracked{conn: conn, cancel: cancel}
	s.wg.Add(1)
	s.active.Add(1)
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.active.Add(-1)
	s.wg.Done()
}

// Shutdown refuses new connections, sends every open client a going-away
// close frame and waits for the connections to drain. Connections still open
// when ctx ends are torn down without the close handshake.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*tracked, 0, len(s.conns))
	for _, t := range s.conns {
		open = append(open, t)
	}
	s.mu.Unlock()

	s.logger.Info("gateway_shutdown", zap.Int("open", len(open)))
	for _, t := range open {
		t.conn.close(websocket.StatusGoingAway, "server shutdown")
	}
	err := s.Wait(ctx)
	if err != nil {
		s.mu.Lock()
		for _, t := range s.conns {
			t.cancel()
		}
		s.mu.Unlock()
	}
	return err
}

// Wait blocks until every served connection has returned or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
