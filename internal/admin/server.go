// Package admin serves the operator endpoints: health, live counters and
// finished-game history.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// HistoryReader looks up finished games for an identity.
type HistoryReader interface {
	RecentByIdentity(ctx context.Context, identity string, limit int) ([]*domain.GameRecord, error)
}

// Sources are read on every request. Nil entries report zero.
type Sources struct {
	Sessions        func() int
	Queue           func() map[string]int
	Online          func() int
	Connections     func() int64
	PendingForfeits func() int
	History         HistoryReader
	// Checks are run by /healthz; any error marks the server unhealthy.
	Checks map[string]func(ctx context.Context) error
}

type Stats struct {
	Sessions        int            `json:"sessions"`
	Queued          map[string]int `json:"queued"`
	Online          int            `json:"online"`
	Connections     int64          `json:"connections"`
	PendingForfeits int            `json:"pending_forfeits"`
	UptimeSec       int64          `json:"uptime_sec"`
}

type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type Server struct {
	src     Sources
	started time.Time
	srv     *fasthttp.Server
	logger  *zap.Logger
}

func NewServer(src Sources, logger *zap.Logger) *Server {
	if logger == nil {
		logger = obslog.L()
	}
	s := &Server{src: src, started: time.Now(), logger: logger}
	s.srv = &fasthttp.Server{
		Handler:      s.handle,
		Name:         "cheese-arena-admin",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error { return s.srv.ListenAndServe(addr) }

func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.ShutdownWithContext(ctx) }

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	switch string(ctx.Path()) {
	case "/healthz":
		s.health(ctx)
	case "/stats":
		writeJSON(ctx, fasthttp.StatusOK, s.stats())
	case "/history":
		s.history(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) stats() Stats {
	st := Stats{Queued: map[string]int{}, UptimeSec: int64(time.Since(s.started) / time.Second)}
	if s.src.Sessions != nil {
		st.Sessions = s.src.Sessions()
	}
	if s.src.Queue != nil {
		st.Queued = s.src.Queue()
	}
	if s.src.Online != nil {
		st.Online = s.src.Online()
	}
	if s.src.Connections != nil {
		st.Connections = s.src.Connections()
	}
	if s.src.PendingForfeits != nil {
		st.PendingForfeits = s.src.PendingForfeits()
	}
	return st
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	h := Health{Status: "ok"}
	names := make([]string, 0, len(s.src.Checks))
	for name := range s.src.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.src.Checks[name](cctx)
		cancel()
		if h.Checks == nil {
			h.Checks = map[string]string{}
		}
		if err != nil {
			h.Status = "degraded"
			h.Checks[name] = err.Error()
			s.logger.Warn("admin_health_check_failed", zap.String("check", name), zap.Error(err))
			continue
		}
		h.Checks[name] = "ok"
	}
	code := fasthttp.StatusOK
	if h.Status != "ok" {
		code = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, code, h)
}

func (s *Server) history(ctx *fasthttp.RequestCtx) {
	if s.src.History == nil {
		ctx.Error("history disabled", fasthttp.StatusNotFound)
		return
	}
	identity := strings.TrimSpace(string(ctx.QueryArgs().Peek("identity")))
	if identity == "" {
		ctx.Error("identity is required", fasthttp.StatusBadRequest)
		return
	}
	limit := 0
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n < 0 {
			ctx.Error("invalid limit", fasthttp.StatusBadRequest)
			return
		}
		limit = n
	}
	rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	recs, err := s.src.History.RecentByIdentity(rctx, identity, limit)
	if err != nil {
		s.logger.Error("admin_history_failed", zap.String("identity", identity), zap.Error(err))
		ctx.Error("history unavailable", fasthttp.StatusInternalServerError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, recs)
}

func writeJSON(ctx *fasthttp.RequestCtx, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		ctx.Error("encode failed", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}
