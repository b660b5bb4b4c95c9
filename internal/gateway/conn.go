package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/park285/cheese-arena/pkg/arenadto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// wsConn is one accepted client. Send only enqueues; writeLoop owns the socket
// writes.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	out  chan arenadto.Event
	done chan struct{}
	once sync.Once

	writeTimeout time.Duration
	logger       *zap.Logger
}

func newWSConn(id string, ws *websocket.Conn, buffer int, writeTimeout time.Duration, logger *zap.Logger) *wsConn {
	return &wsConn{
		id:           id,
		ws:           ws,
		out:          make(chan arenadto.Event, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ev arenadto.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		// A client that cannot keep up is dropped; the binder sees the close
		// as a disconnect and holds its seat.
		c.logger.Warn("gateway_slow_consumer", zap.String("conn_id", c.id), zap.String("event", ev.Type))
		c.close(websocket.StatusPolicyViolation, "send buffer full")
		return ErrSendBufferFull
	}
}

func (c *wsConn) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() { _ = c.ws.Close(code, reason) }()
	})
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := wsjson.Write(wctx, c.ws, ev)
			cancel()
			if err != nil {
				c.logger.Debug("gateway_write_failed", zap.String("conn_id", c.id), zap.Error(err))
				c.close(websocket.StatusGoingAway, "write failure")
				return
			}
		}
	}
}

func (c *wsConn) pingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, interval/2)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				c.logger.Info("gateway_ping_timeout", zap.String("conn_id", c.id))
				c.close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}
