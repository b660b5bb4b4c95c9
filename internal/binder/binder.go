// Package binder tracks what each live connection is doing and routes its
// events to the matchmaking queue or the session registry. It owns the
// disconnect forfeit timers.
package binder

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/matchmaking"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/pkg/arenadto"
	"go.uber.org/zap"
)

type State int

const (
	Unregistered State = iota
	Registered
	Queued
	BoundActive
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Queued:
		return "queued"
	case BoundActive:
		return "bound"
	default:
		return "unregistered"
	}
}

const (
	DefaultForfeitGrace   = 80 * time.Second
	DefaultMaxIdentityLen = 32
	DefaultMaxChatLen     = 500
)

type connState struct {
	conn     session.Conn
	identity string
	state    State
	roomID   string
	side     domain.Side
}

type timerKey struct {
	roomID string
	side   domain.Side
}

type forfeitTimer struct {
	id    uint64
	timer clockwork.Timer
}

type Binder struct {
	mu          sync.Mutex
	conns       map[string]*connState
	online      map[string]string
	timers      map[timerKey]*forfeitTimer
	drawOffers  map[string]domain.Side
	nextTimerID uint64

	queue    *matchmaking.Queue
	registry *session.Registry

	clock          clockwork.Clock
	catalog        *msgcat.Catalog
	grace          time.Duration
	maxIdentityLen int
	maxChatLen     int
	baseCtx        context.Context
	logger         *zap.Logger
}

type Option func(*Binder)

func WithClock(c clockwork.Clock) Option { return func(b *Binder) { b.clock = c } }

// WithForfeitGrace sets how long a detached seat is held before it forfeits.
func WithForfeitGrace(d time.Duration) Option { return func(b *Binder) { b.grace = d } }

func WithCatalog(c *msgcat.Catalog) Option { return func(b *Binder) { b.catalog = c } }

func WithLogger(l *zap.Logger) Option { return func(b *Binder) { b.logger = l } }

func WithLimits(maxIdentityLen, maxChatLen int) Option {
	return func(b *Binder) {
		if maxIdentityLen > 0 {
			b.maxIdentityLen = maxIdentityLen
		}
		if maxChatLen > 0 {
			b.maxChatLen = maxChatLen
		}
	}
}

// WithBaseContext is the context handed to forfeits fired by timers.
func WithBaseContext(ctx context.Context) Option { return func(b *Binder) { b.baseCtx = ctx } }

func New(queue *matchmaking.Queue, registry *session.Registry, opts ...Option) *Binder {
	b := &Binder{
		conns:          make(map[string]*connState),
		online:         make(map[string]string),
		timers:         make(map[timerKey]*forfeitTimer),
		drawOffers:     make(map[string]domain.Side),
		queue:          queue,
		registry:       registry,
		clock:          clockwork.NewRealClock(),
		grace:          DefaultForfeitGrace,
		maxIdentityLen: DefaultMaxIdentityLen,
		maxChatLen:     DefaultMaxChatLen,
		baseCtx:        context.Background(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = obslog.L()
	}
	if b.catalog == nil {
		b.catalog = msgcat.Default()
	}
	return b
}

// SessionPairer creates registry sessions for pairs popped by the queue.
func SessionPairer(registry *session.Registry) matchmaking.Pairer {
	return func(tc domain.TimeControl, white, black matchmaking.Entry) (string, error) {
		s, err := registry.Create(tc,
			session.Participant{Identity: white.Identity, Conn: white.Conn},
			session.Participant{Identity: black.Identity, Conn: black.Conn},
		)
		if err != nil {
			return "", err
		}
		return s.ID(), nil
	}
}

// NotSeated is the queue eligibility check: an identity already seated in a
// live session may not wait for another game.
func NotSeated(registry *session.Registry) func(matchmaking.Entry) bool {
	return func(e matchmaking.Entry) bool { return !registry.Seated(e.Identity) }
}

// Connect starts tracking conn in the Unregistered state.
func (b *Binder) Connect(conn session.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn.ID()] = &connState{conn: conn}
}

// State reports the state of connID and whether it is tracked.
func (b *Binder) State(connID string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.conns[connID]
	if !ok {
		return Unregistered, false
	}
	return cs.state, true
}

// Online is the number of claimed identities.
func (b *Binder) Online() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.online)
}

// PendingForfeits is the number of armed forfeit timers.
func (b *Binder) PendingForfeits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

func (b *Binder) reject(conn session.Conn, key string, data map[string]any, fallback string) {
	reason := b.catalog.Text(key, data, fallback)
	_ = conn.Send(arenadto.Event{Type: arenadto.TypeRegisterRejected, Data: arenadto.RegisterRejected{Reason: reason}})
}

// Register claims identity for connID. If a live session seats the identity
// and its side is detached, the connection is rebound to it.
func (b *Binder) Register(connID, identity string) {
	identity = strings.TrimSpace(identity)

	b.mu.Lock()
	cs, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	conn := cs.conn
	switch {
	case cs.identity != "":
		current := cs.identity
		b.mu.Unlock()
		b.reject(conn, msgcat.KeyAlreadyRegistered, map[string]any{"Identity": current}, "already registered")
		return
	case identity == "":
		b.mu.Unlock()
		b.reject(conn, msgcat.KeyIdentityEmpty, nil, "identity required")
		return
	case utf8.RuneCountInString(identity) > b.maxIdentityLen:
		b.mu.Unlock()
		b.reject(conn, msgcat.KeyIdentityTooLong, map[string]any{"Max": b.maxIdentityLen}, "identity too long")
		return
	}
	if owner, taken := b.online[identity]; taken && owner != connID {
		b.mu.Unlock()
		b.logger.Info("arena_identity_in_use", zap.String("identity", identity), zap.String("conn_id", connID))
		b.reject(conn, msgcat.KeyIdentityInUse, map[string]any{"Identity": identity}, "identity in use")
		return
	}
	b.online[identity] = connID
	cs.identity = identity
	cs.state = Registered
	b.mu.Unlock()

	_ = conn.Send(arenadto.Event{Type: arenadto.TypeRegistered, Data: arenadto.Registered{Identity: identity}})
	b.logger.Info("arena_registered", zap.String("identity", identity), zap.String("conn_id", connID))

	s, ok := b.registry.LookupByIdentity(identity)
	if !ok {
		return
	}
	ra, err := b.registry.Reconnect(s.ID(), identity, conn)
	switch {
	case err == nil:
		b.cancelForfeit(timerKey{roomID: ra.RoomID, side: ra.Side})
		b.bind(connID, ra.RoomID, ra.Side)
		b.logger.Info("arena_reconnected",
			zap.String("identity", identity),
			zap.String("room_id", ra.RoomID),
			zap.Stringer("side", ra.Side),
		)
	case errors.Is(err, session.ErrStaleSession):
		b.logger.Debug("arena_reconnect_game_over", zap.String("identity", identity), zap.String("room_id", s.ID()))
	default:
		b.logger.Warn("arena_reconnect_failed", zap.String("identity", identity), zap.String("room_id", s.ID()), zap.Error(err))
	}
}

// StartGame queues a registered connection for tc. Queued connections may
// switch to another time control.
func (b *Binder) StartGame(connID string, tc domain.TimeControl) {
	if err := tc.Validate(); err != nil {
		b.logger.Warn("arena_bad_time_control", zap.String("conn_id", connID), zap.Error(err))
		return
	}
	b.mu.Lock()
	cs, ok := b.conns[connID]
	if !ok || (cs.state != Registered && cs.state != Queued) {
		b.mu.Unlock()
		return
	}
	cs.state = Queued
	entry := matchmaking.Entry{Identity: cs.identity, Conn: cs.conn, TimeControl: tc, EnqueuedAt: b.clock.Now()}
	b.mu.Unlock()

	res, err := b.queue.Enqueue(entry)
	if errors.Is(err, matchmaking.ErrIneligible) {
		// Already matched by a concurrent pairing; that pairing binds it.
		b.logger.Debug("arena_start_ignored_seated", zap.String("conn_id", connID), zap.String("identity", entry.Identity))
		return
	}
	if err != nil || res.Status == matchmaking.Waiting {
		_ = entry.Conn.Send(arenadto.Event{Type: arenadto.TypeWaiting, Data: arenadto.Waiting{
			TimeControl: arenadto.TimeControl{Time: tc.BaseSeconds, Increment: tc.IncrementSeconds},
		}})
		return
	}

	b.mu.Lock()
	for side, e := range map[domain.Side]matchmaking.Entry{domain.White: res.White, domain.Black: res.Black} {
		if peer, ok := b.conns[e.Conn.ID()]; ok && peer.state == Queued {
			peer.state = BoundActive
			peer.roomID = res.RoomID
			peer.side = side
		}
	}
	b.mu.Unlock()
	b.registry.Announce(res.RoomID)
}

func (b *Binder) bind(connID, roomID string, side domain.Side) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs, ok := b.conns[connID]; ok {
		cs.state = BoundActive
		cs.roomID = roomID
		cs.side = side
	}
}

// bound returns the seat of an active connection.
func (b *Binder) bound(connID string) (connState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.conns[connID]
	if !ok || cs.state != BoundActive {
		return connState{}, false
	}
	return *cs, true
}

// Move applies a move from a bound connection.
func (b *Binder) Move(ctx context.Context, connID string, move json.RawMessage, position string) {
	cs, ok := b.bound(connID)
	if !ok {
		return
	}
	res, ok := b.registry.ApplyMove(ctx, cs.roomID, cs.side, move, position)
	if ok && res.Ended {
		b.endRoom(cs.roomID)
	}
}

// Chat posts text under the connection's registered identity.
func (b *Binder) Chat(connID, text string) {
	cs, ok := b.bound(connID)
	if !ok {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if utf8.RuneCountInString(text) > b.maxChatLen {
		b.logger.Warn("arena_chat_too_long", zap.String("conn_id", connID), zap.Int("len", utf8.RuneCountInString(text)))
		return
	}
	b.registry.ApplyChat(cs.roomID, cs.identity, text)
}

func (b *Binder) Resign(ctx context.Context, connID string) {
	cs, ok := b.bound(connID)
	if !ok {
		return
	}
	if b.registry.ApplyResign(ctx, cs.roomID, cs.side) {
		b.endRoom(cs.roomID)
	}
}

// OfferDraw records an open offer and relays it to the opponent.
func (b *Binder) OfferDraw(connID string) {
	cs, ok := b.bound(connID)
	if !ok {
		return
	}
	b.mu.Lock()
	b.drawOffers[cs.roomID] = cs.side
	b.mu.Unlock()
	b.registry.RelayToOpponent(cs.roomID, cs.side, arenadto.Event{Type: arenadto.TypeDrawOffered})
}

// AcceptDraw ends the game if the opponent has an open offer.
func (b *Binder) AcceptDraw(ctx context.Context, connID string) {
	cs, ok := b.bound(connID)
	if !ok {
		return
	}
	if !b.takeOffer(cs.roomID, cs.side) {
		b.logger.Debug("arena_draw_accept_without_offer", zap.String("room_id", cs.roomID), zap.Stringer("side", cs.side))
		return
	}
	if b.registry.ApplyDrawAccepted(ctx, cs.roomID) {
		b.endRoom(cs.roomID)
	}
}

func (b *Binder) DeclineDraw(connID string) {
	cs, ok := b.bound(connID)
	if !ok {
		return
	}
	if !b.takeOffer(cs.roomID, cs.side) {
		return
	}
	b.registry.RelayToOpponent(cs.roomID, cs.side, arenadto.Event{Type: arenadto.TypeDrawDeclined})
}

// takeOffer consumes an offer made by the opponent of side.
func (b *Binder) takeOffer(roomID string, side domain.Side) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	by, ok := b.drawOffers[roomID]
	if !ok || by != side.Opponent() {
		return false
	}
	delete(b.drawOffers, roomID)
	return true
}

// Disconnect handles a closed transport. A queued connection leaves the
// queue; a seated one is detached and its forfeit timer armed.
func (b *Binder) Disconnect(connID string) {
	b.mu.Lock()
	cs, ok := b.conns[connID]
	delete(b.conns, connID)
	b.mu.Unlock()
	if !ok {
		return
	}
	defer b.release(cs.identity, connID)

	if b.queue.RemoveIfPresent(connID) {
		b.logger.Info("arena_queue_left", zap.String("identity", cs.identity), zap.String("conn_id", connID))
		return
	}
	if cs.identity == "" {
		return
	}
	// A connection matched a moment ago may still be marked Queued here, so
	// the registry is consulted by identity rather than by the local state.
	s, ok := b.registry.LookupByIdentity(cs.identity)
	if !ok {
		return
	}
	d, ok := b.registry.Detach(s.ID(), connID)
	if !ok {
		return
	}
	b.armForfeit(d)
}

func (b *Binder) release(identity, connID string) {
	if identity == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.online[identity] == connID {
		delete(b.online, identity)
	}
}

// armForfeit schedules the forfeit for a detached seat, replacing any timer
// already armed for it.
func (b *Binder) armForfeit(d session.Detached) {
	key := timerKey{roomID: d.RoomID, side: d.Side}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.timers[key]; ok {
		prev.timer.Stop()
	}
	b.nextTimerID++
	id := b.nextTimerID
	ft := &forfeitTimer{id: id}
	ft.timer = b.clock.AfterFunc(b.grace, func() { b.fireForfeit(key, id, d.Generation) })
	b.timers[key] = ft
	b.logger.Info("arena_forfeit_armed",
		zap.String("room_id", d.RoomID),
		zap.String("identity", d.Identity),
		zap.Stringer("side", d.Side),
		zap.Duration("grace", b.grace),
	)
}

func (b *Binder) fireForfeit(key timerKey, id, gen uint64) {
	b.mu.Lock()
	ft, ok := b.timers[key]
	if !ok || ft.id != id {
		b.mu.Unlock()
		return
	}
	delete(b.timers, key)
	b.mu.Unlock()

	if b.registry.Forfeit(b.baseCtx, key.roomID, key.side, gen) {
		b.logger.Info("arena_forfeit", zap.String("room_id", key.roomID), zap.Stringer("side", key.side))
		b.endRoom(key.roomID)
	}
}

func (b *Binder) cancelForfeit(key timerKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ft, ok := b.timers[key]; ok {
		ft.timer.Stop()
		delete(b.timers, key)
	}
}

// endRoom drops timers and offers for a finished room and returns its
// connections to Registered so they can start another game.
func (b *Binder) endRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, side := range []domain.Side{domain.White, domain.Black} {
		key := timerKey{roomID: roomID, side: side}
		if ft, ok := b.timers[key]; ok {
			ft.timer.Stop()
			delete(b.timers, key)
		}
	}
	delete(b.drawOffers, roomID)
	for _, cs := range b.conns {
		if cs.state == BoundActive && cs.roomID == roomID {
			cs.state = Registered
			cs.roomID = ""
		}
	}
}

// Shutdown stops every armed forfeit timer.
func (b *Binder) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ft := range b.timers {
		ft.timer.Stop()
		delete(b.timers, key)
	}
}
