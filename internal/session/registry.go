// Package session holds the live game sessions and applies every state change
// to them. Each Session is guarded by its own mutex; the registry lock only
// protects the lookup maps and is never held while a session lock is taken.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/pkg/arenadto"
	"go.uber.org/zap"
)

// DefaultRecordTimeout bounds how long a finished game may spend in the
// recorder.
const DefaultRecordTimeout = 5 * time.Second

// Registry indexes live sessions by room id and by participant identity.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*Session
	byIdentity map[string]string

	oracle    rules.Oracle
	clock     clockwork.Clock
	recorder  Recorder
	recordTTL time.Duration
	catalog   *msgcat.Catalog
	newRoomID func() (string, error)
	grace     time.Duration
	logger    *zap.Logger
}

type Option func(*Registry)

func WithClock(c clockwork.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithRecorder sets the sink for finished games.
func WithRecorder(rec Recorder) Option { return func(r *Registry) { r.recorder = rec } }

// WithRecordTimeout bounds each Recorder.Record call.
func WithRecordTimeout(d time.Duration) Option { return func(r *Registry) { r.recordTTL = d } }

func WithCatalog(c *msgcat.Catalog) Option { return func(r *Registry) { r.catalog = c } }

func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithRoomIDGenerator(gen func() (string, error)) Option {
	return func(r *Registry) { r.newRoomID = gen }
}

// WithForfeitGrace sets the grace shown in the disconnect notice.
func WithForfeitGrace(d time.Duration) Option { return func(r *Registry) { r.grace = d } }

func NewRegistry(oracle rules.Oracle, opts ...Option) *Registry {
	r := &Registry{
		rooms:      make(map[string]*Session),
		byIdentity: make(map[string]string),
		oracle:     oracle,
		clock:      clockwork.NewRealClock(),
		newRoomID:  newRoomID,
		grace:      80 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = obslog.L()
	}
	if r.catalog == nil {
		r.catalog = msgcat.Default()
	}
	if r.recordTTL <= 0 {
		r.recordTTL = DefaultRecordTimeout
	}
	return r
}

// Create seats white and black in a fresh session with a new room id.
func (r *Registry) Create(tc domain.TimeControl, white, black Participant) (*Session, error) {
	if white.Identity == "" || black.Identity == "" || white.Identity == black.Identity {
		return nil, ErrInvalidParticipants
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, identity := range []string{white.Identity, black.Identity} {
		if room, seated := r.byIdentity[identity]; seated {
			return nil, fmt.Errorf("%w: %s in %s", ErrAlreadySeated, identity, room)
		}
	}
	id, err := r.allocateLocked()
	if err != nil {
		return nil, err
	}
	s := newSession(id, tc, white, black, now, r.logger)
	r.rooms[id] = s
	r.byIdentity[white.Identity] = id
	r.byIdentity[black.Identity] = id
	r.logger.Info("arena_session_created",
		zap.String("room_id", id),
		zap.String("white", white.Identity),
		zap.String("black", black.Identity),
		zap.String("time_control", tc.String()),
	)
	return s, nil
}

func (r *Registry) allocateLocked() (string, error) {
	for i := 0; i < maxRoomIDAttempts; i++ {
		id, err := r.newRoomID()
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		if _, taken := r.rooms[id]; !taken {
			return id, nil
		}
		r.logger.Warn("arena_room_id_collision", zap.String("room_id", id), zap.Int("attempt", i+1))
	}
	return "", ErrRoomIDExhausted
}

func (r *Registry) LookupByRoom(roomID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rooms[roomID]
	return s, ok
}

// Seated reports whether identity holds a seat in a live session.
func (r *Registry) Seated(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byIdentity[identity]
	return ok
}

// LookupByIdentity returns the live session identity is seated in.
func (r *Registry) LookupByIdentity(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	s, ok := r.rooms[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// acquire returns the session locked, or false if it is gone or finished.
func (r *Registry) acquire(roomID string) (*Session, bool) {
	s, ok := r.LookupByRoom(roomID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}
	return s, true
}

// Announce sends the opening init event to both seats.
func (r *Registry) Announce(roomID string) bool {
	s, ok := r.acquire(roomID)
	if !ok {
		return false
	}
	defer s.mu.Unlock()
	for _, side := range []domain.Side{domain.White, domain.Black} {
		s.sendLocked(side, s.initEventLocked(side, false))
	}
	return true
}

// ApplyMove ticks the clock, relays the move to both seats and ends the game
// when the resulting position is terminal. Turn order is not enforced.
func (r *Registry) ApplyMove(ctx context.Context, roomID string, side domain.Side, move json.RawMessage, position string) (MoveResult, bool) {
	s, ok := r.acquire(roomID)
	if !ok {
		return MoveResult{}, false
	}
	now := r.clock.Now()
	if toMove := s.clock.Snapshot().ToMove; toMove != side {
		r.logger.Debug("arena_move_out_of_turn",
			zap.String("room_id", roomID),
			zap.Stringer("side", side),
			zap.Stringer("to_move", toMove),
		)
	}
	snap := s.clock.OnMoveCommitted(now)
	s.moves++
	if position != "" {
		s.lastPosition = position
	}
	s.broadcastLocked(arenadto.Event{Type: arenadto.TypeMove, Data: arenadto.Move{
		Move:     move,
		Position: position,
		Clock:    toDTOClock(snap),
	}})

	verdict, err := r.oracle.Evaluate(position)
	if err != nil {
		r.logger.Warn("arena_position_unreadable", zap.String("room_id", roomID), zap.Error(err))
		verdict = rules.Verdict{}
	}
	res := MoveResult{Clock: snap, Verdict: verdict}
	if !verdict.Terminal() {
		s.mu.Unlock()
		return res, true
	}

	if verdict.Termination == domain.TerminationCheckmate && verdict.Winner != nil {
		s.broadcastLocked(arenadto.Event{Type: arenadto.TypeCheckmate, Data: arenadto.Checkmate{
			WinningSide: verdict.Winner.String(),
		}})
	} else {
		s.broadcastLocked(arenadto.Event{Type: arenadto.TypeGameDrawn, Data: arenadto.GameDrawn{
			Reason: string(verdict.Termination),
		}})
	}
	rec := s.closeLocked(verdict.Termination, verdict.Winner, now)
	s.mu.Unlock()
	r.finish(ctx, s, rec)
	res.Ended = true
	return res, true
}

// ApplyResign ends the game with side's opponent as the winner.
func (r *Registry) ApplyResign(ctx context.Context, roomID string, side domain.Side) bool {
	s, ok := r.acquire(roomID)
	if !ok {
		return false
	}
	s.broadcastLocked(arenadto.Event{Type: arenadto.TypeResigned, Data: arenadto.Resigned{
		Side:   side.String(),
		Reason: string(domain.TerminationResignation),
	}})
	winner := side.Opponent()
	rec := s.closeLocked(domain.TerminationResignation, &winner, r.clock.Now())
	s.mu.Unlock()
	r.finish(ctx, s, rec)
	return true
}

// ApplyDrawAccepted ends the game as an agreed draw.
func (r *Registry) ApplyDrawAccepted(ctx context.Context, roomID string) bool {
	s, ok := r.acquire(roomID)
	if !ok {
		return false
	}
	s.broadcastLocked(arenadto.Event{Type: arenadto.TypeDrawAccepted})
	rec := s.closeLocked(domain.TerminationDrawAgreed, nil, r.clock.Now())
	s.mu.Unlock()
	r.finish(ctx, s, rec)
	return true
}

// ApplyChat appends a message from a seated identity and broadcasts it.
func (r *Registry) ApplyChat(roomID, identity, text string) bool {
	s, ok := r.acquire(roomID)
	if !ok {
		return false
	}
	defer s.mu.Unlock()
	if _, seated := s.SideOf(identity); !seated {
		return false
	}
	rec := s.chat.Append(identity, text, r.clock.Now())
	s.broadcastLocked(chatEvent(rec))
	return true
}

// RelayToOpponent forwards ev to the other seat without touching game state.
func (r *Registry) RelayToOpponent(roomID string, side domain.Side, ev arenadto.Event) bool {
	s, ok := r.acquire(roomID)
	if !ok {
		return false
	}
	defer s.mu.Unlock()
	s.sendLocked(side.Opponent(), ev)
	return true
}

// Detach clears the seat bound to connID and notifies the opponent. The
// returned generation must be presented to Forfeit.
func (r *Registry) Detach(roomID, connID string) (Detached, bool) {
	s, ok := r.acquire(roomID)
	if !ok {
		return Detached{}, false
	}
	defer s.mu.Unlock()
	side, found := s.sideOfConnLocked(connID)
	if !found {
		return Detached{}, false
	}
	s.conns[side] = nil
	s.gens[side]++
	identity := s.identities[side]

	text := r.catalog.Text(msgcat.KeyDisconnected,
		map[string]any{"Identity": identity, "Grace": r.grace.String()},
		identity+" disconnected")
	rec := s.chat.AppendSystem(text, r.clock.Now())
	opp := side.Opponent()
	s.sendLocked(opp, arenadto.Event{Type: arenadto.TypeOpponentDisconnected, Data: arenadto.OpponentStatus{Opponent: identity}})
	s.sendLocked(opp, chatEvent(rec))

	r.logger.Info("arena_seat_detached",
		zap.String("room_id", roomID),
		zap.String("identity", identity),
		zap.Stringer("side", side),
		zap.Uint64("generation", s.gens[side]),
	)
	return Detached{RoomID: roomID, Side: side, Identity: identity, Generation: s.gens[side]}, true
}

// Reconnect binds conn to identity's empty seat, replays state to it and
// tells the opponent.
func (r *Registry) Reconnect(roomID, identity string, conn Conn) (Reattached, error) {
	s, ok := r.acquire(roomID)
	if !ok {
		return Reattached{}, ErrStaleSession
	}
	defer s.mu.Unlock()
	side, seated := s.SideOf(identity)
	if !seated {
		return Reattached{}, ErrNotSeated
	}
	if s.conns[side] != nil {
		return Reattached{}, ErrSideOccupied
	}
	s.conns[side] = conn
	s.gens[side]++

	history := s.chat.Records()
	s.sendLocked(side, s.initEventLocked(side, true))
	replay := make([]arenadto.ChatRecord, 0, len(history))
	for _, rec := range history {
		replay = append(replay, toDTOChat(rec))
	}
	s.sendLocked(side, arenadto.Event{Type: arenadto.TypeChatHistory, Data: arenadto.ChatHistory{Records: replay}})

	text := r.catalog.Text(msgcat.KeyReconnected, map[string]any{"Identity": identity}, identity+" reconnected")
	notice := s.chat.AppendSystem(text, r.clock.Now())
	opp := side.Opponent()
	s.sendLocked(opp, arenadto.Event{Type: arenadto.TypeOpponentReconnected, Data: arenadto.OpponentStatus{Opponent: identity}})
	s.sendLocked(opp, chatEvent(notice))

	r.logger.Info("arena_seat_reattached",
		zap.String("room_id", roomID),
		zap.String("identity", identity),
		zap.Stringer("side", side),
	)
	return Reattached{
		RoomID:   roomID,
		Side:     side,
		Opponent: s.identities[opp],
		Clock:    s.clock.Snapshot(),
		Chat:     history,
	}, nil
}

// Forfeit ends the game against side if the seat is still empty and no
// reconnect happened since generation gen was issued.
func (r *Registry) Forfeit(ctx context.Context, roomID string, side domain.Side, gen uint64) bool {
	s, ok := r.acquire(roomID)
	if !ok {
		return false
	}
	if s.conns[side] != nil || s.gens[side] != gen {
		s.mu.Unlock()
		return false
	}
	identity := s.identities[side]
	now := r.clock.Now()
	text := r.catalog.Text(msgcat.KeyForfeit, map[string]any{"Identity": identity}, identity+" forfeited")
	notice := s.chat.AppendSystem(text, now)
	s.broadcastLocked(chatEvent(notice))
	s.broadcastLocked(arenadto.Event{Type: arenadto.TypeResigned, Data: arenadto.Resigned{
		Side:   side.String(),
		Reason: string(domain.TerminationForfeit),
	}})
	winner := side.Opponent()
	rec := s.closeLocked(domain.TerminationForfeit, &winner, now)
	s.mu.Unlock()
	r.finish(ctx, s, rec)
	return true
}

// finish unindexes a closed session and hands its record to the recorder.
func (r *Registry) finish(ctx context.Context, s *Session, rec *domain.GameRecord) {
	r.mu.Lock()
	if cur, ok := r.rooms[s.id]; ok && cur == s {
		delete(r.rooms, s.id)
	}
	for _, identity := range s.identities {
		if r.byIdentity[identity] == s.id {
			delete(r.byIdentity, identity)
		}
	}
	r.mu.Unlock()

	r.logger.Info("arena_game_end",
		zap.String("room_id", rec.RoomID),
		zap.String("termination", string(rec.Termination)),
		zap.String("result", rec.Result()),
		zap.Int("moves", rec.MoveCount),
	)
	if r.recorder == nil {
		return
	}
	// The record outlives the triggering connection but not a stuck store.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.recordTTL)
	defer cancel()
	if err := r.recorder.Record(rctx, rec); err != nil {
		r.logger.Error("arena_record_failed", zap.String("room_id", rec.RoomID), zap.Error(err))
	}
}
