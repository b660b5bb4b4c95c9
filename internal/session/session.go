package session

import (
	"sync"
	"time"

	"github.com/park285/cheese-arena/internal/chatlog"
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/gameclock"
	"github.com/park285/cheese-arena/pkg/arenadto"
	"go.uber.org/zap"
)

// Session is the authoritative record of one room. All fields are guarded by mu.
type Session struct {
	mu sync.Mutex

	id         string
	tc         domain.TimeControl
	identities [2]string
	conns      [2]Conn
	gens       [2]uint64

	clock *gameclock.Clock
	chat  *chatlog.Log

	lastPosition string
	moves        int
	startedAt    time.Time
	closed       bool

	logger *zap.Logger
}

func newSession(id string, tc domain.TimeControl, white, black Participant, now time.Time, logger *zap.Logger) *Session {
	return &Session{
		id:         id,
		tc:         tc,
		identities: [2]string{white.Identity, black.Identity},
		conns:      [2]Conn{white.Conn, black.Conn},
		clock:      gameclock.New(tc, now),
		chat:       chatlog.New(),
		startedAt:  now,
		logger:     logger,
	}
}

func (s *Session) ID() string                       { return s.id }
func (s *Session) TimeControl() domain.TimeControl  { return s.tc }
func (s *Session) Identity(side domain.Side) string { return s.identities[side] }

// SideOf returns the seat held by identity.
func (s *Session) SideOf(identity string) (domain.Side, bool) {
	for _, side := range []domain.Side{domain.White, domain.Black} {
		if s.identities[side] == identity {
			return side, true
		}
	}
	return domain.White, false
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Clock returns the current clock values; zero after teardown.
func (s *Session) Clock() gameclock.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gameclock.Snapshot{}
	}
	return s.clock.Snapshot()
}

// ChatHistory returns the full chat replay; nil after teardown.
func (s *Session) ChatHistory() []chatlog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.chat.Records()
}

func (s *Session) sideOfConnLocked(connID string) (domain.Side, bool) {
	for _, side := range []domain.Side{domain.White, domain.Black} {
		if c := s.conns[side]; c != nil && c.ID() == connID {
			return side, true
		}
	}
	return domain.White, false
}

func (s *Session) sendLocked(side domain.Side, ev arenadto.Event) {
	c := s.conns[side]
	if c == nil {
		return
	}
	if err := c.Send(ev); err != nil {
		s.logger.Debug("arena_send_failed",
			zap.String("room_id", s.id),
			zap.String("conn_id", c.ID()),
			zap.String("event", ev.Type),
			zap.Error(err),
		)
	}
}

func (s *Session) broadcastLocked(ev arenadto.Event) {
	s.sendLocked(domain.White, ev)
	s.sendLocked(domain.Black, ev)
}

func (s *Session) initEventLocked(side domain.Side, resumed bool) arenadto.Event {
	return arenadto.Event{Type: arenadto.TypeInit, Data: arenadto.Init{
		RoomID:      s.id,
		Color:       side.String(),
		Opponent:    s.identities[side.Opponent()],
		Clock:       toDTOClock(s.clock.Snapshot()),
		TimeControl: toDTOTimeControl(s.tc),
		Resumed:     resumed,
	}}
}

// closeLocked marks the session finished and drops its clock and chat log.
func (s *Session) closeLocked(term domain.Termination, winner *domain.Side, now time.Time) *domain.GameRecord {
	snap := s.clock.Snapshot()
	rec := &domain.GameRecord{
		RoomID:       s.id,
		WhiteName:    s.identities[domain.White],
		BlackName:    s.identities[domain.Black],
		TimeControl:  s.tc,
		Termination:  term,
		Winner:       winner,
		FinalFEN:     s.lastPosition,
		MoveCount:    s.moves,
		ChatCount:    s.chat.Len(),
		WhiteTimeSec: snap.White,
		BlackTimeSec: snap.Black,
		StartedAt:    s.startedAt,
		EndedAt:      now,
	}
	s.closed = true
	s.conns = [2]Conn{}
	s.clock = nil
	s.chat = nil
	return rec
}

func toDTOClock(s gameclock.Snapshot) arenadto.Clock {
	return arenadto.Clock{WhiteTime: s.White, BlackTime: s.Black, CurrentTurn: s.ToMove.String()}
}

func toDTOTimeControl(tc domain.TimeControl) arenadto.TimeControl {
	return arenadto.TimeControl{Time: tc.BaseSeconds, Increment: tc.IncrementSeconds}
}

func toDTOChat(rec chatlog.Record) arenadto.ChatRecord {
	return arenadto.ChatRecord{Username: rec.Identity, Message: rec.Text, Timestamp: rec.At, System: rec.System}
}

func chatEvent(rec chatlog.Record) arenadto.Event {
	return arenadto.Event{Type: arenadto.TypeChatMessage, Data: toDTOChat(rec)}
}
