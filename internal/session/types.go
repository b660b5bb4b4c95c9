package session

import (
	"context"
	"errors"

	"github.com/park285/cheese-arena/internal/chatlog"
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/gameclock"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

// Conn is a live client connection. Send must not block.
type Conn interface {
	ID() string
	Send(ev arenadto.Event) error
}

// Participant seats an identity with its connection.
type Participant struct {
	Identity string
	Conn     Conn
}

// Recorder receives the summary of every finished game.
type Recorder interface {
	Record(ctx context.Context, rec *domain.GameRecord) error
}

var (
	ErrStaleSession        = errors.New("session no longer active")
	ErrSideOccupied        = errors.New("side already has a live connection")
	ErrNotSeated           = errors.New("identity is not seated in this session")
	ErrRoomIDExhausted     = errors.New("could not allocate a unique room id")
	ErrInvalidParticipants = errors.New("invalid participants")
	ErrAlreadySeated       = errors.New("identity is already seated in a live session")
)

// MoveResult is returned by ApplyMove. Ended is set when the verdict was
// terminal and the session has been torn down.
type MoveResult struct {
	Clock   gameclock.Snapshot
	Verdict rules.Verdict
	Ended   bool
}

// Detached describes a seat that just lost its connection.
type Detached struct {
	RoomID     string
	Side       domain.Side
	Identity   string
	Generation uint64
}

// Reattached describes a seat that was rebound to a new connection.
type Reattached struct {
	RoomID   string
	Side     domain.Side
	Opponent string
	Clock    gameclock.Snapshot
	Chat     []chatlog.Record
}
