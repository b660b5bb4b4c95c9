// Package gameclock keeps the two per-side countdowns of a single game.
//
// A Clock is not safe for concurrent use; its owning session serialises access.
package gameclock

import (
	"time"

	"github.com/park285/cheese-arena/internal/domain"
)

// Snapshot is the broadcast view of a clock.
type Snapshot struct {
	White  int         `json:"whiteTime"`
	Black  int         `json:"blackTime"`
	ToMove domain.Side `json:"currentTurn"`
}

// Remaining returns the seconds left for side.
func (s Snapshot) Remaining(side domain.Side) int {
	if side == domain.Black {
		return s.Black
	}
	return s.White
}

type Clock struct {
	remaining   [2]int
	increment   int
	toMove      domain.Side
	lastEventAt time.Time
}

// New starts a clock with both sides at the base time and White to move.
func New(tc domain.TimeControl, start time.Time) *Clock {
	base := max(tc.BaseSeconds, 0)
	return &Clock{
		remaining:   [2]int{base, base},
		increment:   max(tc.IncrementSeconds, 0),
		toMove:      domain.White,
		lastEventAt: start,
	}
}

// OnMoveCommitted charges the side to move for the whole seconds elapsed since
// the previous event, clamps at zero, credits the increment and hands the
// move to the other side.
func (c *Clock) OnMoveCommitted(now time.Time) Snapshot {
	elapsed := int(now.Sub(c.lastEventAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	side := c.toMove
	left := c.remaining[side] - elapsed
	if left < 0 {
		left = 0
	}
	c.remaining[side] = left + c.increment
	c.toMove = side.Opponent()
	c.lastEventAt = now
	return c.Snapshot()
}

func (c *Clock) Snapshot() Snapshot {
	return Snapshot{
		White:  c.remaining[domain.White],
		Black:  c.remaining[domain.Black],
		ToMove: c.toMove,
	}
}

