package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Side identifies one of the two seats in a game.
type Side int

const (
	White Side = iota
	Black
)

func (s Side) String() string {
	if s == Black {
		return "black"
	}
	return "white"
}

// Opponent returns the other seat.
func (s Side) Opponent() Side {
	if s == White {
		return Black
	}
	return White
}

func (s Side) Valid() bool { return s == White || s == Black }

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "white", "w":
		*s = White
	case "black", "b":
		*s = Black
	default:
		return fmt.Errorf("unknown side %q", string(b))
	}
	return nil
}

var ErrInvalidTimeControl = errors.New("invalid time control")

// TimeControl is comparable and doubles as the matchmaking key.
type TimeControl struct {
	BaseSeconds      int `json:"time"`
	IncrementSeconds int `json:"increment"`
}

func (tc TimeControl) Validate() error {
	if tc.BaseSeconds < 0 || tc.IncrementSeconds < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeControl, tc)
	}
	return nil
}

func (tc TimeControl) String() string {
	return fmt.Sprintf("%d+%d", tc.BaseSeconds, tc.IncrementSeconds)
}

// Termination is the reason a game ended.
type Termination string

const (
	TerminationNone                 Termination = ""
	TerminationCheckmate            Termination = "checkmate"
	TerminationStalemate            Termination = "stalemate"
	TerminationInsufficientMaterial Termination = "insufficient_material"
	TerminationResignation          Termination = "resignation"
	TerminationDrawAgreed           Termination = "draw_agreed"
	TerminationForfeit              Termination = "forfeit"
)

// IsDraw reports terminations that never carry a winner.
func (t Termination) IsDraw() bool {
	switch t {
	case TerminationStalemate, TerminationInsufficientMaterial, TerminationDrawAgreed:
		return true
	default:
		return false
	}
}

// GameRecord is the archived summary of a finished game.
type GameRecord struct {
	RoomID       string      `json:"room_id"`
	WhiteName    string      `json:"white_name"`
	BlackName    string      `json:"black_name"`
	TimeControl  TimeControl `json:"time_control"`
	Termination  Termination `json:"termination"`
	Winner       *Side       `json:"winner,omitempty"`
	FinalFEN     string      `json:"final_fen,omitempty"`
	MoveCount    int         `json:"move_count"`
	ChatCount    int         `json:"chat_count"`
	WhiteTimeSec int         `json:"white_time"`
	BlackTimeSec int         `json:"black_time"`
	StartedAt    time.Time   `json:"started_at"`
	EndedAt      time.Time   `json:"ended_at"`
}

// Result returns the PGN-style result token.
func (g *GameRecord) Result() string {
	if g == nil {
		return "*"
	}
	if g.Winner != nil {
		if *g.Winner == White {
			return "1-0"
		}
		return "0-1"
	}
	if g.Termination.IsDraw() {
		return "1/2-1/2"
	}
	return "*"
}
