// Package rules answers terminal-state questions about a board position.
// Move legality is not checked here; positions are trusted.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/cheese-arena/internal/domain"
)

var ErrInvalidPosition = errors.New("invalid board position")

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Verdict is the oracle's answer for a position. Winner is set only for checkmate.
type Verdict struct {
	Termination domain.Termination
	Winner      *domain.Side
}

func (v Verdict) Terminal() bool { return v.Termination != domain.TerminationNone }

// Oracle evaluates a serialized board position.
type Oracle interface {
	Evaluate(position string) (Verdict, error)
}

// ChessOracle reads FEN positions.
type ChessOracle struct{}

func NewChessOracle() ChessOracle { return ChessOracle{} }

func (ChessOracle) Evaluate(position string) (Verdict, error) {
	fen := strings.TrimSpace(position)
	if fen == "" {
		return Verdict{}, ErrInvalidPosition
	}
	if strings.EqualFold(fen, "startpos") {
		fen = startFEN
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	game := nchess.NewGame(opt)

	switch game.Method() {
	case nchess.Checkmate:
		winner := domain.White
		if game.Outcome() == nchess.BlackWon {
			winner = domain.Black
		}
		return Verdict{Termination: domain.TerminationCheckmate, Winner: &winner}, nil
	case nchess.Stalemate:
		return Verdict{Termination: domain.TerminationStalemate}, nil
	case nchess.InsufficientMaterial:
		return Verdict{Termination: domain.TerminationInsufficientMaterial}, nil
	}
	return Verdict{}, nil
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(position string) (Verdict, error)

func (f OracleFunc) Evaluate(position string) (Verdict, error) { return f(position) }
