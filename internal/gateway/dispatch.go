package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

var ErrMalformedEvent = errors.New("malformed event")

// Handler receives decoded client events. *binder.Binder implements it.
type Handler interface {
	Connect(conn session.Conn)
	Register(connID, identity string)
	StartGame(connID string, tc domain.TimeControl)
	Move(ctx context.Context, connID string, move json.RawMessage, position string)
	Chat(connID, text string)
	Resign(ctx context.Context, connID string)
	OfferDraw(connID string)
	AcceptDraw(ctx context.Context, connID string)
	DeclineDraw(connID string)
	Disconnect(connID string)
}

func malformed(typ string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMalformedEvent, typ)
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, typ, err)
}

// Dispatch decodes msg and hands it to h. Unknown types and bad payloads
// return ErrMalformedEvent and leave h untouched.
func Dispatch(ctx context.Context, h Handler, connID string, msg arenadto.Inbound) error {
	switch msg.Type {
	case arenadto.TypeRegister:
		var req arenadto.RegisterRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return malformed(msg.Type, err)
		}
		h.Register(connID, req.Identity)

	case arenadto.TypeStartGame:
		var req arenadto.StartGameRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return malformed(msg.Type, err)
		}
		if req.Time == nil || req.Increment == nil {
			return malformed(msg.Type, errors.New("time and increment are required"))
		}
		tc := domain.TimeControl{BaseSeconds: *req.Time, IncrementSeconds: *req.Increment}
		if err := tc.Validate(); err != nil {
			return malformed(msg.Type, err)
		}
		h.StartGame(connID, tc)

	case arenadto.TypeMoveIn:
		var req arenadto.MoveRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return malformed(msg.Type, err)
		}
		position := req.Board()
		if position == "" {
			return malformed(msg.Type, errors.New("position is required"))
		}
		h.Move(ctx, connID, req.Move, position)

	case arenadto.TypeChatIn:
		var req arenadto.ChatRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return malformed(msg.Type, err)
		}
		if strings.TrimSpace(req.Body()) == "" {
			return malformed(msg.Type, errors.New("text is required"))
		}
		h.Chat(connID, req.Body())

	case arenadto.TypeResign:
		h.Resign(ctx, connID)
	case arenadto.TypeOfferDraw:
		h.OfferDraw(connID)
	case arenadto.TypeDrawAcceptedIn:
		h.AcceptDraw(ctx, connID)
	case arenadto.TypeDrawDeclinedIn:
		h.DeclineDraw(connID)

	default:
		return malformed(msg.Type, errors.New("unknown event type"))
	}
	return nil
}
