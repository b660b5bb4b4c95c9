package arenadto

import (
	"encoding/json"
	"strings"
)

// Inbound event names.
const (
	TypeRegister       = "register"
	TypeStartGame      = "startGame"
	TypeResign         = "resign"
	TypeOfferDraw      = "offerDraw"
	TypeDrawAcceptedIn = "drawAccepted"
	TypeDrawDeclinedIn = "drawDeclined"
	TypeMoveIn         = "move"
	TypeChatIn         = "chatMessage"
)

// Inbound is the envelope read from a connection.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RegisterRequest accepts either a bare JSON string or {"identity": "..."}.
type RegisterRequest struct {
	Identity string `json:"identity"`
}

func (r *RegisterRequest) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		r.Identity = s
		return nil
	}
	type plain RegisterRequest
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = RegisterRequest(p)
	return nil
}

type StartGameRequest struct {
	Time      *int `json:"time"`
	Increment *int `json:"increment"`
}

// MoveRequest carries the client move verbatim; position falls back to fen.
type MoveRequest struct {
	Move     json.RawMessage `json:"move"`
	Position string          `json:"position"`
	FEN      string          `json:"fen"`
}

func (m MoveRequest) Board() string {
	if p := strings.TrimSpace(m.Position); p != "" {
		return p
	}
	return strings.TrimSpace(m.FEN)
}

// ChatRequest accepts both {text} and the legacy {message}. A sender name in
// the payload is ignored; chat is posted under the registered identity.
type ChatRequest struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

func (c ChatRequest) Body() string {
	if c.Text != "" {
		return c.Text
	}
	return c.Message
}
