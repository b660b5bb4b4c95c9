package arenadto

import "time"

// Outbound event names.
const (
	TypeRegistered           = "registered"
	TypeRegisterRejected     = "registerRejected"
	TypeWaiting              = "waiting"
	TypeInit                 = "init"
	TypeChatHistory          = "chatHistory"
	TypeChatMessage          = "chatMessage"
	TypeMove                 = "move"
	TypeCheckmate            = "checkmate"
	TypeGameDrawn            = "gameDrawn"
	TypeDrawOffered          = "drawOffered"
	TypeDrawAccepted         = "drawAccepted"
	TypeDrawDeclined         = "drawDeclined"
	TypeResigned             = "resigned"
	TypeOpponentDisconnected = "opponentDisconnected"
	TypeOpponentReconnected  = "opponentReconnected"
)

// Event is the outbound envelope written to a connection.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type Clock struct {
	WhiteTime   int    `json:"whiteTime"`
	BlackTime   int    `json:"blackTime"`
	CurrentTurn string `json:"currentTurn"`
}

type TimeControl struct {
	Time      int `json:"time"`
	Increment int `json:"increment"`
}

type Registered struct {
	Identity string `json:"identity"`
}

type RegisterRejected struct {
	Reason string `json:"reason"`
}

type Waiting struct {
	TimeControl TimeControl `json:"timeControl"`
}

type Init struct {
	RoomID      string      `json:"room"`
	Color       string      `json:"color"`
	Opponent    string      `json:"opponent"`
	Clock       Clock       `json:"clock"`
	TimeControl TimeControl `json:"timeControl"`
	Resumed     bool        `json:"resumed,omitempty"`
}

type ChatRecord struct {
	Username  string    `json:"username,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	System    bool      `json:"system,omitempty"`
}

type ChatHistory struct {
	Records []ChatRecord `json:"records"`
}

type Move struct {
	Move     any    `json:"move"`
	Position string `json:"position"`
	Clock    Clock  `json:"clock"`
}

type Checkmate struct {
	WinningSide string `json:"winningSide"`
}

type GameDrawn struct {
	Reason string `json:"reason"`
}

type Resigned struct {
	Side   string `json:"side"`
	Reason string `json:"reason,omitempty"`
}

type OpponentStatus struct {
	Opponent string `json:"opponent"`
}
