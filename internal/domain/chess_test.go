package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSideOpponentAndText(t *testing.T) {
	if White.Opponent() != Black || Black.Opponent() != White {
		t.Fatalf("opponent mapping broken")
	}
	raw, err := json.Marshal(struct {
		S Side `json:"s"`
	}{S: Black})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"s":"black"}` {
		t.Fatalf("unexpected json: %s", raw)
	}
	var s Side
	if err := s.UnmarshalText([]byte("W")); err != nil || s != White {
		t.Fatalf("unmarshal W: side=%v err=%v", s, err)
	}
	if err := s.UnmarshalText([]byte("red")); err == nil {
		t.Fatalf("expected error for unknown side")
	}
}

func TestTimeControlValidate(t *testing.T) {
	if err := (TimeControl{BaseSeconds: 300, IncrementSeconds: 5}).Validate(); err != nil {
		t.Fatalf("valid tc rejected: %v", err)
	}
	err := (TimeControl{BaseSeconds: -1}).Validate()
	if !errors.Is(err, ErrInvalidTimeControl) {
		t.Fatalf("expected ErrInvalidTimeControl, got %v", err)
	}
	if got := (TimeControl{BaseSeconds: 180, IncrementSeconds: 2}).String(); got != "180+2" {
		t.Fatalf("String() = %q", got)
	}
}

func TestGameRecordResult(t *testing.T) {
	black := Black
	cases := []struct {
		rec  *GameRecord
		want string
	}{
		{&GameRecord{Termination: TerminationCheckmate, Winner: &black}, "0-1"},
		{&GameRecord{Termination: TerminationStalemate}, "1/2-1/2"},
		{&GameRecord{Termination: TerminationDrawAgreed}, "1/2-1/2"},
		{&GameRecord{}, "*"},
		{nil, "*"},
	}
	for _, c := range cases {
		if got := c.rec.Result(); got != c.want {
			t.Fatalf("Result() = %q, want %q", got, c.want)
		}
	}
}
