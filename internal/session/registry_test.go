package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/pkg/arenadto"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []arenadto.Event
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev arenadto.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *fakeConn) last(typ string) (arenadto.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == typ {
			return c.events[i], true
		}
	}
	return arenadto.Event{}, false
}

type memRecorder struct {
	mu      sync.Mutex
	records []*domain.GameRecord
}

func (m *memRecorder) Record(_ context.Context, rec *domain.GameRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

var ongoing = rules.OracleFunc(func(string) (rules.Verdict, error) { return rules.Verdict{}, nil })

const mateFEN = "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3"

func newTestRegistry(t *testing.T, oracle rules.Oracle, opts ...Option) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewRegistry(oracle, append([]Option{WithClock(fc)}, opts...)...), fc
}

func seat(t *testing.T, r *Registry, tc domain.TimeControl) (*Session, *fakeConn, *fakeConn) {
	t.Helper()
	w, b := &fakeConn{id: "cw"}, &fakeConn{id: "cb"}
	s, err := r.Create(tc, Participant{"alice", w}, Participant{"bob", b})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s, w, b
}

func TestCreateIndexesAndAnnounce(t *testing.T) {
	r, _ := newTestRegistry(t, ongoing)
	s, w, b := seat(t, r, domain.TimeControl{BaseSeconds: 300})

	if len(s.ID()) != roomIDLength {
		t.Fatalf("room id %q has length %d", s.ID(), len(s.ID()))
	}
	if got, ok := r.LookupByIdentity("bob"); !ok || got != s {
		t.Fatalf("LookupByIdentity(bob) = %v, %v", got, ok)
	}
	if !r.Announce(s.ID()) {
		t.Fatalf("Announce returned false")
	}
	ev, ok := w.last(arenadto.TypeInit)
	if !ok {
		t.Fatalf("white got no init: %v", w.types())
	}
	got := ev.Data.(arenadto.Init)
	if got.Color != "white" || got.Opponent != "bob" || got.Clock.WhiteTime != 300 || got.Clock.CurrentTurn != "white" {
		t.Fatalf("white init = %+v", got)
	}
	ev, _ = b.last(arenadto.TypeInit)
	if c := ev.Data.(arenadto.Init).Color; c != "black" {
		t.Fatalf("black init color = %q", c)
	}
}

func TestCreateRejectsSameIdentity(t *testing.T) {
	r, _ := newTestRegistry(t, ongoing)
	_, err := r.Create(domain.TimeControl{BaseSeconds: 60}, Participant{"a", &fakeConn{id: "1"}}, Participant{"a", &fakeConn{id: "2"}})
	if !errors.Is(err, ErrInvalidParticipants) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateRejectsSeatedIdentity(t *testing.T) {
	r, _ := newTestRegistry(t, ongoing)
	s, _, _ := seat(t, r, domain.TimeControl{BaseSeconds: 300})
	if !r.Seated("alice") || r.Seated("carol") {
		t.Fatalf("Seated(alice)=%v Seated(carol)=%v", r.Seated("alice"), r.Seated("carol"))
	}

	_, err := r.Create(domain.TimeControl{BaseSeconds: 300}, Participant{"carol", &fakeConn{id: "cc"}}, Participant{"alice", &fakeConn{id: "ca"}})
	if !errors.Is(err, ErrAlreadySeated) {
		t.Fatalf("err = %v", err)
	}
	if got, _ := r.LookupByIdentity("alice"); got != s || r.Len() != 1 {
		t.Fatalf("alice moved to %v, sessions=%d", got, r.Len())
	}

	r.ApplyResign(context.Background(), s.ID(), domain.White)
	if r.Seated("alice") {
		t.Fatalf("alice still seated after the game ended")
	}
	if _, err := r.Create(domain.TimeControl{BaseSeconds: 300}, Participant{"carol", &fakeConn{id: "cc"}}, Participant{"alice", &fakeConn{id: "ca"}}); err != nil {
		t.Fatalf("Create after game end: %v", err)
	}
}

func TestRoomIDCollisionRetriesThenExhausts(t *testing.T) {
	ids := []string{"room000001", "room000001", "room000002"}
	var n int
	gen := func() (string, error) {
		id := ids[min(n, len(ids)-1)]
		n++
		return id, nil
	}
	r, _ := newTestRegistry(t, ongoing, WithRoomIDGenerator(gen))
	tc := domain.TimeControl{BaseSeconds: 60}
	s1, err := r.Create(tc, Participant{"a", &fakeConn{id: "1"}}, Participant{"b", &fakeConn{id: "2"}})
	if err != nil || s1.ID() != "room000001" {
		t.Fatalf("first create = %v, %v", s1, err)
	}
	s2, err := r.Create(tc, Participant{"c", &fakeConn{id: "3"}}, Participant{"d", &fakeConn{id: "4"}})
	if err != nil || s2.ID() != "room000002" {
		t.Fatalf("second create = %v, %v", s2, err)
	}

	stuck, _ := newTestRegistry(t, ongoing, WithRoomIDGenerator(func() (string, error) { return "same", nil }))
	if _, err := stuck.Create(tc, Participant{"a", &fakeConn{id: "1"}}, Participant{"b", &fakeConn{id: "2"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = stuck.Create(tc, Participant{"c", &fakeConn{id: "3"}}, Participant{"d", &fakeConn{id: "4"}})
	if !errors.Is(err, ErrRoomIDExhausted) {
		t.Fatalf("err = %v, want ErrRoomIDExhausted", err)
	}
}

func TestApplyMoveChargesMover(t *testing.T) {
	r, fc := newTestRegistry(t, ongoing)
	s, w, b := seat(t, r, domain.TimeControl{BaseSeconds: 300})

	fc.Advance(7 * time.Second)
	res, ok := r.ApplyMove(context.Background(), s.ID(), domain.White, json.RawMessage(`{"from":"e2","to":"e4"}`), "pos1")
	if !ok || res.Ended {
		t.Fatalf("ApplyMove = %+v, %v", res, ok)
	}
	if res.Clock.White != 293 || res.Clock.Black != 300 || res.Clock.ToMove != domain.Black {
		t.Fatalf("clock = %+v", res.Clock)
	}
	for _, c := range []*fakeConn{w, b} {
		ev, ok := c.last(arenadto.TypeMove)
		if !ok {
			t.Fatalf("%s got no move: %v", c.id, c.types())
		}
		mv := ev.Data.(arenadto.Move)
		if mv.Position != "pos1" || mv.Clock.WhiteTime != 293 || mv.Clock.CurrentTurn != "black" {
			t.Fatalf("%s move = %+v", c.id, mv)
		}
	}
}

func TestApplyMoveCheckmateEndsSession(t *testing.T) {
	rec := &memRecorder{}
	r, _ := newTestRegistry(t, rules.NewChessOracle(), WithRecorder(rec))
	s, w, b := seat(t, r, domain.TimeControl{BaseSeconds: 60, IncrementSeconds: 1})

	res, ok := r.ApplyMove(context.Background(), s.ID(), domain.Black, nil, mateFEN)
	if !ok || !res.Ended || res.Verdict.Termination != domain.TerminationCheckmate {
		t.Fatalf("ApplyMove = %+v, %v", res, ok)
	}
	for _, c := range []*fakeConn{w, b} {
		ev, ok := c.last(arenadto.TypeCheckmate)
		if !ok || ev.Data.(arenadto.Checkmate).WinningSide != "black" {
			t.Fatalf("%s checkmate event = %+v, %v", c.id, ev, ok)
		}
	}
	if _, ok := r.LookupByRoom(s.ID()); ok {
		t.Fatalf("session still indexed after checkmate")
	}
	if _, ok := r.LookupByIdentity("alice"); ok {
		t.Fatalf("identity still indexed after checkmate")
	}
	if s.Active() {
		t.Fatalf("session still active")
	}
	if len(rec.records) != 1 || rec.records[0].Result() != "0-1" || rec.records[0].MoveCount != 1 {
		t.Fatalf("records = %+v", rec.records)
	}
	if _, ok := r.ApplyMove(context.Background(), s.ID(), domain.White, nil, mateFEN); ok {
		t.Fatalf("move applied to finished session")
	}
}

func TestApplyMoveOracleErrorKeepsGameGoing(t *testing.T) {
	broken := rules.OracleFunc(func(string) (rules.Verdict, error) { return rules.Verdict{}, rules.ErrInvalidPosition })
	r, _ := newTestRegistry(t, broken)
	s, w, _ := seat(t, r, domain.TimeControl{BaseSeconds: 60})
	res, ok := r.ApplyMove(context.Background(), s.ID(), domain.White, nil, "garbage")
	if !ok || res.Ended {
		t.Fatalf("ApplyMove = %+v, %v", res, ok)
	}
	if _, ok := w.last(arenadto.TypeMove); !ok {
		t.Fatalf("move not relayed")
	}
}

func TestApplyChatRequiresSeat(t *testing.T) {
	r, fc := newTestRegistry(t, ongoing)
	s, w, b := seat(t, r, domain.TimeControl{BaseSeconds: 60})
	if r.ApplyChat(s.ID(), "mallory", "hi") {
		t.Fatalf("chat from unseated identity accepted")
	}
	if !r.ApplyChat(s.ID(), "alice", "hello") {
		t.Fatalf("chat from seated identity rejected")
	}
	for _, c := range []*fakeConn{w, b} {
		ev, ok := c.last(arenadto.TypeChatMessage)
		if !ok {
			t.Fatalf("%s got no chat", c.id)
		}
		cr := ev.Data.(arenadto.ChatRecord)
		if cr.Username != "alice" || cr.Message != "hello" || !cr.Timestamp.Equal(fc.Now()) {
			t.Fatalf("%s chat = %+v", c.id, cr)
		}
	}
	if h := s.ChatHistory(); len(h) != 1 {
		t.Fatalf("history = %+v", h)
	}
}

func TestResignAndDrawRecordResult(t *testing.T) {
	rec := &memRecorder{}
	r, _ := newTestRegistry(t, ongoing, WithRecorder(rec))

	s1, _, b := seat(t, r, domain.TimeControl{BaseSeconds: 60})
	if !r.ApplyResign(context.Background(), s1.ID(), domain.White) {
		t.Fatalf("resign failed")
	}
	ev, ok := b.last(arenadto.TypeResigned)
	if !ok || ev.Data.(arenadto.Resigned).Side != "white" {
		t.Fatalf("resigned event = %+v", ev)
	}

	s2, w2, _ := seat(t, r, domain.TimeControl{BaseSeconds: 60})
	if !r.ApplyDrawAccepted(context.Background(), s2.ID()) {
		t.Fatalf("draw failed")
	}
	if _, ok := w2.last(arenadto.TypeDrawAccepted); !ok {
		t.Fatalf("drawAccepted not broadcast")
	}
	if len(rec.records) != 2 || rec.records[0].Result() != "0-1" || rec.records[1].Result() != "1/2-1/2" {
		t.Fatalf("records = %+v", rec.records)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d", r.Len())
	}
}

// stuckRecorder blocks until its context ends, like a store that never
// answers.
type stuckRecorder struct {
	got chan error
}

func (s *stuckRecorder) Record(ctx context.Context, _ *domain.GameRecord) error {
	<-ctx.Done()
	s.got <- ctx.Err()
	return ctx.Err()
}

func TestRecordIsBoundedAndOutlivesCaller(t *testing.T) {
	rec := &stuckRecorder{got: make(chan error, 1)}
	r, _ := newTestRegistry(t, ongoing, WithRecorder(rec), WithRecordTimeout(50*time.Millisecond))
	s, _, _ := seat(t, r, domain.TimeControl{BaseSeconds: 60})

	// A canceled caller must not abort the record.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan bool, 1)
	go func() { done <- r.ApplyResign(ctx, s.ID(), domain.White) }()

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("resign failed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ApplyResign blocked on a stuck recorder")
	}
	if err := <-rec.got; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("recorder ctx ended with %v, want deadline", err)
	}
}

func TestDetachReconnectForfeitGenerations(t *testing.T) {
	r, _ := newTestRegistry(t, ongoing)
	s, _, b := seat(t, r, domain.TimeControl{BaseSeconds: 60})

	d, ok := r.Detach(s.ID(), "cw")
	if !ok || d.Side != domain.White || d.Identity != "alice" {
		t.Fatalf("Detach = %+v, %v", d, ok)
	}
	if _, ok := r.Detach(s.ID(), "cw"); ok {
		t.Fatalf("second detach succeeded")
	}
	if _, ok := b.last(arenadto.TypeOpponentDisconnected); !ok {
		t.Fatalf("opponent not told about disconnect: %v", b.types())
	}

	back := &fakeConn{id: "cw2"}
	ra, err := r.Reconnect(s.ID(), "alice", back)
	if err != nil || ra.Side != domain.White || ra.Opponent != "bob" {
		t.Fatalf("Reconnect = %+v, %v", ra, err)
	}
	if got := back.types(); len(got) != 2 || got[0] != arenadto.TypeInit || got[1] != arenadto.TypeChatHistory {
		t.Fatalf("returning conn events = %v", got)
	}
	if ev, _ := back.last(arenadto.TypeInit); !ev.Data.(arenadto.Init).Resumed {
		t.Fatalf("init not marked resumed")
	}
	if _, ok := b.last(arenadto.TypeOpponentReconnected); !ok {
		t.Fatalf("opponent not told about reconnect")
	}
	if _, err := r.Reconnect(s.ID(), "alice", &fakeConn{id: "cw3"}); !errors.Is(err, ErrSideOccupied) {
		t.Fatalf("double reconnect err = %v", err)
	}
	if _, err := r.Reconnect(s.ID(), "mallory", &fakeConn{id: "x"}); !errors.Is(err, ErrNotSeated) {
		t.Fatalf("unseated reconnect err = %v", err)
	}

	// The timer armed for the first detach must not fire after a reconnect.
	if r.Forfeit(context.Background(), s.ID(), domain.White, d.Generation) {
		t.Fatalf("stale forfeit applied")
	}

	d2, _ := r.Detach(s.ID(), "cw2")
	if r.Forfeit(context.Background(), s.ID(), domain.White, d.Generation) {
		t.Fatalf("forfeit with old generation applied")
	}
	if !r.Forfeit(context.Background(), s.ID(), domain.White, d2.Generation) {
		t.Fatalf("forfeit with current generation rejected")
	}
	ev, ok := b.last(arenadto.TypeResigned)
	if !ok || ev.Data.(arenadto.Resigned).Reason != string(domain.TerminationForfeit) {
		t.Fatalf("resigned event = %+v", ev)
	}
	chat, _ := b.last(arenadto.TypeChatMessage)
	if msg := chat.Data.(arenadto.ChatRecord).Message; msg != "alice forfeited due to disconnect" {
		t.Fatalf("forfeit notice = %q", msg)
	}
	if _, err := r.Reconnect(s.ID(), "alice", back); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("reconnect after forfeit err = %v", err)
	}
}

func TestConcurrentMovesKeepClockConsistent(t *testing.T) {
	r, _ := newTestRegistry(t, ongoing)
	s, _, _ := seat(t, r, domain.TimeControl{BaseSeconds: 60, IncrementSeconds: 1})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := domain.White
			if i%2 == 1 {
				side = domain.Black
			}
			r.ApplyMove(context.Background(), s.ID(), side, nil, "p")
			r.ApplyChat(s.ID(), "alice", "x")
		}(i)
	}
	wg.Wait()

	snap := s.Clock()
	if snap.White != 85 || snap.Black != 85 {
		t.Fatalf("clock = %+v, want 85/85 after 25 increments each", snap)
	}
	if n := len(s.ChatHistory()); n != 50 {
		t.Fatalf("chat len = %d", n)
	}
}
