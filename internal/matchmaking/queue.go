// Package matchmaking pairs waiting connections that asked for the same time
// control.
package matchmaking

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/session"
	"go.uber.org/zap"
)

// Entry is one waiting connection.
type Entry struct {
	Identity    string
	Conn        session.Conn
	TimeControl domain.TimeControl
	EnqueuedAt  time.Time
}

func (e Entry) connID() string {
	if e.Conn == nil {
		return ""
	}
	return e.Conn.ID()
}

// Pairer creates the session for a matched pair and returns its room id.
// It runs inside the queue's critical section.
type Pairer func(tc domain.TimeControl, white, black Entry) (string, error)

// ErrIneligible is returned by Enqueue for an entry the eligibility check
// refuses, such as an identity already seated in a live session.
var ErrIneligible = errors.New("entry is not eligible for matchmaking")

type Status int

const (
	Waiting Status = iota
	Matched
)

func (s Status) String() string {
	if s == Matched {
		return "matched"
	}
	return "waiting"
}

type Result struct {
	Status Status
	RoomID string
	White  Entry
	Black  Entry
}

type Queue struct {
	mu      sync.Mutex
	waiting map[domain.TimeControl][]Entry

	pair     Pairer
	eligible func(Entry) bool
	coin     func() bool
	clock  clockwork.Clock
	logger *zap.Logger
}

type Option func(*Queue)

// WithCoin replaces the side coin. A true flip gives White to the newcomer.
func WithCoin(coin func() bool) Option { return func(q *Queue) { q.coin = coin } }

// WithEligibility installs a check run under the queue lock on every
// newcomer and on every partner before it is paired.
func WithEligibility(ok func(Entry) bool) Option { return func(q *Queue) { q.eligible = ok } }

func WithClock(c clockwork.Clock) Option { return func(q *Queue) { q.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.logger = l } }

func New(pair Pairer, opts ...Option) *Queue {
	q := &Queue{
		waiting: make(map[domain.TimeControl][]Entry),
		pair:    pair,
		coin:    fairCoin,
		clock:   clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(q)
	}
	if q.logger == nil {
		q.logger = obslog.L()
	}
	return q
}

func fairCoin() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		obslog.L().Error("arena_coin_failed", zap.Error(err))
		return false
	}
	return n.Int64() == 1
}

// Enqueue pairs e with the oldest entry waiting on the same time control, or
// queues it. Popping the partner, choosing sides and creating the session are
// one critical section.
func (q *Queue) Enqueue(e Entry) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.clock.Now()
	}
	tc := e.TimeControl
	if !q.eligibleLocked(e) {
		q.logger.Info("arena_queue_refused",
			zap.String("identity", e.Identity),
			zap.String("time_control", tc.String()),
		)
		return Result{}, ErrIneligible
	}
	if key, idx, ok := q.findLocked(e.connID()); ok {
		if key == tc {
			return Result{Status: Waiting}, nil
		}
		q.removeAtLocked(key, idx)
	}

	var head Entry
	for {
		fifo := q.waiting[tc]
		if len(fifo) == 0 {
			q.waiting[tc] = append(fifo, e)
			q.logger.Debug("arena_queue_wait",
				zap.String("identity", e.Identity),
				zap.String("time_control", tc.String()),
			)
			return Result{Status: Waiting}, nil
		}
		head = fifo[0]
		q.setLocked(tc, fifo[1:])
		if q.eligibleLocked(head) {
			break
		}
		q.logger.Warn("arena_queue_dropped_stale",
			zap.String("identity", head.Identity),
			zap.String("time_control", tc.String()),
		)
	}

	white, black := head, e
	if q.coin() {
		white, black = e, head
	}
	roomID, err := q.pair(tc, white, black)
	if err != nil {
		q.setLocked(tc, append([]Entry{head}, append(q.waiting[tc], e)...))
		q.logger.Error("arena_pair_failed",
			zap.String("time_control", tc.String()),
			zap.String("first", head.Identity),
			zap.String("second", e.Identity),
			zap.Error(err),
		)
		return Result{Status: Waiting}, err
	}
	q.logger.Info("arena_match",
		zap.String("room_id", roomID),
		zap.String("white", white.Identity),
		zap.String("black", black.Identity),
		zap.String("time_control", tc.String()),
		zap.Duration("waited", q.clock.Since(head.EnqueuedAt)),
	)
	return Result{Status: Matched, RoomID: roomID, White: white, Black: black}, nil
}

// RemoveIfPresent drops the entry for connID from whichever FIFO holds it.
func (q *Queue) RemoveIfPresent(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, idx, ok := q.findLocked(connID)
	if !ok {
		return false
	}
	q.removeAtLocked(key, idx)
	return true
}

// Len returns the number of entries waiting on tc.
func (q *Queue) Len(tc domain.TimeControl) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting[tc])
}

// Stats returns waiting counts keyed by "base+increment".
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.waiting))
	for tc, fifo := range q.waiting {
		out[tc.String()] = len(fifo)
	}
	return out
}

func (q *Queue) eligibleLocked(e Entry) bool {
	return q.eligible == nil || q.eligible(e)
}

func (q *Queue) findLocked(connID string) (domain.TimeControl, int, bool) {
	if connID == "" {
		return domain.TimeControl{}, 0, false
	}
	for tc, fifo := range q.waiting {
		for i, e := range fifo {
			if e.connID() == connID {
				return tc, i, true
			}
		}
	}
	return domain.TimeControl{}, 0, false
}

func (q *Queue) removeAtLocked(tc domain.TimeControl, idx int) {
	fifo := q.waiting[tc]
	next := make([]Entry, 0, len(fifo)-1)
	next = append(next, fifo[:idx]...)
	next = append(next, fifo[idx+1:]...)
	q.setLocked(tc, next)
}

func (q *Queue) setLocked(tc domain.TimeControl, fifo []Entry) {
	if len(fifo) == 0 {
		delete(q.waiting, tc)
		return
	}
	q.waiting[tc] = fifo
}
