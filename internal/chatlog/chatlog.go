// Package chatlog holds the append-only chat history of one room.
package chatlog

import (
	"iter"
	"slices"
	"time"
)

// Record is one stored chat line. Timestamps are always assigned by the server.
type Record struct {
	Identity string    `json:"username,omitempty"`
	Text     string    `json:"message"`
	At       time.Time `json:"timestamp"`
	System   bool      `json:"system,omitempty"`
}

// Log is not safe for concurrent use; the owning session serialises access.
type Log struct {
	records []Record
}

func New() *Log { return &Log{} }

func (l *Log) Append(identity, text string, now time.Time) Record {
	rec := Record{Identity: identity, Text: text, At: now}
	l.records = append(l.records, rec)
	return rec
}

// AppendSystem stores a server-authored notice.
func (l *Log) AppendSystem(text string, now time.Time) Record {
	rec := Record{Text: text, At: now, System: true}
	l.records = append(l.records, rec)
	return rec
}

// Snapshot yields the history as of the call. Iterating it any number of
// times yields the same records; later appends are not observed.
func (l *Log) Snapshot() iter.Seq[Record] {
	view := l.records[:len(l.records):len(l.records)]
	return func(yield func(Record) bool) {
		for _, rec := range view {
			if !yield(rec) {
				return
			}
		}
	}
}

// Records materialises a snapshot.
func (l *Log) Records() []Record {
	out := slices.Collect(l.Snapshot())
	if out == nil {
		return []Record{}
	}
	return out
}

func (l *Log) Len() int { return len(l.records) }
