package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/park285/cheese-arena/internal/domain"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS arena_games (
    room_id       TEXT PRIMARY KEY,
    white_name    TEXT NOT NULL,
    black_name    TEXT NOT NULL,
    time_control  TEXT NOT NULL,
    result        TEXT NOT NULL,
    termination   TEXT NOT NULL,
    final_fen     TEXT NOT NULL DEFAULT '',
    move_count    INTEGER NOT NULL,
    chat_count    INTEGER NOT NULL,
    white_time    INTEGER NOT NULL,
    black_time    INTEGER NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT NOT NULL
)`

const upsertSQL = `INSERT INTO arena_games (
    room_id, white_name, black_name, time_control, result, termination,
    final_fen, move_count, chat_count, white_time, black_time,
    started_at, ended_at, duration_ms
  ) VALUES (
    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
  ) ON CONFLICT (room_id) DO UPDATE SET
    result=EXCLUDED.result,
    termination=EXCLUDED.termination,
    final_fen=EXCLUDED.final_fen,
    move_count=EXCLUDED.move_count,
    chat_count=EXCLUDED.chat_count,
    white_time=EXCLUDED.white_time,
    black_time=EXCLUDED.black_time,
    ended_at=EXCLUDED.ended_at,
    duration_ms=EXCLUDED.duration_ms`

// PostgresRepository writes finished games to the arena_games table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryWithDB wraps an open handle.
func NewPostgresRepositoryWithDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure arena_games: %w", err)
	}
	return nil
}

// Record upserts rec keyed by room id.
func (r *PostgresRepository) Record(ctx context.Context, rec *domain.GameRecord) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, upsertSQL, recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("save game %s: %w", rec.RoomID, err)
	}
	return nil
}

func recordArgs(rec *domain.GameRecord) []any {
	duration := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	return []any{
		rec.RoomID,
		rec.WhiteName, rec.BlackName,
		rec.TimeControl.String(),
		rec.Result(), string(rec.Termination),
		rec.FinalFEN, rec.MoveCount, rec.ChatCount,
		rec.WhiteTimeSec, rec.BlackTimeSec,
		rec.StartedAt, rec.EndedAt, duration,
	}
}
