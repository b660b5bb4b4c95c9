// Package archive stores summaries of finished games. It is post-game history
// only; live sessions are never persisted.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultHistoryLimit = 20
)

func gameKey(roomID string) string      { return "arena:game:" + strings.TrimSpace(roomID) }
func idxUserKey(identity string) string { return "arena:index:user:" + strings.TrimSpace(identity) }

// RedisStore keeps recent game records and a per-identity recency list.
type RedisStore struct {
	rdb          *redis.Client
	ttl          time.Duration
	historyLimit int64
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(rdb), nil
}

func NewRedisStoreWithClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: defaultTTL, historyLimit: defaultHistoryLimit}
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Record saves rec and pushes it onto both players' history lists.
func (s *RedisStore) Record(ctx context.Context, rec *domain.GameRecord) error {
	if rec == nil || strings.TrimSpace(rec.RoomID) == "" {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, gameKey(rec.RoomID), b, s.ttl)
	for _, identity := range []string{rec.WhiteName, rec.BlackName} {
		if strings.TrimSpace(identity) == "" {
			continue
		}
		key := idxUserKey(identity)
		pipe.LPush(ctx, key, rec.RoomID)
		pipe.LTrim(ctx, key, 0, s.historyLimit-1)
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive game %s: %w", rec.RoomID, err)
	}
	return nil
}

// Get loads one record. A missing or expired record returns nil, nil.
func (s *RedisStore) Get(ctx context.Context, roomID string) (*domain.GameRecord, error) {
	b, err := s.rdb.Get(ctx, gameKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec domain.GameRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecentByIdentity returns up to limit records for identity, newest first.
// Records that have expired are skipped.
func (s *RedisStore) RecentByIdentity(ctx context.Context, identity string, limit int) ([]*domain.GameRecord, error) {
	if limit <= 0 || int64(limit) > s.historyLimit {
		limit = int(s.historyLimit)
	}
	ids, err := s.rdb.LRange(ctx, idxUserKey(identity), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*domain.GameRecord{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = gameKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.GameRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.GameRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}
