package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	ListenAddr     string
	AdminAddr      string
	AllowedOrigins []string

	ForfeitGrace   time.Duration
	SendBuffer     int
	PingInterval   time.Duration
	MaxIdentityLen int
	MaxChatLen     int

	MessagesDir string

	RedisURL    string
	DatabaseURL string
}

// Load reads the process environment, after merging an optional .env file
// (ARENA_ENV_FILE, default ".env"). Variables already set are not overridden.
func Load() (*AppConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		ListenAddr:     ":3000",
		AllowedOrigins: []string{"https://chessfantazy.com"},
		ForfeitGrace:   80 * time.Second,
		SendBuffer:     64,
		PingInterval:   30 * time.Second,
		MaxIdentityLen: 32,
		MaxChatLen:     500,
	}

	if v := strings.TrimSpace(os.Getenv("ARENA_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	} else if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("PORT: %q is not a number", v)
		}
		cfg.ListenAddr = ":" + v
	}
	cfg.AdminAddr = strings.TrimSpace(os.Getenv("ARENA_ADMIN_ADDR"))

	if v := strings.TrimSpace(os.Getenv("ARENA_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	if v := strings.TrimSpace(os.Getenv("ARENA_FORFEIT_GRACE")); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("ARENA_FORFEIT_GRACE: invalid value %q", v)
		}
		cfg.ForfeitGrace = d
	}
	if v := strings.TrimSpace(os.Getenv("ARENA_PING_INTERVAL")); v != "" {
		d, err := parseSecondsOrDuration(v)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("ARENA_PING_INTERVAL: invalid value %q", v)
		}
		cfg.PingInterval = d
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ARENA_SEND_BUFFER", &cfg.SendBuffer},
		{"ARENA_MAX_IDENTITY_LEN", &cfg.MaxIdentityLen},
		{"ARENA_MAX_CHAT_LEN", &cfg.MaxChatLen},
	}
	for _, it := range ints {
		v := strings.TrimSpace(os.Getenv(it.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s: invalid value %q", it.key, v)
		}
		*it.dst = n
	}

	cfg.MessagesDir = strings.TrimSpace(os.Getenv("ARENA_MESSAGES_DIR"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if len(cfg.AllowedOrigins) == 0 {
		return nil, errors.New("ARENA_ALLOWED_ORIGINS must name at least one origin or *")
	}
	return cfg, nil
}

func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv("ARENA_ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("ARENA_ENV_FILE: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// parseSecondsOrDuration accepts "80" or "1m20s".
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
