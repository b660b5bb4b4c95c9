package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var arenaKeys = []string{
	"ARENA_ENV_FILE", "ARENA_LISTEN_ADDR", "PORT", "ARENA_ADMIN_ADDR", "ARENA_ALLOWED_ORIGINS",
	"ARENA_FORFEIT_GRACE", "ARENA_PING_INTERVAL", "ARENA_SEND_BUFFER", "ARENA_MAX_IDENTITY_LEN",
	"ARENA_MAX_CHAT_LEN", "ARENA_MESSAGES_DIR", "REDIS_URL", "DATABASE_URL",
}

// clearEnv blanks every key Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range arenaKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":3000" || cfg.ForfeitGrace != 80*time.Second || cfg.MaxIdentityLen != 32 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://chessfantazy.com" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("ARENA_ALLOWED_ORIGINS", "https://a.example, http://localhost:5173 ,")
	t.Setenv("ARENA_FORFEIT_GRACE", "90")
	t.Setenv("ARENA_PING_INTERVAL", "15s")
	t.Setenv("ARENA_SEND_BUFFER", "16")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.ForfeitGrace != 90*time.Second || cfg.PingInterval != 15*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.SendBuffer != 16 || cfg.RedisURL == "" {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("ARENA_LISTEN_ADDR", "127.0.0.1:9000")
	cfg, _ = Load()
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ARENA_LISTEN_ADDR ignored: %s", cfg.ListenAddr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	for key, val := range map[string]string{
		"PORT":                   "http",
		"ARENA_FORFEIT_GRACE":    "soon",
		"ARENA_SEND_BUFFER":      "-1",
		"ARENA_MAX_CHAT_LEN":     "lots",
		"ARENA_ALLOWED_ORIGINS":  " , ",
		"ARENA_PING_INTERVAL":    "-5s",
		"ARENA_MAX_IDENTITY_LEN": "0",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%q accepted", key, val)
			}
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "arena.env")
	if err := os.WriteFile(path, []byte("ARENA_ADMIN_ADDR=127.0.0.1:9100\nDATABASE_URL=postgres://x\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("ARENA_ENV_FILE", path)
	// godotenv only fills unset variables, so drop the blanks clearEnv set.
	os.Unsetenv("ARENA_ADMIN_ADDR")
	os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminAddr != "127.0.0.1:9100" || cfg.DatabaseURL != "postgres://x" {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("ARENA_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	if _, err := Load(); err == nil {
		t.Fatalf("missing explicit env file accepted")
	}
}
