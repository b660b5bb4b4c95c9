package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/park285/cheese-arena/internal/admin"
	"github.com/park285/cheese-arena/pkg/arenadto"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func main() {
	wsURL := getenv("ARENA_WS_URL", "ws://localhost:3000/")
	adminURL := os.Getenv("ARENA_ADMIN_URL")
	identity := getenv("ARENA_CHECK_IDENTITY", "arenacheck")
	base, _ := strconv.Atoi(getenv("ARENA_CHECK_TIME", "300"))
	inc, _ := strconv.Atoi(getenv("ARENA_CHECK_INCREMENT", "5"))

	if adminURL != "" {
		client := admin.NewClient(adminURL, admin.WithTimeout(5*time.Second))
		ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if h, err := client.Health(ctx); err != nil {
			log.Printf("/healthz error: %v", err)
		} else {
			log.Printf("/healthz %s checks=%v", h.Status, h.Checks)
		}
		if st, err := client.Stats(ctx); err != nil {
			log.Printf("/stats error: %v", err)
		} else {
			log.Printf("/stats sessions=%d queued=%v online=%d connections=%d pending_forfeits=%d",
				st.Sessions, st.Queued, st.Online, st.Connections, st.PendingForfeits)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		log.Fatalf("ws dial error: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "arenacheck done")

	send := func(typ string, data any) {
		if err := wsjson.Write(ctx, c, map[string]any{"type": typ, "data": data}); err != nil {
			log.Fatalf("ws write %s: %v", typ, err)
		}
	}
	send(arenadto.TypeRegister, arenadto.RegisterRequest{Identity: identity})
	send(arenadto.TypeStartGame, map[string]int{"time": base, "increment": inc})

	// Print whatever arrives until the window closes; a lone client sees
	// registered then waiting.
	for {
		var ev arenadto.Inbound
		if err := wsjson.Read(ctx, c, &ev); err != nil {
			if ctx.Err() == nil {
				log.Printf("ws read: %v", err)
			}
			return
		}
		fmt.Printf("event type=%s data=%s\n", ev.Type, ev.Data)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
