package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nhooyr.io/websocket"
)

// notifeed-tail follows the local feed stream and prints every update,
// the terminal equivalent of the dashboard's live view.
func main() {
	baseURL := flag.String("base-url", envOrDefault("NOTIFEED_BASE_URL", "http://127.0.0.1:8090"), "notifeed base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("NOTIFEED_LOCAL_TOKEN")), "bearer token for the local surface")
	reconnect := flag.Duration("reconnect", durationEnv("NOTIFEED_TAIL_RECONNECT", 3*time.Second), "delay before reconnecting")
	flag.Parse()

	streamURL, err := buildStreamURL(*baseURL)
	if err != nil {
		log.Fatalf("invalid base URL: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		if rootCtx.Err() != nil {
			return
		}
		if err := follow(rootCtx, streamURL, *token); err != nil && rootCtx.Err() == nil {
			log.Printf("stream disconnected: %v (reconnecting in %s)", err, *reconnect)
		}
		timer := time.NewTimer(*reconnect)
		select {
		case <-rootCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func follow(ctx context.Context, streamURL, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if token != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		opts.HTTPHeader = header
	}
	conn, _, err := websocket.Dial(dialCtx, streamURL, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("following %s", streamURL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		printUpdate(data)
	}
}

func printUpdate(data []byte) {
	var update struct {
		Kind        string `json:"kind"`
		Fresh       bool   `json:"fresh"`
		UnreadCount int    `json:"unreadCount"`
		Record      struct {
			ID       string `json:"id"`
			Category string `json:"category"`
			Title    string `json:"title"`
		} `json:"record"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		log.Printf("unreadable update: %v", err)
		return
	}
	switch update.Kind {
	case "snapshot":
		fmt.Printf("%s snapshot: %d records, %d unread\n", timestamp(), len(update.Records), update.UnreadCount)
	case "admitted":
		marker := "replay"
		if update.Fresh {
			marker = "fresh"
		}
		fmt.Printf("%s %s [%s] %s (%s), %d unread\n", timestamp(), marker, update.Record.Category, update.Record.Title, update.Record.ID, update.UnreadCount)
	default:
		fmt.Printf("%s %s, %d unread\n", timestamp(), update.Kind, update.UnreadCount)
	}
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

func buildStreamURL(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/feed/stream"
	return parsed.String(), nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
