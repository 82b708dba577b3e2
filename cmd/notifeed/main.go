package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harborview/notifeed/internal/feedapi"
	"github.com/harborview/notifeed/internal/notifeed"
)

func main() {
	addr := os.Getenv("NOTIFEED_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8090"
	}

	snapshot, err := notifeed.BuildSnapshotBackendFromDSN(os.Getenv("NOTIFEED_SNAPSHOT_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize snapshot backend: %v", err)
	}

	apiBaseURL := strings.TrimSpace(os.Getenv("NOTIFEED_API_BASE_URL"))
	apiToken := strings.TrimSpace(os.Getenv("NOTIFEED_API_TOKEN"))
	var api notifeed.NotificationAPI
	if apiBaseURL != "" {
		api = notifeed.NewAPIClient(apiBaseURL, apiToken, nil)
	} else {
		log.Printf("NOTIFEED_API_BASE_URL not set; running without a backend API")
	}

	session := notifeed.NewSession(notifeed.SessionOptions{
		API:             api,
		FreshWindow:     durationEnv("NOTIFEED_FRESH_WINDOW", 0),
		FailurePolicy:   notifeed.FailurePolicy(strings.TrimSpace(os.Getenv("NOTIFEED_FAILURE_POLICY"))),
		MutedCategories: categoriesEnv("NOTIFEED_MUTED_CATEGORIES"),
		Snapshot:        snapshot,
		Logger:          log.Default(),
	})
	defer session.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configFile := strings.TrimSpace(os.Getenv("NOTIFEED_CONFIG_FILE")); configFile != "" {
		watcher, err := notifeed.WatchSessionConfig(configFile, session.ApplyConfig, log.Default())
		if err != nil {
			log.Fatalf("failed to watch config file: %v", err)
		}
		defer watcher.Close()
	}

	if api != nil {
		refreshCtx, cancel := context.WithTimeout(rootCtx, durationEnv("NOTIFEED_REFRESH_TIMEOUT", 15*time.Second))
		if err := session.Refresh(refreshCtx, notifeed.HistoryFilter{}); err != nil {
			log.Printf("initial history fetch failed: %v", err)
		}
		cancel()
	}

	if pushURL := strings.TrimSpace(os.Getenv("NOTIFEED_PUSH_URL")); pushURL != "" {
		listener, err := notifeed.NewListener(notifeed.ListenerOptions{
			URL:     pushURL,
			Token:   apiToken,
			Session: session,
			Logger:  log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize push listener: %v", err)
		}
		go func() {
			if err := listener.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				log.Printf("push listener stopped: %v", err)
			}
		}()
	} else {
		log.Printf("NOTIFEED_PUSH_URL not set; live delivery disabled")
	}

	server := feedapi.NewServerWithConfig(session, feedapi.ServerConfig{
		APIToken:        os.Getenv("NOTIFEED_LOCAL_TOKEN"),
		RateLimitMax:    intEnv("NOTIFEED_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("NOTIFEED_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("NOTIFEED_MAX_BODY_BYTES", 0),
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("notifeed listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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

func categoriesEnv(name string) []notifeed.Category {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	var categories []notifeed.Category
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		categories = append(categories, notifeed.Category(part))
	}
	return categories
}
