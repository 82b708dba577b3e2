package feedapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/harborview/notifeed/internal/notifeed"
)

const writeTimeout = 10 * time.Second

// handleStream upgrades to a websocket and forwards feed updates until
// the client disconnects. Each connection gets its own subscription;
// a slow client misses intermediate updates rather than stalling the
// session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	updates, cancel := s.session.Subscribe()
	defer cancel()

	ctx := r.Context()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	snapshot := struct {
		Kind        string                  `json:"kind"`
		Records     []notifeed.Notification `json:"records"`
		UnreadCount int                     `json:"unreadCount"`
	}{
		Kind:        "snapshot",
		Records:     s.session.Feed().Records(),
		UnreadCount: s.session.Feed().UnreadCount(),
	}
	if err := wsjson.Write(ctx, conn, snapshot); err != nil {
		return
	}

	for update := range updates {
		writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(writeCtx, conn, update)
		cancelWrite()
		if err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
