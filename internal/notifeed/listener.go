package notifeed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// notificationEventNames are the event names the push channel uses for
// a notification-created payload. The source system emits more than
// one name for historically compatible reasons; the listener treats
// them identically.
var notificationEventNames = map[string]struct{}{
	"notification":         {},
	"notification:new":     {},
	"notification_created": {},
	"new_notification":     {},
}

type ListenerOptions struct {
	URL         string
	Token       string
	Session     *Session
	Logger      *log.Logger
	HTTPClient  *http.Client
	DialTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// Listener consumes the push channel and feeds admissible events into
// the session. Reconnects are its own responsibility; the channel
// commonly re-delivers recent events after a reconnect, and every
// delivery goes through the same ledger-then-classify path, so a
// replay storm produces rejections and silent backfill, never
// duplicates or repeated alerts.
type Listener struct {
	url         string
	token       string
	session     *Session
	logger      *log.Logger
	httpClient  *http.Client
	dialTimeout time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration
}

func NewListener(opts ListenerOptions) (*Listener, error) {
	if strings.TrimSpace(opts.URL) == "" || opts.Session == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Listener{
		url:         strings.TrimSpace(opts.URL),
		token:       strings.TrimSpace(opts.Token),
		session:     opts.Session,
		logger:      logger,
		httpClient:  opts.HTTPClient,
		dialTimeout: dialTimeout,
		minBackoff:  minBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Run connects to the push channel and consumes events until ctx is
// cancelled, reconnecting with capped exponential backoff after any
// failure. Returns ctx.Err() on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.consume(ctx)
		if err != nil && ctx.Err() == nil {
			l.logger.Printf("push channel disconnected: %v (reconnecting in %s)", err, backoff)
		}
		if err := sleepContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
		if err == nil {
			backoff = l.minBackoff
		}
	}
}

func (l *Listener) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, l.dialTimeout)
	opts := &websocket.DialOptions{HTTPClient: l.httpClient}
	if l.token != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+l.token)
		opts.HTTPHeader = header
	}
	conn, _, err := websocket.Dial(dialCtx, l.url, opts)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	l.logger.Printf("push channel connected: %s", l.url)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		l.handleMessage(data)
	}
}

// pushEnvelope is the framed form of a push message. Bare record
// payloads (no envelope) are tolerated as well.
type pushEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleMessage classifies one wire message. Unknown event names are
// ignored; malformed notification payloads are counted and dropped.
// Returns the admission outcome for admissible notification events.
func (l *Listener) handleMessage(data []byte) (admitted, fresh bool) {
	payload := data
	var envelope pushEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		l.session.RecordMalformed()
		return false, false
	}
	if envelope.Event != "" {
		if _, known := notificationEventNames[strings.ToLower(envelope.Event)]; !known {
			return false, false
		}
		payload = envelope.Data
	}
	record, err := decodePushPayload(payload)
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			l.session.RecordMalformed()
		}
		return false, false
	}
	return l.session.Admit(record)
}

// decodePushPayload validates raw payload bytes against the push event
// schema and builds a Notification from them.
func decodePushPayload(payload []byte) (Notification, error) {
	if len(payload) == 0 {
		return Notification{}, ErrMalformedEvent
	}
	if err := validatePushPayload(payload); err != nil {
		return Notification{}, err
	}
	var wire struct {
		ID               string `json:"id"`
		Category         string `json:"category"`
		Title            string `json:"title"`
		Message          string `json:"message"`
		CreatedAt        string `json:"createdAt"`
		IsRead           bool   `json:"isRead"`
		RelatedEntityRef string `json:"relatedEntityRef"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Notification{}, ErrMalformedEvent
	}
	createdAt, err := time.Parse(time.RFC3339, wire.CreatedAt)
	if err != nil {
		return Notification{}, ErrMalformedEvent
	}
	return Notification{
		ID:               wire.ID,
		Category:         Category(wire.Category),
		Title:            wire.Title,
		Body:             wire.Message,
		CreatedAt:        createdAt,
		IsRead:           wire.IsRead,
		RelatedEntityRef: wire.RelatedEntityRef,
	}, nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
