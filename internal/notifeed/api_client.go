package notifeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPError carries the backend's error envelope for non-retryable
// failures.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// wireNotification is the backend's notification shape. CreatedAt is
// an RFC 3339 string on the wire.
type wireNotification struct {
	ID               string `json:"id"`
	Category         string `json:"category"`
	Title            string `json:"title"`
	Message          string `json:"message"`
	CreatedAt        string `json:"createdAt"`
	IsRead           bool   `json:"isRead"`
	RelatedEntityRef string `json:"relatedEntityRef,omitempty"`
}

type listNotificationsResponse struct {
	Notifications []wireNotification `json:"notifications"`
	NextCursor    *string            `json:"nextCursor"`
}

type unreadCountResponse struct {
	UnreadCount int `json:"unreadCount"`
}

// APIClient is the production NotificationAPI: the platform's REST
// notification endpoints, with retry on 429 and 5xx.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// ListNotifications fetches the history page, following nextCursor
// until the backend reports no more pages.
func (c *APIClient) ListNotifications(ctx context.Context, filter HistoryFilter) ([]Notification, error) {
	q := url.Values{}
	if filter.Category != nil {
		q.Set("category", string(*filter.Category))
	}
	if filter.IsRead != nil {
		q.Set("isRead", strconv.FormatBool(*filter.IsRead))
	}
	var records []Notification
	cursor := ""
	for {
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		requestPath := "/v1/users/me/notifications"
		if encoded := q.Encode(); encoded != "" {
			requestPath += "?" + encoded
		}
		var out listNotificationsResponse
		if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out); err != nil {
			return nil, err
		}
		for _, wire := range out.Notifications {
			n, err := wire.toNotification()
			if err != nil {
				// A single bad record must not poison the page.
				continue
			}
			records = append(records, n)
		}
		if out.NextCursor == nil || strings.TrimSpace(*out.NextCursor) == "" {
			return records, nil
		}
		cursor = *out.NextCursor
	}
}

func (c *APIClient) UnreadCount(ctx context.Context) (int, error) {
	var out unreadCountResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/users/me/notifications/unread-count", nil, &out)
	return out.UnreadCount, err
}

func (c *APIClient) MarkRead(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/users/me/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *APIClient) MarkAllRead(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/users/me/notifications/read-all", nil, nil)
}

func (c *APIClient) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/users/me/notifications/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) ClearAll(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/users/me/notifications", nil, nil)
}

func (w wireNotification) toNotification() (Notification, error) {
	createdAt, err := time.Parse(time.RFC3339, w.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: createdAt %q", ErrInvalidInput, w.CreatedAt)
	}
	n := Notification{
		ID:               w.ID,
		Category:         Category(w.Category),
		Title:            w.Title,
		Body:             w.Message,
		CreatedAt:        createdAt,
		IsRead:           w.IsRead,
		RelatedEntityRef: w.RelatedEntityRef,
	}
	if err := n.validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *APIClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
