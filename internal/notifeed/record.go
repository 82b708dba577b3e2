package notifeed

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrDuplicate      = errors.New("duplicate notification")
	ErrMalformedEvent = errors.New("malformed push event")
	ErrStaleResponse  = errors.New("stale response")
	ErrSessionClosed  = errors.New("session closed")
	ErrNotImplemented = errors.New("not implemented")
)

type Category string

const (
	CategoryRoomBooking Category = "room_booking"
	CategoryPromotion   Category = "promotion"
	CategorySystem      Category = "system"
	CategoryPayment     Category = "payment"
)

// KnownCategory reports whether c is one of the platform's built-in
// categories. Unknown tags are still admitted at the boundary; the
// category set is extensible server-side.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryRoomBooking, CategoryPromotion, CategorySystem, CategoryPayment:
		return true
	default:
		return false
	}
}

// Notification is the canonical client-side shape of a notification.
// The JSON field names match the history API's record objects; the
// push channel delivers the same shape inside its event envelope.
type Notification struct {
	ID               string    `json:"id"`
	Category         Category  `json:"category"`
	Title            string    `json:"title"`
	Body             string    `json:"message"`
	CreatedAt        time.Time `json:"createdAt"`
	IsRead           bool      `json:"isRead"`
	RelatedEntityRef string    `json:"relatedEntityRef,omitempty"`
}

func (n Notification) validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(string(n.Category)) == "" {
		return ErrInvalidInput
	}
	if n.CreatedAt.IsZero() {
		return ErrInvalidInput
	}
	return nil
}
