package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotInitialized is returned by a channel sender whose vendor client was never configured.
var ErrNotInitialized = errors.New("channel not initialized")

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	// PlatformUnknown only appears in analytics for failed dispatches without a platform.
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform maps a client-supplied platform flag onto a channel. Anything that
// is not "ios" goes to Android.
func ParsePlatform(raw string) Platform {
	if strings.TrimSpace(raw) == string(PlatformIOS) {
		return PlatformIOS
	}
	return PlatformAndroid
}

// NotificationRequest is the unified notification format accepted by the relay.
// The relay translates it to platform-specific formats (APNs/FCM) internally.
type NotificationRequest struct {
	Token    string         `json:"token"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	Platform Platform       `json:"platform,omitempty"`
}

var errMissingFields = errors.New("missing required fields: token, title, body")

func (r NotificationRequest) Validate() error {
	if r.Token == "" || r.Title == "" || r.Body == "" {
		return errMissingFields
	}
	return nil
}

// SendResult is the outcome of a single send attempt on one channel.
type SendResult struct {
	Success   bool     `json:"success"`
	MessageID string   `json:"messageId,omitempty"`
	Error     string   `json:"error,omitempty"`
	Platform  Platform `json:"platform,omitempty"`
}

// BatchResult is a SendResult tagged with the position of its request in the batch.
type BatchResult struct {
	SendResult
	OriginalIndex int `json:"originalIndex"`

	// Duration is how long the item took on its channel; for native batches it is the
	// duration of the whole round trip.
	Duration time.Duration `json:"-"`
}

func Failure(platform Platform, msg string) SendResult {
	return SendResult{Success: false, Error: msg, Platform: platform}
}

// Sender is implemented by each push channel.
type Sender interface {
	// Ready reports whether the vendor client is configured.
	Ready() bool
	Send(ctx context.Context, req NotificationRequest) (SendResult, error)
	// SendBatch returns one result per request. An error means the batch as a whole failed.
	SendBatch(ctx context.Context, reqs []NotificationRequest) ([]BatchResult, error)
}

// TokenPrefix shortens a device token for logs.
func TokenPrefix(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10]
}
