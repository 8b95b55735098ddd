package apns

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sideshow/apns2/payload"
	"golang.org/x/net/http2"
)

const (
	DevelopmentEndpoint = "https://api.sandbox.push.apple.com"
	ProductionEndpoint  = "https://api.push.apple.com"

	// Apple rejects provider tokens older than an hour and throttles refreshes
	// more frequent than every 20 minutes.
	tokenTTL = 50 * time.Minute
)

// Config holds the token-based credentials of an APNs provider.
type Config struct {
	KeyID  string
	TeamID string
	// SigningKey is the PEM content of the .p8 auth key.
	SigningKey []byte
	Production bool
}

// Notification is one alert addressed to a topic (the app bundle identifier).
type Notification struct {
	Topic   string
	Payload *payload.Payload
}

type SentDevice struct {
	Device string `json:"device"`
	ApnsID string `json:"apnsId,omitempty"`
}

type FailedDevice struct {
	Device string `json:"device"`
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// Response mirrors the per-token shape of a provider push: a token lands in Sent or Failed.
type Response struct {
	Sent   []SentDevice
	Failed []FailedDevice
}

type Outcome int

const (
	// OutcomeUnknown covers a response with neither sent nor failed devices.
	OutcomeUnknown Outcome = iota
	OutcomeSent
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (r *Response) Outcome() Outcome {
	switch {
	case r == nil:
		return OutcomeUnknown
	case len(r.Sent) > 0:
		return OutcomeSent
	case len(r.Failed) > 0:
		return OutcomeFailed
	default:
		return OutcomeUnknown
	}
}

type Client struct {
	httpClient *http.Client
	keyID      string
	teamID     string
	signingKey *ecdsa.PrivateKey
	endpoint   string
	now        func() time.Time

	mu       sync.Mutex
	bearer   string
	issuedAt time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithEndpoint(endpoint string) Option {
	return func(cl *Client) { cl.endpoint = endpoint }
}

func withClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// NewClient parses the signing key up front so bad credentials fail at startup.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse APNs auth key: %w", err)
	}

	endpoint := DevelopmentEndpoint
	if cfg.Production {
		endpoint = ProductionEndpoint
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: &http2.Transport{},
			Timeout:   10 * time.Second,
		},
		keyID:      cfg.KeyID,
		teamID:     cfg.TeamID,
		signingKey: key,
		endpoint:   endpoint,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) providerToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.bearer != "" && now.Sub(c.issuedAt) < tokenTTL {
		return c.bearer, nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = c.keyID

	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("could not sign provider token: %w", err)
	}
	c.bearer = signed
	c.issuedAt = now
	return signed, nil
}

type errorBody struct {
	Reason string `json:"reason"`
}

// Push delivers n to a single device token. Transport failures are returned as errors;
// rejections by APNs are reported in Response.Failed.
func (c *Client) Push(ctx context.Context, deviceToken string, n *Notification) (*Response, error) {
	bearer, err := c.providerToken()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(n.Payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode payload: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", c.endpoint, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", n.Topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return &Response{Sent: []SentDevice{{Device: deviceToken, ApnsID: resp.Header.Get("apns-id")}}}, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Reason == "" {
		eb.Reason = http.StatusText(resp.StatusCode)
		if eb.Reason == "" {
			eb.Reason = "status " + strconv.Itoa(resp.StatusCode)
		}
	}

	return &Response{Failed: []FailedDevice{{
		Device: deviceToken,
		Status: resp.StatusCode,
		Reason: eb.Reason,
	}}}, nil
}
