package apns

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farakor/osonish-relay/internal/dispatch"
)

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) (*Client, *ecdsa.PrivateKey) {
	t.Helper()
	key, pemBytes := newTestKey(t)
	opts = append([]Option{WithHTTPClient(srv.Client()), WithEndpoint(srv.URL)}, opts...)
	c, err := NewClient(Config{KeyID: "KEY123", TeamID: "TEAM456", SigningKey: pemBytes}, opts...)
	require.NoError(t, err)
	return c, key
}

func TestNewClient_Endpoints(t *testing.T) {
	_, pemBytes := newTestKey(t)

	dev, err := NewClient(Config{KeyID: "k", TeamID: "t", SigningKey: pemBytes})
	require.NoError(t, err)
	assert.Equal(t, DevelopmentEndpoint, dev.Endpoint())

	prod, err := NewClient(Config{KeyID: "k", TeamID: "t", SigningKey: pemBytes, Production: true})
	require.NoError(t, err)
	assert.Equal(t, ProductionEndpoint, prod.Endpoint())
}

func TestNewClient_BadKey(t *testing.T) {
	_, err := NewClient(Config{KeyID: "k", TeamID: "t", SigningKey: []byte("not a key")})
	require.Error(t, err)
}

func TestClient_PushSent(t *testing.T) {
	var gotReq *http.Request
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("apns-id", r.Header.Get("apns-id"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, key := newTestClient(t, srv)
	resp, err := c.Push(context.Background(), "device-token", &Notification{
		Topic:   "com.example.app",
		Payload: buildPayload(dispatch.NotificationRequest{Title: "Hi", Body: "Test", Data: map[string]any{"orderId": "o-1"}}),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, resp.Outcome())
	require.Len(t, resp.Sent, 1)
	assert.Equal(t, "device-token", resp.Sent[0].Device)

	require.NotNil(t, gotReq)
	assert.Equal(t, "/3/device/device-token", gotReq.URL.Path)
	assert.Equal(t, "com.example.app", gotReq.Header.Get("apns-topic"))
	assert.Equal(t, "alert", gotReq.Header.Get("apns-push-type"))
	assert.Equal(t, "10", gotReq.Header.Get("apns-priority"))
	_, err = uuid.Parse(gotReq.Header.Get("apns-id"))
	assert.NoError(t, err)
	assert.Equal(t, resp.Sent[0].ApnsID, gotReq.Header.Get("apns-id"))

	auth := gotReq.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "bearer "))
	parsed, err := jwt.Parse(strings.TrimPrefix(auth, "bearer "), func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.Equal(t, "KEY123", parsed.Header["kid"])
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "TEAM456", claims["iss"])

	aps := gotBody["aps"].(map[string]any)
	alert := aps["alert"].(map[string]any)
	assert.Equal(t, "Hi", alert["title"])
	assert.Equal(t, "Test", alert["body"])
	assert.Equal(t, "default", aps["sound"])
	assert.Equal(t, float64(1), aps["badge"])
	assert.Equal(t, "o-1", gotBody["orderId"])
}

func TestClient_PushRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"reason":"BadDeviceToken"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	resp, err := c.Push(context.Background(), "bad", &Notification{Topic: "x", Payload: buildPayload(dispatch.NotificationRequest{})})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, resp.Outcome())
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, FailedDevice{Device: "bad", Status: http.StatusBadRequest, Reason: "BadDeviceToken"}, resp.Failed[0])
}

func TestClient_PushRejectedWithoutReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	resp, err := c.Push(context.Background(), "tok", &Notification{Topic: "x", Payload: buildPayload(dispatch.NotificationRequest{})})
	require.NoError(t, err)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "Internal Server Error", resp.Failed[0].Reason)
	assert.Equal(t, 500, resp.Failed[0].Status)
}

func TestClient_ProviderTokenCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, srv, withClock(func() time.Time { return now }))

	first, err := c.providerToken()
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	second, err := c.providerToken()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	now = now.Add(tokenTTL)
	third, err := c.providerToken()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestResponse_Outcome(t *testing.T) {
	var nilResp *Response
	assert.Equal(t, OutcomeUnknown, nilResp.Outcome())
	assert.Equal(t, OutcomeUnknown, (&Response{}).Outcome())
	assert.Equal(t, OutcomeSent, (&Response{Sent: []SentDevice{{Device: "a"}}, Failed: []FailedDevice{{Device: "b"}}}).Outcome())
	assert.Equal(t, OutcomeFailed, (&Response{Failed: []FailedDevice{{Device: "b"}}}).Outcome())
	assert.Equal(t, "unknown", OutcomeUnknown.String())
}
