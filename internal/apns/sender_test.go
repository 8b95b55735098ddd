package apns

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farakor/osonish-relay/internal/dispatch"
)

type fakePusher struct {
	mu     sync.Mutex
	topics []string
	push   func(token string) (*Response, error)
}

func (f *fakePusher) Push(_ context.Context, token string, n *Notification) (*Response, error) {
	f.mu.Lock()
	f.topics = append(f.topics, n.Topic)
	f.mu.Unlock()
	return f.push(token)
}

func sentTo(token string) (*Response, error) {
	return &Response{Sent: []SentDevice{{Device: token}}}, nil
}

func TestSender_SendOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		push      func(token string) (*Response, error)
		wantOK    bool
		wantID    string
		wantError string
	}{
		{
			name:   "sent",
			push:   sentTo,
			wantOK: true,
			wantID: "t1",
		},
		{
			name: "failed",
			push: func(token string) (*Response, error) {
				return &Response{Failed: []FailedDevice{{Device: token, Status: 410, Reason: "Unregistered"}}}, nil
			},
			wantError: "APNs error: Unregistered (410)",
		},
		{
			name: "neither sent nor failed",
			push: func(string) (*Response, error) {
				return &Response{}, nil
			},
			wantError: "unknown APNs error",
		},
		{
			name: "transport error",
			push: func(string) (*Response, error) {
				return nil, errors.New("connection reset")
			},
			wantError: "connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePusher{push: tt.push}
			s := NewSender(p, "com.example.app", zap.NewNop())

			res, err := s.Send(context.Background(), dispatch.NotificationRequest{Token: "t1", Title: "Hi", Body: "Test"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, res.Success)
			assert.Equal(t, tt.wantID, res.MessageID)
			assert.Equal(t, tt.wantError, res.Error)
			assert.Equal(t, dispatch.PlatformIOS, res.Platform)
			assert.Equal(t, []string{"com.example.app"}, p.topics)
		})
	}
}

func TestSender_NotInitialized(t *testing.T) {
	s := NewSender(nil, "com.example.app", zap.NewNop())
	assert.False(t, s.Ready())

	_, err := s.Send(context.Background(), dispatch.NotificationRequest{Token: "t1", Title: "Hi", Body: "Test"})
	require.ErrorIs(t, err, dispatch.ErrNotInitialized)
	assert.Contains(t, err.Error(), "not initialized")
}

func TestSender_SendBatchIsolatesFailures(t *testing.T) {
	p := &fakePusher{push: func(token string) (*Response, error) {
		switch token {
		case "bad-1", "bad-3":
			return nil, errors.New("boom " + token)
		case "panic-4":
			panic("provider exploded")
		}
		return sentTo(token)
	}}
	s := NewSender(p, "com.example.app", zap.NewNop())

	reqs := []dispatch.NotificationRequest{
		{Token: "ok-0", Title: "t", Body: "b"},
		{Token: "bad-1", Title: "t", Body: "b"},
		{Token: "ok-2", Title: "t", Body: "b"},
		{Token: "bad-3", Title: "t", Body: "b"},
		{Token: "panic-4", Title: "t", Body: "b"},
	}
	results, err := s.SendBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, r := range results {
		assert.Equal(t, i, r.OriginalIndex)
		assert.Equal(t, dispatch.PlatformIOS, r.Platform)
		assert.GreaterOrEqual(t, r.Duration.Nanoseconds(), int64(0))
	}
	assert.True(t, results[0].Success)
	assert.Equal(t, "ok-0", results[0].MessageID)
	assert.False(t, results[1].Success)
	assert.Equal(t, "boom bad-1", results[1].Error)
	assert.True(t, results[2].Success)
	assert.False(t, results[3].Success)
	assert.False(t, results[4].Success)
	assert.Contains(t, results[4].Error, "provider exploded")
}

func TestBuildPayload_SkipsReservedKey(t *testing.T) {
	p := buildPayload(dispatch.NotificationRequest{
		Title: "a",
		Body:  "b",
		Data:  map[string]any{"aps": "nope", "n": 1},
	})
	raw, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"n":1`)
	assert.NotContains(t, string(raw), "nope")
}
