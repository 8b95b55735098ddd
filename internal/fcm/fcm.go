package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/farakor/osonish-relay/internal/dispatch"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// Messenger is the subset of *messaging.Client used by the sender.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// NewClient builds a Firebase messaging client from a service account JSON document.
func NewClient(ctx context.Context, serviceAccountJSON []byte) (*messaging.Client, error) {
	creds, err := google.CredentialsFromJSON(ctx, serviceAccountJSON, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("could not parse service account: %w", err)
	}
	if creds.ProjectID == "" {
		return nil, fmt.Errorf("service account has no project_id")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: creds.ProjectID}, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("could not initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not create messaging client: %w", err)
	}
	return client, nil
}

type Sender struct {
	client Messenger
	logger *zap.Logger
}

// NewSender returns the Android channel. A nil client yields a sender that reports
// every send as not initialized.
func NewSender(client Messenger, logger *zap.Logger) *Sender {
	return &Sender{client: client, logger: logger.Named("fcm")}
}

func (s *Sender) Ready() bool {
	return s.client != nil
}

func (s *Sender) Send(ctx context.Context, req dispatch.NotificationRequest) (dispatch.SendResult, error) {
	if s.client == nil {
		return dispatch.SendResult{}, fmt.Errorf("firebase: %w", dispatch.ErrNotInitialized)
	}

	messageID, err := s.client.Send(ctx, buildMessage(req))
	if err != nil {
		s.logger.Error("fcm send failed",
			zap.String("tokenPrefix", dispatch.TokenPrefix(req.Token)),
			zap.Error(err))
		return dispatch.Failure(dispatch.PlatformAndroid, err.Error()), nil
	}

	s.logger.Info("fcm notification sent",
		zap.String("messageId", messageID),
		zap.String("tokenPrefix", dispatch.TokenPrefix(req.Token)))

	return dispatch.SendResult{
		Success:   true,
		MessageID: messageID,
		Platform:  dispatch.PlatformAndroid,
	}, nil
}

// SendBatch sends all requests in a single SendEach round trip. Per-message failures are
// reported in the results; an error means the call itself failed.
func (s *Sender) SendBatch(ctx context.Context, reqs []dispatch.NotificationRequest) ([]dispatch.BatchResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("firebase: %w", dispatch.ErrNotInitialized)
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	messages := make([]*messaging.Message, len(reqs))
	for i, req := range reqs {
		messages[i] = buildMessage(req)
	}

	start := time.Now()
	resp, err := s.client.SendEach(ctx, messages)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("fcm batch failed", zap.Int("count", len(reqs)), zap.Error(err))
		return nil, fmt.Errorf("fcm batch: %w", err)
	}

	s.logger.Info("fcm batch sent",
		zap.Int("total", len(resp.Responses)),
		zap.Int("success", resp.SuccessCount),
		zap.Int("failures", resp.FailureCount))

	results := make([]dispatch.BatchResult, len(reqs))
	for i := range reqs {
		result := dispatch.BatchResult{OriginalIndex: i, Duration: elapsed}
		switch {
		case i >= len(resp.Responses) || resp.Responses[i] == nil:
			result.SendResult = dispatch.Failure(dispatch.PlatformAndroid, "no response from fcm")
		case resp.Responses[i].Success:
			result.SendResult = dispatch.SendResult{
				Success:   true,
				MessageID: resp.Responses[i].MessageID,
				Platform:  dispatch.PlatformAndroid,
			}
		default:
			msg := "unknown fcm error"
			if resp.Responses[i].Error != nil {
				msg = resp.Responses[i].Error.Error()
			}
			result.SendResult = dispatch.Failure(dispatch.PlatformAndroid, msg)
		}
		results[i] = result
	}
	return results, nil
}

func buildMessage(req dispatch.NotificationRequest) *messaging.Message {
	return &messaging.Message{
		Token: req.Token,
		Notification: &messaging.Notification{
			Title: req.Title,
			Body:  req.Body,
		},
		Data: StringifyData(req.Data),
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "default",
				Sound:     "default",
				Priority:  messaging.PriorityHigh,
			},
		},
	}
}

// StringifyData converts an arbitrary JSON payload into the string-only map FCM accepts.
// Scalars use their canonical text form, nil becomes "" and nested values are JSON encoded.
func StringifyData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}

	out := make(map[string]string, len(data))
	for key, value := range data {
		switch v := value.(type) {
		case nil:
			out[key] = ""
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				out[key] = fmt.Sprint(v)
				continue
			}
			out[key] = string(b)
		default:
			s, err := cast.ToStringE(v)
			if err != nil {
				s = fmt.Sprint(v)
			}
			out[key] = s
		}
	}
	return out
}
