package apns

import (
	"context"
	"fmt"
	"time"

	"github.com/sideshow/apns2/payload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/farakor/osonish-relay/internal/dispatch"
)

// Pusher is the subset of *Client used by the sender.
type Pusher interface {
	Push(ctx context.Context, deviceToken string, n *Notification) (*Response, error)
}

type Sender struct {
	pusher Pusher
	topic  string
	logger *zap.Logger
}

// NewSender returns the iOS channel. A nil pusher yields a sender that reports every
// send as not initialized.
func NewSender(pusher Pusher, bundleID string, logger *zap.Logger) *Sender {
	return &Sender{pusher: pusher, topic: bundleID, logger: logger.Named("apns")}
}

func (s *Sender) Ready() bool {
	return s.pusher != nil
}

func (s *Sender) Send(ctx context.Context, req dispatch.NotificationRequest) (dispatch.SendResult, error) {
	if s.pusher == nil {
		return dispatch.SendResult{}, fmt.Errorf("apns: %w", dispatch.ErrNotInitialized)
	}

	resp, err := s.pusher.Push(ctx, req.Token, &Notification{
		Topic:   s.topic,
		Payload: buildPayload(req),
	})
	if err != nil {
		s.logger.Error("apns send failed",
			zap.String("tokenPrefix", dispatch.TokenPrefix(req.Token)),
			zap.Error(err))
		return dispatch.Failure(dispatch.PlatformIOS, err.Error()), nil
	}

	switch resp.Outcome() {
	case OutcomeSent:
		s.logger.Info("apns notification sent",
			zap.Int("sent", len(resp.Sent)),
			zap.String("apnsId", resp.Sent[0].ApnsID),
			zap.String("tokenPrefix", dispatch.TokenPrefix(req.Token)))
		return dispatch.SendResult{
			Success:   true,
			MessageID: resp.Sent[0].Device,
			Platform:  dispatch.PlatformIOS,
		}, nil
	case OutcomeFailed:
		failure := resp.Failed[0]
		s.logger.Error("apns notification rejected",
			zap.String("reason", failure.Reason),
			zap.Int("status", failure.Status),
			zap.String("tokenPrefix", dispatch.TokenPrefix(req.Token)))
		return dispatch.Failure(dispatch.PlatformIOS,
			fmt.Sprintf("APNs error: %s (%d)", failure.Reason, failure.Status)), nil
	default:
		s.logger.Warn("apns response had neither sent nor failed devices",
			zap.String("tokenPrefix", dispatch.TokenPrefix(req.Token)))
		return dispatch.Failure(dispatch.PlatformIOS, "unknown APNs error"), nil
	}
}

// SendBatch pushes every request concurrently since APNs has no batch endpoint.
// A failing item never affects its siblings.
func (s *Sender) SendBatch(ctx context.Context, reqs []dispatch.NotificationRequest) ([]dispatch.BatchResult, error) {
	if s.pusher == nil {
		return nil, fmt.Errorf("apns: %w", dispatch.ErrNotInitialized)
	}

	results := make([]dispatch.BatchResult, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			start := time.Now()
			res, err := s.sendRecovered(ctx, req)
			if err != nil {
				res = dispatch.Failure(dispatch.PlatformIOS, err.Error())
			}
			results[i] = dispatch.BatchResult{
				SendResult:    res,
				OriginalIndex: i,
				Duration:      time.Since(start),
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (s *Sender) sendRecovered(ctx context.Context, req dispatch.NotificationRequest) (res dispatch.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("apns send panicked", zap.Any("panic", r))
			err = fmt.Errorf("apns send panicked: %v", r)
		}
	}()
	return s.Send(ctx, req)
}

func buildPayload(req dispatch.NotificationRequest) *payload.Payload {
	p := payload.NewPayload().
		AlertTitle(req.Title).
		AlertBody(req.Body).
		Sound("default").
		Badge(1)

	for key, value := range req.Data {
		// "aps" is reserved for the alert dictionary.
		if key == "aps" {
			continue
		}
		p.Custom(key, value)
	}
	return p
}
