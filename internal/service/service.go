package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/farakor/osonish-relay/internal/analytics"
	"github.com/farakor/osonish-relay/internal/dispatch"
	"github.com/farakor/osonish-relay/internal/obs"
)

// NotificationService routes notifications to their channel and records every
// attempt in analytics. It owns the channel senders and the recorder for the
// lifetime of the process.
type NotificationService struct {
	android  dispatch.Sender
	ios      dispatch.Sender
	recorder *analytics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewNotificationService(android, ios dispatch.Sender, recorder *analytics.Recorder, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		android:  android,
		ios:      ios,
		recorder: recorder,
		logger:   logger.Named("service"),
		now:      time.Now,
	}
}

func (s *NotificationService) senderFor(p dispatch.Platform) dispatch.Sender {
	if p == dispatch.PlatformIOS {
		return s.ios
	}
	return s.android
}

// Channels reports which vendor clients are configured.
func (s *NotificationService) Channels() map[dispatch.Platform]bool {
	return map[dispatch.Platform]bool{
		dispatch.PlatformAndroid: s.android.Ready(),
		dispatch.PlatformIOS:     s.ios.Ready(),
	}
}

// SendNotification dispatches a single notification. It never fails: sender errors
// and panics become a failed result. Exactly one analytics entry is recorded.
func (s *NotificationService) SendNotification(ctx context.Context, req dispatch.NotificationRequest) dispatch.SendResult {
	start := time.Now()
	platform := dispatch.ParsePlatform(string(req.Platform))

	s.logger.Info("sending notification",
		zap.String("platform", string(platform)),
		zap.String("title", truncate(req.Title, 50)),
		zap.String("tokenPrefix", dispatch.TokenPrefix(req.Token)))

	result, err := s.sendRecovered(ctx, s.senderFor(platform), req)
	recordPlatform := result.Platform
	if err != nil {
		s.logger.Error("notification dispatch failed",
			zap.String("platform", string(platform)),
			zap.Error(err))

		recordPlatform = platform
		if req.Platform == "" {
			recordPlatform = dispatch.PlatformUnknown
		}
		result = dispatch.Failure(platform, err.Error())
	}
	if recordPlatform == "" {
		recordPlatform = platform
	}

	s.record(recordPlatform, result, time.Since(start))
	return result
}

func (s *NotificationService) sendRecovered(ctx context.Context, sender dispatch.Sender, req dispatch.NotificationRequest) (res dispatch.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return sender.Send(ctx, req)
}

// SendBatch sends reqs through each channel's batch path. Results are in request
// order. Invalid items fail without a send; items whose channel is not configured
// are dispatched one by one so their failure is recorded. An error means a native
// batch call failed outright.
func (s *NotificationService) SendBatch(ctx context.Context, reqs []dispatch.NotificationRequest) ([]dispatch.BatchResult, error) {
	obs.ObserveBatch(len(reqs))
	s.logger.Info("sending batch", zap.Int("count", len(reqs)))

	results := make([]dispatch.BatchResult, len(reqs))
	groups := map[dispatch.Platform][]int{}

	for i, req := range reqs {
		platform := dispatch.ParsePlatform(string(req.Platform))
		if err := req.Validate(); err != nil {
			results[i] = dispatch.BatchResult{
				SendResult:    dispatch.Failure(platform, err.Error()),
				OriginalIndex: i,
			}
			continue
		}
		groups[platform] = append(groups[platform], i)
	}

	for _, platform := range []dispatch.Platform{dispatch.PlatformAndroid, dispatch.PlatformIOS} {
		idx := groups[platform]
		if len(idx) == 0 {
			continue
		}

		sender := s.senderFor(platform)
		if !sender.Ready() {
			for _, i := range idx {
				results[i] = dispatch.BatchResult{
					SendResult:    s.SendNotification(ctx, reqs[i]),
					OriginalIndex: i,
				}
			}
			continue
		}

		items := make([]dispatch.NotificationRequest, len(idx))
		for j, i := range idx {
			items[j] = reqs[i]
		}

		channelResults, err := sender.SendBatch(ctx, items)
		if err != nil {
			return nil, fmt.Errorf("%s batch: %w", platform, err)
		}

		for j, i := range idx {
			r := dispatch.BatchResult{SendResult: dispatch.Failure(platform, "no result from channel")}
			if j < len(channelResults) {
				r = channelResults[j]
			}
			if r.Platform == "" {
				r.Platform = platform
			}
			r.OriginalIndex = i
			results[i] = r
			s.record(r.Platform, r.SendResult, r.Duration)
		}
	}

	return results, nil
}

func (s *NotificationService) Analytics(f analytics.Filter) analytics.Summary {
	return s.recorder.Query(f)
}

func (s *NotificationService) ClearAnalytics() {
	s.recorder.Clear()
	obs.SetAnalyticsEntries(0)
	s.logger.Info("analytics cleared")
}

func (s *NotificationService) record(platform dispatch.Platform, res dispatch.SendResult, d time.Duration) {
	status := analytics.StatusSent
	if !res.Success {
		status = analytics.StatusFailed
	}

	s.recorder.Record(analytics.Entry{
		Platform:   platform,
		Status:     status,
		Error:      res.Error,
		DurationMs: d.Milliseconds(),
		Timestamp:  s.now().UTC(),
	})
	obs.ObserveSend(string(platform), string(status), d)
	obs.SetAnalyticsEntries(s.recorder.Len())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
