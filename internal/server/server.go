package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/farakor/osonish-relay/internal/analytics"
	"github.com/farakor/osonish-relay/internal/dispatch"
	"github.com/farakor/osonish-relay/internal/obs"
	"github.com/farakor/osonish-relay/internal/service"
)

const (
	Version = "1.0.0"

	defaultMaxBodyBytes = 10 << 20
	defaultRange = 24 * time.Hour
)

type Options struct {
	APIToken     string
	MaxBatchSize int
	// MaxBodyBytes caps request bodies; larger ones get a 413.
	MaxBodyBytes int64
}

type Server struct {
	service    *service.NotificationService
	opts       Options
	logger     *zap.Logger
	httpServer *http.Server
	router     chi.Router
	now        func() time.Time
}

func New(s *service.NotificationService, opts Options, logger *zap.Logger) *Server {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	srv := &Server{service: s, opts: opts, logger: logger.Named("http"), now: time.Now}
	srv.router = srv.setupRouter()
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(addr string) error {
	s.logger.Info("starting server", zap.String("addr", addr))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(securityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(middleware.RequestSize(s.opts.MaxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, http.StatusNotFound, "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, http.StatusNotFound, "Endpoint not found")
	})

	r.Get("/health", s.handleHealth)
	r.Get("/info", s.handleInfo)
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.opts.APIToken))

		r.Post("/send-notification", s.handleSendNotification)
		r.Post("/send-batch", s.handleSendBatch)
		r.Post("/test-notification", s.handleTestNotification)
		r.Get("/analytics", s.handleAnalytics)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, map[string]any{
		"success":   true,
		"status":    "healthy",
		"timestamp": s.timestamp(),
		"version":   Version,
	}, http.StatusOK)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, map[string]any{
		"success":  true,
		"server":   "Osonish Notification Relay",
		"version":  Version,
		"channels": s.service.Channels(),
		"features": []string{
			"Firebase FCM (Android)",
			"Apple APNs (iOS)",
			"Batch notifications",
			"Analytics tracking",
			"Prometheus metrics",
		},
		"endpoints": map[string]string{
			"sendNotification": "POST /send-notification",
			"sendBatch":        "POST /send-batch",
			"testNotification": "POST /test-notification",
			"analytics":        "GET /analytics",
			"health":           "GET /health",
			"metrics":          "GET /metrics",
		},
	}, http.StatusOK)
}

type notificationPayload struct {
	Token    string         `json:"token"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data"`
	Platform string         `json:"platform"`
}

func (p notificationPayload) request() dispatch.NotificationRequest {
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	return dispatch.NotificationRequest{
		Token:    p.Token,
		Title:    p.Title,
		Body:     p.Body,
		Data:     data,
		Platform: dispatch.ParsePlatform(p.Platform),
	}
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationPayload
	if err := decodeJSON(r, &req); err != nil {
		s.badBody(w, r, err)
		return
	}

	notification := req.request()
	if err := notification.Validate(); err != nil {
		s.fail(w, r, http.StatusBadRequest, "Missing required fields: token, title, body")
		return
	}

	result := s.service.SendNotification(r.Context(), notification)
	if !result.Success {
		s.logger.Error("failed to send notification",
			zap.String("error", result.Error),
			zap.String("platform", string(notification.Platform)))
		s.fail(w, r, http.StatusInternalServerError, result.Error)
		return
	}

	s.respond(w, r, map[string]any{
		"success":   true,
		"messageId": result.MessageID,
		"timestamp": s.timestamp(),
	}, http.StatusOK)
}

func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notifications []notificationPayload `json:"notifications"`
	}
	if err := decodeJSON(r, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "notifications" {
			s.fail(w, r, http.StatusBadRequest, "notifications must be a non-empty array")
			return
		}
		s.badBody(w, r, err)
		return
	}

	if len(req.Notifications) == 0 {
		s.fail(w, r, http.StatusBadRequest, "notifications must be a non-empty array")
		return
	}
	if len(req.Notifications) > s.opts.MaxBatchSize {
		s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("Maximum %d notifications per batch", s.opts.MaxBatchSize))
		return
	}

	notifications := make([]dispatch.NotificationRequest, len(req.Notifications))
	for i, n := range req.Notifications {
		notifications[i] = n.request()
	}

	results, err := s.service.SendBatch(r.Context(), notifications)
	if err != nil {
		s.logger.Error("batch send failed", zap.Int("count", len(notifications)), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	successful := 0
	for _, res := range results {
		if res.Success {
			successful++
		}
	}

	s.logger.Info("batch notifications completed",
		zap.Int("total", len(results)),
		zap.Int("success", successful),
		zap.Int("failures", len(results)-successful))

	s.respond(w, r, map[string]any{
		"success":    true,
		"total":      len(results),
		"successful": successful,
		"failed":     len(results) - successful,
		"results":    results,
		"timestamp":  s.timestamp(),
	}, http.StatusOK)
}

// handleTestNotification passes the dispatch outcome through with a 200 even when the
// send failed, unlike /send-notification.
func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.badBody(w, r, err)
		return
	}
	if req.Token == "" {
		s.fail(w, r, http.StatusBadRequest, "Token is required")
		return
	}

	now := s.now()
	notification := dispatch.NotificationRequest{
		Token: req.Token,
		Title: "🧪 Test notification",
		Body:  "Relay is up! Time: " + now.Format("15:04:05"),
		Data: map[string]any{
			"test":      true,
			"timestamp": now.UnixMilli(),
		},
		Platform: dispatch.ParsePlatform(req.Platform),
	}

	result := s.service.SendNotification(r.Context(), notification)

	s.respond(w, r, map[string]any{
		"success":   result.Success,
		"messageId": result.MessageID,
		"error":     result.Error,
		"timestamp": s.timestamp(),
	}, http.StatusOK)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := s.now()

	filter := analytics.Filter{
		From:     now.Add(-defaultRange),
		To:       now,
		Platform: dispatch.Platform(q.Get("platform")),
	}

	if raw := q.Get("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, "Invalid 'from' parameter")
			return
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			s.fail(w, r, http.StatusBadRequest, "Invalid 'to' parameter")
			return
		}
		filter.To = t
	}

	s.respond(w, r, map[string]any{
		"success":   true,
		"analytics": s.service.Analytics(filter),
		"timestamp": s.timestamp(),
	}, http.StatusOK)
}

// MARK: Helpers

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Error("error encoding response",
				zap.String("requestId", middleware.GetReqID(r.Context())),
				zap.Error(err))
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.respond(w, r, map[string]any{"success": false, "error": msg}, status)
}

// badBody maps a request decoding error to its response: 413 past the body limit,
// 400 naming the field for a type mismatch, 400 otherwise.
func (s *Server) badBody(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.fail(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit))
		return
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid field %q", typeErr.Field))
		return
	}
	s.fail(w, r, http.StatusBadRequest, "Invalid JSON body")
}

// decodeJSON treats an empty body as an empty object so field validation reports it.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", raw)
}
