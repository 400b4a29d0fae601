package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dialogwise/chatcore/internal/eventlog"
	"github.com/dialogwise/chatcore/internal/integrations"
	"github.com/dialogwise/chatcore/internal/logger"
	"github.com/dialogwise/chatcore/internal/metrics"
	"github.com/dialogwise/chatcore/internal/session"
	"github.com/dialogwise/chatcore/internal/settings"
	"github.com/dialogwise/chatcore/internal/upstream"
)

// maxEventsPerPoll caps one stream-events response. A poller that is
// far behind pages through the backlog with has_more.
const maxEventsPerPoll = 200

// defaultFlow is used when the configuration bag names no flow or an
// unknown one.
const defaultFlow = "default"

type settingsLoader interface {
	Load(ctx context.Context, chatbotID string) (*settings.Settings, error)
}

type sessionRegistry interface {
	CreateConversationSession(ctx context.Context, in session.CreateSessionInput) (string, error)
	CreateStreamingSession(ctx context.Context, conversationSessionID, upstreamURL string) (string, error)
	GetStatus(ctx context.Context, streamingSessionID string) (*session.StreamingStatus, error)
	ActiveSessionCount(ctx context.Context) (int, error)
}

type eventReader interface {
	Since(ctx context.Context, streamingSessionID string, lastEventID int64, limit int) ([]eventlog.StoredEvent, error)
}

type streamLauncher interface {
	Start(ctx context.Context, in upstream.StartInput)
}

// Service wires the request pipeline: settings, sessions, upstream
// launch and event polling.
type Service struct {
	db       *sql.DB
	settings settingsLoader
	sessions sessionRegistry
	events   eventReader
	streamer streamLauncher
	orders   *integrations.OrderLookup
	images   *integrations.ImageToText
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// SetMetrics attaches the process metrics.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// NewService creates the chat service.
func NewService(db *sql.DB, settingsStore settingsLoader, sessions sessionRegistry, events eventReader, streamer streamLauncher, orders *integrations.OrderLookup, images *integrations.ImageToText, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		settings: settingsStore,
		sessions: sessions,
		events:   events,
		streamer: streamer,
		orders:   orders,
		images:   images,
		logger:   log.WithComponent("chat"),
	}
}

// ProcessMessageRequest is the incoming user turn.
type ProcessMessageRequest struct {
	UserID              string          `json:"user_id"`
	ChatbotID           string          `json:"chatbot_id"`
	MessageText         string          `json:"message_text"`
	ImageData           string          `json:"image_data,omitempty"`
	ImageName           string          `json:"image_name,omitempty"`
	ImageMime           string          `json:"image_mime,omitempty"`
	ConversationHistory json.RawMessage `json:"conversation_history,omitempty"`
	SessionID           string          `json:"session_id,omitempty"`
	Configuration       json.RawMessage `json:"configuration,omitempty"`
}

// ProcessMessageResponse acknowledges the accepted turn. The answer
// itself arrives through the event log.
type ProcessMessageResponse struct {
	Success            bool            `json:"success"`
	SessionID          string          `json:"session_id"`
	StreamingSessionID string          `json:"streaming_session_id"`
	FlowType           string          `json:"flow_type"`
	OrderDetails       json.RawMessage `json:"order_details,omitempty"`
	StreamingURL       string          `json:"streaming_url"`
}

// requestConfiguration is the subset of the configuration bag the
// service interprets; the rest is stored and passed through untouched.
type requestConfiguration struct {
	Flow       string `json:"flow"`
	OrderID    string `json:"order_id"`
	OrderEmail string `json:"order_email"`
}

// ProcessMessage accepts a user turn, snapshots it, launches the
// upstream stream and returns before the stream finishes.
func (s *Service) ProcessMessage(ctx context.Context, req ProcessMessageRequest) (*ProcessMessageResponse, error) {
	cfg, err := s.settings.Load(ctx, req.ChatbotID)
	if err != nil {
		return nil, err
	}

	var reqCfg requestConfiguration
	if len(req.Configuration) > 0 {
		// Unknown bags are tolerated; interpretable fields are optional.
		_ = json.Unmarshal(req.Configuration, &reqCfg)
	}

	flowType, flowKey := s.resolveFlow(cfg, reqCfg.Flow)

	var orderDetails json.RawMessage
	if reqCfg.OrderID != "" && s.orders != nil && s.orders.Enabled() {
		orderDetails, err = s.orders.Lookup(ctx, reqCfg.OrderID, reqCfg.OrderEmail)
		if err != nil {
			// Order details enrich the response; the turn proceeds
			// without them.
			s.logger.LogError(ctx, err, "order lookup failed", "order_id", reqCfg.OrderID)
			orderDetails = nil
		}
	}

	upstreamQuestion := req.MessageText
	var image *session.ImagePayload
	if req.ImageData != "" {
		image = &session.ImagePayload{
			Data: req.ImageData,
			Name: req.ImageName,
			Mime: req.ImageMime,
			Size: int64(len(req.ImageData)),
		}
		if cfg.ImageEnabled && cfg.ImageAPIURL != "" && s.images != nil {
			description, convErr := s.images.Convert(ctx, cfg.ImageAPIURL, req.ImageData, req.MessageText)
			if convErr != nil {
				s.logger.LogError(ctx, convErr, "image preprocessing failed", "chatbot_id", req.ChatbotID)
			} else if description != "" {
				upstreamQuestion = req.MessageText + "\n\n[Image] " + description
			}
		}
	}

	sessionID, err := s.sessions.CreateConversationSession(ctx, session.CreateSessionInput{
		UserID:        req.UserID,
		ChatbotID:     req.ChatbotID,
		MessageText:   req.MessageText,
		Image:         image,
		Configuration: req.Configuration,
	})
	if err != nil {
		return nil, err
	}

	streamingSessionID, err := s.sessions.CreateStreamingSession(ctx, sessionID, cfg.UpstreamURL)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"question":   upstreamQuestion,
		"chatbot_id": req.ChatbotID,
	}
	if flowKey != "" {
		body["flow_key"] = flowKey
	}
	if len(req.ConversationHistory) > 0 {
		body["history"] = req.ConversationHistory
	}
	if orderDetails != nil {
		body["order_details"] = orderDetails
	}

	ctx = logger.WithChatbotID(logger.WithUserID(ctx, req.UserID), req.ChatbotID)
	s.streamer.Start(ctx, upstream.StartInput{
		StreamingSessionID:    streamingSessionID,
		ConversationSessionID: sessionID,
		UpstreamURL:           cfg.UpstreamURL,
		RequestBody:           body,
	})

	if s.metrics != nil {
		s.metrics.MessagesAccepted.Inc()
	}

	s.logger.WithContext(ctx).Info("accepted user turn",
		slog.String("session_id", sessionID),
		slog.String("streaming_session_id", streamingSessionID),
		slog.String("flow_type", flowType))

	return &ProcessMessageResponse{
		Success:            true,
		SessionID:          sessionID,
		StreamingSessionID: streamingSessionID,
		FlowType:           flowType,
		OrderDetails:       orderDetails,
		StreamingURL:       "/api/stream-events/" + streamingSessionID,
	}, nil
}

// resolveFlow picks the flow key for this turn from the tenant's
// configured flows.
func (s *Service) resolveFlow(cfg *settings.Settings, requested string) (string, string) {
	var flows map[string]string
	if len(cfg.FlowKeys) > 0 {
		_ = json.Unmarshal(cfg.FlowKeys, &flows)
	}

	if requested != "" {
		if key, ok := flows[requested]; ok {
			return requested, key
		}
	}
	if key, ok := flows[defaultFlow]; ok {
		return defaultFlow, key
	}
	return defaultFlow, ""
}

// StreamEventsResponse is one poll result.
type StreamEventsResponse struct {
	Events        []eventlog.StoredEvent `json:"events"`
	SessionStatus string                 `json:"session_status"`
	LastEventID   int64                  `json:"last_event_id"`
	HasMore       bool                   `json:"has_more"`
}

// StreamEvents returns the events appended after lastEventID, capped
// per poll. has_more is true while the session is active or the
// backlog extends past the cap.
func (s *Service) StreamEvents(ctx context.Context, streamingSessionID string, lastEventID int64) (*StreamEventsResponse, error) {
	status, err := s.sessions.GetStatus(ctx, streamingSessionID)
	if err != nil {
		return nil, err
	}

	events, err := s.events.Since(ctx, streamingSessionID, lastEventID, maxEventsPerPoll+1)
	if err != nil {
		return nil, err
	}

	backlog := false
	if len(events) > maxEventsPerPoll {
		events = events[:maxEventsPerPoll]
		backlog = true
	}

	newLastEventID := lastEventID
	if len(events) > 0 {
		newLastEventID = events[len(events)-1].ID
	}
	if events == nil {
		events = []eventlog.StoredEvent{}
	}

	return &StreamEventsResponse{
		Events:        events,
		SessionStatus: status.Status,
		LastEventID:   newLastEventID,
		HasMore:       backlog || status.Status == session.StatusActive,
	}, nil
}

// ConversationConfig returns the browser-visible settings subset.
func (s *Service) ConversationConfig(ctx context.Context, chatbotID string) (*settings.ClientConfig, error) {
	cfg, err := s.settings.Load(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	client := cfg.ClientConfig()
	return &client, nil
}

// UploadImageRequest is a synchronous image-to-text conversion.
type UploadImageRequest struct {
	ChatbotID     string          `json:"chatbot_id"`
	ImageData     string          `json:"image_data"`
	MessageText   string          `json:"message_text,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// UploadImageResponse carries the extracted text.
type UploadImageResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
}

// UploadImage converts an image through the tenant's image endpoint.
func (s *Service) UploadImage(ctx context.Context, req UploadImageRequest) (*UploadImageResponse, error) {
	cfg, err := s.settings.Load(ctx, req.ChatbotID)
	if err != nil {
		return nil, err
	}
	if !cfg.ImageEnabled || cfg.ImageAPIURL == "" {
		return nil, fmt.Errorf("%w: image upload not enabled for this chatbot", session.ErrInvalidInput)
	}

	text, err := s.images.Convert(ctx, cfg.ImageAPIURL, req.ImageData, req.MessageText)
	if err != nil {
		return nil, err
	}
	return &UploadImageResponse{Success: true, Text: text}, nil
}

// HealthResponse is the liveness view.
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

// Health pings the pool and counts active streaming sessions.
func (s *Service) Health(ctx context.Context) (*HealthResponse, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	active, err := s.sessions.ActiveSessionCount(ctx)
	if err != nil {
		return nil, err
	}
	return &HealthResponse{Status: "ok", ActiveSessions: active}, nil
}
