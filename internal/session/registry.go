package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dialogwise/chatcore/internal/logger"
)

// Streaming session lifecycle. A session is created active and moves to
// exactly one terminal state.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrNotFound is returned when a session id does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidInput is returned when a required field is missing.
	ErrInvalidInput = errors.New("invalid session input")
)

// ImagePayload is an uploaded image carried alongside the user message.
// Data is a data URL; images are not persisted to object storage.
type ImagePayload struct {
	Data string `json:"data"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	Size int64  `json:"size"`
}

// ConversationSession is the immutable snapshot of one incoming request.
type ConversationSession struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	ChatbotID     string          `json:"chatbot_id"`
	MessageText   string          `json:"message_text"`
	Image         *ImagePayload   `json:"image,omitempty"`
	Configuration json.RawMessage `json:"configuration"`
	CreatedAt     time.Time       `json:"created_at"`
}

// StreamingStatus is the polled view of a streaming session.
type StreamingStatus struct {
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error,omitempty"`
	FinalResult  json.RawMessage `json:"final_result,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// CreateSessionInput carries the validated fields of a new conversation
// session.
type CreateSessionInput struct {
	UserID        string
	ChatbotID     string
	MessageText   string
	Image         *ImagePayload
	Configuration json.RawMessage
}

// Registry owns the conversation and streaming session tables. Tenants
// may run any number of sessions concurrently; the registry never
// serializes them.
type Registry struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewRegistry creates a session registry on the shared pool.
func NewRegistry(db *sql.DB, log *logger.Logger) *Registry {
	return &Registry{
		db:     db,
		logger: log.WithComponent("session"),
	}
}

// CreateConversationSession persists the request snapshot and returns a
// new opaque session id.
func (r *Registry) CreateConversationSession(ctx context.Context, in CreateSessionInput) (string, error) {
	if in.UserID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if in.ChatbotID == "" {
		return "", fmt.Errorf("%w: chatbot_id is required", ErrInvalidInput)
	}
	if in.MessageText == "" {
		return "", fmt.Errorf("%w: message_text is required", ErrInvalidInput)
	}

	sessionID := uuid.New().String()

	configuration := in.Configuration
	if len(configuration) == 0 {
		configuration = json.RawMessage(`{}`)
	}

	var imageData, imageName, imageMime sql.NullString
	var imageSize sql.NullInt64
	if in.Image != nil {
		imageData = sql.NullString{String: in.Image.Data, Valid: true}
		imageName = sql.NullString{String: in.Image.Name, Valid: true}
		imageMime = sql.NullString{String: in.Image.Mime, Valid: true}
		imageSize = sql.NullInt64{Int64: in.Image.Size, Valid: true}
	}

	query := `
		INSERT INTO conversation_sessions
			(session_id, user_id, chatbot_id, message_text, image_data, image_name, image_mime, image_size, configuration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		sessionID, in.UserID, in.ChatbotID, in.MessageText,
		imageData, imageName, imageMime, imageSize, []byte(configuration),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation session: %w", err)
	}

	return sessionID, nil
}

// GetConversationSession loads the snapshot for a session id.
func (r *Registry) GetConversationSession(ctx context.Context, sessionID string) (*ConversationSession, error) {
	query := `
		SELECT session_id, user_id, chatbot_id, message_text,
		       image_data, image_name, image_mime, image_size,
		       configuration, created_at
		FROM conversation_sessions
		WHERE session_id = $1`

	var cs ConversationSession
	var imageData, imageName, imageMime sql.NullString
	var imageSize sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&cs.SessionID, &cs.UserID, &cs.ChatbotID, &cs.MessageText,
		&imageData, &imageName, &imageMime, &imageSize,
		&cs.Configuration, &cs.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation session: %w", err)
	}

	if imageData.Valid {
		cs.Image = &ImagePayload{
			Data: imageData.String,
			Name: imageName.String,
			Mime: imageMime.String,
			Size: imageSize.Int64,
		}
	}
	return &cs, nil
}

// CreateStreamingSession creates an active child session for one
// upstream call.
func (r *Registry) CreateStreamingSession(ctx context.Context, conversationSessionID, upstreamURL string) (string, error) {
	streamingSessionID := uuid.New().String()

	query := `
		INSERT INTO streaming_sessions (streaming_session_id, conversation_session_id, upstream_url, status)
		VALUES ($1, $2, $3, $4)`

	_, err := r.db.ExecContext(ctx, query,
		streamingSessionID, conversationSessionID, upstreamURL, StatusActive,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create streaming session: %w", err)
	}

	return streamingSessionID, nil
}

// MarkCompleted moves an active session to completed. A session already
// in a terminal state absorbs the call silently.
func (r *Registry) MarkCompleted(ctx context.Context, streamingSessionID string, finalResult json.RawMessage) error {
	query := `
		UPDATE streaming_sessions
		SET status = $2, final_result = $3, completed_at = NOW()
		WHERE streaming_session_id = $1 AND status = $4`

	var result any = nil
	if len(finalResult) > 0 {
		result = []byte(finalResult)
	}

	res, err := r.db.ExecContext(ctx, query, streamingSessionID, StatusCompleted, result, StatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark session completed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		r.logger.Debug("terminal transition ignored, session not active",
			"streaming_session_id", streamingSessionID, "target", StatusCompleted)
	}
	return nil
}

// MarkFailed moves an active session to failed with the observed error
// text. Terminal sessions absorb the call silently.
func (r *Registry) MarkFailed(ctx context.Context, streamingSessionID, errorMessage string) error {
	query := `
		UPDATE streaming_sessions
		SET status = $2, error_message = $3, completed_at = NOW()
		WHERE streaming_session_id = $1 AND status = $4`

	res, err := r.db.ExecContext(ctx, query, streamingSessionID, StatusFailed, errorMessage, StatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		r.logger.Debug("terminal transition ignored, session not active",
			"streaming_session_id", streamingSessionID, "target", StatusFailed)
	}
	return nil
}

// GetStatus returns the current lifecycle view of a streaming session.
func (r *Registry) GetStatus(ctx context.Context, streamingSessionID string) (*StreamingStatus, error) {
	query := `
		SELECT status, COALESCE(error_message, ''), final_result, completed_at
		FROM streaming_sessions
		WHERE streaming_session_id = $1`

	var st StreamingStatus
	var finalResult []byte
	var completedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, streamingSessionID).Scan(
		&st.Status, &st.ErrorMessage, &finalResult, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load streaming session: %w", err)
	}

	if len(finalResult) > 0 {
		st.FinalResult = json.RawMessage(finalResult)
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return &st, nil
}

// ActiveSessionCount reports how many streaming sessions went active in
// the last hour and have not reached a terminal state, for the health
// endpoint. Older active rows are abandoned streams awaiting purge.
func (r *Registry) ActiveSessionCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM streaming_sessions
		 WHERE status = $1 AND created_at > NOW() - INTERVAL '1 hour'`, StatusActive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// PurgeOlderThan deletes conversation sessions older than the cutoff.
// Child streaming sessions and their events go with them via cascade.
func (r *Registry) PurgeOlderThan(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_sessions WHERE created_at < NOW() - $1::interval`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		r.logger.Info("purged conversation sessions", "deleted", deleted, "older_than", cutoff)
	}
	return deleted, nil
}
