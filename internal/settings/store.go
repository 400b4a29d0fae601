package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dialogwise/chatcore/internal/logger"
)

// ErrNotFound is returned when no settings row exists for a chatbot id.
var ErrNotFound = errors.New("chatbot settings not found")

// Settings is the per-tenant configuration row. It is loaded once per
// request and passed through the whole pipeline; the store does not
// cache.
type Settings struct {
	ChatbotID     string          `json:"chatbot_id"`
	UpstreamURL   string          `json:"upstream_url"`
	FlowKeys      json.RawMessage `json:"flow_keys"`
	ImageAPIURL   string          `json:"image_api_url,omitempty"`
	ImageEnabled  bool            `json:"image_enabled"`
	PredictionURL string          `json:"prediction_url,omitempty"`
	FirstMessage  string          `json:"first_message,omitempty"`
	UILabels      json.RawMessage `json:"ui_labels"`
	FeatureFlags  json.RawMessage `json:"feature_flags"`
}

// ClientConfig is the projection of Settings safe to hand to the
// browser. Upstream endpoints and flow keys stay server-side.
type ClientConfig struct {
	ChatbotID    string          `json:"chatbot_id"`
	FirstMessage string          `json:"first_message,omitempty"`
	ImageEnabled bool            `json:"image_enabled"`
	UILabels     json.RawMessage `json:"ui_labels"`
	FeatureFlags json.RawMessage `json:"feature_flags"`
}

// ClientConfig returns the browser-visible view of the settings.
func (s *Settings) ClientConfig() ClientConfig {
	return ClientConfig{
		ChatbotID:    s.ChatbotID,
		FirstMessage: s.FirstMessage,
		ImageEnabled: s.ImageEnabled,
		UILabels:     s.UILabels,
		FeatureFlags: s.FeatureFlags,
	}
}

// Store reads tenant settings.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStore creates a settings store on the shared pool.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithComponent("settings"),
	}
}

// Load fetches the settings for one chatbot.
func (s *Store) Load(ctx context.Context, chatbotID string) (*Settings, error) {
	query := `
		SELECT chatbot_id, upstream_url, flow_keys,
		       COALESCE(image_api_url, ''), image_enabled,
		       COALESCE(prediction_url, ''), COALESCE(first_message, ''),
		       ui_labels, feature_flags
		FROM chatbot_settings
		WHERE chatbot_id = $1`

	var st Settings
	err := s.db.QueryRowContext(ctx, query, chatbotID).Scan(
		&st.ChatbotID, &st.UpstreamURL, &st.FlowKeys,
		&st.ImageAPIURL, &st.ImageEnabled,
		&st.PredictionURL, &st.FirstMessage,
		&st.UILabels, &st.FeatureFlags,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for chatbot %s: %w", chatbotID, err)
	}
	return &st, nil
}
