package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dialogwise/chatcore/internal/logger"
)

// ErrNotFound is returned when no conversation exists for the tenancy key.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the rolling per-(user, chatbot) record.
type Conversation struct {
	ID        int
	UserID    string
	ChatbotID string
	Messages  []Message
}

// DerivedFields are the analytics columns on a conversation row. Nil
// pointers mean "no new value"; the upsert keeps the existing column
// via COALESCE.
type DerivedFields struct {
	Emne                    *string
	Score                   *string
	CustomerRating          *string
	LackingInfo             *bool
	BugStatus               *string
	PurchaseTrackingEnabled *bool
	IsLivechat              *bool
	Fallback                *bool
}

// ContextChunk is one retrieved knowledge-base fragment persisted
// alongside an assistant turn.
type ContextChunk struct {
	Content         string
	Metadata        json.RawMessage
	SimilarityScore *float64
}

// Store owns the conversations and message_context_chunks tables.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewStore creates a conversation store on the shared pool.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithComponent("conversation"),
	}
}

// Get loads the conversation for one (user, chatbot) pair.
func (s *Store) Get(ctx context.Context, userID, chatbotID string) (*Conversation, error) {
	query := `
		SELECT id, user_id, chatbot_id, conversation_data
		FROM conversations
		WHERE user_id = $1 AND chatbot_id = $2`

	var conv Conversation
	var data []byte
	err := s.db.QueryRowContext(ctx, query, userID, chatbotID).Scan(
		&conv.ID, &conv.UserID, &conv.ChatbotID, &data,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	if err := json.Unmarshal(data, &conv.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode conversation data: %w", err)
	}
	return &conv, nil
}

// Upsert replaces the full message list for the (user, chatbot) row and
// refreshes created_at. Derived fields only move when a non-nil value
// is supplied; existing values survive via COALESCE.
func (s *Store) Upsert(ctx context.Context, userID, chatbotID string, messages []Message, derived DerivedFields) (int, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return 0, fmt.Errorf("failed to encode conversation data: %w", err)
	}

	query := `
		INSERT INTO conversations
			(user_id, chatbot_id, conversation_data, emne, score, customer_rating,
			 lacking_info, bug_status, purchase_tracking_enabled, is_livechat, fallback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, FALSE), $11)
		ON CONFLICT (user_id, chatbot_id) DO UPDATE SET
			conversation_data = EXCLUDED.conversation_data,
			created_at = NOW(),
			emne = COALESCE($4, conversations.emne),
			score = COALESCE($5, conversations.score),
			customer_rating = COALESCE($6, conversations.customer_rating),
			lacking_info = COALESCE($7, conversations.lacking_info),
			bug_status = COALESCE($8, conversations.bug_status),
			purchase_tracking_enabled = COALESCE($9, conversations.purchase_tracking_enabled),
			is_livechat = COALESCE($10, conversations.is_livechat),
			fallback = COALESCE($11, conversations.fallback)
		RETURNING id`

	var id int
	err = s.db.QueryRowContext(ctx, query,
		userID, chatbotID, data,
		derived.Emne, derived.Score, derived.CustomerRating,
		derived.LackingInfo, derived.BugStatus, derived.PurchaseTrackingEnabled,
		derived.IsLivechat, derived.Fallback,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return id, nil
}

// ReplaceContextChunks swaps the chunk set for one message index. The
// delete and insert run in a single transaction so readers never see a
// mixed set.
func (s *Store) ReplaceContextChunks(ctx context.Context, conversationID, messageIndex int, chunks []ContextChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chunk transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM message_context_chunks WHERE conversation_id = $1 AND message_index = $2`,
		conversationID, messageIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	for _, chunk := range chunks {
		metadata := chunk.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_context_chunks
				(conversation_id, message_index, chunk_content, chunk_metadata, similarity_score)
			 VALUES ($1, $2, $3, $4, $5)`,
			conversationID, messageIndex, chunk.Content, []byte(metadata), chunk.SimilarityScore,
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	return tx.Commit()
}
