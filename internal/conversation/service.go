package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dialogwise/chatcore/internal/integrations"
	"github.com/dialogwise/chatcore/internal/logger"
	"github.com/dialogwise/chatcore/internal/marker"
	"github.com/dialogwise/chatcore/internal/session"
	"github.com/dialogwise/chatcore/internal/settings"
)

// Completion is the outcome of one finished stream, queued for
// persistence. The client-visible success path never waits on it.
type Completion struct {
	ConversationSessionID string
	StreamingSessionID    string
	FinalText             string
	FinalTextWithMarkers  string
	Markers               marker.Markers
	ContextChunks         json.RawMessage
}

type persistRequest struct {
	ctx        context.Context
	completion Completion
}

type sessionLoader interface {
	GetConversationSession(ctx context.Context, sessionID string) (*session.ConversationSession, error)
}

type settingsLoader interface {
	Load(ctx context.Context, chatbotID string) (*settings.Settings, error)
}

type conversationStore interface {
	Get(ctx context.Context, userID, chatbotID string) (*Conversation, error)
	Upsert(ctx context.Context, userID, chatbotID string, messages []Message, derived DerivedFields) (int, error)
	ReplaceContextChunks(ctx context.Context, conversationID, messageIndex int, chunks []ContextChunk) error
}

type turnClassifier interface {
	Classify(ctx context.Context, predictionURL, conversationText string) (Classification, error)
}

type ticketCreator interface {
	Enabled() bool
	CreateTicket(ctx context.Context, in integrations.TicketInput) (*integrations.Ticket, error)
}

// Service persists completed turns through a bounded worker pool.
// Enqueue never blocks the streaming path; when the queue is full the
// completion is dropped and counted.
type Service struct {
	sessions     sessionLoader
	settings     settingsLoader
	store        conversationStore
	classifier   turnClassifier
	ticketer     ticketCreator
	persistChan  chan persistRequest
	workerPool   sync.WaitGroup
	shutdown     chan struct{}
	closed       atomic.Bool
	droppedTotal atomic.Int64
	timeout      time.Duration
	logger       *logger.Logger
}

// NewService starts the persistence worker pool.
func NewService(sessions sessionLoader, settingsStore settingsLoader, store conversationStore, classifier turnClassifier, workers, bufferSize int, timeout time.Duration, log *logger.Logger) *Service {
	s := &Service{
		sessions:    sessions,
		settings:    settingsStore,
		store:       store,
		classifier:  classifier,
		persistChan: make(chan persistRequest, bufferSize),
		shutdown:    make(chan struct{}),
		timeout:     timeout,
		logger:      log.WithComponent("persistence"),
	}

	for i := 0; i < workers; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}

	return s
}

// SetTicketer attaches the support ticket integration. Turns that raise
// the ticketing marker open a ticket during persistence.
func (s *Service) SetTicketer(t ticketCreator) {
	s.ticketer = t
}

// Enqueue queues one completion for persistence.
func (s *Service) Enqueue(ctx context.Context, completion Completion) error {
	if s.closed.Load() {
		return errors.New("persistence service is shutting down")
	}

	select {
	case s.persistChan <- persistRequest{ctx: ctx, completion: completion}:
		return nil
	default:
		dropped := s.droppedTotal.Add(1)
		s.logger.Error("persistence queue full, dropping completion",
			slog.String("streaming_session_id", completion.StreamingSessionID),
			slog.Int64("total_dropped", dropped))
		return errors.New("persistence queue is full")
	}
}

// DroppedTotal reports how many completions were dropped on a full queue.
func (s *Service) DroppedTotal() int64 {
	return s.droppedTotal.Load()
}

// QueueDepth reports the current number of queued completions.
func (s *Service) QueueDepth() int {
	return len(s.persistChan)
}

// Shutdown drains the queue and stops the workers.
func (s *Service) Shutdown() {
	s.closed.Store(true)
	close(s.shutdown)
	s.workerPool.Wait()
	close(s.persistChan)
}

func (s *Service) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case req := <-s.persistChan:
			s.handle(req)
		case <-s.shutdown:
			// Drain remaining completions before exiting.
			for {
				select {
				case req := <-s.persistChan:
					s.handle(req)
				default:
					return
				}
			}
		}
	}
}

// handle gives every persistence job a bounded deadline of its own.
func (s *Service) handle(req persistRequest) {
	ctx := req.ctx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) < time.Second {
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	}
	if cancel != nil {
		defer cancel()
	}

	if err := s.persist(ctx, req.completion); err != nil {
		s.logger.LogError(ctx, err, "failed to persist completed turn",
			"streaming_session_id", req.completion.StreamingSessionID)
	}
}

// persist runs the full post-stream pipeline: load the snapshot,
// extend the message list, upsert the conversation, replace the context
// chunks and classify. Chunk and classification failures are logged
// and do not unwind the message persistence.
func (s *Service) persist(ctx context.Context, completion Completion) error {
	snapshot, err := s.sessions.GetConversationSession(ctx, completion.ConversationSessionID)
	if err != nil {
		return fmt.Errorf("failed to load session snapshot: %w", err)
	}

	cfg, err := s.settings.Load(ctx, snapshot.ChatbotID)
	if err != nil {
		return fmt.Errorf("failed to load tenant settings: %w", err)
	}

	var existingMessages []Message
	existing, err := s.store.Get(ctx, snapshot.UserID, snapshot.ChatbotID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		existingMessages = existing.Messages
	}

	var userImage *MessageImage
	if snapshot.Image != nil {
		userImage = &MessageImage{
			Data:   snapshot.Image.Data,
			Name:   snapshot.Image.Name,
			Mime:   snapshot.Image.Mime,
			Size:   snapshot.Image.Size,
			IsFile: true,
		}
	}

	messages := appendTurn(existingMessages, cfg.FirstMessage, Turn{
		UserText:             snapshot.MessageText,
		UserImage:            userImage,
		AssistantText:        completion.FinalText,
		AssistantWithMarkers: completion.FinalTextWithMarkers,
	})

	var derived DerivedFields
	if completion.Markers.HumanAgent {
		livechat := true
		derived.IsLivechat = &livechat
	}

	conversationID, err := s.store.Upsert(ctx, snapshot.UserID, snapshot.ChatbotID, messages, derived)
	if err != nil {
		return err
	}

	assistantIndex := len(messages) - 1
	chunks := parseContextChunks(completion.ContextChunks)
	if len(chunks) > 0 {
		if err := s.store.ReplaceContextChunks(ctx, conversationID, assistantIndex, chunks); err != nil {
			s.logger.LogError(ctx, err, "failed to replace context chunks",
				"conversation_id", conversationID, "message_index", assistantIndex)
		}
	}

	if completion.Markers.Freshdesk && s.ticketer != nil && s.ticketer.Enabled() {
		s.openTicket(ctx, snapshot, messages)
	}

	if cfg.PredictionURL != "" {
		s.classify(ctx, cfg.PredictionURL, snapshot, messages)
	}

	s.logger.WithContext(ctx).Info("persisted completed turn",
		slog.Int("conversation_id", conversationID),
		slog.Int("messages", len(messages)))
	return nil
}

// openTicket files a support ticket carrying the transcript. The
// requester email comes from the turn's configuration bag; without one
// no ticket can be filed.
func (s *Service) openTicket(ctx context.Context, snapshot *session.ConversationSession, messages []Message) {
	email := configEmail(snapshot.Configuration)
	if email == "" {
		s.logger.WithContext(ctx).Debug("ticket marker raised but no requester email in configuration",
			slog.String("session_id", snapshot.SessionID))
		return
	}

	ticket, err := s.ticketer.CreateTicket(ctx, integrations.TicketInput{
		Subject:     "Support request from chatbot " + snapshot.ChatbotID,
		Description: transcript(messages),
		Email:       email,
	})
	if err != nil {
		s.logger.LogError(ctx, err, "failed to create support ticket", "chatbot_id", snapshot.ChatbotID)
		return
	}
	s.logger.WithContext(ctx).Info("support ticket created", slog.Int64("ticket_id", ticket.ID))
}

// configEmail pulls the requester email out of the configuration bag.
func configEmail(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var cfg struct {
		Email     string `json:"email"`
		UserEmail string `json:"user_email"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ""
	}
	if cfg.Email != "" {
		return cfg.Email
	}
	return cfg.UserEmail
}

// classify runs the best-effort analytics pass and writes the derived
// fields through the same COALESCE upsert.
func (s *Service) classify(ctx context.Context, predictionURL string, snapshot *session.ConversationSession, messages []Message) {
	cl, err := s.classifier.Classify(ctx, predictionURL, transcript(messages))
	if err != nil {
		s.logger.LogError(ctx, err, "classification failed", "chatbot_id", snapshot.ChatbotID)
		return
	}

	derived := DerivedFields{
		Emne:        cl.Emne,
		Score:       cl.Score,
		LackingInfo: cl.LackingInfo,
		Fallback:    cl.Fallback,
	}
	if _, err := s.store.Upsert(ctx, snapshot.UserID, snapshot.ChatbotID, messages, derived); err != nil {
		s.logger.LogError(ctx, err, "failed to write classification", "chatbot_id", snapshot.ChatbotID)
	}
}

// parseContextChunks decodes the upstream sourceDocuments payload.
// Unknown shapes decode to an empty list rather than failing the turn.
func parseContextChunks(raw json.RawMessage) []ContextChunk {
	if len(raw) == 0 {
		return nil
	}

	var docs []struct {
		PageContent     string          `json:"pageContent"`
		Content         string          `json:"content"`
		Metadata        json.RawMessage `json:"metadata"`
		Score           *float64        `json:"score"`
		SimilarityScore *float64        `json:"similarityScore"`
	}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil
	}

	chunks := make([]ContextChunk, 0, len(docs))
	for _, doc := range docs {
		content := doc.PageContent
		if content == "" {
			content = doc.Content
		}
		score := doc.Score
		if score == nil {
			score = doc.SimilarityScore
		}
		chunks = append(chunks, ContextChunk{
			Content:         content,
			Metadata:        doc.Metadata,
			SimilarityScore: score,
		})
	}
	return chunks
}
