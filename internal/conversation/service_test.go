package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogwise/chatcore/internal/integrations"
	"github.com/dialogwise/chatcore/internal/logger"
	"github.com/dialogwise/chatcore/internal/marker"
	"github.com/dialogwise/chatcore/internal/session"
	"github.com/dialogwise/chatcore/internal/settings"
)

type fakeSessionLoader struct {
	snapshot *session.ConversationSession
}

func (f *fakeSessionLoader) GetConversationSession(context.Context, string) (*session.ConversationSession, error) {
	return f.snapshot, nil
}

type fakeSettingsLoader struct {
	settings *settings.Settings
}

func (f *fakeSettingsLoader) Load(context.Context, string) (*settings.Settings, error) {
	return f.settings, nil
}

type upsertCall struct {
	messages []Message
	derived  DerivedFields
}

type fakeStore struct {
	existing    *Conversation
	upserts     []upsertCall
	chunkCalls  []int
	chunkValues []ContextChunk
}

func (f *fakeStore) Get(context.Context, string, string) (*Conversation, error) {
	if f.existing == nil {
		return nil, ErrNotFound
	}
	return f.existing, nil
}

func (f *fakeStore) Upsert(_ context.Context, _, _ string, messages []Message, derived DerivedFields) (int, error) {
	f.upserts = append(f.upserts, upsertCall{messages: messages, derived: derived})
	return 7, nil
}

func (f *fakeStore) ReplaceContextChunks(_ context.Context, _ int, messageIndex int, chunks []ContextChunk) error {
	f.chunkCalls = append(f.chunkCalls, messageIndex)
	f.chunkValues = chunks
	return nil
}

type fakeClassifier struct {
	result Classification
	called bool
}

func (f *fakeClassifier) Classify(context.Context, string, string) (Classification, error) {
	f.called = true
	return f.result, nil
}

func newTestService(store *fakeStore, cfg *settings.Settings, classifier *fakeClassifier) *Service {
	log := logger.New(logger.Config{Level: slog.LevelError})
	snapshot := &session.ConversationSession{
		SessionID:   "cs-1",
		UserID:      "u1",
		ChatbotID:   "bot-1",
		MessageText: "hello",
	}
	return NewService(
		&fakeSessionLoader{snapshot: snapshot},
		&fakeSettingsLoader{settings: cfg},
		store, classifier,
		1, 8, time.Second, log,
	)
}

func TestPersistSeedsFirstMessageForNewConversation(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1", FirstMessage: "Welcome!"}, &fakeClassifier{})
	defer svc.Shutdown()

	err := svc.persist(context.Background(), Completion{
		ConversationSessionID: "cs-1",
		FinalText:             "Hi there",
		FinalTextWithMarkers:  "Hi there",
	})
	require.NoError(t, err)

	require.Len(t, store.upserts, 1)
	messages := store.upserts[0].messages
	require.Len(t, messages, 3)
	assert.Equal(t, RoleAssistant, messages[0].Role)
	assert.Equal(t, "Welcome!", messages[0].Text)
	assert.Equal(t, RoleUser, messages[1].Role)
	assert.Equal(t, "hello", messages[1].Text)
	assert.Equal(t, RoleAssistant, messages[2].Role)
	assert.Equal(t, "Hi there", messages[2].Text)
	assert.Equal(t, "Hi there", messages[2].TextWithMarkers)
}

func TestPersistExtendsExistingConversation(t *testing.T) {
	store := &fakeStore{existing: &Conversation{
		ID: 7, UserID: "u1", ChatbotID: "bot-1",
		Messages: []Message{
			{Role: RoleAssistant, Text: "Welcome!"},
			{Role: RoleUser, Text: "earlier question"},
			{Role: RoleAssistant, Text: "earlier answer"},
		},
	}}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1", FirstMessage: "Welcome!"}, &fakeClassifier{})
	defer svc.Shutdown()

	err := svc.persist(context.Background(), Completion{
		ConversationSessionID: "cs-1",
		FinalText:             "new answer",
		FinalTextWithMarkers:  "new answer%%",
	})
	require.NoError(t, err)

	require.Len(t, store.upserts, 1)
	messages := store.upserts[0].messages
	require.Len(t, messages, 5)
	assert.Equal(t, "new answer", messages[4].Text)
	assert.Equal(t, "new answer%%", messages[4].TextWithMarkers)

	// No new first message on an existing conversation.
	assert.Equal(t, "earlier question", messages[1].Text)
}

func TestPersistDerivedFieldsStayNilWithoutMarkers(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1"}, &fakeClassifier{})
	defer svc.Shutdown()

	require.NoError(t, svc.persist(context.Background(), Completion{ConversationSessionID: "cs-1", FinalText: "ok"}))

	derived := store.upserts[0].derived
	assert.Nil(t, derived.Emne)
	assert.Nil(t, derived.IsLivechat)
	assert.Nil(t, derived.Fallback)
}

func TestPersistMarksLivechatOnHumanAgent(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1"}, &fakeClassifier{})
	defer svc.Shutdown()

	require.NoError(t, svc.persist(context.Background(), Completion{
		ConversationSessionID: "cs-1",
		FinalText:             "let me get someone",
		Markers:               marker.Markers{HumanAgent: true},
	}))

	derived := store.upserts[0].derived
	require.NotNil(t, derived.IsLivechat)
	assert.True(t, *derived.IsLivechat)
}

func TestPersistReplacesChunksAtAssistantIndex(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1", FirstMessage: "Welcome!"}, &fakeClassifier{})
	defer svc.Shutdown()

	chunks, _ := json.Marshal([]map[string]any{
		{"pageContent": "doc one", "metadata": map[string]string{"source": "kb"}, "score": 0.92},
		{"pageContent": "doc two"},
	})

	require.NoError(t, svc.persist(context.Background(), Completion{
		ConversationSessionID: "cs-1",
		FinalText:             "answer",
		ContextChunks:         chunks,
	}))

	// Seed + user + assistant puts the assistant turn at index 2.
	assert.Equal(t, []int{2}, store.chunkCalls)
	require.Len(t, store.chunkValues, 2)
	assert.Equal(t, "doc one", store.chunkValues[0].Content)
	require.NotNil(t, store.chunkValues[0].SimilarityScore)
	assert.InDelta(t, 0.92, *store.chunkValues[0].SimilarityScore, 1e-9)
}

func TestPersistRunsClassifierWhenConfigured(t *testing.T) {
	emne := "billing"
	classifier := &fakeClassifier{result: Classification{Emne: &emne}}
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1", PredictionURL: "http://predict"}, classifier)
	defer svc.Shutdown()

	require.NoError(t, svc.persist(context.Background(), Completion{ConversationSessionID: "cs-1", FinalText: "ok"}))

	assert.True(t, classifier.called)
	require.Len(t, store.upserts, 2)
	require.NotNil(t, store.upserts[1].derived.Emne)
	assert.Equal(t, "billing", *store.upserts[1].derived.Emne)
}

func TestPersistSkipsClassifierWithoutPredictionURL(t *testing.T) {
	classifier := &fakeClassifier{}
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1"}, classifier)
	defer svc.Shutdown()

	require.NoError(t, svc.persist(context.Background(), Completion{ConversationSessionID: "cs-1", FinalText: "ok"}))

	assert.False(t, classifier.called)
	assert.Len(t, store.upserts, 1)
}

type fakeTicketer struct {
	enabled bool
	tickets []integrations.TicketInput
}

func (f *fakeTicketer) Enabled() bool { return f.enabled }

func (f *fakeTicketer) CreateTicket(_ context.Context, in integrations.TicketInput) (*integrations.Ticket, error) {
	f.tickets = append(f.tickets, in)
	return &integrations.Ticket{ID: 42}, nil
}

func TestPersistOpensTicketOnMarker(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1"}, &fakeClassifier{})
	defer svc.Shutdown()

	ticketer := &fakeTicketer{enabled: true}
	svc.SetTicketer(ticketer)
	svc.sessions.(*fakeSessionLoader).snapshot.Configuration = json.RawMessage(`{"email":"user@example.com"}`)

	require.NoError(t, svc.persist(context.Background(), Completion{
		ConversationSessionID: "cs-1",
		FinalText:             "filing a ticket for you",
		Markers:               marker.Markers{Freshdesk: true},
	}))

	require.Len(t, ticketer.tickets, 1)
	assert.Equal(t, "user@example.com", ticketer.tickets[0].Email)
	assert.Contains(t, ticketer.tickets[0].Description, "filing a ticket for you")
}

func TestPersistSkipsTicketWithoutEmail(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1"}, &fakeClassifier{})
	defer svc.Shutdown()

	ticketer := &fakeTicketer{enabled: true}
	svc.SetTicketer(ticketer)

	require.NoError(t, svc.persist(context.Background(), Completion{
		ConversationSessionID: "cs-1",
		FinalText:             "ok",
		Markers:               marker.Markers{Freshdesk: true},
	}))

	assert.Empty(t, ticketer.tickets)
	assert.Len(t, store.upserts, 1)
}

func TestEnqueueProcessesAsynchronously(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1"}, &fakeClassifier{})

	require.NoError(t, svc.Enqueue(context.Background(), Completion{ConversationSessionID: "cs-1", FinalText: "ok"}))
	svc.Shutdown()

	assert.Len(t, store.upserts, 1)
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store, &settings.Settings{ChatbotID: "bot-1"}, &fakeClassifier{})
	svc.Shutdown()

	err := svc.Enqueue(context.Background(), Completion{ConversationSessionID: "cs-1"})
	assert.Error(t, err)
}

func TestParseContextChunksUnknownShape(t *testing.T) {
	assert.Nil(t, parseContextChunks(json.RawMessage(`"not an array"`)))
	assert.Nil(t, parseContextChunks(nil))
}
