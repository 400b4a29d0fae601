package session

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dialogwise/chatcore/internal/logger"
)

func testRegistry() *Registry {
	return NewRegistry(nil, logger.New(logger.Config{Level: slog.LevelError}))
}

func TestCreateConversationSessionRequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		input CreateSessionInput
	}{
		{"missing user_id", CreateSessionInput{ChatbotID: "bot", MessageText: "hi"}},
		{"missing chatbot_id", CreateSessionInput{UserID: "u1", MessageText: "hi"}},
		{"missing message_text", CreateSessionInput{UserID: "u1", ChatbotID: "bot"}},
	}

	r := testRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CreateConversationSession(context.Background(), tt.input)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
