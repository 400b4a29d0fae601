package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithChatbotID adds a chatbot ID to the context.
func WithChatbotID(ctx context.Context, chatbotID string) context.Context {
	return context.WithValue(ctx, ContextKeyChatbotID, chatbotID)
}

// WithStreamSessionID adds a streaming session ID to the context.
func WithStreamSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeyStreamSessionID, sessionID)
}

// GenerateRequestID generates a new request ID.
func GenerateRequestID() string {
	requestID := uuid.New()
	return requestID.String()
}
