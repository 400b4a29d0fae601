package conversation

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialogwise/chatcore/internal/logger"
)

func TestParseClassification(t *testing.T) {
	cl := ParseClassification("Emne(billing) Happy(4) info(no) fallback(yes)")

	require.NotNil(t, cl.Emne)
	assert.Equal(t, "billing", *cl.Emne)
	require.NotNil(t, cl.Score)
	assert.Equal(t, "4", *cl.Score)
	require.NotNil(t, cl.LackingInfo)
	assert.False(t, *cl.LackingInfo)
	require.NotNil(t, cl.Fallback)
	assert.True(t, *cl.Fallback)
}

func TestParseClassificationPartialResponse(t *testing.T) {
	cl := ParseClassification("Emne(shipping) some unrelated text")

	require.NotNil(t, cl.Emne)
	assert.Equal(t, "shipping", *cl.Emne)
	assert.Nil(t, cl.Score)
	assert.Nil(t, cl.LackingInfo)
	assert.Nil(t, cl.Fallback)
}

func TestParseClassificationNoMatch(t *testing.T) {
	cl := ParseClassification("the model rambled instead")

	assert.Nil(t, cl.Emne)
	assert.Nil(t, cl.Score)
	assert.Nil(t, cl.LackingInfo)
	assert.Nil(t, cl.Fallback)
}

func TestClassifyAgainstHTTPServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"text":"Emne(returns) Happy(2) info(yes) fallback(no)"}`))
	}))
	defer server.Close()

	c := NewClassifier(time.Second, logger.New(logger.Config{Level: slog.LevelError}))
	cl, err := c.Classify(context.Background(), server.URL, "user: where is my order\n")
	require.NoError(t, err)

	require.NotNil(t, cl.Emne)
	assert.Equal(t, "returns", *cl.Emne)
	require.NotNil(t, cl.LackingInfo)
	assert.True(t, *cl.LackingInfo)
	require.NotNil(t, cl.Fallback)
	assert.False(t, *cl.Fallback)
}

func TestClassifyErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClassifier(time.Second, logger.New(logger.Config{Level: slog.LevelError}))
	_, err := c.Classify(context.Background(), server.URL, "text")
	assert.Error(t, err)
}
