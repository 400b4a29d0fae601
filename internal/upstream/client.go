package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dialogwise/chatcore/internal/eventlog"
	"github.com/dialogwise/chatcore/internal/logger"
	"github.com/dialogwise/chatcore/internal/marker"
	"github.com/dialogwise/chatcore/internal/metrics"
)

const (
	// doneFrame terminates the stream regardless of whether an end
	// event was seen.
	doneFrame = "[DONE]"

	// dataPrefix starts every SSE frame line.
	dataPrefix = "data:"

	// readChunkSize is the read buffer for the upstream response body.
	readChunkSize = 16 * 1024

	// maxBufferSize bounds the reassembly buffer. A single frame larger
	// than this fails the stream rather than exhausting memory.
	maxBufferSize = 1024 * 1024
)

// frame is one upstream SSE payload.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Result is the assembled outcome of a completed stream, handed to the
// persistence layer.
type Result struct {
	ConversationSessionID string
	StreamingSessionID    string
	FinalText             string
	FinalTextWithMarkers  string
	Markers               marker.Markers
	ContextChunks         json.RawMessage
}

// EndHook receives the result of every successfully completed stream.
// It must not block; persistence runs on its own workers.
type EndHook func(ctx context.Context, res Result)

// EventAppender is the event log surface the consumer writes to.
type EventAppender interface {
	Append(ctx context.Context, streamingSessionID, eventType string, payload any) (int64, error)
}

// SessionMarker moves streaming sessions to their terminal state.
type SessionMarker interface {
	MarkCompleted(ctx context.Context, streamingSessionID string, finalResult json.RawMessage) error
	MarkFailed(ctx context.Context, streamingSessionID, errorMessage string) error
}

// Client opens one POST per streaming session against the tenant's
// upstream endpoint, parses the SSE framing and translates it into
// event log appends. One consumer goroutine per session; consumers run
// to completion independently of the HTTP handler that launched them.
type Client struct {
	httpClient *http.Client
	events     EventAppender
	sessions   SessionMarker
	onEnd      EndHook
	apiToken   string
	retryDelay time.Duration
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// NewClient creates an upstream streaming client.
func NewClient(events EventAppender, sessions SessionMarker, apiToken string, connectTimeout, retryDelay time.Duration, onEnd EndHook, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			// Covers connection establishment only; the streaming body
			// read is not bounded here.
			Timeout: 0,
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
			},
		},
		events:     events,
		sessions:   sessions,
		onEnd:      onEnd,
		apiToken:   apiToken,
		retryDelay: retryDelay,
		logger:     log.WithComponent("upstream"),
	}
}

// SetMetrics attaches the process metrics. Must be called before Start
// if instrumentation is desired.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// appendEvent writes one event and counts it.
func (c *Client) appendEvent(ctx context.Context, streamingSessionID, eventType string, payload any) (int64, error) {
	id, err := c.events.Append(ctx, streamingSessionID, eventType, payload)
	if err == nil && c.metrics != nil {
		c.metrics.EventsAppended.Inc()
	}
	return id, err
}

// StartInput describes one upstream call.
type StartInput struct {
	StreamingSessionID    string
	ConversationSessionID string
	UpstreamURL           string
	RequestBody           map[string]any
}

// Start launches the consumer goroutine and returns immediately.
func (c *Client) Start(ctx context.Context, in StartInput) {
	ctx = logger.WithStreamSessionID(context.WithoutCancel(ctx), in.StreamingSessionID)
	go c.consume(ctx, in)
}

// consume runs the whole lifecycle of one streaming session: connect,
// read, translate, terminate.
func (c *Client) consume(ctx context.Context, in StartInput) {
	log := c.logger.WithContext(ctx)

	if c.metrics != nil {
		c.metrics.ActiveStreams.Inc()
		defer c.metrics.ActiveStreams.Dec()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in upstream consumer", slog.Any("panic", r))
			c.fail(ctx, in.StreamingSessionID, fmt.Sprintf("panic: %v", r))
		}
	}()

	body, err := c.connect(ctx, in)
	if err != nil {
		log.Error("upstream connect failed", slog.String("error", err.Error()))
		c.fail(ctx, in.StreamingSessionID, err.Error())
		return
	}
	defer body.Close()

	if err := c.readStream(ctx, in, body); err != nil {
		log.Error("upstream stream failed", slog.String("error", err.Error()))
		c.fail(ctx, in.StreamingSessionID, err.Error())
	}
}

// connect opens the POST with streaming enabled. A failure whose text
// mentions a network-class problem is retried once after the configured
// delay; any other failure, and any failure of the retry itself, is
// final. No retry ever happens after bytes have been delivered.
func (c *Client) connect(ctx context.Context, in StartInput) (io.ReadCloser, error) {
	body, err := c.open(ctx, in)
	if err == nil {
		return body, nil
	}

	if !isNetworkError(err) {
		return nil, err
	}

	c.logger.WithContext(ctx).Warn("retrying upstream connect",
		slog.String("error", err.Error()),
		slog.Duration("delay", c.retryDelay))

	select {
	case <-time.After(c.retryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.open(ctx, in)
}

func (c *Client) open(ctx context.Context, in StartInput) (io.ReadCloser, error) {
	payload := make(map[string]any, len(in.RequestBody)+1)
	for k, v := range in.RequestBody {
		payload[k] = v
	}
	payload["streaming"] = true

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.UpstreamURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Neutral wrap: whether the failure is retriable is decided by
		// the underlying error text, not by this prefix.
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, string(snippet))
	}
	return resp.Body, nil
}

// isNetworkError reports whether the error text marks a network-class
// failure eligible for the single connect retry.
func isNetworkError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "network") || strings.Contains(msg, "fetch")
}

// readStream consumes the SSE body and translates frames into event
// log appends. Returns nil when the stream reached a clean terminal
// state, including an upstream-reported error event.
func (c *Client) readStream(ctx context.Context, in StartInput, body io.Reader) error {
	log := c.logger.WithContext(ctx)

	machine := marker.New()
	var flags marker.Markers
	var contextChunks json.RawMessage
	ended := false

	emitFragments := func(frags []marker.Fragment) error {
		for _, f := range frags {
			if _, err := c.appendEvent(ctx, in.StreamingSessionID, eventlog.TypeToken, eventlog.TokenData{
				Text:    f.Text,
				Markers: f.Markers,
			}); err != nil {
				return err
			}
			mergeMarkers(&flags, f.Markers)
		}
		return nil
	}

	finish := func() error {
		if ended {
			return nil
		}
		ended = true

		if err := emitFragments(machine.Finish()); err != nil {
			return err
		}

		finalText := machine.FinalText()
		if _, err := c.appendEvent(ctx, in.StreamingSessionID, eventlog.TypeEnd, eventlog.EndData{
			FinalText:     finalText,
			ContextChunks: contextChunks,
		}); err != nil {
			return err
		}

		finalResult, _ := json.Marshal(map[string]any{
			"finalText": finalText,
			"markers":   flags,
		})
		if err := c.sessions.MarkCompleted(ctx, in.StreamingSessionID, finalResult); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.StreamsCompleted.Inc()
		}

		if c.onEnd != nil {
			c.onEnd(ctx, Result{
				ConversationSessionID: in.ConversationSessionID,
				StreamingSessionID:    in.StreamingSessionID,
				FinalText:             finalText,
				FinalTextWithMarkers:  machine.FinalTextWithMarkers(),
				Markers:               flags,
				ContextChunks:         contextChunks,
			})
		}

		log.Info("upstream stream completed",
			slog.Int("final_text_len", len(finalText)))
		return nil
	}

	handleFrame := func(fr frame) (bool, error) {
		switch fr.Event {
		case "start":
			_, err := c.appendEvent(ctx, in.StreamingSessionID, eventlog.TypeStart, eventlog.StartData{
				Message: "Stream started",
			})
			return false, err

		case "sourceDocuments":
			contextChunks = fr.Data
			_, err := c.appendEvent(ctx, in.StreamingSessionID, eventlog.TypeContext, eventlog.ContextData{
				Chunks: fr.Data,
			})
			return false, err

		case "token":
			var token string
			if err := json.Unmarshal(fr.Data, &token); err != nil {
				// Non-string token payloads are passed through raw.
				token = string(fr.Data)
			}
			return false, emitFragments(machine.Feed(token))

		case "end":
			return true, finish()

		case "error":
			msg := decodeErrorMessage(fr.Data)
			if _, err := c.appendEvent(ctx, in.StreamingSessionID, eventlog.TypeError, eventlog.ErrorData{
				Message: msg,
			}); err != nil {
				return true, err
			}
			if err := c.sessions.MarkFailed(ctx, in.StreamingSessionID, msg); err != nil {
				return true, err
			}
			if c.metrics != nil {
				c.metrics.StreamsFailed.Inc()
			}
			ended = true
			log.Warn("upstream reported error", slog.String("message", msg))
			return true, nil

		default:
			log.Debug("ignoring unknown upstream event", slog.String("event", fr.Event))
			return false, nil
		}
	}

	var buf bytes.Buffer
	read := make([]byte, readChunkSize)

	for {
		n, readErr := body.Read(read)
		if n > 0 {
			buf.Write(read[:n])
			if buf.Len() > maxBufferSize {
				return fmt.Errorf("upstream frame exceeds %d bytes", maxBufferSize)
			}

			done, err := c.drainFrames(&buf, handleFrame)
			if err != nil {
				return err
			}
			if done {
				// [DONE] terminates the stream, but only an upstream end
				// (or error) event is a clean terminal state.
				if !ended {
					return errors.New("upstream stream terminated without end event")
				}
				return nil
			}
		}

		if readErr == io.EOF {
			if !ended {
				return errors.New("upstream connection closed without end event")
			}
			return nil
		}
		if readErr != nil {
			// Mid-stream failures are final; partial streams are not
			// replayed.
			return fmt.Errorf("upstream read failed: %w", readErr)
		}
	}
}

// drainFrames processes every complete frame currently in the buffer.
// A data line whose JSON does not yet parse is pushed back onto the
// buffer head so the next read can complete it. Returns true when the
// [DONE] terminator was seen.
func (c *Client) drainFrames(buf *bytes.Buffer, handle func(frame) (bool, error)) (bool, error) {
	for {
		content := buf.String()
		idx := strings.IndexByte(content, '\n')
		if idx < 0 {
			return false, nil
		}

		line := strings.TrimSuffix(content[:idx], "\r")
		rest := content[idx+1:]
		buf.Reset()
		buf.WriteString(rest)

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !strings.HasPrefix(trimmed, dataPrefix) {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, dataPrefix))
		if payload == doneFrame {
			return true, nil
		}

		var fr frame
		if err := json.Unmarshal([]byte(payload), &fr); err != nil {
			if len(strings.TrimSpace(rest)) == 0 {
				// Partial frame at the buffer tail: push it back so the
				// next read completes it.
				buf.Reset()
				buf.WriteString(line)
				return false, nil
			}
			// Complete lines follow, so this one is genuinely broken.
			c.logger.Warn("dropping malformed upstream frame", slog.Int("len", len(line)))
			continue
		}

		stop, err := handle(fr)
		if err != nil || stop {
			return stop, err
		}
	}
}

// fail appends the error event and moves the session to failed. Used
// for transport-level failures; upstream-reported errors are handled
// inline by readStream.
func (c *Client) fail(ctx context.Context, streamingSessionID, message string) {
	if _, err := c.appendEvent(ctx, streamingSessionID, eventlog.TypeError, eventlog.ErrorData{
		Message: message,
	}); err != nil {
		c.logger.LogError(ctx, err, "failed to append error event")
	}
	if err := c.sessions.MarkFailed(ctx, streamingSessionID, message); err != nil {
		c.logger.LogError(ctx, err, "failed to mark session failed")
	}
	if c.metrics != nil {
		c.metrics.StreamsFailed.Inc()
	}
}

// decodeErrorMessage extracts a human-readable message from an error
// frame. Upstream sends either a bare string or an object with a
// message field.
func decodeErrorMessage(data json.RawMessage) string {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil && msg != "" {
		return msg
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	if len(data) > 0 {
		return string(data)
	}
	return "upstream error"
}

func mergeMarkers(dst *marker.Markers, src marker.Markers) {
	dst.ContactForm = dst.ContactForm || src.ContactForm
	dst.Freshdesk = dst.Freshdesk || src.Freshdesk
	dst.HumanAgent = dst.HumanAgent || src.HumanAgent
	dst.ImageUpload = dst.ImageUpload || src.ImageUpload
}
