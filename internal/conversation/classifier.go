package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/dialogwise/chatcore/internal/logger"
)

// Classification response fields of the shape Emne(<topic>)
// Happy(<score>) info(<yes|no>) fallback(<yes|no>). Any field the
// response does not supply stays nil.
var (
	emnePattern     = regexp.MustCompile(`Emne\(([^)]*)\)`)
	happyPattern    = regexp.MustCompile(`Happy\(([^)]*)\)`)
	infoPattern     = regexp.MustCompile(`info\(([^)]*)\)`)
	fallbackPattern = regexp.MustCompile(`fallback\(([^)]*)\)`)
)

// Classification is the parsed result of the tenant's prediction call.
type Classification struct {
	Emne        *string
	Score       *string
	LackingInfo *bool
	Fallback    *bool
}

// Classifier calls the tenant's prediction endpoint with the full
// conversation transcript. Best effort only; callers must treat every
// failure as "no classification".
type Classifier struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClassifier creates a classifier with the given call timeout.
func NewClassifier(timeout time.Duration, log *logger.Logger) *Classifier {
	return &Classifier{
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithComponent("classifier"),
	}
}

// Classify posts the transcript and parses the four-field response.
func (c *Classifier) Classify(ctx context.Context, predictionURL, conversationText string) (Classification, error) {
	body, err := json.Marshal(map[string]string{"question": conversationText})
	if err != nil {
		return Classification{}, fmt.Errorf("failed to marshal classification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, predictionURL, bytes.NewReader(body))
	if err != nil {
		return Classification{}, fmt.Errorf("failed to build classification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Classification{}, fmt.Errorf("classification call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Classification{}, fmt.Errorf("classification returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Classification{}, fmt.Errorf("failed to read classification response: %w", err)
	}

	return ParseClassification(decodeClassificationText(raw)), nil
}

// decodeClassificationText accepts either a bare string body or a JSON
// object with a text field.
func decodeClassificationText(raw []byte) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	return string(raw)
}

// ParseClassification extracts the four derived fields from the
// response text. Missing fields stay nil.
func ParseClassification(text string) Classification {
	var cl Classification

	if m := emnePattern.FindStringSubmatch(text); m != nil {
		cl.Emne = &m[1]
	}
	if m := happyPattern.FindStringSubmatch(text); m != nil {
		cl.Score = &m[1]
	}
	if m := infoPattern.FindStringSubmatch(text); m != nil {
		lacking := m[1] == "yes"
		cl.LackingInfo = &lacking
	}
	if m := fallbackPattern.FindStringSubmatch(text); m != nil {
		fb := m[1] == "yes"
		cl.Fallback = &fb
	}
	return cl
}
