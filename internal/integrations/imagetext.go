package integrations

import (
	"context"
	"fmt"
)

// ImageToText converts an uploaded image into a text description via
// the tenant's configured image endpoint. The call is synchronous; the
// caller decides whether the result feeds a streaming turn.
type ImageToText struct {
	client *Client
}

// NewImageToText creates the image conversion client.
func NewImageToText(client *Client) *ImageToText {
	return &ImageToText{client: client}
}

// Convert posts the image data URL and an optional accompanying
// question, returning the extracted text.
func (i *ImageToText) Convert(ctx context.Context, apiURL, imageData, question string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("image endpoint not configured for tenant")
	}

	payload := map[string]string{"image": imageData}
	if question != "" {
		payload["question"] = question
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := i.client.postJSON(ctx, apiURL, nil, payload, &out); err != nil {
		return "", fmt.Errorf("image conversion failed: %w", err)
	}
	return out.Text, nil
}
