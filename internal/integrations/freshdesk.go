package integrations

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Freshdesk ticket defaults. Priority and status follow the Freshdesk
// API numeric scheme.
const (
	freshdeskPriorityMedium = 2
	freshdeskStatusOpen     = 2
)

// TicketInput describes a support ticket opened when the model raises
// the ticketing marker.
type TicketInput struct {
	Subject     string
	Description string
	Email       string
}

// Ticket is the created ticket reference.
type Ticket struct {
	ID int64 `json:"id"`
}

// FreshdeskClient creates tickets against the tenant's Freshdesk
// domain.
type FreshdeskClient struct {
	client *Client
	domain string
	apiKey string
}

// NewFreshdeskClient creates a Freshdesk client. An empty domain
// disables the integration; Enabled reports this.
func NewFreshdeskClient(client *Client, domain, apiKey string) *FreshdeskClient {
	return &FreshdeskClient{client: client, domain: domain, apiKey: apiKey}
}

// Enabled reports whether the integration is configured.
func (f *FreshdeskClient) Enabled() bool {
	return f.domain != ""
}

// CreateTicket opens a ticket and returns its id.
func (f *FreshdeskClient) CreateTicket(ctx context.Context, in TicketInput) (*Ticket, error) {
	if !f.Enabled() {
		return nil, fmt.Errorf("freshdesk integration not configured")
	}

	url := fmt.Sprintf("https://%s.freshdesk.com/api/v2/tickets", f.domain)
	payload := map[string]any{
		"subject":     in.Subject,
		"description": in.Description,
		"email":       in.Email,
		"priority":    freshdeskPriorityMedium,
		"status":      freshdeskStatusOpen,
	}
	headers := map[string]string{
		"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(f.apiKey+":X")),
	}

	var ticket Ticket
	if err := f.client.postJSON(ctx, url, headers, payload, &ticket); err != nil {
		return nil, fmt.Errorf("failed to create freshdesk ticket: %w", err)
	}
	return &ticket, nil
}
