package integrations

import (
	"context"
	"encoding/json"
	"fmt"
)

// OrderLookup queries the configured order-status proxy during
// process-message when the configuration bag carries an order id.
type OrderLookup struct {
	client    *Client
	lookupURL string
}

// NewOrderLookup creates the order lookup client. An empty URL
// disables it.
func NewOrderLookup(client *Client, lookupURL string) *OrderLookup {
	return &OrderLookup{client: client, lookupURL: lookupURL}
}

// Enabled reports whether the integration is configured.
func (o *OrderLookup) Enabled() bool {
	return o.lookupURL != ""
}

// Lookup fetches order details for an order id, optionally scoped by
// the customer email. The response is passed through untouched.
func (o *OrderLookup) Lookup(ctx context.Context, orderID, email string) (json.RawMessage, error) {
	if !o.Enabled() {
		return nil, fmt.Errorf("order lookup integration not configured")
	}

	payload := map[string]string{"order_id": orderID}
	if email != "" {
		payload["email"] = email
	}

	var details json.RawMessage
	if err := o.client.postJSON(ctx, o.lookupURL, nil, payload, &details); err != nil {
		return nil, fmt.Errorf("failed to look up order %s: %w", orderID, err)
	}
	return details, nil
}
