package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oclonee/omnichanel-clinic/internal/types"
)

// InboxClient posts simulated patient messages to the desk's inbound endpoint.
type InboxClient struct {
	backendURL string
	httpClient *http.Client
}

// NewInboxClient creates a new client pointing at the given backend base URL
// (e.g. "http://localhost:8080").
func NewInboxClient(backendURL string) *InboxClient {
	return &InboxClient{
		backendURL: backendURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send posts one message to /internal/inbound.
func (c *InboxClient) Send(ctx context.Context, msg types.InboundMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal inbound message: %w", err)
	}

	url := c.backendURL + "/internal/inbound"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
