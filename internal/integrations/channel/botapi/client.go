package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/RideDispatch/internal/integrations/channel"
	"github.com/pkg/errors"
)

// Client pushes ride offers to the chat-bot gateway, which fans them out to drivers.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendResp struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func (c *Client) Send(ctx context.Context, r channel.Request) (channel.Ack, error) {
	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = "/v1/broadcast"
	}
	u, err := c.url(endpoint)
	if err != nil {
		return channel.Ack{}, channel.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(r.Payload))
	if err != nil {
		return channel.Ack{}, channel.Permanent(errors.Wrap(err, "new request"))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return channel.Ack{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return channel.Ack{}, fmt.Errorf("bot gateway rate limit (429)")
	case resp.StatusCode/100 == 4:
		return channel.Ack{}, channel.Permanent(fmt.Errorf("bot gateway http %d", resp.StatusCode))
	case resp.StatusCode/100 != 2:
		return channel.Ack{}, fmt.Errorf("bot gateway http %d", resp.StatusCode)
	}

	var sr sendResp
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return channel.Ack{}, errors.Wrap(err, "decode")
	}
	if !sr.OK {
		return channel.Ack{}, fmt.Errorf("bot gateway rejected: %s", sr.Error)
	}
	return channel.Ack{MessageID: sr.MessageID}, nil
}

func (c *Client) HealthProbe(ctx context.Context) error {
	u, err := c.url("/health")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("bot gateway health http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) url(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	u.Path = path
	return u.String(), nil
}
