package smsgateway

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

// Client delivers ride offers through an SMS/voice gateway. Endpoint is the recipient list name.
type Client struct {
	baseURL string
	apiKey  string
	sender  string
	httpc   *http.Client
}

func New(baseURL, apiKey, sender string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9200"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		sender:  sender,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendReq struct {
	To     string          `json:"to"`
	Sender string          `json:"sender,omitempty"`
	Body   json.RawMessage `json:"body"`
}

type gatewayResp struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (c *Client) Send(ctx context.Context, r channel.Request) (channel.Ack, error) {
	if r.Endpoint == "" {
		return channel.Ack{}, channel.Permanent(fmt.Errorf("sms gateway: empty recipient"))
	}
	u, err := c.url("/v1/messages")
	if err != nil {
		return channel.Ack{}, channel.Permanent(err)
	}

	body, err := json.Marshal(sendReq{To: r.Endpoint, Sender: c.sender, Body: r.Payload})
	if err != nil {
		return channel.Ack{}, channel.Permanent(errors.Wrap(err, "marshal"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return channel.Ack{}, channel.Permanent(errors.Wrap(err, "new request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return channel.Ack{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return channel.Ack{}, channel.Permanent(fmt.Errorf("sms gateway http %d", resp.StatusCode))
	}
	if resp.StatusCode/100 != 2 {
		return channel.Ack{}, fmt.Errorf("sms gateway http %d", resp.StatusCode)
	}

	var gr gatewayResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return channel.Ack{}, errors.Wrap(err, "decode")
	}
	if gr.Status != "queued" && gr.Status != "sent" {
		return channel.Ack{}, fmt.Errorf("sms gateway status=%s", gr.Status)
	}
	return channel.Ack{MessageID: gr.ID}, nil
}

func (c *Client) HealthProbe(ctx context.Context) error {
	u, err := c.url("/v1/status")
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
		return fmt.Errorf("sms gateway status http %d", resp.StatusCode)
	}
	var gr gatewayResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return errors.Wrap(err, "decode")
	}
	if gr.Status != "ok" {
		return fmt.Errorf("sms gateway status=%s", gr.Status)
	}
	return nil
}

func (c *Client) url(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	u.Path = path
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
