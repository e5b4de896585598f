package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"duocall/native/internal/config"

	pion "github.com/pion/webrtc/v4"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

// iceResponse is the object form of an ICE server response. A bare JSON
// array of servers is accepted as well.
type iceResponse struct {
	ICEServers json.RawMessage `json:"iceServers"`
}

// Client fetches ICE server lists over HTTP.
type Client struct {
	http *http.Client
}

// NewClient creates an API client. A nil httpClient uses a client with a
// 10 second timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{http: httpClient}
}

// FetchICEServers GETs url and parses the ICE servers it returns, applying
// the same validation as --ice-servers-json.
func (c *Client) FetchICEServers(ctx context.Context, url string) ([]pion.ICEServer, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(bytes.TrimSpace(respBody)))
	}

	raw := bytes.TrimSpace(respBody)
	if bytes.HasPrefix(raw, []byte("{")) {
		var wrapped iceResponse
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		if len(wrapped.ICEServers) == 0 {
			return nil, fmt.Errorf("response has no iceServers")
		}
		raw = wrapped.ICEServers
	}

	servers, err := config.ParseICEServersJSON(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse ice servers: %w", err)
	}
	return servers, nil
}
