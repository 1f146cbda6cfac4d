package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/postalsys/relayhub/internal/hub"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status: %d", e.Code)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Code)
}

// Status retrieves the hub status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Commands retrieves the known commands and the servers serving them.
func (c *Client) Commands(ctx context.Context) (*CommandsResponse, error) {
	var commands CommandsResponse
	if err := c.do(ctx, http.MethodGet, "/commands", nil, &commands); err != nil {
		return nil, err
	}
	return &commands, nil
}

// Agents retrieves the connected agents.
func (c *Client) Agents(ctx context.Context) (*AgentsResponse, error) {
	var agents AgentsResponse
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &agents); err != nil {
		return nil, err
	}
	return &agents, nil
}

// Invoke runs a command and waits for its outcome or a selection.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*hub.Reply, error) {
	var reply hub.Reply
	if err := c.do(ctx, http.MethodPost, "/invoke", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Select resolves a selection and waits for the outcome.
func (c *Client) Select(ctx context.Context, selectionID, server string) (*hub.Reply, error) {
	var reply hub.Reply
	req := SelectRequest{SelectionID: selectionID, Server: server}
	if err := c.do(ctx, http.MethodPost, "/select", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Bans retrieves the stored ban records.
func (c *Client) Bans(ctx context.Context) (*BansResponse, error) {
	var bans BansResponse
	if err := c.do(ctx, http.MethodGet, "/bans", nil, &bans); err != nil {
		return nil, err
	}
	return &bans, nil
}

// Unban clears the ban record for ip.
func (c *Client) Unban(ctx context.Context, ip string) (string, error) {
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPost, "/bans/clear", UnbanRequest{IP: ip}, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Reload asks the hub to re-read its configuration and secret.
func (c *Client) Reload(ctx context.Context) (string, error) {
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPost, "/reload", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// do performs a request against the control socket and decodes the JSON
// response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
