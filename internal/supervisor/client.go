package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client speaks the daemon's control protocol: HTTP/JSON over the unix
// control socket. It is the only place the wire format appears.
type Client struct {
	socketPath string
	httpc      *http.Client
}

// NewClient builds a client for the control socket at socketPath.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		socketPath: socketPath,
		httpc:      &http.Client{Timeout: timeout, Transport: transport},
	}
}

type okResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type statusResp struct {
	Services map[string]string `json:"services"`
}

// Shutdown asks the daemon to stop itself. The daemon removes its own
// control socket on exit; callers wait for the socket to disappear.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/shutdown", nil)
}

// Restart issues a restart-by-name control call. A nil return only means
// the daemon accepted the restart; observed state comes from Status.
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.post(ctx, "/restart", url.Values{"name": {name}})
}

// Status returns the daemon-reported state of one service.
func (c *Client) Status(ctx context.Context, name string) (ServiceState, error) {
	states, err := c.statuses(ctx, url.Values{"name": {name}})
	if err != nil {
		return StateUnknown, err
	}
	st, ok := states[name]
	if !ok {
		return StateUnknown, fmt.Errorf("daemon reported no state for %q", name)
	}
	return st, nil
}

// StatusAll returns the daemon-reported state of every managed service.
func (c *Client) StatusAll(ctx context.Context) (map[string]ServiceState, error) {
	return c.statuses(ctx, nil)
}

func (c *Client) statuses(ctx context.Context, q url.Values) (map[string]ServiceState, error) {
	u := "http://supervisor/status"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status call on %s: %w", c.socketPath, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status call: daemon returned %d: %s", resp.StatusCode, string(body))
	}
	var sr statusResp
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	out := make(map[string]ServiceState, len(sr.Services))
	for name, raw := range sr.Services {
		out[name] = ParseState(raw)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, q url.Values) error {
	u := "http://supervisor" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("control call %s on %s: %w", path, c.socketPath, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control call %s: daemon returned %d: %s", path, resp.StatusCode, string(body))
	}
	var or okResp
	if err := json.Unmarshal(body, &or); err != nil {
		return fmt.Errorf("decode control response: %w", err)
	}
	if !or.OK {
		return fmt.Errorf("control call %s rejected: %s", path, or.Error)
	}
	return nil
}
