package treestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/skia-dev/glog"
)

/*
	Client for the tree status app (chromium-status). The tree holds a
	single message plus a derived open/closed state which commit gates
	consult.
*/

// General states reported by the status app.
const (
	StateOpen      = "open"
	StateClosed    = "closed"
	StateThrottled = "throttled"
	StateUnknown   = "unknown"
)

// Status is the current state of the tree.
type Status struct {
	Message      string `json:"message"`
	GeneralState string `json:"general_state"`
}

// Client talks to a single status endpoint.
type Client struct {
	HTTP     *http.Client
	Root     string
	Username string
	Password string
}

// Get returns the tree's current status. If the app responds with a login
// page instead of JSON, the request is retried once with credentials.
func (c *Client) Get(ctx context.Context) (*Status, error) {
	statusURL := c.Root + "/current?format=json"
	body, err := c.fetch(ctx, statusURL, nil)
	if err != nil {
		return nil, err
	}
	var status Status
	if jsonErr := json.Unmarshal(body, &status); jsonErr != nil {
		if !strings.Contains(string(body), "login") {
			return nil, fmt.Errorf("Failed to decode tree status from %s: %s", statusURL, jsonErr)
		}
		// Authentication required; retry with the bot password.
		glog.Infof("Tree status app wants a login, retrying with credentials.")
		body, err = c.fetch(ctx, statusURL, url.Values{
			"username": {c.Username},
			"password": {c.Password},
		})
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &status); err != nil {
			return nil, fmt.Errorf("Failed to decode tree status from %s: %s", statusURL, err)
		}
	}
	return &status, nil
}

// Set writes a new tree status message. Any 2xx response is success.
func (c *Client) Set(ctx context.Context, message string) error {
	params := url.Values{
		"message":  {message},
		"username": {c.Username},
		"password": {c.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Root+"/status", strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("Failed to set tree status: %s", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Failed to set tree status: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, fetchURL string, form url.Values) ([]byte, error) {
	var req *http.Request
	var err error
	if form == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, fetchURL, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Failed to fetch %s: %s", fetchURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Failed to fetch %s: status %d", fetchURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
