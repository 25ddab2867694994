// Package backend is the REST client for the session, call and task
// endpoints the realtime core consumes.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petervdpas/rtcore/internal/util"
)

const (
	PathProviderConfig = "/api/realtime/config"
	PathMessagingToken = "/api/realtime/messaging-token"
	PathCallToken      = "/api/realtime/call-token"
	PathIncomingCalls  = "/api/calls/incoming"
	PathTodayTasks     = "/api/tasks/today"
)

// ErrNotConfigured is returned when the client has no base URL.
var ErrNotConfigured = errors.New("backend: base url not configured")

// ProviderConfig is the realtime provider configuration.
type ProviderConfig struct {
	AppID string `json:"appId"`
}

// MessagingToken is an ephemeral login grant for the messaging transport.
type MessagingToken struct {
	UID              string `json:"uid"`
	Token            string `json:"token"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

// CallToken authorizes joining one call channel.
type CallToken struct {
	UID   string `json:"uid"`
	Token string `json:"token"`
}

// IncomingCall is one entry of the incoming-calls listing.
type IncomingCall struct {
	CallID     string `json:"callId"`
	CallerName string `json:"callerName"`
	CallType   string `json:"callType"`
	CallerID   string `json:"callerId"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
}

func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = util.DefaultFetchTimeout
	}
	return &Client{
		BaseURL:   util.NormalizeURL(baseURL),
		AuthToken: strings.TrimSpace(authToken),
		HTTP:      &http.Client{Timeout: timeout},
	}
}

// do sends one request and decodes a JSON response into v (when non-nil).
// Non-2xx statuses become errors carrying the status and a body excerpt.
func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	if c.BaseURL == "" {
		return ErrNotConfigured
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(excerpt))
		if msg == "" {
			return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
		}
		return fmt.Errorf("%s %s: status %s: %s", method, path, resp.Status, msg)
	}
	if v == nil {
		return nil
	}
	if raw, ok := v.(*[]byte); ok {
		*raw, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// ProviderConfig fetches the realtime provider configuration.
func (c *Client) ProviderConfig(ctx context.Context) (*ProviderConfig, error) {
	var out ProviderConfig
	if err := c.do(ctx, http.MethodGet, PathProviderConfig, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MessagingToken requests a fresh messaging login grant.
func (c *Client) MessagingToken(ctx context.Context) (*MessagingToken, error) {
	var out MessagingToken
	if err := c.do(ctx, http.MethodPost, PathMessagingToken, struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.UID == "" || out.Token == "" {
		return nil, fmt.Errorf("POST %s: incomplete grant", PathMessagingToken)
	}
	return &out, nil
}

// CallToken requests a token scoped to one call channel.
func (c *Client) CallToken(ctx context.Context, channelName string) (*CallToken, error) {
	var out CallToken
	body := map[string]string{"channelName": channelName}
	if err := c.do(ctx, http.MethodPost, PathCallToken, body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("POST %s: empty token", PathCallToken)
	}
	return &out, nil
}

// IncomingCalls lists calls currently ringing for this user.
func (c *Client) IncomingCalls(ctx context.Context) ([]IncomingCall, error) {
	var out []IncomingCall
	if err := c.do(ctx, http.MethodGet, PathIncomingCalls, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RejectCall declines a ringing call.
func (c *Client) RejectCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/api/calls/"+url.PathEscape(callID)+"/reject", struct{}{}, nil)
}

// TodayTasks returns the raw task listing. Record shapes vary across backend
// versions, so normalization happens in the reminder package.
func (c *Client) TodayTasks(ctx context.Context) ([]byte, error) {
	var raw []byte
	if err := c.do(ctx, http.MethodGet, PathTodayTasks, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
