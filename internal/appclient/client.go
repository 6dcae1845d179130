// Package appclient is the HTTP-over-unix-socket client used by the CLI to
// talk to a running daemon.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/jon-fox/raspberry-mcp/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "":
		return message
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &out)
	return out, err
}

func (c *Client) StartListener(ctx context.Context) (api.ListenerStatusResponse, error) {
	var out api.ListenerStatusResponse
	err := c.postJSON(ctx, "/v1/listener/start", nil, &out)
	return out, err
}

func (c *Client) StopListener(ctx context.Context) (api.ListenerStatusResponse, error) {
	var out api.ListenerStatusResponse
	err := c.postJSON(ctx, "/v1/listener/stop", nil, &out)
	return out, err
}

func (c *Client) ClearEvents(ctx context.Context) (api.ListenerStatusResponse, error) {
	var out api.ListenerStatusResponse
	err := c.postJSON(ctx, "/v1/listener/clear", nil, &out)
	return out, err
}

func (c *Client) ListenerStatus(ctx context.Context) (api.ListenerStatusResponse, error) {
	var out api.ListenerStatusResponse
	err := c.getJSON(ctx, "/v1/listener/status", nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, since *time.Time) (api.EventsEnvelope, error) {
	var query url.Values
	if since != nil {
		query = url.Values{}
		query.Set("since", since.UTC().Format(time.RFC3339))
	}
	var out api.EventsEnvelope
	err := c.getJSON(ctx, "/v1/events", query, &out)
	return out, err
}

func (c *Client) Guidance(ctx context.Context, deviceType string) (api.GuidanceResponse, error) {
	var query url.Values
	if deviceType != "" {
		query = url.Values{}
		query.Set("device_type", deviceType)
	}
	var out api.GuidanceResponse
	err := c.getJSON(ctx, "/v1/guidance", query, &out)
	return out, err
}

func (c *Client) SubmitMappings(ctx context.Context, req api.SubmitMappingsRequest) (api.DeviceResponse, error) {
	var out api.DeviceResponse
	err := c.postJSON(ctx, "/v1/devices", req, &out)
	return out, err
}

func (c *Client) ListDevices(ctx context.Context) (api.DevicesEnvelope, error) {
	var out api.DevicesEnvelope
	err := c.getJSON(ctx, "/v1/devices", nil, &out)
	return out, err
}

func (c *Client) ListOperations(ctx context.Context, deviceID string) (api.OperationsEnvelope, error) {
	var out api.OperationsEnvelope
	err := c.getJSON(ctx, "/v1/devices/"+url.PathEscape(deviceID)+"/operations", nil, &out)
	return out, err
}

func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, http.MethodDelete, "/v1/devices/"+url.PathEscape(deviceID), nil, nil, false)
	return err
}

func (c *Client) Send(ctx context.Context, deviceID string, req api.SendRequest) (api.SendResponse, error) {
	var out api.SendResponse
	err := c.postJSON(ctx, "/v1/devices/"+url.PathEscape(deviceID)+"/send", req, &out)
	return out, err
}

func (c *Client) Troubleshoot(ctx context.Context, deviceID string, req api.TroubleshootRequest) (api.TroubleshootEnvelope, error) {
	var out api.TroubleshootEnvelope
	// A full sweep transmits every combination; give it room.
	err := c.requestJSON(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(deviceID)+"/troubleshoot", nil, req, &out, true)
	return out, err
}

// Watch streams capture lines until ctx is cancelled or onLine returns an
// error.
func (c *Client) Watch(ctx context.Context, onLine func(api.WatchLine) error) error {
	conn, _, err := websocket.Dial(ctx, c.baseURL+"/v1/watch", &websocket.DialOptions{HTTPClient: c.client})
	if err != nil {
		return fmt.Errorf("dial watch: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "watch ended") //nolint:errcheck

	for {
		var line api.WatchLine
		if err := wsjson.Read(ctx, conn, &line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read watch line: %w", err)
		}
		if err := onLine(line); err != nil {
			return err
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.requestJSON(ctx, http.MethodGet, path, query, nil, out, false)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.requestJSON(ctx, http.MethodPost, path, nil, body, out, false)
}

func (c *Client) requestJSON(ctx context.Context, method, path string, query url.Values, body, out any, longLived bool) error {
	payload, err := c.request(ctx, method, path, query, body, longLived)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
