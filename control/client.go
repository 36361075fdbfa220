package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/events"
	"github.com/yllada/vpn-orchestrator/region"
	"github.com/yllada/vpn-orchestrator/splittunnel"
	"github.com/yllada/vpn-orchestrator/transport"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// socketHost is a placeholder; the unix dialer ignores it.
const socketHost = "vpn-orchestrator"

// APIError is a failed control request.
type APIError struct {
	StatusCode int
	Message    string
	Kind       common.ErrorKind
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap maps the error kind back to its sentinel so errors.Is works
// across the socket.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotImplemented:
		return common.ErrNotSupported
	case e.StatusCode == http.StatusNotFound:
		return common.ErrRegionNotFound
	}
	switch e.Kind {
	case common.KindConnectivity:
		return common.ErrConnectivity
	case common.KindAuthentication:
		return common.ErrAuthentication
	case common.KindMisconfigured:
		return common.ErrMisconfigured
	case common.KindEnforcement:
		return common.ErrEnforcement
	case common.KindPortForward:
		return common.ErrPortForward
	case common.KindInvalidState:
		return common.ErrInvalidState
	}
	return nil
}

// Client talks to a running daemon.
type Client struct {
	http *http.Client
	base string
}

// NewClient dials the daemon's unix socket.
func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		base: "http://" + socketHost,
	}
}

// NewHTTPClient talks to a control API at baseURL, e.g. an httptest server.
func NewHTTPClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{http: hc, base: baseURL}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
			er.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: er.Error, Kind: er.Kind}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (vpn.Status, error) {
	var st vpn.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// Connect starts a connection. cfg may be nil.
func (c *Client) Connect(ctx context.Context, regionID string, cfg *transport.Config) (vpn.Status, error) {
	var st vpn.Status
	err := c.do(ctx, http.MethodPost, "/v1/connect", ConnectRequest{Region: regionID, Transport: cfg}, &st)
	return st, err
}

// Disconnect ends the connection.
func (c *Client) Disconnect(ctx context.Context) (vpn.Status, error) {
	var st vpn.Status
	err := c.do(ctx, http.MethodPost, "/v1/disconnect", nil, &st)
	return st, err
}

// Snooze pauses the connection for d; zero uses the daemon default.
func (c *Client) Snooze(ctx context.Context, d time.Duration) (vpn.Status, error) {
	req := SnoozeRequest{}
	if d > 0 {
		req.Duration = d.String()
	}
	var st vpn.Status
	err := c.do(ctx, http.MethodPost, "/v1/snooze", req, &st)
	return st, err
}

// AdjustSnooze moves the snooze deadline by steps snooze units.
func (c *Client) AdjustSnooze(ctx context.Context, steps int) (time.Duration, error) {
	var resp AdjustResponse
	err := c.do(ctx, http.MethodPost, "/v1/snooze/adjust", AdjustRequest{Steps: steps}, &resp)
	return resp.Remaining, err
}

// Resume ends a snooze early.
func (c *Client) Resume(ctx context.Context) (vpn.Status, error) {
	var st vpn.Status
	err := c.do(ctx, http.MethodPost, "/v1/resume", nil, &st)
	return st, err
}

// SetKillswitch updates the kill switch; nil fields are unchanged.
func (c *Client) SetKillswitch(ctx context.Context, mode *common.KillswitchMode, allowLAN *bool) (vpn.Status, error) {
	var st vpn.Status
	err := c.do(ctx, http.MethodPut, "/v1/killswitch", KillswitchRequest{Mode: mode, AllowLAN: allowLAN}, &st)
	return st, err
}

// AppRules lists split tunnel rules.
func (c *Client) AppRules(ctx context.Context) ([]splittunnel.AppRule, error) {
	var rules []splittunnel.AppRule
	err := c.do(ctx, http.MethodGet, "/v1/apps", nil, &rules)
	return rules, err
}

// SetAppRule stores a split tunnel rule.
func (c *Client) SetAppRule(ctx context.Context, rule splittunnel.AppRule) ([]splittunnel.AppRule, error) {
	var rules []splittunnel.AppRule
	err := c.do(ctx, http.MethodPut, "/v1/apps", rule, &rules)
	return rules, err
}

// RemoveAppRule drops the rule for app.
func (c *Client) RemoveAppRule(ctx context.Context, app string) (bool, error) {
	var resp RemoveResponse
	err := c.do(ctx, http.MethodDelete, "/v1/apps?app="+url.QueryEscape(app), nil, &resp)
	return resp.Removed, err
}

// RequestPortForward asks for a forwarded port.
func (c *Client) RequestPortForward(ctx context.Context) (vpn.Status, error) {
	var st vpn.Status
	err := c.do(ctx, http.MethodPost, "/v1/portforward", nil, &st)
	return st, err
}

// Transport returns the transport settings.
func (c *Client) Transport(ctx context.Context) (transport.Config, error) {
	var cfg transport.Config
	err := c.do(ctx, http.MethodGet, "/v1/transport", nil, &cfg)
	return cfg, err
}

// SetTransport replaces the transport settings.
func (c *Client) SetTransport(ctx context.Context, cfg transport.Config) (vpn.Status, error) {
	var st vpn.Status
	err := c.do(ctx, http.MethodPut, "/v1/transport", cfg, &st)
	return st, err
}

// Regions lists the region catalog.
func (c *Client) Regions(ctx context.Context) ([]region.Region, error) {
	var regions []region.Region
	err := c.do(ctx, http.MethodGet, "/v1/regions", nil, &regions)
	return regions, err
}

// SetFavorite marks a region.
func (c *Client) SetFavorite(ctx context.Context, id string, favorite bool) (region.Region, error) {
	var r region.Region
	err := c.do(ctx, http.MethodPut, "/v1/regions/"+url.PathEscape(id)+"/favorite", FavoriteRequest{Favorite: favorite}, &r)
	return r, err
}

// Events follows the daemon event stream until ctx ends. The channel is
// closed when the stream ends.
func (c *Client) Events(ctx context.Context) (<-chan events.Event, error) {
	wsURL := "ws" + c.base[len("http"):] + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return nil, fmt.Errorf("opening event stream: %w", err)
	}

	out := make(chan events.Event, 16)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					common.LogDebug("Event stream ended: %v", err)
				}
				return
			}
			var e events.Event
			if err := json.Unmarshal(data, &e); err != nil {
				common.LogWarn("Skipping undecodable event: %v", err)
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
