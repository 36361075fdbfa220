package portforward

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/region"
)

// DefaultGatewayPort is the port the in-tunnel port forward API listens on.
const DefaultGatewayPort = 19999

// HTTPRequester implements Requester against the gateway's JSON API:
// getSignature issues a signed payload naming the port, bindPort
// activates and refreshes it.
type HTTPRequester struct {
	Client *http.Client
	// Token returns the account token sent with getSignature.
	Token func(ctx context.Context) (string, error)
}

type signatureResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type payloadBody struct {
	Port      uint16    `json:"port"`
	ExpiresAt time.Time `json:"expires_at"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Gateway returns the API base for a region's tunnel gateway.
func Gateway(r region.Region, override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	return fmt.Sprintf("https://%s:%d", r.Host, DefaultGatewayPort)
}

// Request fetches a signature and binds the port it names.
func (h *HTTPRequester) Request(ctx context.Context, r region.Region, gateway string) (Lease, error) {
	q := url.Values{}
	if h.Token != nil {
		token, err := h.Token(ctx)
		if err != nil {
			return Lease{}, fmt.Errorf("%w: %w", common.ErrAuthentication, err)
		}
		q.Set("token", token)
	}

	var sig signatureResponse
	if err := h.get(ctx, gateway+"/getSignature?"+q.Encode(), &sig); err != nil {
		return Lease{}, err
	}
	if sig.Status != "OK" {
		return Lease{}, fmt.Errorf("%w: getSignature: %s %s", common.ErrPortForward, sig.Status, sig.Message)
	}

	lease, err := decodeLease(sig.Payload, sig.Signature)
	if err != nil {
		return Lease{}, err
	}
	return h.Renew(ctx, gateway, lease)
}

// Renew re-binds the port, extending the lease.
func (h *HTTPRequester) Renew(ctx context.Context, gateway string, lease Lease) (Lease, error) {
	q := url.Values{}
	q.Set("payload", lease.Payload)
	q.Set("signature", lease.Signature)

	var resp statusResponse
	if err := h.get(ctx, gateway+"/bindPort?"+q.Encode(), &resp); err != nil {
		return Lease{}, err
	}
	if resp.Status != "OK" {
		return Lease{}, fmt.Errorf("%w: bindPort: %s %s", common.ErrPortForward, resp.Status, resp.Message)
	}
	return lease, nil
}

func (h *HTTPRequester) get(ctx context.Context, u string, out any) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		return fmt.Errorf("%w: gateway returned %s", common.ErrNotSupported, resp.Status)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: gateway returned %s", common.ErrAuthentication, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: gateway returned %s", common.ErrConnectivity, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", common.ErrPortForward, err)
	}
	return nil
}

func decodeLease(payload, signature string) (Lease, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Lease{}, fmt.Errorf("%w: bad payload: %w", common.ErrPortForward, err)
	}
	var body payloadBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Lease{}, fmt.Errorf("%w: bad payload: %w", common.ErrPortForward, err)
	}
	if body.Port == 0 {
		return Lease{}, fmt.Errorf("%w: payload without port", common.ErrPortForward)
	}
	return Lease{
		ForwardedPort: ForwardedPort{Port: body.Port, LeaseExpiry: body.ExpiresAt},
		Payload:       payload,
		Signature:     signature,
	}, nil
}
