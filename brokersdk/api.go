// Package brokersdk contains the request and response shapes of the broker
// API, plus a typed HTTP client. The edge router and the test suite both
// consume the API through this package.
package brokersdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"
)

// TunnelStatus is the lifecycle state of a tunnel. Transitions are monotone:
// an active tunnel becomes expired or closed exactly once and never returns.
type TunnelStatus string

const (
	TunnelStatusActive  TunnelStatus = "active"
	TunnelStatusExpired TunnelStatus = "expired"
	TunnelStatusClosed  TunnelStatus = "closed"
)

// Response is the uniform error payload returned by the broker. The numeric
// fields are only populated on affordability rejections.
type Response struct {
	ErrorMessage  string  `json:"error"`
	Balance       float64 `json:"balance,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	CostPerHour   float64 `json:"cost_per_hour,omitempty"`
}

// TunnelCreateRequest is the body of POST /v1/tunnel. Duration is in seconds
// and is clamped server-side to [30, 3600]; zero or malformed values fall
// back to the default of 300. Region is informational: the edge already
// routed the request to the right broker.
type TunnelCreateRequest struct {
	Duration int    `json:"duration,omitempty"`
	Region   string `json:"region,omitempty"`
}

// TunnelCreateResponse is returned on 201. WireguardConfig is a ready-to-use
// client configuration in WireGuard INI format.
type TunnelCreateResponse struct {
	TunnelID        string     `json:"tunnel_id"`
	Region          string     `json:"region"`
	WireguardConfig string     `json:"wireguard_config"`
	Endpoint        string     `json:"endpoint"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ClientIP        netip.Addr `json:"client_ip"`
}

// TunnelResponse describes one tunnel. DurationSeconds is measured to now for
// active tunnels and to the terminal time otherwise.
type TunnelResponse struct {
	TunnelID        string       `json:"tunnel_id"`
	Region          string       `json:"region"`
	Status          TunnelStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	DurationSeconds int64        `json:"duration_seconds"`
	CostUSD         float64      `json:"cost_usd"`
}

// TunnelDeleteResponse is returned on a successful early close.
type TunnelDeleteResponse struct {
	TunnelID        string       `json:"tunnel_id"`
	Status          TunnelStatus `json:"status"`
	DurationSeconds int64        `json:"duration_seconds"`
	CostUSD         float64      `json:"cost_usd"`
}

// TunnelListResponse returns every tunnel owned by the verified agent,
// alongside identity fields echoed from the keeper's verification response.
type TunnelListResponse struct {
	Tunnels []TunnelResponse `json:"tunnels"`
	AgentID string           `json:"agent_id"`
	Email   string           `json:"email,omitempty"`
	Balance float64          `json:"balance"`
}

// RegionsResponse lists the known regions and this broker's own tag.
type RegionsResponse struct {
	Regions []string `json:"regions"`
	Current string   `json:"current"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Region string `json:"region"`
}

// CreateTunnel provisions a new tunnel on the broker.
func (c *Client) CreateTunnel(ctx context.Context, req TunnelCreateRequest) (TunnelCreateResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/v1/tunnel", req)
	if err != nil {
		return TunnelCreateResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return TunnelCreateResponse{}, readBodyAsError(res)
	}

	var resp TunnelCreateResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// Tunnel fetches the current state of a tunnel by id.
func (c *Client) Tunnel(ctx context.Context, id string) (TunnelResponse, error) {
	res, err := c.Request(ctx, http.MethodGet, "/v1/tunnel/"+id, nil)
	if err != nil {
		return TunnelResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return TunnelResponse{}, readBodyAsError(res)
	}

	var resp TunnelResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// DeleteTunnel closes a tunnel early. Closing a tunnel that is not active
// fails.
func (c *Client) DeleteTunnel(ctx context.Context, id string) (TunnelDeleteResponse, error) {
	res, err := c.Request(ctx, http.MethodDelete, "/v1/tunnel/"+id, nil)
	if err != nil {
		return TunnelDeleteResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return TunnelDeleteResponse{}, readBodyAsError(res)
	}

	var resp TunnelDeleteResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// Tunnels lists every tunnel owned by the token's agent, any status.
func (c *Client) Tunnels(ctx context.Context) (TunnelListResponse, error) {
	res, err := c.Request(ctx, http.MethodGet, "/v1/tunnels", nil)
	if err != nil {
		return TunnelListResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return TunnelListResponse{}, readBodyAsError(res)
	}

	var resp TunnelListResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// Regions lists the known regions. No authentication required.
func (c *Client) Regions(ctx context.Context) (RegionsResponse, error) {
	res, err := c.Request(ctx, http.MethodGet, "/v1/regions", nil)
	if err != nil {
		return RegionsResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return RegionsResponse{}, readBodyAsError(res)
	}

	var resp RegionsResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}
