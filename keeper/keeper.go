// Package keeper implements the client side of the keeper protocol. The
// keeper is the external identity and credit service: it verifies bearer
// tokens and accepts batched usage reports.
package keeper

import (
	"context"
	"time"
)

// Service is the service identifier the broker presents to the keeper.
const Service = "keyroute"

// OperationTunnelHour is the only billable operation the broker emits.
const OperationTunnelHour = "tunnel_hour"

// VerifyRequest is the body of POST /v1/services/verify.
type VerifyRequest struct {
	Token     string  `json:"token"`
	Service   string  `json:"service"`
	Operation string  `json:"operation"`
	Quantity  float64 `json:"quantity"`
}

// VerifyResponse is the keeper's answer to a verification request. When the
// keeper is unreachable, implementations return Valid == false with Error set
// rather than a transport error, so callers treat both cases the same way.
type VerifyResponse struct {
	Valid       bool    `json:"valid"`
	AgentID     string  `json:"agent_id,omitempty"`
	Email       string  `json:"email,omitempty"`
	Balance     float64 `json:"balance,omitempty"`
	CostPerUnit float64 `json:"cost_per_unit,omitempty"`
	CanAfford   bool    `json:"can_afford,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// UsageMetadata annotates a usage record with the tunnel it was accrued for.
type UsageMetadata struct {
	Region          string `json:"region"`
	TunnelID        string `json:"tunnel_id"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// UsageRecord is a single metering event. Quantity is in hours and may be
// fractional. The keeper is commutative over records, so delivery order does
// not matter.
type UsageRecord struct {
	AgentID   string        `json:"agent_id"`
	Operation string        `json:"operation"`
	Quantity  float64       `json:"quantity"`
	Timestamp time.Time     `json:"timestamp"`
	Metadata  UsageMetadata `json:"metadata"`
}

// ReportRequest is the body of POST /v1/services/usage.
type ReportRequest struct {
	Service string        `json:"service"`
	Region  string        `json:"region"`
	Records []UsageRecord `json:"records"`
}

// ReportResponse is the keeper's answer to a usage report.
type ReportResponse struct {
	Processed            int     `json:"processed"`
	TotalCreditsDeducted float64 `json:"total_credits_deducted"`
}

// Client is the capability set the broker needs from the keeper. HTTPClient
// talks to a real keeper; Fake and AllowAll are in-memory implementations for
// tests and single-tenant deployments.
type Client interface {
	// Verify checks the bearer token and whether the agent can afford the
	// given quantity of the operation.
	Verify(ctx context.Context, token, operation string, quantity float64) VerifyResponse

	// ReportUsage delivers a batch of usage records. A non-nil error means
	// the whole batch must be retried.
	ReportUsage(ctx context.Context, records []UsageRecord) error
}
