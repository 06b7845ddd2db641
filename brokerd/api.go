package brokerd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/riandyrn/otelchi"
	"golang.org/x/xerrors"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"cdr.dev/slog"

	"github.com/keyroute/broker/brokerd/httpapi"
	"github.com/keyroute/broker/brokerd/httpmw"
	"github.com/keyroute/broker/brokersdk"
	"github.com/keyroute/broker/keeper"
	"github.com/keyroute/broker/wgpeer"
)

func (api *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}),
		httpmw.LimitBody(1<<20), // 1MB
		httpmw.RateLimit(api.APIRateLimit, time.Minute),
	)
	if api.TracerProvider != nil {
		r.Use(otelchi.Middleware("brokerd",
			otelchi.WithChiRoutes(r),
			otelchi.WithTracerProvider(api.TracerProvider),
		))
	}

	r.Get("/healthz", api.getHealth)
	r.Method(http.MethodGet, "/metrics", api.metrics.handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tunnel", api.postTunnel)
		r.Get("/tunnel/{id}", api.getTunnel)
		r.Delete("/tunnel/{id}", api.deleteTunnel)
		r.Get("/tunnels", api.listTunnels)
		r.Get("/regions", api.getRegions)
	})

	r.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		httpapi.Write(r.Context(), rw, http.StatusNotFound, brokersdk.Response{
			ErrorMessage: "Not found.",
		})
	})

	return r
}

// tunnelCreateBody decodes the create request tolerantly: a malformed
// duration value falls back to the default instead of rejecting the body.
type tunnelCreateBody struct {
	Duration json.RawMessage `json:"duration"`
	// Region is accepted and ignored; the edge already routed the request to
	// this broker.
	Region string `json:"region"`
}

func (b tunnelCreateBody) durationSeconds() int {
	if len(b.Duration) == 0 {
		return DefaultTunnelDurationSeconds
	}
	var seconds int
	err := json.Unmarshal(b.Duration, &seconds)
	if err != nil || seconds == 0 {
		return DefaultTunnelDurationSeconds
	}
	if seconds < MinTunnelDurationSeconds {
		return MinTunnelDurationSeconds
	}
	if seconds > MaxTunnelDurationSeconds {
		return MaxTunnelDurationSeconds
	}
	return seconds
}

func (api *API) postTunnel(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body tunnelCreateBody
	if !httpapi.Read(ctx, rw, r, &body) {
		return
	}
	seconds := body.durationSeconds()
	quantity := float64(seconds) / 3600

	verify, ok := api.authenticate(rw, r, quantity)
	if !ok {
		return
	}
	if !verify.CanAfford {
		costPerHour := verify.CostPerUnit
		if costPerHour == 0 {
			costPerHour = DefaultCostPerHour
		}
		httpapi.Write(ctx, rw, http.StatusPaymentRequired, brokersdk.Response{
			ErrorMessage:  "Insufficient credits.",
			Balance:       verify.Balance,
			EstimatedCost: quantity * costPerHour,
			CostPerHour:   costPerHour,
		})
		return
	}

	if api.draining.Load() {
		httpapi.Write(ctx, rw, http.StatusServiceUnavailable, brokersdk.Response{
			ErrorMessage: "Broker is shutting down.",
		})
		return
	}

	privateKey, publicKey, err := wgpeer.GenerateKeyPair()
	if err != nil {
		api.Log.Error(ctx, "generate key pair", slog.Error(err))
		httpapi.Write(ctx, rw, http.StatusInternalServerError, brokersdk.Response{
			ErrorMessage: "Failed to generate tunnel keys.",
		})
		return
	}

	id, err := newTunnelID()
	if err != nil {
		api.Log.Error(ctx, "generate tunnel id", slog.Error(err))
		httpapi.Write(ctx, rw, http.StatusInternalServerError, brokersdk.Response{
			ErrorMessage: "Failed to generate tunnel id.",
		})
		return
	}

	now := api.Clock()
	tunnel := &Tunnel{
		ID:               id,
		AgentID:          verify.AgentID,
		Region:           api.Region,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(seconds) * time.Second),
		ClientPrivateKey: privateKey,
		ClientPublicKey:  publicKey,
		Status:           brokersdk.TunnelStatusActive,
		LastBilledAt:     now,
	}

	err = api.registry.insert(tunnel)
	if err != nil {
		if xerrors.Is(err, ErrSubnetExhausted) {
			httpapi.Write(ctx, rw, http.StatusServiceUnavailable, brokersdk.Response{
				ErrorMessage: "No client IPs available in this region.",
			})
			return
		}
		api.Log.Error(ctx, "insert tunnel", slog.Error(err))
		httpapi.Write(ctx, rw, http.StatusInternalServerError, brokersdk.Response{
			ErrorMessage: "Failed to register tunnel.",
		})
		return
	}

	// The record only becomes visible as a success once the kernel peer is
	// installed; on failure it is rolled back entirely so no active tunnel
	// ever lacks a peer.
	err = api.Peers.AddPeer(publicKey, tunnel.ClientIP)
	if err != nil {
		api.registry.remove(id)
		api.Log.Error(ctx, "install peer", slog.F("tunnel_id", id), slog.Error(err))
		httpapi.Write(ctx, rw, http.StatusServiceUnavailable, brokersdk.Response{
			ErrorMessage: "Failed to install WireGuard peer.",
		})
		return
	}

	api.metrics.tunnelsCreated.Inc()
	api.Log.Info(ctx, "tunnel created",
		slog.F("tunnel_id", id),
		slog.F("agent_id", verify.AgentID),
		slog.F("client_ip", tunnel.ClientIP.String()),
		slog.F("duration_seconds", seconds),
	)

	httpapi.Write(ctx, rw, http.StatusCreated, brokersdk.TunnelCreateResponse{
		TunnelID:        id,
		Region:          api.Region,
		WireguardConfig: api.clientConfig(privateKey, tunnel.ClientIP),
		Endpoint:        api.wireguardEndpoint(),
		ExpiresAt:       tunnel.ExpiresAt,
		ClientIP:        tunnel.ClientIP,
	})
}

func (api *API) getTunnel(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	verify, ok := api.authenticate(rw, r, 0)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	now := api.Clock()
	tunnel, ok := api.expireLazily(ctx, id, now)
	if !ok {
		httpapi.Write(ctx, rw, http.StatusNotFound, brokersdk.Response{
			ErrorMessage: "Tunnel not found.",
		})
		return
	}
	if tunnel.AgentID != verify.AgentID {
		httpapi.Write(ctx, rw, http.StatusForbidden, brokersdk.Response{
			ErrorMessage: "Tunnel is owned by another agent.",
		})
		return
	}

	httpapi.Write(ctx, rw, http.StatusOK, api.tunnelResponse(tunnel, now))
}

func (api *API) deleteTunnel(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	verify, ok := api.authenticate(rw, r, 0)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	now := api.Clock()
	tunnel, ok := api.expireLazily(ctx, id, now)
	if !ok {
		httpapi.Write(ctx, rw, http.StatusNotFound, brokersdk.Response{
			ErrorMessage: "Tunnel not found.",
		})
		return
	}
	if tunnel.AgentID != verify.AgentID {
		httpapi.Write(ctx, rw, http.StatusForbidden, brokersdk.Response{
			ErrorMessage: "Tunnel is owned by another agent.",
		})
		return
	}

	closed, unbilled, err := api.registry.close(id, now)
	if err != nil {
		if xerrors.Is(err, ErrNotActive) {
			msg := "Tunnel already closed."
			if closed.Status == brokersdk.TunnelStatusExpired {
				msg = "Tunnel already expired."
			}
			httpapi.Write(ctx, rw, http.StatusBadRequest, brokersdk.Response{
				ErrorMessage: msg,
			})
			return
		}
		httpapi.Write(ctx, rw, http.StatusNotFound, brokersdk.Response{
			ErrorMessage: "Tunnel not found.",
		})
		return
	}

	api.meter.enqueue(accrual{tunnel: closed, seconds: unbilled, at: closed.ExpiresAt})
	api.metrics.tunnelsClosed.Inc()
	err = api.Peers.RemovePeer(closed.ClientPublicKey)
	if err != nil {
		api.Log.Error(ctx, "remove peer for closed tunnel",
			slog.F("tunnel_id", id), slog.Error(err))
	}
	api.Log.Info(ctx, "tunnel closed",
		slog.F("tunnel_id", id),
		slog.F("agent_id", verify.AgentID),
	)

	seconds := wholeSeconds(closed.CreatedAt, closed.ExpiresAt)
	httpapi.Write(ctx, rw, http.StatusOK, brokersdk.TunnelDeleteResponse{
		TunnelID:        id,
		Status:          closed.Status,
		DurationSeconds: seconds,
		CostUSD:         costUSD(seconds),
	})
}

func (api *API) listTunnels(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	verify, ok := api.authenticate(rw, r, 0)
	if !ok {
		return
	}

	now := api.Clock()
	tunnels := api.registry.byAgent(verify.AgentID)
	summaries := make([]brokersdk.TunnelResponse, 0, len(tunnels))
	for _, t := range tunnels {
		// Settle overdue tunnels here too, so the list never shows a
		// tunnel as active past its lifetime.
		if t.Status == brokersdk.TunnelStatusActive && t.ExpiresAt.Before(now) {
			settled, ok := api.expireLazily(ctx, t.ID, now)
			if ok {
				t = settled
			}
		}
		summaries = append(summaries, api.tunnelResponse(t, now))
	}

	httpapi.Write(ctx, rw, http.StatusOK, brokersdk.TunnelListResponse{
		Tunnels: summaries,
		AgentID: verify.AgentID,
		Email:   verify.Email,
		Balance: verify.Balance,
	})
}

func (api *API) getRegions(rw http.ResponseWriter, r *http.Request) {
	httpapi.Write(r.Context(), rw, http.StatusOK, brokersdk.RegionsResponse{
		Regions: Regions,
		Current: api.Region,
	})
}

func (api *API) getHealth(rw http.ResponseWriter, r *http.Request) {
	httpapi.Write(r.Context(), rw, http.StatusOK, brokersdk.HealthResponse{
		Status: "ok",
		Region: api.Region,
	})
}

// expireLazily returns the current record for id, first transitioning it to
// expired if its lifetime has passed and the lifecycle scan has not caught it
// yet. Read paths go through this so clients never observe an overdue tunnel
// as active.
func (api *API) expireLazily(ctx context.Context, id string, now time.Time) (Tunnel, bool) {
	tunnel, ok := api.registry.get(id)
	if !ok {
		return Tunnel{}, false
	}
	if tunnel.Status != brokersdk.TunnelStatusActive || !tunnel.ExpiresAt.Before(now) {
		return tunnel, true
	}

	expired, unbilled, did := api.registry.expireIfDue(id, now)
	if !did {
		// Lost the race with the lifecycle scan; re-read the terminal record.
		tunnel, _ = api.registry.get(id)
		return tunnel, true
	}

	api.meter.enqueue(accrual{tunnel: expired, seconds: unbilled, at: expired.ExpiresAt})
	api.metrics.tunnelsExpired.Inc()
	err := api.Peers.RemovePeer(expired.ClientPublicKey)
	if err != nil {
		api.Log.Error(ctx, "remove peer for expired tunnel",
			slog.F("tunnel_id", id), slog.Error(err))
	}
	return expired, true
}

// authenticate verifies the bearer token with the keeper and writes a 401 on
// failure. Quantity is only non-zero for creates, where affordability
// matters.
func (api *API) authenticate(rw http.ResponseWriter, r *http.Request, quantity float64) (keeper.VerifyResponse, bool) {
	ctx := r.Context()

	token := bearerToken(r)
	if token == "" {
		httpapi.Write(ctx, rw, http.StatusUnauthorized, brokersdk.Response{
			ErrorMessage: "Missing bearer token.",
		})
		return keeper.VerifyResponse{}, false
	}

	verify := api.Keeper.Verify(ctx, token, keeper.OperationTunnelHour, quantity)
	if !verify.Valid {
		msg := verify.Error
		if msg == "" {
			msg = "Invalid token."
		}
		httpapi.Write(ctx, rw, http.StatusUnauthorized, brokersdk.Response{
			ErrorMessage: msg,
		})
		return keeper.VerifyResponse{}, false
	}

	return verify, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// tunnelResponse renders one record. Duration is measured to now for active
// tunnels (clamped to the expiry time) and to the terminal time otherwise.
func (api *API) tunnelResponse(t Tunnel, now time.Time) brokersdk.TunnelResponse {
	end := t.ExpiresAt
	if t.Status == brokersdk.TunnelStatusActive && now.Before(end) {
		end = now
	}
	seconds := wholeSeconds(t.CreatedAt, end)

	return brokersdk.TunnelResponse{
		TunnelID:        t.ID,
		Region:          t.Region,
		Status:          t.Status,
		CreatedAt:       t.CreatedAt,
		ExpiresAt:       t.ExpiresAt,
		DurationSeconds: seconds,
		CostUSD:         costUSD(seconds),
	}
}

func costUSD(seconds int64) float64 {
	return float64(seconds) / 3600 * DefaultCostPerHour
}

func (api *API) wireguardEndpoint() string {
	return net.JoinHostPort(api.PublicIP.String(), strconv.Itoa(int(api.WireguardPort)))
}

// clientConfig renders the WireGuard INI handed back to the caller. The
// private key never touches the kernel; only the client needs it.
func (api *API) clientConfig(privateKey wgtypes.Key, clientIP netip.Addr) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s/24
DNS = 1.1.1.1

[Peer]
PublicKey = %s
Endpoint = %s
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`, privateKey, clientIP, api.serverPublicKey, api.wireguardEndpoint())
}
