package brokerd_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/keyroute/broker/brokerd"
	"github.com/keyroute/broker/brokersdk"
	"github.com/keyroute/broker/keeper"
	"github.com/keyroute/broker/wgpeer"
)

const (
	testToken   = "key_alice"
	testAgentID = "agent_alice"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testClock is a mutable clock handed to the broker so tests control tunnel
// time without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testBroker struct {
	api    *brokerd.API
	client *brokersdk.Client
	keeper *keeper.Fake
	peers  *wgpeer.Memory
	clock  *testClock
	start  time.Time
}

// createTestBroker starts a full broker with a fake keeper, in-memory peers
// and a fake clock, and returns a client authenticated as testAgentID.
func createTestBroker(t *testing.T, options *brokerd.Options, logOptions *slogtest.Options) *testBroker {
	t.Helper()

	if options == nil {
		options = &brokerd.Options{}
	}

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}

	fake := keeper.NewFake()
	fake.SetToken(testToken, keeper.VerifyResponse{
		Valid:     true,
		AgentID:   testAgentID,
		Email:     "alice@example.com",
		Balance:   25,
		CanAfford: true,
	})

	peers, err := wgpeer.NewMemory()
	require.NoError(t, err)

	options.Log = slogtest.Make(t, logOptions)
	if !options.PublicIP.IsValid() {
		options.PublicIP = netip.MustParseAddr("203.0.113.10")
	}
	if options.Keeper == nil {
		options.Keeper = fake
	}
	if options.Peers == nil {
		options.Peers = peers
	}
	if options.Clock == nil {
		options.Clock = clock.Now
	}
	if options.APIRateLimit == 0 {
		options.APIRateLimit = -1
	}

	api, err := brokerd.New(options)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = api.Close()
	})

	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client := brokersdk.New(u)
	client.Token = testToken
	t.Cleanup(client.HTTPClient.CloseIdleConnections)

	return &testBroker{
		api:    api,
		client: client,
		keeper: fake,
		peers:  peers,
		clock:  clock,
		start:  start,
	}
}

func (tb *testBroker) peerCount(t *testing.T) int {
	t.Helper()
	keys, err := tb.peers.Peers()
	require.NoError(t, err)
	return len(keys)
}

func requireSDKError(t *testing.T, err error, status int, message string) {
	t.Helper()
	var sdkErr *brokersdk.Error
	require.ErrorAs(t, err, &sdkErr)
	require.Equal(t, status, sdkErr.StatusCode())
	require.Equal(t, message, sdkErr.ErrorMessage)
}

func TestTunnelCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	res, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{
		Duration: 600,
	})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(res.TunnelID, "tun_"))
	require.Equal(t, "us-east", res.Region)
	require.Equal(t, "10.100.0.2", res.ClientIP.String())
	require.Equal(t, "203.0.113.10:51820", res.Endpoint)
	require.True(t, res.ExpiresAt.Equal(tb.start.Add(600*time.Second)))

	require.Contains(t, res.WireguardConfig, "Address = 10.100.0.2/24")
	require.Contains(t, res.WireguardConfig, "Endpoint = 203.0.113.10:51820")
	require.Contains(t, res.WireguardConfig, "AllowedIPs = 0.0.0.0/0")
	require.Contains(t, res.WireguardConfig, "PersistentKeepalive = 25")
	require.NotContains(t, res.WireguardConfig, "PublicKey = \n")

	require.Equal(t, 1, tb.peerCount(t))
}

func TestTunnelCreateDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want time.Duration
	}{
		{"Omitted", `{}`, 300 * time.Second},
		{"Zero", `{"duration": 0}`, 300 * time.Second},
		{"Malformed", `{"duration": "soon"}`, 300 * time.Second},
		{"BelowMinimum", `{"duration": 29}`, 30 * time.Second},
		{"Negative", `{"duration": -5}`, 30 * time.Second},
		{"AboveMaximum", `{"duration": 4000}`, 3600 * time.Second},
		{"InRange", `{"duration": 120}`, 120 * time.Second},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			tb := createTestBroker(t, nil, nil)

			res, err := tb.client.Request(ctx, http.MethodPost, "/v1/tunnel", []byte(c.body))
			require.NoError(t, err)
			defer res.Body.Close()
			require.Equal(t, http.StatusCreated, res.StatusCode)

			var created brokersdk.TunnelCreateResponse
			require.NoError(t, json.NewDecoder(res.Body).Decode(&created))
			require.True(t, created.ExpiresAt.Equal(tb.start.Add(c.want)))
		})
	}
}

func TestTunnelCreateBadJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	res, err := tb.client.Request(ctx, http.MethodPost, "/v1/tunnel", []byte(`{`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body brokersdk.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "Request body must be valid JSON.", body.ErrorMessage)
}

func TestTunnelCreateUnauthorized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	t.Run("MissingToken", func(t *testing.T) {
		client := brokersdk.New(tb.client.URL)
		t.Cleanup(client.HTTPClient.CloseIdleConnections)

		_, err := client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{})
		requireSDKError(t, err, http.StatusUnauthorized, "Missing bearer token.")
	})

	t.Run("UnknownToken", func(t *testing.T) {
		client := brokersdk.New(tb.client.URL)
		client.Token = "key_bogus"
		t.Cleanup(client.HTTPClient.CloseIdleConnections)

		_, err := client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{})
		requireSDKError(t, err, http.StatusUnauthorized, "Invalid token")
	})
}

func TestTunnelCreateInsufficientCredits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)
	tb.keeper.SetToken("key_poor", keeper.VerifyResponse{
		Valid:       true,
		AgentID:     "agent_poor",
		Balance:     0.001,
		CostPerUnit: 0.10,
		CanAfford:   false,
	})

	client := brokersdk.New(tb.client.URL)
	client.Token = "key_poor"
	t.Cleanup(client.HTTPClient.CloseIdleConnections)

	_, err := client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 3600})
	var sdkErr *brokersdk.Error
	require.ErrorAs(t, err, &sdkErr)
	require.Equal(t, http.StatusPaymentRequired, sdkErr.StatusCode())
	require.Equal(t, "Insufficient credits.", sdkErr.ErrorMessage)
	require.InEpsilon(t, 0.001, sdkErr.Balance, 1e-9)
	require.InEpsilon(t, 0.10, sdkErr.EstimatedCost, 1e-9)
	require.InEpsilon(t, 0.10, sdkErr.CostPerHour, 1e-9)

	require.Equal(t, 0, tb.peerCount(t))
}

func TestTunnelCreatePeerFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, &slogtest.Options{IgnoreErrors: true})

	tb.peers.FailNextAdd(xerrors.New("device gone"))
	_, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{})
	requireSDKError(t, err, http.StatusServiceUnavailable, "Failed to install WireGuard peer.")
	require.Equal(t, 0, tb.peerCount(t))

	// The failed create rolled its record back, so the broker keeps working.
	res, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{})
	require.NoError(t, err)
	require.Equal(t, "10.100.0.3", res.ClientIP.String())
	require.Equal(t, 1, tb.peerCount(t))
}

func TestTunnelGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	created, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 600})
	require.NoError(t, err)

	tb.clock.Advance(60 * time.Second)
	res, err := tb.client.Tunnel(ctx, created.TunnelID)
	require.NoError(t, err)
	require.Equal(t, created.TunnelID, res.TunnelID)
	require.Equal(t, brokersdk.TunnelStatusActive, res.Status)
	require.True(t, res.CreatedAt.Equal(tb.start))
	require.True(t, res.ExpiresAt.Equal(tb.start.Add(600*time.Second)))
	require.EqualValues(t, 60, res.DurationSeconds)
	require.InEpsilon(t, 60.0/3600*0.10, res.CostUSD, 1e-9)

	t.Run("NotFound", func(t *testing.T) {
		_, err := tb.client.Tunnel(ctx, "tun_missing")
		requireSDKError(t, err, http.StatusNotFound, "Tunnel not found.")
	})

	t.Run("OtherAgent", func(t *testing.T) {
		tb.keeper.SetToken("key_bob", keeper.VerifyResponse{
			Valid:     true,
			AgentID:   "agent_bob",
			CanAfford: true,
		})
		client := brokersdk.New(tb.client.URL)
		client.Token = "key_bob"
		t.Cleanup(client.HTTPClient.CloseIdleConnections)

		_, err := client.Tunnel(ctx, created.TunnelID)
		requireSDKError(t, err, http.StatusForbidden, "Tunnel is owned by another agent.")
	})
}

func TestTunnelExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	created, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 60})
	require.NoError(t, err)
	require.Equal(t, 1, tb.peerCount(t))

	// A status read past the lifetime settles the tunnel even if the
	// lifecycle scan has not run yet.
	tb.clock.Advance(90 * time.Second)
	res, err := tb.client.Tunnel(ctx, created.TunnelID)
	require.NoError(t, err)
	require.Equal(t, brokersdk.TunnelStatusExpired, res.Status)
	require.True(t, res.ExpiresAt.Equal(tb.start.Add(60*time.Second)))
	require.EqualValues(t, 60, res.DurationSeconds)
	require.Equal(t, 0, tb.peerCount(t))

	// The final accrual covers the lifetime, not the 90s of wall time.
	require.NoError(t, tb.api.Close())
	usage := tb.keeper.Usage()
	require.Len(t, usage, 1)
	require.Equal(t, testAgentID, usage[0].AgentID)
	require.EqualValues(t, 60, usage[0].Metadata.DurationSeconds)
	require.InEpsilon(t, 60.0/3600, usage[0].Quantity, 1e-9)
}

func TestTunnelDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	created, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 600})
	require.NoError(t, err)

	tb.clock.Advance(90 * time.Second)
	res, err := tb.client.DeleteTunnel(ctx, created.TunnelID)
	require.NoError(t, err)
	require.Equal(t, created.TunnelID, res.TunnelID)
	require.Equal(t, brokersdk.TunnelStatusClosed, res.Status)
	require.EqualValues(t, 90, res.DurationSeconds)
	require.InEpsilon(t, 90.0/3600*0.10, res.CostUSD, 1e-9)
	require.Equal(t, 0, tb.peerCount(t))

	// A repeated delete is rejected but the record stays queryable.
	_, err = tb.client.DeleteTunnel(ctx, created.TunnelID)
	requireSDKError(t, err, http.StatusBadRequest, "Tunnel already closed.")

	got, err := tb.client.Tunnel(ctx, created.TunnelID)
	require.NoError(t, err)
	require.Equal(t, brokersdk.TunnelStatusClosed, got.Status)
	require.EqualValues(t, 90, got.DurationSeconds)

	require.NoError(t, tb.api.Close())
	usage := tb.keeper.Usage()
	require.Len(t, usage, 1)
	require.EqualValues(t, 90, usage[0].Metadata.DurationSeconds)
}

func TestTunnelDeleteExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	created, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 60})
	require.NoError(t, err)

	tb.clock.Advance(120 * time.Second)
	_, err = tb.client.DeleteTunnel(ctx, created.TunnelID)
	requireSDKError(t, err, http.StatusBadRequest, "Tunnel already expired.")
	require.Equal(t, 0, tb.peerCount(t))

	// The delete settled the overdue tunnel, billing only its lifetime.
	require.NoError(t, tb.api.Close())
	usage := tb.keeper.Usage()
	require.Len(t, usage, 1)
	require.EqualValues(t, 60, usage[0].Metadata.DurationSeconds)
}

func TestTunnelList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)
	tb.keeper.SetToken("key_bob", keeper.VerifyResponse{
		Valid:     true,
		AgentID:   "agent_bob",
		CanAfford: true,
	})

	first, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 600})
	require.NoError(t, err)
	second, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 600})
	require.NoError(t, err)

	bob := brokersdk.New(tb.client.URL)
	bob.Token = "key_bob"
	t.Cleanup(bob.HTTPClient.CloseIdleConnections)
	_, err = bob.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 600})
	require.NoError(t, err)

	res, err := tb.client.Tunnels(ctx)
	require.NoError(t, err)
	require.Equal(t, testAgentID, res.AgentID)
	require.Equal(t, "alice@example.com", res.Email)
	require.InEpsilon(t, 25.0, res.Balance, 1e-9)
	require.Len(t, res.Tunnels, 2)

	ids := []string{res.Tunnels[0].TunnelID, res.Tunnels[1].TunnelID}
	require.ElementsMatch(t, ids, []string{first.TunnelID, second.TunnelID})
}

func TestTunnelListSettlesOverdue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	short, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 60})
	require.NoError(t, err)
	long, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 3600})
	require.NoError(t, err)
	require.Equal(t, 2, tb.peerCount(t))

	// The list settles overdue tunnels the same way GET does, so no tunnel
	// is ever listed as active past its lifetime.
	tb.clock.Advance(90 * time.Second)
	res, err := tb.client.Tunnels(ctx)
	require.NoError(t, err)
	require.Len(t, res.Tunnels, 2)

	byID := make(map[string]brokersdk.TunnelResponse, len(res.Tunnels))
	for _, tun := range res.Tunnels {
		byID[tun.TunnelID] = tun
	}
	require.Equal(t, brokersdk.TunnelStatusExpired, byID[short.TunnelID].Status)
	require.EqualValues(t, 60, byID[short.TunnelID].DurationSeconds)
	require.Equal(t, brokersdk.TunnelStatusActive, byID[long.TunnelID].Status)
	require.Equal(t, 1, tb.peerCount(t))

	// The settled tunnel was billed its lifetime, not the 90s of wall time.
	require.NoError(t, tb.api.Close())
	var settled []keeper.UsageRecord
	for _, rec := range tb.keeper.Usage() {
		if rec.Metadata.TunnelID == short.TunnelID {
			settled = append(settled, rec)
		}
	}
	require.Len(t, settled, 1)
	require.EqualValues(t, 60, settled[0].Metadata.DurationSeconds)
}

func TestSubnetExhaustion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	var firstID string
	for i := 0; i < 253; i++ {
		res, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 3600})
		require.NoError(t, err, "tunnel %d", i)
		if i == 0 {
			firstID = res.TunnelID
		}
	}
	require.Equal(t, 253, tb.peerCount(t))

	_, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 3600})
	requireSDKError(t, err, http.StatusServiceUnavailable, "No client IPs available in this region.")

	// Closing a tunnel frees its address for the next create.
	_, err = tb.client.DeleteTunnel(ctx, firstID)
	require.NoError(t, err)
	_, err = tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 3600})
	require.NoError(t, err)
}

func TestCreateWhileDraining(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	require.NoError(t, tb.api.Close())
	_, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{})
	requireSDKError(t, err, http.StatusServiceUnavailable, "Broker is shutting down.")
}

func TestRegions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	// No authentication required.
	client := brokersdk.New(tb.client.URL)
	t.Cleanup(client.HTTPClient.CloseIdleConnections)

	res, err := client.Regions(ctx)
	require.NoError(t, err)
	require.Equal(t, brokerd.Regions, res.Regions)
	require.Equal(t, "us-east", res.Current)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	res, err := tb.client.Request(ctx, http.MethodGet, "/healthz", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var health brokersdk.HealthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "us-east", health.Region)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	_, err := tb.client.CreateTunnel(ctx, brokersdk.TunnelCreateRequest{Duration: 600})
	require.NoError(t, err)

	res, err := tb.client.Request(ctx, http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "keyroute_broker_tunnels_active 1")
	require.Contains(t, string(body), "keyroute_broker_tunnels_created_total 1")
}

func TestNotFoundRoute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := createTestBroker(t, nil, nil)

	res, err := tb.client.Request(ctx, http.MethodGet, "/v2/nope", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	var body brokersdk.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "Not found.", body.ErrorMessage)
}
