package brokerd

import (
	"net/netip"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyroute/broker/keeper"
	"github.com/keyroute/broker/wgpeer"
)

const (
	DefaultRegion        = "us-east"
	DefaultWireguardPort = 51820

	// DefaultCostPerHour is the advertised price of one tunnel-hour in USD.
	// The keeper's cost_per_unit overrides it in affordability responses.
	DefaultCostPerHour = 0.10

	// Tunnel lifetime bounds in seconds. Requests outside the range are
	// clamped, not rejected.
	MinTunnelDurationSeconds     = 30
	MaxTunnelDurationSeconds     = 3600
	DefaultTunnelDurationSeconds = 300

	DefaultAccrualInterval   = time.Minute
	DefaultReportInterval    = 30 * time.Second
	DefaultLifecycleInterval = 10 * time.Second

	// DefaultAPIRateLimit is the per-IP request budget per minute.
	DefaultAPIRateLimit = 60
)

// DefaultWireguardSubnet is the tunnel subnet clients get addresses from.
// The .1 address belongs to the server; clients get .2 through .254.
var DefaultWireguardSubnet = netip.MustParsePrefix("10.100.0.0/24")

// Regions are the known broker deployments the edge fans out across.
var Regions = []string{"us-east", "us-west", "eu-west", "ap-southeast"}

type Options struct {
	Log slog.Logger

	// Region is this broker's own region tag, reported in responses and
	// stamped on usage records.
	Region string

	// PublicIP is the address advertised to clients as the WireGuard
	// endpoint host.
	PublicIP netip.Addr
	// WireguardPort is the UDP port of the host's WireGuard interface.
	// Defaults to 51820.
	WireguardPort uint16
	// WireguardSubnet is the IPv4 /24 client addresses are drawn from.
	// Defaults to 10.100.0.0/24.
	WireguardSubnet netip.Prefix

	// Keeper verifies bearer tokens and accepts usage reports.
	Keeper keeper.Client
	// Peers drives the host's WireGuard interface.
	Peers wgpeer.Controller

	// AccrualInterval is how often active tunnels are billed in whole-minute
	// steps. Defaults to 1m.
	AccrualInterval time.Duration
	// ReportInterval is how often the pending usage queue is drained to the
	// keeper. Defaults to 30s.
	ReportInterval time.Duration
	// LifecycleInterval is how often expired tunnels are scanned for.
	// Defaults to 10s.
	LifecycleInterval time.Duration

	// APIRateLimit is the per-IP request budget per minute. Zero means
	// default; negative disables rate limiting.
	APIRateLimit int

	// CleanupOrphanPeers removes every peer found on the interface at
	// startup. Tunnel state does not survive restarts, so any installed peer
	// is a leftover from a previous process.
	CleanupOrphanPeers bool

	// TracerProvider enables request tracing on the router when set.
	TracerProvider trace.TracerProvider

	// Clock returns the current time. Defaults to time.Now; tests substitute
	// a fake.
	Clock func() time.Time
}

// Validate checks that the options are valid and populates default values for
// missing fields.
func (options *Options) Validate() error {
	if options == nil {
		return xerrors.New("options is nil")
	}
	if options.Region == "" {
		options.Region = DefaultRegion
	}
	if !options.PublicIP.IsValid() {
		return xerrors.New("PublicIP is required")
	}
	if !options.PublicIP.Is4() {
		return xerrors.New("PublicIP must be an IPv4 address")
	}
	if options.WireguardPort == 0 {
		options.WireguardPort = DefaultWireguardPort
	}
	if !options.WireguardSubnet.IsValid() {
		options.WireguardSubnet = DefaultWireguardSubnet
	}
	if !options.WireguardSubnet.Addr().Is4() {
		return xerrors.New("WireguardSubnet must be an IPv4 prefix")
	}
	if options.WireguardSubnet.Bits() != 24 {
		return xerrors.New("WireguardSubnet must be a /24")
	}
	if options.Keeper == nil {
		return xerrors.New("Keeper is required")
	}
	if options.Peers == nil {
		return xerrors.New("Peers is required")
	}
	if options.AccrualInterval <= 0 {
		options.AccrualInterval = DefaultAccrualInterval
	}
	if options.ReportInterval <= 0 {
		options.ReportInterval = DefaultReportInterval
	}
	if options.LifecycleInterval <= 0 {
		options.LifecycleInterval = DefaultLifecycleInterval
	}
	if options.APIRateLimit == 0 {
		options.APIRateLimit = DefaultAPIRateLimit
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}

	return nil
}
