package main

import (
	"context"
	"log"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/keyroute/broker/brokerd"
	"github.com/keyroute/broker/cmdflags"
	"github.com/keyroute/broker/keeper"
	"github.com/keyroute/broker/wgpeer"
)

func main() {
	var (
		showHelp              bool
		verbose               bool
		listenAddress         string
		region                string
		publicIP              string
		wireguardInterface    string
		wireguardPort         uint16
		wireguardSubnet       string
		keeperURL             string
		keeperSecret          string
		usageReportIntervalMS int
		apiRateLimit          int
		cleanupOrphanPeers    bool
		shutdownTimeout       time.Duration
		honeycombTeam         string
	)
	cmdflags.BoolFlag(&showHelp, "help", "KEYROUTE_HELP", false, "Show this help text.")
	cmdflags.BoolFlag(&verbose, "verbose", "KEYROUTE_VERBOSE", false, "Enable verbose logging.")
	cmdflags.StringFlag(&listenAddress, "listen-address", "KEYROUTE_LISTEN_ADDRESS", "0.0.0.0:3000", "HTTP listen address for the broker API.")
	cmdflags.StringFlag(&region, "region", "KEYROUTE_REGION", brokerd.DefaultRegion, "This broker's region tag.")
	cmdflags.StringFlag(&publicIP, "public-ip", "KEYROUTE_PUBLIC_IP", "", "The public IPv4 address advertised to clients as the WireGuard endpoint.")
	cmdflags.StringFlag(&wireguardInterface, "wireguard-interface", "KEYROUTE_WIREGUARD_INTERFACE", "wg0", "The name of the host's WireGuard interface.")
	cmdflags.Uint16Flag(&wireguardPort, "wireguard-port", "KEYROUTE_WIREGUARD_PORT", brokerd.DefaultWireguardPort, "The UDP port of the host's WireGuard interface.")
	cmdflags.StringFlag(&wireguardSubnet, "wireguard-subnet", "KEYROUTE_WIREGUARD_SUBNET", brokerd.DefaultWireguardSubnet.String(), "The IPv4 /24 subnet client addresses are drawn from.")
	cmdflags.StringFlag(&keeperURL, "keeper-url", "KEYROUTE_KEEPER_URL", "", "The base URL of the keeper identity and credit service.")
	cmdflags.StringFlag(&keeperSecret, "keeper-secret", "KEYROUTE_KEEPER_SECRET", "", "The shared secret presented to the keeper on every call.")
	cmdflags.IntFlag(&usageReportIntervalMS, "usage-report-interval-ms", "KEYROUTE_USAGE_REPORT_INTERVAL_MS", int(brokerd.DefaultReportInterval/time.Millisecond), "How often the pending usage queue is delivered to the keeper, in milliseconds.")
	cmdflags.IntFlag(&apiRateLimit, "api-rate-limit", "KEYROUTE_API_RATE_LIMIT", brokerd.DefaultAPIRateLimit, "Per-IP request budget per minute. Negative disables rate limiting.")
	cmdflags.BoolFlag(&cleanupOrphanPeers, "cleanup-orphan-peers", "KEYROUTE_CLEANUP_ORPHAN_PEERS", true, "Remove all peers found on the interface at startup. Tunnel state does not survive restarts, so leftover peers are orphans.")
	cmdflags.DurationFlag(&shutdownTimeout, "shutdown-timeout", "KEYROUTE_SHUTDOWN_TIMEOUT", 10*time.Second, "How long to wait for in-flight requests to finish on shutdown.")
	cmdflags.StringFlag(&honeycombTeam, "trace-honeycomb-team", "KEYROUTE_TRACE_HONEYCOMB_TEAM", "", "The Honeycomb team ID to send traces to. Tracing is disabled when empty.")

	pflag.Parse()
	if showHelp {
		pflag.Usage()
		os.Exit(1)
	}
	if publicIP == "" {
		log.Println("public-ip or KEYROUTE_PUBLIC_IP is required.")
		showHelp = true
	}
	if keeperURL == "" {
		log.Println("keeper-url or KEYROUTE_KEEPER_URL is required.")
		showHelp = true
	}
	if keeperSecret == "" {
		log.Println("keeper-secret or KEYROUTE_KEEPER_SECRET is required.")
		showHelp = true
	}
	if showHelp {
		pflag.Usage()
		os.Exit(1)
	}

	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelInfo)
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	publicIPParsed, err := netip.ParseAddr(publicIP)
	if err != nil {
		log.Fatalf("Invalid public-ip or KEYROUTE_PUBLIC_IP %q: %+v", publicIP, err)
	}
	wireguardSubnetParsed, err := netip.ParsePrefix(wireguardSubnet)
	if err != nil {
		log.Fatalf("Invalid wireguard-subnet or KEYROUTE_WIREGUARD_SUBNET %q: %+v", wireguardSubnet, err)
	}
	keeperURLParsed, err := url.Parse(keeperURL)
	if err != nil {
		log.Fatalf("Invalid keeper-url or KEYROUTE_KEEPER_URL %q: %+v", keeperURL, err)
	}

	options := &brokerd.Options{
		Log:                logger,
		Region:             region,
		PublicIP:           publicIPParsed,
		WireguardPort:      wireguardPort,
		WireguardSubnet:    wireguardSubnetParsed,
		Keeper:             keeper.NewHTTPClient(keeperURLParsed, keeperSecret, region),
		Peers:              wgpeer.NewKernel(wireguardInterface),
		ReportInterval:     time.Duration(usageReportIntervalMS) * time.Millisecond,
		APIRateLimit:       apiRateLimit,
		CleanupOrphanPeers: cleanupOrphanPeers,
	}

	if honeycombTeam != "" {
		exp, err := newHoneycombExporter(context.Background(), honeycombTeam)
		if err != nil {
			log.Fatalf("Failed to create OTLP exporter: %+v", err)
		}
		tp := newTraceProvider(exp, region)
		otel.SetTracerProvider(tp)
		options.TracerProvider = tp
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	api, err := brokerd.New(options)
	if err != nil {
		log.Fatalf("Failed to create broker: %+v", err)
	}

	server := &http.Server{
		Addr:    listenAddress,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Printf("Listening on %s (region %s)", listenAddress, region)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, InterruptSignals...)

	select {
	case err := <-errCh:
		log.Fatalf("Error in ListenAndServe: %+v", err)
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = server.Shutdown(ctx)
	cancel()

	// Flush unbilled time and drain the usage queue before exiting.
	_ = api.Close()
}
