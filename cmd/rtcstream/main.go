// Command rtcstream is the CLI entry point.
//
// This tool forwards a remote TCP service to a local port over WebRTC data
// channels, one channel per TCP connection. Signaling runs over a
// PIN-protected WebSocket or a raw TCP connection; no relay is needed once
// the peers are connected.
//
// It can be launched interactively (no role) or non-interactively via flags
// (--role, --port, --wsPort, --wsUrl, --wsListen, --signal, --tcpAddr) or a
// YAML file (--config).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rtcstream/internal/bridge"
	"github.com/1ureka/rtcstream/internal/config"
	"github.com/1ureka/rtcstream/internal/engine"
	"github.com/1ureka/rtcstream/internal/rtcstream"
	"github.com/1ureka/rtcstream/internal/signaling"
	"github.com/1ureka/rtcstream/internal/transport"
	"github.com/1ureka/rtcstream/internal/util"
)

var version = "dev"

const pinLength = 6

// signalingStream is a transport that must be started once wired.
type signalingStream interface {
	rtcstream.ByteStream
	Start()
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	pterm.Info.Println(fmt.Sprintf("rtcstream — v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		// No role from flags or file: interactive mode.
		runInteractive(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully closed tunnel connection")
}

// parseFlags builds the configuration from defaults, the optional --config
// file and the flags explicitly set on the command line, in that order.
func parseFlags(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("rtcstream", pflag.ContinueOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	role := fs.String("role", "", "Role: host or client")
	port := fs.Int("port", 0, "Target port (host) or virtual service port (client), 1~65535")
	wsPort := fs.Int("wsPort", 0, "WebSocket signaling server port (host only)")
	wsURL := fs.String("wsUrl", "", "WebSocket URL to connect to, including ?pin= (client only)")
	wsListen := fs.Bool("wsListen", false, "Listen on all network interfaces (host only, for LAN access)")
	signalMode := fs.String("signal", string(config.SignalingWS), "Signaling transport: ws or tcp")
	tcpAddr := fs.String("tcpAddr", "", "TCP signaling address: listen (host) or dial (client)")
	label := fs.String("label", "", "Channel label prefix for forwarded connections")
	timeout := fs.Duration("timeout", 0, "How long a forwarded connection may take to open")
	ice := fs.StringSlice("ice", nil, "STUN/TURN URLs replacing the configured ICE servers")
	debug := fs.Bool("debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if fs.Changed("role") {
		cfg.Role = config.Role(*role)
	}
	if fs.Changed("port") {
		cfg.TargetPort = *port
		cfg.LocalPort = *port
	}
	if fs.Changed("wsPort") {
		cfg.WSPort = *wsPort
	}
	if fs.Changed("wsUrl") {
		cfg.WSURL = *wsURL
	}
	if fs.Changed("wsListen") {
		cfg.WSListen = *wsListen
	}
	if fs.Changed("signal") {
		cfg.Signaling = config.Signaling(*signalMode)
	}
	if fs.Changed("tcpAddr") {
		cfg.TCPAddr = *tcpAddr
	}
	if fs.Changed("label") {
		cfg.Label = *label
	}
	if fs.Changed("timeout") {
		cfg.OpenTimeout = *timeout
	}
	if fs.Changed("ice") {
		cfg.ICEServers = cfg.ICEServers[:0:0]
		for _, u := range *ice {
			cfg.ICEServers = append(cfg.ICEServers, engine.ICEServer{URLs: []string{u}})
		}
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive fills in the role and ports through prompts.
func runInteractive(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Expose a local service", "Client — Connect to a remote host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		cfg.TargetPort = askPort("Target port to forward (1 ~ 65535)")
		return
	}

	cfg.Role = config.RoleClient
	if cfg.Signaling == config.SignalingWS {
		cfg.WSURL = askURL()
	}
	cfg.LocalPort = askPort("Local port for virtual service (1 ~ 65535)")
}

// run establishes signaling, builds the session and bridges TCP traffic
// until the session ends or ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	stream, err := connectSignaling(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to establish signaling: %w", err)
	}

	sess := newSession(cfg, stream)
	defer sess.End()
	stream.Start()

	util.StartStatsReporter(ctx, cfg.StatsInterval)

	opts := bridge.Options{Label: cfg.Label, OpenTimeout: cfg.OpenTimeout}

	if cfg.Role == config.RoleHost {
		target := fmt.Sprintf("127.0.0.1:%d", cfg.TargetPort)
		if err := bridge.RunAsHost(ctx, sess, target, opts); err != nil {
			return fmt.Errorf("failed to handle tunnel connection: %w", err)
		}
		return nil
	}

	listener, err := bridge.Listen(cfg.LocalPort)
	if err != nil {
		return err
	}
	if err := bridge.RunAsClient(ctx, sess, listener, opts); err != nil {
		return fmt.Errorf("failed to handle tunnel connection: %w", err)
	}
	return nil
}

// newSession wires a pion-backed session to the signaling stream.
func newSession(cfg config.Config, stream signalingStream) *rtcstream.Session {
	sess := rtcstream.New(engine.NewPionFactory(), stream,
		rtcstream.WithICEServers(cfg.ICEServers...),
		rtcstream.WithEngineOptions(cfg.Engine),
		rtcstream.WithChannelPolicy(bridge.LabelPolicy(cfg.Label)),
	)

	sess.OnOpen(func() {
		util.LogSuccess("P2P tunnel established (session %s)", sess.ID())
	})
	sess.OnStateChange(func(st rtcstream.State) {
		util.LogDebug("session %s: %s", sess.ID(), st)
	})
	sess.OnError(func(err error) {
		util.LogError("session %s: %v", sess.ID(), err)
	})
	sess.OnClose(func() {
		util.LogInfo("session %s closed", sess.ID())
	})
	return sess
}

// connectSignaling opens the rendezvous for cfg.Role and returns the stream
// carrying envelopes. The stream is not started.
func connectSignaling(ctx context.Context, cfg config.Config) (signalingStream, error) {
	switch {
	case cfg.Signaling == config.SignalingTCP && cfg.Role == config.RoleHost:
		return transport.Accept(ctx, cfg.TCPAddr, func(addr net.Addr) {
			util.LogInfo("waiting for signaling peer on %s", addr)
		})

	case cfg.Signaling == config.SignalingTCP:
		return transport.Dial(ctx, cfg.TCPAddr)

	case cfg.Role == config.RoleHost:
		pin := signaling.GeneratePIN(pinLength)
		srv := signaling.NewServer(pin)
		port, err := srv.Start(cfg.WSPort, cfg.WSListen)
		if err != nil {
			return nil, err
		}
		defer srv.Close()

		pterm.DefaultBox.WithTitle("Signaling").Println(fmt.Sprintf(
			"URL: %s\nPIN: %s", signaling.URL("127.0.0.1", port, pin), pin))
		util.LogInfo("waiting for client on port %d", port)

		conn, err := srv.WaitForClient(ctx)
		if err != nil {
			return nil, err
		}
		return signaling.NewWSStream(ctx, conn), nil

	default:
		wsURL, err := config.NormalizeWSURL(cfg.WSURL)
		if err != nil {
			return nil, err
		}
		conn, err := signaling.Connect(ctx, wsURL)
		if err != nil {
			return nil, err
		}
		return signaling.NewWSStream(ctx, conn), nil
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws?pin=123456)").
			Show()

		wsURL, err := config.NormalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
