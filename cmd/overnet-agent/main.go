package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/unicornultrafoundation/overnet/internal/agent"
	"github.com/unicornultrafoundation/overnet/internal/config"
	"github.com/unicornultrafoundation/overnet/internal/session"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "", "path to agent config file")
		identityPath = flag.String("identity", "/etc/overnet/identity.key", "path to identity key file")
		listenPort   = flag.Int("port", 9993, "UDP listen port for the session transport")
		peers        = flag.String("peer", "", "static peer(s): pubkey@host:port,pubkey@host:port")
		pskHex       = flag.String("psk", "", "pre-shared key (hex, 64 chars)")
		controlPlane = flag.String("control-plane", "", "control plane URL (ws://host:port)")
		stunServers  = flag.String("stun", "", "comma-separated STUN server list")
		connTimeout  = flag.Duration("connect-timeout", 10*time.Second, "virtual TCP connect timeout")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "show identity and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("overnet-agent %s\n", version)
		os.Exit(0)
	}

	log := newLogger(*logLevel)

	// Parse PSK
	var psk [32]byte
	if *pskHex != "" {
		b, err := hex.DecodeString(*pskHex)
		if err != nil || len(b) != 32 {
			log.Error("invalid PSK: must be 64 hex characters (32 bytes)")
			os.Exit(1)
		}
		copy(psk[:], b)
	}

	cfg := agent.Config{
		IdentityPath:   *identityPath,
		ListenPort:     *listenPort,
		ConnectTimeout: *connTimeout,
		PSK:            psk,
		ControlPlane:   *controlPlane,
		LogLevel:       *logLevel,
	}
	if *stunServers != "" {
		cfg.STUNServers = strings.Split(*stunServers, ",")
	}

	// A config file provides the base; flags above override only where the
	// user passed them explicitly.
	if *configPath != "" {
		fileCfg, err := config.LoadAgentConfig(*configPath)
		if err != nil {
			log.Error("load config", "err", err)
			os.Exit(1)
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["identity"] {
			cfg.IdentityPath = fileCfg.IdentityPath
		}
		if !set["port"] {
			cfg.ListenPort = fileCfg.ListenPort
		}
		if !set["control-plane"] {
			cfg.ControlPlane = fileCfg.ControlPlane
		}
		if !set["stun"] {
			cfg.STUNServers = fileCfg.STUNServers
		}
		for _, t := range fileCfg.TURNServers {
			cfg.TURNServers = append(cfg.TURNServers, session.TURNServer{
				URL:      t.URL,
				Username: t.Username,
				Password: t.Password,
			})
		}
		if !set["connect-timeout"] && fileCfg.Overlay.ConnectTimeout > 0 {
			cfg.ConnectTimeout = fileCfg.Overlay.ConnectTimeout
		}
	}

	// Parse static peers
	if *peers != "" {
		for _, peerStr := range strings.Split(*peers, ",") {
			parts := strings.SplitN(peerStr, "@", 2)
			if len(parts) != 2 {
				log.Error("invalid peer format, expected pubkey@host:port", "peer", peerStr)
				os.Exit(1)
			}
			cfg.StaticPeers = append(cfg.StaticPeers, agent.PeerEndpoint{
				PublicKey: parts[0],
				Address:   parts[1],
			})
		}
	}

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error("create agent failed", "err", err)
		os.Exit(1)
	}

	if *showIdentity {
		fmt.Printf("Node ID:    %s\n", a.Identity().ID)
		fmt.Printf("Public Key: %s\n", a.Identity().PublicKeyHex())
		os.Exit(0)
	}

	if err := a.Start(); err != nil {
		log.Error("start agent failed", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	a.Stop()
}

func newLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
