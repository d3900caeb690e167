package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veritel/veritel-node/internal/adapters/httpclient"
	"github.com/veritel/veritel-node/internal/adapters/nvml"
	"github.com/veritel/veritel-node/internal/api"
	"github.com/veritel/veritel-node/internal/config"
	"github.com/veritel/veritel-node/internal/domain"
	"github.com/veritel/veritel-node/internal/engine"
	"github.com/veritel/veritel-node/internal/gossip"
	"github.com/veritel/veritel-node/internal/node"
	"github.com/veritel/veritel-node/internal/setup"
	"github.com/veritel/veritel-node/internal/signing"
	"github.com/veritel/veritel-node/internal/state"
	"github.com/veritel/veritel-node/internal/telemetry"
)

const version = "0.3.0"

// Released engine ports stay reserved this long so a restarting engine does
// not collide with sockets its predecessor left in TIME_WAIT.
const portGracePeriod = 5 * time.Minute

const shutdownTimeout = 10 * time.Second

// noServing stands in for the serving metrics client on nodes without a
// configured endpoint; every statistic publishes as zero.
type noServing struct{}

func (noServing) Fetch(context.Context) domain.ServingStats { return domain.ServingStats{} }

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the node configuration file")
	initConfig := flag.Bool("init-config", false, "Write a commented default configuration and exit")
	preflight := flag.Bool("preflight", false, "Run preflight checks and exit")
	mockDevices := flag.Bool("mock-devices", false, "Publish mock accelerator metrics instead of reading NVML")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("veritel-node " + version)
		return
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *initConfig {
		if err := config.WriteDefault(*configPath); err != nil {
			logger.Error("failed to write default config", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s\n", *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	signingKey, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Error("failed to read signing key", "error", err)
		os.Exit(1)
	}

	devices := selectDeviceProvider(*mockDevices, logger)

	if *preflight {
		result := setup.RunPreflight(context.Background(), setup.Options{
			Devices:           devices,
			SigningKey:        signingKey,
			ServingMetricsURL: cfg.ServingMetricsURL,
			DatabaseDSN:       cfg.DatabaseDSN,
			EnginesConfigured: len(cfg.Engines) > 0,
		})
		fmt.Println("Preflight checks:")
		result.PrintStatus()
		if failed := result.HardFailures(); len(failed) > 0 {
			fmt.Printf("Hard failures: %s\n", strings.Join(failed, ", "))
			os.Exit(1)
		}
		return
	}

	var wallet *signing.Wallet
	if signingKey != "" {
		wallet, err = signing.NewWallet(signingKey)
		if err != nil {
			logger.Error("failed to load signing key", "error", err)
			os.Exit(1)
		}
	} else {
		wallet, err = signing.GenerateWallet()
		if err != nil {
			logger.Error("failed to generate signing key", "error", err)
			os.Exit(1)
		}
		logger.Warn("no signing key configured, generated an ephemeral one",
			"address", wallet.Address())
	}
	logger.Info("node identity loaded", "address", wallet.Address())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State store: Postgres when a DSN is configured, in-memory otherwise.
	var store state.Store
	if cfg.DatabaseDSN != "" {
		pg, err := state.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to open state store", "error", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("using postgres state store")
	} else {
		store = state.NewMemoryStore()
		logger.Info("using in-memory state store")
	}

	identity := domain.IdentityMetadata{
		PublicURL: cfg.PublicURL,
		Country:   cfg.Country,
	}
	if cfg.SmallID != nil {
		identity.SmallID = *cfg.SmallID
		// Register our own identity so local ownership checks pass without
		// waiting for a challenge round trip.
		if err := store.RecordOwnership(ctx, *cfg.SmallID, wallet.Address()); err != nil {
			logger.Warn("failed to seed own ownership record", "error", err)
		}
	}

	var serving telemetry.ServingSource = noServing{}
	if cfg.ServingMetricsURL != "" {
		var rt http.RoundTripper
		if cfg.MetricsTLS != nil {
			client, err := httpclient.New(httpclient.Options{
				CertFile: cfg.MetricsTLS.CertFile,
				KeyFile:  cfg.MetricsTLS.KeyFile,
				CAFile:   cfg.MetricsTLS.CAFile,
			})
			if err != nil {
				logger.Error("failed to build metrics TLS client", "error", err)
				os.Exit(1)
			}
			rt = client.Transport
		}
		client, err := telemetry.NewServingClient(cfg.ServingMetricsURL, rt, logger)
		if err != nil {
			logger.Error("failed to build serving metrics client", "error", err)
			os.Exit(1)
		}
		serving = client
	} else {
		logger.Warn("no serving metrics endpoint configured, serving statistics will publish as zero")
	}

	collector := telemetry.NewCollector(devices, serving, logger)
	emitter := node.NewEmitter(0, logger)
	service := node.NewService(node.Options{
		Identity:  identity,
		Collector: collector,
		Signer:    wallet,
		Emitter:   emitter,
		Store:     store,
		Interval:  cfg.HeartbeatInterval.Duration,
		Log:       logger,
	})

	verifier := node.NewVerifier(emitter, store, logger)
	verifier.SetOwnershipWindow(cfg.OwnershipWindow.Duration)

	priv, peerID, err := gossip.LoadOrCreateIdentity(cfg.IdentityKeyFile, logger)
	if err != nil {
		logger.Error("failed to load network identity", "error", err)
		os.Exit(1)
	}
	host, err := gossip.NewHost(gossip.HostOptions{
		Identity:    priv,
		ListenAddrs: cfg.ListenAddrs,
		IdleTimeout: cfg.IdleConnTimeout.Duration,
	})
	if err != nil {
		logger.Error("failed to start gossip host", "error", err)
		os.Exit(1)
	}

	var responder *node.Responder
	if cfg.SmallID != nil {
		responder = node.NewResponder(*cfg.SmallID, wallet, peerID.String(), emitter, logger)
	}

	adapter, err := gossip.NewAdapter(ctx, gossip.Options{
		Host:       host,
		Events:     emitter.Events(),
		Verifier:   verifier,
		Responder:  responder,
		Challenger: node.NewChallenger(),
		Registry:   store,
		Log:        logger,
	})
	if err != nil {
		logger.Error("failed to join gossip topic", "error", err)
		os.Exit(1)
	}

	adapterDone := make(chan struct{})
	go func() {
		defer close(adapterDone)
		if err := adapter.Run(ctx); err != nil {
			logger.Error("gossip adapter stopped", "error", err)
		}
	}()
	go func() {
		if n := gossip.Bootstrap(ctx, host, cfg.BootstrapPeers, logger); n == 0 && len(cfg.BootstrapPeers) > 0 {
			logger.Warn("no bootstrap peers reachable, publishing in isolation")
		}
	}()
	logger.Info("gossip layer up", "peer_id", peerID, "listen_addrs", cfg.ListenAddrs)

	// Serving engine supervisor, only when engines are configured.
	var supervisor *engine.Supervisor
	if len(cfg.Engines) > 0 {
		cli, err := engine.NewClient()
		if err != nil {
			logger.Error("failed to connect to docker daemon", "error", err)
			os.Exit(1)
		}
		ports := engine.NewPortAllocator(cfg.EnginePorts.Min, cfg.EnginePorts.Max, portGracePeriod)
		supervisor = engine.NewSupervisor(cli, ports, cfg.MonitorInterval.Duration, logger)
		for _, eng := range cfg.Engines {
			endpoint, err := supervisor.EnsureRunning(ctx, engine.Config{
				Name:          eng.Name,
				Image:         eng.Image,
				ContainerPort: eng.ContainerPort,
				GPUDevice:     eng.GPUDevice,
				Env:           eng.Env,
			})
			if err != nil {
				logger.Error("failed to start serving engine", "engine", eng.Name, "error", err)
				os.Exit(1)
			}
			logger.Info("serving engine up", "engine", eng.Name, "metrics_endpoint", endpoint)
		}
		go supervisor.MonitorLoop(ctx)
	}

	// Local status and metrics server.
	var server *http.Server
	if cfg.StatusAddr != "" {
		handler := api.NewHandler(api.Options{
			Identity: identity,
			Status:   service,
			Gossip:   adapter,
			Version:  version,
			Log:      logger,
		})
		server = &http.Server{Addr: cfg.StatusAddr, Handler: handler.Routes()}
		go func() {
			logger.Info("status server listening", "addr", cfg.StatusAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Run(ctx); err != nil {
			logger.Error("telemetry service stopped", "error", err)
		}
	}()
	logger.Info("node running", "heartbeat_interval", cfg.HeartbeatInterval.Duration)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	<-serviceDone
	emitter.Close()
	<-adapterDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := adapter.Close(); err != nil {
		logger.Warn("gossip shutdown error", "error", err)
	}
	if supervisor != nil {
		if err := supervisor.Close(shutdownCtx); err != nil {
			logger.Warn("engine supervisor shutdown error", "error", err)
		}
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Warn("state store shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveSigningKey reads the key material in precedence order: inline config
// value (already overridden by VERITEL_SIGNING_KEY), then the key file. An
// empty result means an ephemeral key.
func resolveSigningKey(cfg config.Config) (string, error) {
	if cfg.SigningKey != "" {
		return cfg.SigningKey, nil
	}
	if cfg.SigningKeyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(cfg.SigningKeyFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// selectDeviceProvider tries the real NVML driver first and falls back to a
// mock device so driverless hosts can still join the network for development.
func selectDeviceProvider(forceMock bool, logger *slog.Logger) domain.DeviceProvider {
	if !forceMock {
		provider := nvml.NewNVMLProvider()
		err := provider.Init()
		if err == nil {
			provider.Shutdown()
			return provider
		}
		logger.Warn("NVML not available, using mock devices", "error", err)
	}
	return nvml.NewMockDeviceProvider([]domain.DeviceMetrics{
		{
			MemoryUsed:        8 << 30,
			MemoryTotal:       24 << 30,
			MemoryFree:        16 << 30,
			MemoryUtil:        33,
			GPUUtil:           50,
			Temperature:       60,
			PowerUsage:        250000,
			MaxPowerLimit:     450000,
			DefaultPowerLimit: 450000,
			MaxTemperature:    90,
			EnergyConsumption: 1_000_000,
		},
	})
}
