// Package main implements the entry point for the FIWARE bridge.
// The bridge reconciles payloads into NGSI-LD entities on a context
// broker and manages broker subscriptions, forwarding their
// notifications onto the messaging fabric.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/broker"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/component"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/config"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/health"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/inserter"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/metric"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/natsclient"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/pkg/retry"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/subscription"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fiware-bridge"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting FIWARE bridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	signalCtx, signalCancel := signalContext()
	defer signalCancel()

	natsClient, metricsRegistry, err := setupInfrastructure(signalCtx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	brokerClient := buildBrokerClient(cfg, logger, metricsRegistry)

	deps := component.Dependencies{
		NATSClient:      natsClient,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	}

	manager, err := subscription.NewManager(cfg, deps, brokerClient)
	if err != nil {
		return fmt.Errorf("create subscription manager: %w", err)
	}

	var components []component.LifecycleComponent
	if !cfg.DeleteOnly {
		artifact, err := inserter.NewArtifact(cfg, deps, brokerClient)
		if err != nil {
			return fmt.Errorf("create inserter: %w", err)
		}
		components = append(components, artifact)
	}
	components = append(components, manager)

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.Meta().Name, err)
		}
	}

	core := metricsRegistry.CoreMetrics()

	started := make([]component.LifecycleComponent, 0, len(components))
	for _, c := range components {
		if err := c.Start(signalCtx); err != nil {
			core.RecordServiceStatus(c.Meta().Name, 4)
			stopComponents(started, core, cliCfg.ShutdownTimeout)
			return fmt.Errorf("start %s: %w", c.Meta().Name, err)
		}
		started = append(started, c)
		core.RecordServiceStatus(c.Meta().Name, 2)
		slog.Info("Component started", "name", c.Meta().Name)
	}

	if cfg.DeleteOnly {
		slog.Info("Delete-only mode, subscription cleanup applied")
		stopComponents(started, core, cliCfg.ShutdownTimeout)
		return nil
	}

	monitor := health.NewMonitor()

	metricsServer := metric.NewServer(cfg.MetricsPort, "/metrics", metricsRegistry)
	metricsServer.SetHealthzHandler(healthzHandler(monitor))
	go func() {
		if err := metricsServer.Start(); err != nil {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	defer func() { _ = metricsServer.Stop() }()
	slog.Info("Metrics exposed", "address", metricsServer.Address())

	go watchHealth(signalCtx, monitor, metricsRegistry, natsClient, components)

	slog.Info("FIWARE bridge started")
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	if err := manager.DeleteArtifactSubscriptions(cleanupCtx); err != nil {
		slog.Error("Subscription cleanup finished with errors", "error", err)
	}
	cleanupCancel()

	stopComponents(started, core, cliCfg.ShutdownTimeout)
	slog.Info("FIWARE bridge shutdown complete")
	return nil
}

// healthzHandler serves the aggregated component health as JSON. The
// bridge is reported unhealthy with 503 when any component is.
func healthzHandler(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		aggregate := monitor.AggregateHealth(appName)

		w.Header().Set("Content-Type", "application/json")
		if !aggregate.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     aggregate,
			"components": monitor.GetAll(),
		})
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// setupInfrastructure connects NATS and builds the metrics registry.
func setupInfrastructure(ctx context.Context, cfg config.Config) (*natsclient.Client, *metric.MetricsRegistry, error) {
	metricsRegistry := metric.NewMetricsRegistry()
	core := metricsRegistry.CoreMetrics()

	natsClient, err := natsclient.NewClient(cfg.NATSURL,
		natsclient.WithName(appName),
		natsclient.WithDisconnectCallback(func(err error) {
			core.RecordNATSStatus(false)
			slog.Warn("NATS disconnected", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			core.RecordNATSStatus(true)
			core.RecordNATSReconnect()
			slog.Info("NATS reconnected")
		}),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			core.RecordNATSStatus(healthy)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATSURL)
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		if err := natsClient.Connect(ctx); err != nil {
			return err
		}
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return natsClient.WaitForConnection(connCtx)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	core.RecordNATSStatus(true)

	return natsClient, metricsRegistry, nil
}

// buildBrokerClient wires the NGSI-LD broker client from configuration.
func buildBrokerClient(cfg config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) *broker.Client {
	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithMetrics(registry.CoreMetrics()),
	}
	if cfg.ProjectName != "" {
		opts = append(opts, broker.WithTenant(cfg.ProjectName))
	}
	if len(cfg.Context) > 0 {
		opts = append(opts, broker.WithContextURL(cfg.Context[0]))
	}
	return broker.NewClient(cfg.BrokerURL(), opts...)
}

// watchHealth polls component health and NATS round-trip time into the
// monitor and the core gauges until the context ends.
func watchHealth(ctx context.Context, monitor *health.Monitor, registry *metric.MetricsRegistry, natsClient *natsclient.Client, components []component.LifecycleComponent) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	core := registry.CoreMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range components {
				name := c.Meta().Name
				status := health.FromComponentHealth(name, c.Health())
				monitor.Update(name, status)
				core.RecordHealthStatus(name, status.Healthy)
			}
			if rtt, err := natsClient.RTT(); err == nil {
				core.RecordNATSRTT(rtt)
			}
			if aggregate := monitor.AggregateHealth(appName); !aggregate.Healthy {
				slog.Warn("Bridge degraded", "status", aggregate.Status, "message", aggregate.Message)
			}
		}
	}
}

// stopComponents stops components in reverse start order.
func stopComponents(started []component.LifecycleComponent, core *metric.Metrics, timeout time.Duration) {
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Stop(timeout); err != nil {
			slog.Error("Error stopping component", "name", c.Meta().Name, "error", err)
		}
		core.RecordServiceStatus(c.Meta().Name, 0)
	}
}
