package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matcala/cs-e4300-wireguard-mesh/internal/agent"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/dns"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/mgmtapi"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/state"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/supervisor"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/wireguard"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/clients"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/config"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/logging"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/monitoring"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/server"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/version"

	"golang.org/x/sync/errgroup"
)

const (
	serviceName          = "wgmanager"
	defaultDescriptorDir = "/etc/wireguard_manager"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService(serviceName)

	// Load environment variables
	config.LoadEnv(logger)

	descriptorDir := defaultDescriptorDir
	if len(os.Args) > 1 {
		descriptorDir = os.Args[1]
	}

	wgDir := config.GetEnv("WIREGUARD_DIR", "/etc/wireguard")
	runner := wireguard.ExecRunner{Timeout: config.GetEnvDuration("COMMAND_TIMEOUT", wireguard.DefaultCommandTimeout)}

	keygenMode, err := config.GetEnvChoice("WG_KEYGEN", "command", "command", "native")
	if err != nil {
		logger.WithError(err).Fatal("Invalid key generator")
	}
	var keygen wireguard.KeyGenerator = wireguard.CommandKeyGenerator{Runner: runner}
	if keygenMode == "native" {
		keygen = wireguard.NativeKeyGenerator{}
	}

	staticTemplate, err := wireguard.LoadStaticTemplate(os.Getenv("STATIC_TEMPLATE_PATH"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to load static config template")
	}

	apiTimeout := config.GetEnvDuration("API_TIMEOUT", mgmtapi.DefaultTimeout)
	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.MaxRetries = config.GetEnvInt("API_MAX_RETRIES", 0)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)

	agentMetrics := &agent.Metrics{
		TokenRenewals:    metricsCollector.NewCounter("token_renewals_total", "Token renewal attempts", []string{"status"}),
		ConfigSyncs:      metricsCollector.NewCounter("config_syncs_total", "Peer config sync outcomes", []string{"result"}),
		TunnelOperations: metricsCollector.NewCounter("tunnel_operations_total", "Interface service operations", []string{"operation", "status"}),
		KeyPublishes:     metricsCollector.NewCounter("key_publish_total", "Public key publish attempts", []string{"status"}),
	}
	supervisorMetrics := &supervisor.Metrics{
		AgentsRunning:   metricsCollector.NewGauge("agents_running", "Registered interface agents", []string{}),
		DescriptorPolls: metricsCollector.NewCounter("descriptor_polls_total", "Descriptor directory polls", []string{"status"}),
	}
	apiDurations := metricsCollector.NewHistogram("api_request_duration_seconds", "Management API request latency", []string{"operation"}, nil)

	var dnsServer *dns.Server
	var directory agent.Directory
	if port := config.GetEnvInt("DNS_PORT", 0); port > 0 {
		dnsServer = dns.NewServer(logger, fmt.Sprintf("127.0.0.1:%d", port))
		directory = dnsServer
	}

	stateStore := state.NewFileStore(os.Getenv("STATE_DIR"))

	newWorker := func(path string, claims agent.Claims) supervisor.Worker {
		return agent.New(agent.Config{
			DescriptorPath: path,
			WireGuardDir:   wgDir,
			StaticTemplate: staticTemplate,
			KeyGenerator:   keygen,
			StateStore:     stateStore,
			Directory:      directory,
			Claims:         claims,
			Logger:         logger,
			Metrics:        agentMetrics,
			NewClient: func(baseURL string) agent.APIClient {
				return mgmtapi.NewClient(baseURL,
					mgmtapi.WithTimeout(apiTimeout),
					mgmtapi.WithHTTPExecutorConfig(execCfg),
					mgmtapi.WithDurationHistogram(apiDurations),
				)
			},
			NewManager: func(name string) (wireguard.Manager, error) {
				return wireguard.NewManager(name, runner)
			},
		})
	}

	sup := supervisor.New(supervisor.Config{
		Dir:          descriptorDir,
		PollInterval: config.GetEnvDuration("DESCRIPTOR_POLL_INTERVAL", supervisor.DefaultPollInterval),
		NewWorker:    newWorker,
		Logger:       logger,
		Metrics:      supervisorMetrics,
	})

	healthChecker.AddCheck("supervisor", sup.HealthCheck())
	healthChecker.AddCheck("descriptor_dir", monitoring.DirectoryHealthCheck(descriptorDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logging.Fields{
		"descriptor_dir": descriptorDir,
		"wireguard_dir":  wgDir,
		"version":        version.Version,
	}).Info("Starting WireGuard interface manager")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})

	if dnsServer != nil {
		if err := dnsServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start DNS server")
		}
		g.Go(func() error {
			<-gctx.Done()
			dnsServer.Stop()
			return nil
		})
	}

	// Start HTTP server for health/metrics (standard pattern)
	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	serverConfig := server.DefaultConfig(serviceName, config.GetEnv("WGMANAGER_PORT", "18014"))
	g.Go(func() error {
		return server.Run(gctx, serverConfig, router, logger)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Manager exited with error")
	}
	logger.Info("Manager stopped")
}
