// Package app provides the entry point for the mcpgw command-line application.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcp-gateway/pkg/gateway/auth"
	"github.com/stacklok/mcp-gateway/pkg/gateway/config"
	"github.com/stacklok/mcp-gateway/pkg/gateway/pipeline"
	"github.com/stacklok/mcp-gateway/pkg/gateway/pool"
	"github.com/stacklok/mcp-gateway/pkg/gateway/router"
	"github.com/stacklok/mcp-gateway/pkg/gateway/server"
	"github.com/stacklok/mcp-gateway/pkg/gateway/session"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/telemetry"
	"github.com/stacklok/mcp-gateway/pkg/versions"
)

// initialHealthWait bounds how long the ready logger waits for the first
// round of backend probes before reporting them as pending.
const initialHealthWait = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:               "mcpgw",
	DisableAutoGenTag: true,
	Short:             "MCP Gateway - Multi-tenant gateway for MCP backends",
	Long: `MCP Gateway (mcpgw) terminates HTTP and WebSocket connections from MCP
(Model Context Protocol) clients and forwards their JSON-RPC requests to
backend MCP servers. It provides:

- Capability-based routing of tool, resource, and prompt calls
- JWT bearer and API key authentication with per-organization context
- Session management with in-memory or Redis storage
- Health-driven backend selection with periodic probing
- Rate limiting, request size limits, CORS, and security headers
- Prometheus and OTLP metrics export`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the mcpgw CLI.
func NewRootCmd() *cobra.Command {
	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to gateway configuration file")
	err = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	if err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newServeCmd creates the serve command for starting the gateway
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP gateway",
		Long: `Start the MCP gateway and listen for MCP client connections.

Configuration is read from the file given by --config, environment
variables, and built-in defaults. Flags beat environment variables,
which beat the file, which beats the defaults. The gateway serves MCP
traffic on /mcp (HTTP) and /mcp/ws (WebSocket).`,
		RunE: runServe,
	}

	cmd.Flags().Int("port", 0, "Port to listen on (overrides configuration)")
	cmd.Flags().String("host", "", "Host to bind to (overrides configuration)")

	return cmd
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the gateway configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity
- Server, session, and limit settings
- Backend URL and capability declarations
- Production hardening requirements (secrets, origins, API key)`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			logger.Infof("Validating configuration: %s", configPath)

			// Load configuration from YAML
			loader := config.NewYAMLLoader(configPath)
			cfg, err := loader.Load()
			if err != nil {
				logger.Errorf("Failed to load configuration: %v", err)
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			logger.Debugf("Configuration loaded successfully, performing validation...")

			// Validate configuration
			validator := config.NewValidator()
			if err := validator.Validate(cfg); err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  Environment: %s", cfg.Environment)
			logger.Infof("  Listen: %s:%d", cfg.Host, cfg.Port)
			logger.Infof("  Session store: %s", cfg.SessionStore.Type)
			for _, backend := range cfg.BackendConfigs() {
				logger.Infof("  Backend %s: %s (%d capabilities, requiresAuth=%t)",
					backend.ID, backend.BaseURL, len(backend.Capabilities), backend.RequiresAuth)
			}

			return nil
		},
	}
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	if configPath != "" {
		logger.Infof("Loading configuration from: %s", configPath)
	}

	// Load configuration from YAML, environment, and defaults
	loader := config.NewYAMLLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	// Flags beat environment variables and file values
	if cmd.Flags().Changed("port") {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return fmt.Errorf("reading port flag: %w", err)
		}
		cfg.Port = port
	}
	if cmd.Flags().Changed("host") {
		host, err := cmd.Flags().GetString("host")
		if err != nil {
			return fmt.Errorf("reading host flag: %w", err)
		}
		cfg.Host = host
	}

	// Validate configuration
	validator := config.NewValidator()
	if err := validator.Validate(cfg); err != nil {
		logger.Errorf("Configuration validation failed: %v", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	logger.Infof("Configuration loaded and validated successfully")
	logger.Infof("  Environment: %s", cfg.Environment)
	logger.Infof("  Backends: %d", len(cfg.MCPServers))
	logger.Infof("  Session store: %s", cfg.SessionStore.Type)

	// Create telemetry providers
	tp, err := newTelemetryProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create telemetry providers: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warnf("Telemetry shutdown: %v", err)
		}
	}()

	// Register backends with the pool
	backendPool := pool.New()
	backendConfigs := cfg.BackendConfigs()
	for _, backendCfg := range backendConfigs {
		if _, err := backendPool.Register(backendCfg); err != nil {
			return fmt.Errorf("failed to register backend %s: %w", backendCfg.ID, err)
		}
	}
	logger.Infof("Registered %d backends", len(backendConfigs))

	// Build the routing table and install it
	table, err := router.BuildTable(backendConfigs)
	if err != nil {
		return fmt.Errorf("failed to build routing table: %w", err)
	}
	capabilityRouter := router.NewCapabilityRouter()
	if err := capabilityRouter.Update(ctx, table); err != nil {
		return fmt.Errorf("failed to install routing table: %w", err)
	}

	// Start health monitoring
	checker := pool.NewHTTPChecker(nil, pool.DefaultProbeTimeout)
	monitor, err := pool.NewMonitor(backendPool, checker, time.Duration(cfg.HealthCheckInterval))
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	defer monitor.Stop()

	// Create session storage and manager
	storage, err := newSessionStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create session storage: %w", err)
	}
	resolver := auth.NewResolver(auth.ResolverConfig{
		Validator: auth.NewHMACValidator([]byte(cfg.JWTSecret)),
		Directory: auth.NewStaticDirectory(nil),
		APIKeys:   auth.NewStaticAPIKeys(nil),
		// Simulated identities let unregistered callers through in
		// development. Production requires registered credentials.
		AllowSimulation: !cfg.IsProduction(),
	})
	sessions, err := session.NewManager(session.ManagerConfig{
		Storage:     storage,
		Resolver:    resolver,
		TokenSecret: []byte(cfg.JWTSecret),
		TTL:         time.Duration(cfg.SessionTimeout),
		MaxSessions: cfg.MaxConcurrentSessions,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	defer sessions.Stop()

	// Create the request pipeline
	forwarder := pipeline.NewForwarder(nil, time.Duration(cfg.ForwardTimeout))
	pl, err := pipeline.New(pipeline.Config{
		Sessions:  sessions,
		Router:    capabilityRouter,
		Pool:      backendPool,
		Forwarder: forwarder,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	// Create the transport server
	serverCfg := server.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		AllowedOrigins:     cfg.AllowedOrigins,
		CORSCredentials:    cfg.CORSCredentials,
		SecurityHeaders:    cfg.SecurityHeaders,
		RequireAPIKey:      cfg.RequireAPIKey,
		APIKey:             cfg.MCPAPIKey,
		Production:         cfg.IsProduction(),
		EnableRateLimit:    cfg.EnableRateLimit,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		MaxRequestBytes:    cfg.MaxRequestBytes(),
		ShutdownTimeout:    time.Duration(cfg.ShutdownTimeout),
		MetricsHandler:     tp.PrometheusHandler(),
	}
	if cfg.Metrics.Enabled {
		serverCfg.Middleware = telemetry.NewHTTPMiddleware(tp.MeterProvider())
	}
	srv, err := server.New(serverCfg, pl, sessions, backendPool, resolver)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start serving (blocks until shutdown signal). A second goroutine
	// logs readiness once the listener is up and the first round of
	// health probes has completed.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-srv.Ready():
		case <-gctx.Done():
			return nil
		}
		logger.Infof("MCP gateway listening at %s", srv.Address())

		waitCtx, cancel := context.WithTimeout(gctx, initialHealthWait)
		defer cancel()
		if err := monitor.WaitForInitialHealthChecks(waitCtx); err != nil {
			logger.Warnf("Initial health checks still pending: %v", err)
			return nil
		}
		logger.Infof("MCP gateway ready: all backends probed")
		return nil
	})
	return g.Wait()
}

// newTelemetryProvider builds the metrics providers from the gateway
// configuration. With metrics disabled and no OTLP endpoint this returns
// a no-op provider, so callers can wire it unconditionally.
func newTelemetryProvider(ctx context.Context, cfg *config.Config) (*telemetry.CompositeProvider, error) {
	opts := []telemetry.ProviderOption{
		telemetry.WithServiceName("mcp-gateway"),
		telemetry.WithServiceVersion(versions.GetVersionInfo().Version),
		telemetry.WithPrometheusMetricsPath(cfg.Metrics.Enabled),
	}
	if cfg.Metrics.OTLPEndpoint != "" {
		opts = append(opts,
			telemetry.WithOTLPEndpoint(cfg.Metrics.OTLPEndpoint),
			telemetry.WithInsecure(!cfg.IsProduction()),
		)
	}
	return telemetry.NewCompositeProvider(ctx, opts...)
}

// newSessionStorage creates the session store named by the configuration.
func newSessionStorage(ctx context.Context, cfg *config.Config) (session.Storage, error) {
	switch cfg.SessionStore.Type {
	case config.SessionStoreRedis:
		logger.Infof("Using Redis session storage at %s", cfg.SessionStore.Redis.Addr)
		return session.NewRedisStorage(ctx, session.RedisConfig{
			Addr:      cfg.SessionStore.Redis.Addr,
			Password:  cfg.SessionStore.Redis.Password,
			DB:        cfg.SessionStore.Redis.DB,
			KeyPrefix: "mcpgw:",
			TTL:       time.Duration(cfg.SessionTimeout),
		})
	default:
		return session.NewLocalStorage(), nil
	}
}
