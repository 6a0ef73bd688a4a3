package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"schoolerp/backend/internal/api"
	"schoolerp/backend/internal/auth"
	"schoolerp/backend/internal/config"
	"schoolerp/backend/internal/logging"
	"schoolerp/backend/internal/mcp"
	"schoolerp/backend/internal/repository"
	"schoolerp/backend/internal/services"
	"schoolerp/backend/internal/telemetry"
	"schoolerp/backend/internal/workflow"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "schoolerp-workflow",
		Short:        "Approval workflow service for school administration",
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./config.yaml)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and seed the built-in workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), configPath)
		},
	})
	return cmd
}

func setup(ctx context.Context, configPath string) (*config.Config, *logging.Logger, *pgxpool.Pool, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Log.Level)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_domain", cfg.Auth.OktaDomain,
		"okta_client_id", cfg.Auth.ClientID,
		"secret_len", len(cfg.Auth.ClientSecret),
	)

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database initialization failed: %w", err)
	}
	logger.Info("Database connected", "host", cfg.DB.Host, "name", cfg.DB.Name)
	return cfg, logger, pool, nil
}

func migrate(ctx context.Context, configPath string) error {
	_, logger, pool, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return err
	}
	if err := services.SeedDefinitions(ctx, repository.NewPostgresWorkflowStore(pool)); err != nil {
		return fmt.Errorf("seed definitions: %w", err)
	}
	logger.Info("Schema applied and workflow definitions seeded")
	return nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, logger, pool, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger.Info("Starting School ERP Workflow Service", "version", version)

	// Initialize repository layer
	tx := repository.NewTxManager(pool)
	workflowStore := repository.NewPostgresWorkflowStore(pool)
	entityStore := repository.NewPostgresEntityStore(pool)

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}

	// Initialize engine and approval programs
	engine := workflow.New(tx, workflowStore,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithDefinitionCache(workflow.NewDefinitionCache(
			cfg.Workflow.DefinitionCacheSize, cfg.Workflow.DefinitionCacheTTL)),
	)
	programs := api.Programs{
		Budget:  services.NewBudgetWorkflow(engine, tx, entityStore, logger.With("workflow", "budget")),
		Expense: services.NewExpenseWorkflow(engine, tx, entityStore, logger.With("workflow", "expense")),
		Fee:     services.NewFeeWorkflow(engine, tx, entityStore, logger.With("workflow", "fee_structure")),
		Payroll: services.NewPayrollWorkflow(engine, tx, entityStore, logger.With("workflow", "payroll")),
	}
	services.RegisterPolicies(engine.Policies(), programs.Budget, programs.Expense, programs.Fee, programs.Payroll)
	programs.Payroll.RegisterProcedures(engine.Procedures())

	logger.Info("Service layer initialized")

	// Create Echo server
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ProblemErrorHandler(logger)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("schoolerp-workflow"))
	e.Use(middleware.Logger())

	health := api.NewHandler(workflowStore, version)
	e.GET("/health", health.HandleHealth)
	e.GET("/ready", health.HandleReady)

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, workflowStore, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	// Mount REST API handlers
	requireAuth := echo.WrapMiddleware(authz.RequireAuth)
	apiGroup := e.Group("/api/v1", requireAuth)
	api.RegisterHandlers(apiGroup, api.NewServer(engine, workflowStore, programs, logger))

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(engine, map[string]mcp.StatusReader{
		"budget":        programs.Budget,
		"expense":       programs.Expense,
		"fee_structure": programs.Fee,
	}, programs.Payroll)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers), requireAuth)
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers), requireAuth)

	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	for {
		select {
		case <-reload:
			engine.Definitions().Invalidate()
			logger.Info("Workflow definition cache invalidated")
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case sig := <-shutdown:
			logger.Info("Shutdown signal received", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil {
				logger.Error("Server shutdown error", "error", err)
				if err := server.Close(); err != nil {
					logger.Error("Server close error", "error", err)
				}
			}

			logger.Info("Server stopped gracefully")
			return nil
		}
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolConfig.MaxConns = cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
