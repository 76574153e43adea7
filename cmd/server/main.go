package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/judge-consensus/internal/config"
	"github.com/ZanzyTHEbar/judge-consensus/internal/consensus"
	"github.com/ZanzyTHEbar/judge-consensus/internal/database"
	"github.com/ZanzyTHEbar/judge-consensus/internal/engine"
	"github.com/ZanzyTHEbar/judge-consensus/internal/escalation"
	"github.com/ZanzyTHEbar/judge-consensus/internal/evaluator"
	"github.com/ZanzyTHEbar/judge-consensus/internal/middleware"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/ratelimit"
	"github.com/ZanzyTHEbar/judge-consensus/internal/report"
	"github.com/ZanzyTHEbar/judge-consensus/internal/resilience"
	"github.com/ZanzyTHEbar/judge-consensus/internal/security"
)

// @title                       Judge Consensus API
// @version                     1.0
// @description                 Scores artifacts with several evaluators and resolves their disagreements.
// @BasePath                    /
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "judge-consensus",
		Short: "Multi-evaluator consensus service",
		Long: `judge-consensus scores artifacts with every configured evaluator, resolves
their disagreements and queues the hardest conflicts for human review.

Examples:
  judge-consensus --config consensus.yaml          # Start the HTTP service
  judge-consensus token --reviewer alice --ttl 8h  # Mint a reviewer token`,
		RunE:         runServer,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", os.Getenv("CONSENSUS_CONFIG"), "YAML configuration file")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a reviewer token for resolving escalations",
		RunE:  runToken,
	}
	tokenCmd.Flags().String("reviewer", "", "reviewer identity recorded on resolved tickets")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("reviewer")
	rootCmd.AddCommand(tokenCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "judge-consensus %s\n", version)
		},
	})

	return rootCmd
}

func runToken(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	reviewer, _ := cmd.Flags().GetString("reviewer")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	token, err := security.NewReviewerAuth(cfg.Server.ReviewerSecret, ttl).GenerateToken(reviewer)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := monitoring.NewLogger(cfg.Log.Level, cfg.Log.Format)
	metrics := monitoring.NewMetrics()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Alerting
	alerts := monitoring.NewAlertManager(logger, metrics, 30*time.Second)
	alerts.AddNotifier(monitoring.NewLogNotifier(logger))
	if cfg.Server.AlertWebhook != "" {
		alerts.AddNotifier(monitoring.NewWebhookNotifier(cfg.Server.AlertWebhook))
	}
	for _, rule := range defaultAlertRules() {
		alerts.AddRule(rule)
	}
	go alerts.Start(ctx)

	// Evaluator budgets are shared through Redis when configured
	redisClient, err := ratelimit.NewRedisClient(ctx, cfg.Server.RedisAddr, cfg.Server.RedisPassword, 0)
	if err != nil {
		logger.Warn("Redis unavailable, using in-process evaluator budgets", "error", err)
	}
	defer redisClient.Close()
	limiter := ratelimit.NewRateLimiter(redisClient, metrics)

	registry, err := evaluator.BuildRegistry(cfg.Evaluators,
		evaluator.WithRateLimiter(limiter),
		evaluator.WithMetrics(metrics),
		evaluator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to build evaluator registry: %w", err)
	}

	tracker := resilience.NewAvailabilityTracker(cfg.Availability, registry, logger, metrics)
	tracker.OnTransition(resilience.AlertOnDown(alerts))
	dispatcher := resilience.NewDispatcher(registry, tracker, resilience.RetryConfigFrom(cfg.Dispatch), logger, metrics)

	db, err := database.NewDB(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	pipeline := consensus.NewPipeline(&cfg.Consensus, escalation.NewSQLiteStore(repo), logger, metrics)
	pipeline.OnEscalate(consensus.AlertOnEscalation(alerts))

	reports := report.NewCache(15*time.Minute, metrics)
	go reports.Start(ctx, time.Minute)

	eng := engine.New(dispatcher, pipeline,
		engine.WithRunStore(engine.NewSQLiteRunStore(repo)),
		engine.WithCache(reports),
		engine.WithConcurrency(cfg.Dispatch.PairConcurrency),
		engine.WithAlertManager(alerts),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	)

	go resilience.NewProber(tracker, cfg.Availability.ProbeInterval).Start(ctx)

	secConfig := security.DefaultSecurityConfig()
	secConfig.RequestTimeout = cfg.Server.RequestTimeout
	sec := security.NewSecurityMiddleware(secConfig)
	go sec.Cleanup(ctx, 10*time.Minute)

	auth := security.NewReviewerAuth(cfg.Server.ReviewerSecret, 24*time.Hour)
	if !auth.Enabled() {
		logger.Warn("CONSENSUS_REVIEWER_SECRET not set, escalations cannot be resolved over HTTP")
	}

	r := newRouter(&server{
		engine:      eng,
		auth:        auth,
		security:    sec,
		compress:    middleware.NewCompressionMiddleware(middleware.DefaultCompressionConfig()),
		alerts:      alerts,
		metrics:     metrics,
		logger:      logger,
		corsOrigins: cfg.Server.CORSOrigins,
		db:          db,
		limiter:     limiter,
	})

	// Start server with graceful shutdown
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.SystemLogger("server_start", cfg.Address())
		logger.Info("Starting server", "address", cfg.Address(), "evaluators", registry.Len(), "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		logger.Error("Server failed to start", "error", err)
		return err
	}
	logger.Info("Shutting down server...")

	stop()
	alerts.Flush()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}

	logger.Info("Server exited")
	return nil
}

func defaultAlertRules() []monitoring.AlertRule {
	return []monitoring.AlertRule{
		{
			Name:        "HighNotAvailableRate",
			Query:       "not_available_rate",
			Threshold:   0.25,
			Operator:    "gt",
			Severity:    monitoring.SeverityWarning,
			Service:     "dispatcher",
			Description: "More than one Not-Available outcome per four dispatched pairs",
			For:         5 * time.Minute,
		},
		{
			Name:        "FatalDispatches",
			Query:       "fatal_dispatches",
			Threshold:   0,
			Operator:    "gt",
			Severity:    monitoring.SeverityCritical,
			Service:     "dispatcher",
			Description: "Runs were refused because no evaluator could be called",
			Delta:       true,
		},
		{
			Name:        "HighErrorRate",
			Query:       "error_rate",
			Threshold:   5,
			Operator:    "gt",
			Severity:    monitoring.SeverityError,
			Service:     "api",
			Description: "API error rate above 5%",
			For:         5 * time.Minute,
		},
	}
}
