package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/ZanzyTHEbar/judge-consensus/internal/database"
	"github.com/ZanzyTHEbar/judge-consensus/internal/engine"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/middleware"
	"github.com/ZanzyTHEbar/judge-consensus/internal/monitoring"
	"github.com/ZanzyTHEbar/judge-consensus/internal/ratelimit"
	"github.com/ZanzyTHEbar/judge-consensus/internal/security"
	"github.com/ZanzyTHEbar/judge-consensus/internal/types"
)

const version = "1.0.0"

// server holds what the HTTP handlers need
type server struct {
	engine   *engine.Engine
	auth     *security.ReviewerAuth
	security *security.SecurityMiddleware
	compress *middleware.CompressionMiddleware
	alerts   *monitoring.AlertManager
	metrics  *monitoring.Metrics
	logger   *monitoring.Logger

	corsOrigins []string
	// optional, reported on /metrics when set
	db      *database.DB
	limiter *ratelimit.RateLimiter
}

func newRouter(s *server) *gin.Engine {
	r := gin.New()

	r.Use(monitoring.RequestIDMiddleware())
	r.Use(monitoring.MonitoringMiddleware(s.metrics, s.logger))
	r.Use(monitoring.SecurityMonitoringMiddleware(s.logger, security.DefaultSecurityConfig().MaxBodyBytes))
	r.Use(errors.RecoveryHandler())
	r.Use(s.compress.Handler())
	r.Use(errors.ErrorHandler())

	if len(s.corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.corsOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", monitoring.RequestIDHeader},
			ExposeHeaders:    []string{monitoring.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(s.security.SecurityHeaders)
	r.Use(s.security.RateLimitByIP)
	r.Use(s.security.ValidateContentType)
	r.Use(s.security.RequestTimeout)

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/alerts", s.handleAlerts)
	r.POST("/alerts/:id/silence", s.handleSilenceAlert)

	r.POST("/runs", s.handleRun)
	r.GET("/runs/:id/report", s.handleReport)

	r.GET("/escalations", s.handleListTickets)
	r.GET("/escalations/:id", s.handleGetTicket)
	r.POST("/escalations/:id/resolve", s.auth.Middleware(), s.handleResolveTicket)

	r.GET("/evaluators", s.handleEvaluators)
	r.POST("/evaluators/:id/probe", s.handleProbe)

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

// handleHealth godoc
// @Summary      Service health
// @Description  Reports evaluator availability. 503 when no evaluator can be called.
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /health [get]
func (s *server) handleHealth(c *gin.Context) {
	states := s.engine.Evaluators()

	status := "ok"
	callable := 0
	for _, st := range states {
		switch st.Level {
		case types.Down:
			status = "degraded"
		default:
			callable++
		}
	}

	code := http.StatusOK
	if len(states) == 0 || callable == 0 {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"timestamp":  time.Now().Format(time.RFC3339),
		"version":    version,
		"evaluators": states,
	})
}

// handleMetrics godoc
// @Summary  In-process metrics
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]interface{}
// @Router   /metrics [get]
func (s *server) handleMetrics(c *gin.Context) {
	stats := s.metrics.GetStats()
	stats["report_cache"] = s.engine.CacheStats()
	stats["compression"] = s.compress.GetStats()
	if s.db != nil {
		stats["database_pool"] = s.db.GetPoolStats()
	}
	if s.limiter != nil {
		stats["evaluator_budgets"] = s.limiter.GetStats()
	}
	c.JSON(http.StatusOK, stats)
}

// handleAlerts godoc
// @Summary  Active and resolved alerts
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]interface{}
// @Router   /alerts [get]
func (s *server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"alerts":    s.alerts.GetAlerts(),
		"active":    len(s.alerts.GetActiveAlerts()),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleSilenceAlert godoc
// @Summary  Silence an active alert
// @Tags     system
// @Produce  json
// @Param    id   path      string  true  "Alert ID"
// @Success  200  {object}  map[string]interface{}
// @Failure  404  {object}  errors.AppError
// @Router   /alerts/{id}/silence [post]
func (s *server) handleSilenceAlert(c *gin.Context) {
	id := c.Param("id")
	if !s.alerts.SilenceAlert(id) {
		_ = c.Error(errors.NewNotFoundError("alert", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "silenced"})
}

// handleRun godoc
// @Summary      Run artifacts against criteria
// @Description  Scores every (artifact, criterion) pair with every evaluator and resolves disagreements.
// @Tags         runs
// @Accept       json
// @Produce      json
// @Param        request  body      types.RunRequest  true  "Artifacts, criteria and optional evaluator subset"
// @Success      200      {object}  report.ConsensusReport
// @Failure      400      {object}  errors.AppError
// @Failure      503      {object}  errors.AppError  "no evaluator can be called"
// @Router       /runs [post]
func (s *server) handleRun(c *gin.Context) {
	var req types.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewValidationError("invalid run request", err.Error()))
		return
	}

	rep, err := s.engine.Run(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// handleReport godoc
// @Summary      Current report of a run
// @Description  Regenerates the report with every resolved escalation applied.
// @Tags         runs
// @Produce      json
// @Param        id   path      string  true  "Run ID"
// @Success      200  {object}  report.ConsensusReport
// @Failure      404  {object}  errors.AppError
// @Router       /runs/{id}/report [get]
func (s *server) handleReport(c *gin.Context) {
	rep, err := s.engine.Regenerate(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// handleListTickets godoc
// @Summary  List escalation tickets
// @Tags     escalations
// @Produce  json
// @Param    status  query     string  false  "pending or resolved"
// @Success  200     {object}  map[string]interface{}
// @Failure  400     {object}  errors.AppError
// @Router   /escalations [get]
func (s *server) handleListTickets(c *gin.Context) {
	tickets, err := s.engine.Tickets(c.Request.Context(), types.TicketStatus(c.Query("status")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if tickets == nil {
		tickets = []types.EscalationTicket{}
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
}

// handleGetTicket godoc
// @Summary  One escalation ticket
// @Tags     escalations
// @Produce  json
// @Param    id   path      string  true  "Ticket ID"
// @Success  200  {object}  types.EscalationTicket
// @Failure  404  {object}  errors.AppError
// @Router   /escalations/{id} [get]
func (s *server) handleGetTicket(c *gin.Context) {
	ticket, err := s.engine.Ticket(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// handleResolveTicket godoc
// @Summary      Resolve an escalation
// @Description  Records the reviewer's final score. The reviewer is taken from the bearer token.
// @Tags         escalations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                      true  "Ticket ID"
// @Param        request  body      types.ResolveTicketRequest  true  "Final score"
// @Success      200      {object}  types.EscalationTicket
// @Failure      400      {object}  errors.AppError
// @Failure      401      {object}  errors.AppError
// @Failure      404      {object}  errors.AppError
// @Failure      409      {object}  errors.AppError  "already resolved"
// @Router       /escalations/{id}/resolve [post]
func (s *server) handleResolveTicket(c *gin.Context) {
	var req types.ResolveTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewValidationError("invalid resolution", err.Error()))
		return
	}
	if req.Score == nil {
		_ = c.Error(errors.NewValidationError("score is required"))
		return
	}

	reviewer := c.GetString(security.ReviewerKey)
	ticket, err := s.engine.ResolveTicket(c.Request.Context(), c.Param("id"), *req.Score, reviewer)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// handleEvaluators godoc
// @Summary  Evaluator availability
// @Tags     evaluators
// @Produce  json
// @Success  200  {object}  map[string]interface{}
// @Router   /evaluators [get]
func (s *server) handleEvaluators(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"evaluators": s.engine.Evaluators()})
}

// handleProbe godoc
// @Summary      Probe one evaluator now
// @Description  A successful probe returns a Down evaluator to Live.
// @Tags         evaluators
// @Produce      json
// @Param        id   path      string  true  "Evaluator ID"
// @Success      200  {object}  types.AvailabilityState
// @Failure      404  {object}  errors.AppError
// @Router       /evaluators/{id}/probe [post]
func (s *server) handleProbe(c *gin.Context) {
	state, err := s.engine.ProbeEvaluator(c.Request.Context(), types.EvaluatorID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, state)
}
