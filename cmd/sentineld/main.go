// Command sentineld runs the customer risk-assessment request core as a
// long-lived service: HTTP API, Prometheus exposition, and the monitoring
// dashboard, all wired over the resilience stack in internal/.
//
// Grounded on the teacher's cmd/sprint/main.go wiring: construct every
// subsystem up front, start them, install a signal-driven graceful
// shutdown, and tear everything down in reverse order.
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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/riskshield/sentinel-core/internal/analyzer"
	"github.com/riskshield/sentinel-core/internal/breaker"
	"github.com/riskshield/sentinel-core/internal/cache"
	"github.com/riskshield/sentinel-core/internal/config"
	"github.com/riskshield/sentinel-core/internal/dashboard"
	"github.com/riskshield/sentinel-core/internal/dedup"
	"github.com/riskshield/sentinel-core/internal/degradation"
	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"github.com/riskshield/sentinel-core/internal/fallback"
	"github.com/riskshield/sentinel-core/internal/logging"
	"github.com/riskshield/sentinel-core/internal/metrics"
	"github.com/riskshield/sentinel-core/internal/optimizer"
	"github.com/riskshield/sentinel-core/internal/pipeline"
	"github.com/riskshield/sentinel-core/internal/recovery"
	"github.com/riskshield/sentinel-core/internal/retry"
	"github.com/riskshield/sentinel-core/internal/store"
)

// Versioning - populated at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	cfg := config.Load()

	level, err := zapcore.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	logger, ring := logging.New(level, cfg.Observability.RingBufferSize)
	defer logger.Sync()

	logger.Info("starting sentineld",
		zap.String("version", Version), zap.String("commit", Commit), zap.String("tier", string(cfg.Tier)))

	pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	db := store.New(pool)

	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry, cfg.Observability.MetricsWindow)

	an := analyzer.New(ring, nil)
	dash := dashboard.New(collector, an)

	dd := dedup.New(dedup.Config(cfg.Dedup), logger)
	defer dd.Shutdown()

	c, err := cache.New(cache.Config{
		DefaultTTL:                 cfg.Cache.DefaultTTL,
		MaxSize:                    cfg.Cache.MaxSize,
		MaxMemoryUsage:             cfg.Cache.MaxMemoryUsage,
		BackgroundRefreshThreshold: cfg.Cache.BackgroundRefreshThreshold,
		CompressionEnabled:         cfg.Cache.CompressionEnabled,
		CompressionThreshold:       cfg.Cache.CompressionThreshold,
		CleanupInterval:            cfg.Cache.CleanupInterval,
	}, logger)
	if err != nil {
		logger.Fatal("failed to construct cache", zap.Error(err))
	}
	defer c.Shutdown()
	cacheLookup := func(key string) (interface{}, bool) { return c.Get(key) }

	b := breaker.New(breaker.Config{
		Name:                  "store",
		FailureThreshold:      cfg.Breaker.FailureThreshold,
		FailureRateThreshold:  cfg.Breaker.FailureRateThreshold,
		SlowCallRateThreshold: cfg.Breaker.SlowCallRateThreshold,
		MinSamples:            cfg.Breaker.MinSamples,
		RecoveryTimeout:       cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls:      cfg.Breaker.HalfOpenMaxCalls,
		SuccessThreshold:      cfg.Breaker.SuccessThreshold,
		MonitoringWindow:      cfg.Breaker.MonitoringWindow,
		RequestTimeout:        cfg.Breaker.RequestTimeout,
		SlowCallThreshold:     cfg.Breaker.SlowCallThreshold,
		MetricsRetention:      cfg.Breaker.MetricsRetention,
		PersistenceEnabled:    cfg.Breaker.PersistenceEnabled,
		PersistencePath:       cfg.Breaker.PersistencePath,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}, logger)
	defer func() {
		if err := b.Destroy(); err != nil {
			logger.Warn("breaker persistence flush failed on shutdown", zap.Error(err))
		}
	}()

	opt := optimizer.New(db, optimizer.Config{
		SlowQueryThreshold: cfg.Optimizer.SlowQueryThreshold,
		StatsWindow:        cfg.Optimizer.StatsWindow,
		InitialBackoff:     cfg.Optimizer.InitialBackoff,
		MaxBackoff:         cfg.Optimizer.MaxBackoff,
		BackoffMultiplier:  cfg.Optimizer.BackoffMultiplier,
		TripAfterFailures:  cfg.Optimizer.TripAfterFailures,
	}, logger)
	opt.OnSlowQuery(func(qt optimizer.QueryType, d time.Duration, paramsHash string) {
		logger.Warn("slow query detected",
			zap.String("queryType", string(qt)), zap.Duration("duration", d), zap.String("paramsHash", paramsHash))
	})

	fg := fallback.New()
	recoveryMgr := recovery.New(logger)
	recoveryMgr.Register(recovery.DatabaseErrorRecovery{Cache: cacheLookup, Fallback: fg.Provide})
	recoveryMgr.Register(recovery.CircuitBreakerErrorRecovery{Cache: cacheLookup, Fallback: fg.Provide})
	recoveryMgr.Register(recovery.TimeoutErrorRecovery{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond})
	recoveryMgr.Register(recovery.NetworkErrorRecovery{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond})

	retryMgr := retry.New(recoveryMgr, logger)
	retryPolicy := retry.Policy{
		Configured:        true,
		MaxRetries:        cfg.Retry.MaxRetries,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		JitterEnabled:     cfg.Retry.JitterEnabled,
		Timeout:           cfg.Retry.Timeout,
	}

	degrader := degradation.New(cacheLookup, fg.Provide, logger)

	pl := pipeline.New(dd, c, b, retryMgr, retryPolicy, opt, degrader, collector, logger)
	defer pl.Shutdown()

	router := newRouter(pl, dash, b, registry.Prometheus())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Observability.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	waitForShutdown(logger, srv)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains the HTTP server.
// The caller's deferred subsystem.Shutdown()/Destroy() calls run after this
// function returns, in reverse construction order.
func waitForShutdown(logger *zap.Logger, srv *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down sentineld")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}
	logger.Info("sentineld shutdown complete")
}

// findCustomerRequest is the inbound risk-lookup payload; binding tags
// drive gin's validator-backed request validation.
type findCustomerRequest struct {
	Phone         string `json:"phone" binding:"omitempty,min=7"`
	Email         string `json:"email" binding:"omitempty,email"`
	OrderID       string `json:"orderId" binding:"omitempty"`
	CheckoutToken string `json:"checkoutToken" binding:"omitempty"`
}

func newRouter(pl *pipeline.Pipeline, dash *dashboard.Dashboard, b *breaker.Breaker, promRegistry *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(perClientRateLimiter(20, 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	r.GET("/admin/breaker/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state":   b.GetState().String(),
			"metrics": b.GetMetrics(),
		})
	})
	r.POST("/admin/breaker/reset", func(c *gin.Context) {
		b.Reset()
		c.JSON(http.StatusOK, gin.H{"ok": true, "state": b.GetState().String()})
	})
	r.POST("/admin/breaker/force/:state", func(c *gin.Context) {
		state, ok := breakerStateFromString(c.Param("state"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state, want open|closed|half_open"})
			return
		}
		b.ForceState(state, "operator override via sentinelctl")
		c.JSON(http.StatusOK, gin.H{"ok": true, "state": b.GetState().String()})
	})

	r.POST("/risk/customer", func(c *gin.Context) {
		var req findCustomerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
			return
		}
		ids := store.Identifiers{
			Phone:         req.Phone,
			Email:         req.Email,
			OrderID:       req.OrderID,
			CheckoutToken: req.CheckoutToken,
		}
		customer, err := pl.FindCustomer(c.Request.Context(), ids)
		if err != nil {
			se := sentinelerrors.Wrap(err)
			c.JSON(statusForKind(se.Type), se)
			return
		}
		if customer == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "customer not found"})
			return
		}
		c.JSON(http.StatusOK, customer)
	})

	r.GET("/risk/orders/:customerId", func(c *gin.Context) {
		limit, _ := parseIntQuery(c.Query("limit"), 50)
		q := store.OrderEventQuery{Limit: limit}
		if types := c.Query("eventTypes"); types != "" {
			q.EventTypes = splitCSV(types)
		}
		events, err := pl.GetOrderHistory(c.Request.Context(), c.Param("customerId"), q)
		if err != nil {
			se := sentinelerrors.Wrap(err)
			c.JSON(statusForKind(se.Type), se)
			return
		}
		c.JSON(http.StatusOK, events)
	})

	dash.RegisterRoutes(r.Group("/"))
	return r
}

func parseIntQuery(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	var v int
	_, err := fmt.Sscanf(raw, "%d", &v)
	if err != nil {
		return def, nil
	}
	return v, nil
}

func splitCSV(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func breakerStateFromString(s string) (breaker.State, bool) {
	switch s {
	case "closed":
		return breaker.StateClosed, true
	case "open":
		return breaker.StateOpen, true
	case "half_open":
		return breaker.StateHalfOpen, true
	default:
		return breaker.StateClosed, false
	}
}

func statusForKind(kind sentinelerrors.Kind) int {
	switch kind {
	case sentinelerrors.KindValidation:
		return http.StatusBadRequest
	case sentinelerrors.KindAuthentication:
		return http.StatusUnauthorized
	case sentinelerrors.KindAuthorization:
		return http.StatusForbidden
	case sentinelerrors.KindNotFound:
		return http.StatusNotFound
	case sentinelerrors.KindRateLimit:
		return http.StatusTooManyRequests
	case sentinelerrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// perClientRateLimiter throttles inbound requests per client IP, grounded
// on the teacher's token-bucket rate limiting (golang.org/x/time/rate)
// applied per endpoint in its web dashboard.
func perClientRateLimiter(rps float64, burst int) gin.HandlerFunc {
	limiters := newClientLimiterStore(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiters.allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
