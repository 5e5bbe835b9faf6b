package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/renderd/internal/config"
	"github.com/edirooss/renderd/internal/http/handler"
	mw "github.com/edirooss/renderd/internal/http/middleware"
	"github.com/edirooss/renderd/internal/metrics"
	"github.com/edirooss/renderd/internal/pool"
	"github.com/edirooss/renderd/internal/proc"
	rds "github.com/edirooss/renderd/internal/redis"
	"github.com/edirooss/renderd/internal/renderer"
	"github.com/edirooss/renderd/internal/resource"
	"github.com/edirooss/renderd/pkg/fmtt"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configPath = flag.String("config", "renderd.yaml", "path to config file")

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	// Shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Renderer pool
	factory := renderer.NewChromiumFactory(log, cfg.Renderer.BinaryPath, cfg.Renderer.ProfileDir)
	sup := proc.NewSupervisor(log)
	p := pool.New(log, cfg.PoolConfig(), factory, sup)

	// Resource controller, advising the pool's reclamation cycle
	ctrl := resource.NewController(log, cfg.ResourceConfig(), resource.NewProcStats(cfg.Resource.DiskRoot), p)
	p.SetAdvisor(ctrl)
	ctrl.OnPressure(func(pr resource.Pressure, s resource.Sample) {
		log.Warn("resource pressure",
			zap.Bool("memory", pr.Memory),
			zap.Bool("cpu", pr.CPU),
			zap.Bool("disk", pr.Disk),
			zap.Float64("memory_usage", s.MemoryUsage),
			zap.Float64("cpu_usage", s.CPUUsage),
			zap.Float64("disk_usage", s.DiskUsage),
			zap.Int("active_leases", s.ActiveLeases))
	})

	if err := p.Initialize(ctx); err != nil {
		if isDev {
			fmtt.DumpErrChain(err)
		}
		log.Fatal("pool initialization failed", zap.Error(err))
	}
	ctrl.Run()

	// Best-effort state mirroring for external dashboards
	rdb := rds.NewClient(cfg.RedisAddr, cfg.RedisDB, log)
	statusrepo := rds.NewStatusRepository(log, rdb, p, ctrl)
	go statusrepo.Run(ctx, cfg.RedisPublishInterval)

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local dashboard dev
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
				AllowMethods:     []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders:    []string{"X-Request-ID"},
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind a TLS-terminating proxy
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
			}))
		}

		r.Use(mw.LimitConcurrentRequests(64)) // Hard cap on in-flight requests
		r.Use(mw.Throttle(ctrl.Degradation())) // Shed load while pressure throttling is active
		r.Use(accessLog(log))
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		{
			poolhndlr := handler.NewPoolHandler(log, p)
			r.GET("/api/pool/status", poolhndlr.GetStatus)
			r.POST("/api/pool/warmup", poolhndlr.Warmup)
		}

		{
			reshndlr := handler.NewResourceHandler(log, ctrl)
			r.GET("/api/resources/latest", reshndlr.GetLatest)
			r.GET("/api/resources/history", reshndlr.GetHistory)
			r.GET("/api/resources/recommendations", reshndlr.GetRecommendations)
			r.POST("/api/resources/degradation/reset", reshndlr.ResetDegradation)
		}

		r.GET("/metrics", gin.WrapH(metrics.New(p, ctrl).Handler()))
	}

	httpsrv := &http.Server{
		Addr:              cfg.Addr + ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      15 * time.Second, // avoid forever-hangs on writes
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		httpsrv.Shutdown(shutdownCtx)
	}()

	log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
	if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}

	// Instances outlive the HTTP surface; tear them down last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.Shutdown(shutdownCtx)
	ctrl.Stop()
	rdb.Close()

	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("renderd %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
