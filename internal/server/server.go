package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caption-server/internal/api"
	"caption-server/internal/config"
	"caption-server/internal/domain"
	"caption-server/internal/engine"
	"caption-server/internal/middleware"
	"caption-server/internal/service"
)

const (
	Version = "1.0.0"
	Banner  = `
==========================================
  capserve v%s
  Streaming image captioning over SSE
==========================================
`
)

// Options for starting the server. Zero values fall back to the
// environment configuration.
type Options struct {
	Host          string
	Port          int
	ModelPath     string
	TokenizerPath string
	AssetsDir     string
	Threads       int
	Verbose       bool
	ShowBanner    bool

	// LogOutput defaults to os.Stdout. Use io.Discard to silence logs.
	LogOutput io.Writer
	// Background skips signal handling; the caller closes ShutdownChan.
	Background   bool
	ShutdownChan chan struct{}

	// Loader replaces the hub/local model loader.
	Loader domain.ResourceLoader
	// Listener, when set, is served instead of binding Host:Port.
	Listener net.Listener
}

// ServerInstance represents a running server instance for external control
type ServerInstance struct {
	httpServer *http.Server
	listener   net.Listener
	captions   *service.CaptionService
	models     *service.ModelService
	limiter    middleware.RateLimiterInterface
	serveErr   chan error

	shutdownTimeout time.Duration
}

// Addr returns the address the server is listening on.
func (s *ServerInstance) Addr() net.Addr {
	return s.listener.Addr()
}

// Handler returns the fully wrapped root handler.
func (s *ServerInstance) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown stops accepting connections, waits for in-flight generations and
// releases the model.
func (s *ServerInstance) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		slog.Error("graceful shutdown failed, forcing close", slog.String("error", err.Error()))
		if closeErr := s.httpServer.Close(); closeErr != nil {
			slog.Error("failed to close server", slog.String("error", closeErr.Error()))
		}
	}

	slog.Info("waiting for generation tasks")
	if waitErr := s.captions.Wait(ctx); waitErr != nil {
		slog.Warn("generation tasks still running at shutdown", slog.String("error", waitErr.Error()))
		err = errors.Join(err, waitErr)
	}

	s.models.Close()

	if c, ok := s.limiter.(io.Closer); ok {
		if closeErr := c.Close(); closeErr != nil {
			slog.Warn("failed to close rate limiter", slog.String("error", closeErr.Error()))
		}
	}

	slog.Info("shutdown complete")
	return err
}

// Run starts the server (blocking mode for CLI `serve` command)
func Run(opts *Options) error {
	instance, err := Start(opts)
	if err != nil {
		return err
	}

	var serveErr error
	if opts.Background {
		// In background mode, wait for shutdown signal from caller
		select {
		case serveErr = <-instance.serveErr:
			slog.Error("server error", slog.String("error", serveErr.Error()))
		case <-opts.ShutdownChan:
		}
	} else {
		// Wait for OS shutdown signal
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		select {
		case serveErr = <-instance.serveErr:
			slog.Error("server error", slog.String("error", serveErr.Error()))
		case sig := <-shutdown:
			slog.Info("received shutdown signal, starting graceful shutdown", slog.String("signal", sig.String()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), instance.shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, instance.Shutdown(ctx))
}

// Start loads configuration and the model, then begins serving. A model that
// cannot be loaded is fatal: nothing is served.
func Start(opts *Options) (*ServerInstance, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOptions(cfg, opts)

	// Configure logging output
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	middleware.SetupLogger(opts.LogOutput, cfg.LogLevel, cfg.LogFormat)

	// Initialize OpenTelemetry propagator for distributed tracing
	middleware.InitOTelPropagator()

	if opts.ShowBanner {
		fmt.Printf(Banner, Version)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		return nil, err
	}
	slog.Info("configuration loaded", slog.String("config", cfg.String()))

	// Detect and apply CPU configuration
	cpuCfg := engine.DetectCPUConfig()
	cpuCfg.Apply()

	threads := cfg.Threads
	if threads == 0 {
		threads = cpuCfg.OptimalThreadCount()
	}
	slog.Info("inference threads configured", slog.Int("threads", threads))

	loader := opts.Loader
	if loader == nil {
		loader = engine.NewLoader(loaderConfig(cfg, threads))
	}

	modelService := service.NewModelService()
	slog.Info("loading model", slog.String("repo", cfg.ModelRepo), slog.String("path", cfg.ModelPath))
	if err := modelService.LoadModel(context.Background(), loader); err != nil {
		slog.Error("failed to load model", slog.String("error", err.Error()))
		return nil, fmt.Errorf("load model: %w", err)
	}

	captionService := service.NewCaptionService(modelService, service.GenerationConfig{
		MaxSteps:    cfg.MaxSteps,
		StepDelay:   cfg.StepDelay,
		EmitCaption: cfg.SendCaption,
	}, cfg.EventBuffer)

	assets, err := api.NewAssetStore(cfg.AssetsDir, 0)
	if err != nil {
		return nil, err
	}
	validator := middleware.NewUploadValidatorWithConfig(middleware.UploadConfig{
		MaxImageBytes:  cfg.MaxImageBytes,
		AllowedFormats: middleware.DefaultUploadConfig().AllowedFormats,
	})
	handler := api.NewHandler(captionService, modelService, validator, assets, cfg.KeepAliveInterval)

	var rateLimiter middleware.RateLimiterInterface
	if cfg.RateLimitEnabled {
		rateLimiter = newRateLimiter(cfg)
	}

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      NewRouter(cfg, handler, rateLimiter),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ln := opts.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", httpServer.Addr)
		if err != nil {
			modelService.Close()
			return nil, fmt.Errorf("listen on %s: %w", httpServer.Addr, err)
		}
	}

	instance := &ServerInstance{
		httpServer: httpServer,
		listener:   ln,
		captions:   captionService,
		models:     modelService,
		limiter:    rateLimiter,
		serveErr:   make(chan error, 1),

		shutdownTimeout: cmp.Or(cfg.ShutdownTimeout, 30*time.Second),
	}

	go func() {
		slog.Info("starting server", slog.String("address", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			instance.serveErr <- err
		}
	}()

	return instance, nil
}

// NewRouter mounts every route behind the global middleware chain. Only the
// caption endpoints are rate limited and body capped.
func NewRouter(cfg *config.ServerConfig, handler *api.Handler, limiter middleware.RateLimiterInterface) http.Handler {
	global := []func(http.Handler) http.Handler{
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Tracing(),
		middleware.Logging(),
	}
	if cfg.CORSEnabled {
		global = append(global, middleware.CORS(cfg.CORSAllowedOrigins))
	}
	globalChain := middleware.Chain(global...)

	captionMiddleware := []func(http.Handler) http.Handler{}
	if limiter != nil {
		captionMiddleware = append(captionMiddleware, middleware.RateLimitWithInterface(limiter))
	}
	captionMiddleware = append(captionMiddleware, middleware.MaxBodySize(cfg.MaxRequestBodySize))
	caption := middleware.Chain(captionMiddleware...)(http.HandlerFunc(handler.CaptionHandler))

	mux := http.NewServeMux()
	mux.Handle("POST /api/cap", caption)
	mux.Handle("POST /cap", caption)
	mux.HandleFunc("GET /{$}", handler.IndexHandler)
	mux.HandleFunc("GET /assets/{filename}", handler.AssetHandler)

	mux.HandleFunc("GET /health", handler.HealthHandler)
	mux.HandleFunc("GET /health/live", handler.LivenessHandler)
	mux.HandleFunc("GET /health/ready", handler.ReadinessHandler)
	mux.HandleFunc("GET /health/startup", handler.StartupHandler)
	mux.HandleFunc("GET /metrics", handler.MetricsHandler)

	return globalChain(mux)
}

func newRateLimiter(cfg *config.ServerConfig) middleware.RateLimiterInterface {
	if cfg.RedisURL == "" || !cfg.RedisRateLimitEnabled {
		return middleware.NewRateLimiter(cfg.RateLimitReqPerSec, cfg.RateLimitBurst)
	}

	redisRateLimiter, err := middleware.NewRedisRateLimiter(middleware.RedisRateLimiterConfig{
		RedisURL:          cfg.RedisURL,
		RedisPassword:     cfg.RedisPassword,
		RedisDB:           cfg.RedisDB,
		RequestsPerSecond: cfg.RateLimitReqPerSec,
		Burst:             cfg.RateLimitBurst,
		FailureThreshold:  3,
		ResetTimeout:      30 * time.Second,
	})
	if err != nil {
		slog.Warn("failed to connect to Redis for rate limiting, falling back to in-memory",
			slog.String("error", err.Error()))
		return middleware.NewRateLimiter(cfg.RateLimitReqPerSec, cfg.RateLimitBurst)
	}
	slog.Info("using Redis rate limiter for distributed rate limiting")
	return redisRateLimiter
}

func loaderConfig(cfg *config.ServerConfig, threads int) engine.LoaderConfig {
	return engine.LoaderConfig{
		ModelRepo:     cfg.ModelRepo,
		ModelRevision: cfg.ModelRevision,
		TokenizerRepo: cfg.TokenizerRepo,
		ModelDir:      cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		Hub: engine.HubConfig{
			Endpoint:  cfg.HubEndpoint,
			Token:     cfg.HubToken,
			CacheDir:  cfg.CacheDir,
			UserAgent: "capserve/" + Version,
			Offline:   cfg.Offline,
		},
		Sampler: engine.SamplerConfig{
			Seed:        cfg.Seed,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
		},
		Threads: threads,
	}
}

// applyOptions overrides config with CLI options
func applyOptions(cfg *config.ServerConfig, opts *Options) {
	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}
	if opts.ModelPath != "" {
		cfg.ModelPath = opts.ModelPath
	}
	if opts.TokenizerPath != "" {
		cfg.TokenizerPath = opts.TokenizerPath
	}
	if opts.AssetsDir != "" {
		cfg.AssetsDir = opts.AssetsDir
	}
	if opts.Threads > 0 {
		cfg.Threads = opts.Threads
	}
}
