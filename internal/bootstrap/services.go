package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/sopline/config"
	"github.com/target/sopline/internal/artifact"
	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/data"
	"github.com/target/sopline/internal/data/cryptoutil"
	"github.com/target/sopline/internal/domain/model"
	"github.com/target/sopline/internal/export"
	"github.com/target/sopline/internal/fetcher"
	"github.com/target/sopline/internal/generation"
	httpx "github.com/target/sopline/internal/http"
	"github.com/target/sopline/internal/media"
	"github.com/target/sopline/internal/observability/statsd"
	"github.com/target/sopline/internal/procexec"
	"github.com/target/sopline/internal/service"
)

// CacheKeyPrefix namespaces every Redis key written by this deployment.
const CacheKeyPrefix = "sopline:"

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs       *service.JobService
	Pipeline   *service.Pipeline
	Webhooks   *service.WebhookDispatcher
	Artifacts  *artifact.Store
	Tasks      *data.TaskRepo
	Deliveries core.WebhookDeliveryRepository
	Metrics    statsd.Sink
	// Checks are the readiness pings served on /readyz.
	Checks map[string]httpx.CheckFunc
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Tasks      *data.TaskRepo
	Webhooks   *data.WebhookRepo
	Deliveries *data.WebhookDeliveryRepo
	Jobs       *data.JobRepo
	Cache      core.CacheRepository
}

// buildMetrics configures the StatsD sink. A nil sink disables metrics.
//
//nolint:ireturn // a nil interface is how components detect that metrics are off
func buildMetrics(logger *slog.Logger, cfg config.ObservabilityConfig) statsd.Sink {
	if !cfg.Metrics.IsEnabled() {
		return nil
	}
	tags := map[string]string{}
	if host, err := os.Hostname(); err == nil {
		tags["host"] = host
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled:    true,
		Address:    cfg.Metrics.StatsdAddress,
		Prefix:     cfg.Metrics.Prefix,
		Logger:     logger,
		GlobalTags: tags,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return nil
	}
	return client
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps, enc cryptoutil.Encryptor) *serviceRepositories {
	tasks := data.NewTaskRepo(deps.DB, data.TaskRepoConfig{Logger: deps.Logger})
	webhooks := data.NewWebhookRepo(deps.DB, enc)
	repos := &serviceRepositories{
		Tasks:      tasks,
		Webhooks:   webhooks,
		Deliveries: data.NewWebhookDeliveryRepo(deps.DB),
		Jobs: data.NewJobRepo(deps.DB, data.JobRepoConfig{
			Tasks:    tasks,
			Webhooks: webhooks,
			Logger:   deps.Logger,
		}),
	}
	if deps.RedisClient != nil {
		repos.Cache = data.NewRedisCacheRepo(deps.RedisClient, CacheKeyPrefix)
	}
	return repos
}

// pipelineStages groups the external-tool adapters used by the pipeline.
type pipelineStages struct {
	Fetcher   *fetcher.Fetcher
	Media     *media.Transformer
	Generator *generation.Client
	Exporter  *export.Exporter
}

func buildPipelineStages(cfg *config.AppConfig, cache core.CacheRepository, logger *slog.Logger) (pipelineStages, error) {
	runner := procexec.ExecRunner{}

	fetch, err := fetcher.New(fetcher.Options{
		Runner:      runner,
		Binary:      cfg.Tools.YtDlp,
		CookiesPath: cfg.Tools.CookiesPath,
		TempDir:     cfg.Artifacts.TempDir,
		Cache:       cache,
		CacheTTL:    cfg.Cache.ProbeTTL,
		Logger:      logger,

		ProbeTimeout:    cfg.Tools.ProbeTimeout,
		DownloadTimeout: cfg.Tools.DownloadTimeout,
	})
	if err != nil {
		return pipelineStages{}, fmt.Errorf("create fetcher: %w", err)
	}

	transformer, err := media.New(media.Options{
		Runner:         runner,
		FFprobe:        cfg.Tools.FFprobe,
		FFmpeg:         cfg.Tools.FFmpeg,
		Interval:       cfg.Tools.ScreenshotInterval,
		MaxScreenshots: cfg.Tools.MaxScreenshots,
		ProbeTimeout:   cfg.Tools.ProbeTimeout,
		FFmpegTimeout:  cfg.Tools.FFmpegTimeout,
		Logger:         logger,
	})
	if err != nil {
		return pipelineStages{}, fmt.Errorf("create media transformer: %w", err)
	}

	exporter, err := export.New(export.Options{
		Runner:        runner,
		Chromium:      cfg.Tools.Chromium,
		RenderTimeout: cfg.Tools.RenderTimeout,
		Logger:        logger,
	})
	if err != nil {
		return pipelineStages{}, fmt.Errorf("create exporter: %w", err)
	}

	generator := generation.New(generation.Options{
		APIKey:          cfg.Providers.APIKey,
		BaseURL:         cfg.Providers.BaseURL,
		TranscribeModel: cfg.Providers.TranscribeModel,
		ChatModel:       cfg.Providers.ChatModel,
		HTTPClient:      &http.Client{Timeout: cfg.Providers.Timeout},
		Logger:          logger,
	})

	return pipelineStages{Fetcher: fetch, Media: transformer, Generator: generator, Exporter: exporter}, nil
}

// NewServices wires repositories, the artifact store, and the domain services.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return ServiceContainer{}, errors.New("config and database are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
		deps.Logger = logger
	}
	cfg := deps.Config

	enc, err := newSecretsEncryptor(cfg, logger)
	if err != nil {
		return ServiceContainer{}, err
	}
	repos := buildRepositories(deps, enc)
	metrics := buildMetrics(logger, cfg.Observability)

	store, err := BuildArtifactStore(ctx, cfg.Artifacts, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	// The dispatcher needs result links from the job service, which in turn notifies the
	// dispatcher; the closure breaks the cycle.
	var jobs *service.JobService
	webhooks, err := service.NewWebhookDispatcher(service.WebhookDispatcherOptions{
		Tasks:      repos.Tasks,
		Webhooks:   repos.Webhooks,
		Deliveries: repos.Deliveries,
		Cache:      repos.Cache,
		ResultURL:  func(job *model.Job) *string { return jobs.ResultURL(job) },
		HTTPClient: &http.Client{Timeout: cfg.WebhookRunner.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create webhook dispatcher: %w", err)
	}

	jobs, err = service.NewJobService(service.JobServiceOptions{
		Repo:      repos.Jobs,
		Artifacts: store,
		Notifier:  webhooks,
		BaseURL:   cfg.HTTP.BaseURL,
		Logger:    logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job service: %w", err)
	}

	stages, err := buildPipelineStages(cfg, repos.Cache, logger)
	if err != nil {
		return ServiceContainer{}, err
	}
	pipeline, err := service.NewPipeline(service.PipelineOptions{
		Jobs:         jobs,
		Fetcher:      stages.Fetcher,
		Media:        stages.Media,
		Generator:    stages.Generator,
		Exporter:     stages.Exporter,
		Artifacts:    store,
		WorkDir:      cfg.Tools.WorkDir,
		ProgressStep: cfg.PipelineRunner.ProgressStep,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create pipeline: %w", err)
	}

	return ServiceContainer{
		Jobs:       jobs,
		Pipeline:   pipeline,
		Webhooks:   webhooks,
		Artifacts:  store,
		Tasks:      repos.Tasks,
		Deliveries: repos.Deliveries,
		Metrics:    metrics,
		Checks:     readinessChecks(deps.DB, repos.Cache),
	}, nil
}

// readinessChecks pings Postgres, plus the Redis cache when it is configured.
func readinessChecks(db *sql.DB, cache core.CacheRepository) map[string]httpx.CheckFunc {
	checks := map[string]httpx.CheckFunc{"postgres": db.PingContext}
	if cache != nil {
		checks["redis"] = cache.Health
	}
	return checks
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
		Errors:   deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newPipelineRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModePipelineRunner,
		name: "pipeline runner",
		start: func(ctx context.Context) error {
			return RunPipelineRunner(ctx, PipelineRunnerConfig{
				Config:   deps.cfg.Config.PipelineRunner,
				Services: deps.cfg.Services,
				Logger:   deps.logger,
			})
		},
	}
}

func newWebhookRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWebhookRunner,
		name: "webhook runner",
		start: func(ctx context.Context) error {
			return RunWebhookRunner(ctx, WebhookRunnerConfig{
				Config:   deps.cfg.Config.WebhookRunner,
				Services: deps.cfg.Services,
				Logger:   deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperConfig{
				DB:       deps.cfg.DB,
				Config:   deps.cfg.Config.Reaper,
				Services: deps.cfg.Services,
				Logger:   deps.logger,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
		return nil
	}
	return []backgroundService{
		newPipelineRunnerBackgroundService(deps),
		newWebhookRunnerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	stop := shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		logger:      logger,
		backgrounds: result.Background,
	}
	if cfg.Services.Jobs != nil {
		stop.notifications = cfg.Services.Jobs
	}
	return waitForShutdown(stop)
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// notificationDrainer waits for webhook enqueues started by status transitions.
type notificationDrainer interface {
	DrainNotifications(ctx context.Context) error
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel        context.CancelFunc
	errCh         <-chan error
	httpServer    *http.Server
	notifications notificationDrainer
	logger        *slog.Logger
	backgrounds   []backgroundServiceHandle
	// drainTimeout bounds the notification drain; zero means shutdownWaitTimeout.
	drainTimeout time.Duration
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops the HTTP server, waits for workers to hand back their slots,
// then drains the webhook enqueues either of them started.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		}); err != nil {
			return err
		}
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	drainNotifications(cfg)
	return nil
}

func drainNotifications(cfg shutdownConfig) {
	if cfg.notifications == nil {
		return
	}
	timeout := cfg.drainTimeout
	if timeout <= 0 {
		timeout = shutdownWaitTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := cfg.notifications.DrainNotifications(ctx); err != nil {
		cfg.logger.Warn("timeout waiting for webhook notifications", "error", err)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
