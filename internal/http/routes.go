package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/sopline/internal/core"
	"github.com/target/sopline/internal/observability/statsd"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs           JobsService
	Artifacts      ArtifactStore
	Deliveries     core.WebhookDeliveryRepository
	MaxUploadBytes int64

	// Checks back GET /readyz; each entry is a named dependency ping.
	Checks  map[string]CheckFunc
	Metrics statsd.Sink  // optional request timings
	Logger  *slog.Logger // access logs and request errors (optional)
}

// NewRouter builds the API mux. Every request gets an id and an access log line;
// panics become JSON 500s.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{Svc: services.Jobs, Deliveries: services.Deliveries, Logger: logger}
	artifactHandlers := &ArtifactHandlers{
		Jobs:           jobHandlers,
		Store:          services.Artifacts,
		MaxUploadBytes: services.MaxUploadBytes,
		Logger:         logger,
	}

	registerJobRoutes(mux, jobHandlers)
	registerArtifactRoutes(mux, artifactHandlers)
	mux.HandleFunc("GET /healthz", liveness)
	mux.HandleFunc("GET /readyz", readiness(services.Checks))

	return accessLog(logger, services.Metrics)(Recover(logger)(mux))
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.Delete)
	mux.HandleFunc("POST /api/jobs/{id}/retry", h.Retry)
	if h.Deliveries != nil {
		mux.HandleFunc("GET /api/jobs/{id}/webhook-deliveries", h.WebhookDeliveries)
	}
}

func registerArtifactRoutes(mux *http.ServeMux, h *ArtifactHandlers) {
	if h.Store == nil {
		return
	}
	mux.HandleFunc("POST /api/uploads", h.Upload)
	mux.HandleFunc("GET /api/jobs/{id}/download", h.Download)
}
