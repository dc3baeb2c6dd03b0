package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"caption-server/internal/domain"
	"caption-server/internal/engine"
	"caption-server/internal/middleware"
	"caption-server/internal/service"
	"caption-server/internal/stream"
)

type Handler struct {
	captions  *service.CaptionService
	models    *service.ModelService
	validator *middleware.UploadValidator
	assets    *AssetStore
	keepAlive time.Duration
}

func NewHandler(
	captions *service.CaptionService,
	models *service.ModelService,
	validator *middleware.UploadValidator,
	assets *AssetStore,
	keepAlive time.Duration,
) *Handler {
	if keepAlive <= 0 {
		keepAlive = stream.DefaultKeepAlive
	}
	return &Handler{
		captions:  captions,
		models:    models,
		validator: validator,
		assets:    assets,
		keepAlive: keepAlive,
	}
}

// CaptionHandler accepts a multipart upload and streams the caption as
// server-sent events. Once invoked it always answers with a stream; upload
// problems become a single error status.
func (h *Handler) CaptionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteError(w, r, domain.ErrMethodNotAllowed(r.Method))
		return
	}

	// The generation task lives exactly as long as this response.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	reqLog := middleware.NewRequestLogger().
		Str("request_id", middleware.GetRequestID(r.Context())).
		Str("path", r.URL.Path)

	image, uploadErr := h.readImage(r)

	sse, err := stream.NewSSEWriter(w, h.keepAlive)
	if err != nil {
		reqLog.Err(err).Warn("cannot stream response")
		return
	}

	var events *stream.Channel
	switch {
	case uploadErr != nil:
		reqLog.Err(uploadErr).Info("upload rejected")
		events = h.captions.Reject(ctx, domain.StatusError(publicError(uploadErr)))
	case image == nil:
		reqLog.Info("upload without image")
		events = h.captions.Reject(ctx, domain.Status(domain.StatusNoImage))
	default:
		reqLog.Int("image_bytes", len(image)).Debug("caption requested")
		events = h.captions.Start(ctx, image)
	}

	if err := sse.Pump(ctx, events.Events()); err != nil {
		reqLog.Err(err).Int("frames", sse.Frames()).Info("stream ended early")
		return
	}
	reqLog.Int("frames", sse.Frames()).Int("keep_alives", sse.KeepAlives()).Debug("stream finished")
}

// readImage returns the bytes of the last file part, or nil when the upload
// carries no file.
func (h *Handler) readImage(r *http.Request) ([]byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		// Not a multipart body: there is no file to find.
		return nil, nil
	}

	var image []byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.ErrInvalidRequest("unreadable upload").WithCause(err)
		}
		if part.FileName() == "" {
			_ = part.Close()
			continue
		}
		data, err := h.validator.ReadUpload(part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
		image = data
	}

	if image == nil {
		return nil, nil
	}
	if err := h.validator.ValidateImage(image); err != nil {
		return nil, err
	}
	return image, nil
}

func publicError(err error) error {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		return errors.New(appErr.Message)
	}
	return err
}

// IndexHandler serves the landing page.
func (h *Handler) IndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		middleware.WriteError(w, r, domain.ErrNotFound("not found"))
		return
	}
	page, err := h.assets.Index()
	if err != nil {
		slog.Error("failed to read landing page", slog.String("error", err.Error()))
		middleware.WriteError(w, r, domain.ErrInternal("landing page unavailable"))
		return
	}
	if len(page.Content) == 0 {
		slog.Warn("landing page is empty or missing")
	}
	w.Header().Set("Content-Type", page.ContentType)
	_, _ = w.Write(page.Content)
}

// AssetHandler serves /assets/{filename}.
func (h *Handler) AssetHandler(w http.ResponseWriter, r *http.Request) {
	asset, err := h.assets.Asset(r.PathValue("filename"))
	if err != nil {
		var appErr *domain.AppError
		if errors.As(err, &appErr) {
			middleware.WriteError(w, r, appErr)
			return
		}
		slog.Error("failed to read asset", slog.String("error", err.Error()))
		middleware.WriteError(w, r, domain.ErrInternal("asset unavailable"))
		return
	}
	w.Header().Set("Content-Type", asset.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(asset.Content)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", slog.String("error", err.Error()))
	}
}

// HealthHandler - Basic health check
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"model":  h.models.GetCurrentModel(),
		"state":  h.models.GetLoadingStatus().String(),
	})
}

// LivenessHandler - K8s liveness check
// Returns 200 if the process is alive
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessHandler - K8s readiness check
// Returns 200 only if the model is loaded and ready to serve
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.models.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "model_not_loaded",
		})
		return
	}

	lock := h.models.LockStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"model":       h.models.GetCurrentModel(),
		"busy":        lock.Held,
		"queued":      lock.Waiters,
		"avg_wait_ms": lock.AvgWait.Milliseconds(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// StartupHandler - K8s startup check
// Returns 200 once the initial model loading is complete
func (h *Handler) StartupHandler(w http.ResponseWriter, r *http.Request) {
	switch h.models.GetLoadingStatus() {
	case service.StatusReady:
		_, took := h.models.LoadedAt()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "started",
			"model":        h.models.GetCurrentModel(),
			"load_time_ms": took.Milliseconds(),
		})
	case service.StatusFailed:
		resp := map[string]any{"status": "failed"}
		if err := h.models.GetLoadingError(); err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "starting",
		})
	}
}

// MetricsHandler outputs Prometheus-format metrics.
//
//nolint:errcheck // Prometheus exposition format - write errors are non-recoverable
func (h *Handler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	m := h.captions.Metrics()
	lock := h.models.LockStats()
	mem := engine.ReadMemoryStats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	metric := func(name, kind, help string, value any) {
		fmt.Fprintf(w, "# HELP capserve_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE capserve_%s %s\n", name, kind)
		fmt.Fprintf(w, "capserve_%s %v\n\n", name, value)
	}

	ready := 0
	if h.models.IsReady() {
		ready = 1
	}
	held := 0
	if m.LockHeld {
		held = 1
	}

	metric("model_ready", "gauge", "Whether the model is loaded", ready)

	metric("requests_total", "counter", "Caption requests received", m.TotalRequests)
	metric("requests_rejected_total", "counter", "Requests rejected before generation", m.RejectedRequests)
	metric("requests_completed_total", "counter", "Generations that finished normally", m.CompletedRequests)
	metric("requests_failed_total", "counter", "Generations ended by an error", m.FailedRequests)
	metric("requests_cancelled_total", "counter", "Generations abandoned by the client", m.CancelledRequests)
	metric("active_generations", "gauge", "Generation tasks currently running or queued", m.ActiveGenerations)

	metric("tokens_generated_total", "counter", "Tokens sampled", m.TotalTokensGenerated)
	metric("decode_steps_total", "counter", "Decoder steps run", m.TotalDecodeSteps)

	metric("lock_held", "gauge", "Whether a generation holds the model", held)
	metric("lock_waiters", "gauge", "Requests queued for the model", m.LockWaiters)
	metric("lock_acquisitions_total", "counter", "Times the model lock was granted", m.LockAcquisitions)
	metric("lock_wait_seconds_avg", "gauge", "Average time queued for the model", fmt.Sprintf("%.6f", lock.AvgWait.Seconds()))
	metric("lock_wait_seconds_max", "gauge", "Longest time queued for the model", fmt.Sprintf("%.6f", lock.MaxWait.Seconds()))

	metric("memory_heap_alloc_bytes", "gauge", "Heap bytes allocated", mem.HeapAlloc)
	metric("memory_heap_inuse_bytes", "gauge", "Heap bytes in use", mem.HeapInuse)
	metric("memory_sys_bytes", "gauge", "Bytes obtained from the OS", mem.Sys)
	metric("gc_cycles_total", "counter", "Completed GC cycles", mem.NumGC)
}
