package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apperrors "go-defect-inspector/internal/errors"
	"go-defect-inspector/internal/logger"
	"go-defect-inspector/internal/service"
	"go-defect-inspector/pkg/models"
)

const (
	serviceVersion = "1.0.0"

	// room for multipart headers and form fields around the file
	multipartOverhead = 1 << 20
)

// Preparer builds the new-dataset corpus from the annotation source
type Preparer interface {
	Prepare(ctx context.Context) (*models.PreparationSummary, error)
}

// Training controls the background retraining job
type Training interface {
	Start(ctx context.Context, hp models.Hyperparameters) (models.TrainingJob, error)
	Status() models.TrainingJob
	Stream(ctx context.Context) <-chan models.TrainingJob
	Stop() (models.TrainingJob, error)
	History() ([]models.TrainingRecord, error)
}

// Models lists and hot-swaps classifier weights
type Models interface {
	List() ([]models.ModelInfo, *models.ActiveModel, error)
	Select(ctx context.Context, path string) (*models.ActiveModel, error)
	Active() (*models.ActiveModel, error)
}

// ModelState reports whether a model slot currently holds a model
type ModelState interface {
	Loaded() bool
}

// HealthChecker probes a collaborator
type HealthChecker interface {
	Health(ctx context.Context) error
}

// MetricsSource exposes observer counters
type MetricsSource interface {
	GetMetrics() map[string]interface{}
}

// Options configures request limits
type Options struct {
	MaxUploadSize  int64
	RequestTimeout time.Duration
	// PrepareTimeout bounds a whole dataset preparation run
	PrepareTimeout time.Duration
}

// Deps are the services behind the HTTP surface
type Deps struct {
	Detection  service.DetectionService
	Preparer   Preparer
	Training   Training
	Models     Models
	Localizer  ModelState
	Classifier ModelState
	Sidecar    HealthChecker
	Metrics    MetricsSource
}

type handler struct {
	deps Deps
	opts Options

	// one preparation run at a time, they write the same directory
	prepareMu sync.Mutex
}

// NewHandler wires the routes
func NewHandler(deps Deps, opts Options) http.Handler {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 10 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = 30 * time.Minute
	}
	h := &handler{deps: deps, opts: opts}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		requestLogger(),
		errorHandler(),
	)

	r.GET("/health", h.health)
	r.GET("/metrics", h.metrics)

	r.POST("/detect", requestSizeLimiter(opts.MaxUploadSize+multipartOverhead), h.detect)
	r.POST("/dataset/prepare", h.prepareDataset)

	training := r.Group("/training")
	{
		training.POST("/start", h.startTraining)
		training.GET("/status", h.trainingStatus)
		training.GET("/stream", h.streamTraining)
		training.POST("/stop", h.stopTraining)
		training.GET("/history", h.trainingHistory)
	}

	r.GET("/models", h.listModels)
	r.POST("/models/select", h.selectModel)
	r.GET("/models/active", h.activeModel)

	return r
}

func (h *handler) detect(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusBadRequest, "file too large",
				fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(c, http.StatusBadRequest, "missing image file", err)
		return
	}
	if file.Size > h.opts.MaxUploadSize {
		respondError(c, http.StatusBadRequest, "file too large",
			fmt.Errorf("%d bytes exceeds the %d byte limit", file.Size, h.opts.MaxUploadSize))
		return
	}

	req := service.DetectRequest{FileName: file.Filename}
	if raw := c.PostForm("confidence_threshold"); raw != "" {
		conf, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid confidence_threshold", err)
			return
		}
		req.ConfidenceThreshold = &conf
	}

	f, err := file.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable upload", err)
		return
	}
	defer f.Close()

	// one byte past the limit is enough to detect an oversized body
	req.Data, err = io.ReadAll(io.LimitReader(f, h.opts.MaxUploadSize+1))
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable upload", err)
		return
	}

	verdict, err := h.deps.Detection.Detect(ctx, req)
	if err != nil {
		respondAppError(c, "detection failed", err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (h *handler) prepareDataset(c *gin.Context) {
	if !h.prepareMu.TryLock() {
		respondAppError(c, "dataset preparation rejected",
			apperrors.NewConflictError("a dataset preparation run is already in progress", nil))
		return
	}
	defer h.prepareMu.Unlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.PrepareTimeout)
	defer cancel()

	summary, err := h.deps.Preparer.Prepare(ctx)
	if err != nil {
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) && !errors.Is(err, context.DeadlineExceeded) {
			err = apperrors.NewNetworkError("annotation source unavailable", err)
		}
		respondAppError(c, "dataset preparation failed", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) startTraining(c *gin.Context) {
	// an empty body starts a job with the default hyperparameters
	var req models.StartTrainingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}

	job, err := h.deps.Training.Start(c.Request.Context(), req.Apply(models.DefaultHyperparameters()))
	if err != nil {
		respondAppError(c, "training not started", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *handler) trainingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Training.Status())
}

// streamTraining pushes job snapshots as server-sent events until the job
// is terminal or the client goes away
func (h *handler) streamTraining(c *gin.Context) {
	updates := h.deps.Training.Stream(c.Request.Context())

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		job, ok := <-updates
		if !ok {
			return false
		}
		c.SSEvent("progress", job)
		return true
	})
}

func (h *handler) stopTraining(c *gin.Context) {
	job, err := h.deps.Training.Stop()
	if err != nil {
		respondAppError(c, "training not stopped", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "stop requested; the current epoch will finish first",
		"job":     job,
	})
}

func (h *handler) trainingHistory(c *gin.Context) {
	records, err := h.deps.Training.History()
	if err != nil {
		respondAppError(c, "failed to read training history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *handler) listModels(c *gin.Context) {
	list, active, err := h.deps.Models.List()
	if err != nil {
		respondAppError(c, "failed to list models", err)
		return
	}
	c.JSON(http.StatusOK, models.ModelListResponse{Models: list, Active: active})
}

func (h *handler) selectModel(c *gin.Context) {
	var req models.SelectModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	active, err := h.deps.Models.Select(ctx, req.Path)
	if err != nil {
		respondAppError(c, "model not selected", err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (h *handler) activeModel(c *gin.Context) {
	active, err := h.deps.Models.Active()
	if err != nil {
		respondAppError(c, "no active model", err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (h *handler) health(c *gin.Context) {
	status := "available"
	sidecar := "ok"
	if h.deps.Sidecar != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := h.deps.Sidecar.Health(ctx); err != nil {
			sidecar = err.Error()
			status = "degraded"
		}
	}

	body := gin.H{
		"status":            status,
		"version":           serviceVersion,
		"time":              time.Now().UTC().Format(time.RFC3339),
		"inference_sidecar": sidecar,
		"localizer_loaded":  h.deps.Localizer != nil && h.deps.Localizer.Loaded(),
		"classifier_loaded": h.deps.Classifier != nil && h.deps.Classifier.Loaded(),
		"training_status":   h.deps.Training.Status().Status,
	}
	if active, err := h.deps.Models.Active(); err == nil {
		body["active_model"] = active.Path
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) metrics(c *gin.Context) {
	if h.deps.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.deps.Metrics.GetMetrics())
}

// Middleware and helper functions
func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"user_agent": c.Request.UserAgent(),
			"ip":         c.ClientIP(),
		}).Debug("Processing request")

		c.Next()

		logger.WithFields(logrus.Fields{
			"method":             c.Request.Method,
			"path":               c.Request.URL.Path,
			"status":             c.Writer.Status(),
			"processing_time_ms": time.Since(start).Milliseconds(),
		}).Info("Request completed")
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()
			respondError(c, determineStatusCode(err.Err), "request processing failed", err)
		}
	}
}

func determineStatusCode(err error) int {
	// Check if it's a custom app error first
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	// Fallback to context-based errors
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondAppError(c *gin.Context, message string, err error) {
	respondError(c, determineStatusCode(err), message, err)
}

func respondError(c *gin.Context, code int, message string, err error) {
	// Log the error with context
	entry := logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	})
	if code >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	c.AbortWithStatusJSON(code, models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	})
}
