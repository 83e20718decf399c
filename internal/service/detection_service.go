package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	apperrors "go-defect-inspector/internal/errors"
	"go-defect-inspector/internal/logger"
	"go-defect-inspector/internal/observer"
	"go-defect-inspector/internal/render"
	"go-defect-inspector/pkg/models"
)

const annotatedJPEGQuality = 90

// Runner produces a verdict for a decoded image
type Runner interface {
	Run(ctx context.Context, img image.Image, confidenceThreshold float64) (*models.Verdict, error)
}

// DetectRequest is one uploaded image to inspect
type DetectRequest struct {
	FileName string
	Data     []byte
	// nil selects models.DefaultConfidence
	ConfidenceThreshold *float64
}

// DetectionService validates uploads and runs the two-stage pipeline
type DetectionService interface {
	Detect(ctx context.Context, req DetectRequest) (*models.Verdict, error)
}

type detectionService struct {
	runner        Runner
	events        observer.Subject
	maxUploadSize int64
	annotate      bool
}

// NewDetectionService creates a detection service. events may be nil.
func NewDetectionService(runner Runner, events observer.Subject, maxUploadSize int64, annotate bool) DetectionService {
	return &detectionService{
		runner:        runner,
		events:        events,
		maxUploadSize: maxUploadSize,
		annotate:      annotate,
	}
}

// Detect rejects bad input synchronously; it never returns a partial verdict
func (s *detectionService) Detect(ctx context.Context, req DetectRequest) (*models.Verdict, error) {
	conf, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(req.Data))
	if err != nil {
		return nil, apperrors.NewValidationError("file is not a supported image", err)
	}

	start := time.Now()
	observer.Publish(ctx, s.events, observer.Event{
		EventType: observer.DetectionStarted,
		Subject:   req.FileName,
		Success:   true,
	})

	verdict, err := s.runner.Run(ctx, img, conf)
	if err != nil {
		observer.Publish(ctx, s.events, observer.Event{
			EventType:      observer.DetectionFailed,
			Subject:        req.FileName,
			ProcessingTime: time.Since(start),
			ErrorMessage:   err.Error(),
		})
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.NewTimeoutError("detection timed out", err)
		}
		return nil, apperrors.NewProcessingError("detection failed", err)
	}
	verdict.ImageName = req.FileName

	if s.annotate {
		encoded, err := render.EncodeJPEGBase64(render.Annotate(img, verdict.Stage1, verdict.Detections), annotatedJPEGQuality)
		if err != nil {
			logger.WithError(err).WithField("image", req.FileName).Warn("Failed to render annotated image")
		} else {
			verdict.AnnotatedImageBase64 = encoded
		}
	}

	logger.WithFields(logrus.Fields{
		"image":          req.FileName,
		"format":         format,
		"stage1":         verdict.Stage1.Status,
		"stage2":         verdict.Stage2.Status,
		"detections":     verdict.TotalDetections,
		"severity_level": verdict.SeverityLevel,
		"severity_score": verdict.SeverityScore,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("Detection completed")

	observer.Publish(ctx, s.events, observer.Event{
		EventType:      observer.DetectionCompleted,
		Subject:        req.FileName,
		ProcessingTime: time.Since(start),
		Success:        true,
		Metadata: map[string]interface{}{
			"severity_level": string(verdict.SeverityLevel),
			"detections":     verdict.TotalDetections,
		},
	})
	return verdict, nil
}

func (s *detectionService) validate(req DetectRequest) (float64, error) {
	if len(req.Data) == 0 {
		return 0, apperrors.NewValidationError("empty upload", nil)
	}
	if s.maxUploadSize > 0 && int64(len(req.Data)) > s.maxUploadSize {
		return 0, apperrors.NewValidationError(
			fmt.Sprintf("file too large: %d bytes, limit is %d bytes", len(req.Data), s.maxUploadSize), nil)
	}

	conf := models.DefaultConfidence
	if req.ConfidenceThreshold != nil {
		conf = *req.ConfidenceThreshold
	}
	if math.IsNaN(conf) || math.IsInf(conf, 0) {
		return 0, apperrors.NewValidationError("confidence_threshold must be a finite number", nil)
	}
	return models.ClampConfidence(conf), nil
}
