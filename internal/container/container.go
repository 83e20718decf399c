package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"go-defect-inspector/internal/classes"
	"go-defect-inspector/internal/config"
	"go-defect-inspector/internal/dataset"
	"go-defect-inspector/internal/factory"
	"go-defect-inspector/internal/geometry"
	"go-defect-inspector/internal/inference"
	"go-defect-inspector/internal/logger"
	"go-defect-inspector/internal/observer"
	"go-defect-inspector/internal/pipeline"
	"go-defect-inspector/internal/registry"
	"go-defect-inspector/internal/repository"
	"go-defect-inspector/internal/service"
	"go-defect-inspector/internal/storage"
	"go-defect-inspector/internal/training"
	"go-defect-inspector/internal/transport"
	"go-defect-inspector/pkg/models"
)

const unloadTimeout = 30 * time.Second

// Container holds all application dependencies
type Container struct {
	config           *config.Config
	events           *observer.EventPublisher
	metrics          *observer.MetricsObserver
	sidecar          *inference.Client
	localizer        *inference.ModelHandle
	classifier       *inference.ModelHandle
	registry         *registry.Registry
	preparer         *dataset.Preparer
	orchestrator     *training.Orchestrator
	detectionService service.DetectionService
	handler          http.Handler
}

// NewContainer creates a new dependency injection container and loads the
// initial models. A model that fails to load leaves its slot empty; the
// service still starts and reports model_not_loaded.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	table := classes.NewDefaultTable()

	events := observer.NewEventPublisher()
	metrics := observer.NewMetricsObserver()
	events.Subscribe(observer.NewLoggingObserver(logger.Logger))
	events.Subscribe(metrics)

	components := factory.NewComponentFactory(cfg)
	archive, err := components.StorageFactory.CreateArtifactStore(factory.StorageType(cfg.ArtifactStore))
	if err != nil {
		return nil, fmt.Errorf("failed to create weights archive: %w", err)
	}

	sidecar := inference.NewClient(cfg.InferenceURL, cfg.RequestTimeout, table)
	localizer := inference.NewModelHandle(unloadRetired(inference.RoleLocalizer))
	classifier := inference.NewModelHandle(unloadRetired(inference.RoleClassifier))

	reg := registry.New(registry.Options{
		RetrainedDir: cfg.RetrainedModelsDir,
		BaseDir:      cfg.BaseModelsDir,
		Extension:    cfg.WeightsExtension,
		RecordPath:   cfg.ActiveModelRecord,
		DefaultPath:  cfg.ClassifierWeights,
	}, sidecar, classifier, events)

	fetcher := storage.NewHTTPFetcher(storage.FetcherOptions{
		Timeout:     cfg.FetchTimeout,
		MaxAttempts: cfg.PrepMaxAttempts,
		BackoffBase: cfg.PrepBackoffBase,
	})
	source := repository.NewHTTPAnnotationSource(cfg.AnnotationSourceURL, fetcher)

	prepOpts := dataset.Options{
		OutputDir:           cfg.DatasetDir,
		Concurrency:         cfg.PrepConcurrency,
		SkipImageType:       repository.ImageType(cfg.PrepSkipImageType),
		UseLocalizer:        cfg.PrepUseLocalizer,
		LocalizerConfidence: models.DefaultConfidence,
		Padding:             geometry.DefaultPadding,
	}
	if cfg.PrepQualityCheck {
		quality := dataset.DefaultQualityThresholds()
		prepOpts.Quality = &quality
	}
	preparer := dataset.NewPreparer(source, localizer, table, events, prepOpts)

	orchestrator := training.NewOrchestrator(training.Options{
		NewDatasetDir:    cfg.DatasetDir,
		BaseDatasetDir:   cfg.BaseDatasetDir,
		WorkDir:          cfg.TrainingWorkDir,
		OutputDir:        cfg.TrainingOutputDir,
		WeightsExtension: cfg.WeightsExtension,
		StreamInterval:   cfg.StreamInterval,
	}, sidecar, reg, archive, table, events)

	twoStage := pipeline.NewTwoStagePipeline(localizer, classifier, table)
	detectionService := service.NewDetectionService(twoStage, events, cfg.MaxUploadSize, true)

	handler := transport.NewHandler(transport.Deps{
		Detection:  detectionService,
		Preparer:   preparer,
		Training:   orchestrator,
		Models:     reg,
		Localizer:  localizer,
		Classifier: classifier,
		Sidecar:    sidecar,
		Metrics:    metrics,
	}, transport.Options{
		MaxUploadSize:  cfg.MaxUploadSize,
		RequestTimeout: cfg.RequestTimeout,
	})

	c := &Container{
		config:           cfg,
		events:           events,
		metrics:          metrics,
		sidecar:          sidecar,
		localizer:        localizer,
		classifier:       classifier,
		registry:         reg,
		preparer:         preparer,
		orchestrator:     orchestrator,
		detectionService: detectionService,
		handler:          handler,
	}
	c.loadModels(ctx)
	return c, nil
}

// loadModels loads the localizer and restores the persisted classifier
func (c *Container) loadModels(ctx context.Context) {
	if m, err := c.sidecar.Load(ctx, inference.RoleLocalizer, c.config.LocalizerWeights); err != nil {
		logger.WithError(err).WithField("path", c.config.LocalizerWeights).Warn("Localizer not loaded")
	} else {
		c.localizer.Swap(m)
		logger.WithField("path", m.Path()).Info("Localizer loaded")
	}

	if active, err := c.registry.Restore(ctx); err != nil {
		logger.WithError(err).Warn("Classifier not loaded")
	} else {
		logger.WithFields(logrus.Fields{
			"path":      active.Path,
			"directory": active.Directory,
		}).Info("Classifier restored")
	}
}

// unloadRetired releases a swapped-out model in the sidecar once its last
// request finished
func unloadRetired(role inference.Role) func(inference.Model) {
	return func(m inference.Model) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
			defer cancel()
			if err := m.Unload(ctx); err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"role": role,
					"path": m.Path(),
				}).Warn("Failed to unload retired model")
			}
		}()
	}
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Close stops background work
func (c *Container) Close() {
	c.orchestrator.Close()
}
