// Package training runs classifier retraining jobs on a single background
// worker and exposes their progress.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go-defect-inspector/internal/classes"
	apperrors "go-defect-inspector/internal/errors"
	"go-defect-inspector/internal/inference"
	"go-defect-inspector/internal/logger"
	"go-defect-inspector/internal/observer"
	"go-defect-inspector/internal/storage"
	"go-defect-inspector/internal/worker"
	"go-defect-inspector/pkg/models"
	"go-defect-inspector/pkg/validation"
)

const (
	recordPrefix    = "training_"
	weightsPrefix   = "retrained_"
	timestampLayout = "20060102_150405"
)

// errStopRequested is returned from the epoch callback once stop was called
var errStopRequested = errors.New("training stop requested")

// WeightsSource reports the classifier weights new jobs continue from
type WeightsSource interface {
	ActiveWeights() (string, bool)
}

// Options configures an Orchestrator
type Options struct {
	// Prepared dataset with images/ and labels/
	NewDatasetDir string
	// Reference dataset with train/, val/ and an optional test/ split
	BaseDatasetDir string

	WorkDir          string
	OutputDir        string
	WeightsExtension string
	StreamInterval   time.Duration
}

// Orchestrator owns the training job state machine
type Orchestrator struct {
	opts    Options
	trainer inference.Trainer
	weights WeightsSource
	archive storage.ArtifactStore
	table   *classes.Table
	events  observer.Subject

	state *JobState
	pool  *worker.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator and starts its worker. archive
// and events may be nil.
func NewOrchestrator(opts Options, trainer inference.Trainer, weights WeightsSource, archive storage.ArtifactStore, table *classes.Table, events observer.Subject) *Orchestrator {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 2 * time.Second
	}
	if opts.WeightsExtension == "" {
		opts.WeightsExtension = ".pt"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:    opts,
		trainer: trainer,
		weights: weights,
		archive: archive,
		table:   table,
		events:  events,
		state:   NewJobState(),
		pool:    worker.NewWorkerPool("training", 1, 1),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	o.pool.Start()
	return o
}

// ValidateHyperparameters checks the ranges a trainer accepts
func ValidateHyperparameters(hp models.Hyperparameters) error {
	switch {
	case hp.Epochs < 1 || hp.Epochs > 1000:
		return apperrors.NewValidationError(fmt.Sprintf("epochs must be between 1 and 1000 (got %d)", hp.Epochs), nil)
	case hp.Batch < 1:
		return apperrors.NewValidationError(fmt.Sprintf("batch must be >= 1 (got %d)", hp.Batch), nil)
	case hp.ImageSize <= 0 || hp.ImageSize%32 != 0:
		return apperrors.NewValidationError(fmt.Sprintf("image_size must be a positive multiple of 32 (got %d)", hp.ImageSize), nil)
	case hp.LearningRate <= 0 || hp.LearningRate > 1:
		return apperrors.NewValidationError(fmt.Sprintf("learning_rate must be in (0, 1] (got %g)", hp.LearningRate), nil)
	case hp.Patience < 0 || hp.FreezeLayers < 0:
		return apperrors.NewValidationError("patience and freeze_layers must be >= 0", nil)
	}
	return nil
}

// Start validates preconditions and hands a new job to the worker. It
// returns the running job; the outcome is only visible through Status.
func (o *Orchestrator) Start(ctx context.Context, hp models.Hyperparameters) (models.TrainingJob, error) {
	if o.state.Busy() {
		return models.TrainingJob{}, apperrors.NewConflictError("a training job is already running", nil)
	}
	if err := ValidateHyperparameters(hp); err != nil {
		return models.TrainingJob{}, err
	}

	if validation.CountImages(filepath.Join(o.opts.NewDatasetDir, "images")) == 0 {
		return models.TrainingJob{}, apperrors.NewPreconditionError(
			fmt.Sprintf("new dataset %s has no images; run dataset preparation first", o.opts.NewDatasetDir), nil)
	}
	if validation.CountImages(filepath.Join(o.opts.BaseDatasetDir, "train", "images")) == 0 {
		return models.TrainingJob{}, apperrors.NewPreconditionError(
			fmt.Sprintf("base dataset %s has no training images", o.opts.BaseDatasetDir), nil)
	}
	base, ok := o.weights.ActiveWeights()
	if !ok {
		return models.TrainingJob{}, apperrors.NewPreconditionError("no active classifier weights to continue training from", nil)
	}

	jobID := uuid.NewString()
	job, err := o.state.begin(jobID, hp, o.now())
	if err != nil {
		return models.TrainingJob{}, err
	}

	if err := o.pool.Submit(func() { o.run(jobID, base, hp) }); err != nil {
		o.state.finish(models.TrainingError, "", fmt.Sprintf("failed to schedule job: %v", err), o.now())
		return models.TrainingJob{}, apperrors.NewInternalError("failed to schedule training job", err)
	}

	logger.WithFields(logrus.Fields{
		"job_id":       jobID,
		"epochs":       hp.Epochs,
		"batch":        hp.Batch,
		"image_size":   hp.ImageSize,
		"base_weights": base,
	}).Info("Training job started")

	observer.Publish(ctx, o.events, observer.Event{
		EventType: observer.TrainingStarted,
		Subject:   jobID,
		Success:   true,
		Metadata:  map[string]interface{}{"epochs": hp.Epochs},
	})
	return job, nil
}

// Status returns a snapshot of the current or most recent job
func (o *Orchestrator) Status() models.TrainingJob {
	return o.state.Snapshot()
}

// Stop asks the running job to stop at its next epoch boundary. The epoch
// in progress is allowed to finish.
func (o *Orchestrator) Stop() (models.TrainingJob, error) {
	job, ok := o.state.requestStop()
	if !ok {
		return job, apperrors.NewConflictError(fmt.Sprintf("no running training job (status %s)", job.Status), nil)
	}
	logger.WithField("job_id", job.ID).Info("Training stop requested")
	return job, nil
}

// Stream emits a snapshot immediately and then every StreamInterval. The
// channel closes after a terminal or idle snapshot, or when ctx ends.
func (o *Orchestrator) Stream(ctx context.Context) <-chan models.TrainingJob {
	out := make(chan models.TrainingJob)

	go func() {
		defer close(out)

		ticker := time.NewTicker(o.opts.StreamInterval)
		defer ticker.Stop()

		for {
			job := o.state.Snapshot()
			select {
			case out <- job:
			case <-ctx.Done():
				return
			}
			if job.Status == models.TrainingIdle || job.Status.IsTerminal() {
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// History returns the persisted records of finished jobs, newest first
func (o *Orchestrator) History() ([]models.TrainingRecord, error) {
	paths, err := filepath.Glob(filepath.Join(o.opts.OutputDir, recordPrefix+"*.json"))
	if err != nil {
		return nil, err
	}

	records := make([]models.TrainingRecord, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logger.WithError(err).WithField("path", p).Warn("Skipping unreadable training record")
			continue
		}
		var rec models.TrainingRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logger.WithError(err).WithField("path", p).Warn("Skipping malformed training record")
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	return records, nil
}

// Close cancels a running job and waits for the worker to exit
func (o *Orchestrator) Close() {
	o.cancel()
	o.pool.Close()
}

// run executes on the training worker. The work dir is removed before the
// outcome is published.
func (o *Orchestrator) run(jobID, baseWeights string, hp models.Hyperparameters) {
	start := o.now()
	weights, err := o.execute(jobID, baseWeights, hp)

	switch {
	case o.state.stopRequested():
		o.finish(jobID, start, models.TrainingStopped, "", "")
	case err != nil:
		o.fail(jobID, start, err)
	default:
		o.finish(jobID, start, models.TrainingDone, weights, "")
	}
}

func (o *Orchestrator) execute(jobID, baseWeights string, hp models.Hyperparameters) (weights string, err error) {
	workDir := filepath.Join(o.opts.WorkDir, "training_"+jobID)

	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.WithError(rmErr).WithField("work_dir", workDir).Warn("Failed to clean training work dir")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("training worker panic: %v", r)
		}
	}()

	c, err := buildCorpus(workDir, o.opts.BaseDatasetDir, o.opts.NewDatasetDir, o.table)
	if err != nil {
		return "", err
	}
	if c.labelErrors {
		o.state.addWarning("merged corpus has invalid labels; the trainer skips the affected images")
		logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"issues": len(c.issues),
		}).Warn("Merged training corpus has label errors")
	}
	for _, issue := range limit(c.issues, 20) {
		o.state.addWarning(issue)
	}

	logger.WithFields(logrus.Fields{
		"job_id":            jobID,
		"base_train_images": c.info.BaseTrainImages,
		"new_images":        c.info.NewImages,
		"val_images":        c.info.ValImages,
	}).Info("Merged training corpus")

	res, err := o.trainer.Train(o.ctx, inference.TrainRequest{
		BaseWeights:     baseWeights,
		DatasetConfig:   c.dataConfig,
		OutputDir:       filepath.Join(workDir, "runs"),
		Hyperparameters: hp,
	}, func(m models.EpochMetric) error {
		return o.onEpoch(jobID, m)
	})
	if o.state.stopRequested() {
		return "", errStopRequested
	}
	if err != nil {
		return "", err
	}

	return o.persist(jobID, c.info, res)
}

func (o *Orchestrator) onEpoch(jobID string, m models.EpochMetric) error {
	stop := o.state.recordEpoch(m)

	logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"epoch":  m.Epoch,
	}).Debug("Training epoch finished")
	observer.Publish(o.ctx, o.events, observer.Event{
		EventType: observer.TrainingEpoch,
		Subject:   jobID,
		Success:   true,
		Metadata:  map[string]interface{}{"epoch": m.Epoch},
	})

	if stop {
		return errStopRequested
	}
	return nil
}

// persist copies the produced weights under OutputDir, archives them when
// a store is configured and writes the job record
func (o *Orchestrator) persist(jobID string, info models.DatasetInfo, res *inference.TrainResult) (string, error) {
	if res == nil || res.WeightsPath == "" {
		return "", fmt.Errorf("trainer returned no weights")
	}
	if err := os.MkdirAll(o.opts.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	finished := o.now()
	ts := finished.Format(timestampLayout)
	dest := filepath.Join(o.opts.OutputDir, weightsPrefix+ts+o.opts.WeightsExtension)
	if err := storage.CopyFile(res.WeightsPath, dest); err != nil {
		return "", fmt.Errorf("failed to copy weights: %w", err)
	}

	job := o.state.Snapshot()
	metrics := job.Metrics
	if len(metrics) == 0 {
		metrics = res.Metrics
	}

	record := models.TrainingRecord{
		JobID:       jobID,
		Config:      job.Config,
		DatasetInfo: info,
		Metrics:     metrics,
		WeightsPath: dest,
		FinishedAt:  finished,
	}
	if job.StartedAt != nil {
		record.StartedAt = *job.StartedAt
	}

	if o.archive != nil {
		url, err := o.archive.Put(o.ctx, filepath.Base(dest), dest)
		if err != nil {
			o.state.addWarning(fmt.Sprintf("weights archive upload failed: %v", err))
			logger.WithError(err).WithField("job_id", jobID).Warn("Weights archive upload failed")
		} else {
			record.ArchiveURL = url
		}
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode training record: %w", err)
	}
	if err := storage.WriteFileAtomic(filepath.Join(o.opts.OutputDir, recordPrefix+ts+".json"), data); err != nil {
		return "", fmt.Errorf("failed to write training record: %w", err)
	}
	return dest, nil
}

func (o *Orchestrator) fail(jobID string, start time.Time, err error) {
	o.finish(jobID, start, models.TrainingError, "", err.Error())
}

func (o *Orchestrator) finish(jobID string, start time.Time, status models.TrainingStatus, weights, errMsg string) {
	job := o.state.finish(status, weights, errMsg, o.now())

	fields := logrus.Fields{
		"job_id":        jobID,
		"status":        job.Status,
		"current_epoch": job.CurrentEpoch,
		"duration_ms":   time.Since(start).Milliseconds(),
	}
	eventType := observer.TrainingCompleted
	switch job.Status {
	case models.TrainingDone:
		logger.WithFields(fields).WithField("weights", job.WeightsPath).Info("Training job finished")
	case models.TrainingStopped:
		eventType = observer.TrainingStopped
		logger.WithFields(fields).Info("Training job stopped")
	default:
		eventType = observer.TrainingFailed
		logger.WithFields(fields).WithField("error", job.Error).Error("Training job failed")
	}

	observer.Publish(o.ctx, o.events, observer.Event{
		EventType:      eventType,
		Subject:        jobID,
		ProcessingTime: time.Since(start),
		Success:        job.Status == models.TrainingDone,
		ErrorMessage:   job.Error,
	})
}

func limit(msgs []string, n int) []string {
	if len(msgs) <= n {
		return msgs
	}
	out := append([]string(nil), msgs[:n]...)
	return append(out, fmt.Sprintf("%d more corpus issues not shown", len(msgs)-n))
}
