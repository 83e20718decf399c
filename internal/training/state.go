package training

import (
	"sync"
	"time"

	apperrors "go-defect-inspector/internal/errors"
	"go-defect-inspector/pkg/models"
)

// JobState is the single owned record of the training job. Every read and
// write goes through its lock, so readers never observe a torn job.
type JobState struct {
	mu  sync.RWMutex
	job models.TrainingJob
	// busy stays true from begin until the worker calls finish, which can
	// outlive a stop request
	busy bool
}

// NewJobState returns an idle job
func NewJobState() *JobState {
	return &JobState{
		job: models.TrainingJob{
			Status:   models.TrainingIdle,
			Metrics:  []models.EpochMetric{},
			Warnings: []string{},
		},
	}
}

// Snapshot returns a deep copy of the job
func (s *JobState) Snapshot() models.TrainingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyJob(s.job)
}

// Busy reports whether a worker still owns a job
func (s *JobState) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// begin moves to running with a fresh job, or fails with a conflict
func (s *JobState) begin(id string, cfg models.Hyperparameters, now time.Time) (models.TrainingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return models.TrainingJob{}, apperrors.NewConflictError("a training job is already running", nil)
	}

	started := now
	s.job = models.TrainingJob{
		ID:          id,
		Status:      models.TrainingRunning,
		StartedAt:   &started,
		TotalEpochs: cfg.Epochs,
		Metrics:     []models.EpochMetric{},
		Warnings:    []string{},
		Config:      cfg,
	}
	s.busy = true
	return copyJob(s.job), nil
}

// recordEpoch stores a metric at its epoch's slot, overwriting a previous
// report for the same epoch. It returns true when a stop was requested.
func (s *JobState) recordEpoch(m models.EpochMetric) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := m.Epoch - 1
	if idx < 0 {
		idx = len(s.job.Metrics)
		m.Epoch = idx + 1
	}
	for len(s.job.Metrics) <= idx {
		s.job.Metrics = append(s.job.Metrics, models.EpochMetric{Epoch: len(s.job.Metrics) + 1})
	}
	s.job.Metrics[idx] = m

	if m.Epoch > s.job.CurrentEpoch {
		s.job.CurrentEpoch = m.Epoch
	}
	return s.job.Status == models.TrainingStopped
}

// addWarning appends a non-fatal message to the job
func (s *JobState) addWarning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Warnings = append(s.job.Warnings, msg)
}

// requestStop flips a running job to stopped. It returns false when no job
// is running.
func (s *JobState) requestStop() (models.TrainingJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job.Status != models.TrainingRunning {
		return copyJob(s.job), false
	}
	s.job.Status = models.TrainingStopped
	return copyJob(s.job), true
}

// stopRequested reports whether the running job was asked to stop
func (s *JobState) stopRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.job.Status == models.TrainingStopped
}

// finish records the outcome and releases the worker. A stop requested
// earlier is kept as the terminal status.
func (s *JobState) finish(status models.TrainingStatus, weightsPath, errMsg string, now time.Time) models.TrainingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job.Status != models.TrainingStopped {
		s.job.Status = status
	}
	if s.job.Status == models.TrainingDone {
		s.job.WeightsPath = weightsPath
	}
	if errMsg != "" {
		s.job.Error = errMsg
	}
	finished := now
	s.job.FinishedAt = &finished
	s.busy = false
	return copyJob(s.job)
}

func copyJob(j models.TrainingJob) models.TrainingJob {
	out := j
	out.Metrics = append([]models.EpochMetric(nil), j.Metrics...)
	out.Warnings = append([]string(nil), j.Warnings...)
	if out.Metrics == nil {
		out.Metrics = []models.EpochMetric{}
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
