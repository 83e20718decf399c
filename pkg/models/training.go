package models

import "time"

// TrainingStatus is the state of the training job state machine
type TrainingStatus string

const (
	TrainingIdle    TrainingStatus = "idle"
	TrainingRunning TrainingStatus = "running"
	TrainingDone    TrainingStatus = "done"
	TrainingError   TrainingStatus = "error"
	TrainingStopped TrainingStatus = "stopped"
)

// IsTerminal reports whether no further transitions happen from this status
func (s TrainingStatus) IsTerminal() bool {
	return s == TrainingDone || s == TrainingError || s == TrainingStopped
}

// Hyperparameters passed to the classifier trainer
type Hyperparameters struct {
	Epochs       int     `json:"epochs"`
	ImageSize    int     `json:"image_size"`
	Batch        int     `json:"batch"`
	LearningRate float64 `json:"learning_rate"`
	Patience     int     `json:"patience"`
	FreezeLayers int     `json:"freeze_layers"`
}

// DefaultHyperparameters mirrors the settings used for the base classifier
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Epochs:       50,
		ImageSize:    640,
		Batch:        16,
		LearningRate: 0.001,
		Patience:     10,
	}
}

// EpochMetric holds validation metrics reported at an epoch boundary
type EpochMetric struct {
	Epoch     int      `json:"epoch"`
	TrainLoss *float64 `json:"train_loss,omitempty"`
	ValLoss   *float64 `json:"val_loss,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
	Recall    *float64 `json:"recall,omitempty"`
	MAP50     *float64 `json:"mAP50,omitempty"`
	MAP50_95  *float64 `json:"mAP50_95,omitempty"`
}

// TrainingJob is one run of the retraining state machine
type TrainingJob struct {
	ID           string          `json:"id,omitempty"`
	Status       TrainingStatus  `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	CurrentEpoch int             `json:"current_epoch"`
	TotalEpochs  int             `json:"total_epochs"`
	Metrics      []EpochMetric   `json:"metrics"`
	WeightsPath  string          `json:"weights_path,omitempty"`
	Error        string          `json:"error,omitempty"`
	Warnings     []string        `json:"warnings"`
	Config       Hyperparameters `json:"config"`
}

// DatasetInfo describes the merged corpus a job trained on
type DatasetInfo struct {
	BaseTrainImages int `json:"base_train_images"`
	NewImages       int `json:"new_images"`
	ValImages       int `json:"val_images"`
	TestImages      int `json:"test_images"`
}

// TrainingRecord is persisted as JSON next to the produced weights
type TrainingRecord struct {
	JobID       string          `json:"job_id"`
	Config      Hyperparameters `json:"config"`
	DatasetInfo DatasetInfo     `json:"dataset_info"`
	Metrics     []EpochMetric   `json:"metrics"`
	WeightsPath string          `json:"weights_path"`
	ArchiveURL  string          `json:"archive_url,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}
