package inference

import (
	"context"
	"image"

	"go-defect-inspector/pkg/models"
)

// Role identifies which of the two black-box models a weights file serves
type Role string

const (
	RoleLocalizer  Role = "localizer"
	RoleClassifier Role = "classifier"
)

// Detector runs inference on one image. Boxes are in the input image's space.
type Detector interface {
	Infer(ctx context.Context, img image.Image, confidenceThreshold float64) ([]models.Detection, error)
}

// Model is a loaded set of weights
type Model interface {
	Detector

	// Path of the weights file the model was loaded from
	Path() string

	// Unload releases the model in the inference backend
	Unload(ctx context.Context) error
}

// Loader loads weights into the inference backend
type Loader interface {
	Load(ctx context.Context, role Role, weightsPath string) (Model, error)
}

// TrainRequest describes one continued-training run of the classifier
type TrainRequest struct {
	BaseWeights     string                 `json:"base_weights"`
	DatasetConfig   string                 `json:"dataset"`
	OutputDir       string                 `json:"output_dir"`
	Hyperparameters models.Hyperparameters `json:"hyperparameters"`
}

// TrainResult is produced when training completes
type TrainResult struct {
	WeightsPath string               `json:"weights"`
	Metrics     []models.EpochMetric `json:"metrics,omitempty"`
}

// EpochFunc is called at every epoch boundary. A non-nil return asks the
// trainer to stop before the next epoch.
type EpochFunc func(metric models.EpochMetric) error

// Trainer runs the classifier's train contract
type Trainer interface {
	Train(ctx context.Context, req TrainRequest, onEpoch EpochFunc) (*TrainResult, error)
}

// Best returns the highest-confidence detection; the first wins ties
func Best(dets []models.Detection) (models.Detection, bool) {
	if len(dets) == 0 {
		return models.Detection{}, false
	}
	best := 0
	for i := 1; i < len(dets); i++ {
		if dets[i].Confidence > dets[best].Confidence {
			best = i
		}
	}
	return dets[best], true
}
