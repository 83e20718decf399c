package models

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SelectModelRequest asks the registry to activate a weights file
type SelectModelRequest struct {
	Path string `json:"path" binding:"required"`
}

// ModelListResponse is returned by the model listing endpoint
type ModelListResponse struct {
	Models []ModelInfo  `json:"models"`
	Active *ActiveModel `json:"active,omitempty"`
}

// StartTrainingRequest carries optional hyperparameter overrides
type StartTrainingRequest struct {
	Epochs       *int     `json:"epochs,omitempty"`
	ImageSize    *int     `json:"image_size,omitempty"`
	Batch        *int     `json:"batch,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	Patience     *int     `json:"patience,omitempty"`
	FreezeLayers *int     `json:"freeze_layers,omitempty"`
}

// Apply overlays the request on top of defaults
func (r StartTrainingRequest) Apply(base Hyperparameters) Hyperparameters {
	if r.Epochs != nil {
		base.Epochs = *r.Epochs
	}
	if r.ImageSize != nil {
		base.ImageSize = *r.ImageSize
	}
	if r.Batch != nil {
		base.Batch = *r.Batch
	}
	if r.LearningRate != nil {
		base.LearningRate = *r.LearningRate
	}
	if r.Patience != nil {
		base.Patience = *r.Patience
	}
	if r.FreezeLayers != nil {
		base.FreezeLayers = *r.FreezeLayers
	}
	return base
}
