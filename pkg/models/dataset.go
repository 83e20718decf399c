package models

// Preparation stages an item can fail in
const (
	StageDownload = "download"
	StageLabels   = "labels"
)

// PreparationError records a per-item failure; it never aborts the batch
type PreparationError struct {
	ItemID  string `json:"item_id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// PreparationSummary is accumulated across a whole dataset preparation run
type PreparationSummary struct {
	TotalImages             int                `json:"total_images"`
	SkippedAlreadyAnnotated int                `json:"skipped_already_annotated"`
	Downloaded              int                `json:"downloaded"`
	Labeled                 int                `json:"labeled"`
	Cropped                 int                `json:"cropped"`
	Errors                  []PreparationError `json:"errors"`
	QualityWarnings         []QualityWarning   `json:"quality_warnings"`
	OutputDir               string             `json:"output_dir"`
	ProcessingTimeSec       float64            `json:"processing_time_sec"`
}

// QualityWarning flags a written image that may hurt training
type QualityWarning struct {
	ItemID    string  `json:"item_id"`
	Check     string  `json:"check"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}
