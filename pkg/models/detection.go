package models

// BBox is an axis-aligned pixel box [x1, y1, x2, y2]
type BBox [4]int

// Width of the box in pixels
func (b BBox) Width() int { return b[2] - b[0] }

// Height of the box in pixels
func (b BBox) Height() int { return b[3] - b[1] }

// Area of the box in pixels, zero for degenerate boxes
func (b BBox) Area() int {
	if b.Width() <= 0 || b.Height() <= 0 {
		return 0
	}
	return b.Width() * b.Height()
}

// Detection is a single labelled box produced by a model. Immutable once produced.
type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	Area       int     `json:"area"`
	Color      [3]int  `json:"color,omitempty"`

	// MaskBBox is the tight box of a segmentation mask, when the model has one
	MaskBBox *BBox `json:"mask_bbox,omitempty"`
}

// Stage statuses
const (
	StatusTransformerDetected   = "transformer_detected"
	StatusNoTransformerDetected = "no_transformer_detected"
	StatusModelNotLoaded        = "model_not_loaded"
	StatusError                 = "error"

	StatusDefectsDetected   = "defects_detected"
	StatusNoDefectsDetected = "no_defects_detected"
)

// StageOneResult describes the localizer pass over the full image
type StageOneResult struct {
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence,omitempty"`
	BBox       *BBox    `json:"bbox,omitempty"`
	CropBBox   *BBox    `json:"crop_bbox,omitempty"`
	RegionArea *int     `json:"transformer_area,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// StageTwoResult describes the classifier pass; detections are in crop space
type StageTwoResult struct {
	Status          string      `json:"status"`
	Detections      []Detection `json:"-"`
	DefectCount     int         `json:"defect_count"`
	ClassesDetected []string    `json:"classes_detected"`
	ModelVersion    uint64      `json:"model_version,omitempty"`
}

// SeverityLevel summarises a verdict
type SeverityLevel string

const (
	SeverityNoTransformer SeverityLevel = "NO_TRANSFORMER"
	SeverityNormal        SeverityLevel = "NORMAL"
	SeverityLow           SeverityLevel = "LOW"
	SeverityMedium        SeverityLevel = "MEDIUM"
	SeverityHigh          SeverityLevel = "HIGH"
	SeverityCritical      SeverityLevel = "CRITICAL"
)

// Verdict is the two-stage result on the original image. Derived, never persisted.
type Verdict struct {
	Success              bool           `json:"success"`
	Stage1               StageOneResult `json:"stage1_info"`
	Stage2               StageTwoResult `json:"stage2_info"`
	Detections           []Detection    `json:"detections"`
	TotalDetections      int            `json:"total_detections"`
	SeverityScore        float64        `json:"severity_score"`
	SeverityLevel        SeverityLevel  `json:"severity_level"`
	ConfidenceThreshold  float64        `json:"confidence_threshold"`
	ProcessingTimeSec    float64        `json:"processing_time"`
	ImageName            string         `json:"image_name,omitempty"`
	ImageSize            [2]int         `json:"image_size"`
	AnnotatedImageBase64 string         `json:"annotated_image_base64,omitempty"`
}

// Confidence threshold bounds for detection requests
const (
	DefaultConfidence = 0.25
	MinConfidence     = 0.1
	MaxConfidence     = 1.0
)

// ClampConfidence limits a requested threshold to [MinConfidence, MaxConfidence]
func ClampConfidence(c float64) float64 {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}
