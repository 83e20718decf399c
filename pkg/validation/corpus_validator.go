package validation

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go-defect-inspector/internal/geometry"
)

// ImageExtensions are the file types treated as corpus images
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

// IsImageFile reports whether name has a corpus image extension
func IsImageFile(name string) bool {
	return ImageExtensions[strings.ToLower(filepath.Ext(name))]
}

// CorpusThresholds defines what the corpus validator accepts
type CorpusThresholds struct {
	// Number of classes; label class ids must be below it
	NumClasses int

	// Minimum number of images for a split to be usable
	MinImages int
}

// CorpusIssue represents a corpus validation issue
type CorpusIssue struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // "error", "warning"
	File     string `json:"file,omitempty"`
}

// CorpusReport summarizes one images/labels split
type CorpusReport struct {
	Images      int           `json:"images"`
	LabelFiles  int           `json:"label_files"`
	Boxes       int           `json:"boxes"`
	ClassCounts map[int]int   `json:"class_counts"`
	Issues      []CorpusIssue `json:"issues,omitempty"`
}

// CorpusValidator checks an images/labels directory pair
type CorpusValidator struct {
	thresholds CorpusThresholds
}

// NewCorpusValidator creates a validator for a corpus with numClasses classes
func NewCorpusValidator(numClasses int) *CorpusValidator {
	return &CorpusValidator{
		thresholds: CorpusThresholds{NumClasses: numClasses, MinImages: 1},
	}
}

// CountImages returns the number of image files in dir, 0 when it does not exist
func CountImages(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && IsImageFile(e.Name()) {
			n++
		}
	}
	return n
}

// ValidateSplit checks that every image in imagesDir has a label file in
// labelsDir and that every label line is well formed
func (cv *CorpusValidator) ValidateSplit(imagesDir, labelsDir string) (*CorpusReport, error) {
	report := &CorpusReport{ClassCounts: make(map[int]int)}

	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return nil, fmt.Errorf("read images dir: %w", err)
	}

	var missing []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		report.Images++

		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		labelPath := filepath.Join(labelsDir, stem+".txt")
		if _, err := os.Stat(labelPath); err != nil {
			missing = append(missing, e.Name())
			continue
		}
		report.LabelFiles++
		cv.checkLabelFile(labelPath, report)
	}

	if report.Images < cv.thresholds.MinImages {
		report.Issues = append(report.Issues, CorpusIssue{
			Type:     "too_few_images",
			Message:  fmt.Sprintf("split has %d images, need at least %d", report.Images, cv.thresholds.MinImages),
			Severity: "error",
		})
	}

	sort.Strings(missing)
	for _, name := range missing {
		report.Issues = append(report.Issues, CorpusIssue{
			Type:     "missing_label",
			Message:  "image has no label file",
			Severity: "warning",
			File:     name,
		})
	}

	return report, nil
}

func (cv *CorpusValidator) checkLabelFile(path string, report *CorpusReport) {
	f, err := os.Open(path)
	if err != nil {
		report.Issues = append(report.Issues, CorpusIssue{
			Type:     "unreadable_label",
			Message:  err.Error(),
			Severity: "error",
			File:     filepath.Base(path),
		})
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		classID, box, err := geometry.ParseLabel(text)
		if err != nil {
			report.Issues = append(report.Issues, CorpusIssue{
				Type:     "malformed_label",
				Message:  fmt.Sprintf("line %d: %v", line, err),
				Severity: "error",
				File:     filepath.Base(path),
			})
			continue
		}
		if classID < 0 || (cv.thresholds.NumClasses > 0 && classID >= cv.thresholds.NumClasses) {
			report.Issues = append(report.Issues, CorpusIssue{
				Type:     "unknown_class",
				Message:  fmt.Sprintf("line %d: class id %d out of range", line, classID),
				Severity: "error",
				File:     filepath.Base(path),
			})
			continue
		}
		if box.Width <= 0 || box.Height <= 0 {
			report.Issues = append(report.Issues, CorpusIssue{
				Type:     "empty_box",
				Message:  fmt.Sprintf("line %d: zero-area box", line),
				Severity: "warning",
				File:     filepath.Base(path),
			})
			continue
		}

		report.Boxes++
		report.ClassCounts[classID]++
	}
}

// ConvertIssuesToMessages converts issues to plain messages
func (cv *CorpusValidator) ConvertIssuesToMessages(issues []CorpusIssue) []string {
	var messages []string
	for _, issue := range issues {
		if issue.File != "" {
			messages = append(messages, fmt.Sprintf("%s: %s", issue.File, issue.Message))
			continue
		}
		messages = append(messages, issue.Message)
	}
	return messages
}

// HasCriticalIssues checks if there are any error severity issues
func (cv *CorpusValidator) HasCriticalIssues(issues []CorpusIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "error" {
			return true
		}
	}
	return false
}
