package training

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"go-defect-inspector/internal/classes"
	"go-defect-inspector/internal/storage"
	"go-defect-inspector/pkg/models"
	"go-defect-inspector/pkg/validation"
)

// DataConfigFile is the trainer's dataset descriptor inside the work dir
const DataConfigFile = "data.yaml"

// new items are prefixed so they never shadow a base image of the same name
const newItemPrefix = "new_"

type dataConfig struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	Test  string   `yaml:"test,omitempty"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names"`
}

// corpus is a merged training corpus built for one job
type corpus struct {
	dir        string
	dataConfig string
	info       models.DatasetInfo
	issues     []string
	// labelErrors is set when a train label is unusable, not merely suspicious
	labelErrors bool
}

// splitDir returns <base>/<name> for the first name that has an images dir
func splitDir(base string, names ...string) (string, bool) {
	for _, name := range names {
		dir := filepath.Join(base, name)
		if st, err := os.Stat(filepath.Join(dir, "images")); err == nil && st.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// buildCorpus copies the base training split and the new dataset into a
// single train split under workDir. Validation and test splits are
// referenced in place so every run evaluates against the same set.
func buildCorpus(workDir, baseDir, newDir string, table *classes.Table) (*corpus, error) {
	baseTrain, ok := splitDir(baseDir, "train")
	if !ok {
		return nil, fmt.Errorf("base dataset %s has no train split", baseDir)
	}
	baseVal, ok := splitDir(baseDir, "val", "valid")
	if !ok {
		return nil, fmt.Errorf("base dataset %s has no validation split", baseDir)
	}
	baseTest, hasTest := splitDir(baseDir, "test")

	trainImages := filepath.Join(workDir, "train", "images")
	trainLabels := filepath.Join(workDir, "train", "labels")
	for _, dir := range []string{trainImages, trainLabels} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	c := &corpus{dir: workDir}

	n, err := copySplit(baseTrain, trainImages, trainLabels, "")
	if err != nil {
		return nil, fmt.Errorf("failed to copy base training split: %w", err)
	}
	c.info.BaseTrainImages = n

	n, err = copySplit(newDir, trainImages, trainLabels, newItemPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to copy new dataset: %w", err)
	}
	c.info.NewImages = n

	c.info.ValImages = validation.CountImages(filepath.Join(baseVal, "images"))
	if hasTest {
		c.info.TestImages = validation.CountImages(filepath.Join(baseTest, "images"))
	}

	validator := validation.NewCorpusValidator(table.Len())
	if report, err := validator.ValidateSplit(trainImages, trainLabels); err == nil {
		c.issues = validator.ConvertIssuesToMessages(report.Issues)
		c.labelErrors = validator.HasCriticalIssues(report.Issues)
	}

	cfg := dataConfig{
		Path:  workDir,
		Train: filepath.Join("train", "images"),
		Val:   absOr(filepath.Join(baseVal, "images")),
		NC:    table.Len(),
		Names: table.Names(),
	}
	if hasTest {
		cfg.Test = absOr(filepath.Join(baseTest, "images"))
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", DataConfigFile, err)
	}
	c.dataConfig = filepath.Join(workDir, DataConfigFile)
	if err := os.WriteFile(c.dataConfig, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", DataConfigFile, err)
	}
	return c, nil
}

// copySplit copies every image in src/images together with its label file,
// if one exists, and returns the number of images copied
func copySplit(src, imagesDst, labelsDst, prefix string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(src, "images"))
	if err != nil {
		return 0, err
	}

	copied := 0
	for _, e := range entries {
		if e.IsDir() || !validation.IsImageFile(e.Name()) {
			continue
		}
		name := e.Name()
		if err := storage.CopyFile(filepath.Join(src, "images", name), filepath.Join(imagesDst, prefix+name)); err != nil {
			return copied, err
		}
		copied++

		label := strings.TrimSuffix(name, filepath.Ext(name)) + ".txt"
		labelSrc := filepath.Join(src, "labels", label)
		if _, err := os.Stat(labelSrc); err != nil {
			continue
		}
		if err := storage.CopyFile(labelSrc, filepath.Join(labelsDst, prefix+label)); err != nil {
			return copied, err
		}
	}
	return copied, nil
}

func absOr(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
