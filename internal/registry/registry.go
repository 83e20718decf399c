// Package registry lists candidate classifier weights and hot-swaps the
// active one.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "go-defect-inspector/internal/errors"
	"go-defect-inspector/internal/inference"
	"go-defect-inspector/internal/logger"
	"go-defect-inspector/internal/observer"
	"go-defect-inspector/internal/storage"
	"go-defect-inspector/pkg/models"
)

// Options configures a Registry
type Options struct {
	RetrainedDir string
	BaseDir      string
	Extension    string
	RecordPath   string
	DefaultPath  string
}

// Registry owns the active classifier selection
type Registry struct {
	opts   Options
	loader inference.Loader
	handle *inference.ModelHandle
	events observer.Subject

	// swapMu serializes loads and swaps; it is never held by inference
	swapMu sync.Mutex

	mu     sync.RWMutex
	active *models.ActiveModel
}

// activeRecord is the sidecar file that survives restarts
type activeRecord struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Directory  string    `json:"directory"`
	SelectedAt time.Time `json:"selected_at"`
}

// New creates a registry. handle is the classifier slot used by inference.
func New(opts Options, loader inference.Loader, handle *inference.ModelHandle, events observer.Subject) *Registry {
	if opts.Extension == "" {
		opts.Extension = ".pt"
	}
	return &Registry{
		opts:   opts,
		loader: loader,
		handle: handle,
		events: events,
	}
}

type allowedDir struct {
	path string
	tag  string
}

// whitelist resolves the two model directories. Missing directories still
// take part so that containment is checked against their absolute path.
func (r *Registry) whitelist() []allowedDir {
	dirs := []allowedDir{
		{path: r.opts.RetrainedDir, tag: models.ModelDirRetrained},
		{path: r.opts.BaseDir, tag: models.ModelDirBase},
	}
	out := make([]allowedDir, 0, len(dirs))
	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		out = append(out, allowedDir{path: canonical(d.path), tag: d.tag})
	}
	return out
}

// canonical returns an absolute, cleaned, symlink-free path where possible
func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// within reports whether path is a strict descendant of dir
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// List scans both directories for weights, newest first
func (r *Registry) List() ([]models.ModelInfo, *models.ActiveModel, error) {
	infos := []models.ModelInfo{}

	for _, dir := range r.whitelist() {
		entries, err := os.ReadDir(dir.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, apperrors.NewInternalError("failed to read model directory", err)
		}

		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), r.opts.Extension) {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			infos = append(infos, models.ModelInfo{
				Name:       e.Name(),
				Path:       filepath.Join(dir.path, e.Name()),
				Directory:  dir.tag,
				SizeBytes:  fi.Size(),
				ModifiedAt: fi.ModTime(),
			})
		}
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].ModifiedAt.After(infos[j].ModifiedAt)
	})

	active, _ := r.Active()
	return infos, active, nil
}

// Resolve validates an untrusted path and returns its canonical form and
// directory tag
func (r *Registry) Resolve(path string) (string, string, error) {
	if strings.TrimSpace(path) == "" {
		return "", "", apperrors.NewValidationError("model path is required", nil)
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", "", apperrors.NewValidationError("invalid model path", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	missing := false
	if err != nil {
		resolved = abs
		missing = true
	}

	tag := ""
	for _, dir := range r.whitelist() {
		if within(dir.path, resolved) {
			tag = dir.tag
			break
		}
	}
	if tag == "" {
		return "", "", apperrors.NewSecurityError("model path is outside the allowed model directories", nil)
	}

	fi, err := os.Stat(resolved)
	if missing || err != nil {
		return "", "", apperrors.NewNotFoundError(fmt.Sprintf("model file not found: %s", filepath.Base(resolved)), err)
	}
	if fi.IsDir() {
		return "", "", apperrors.NewValidationError("model path is a directory", nil)
	}
	if !strings.EqualFold(filepath.Ext(resolved), r.opts.Extension) {
		return "", "", apperrors.NewValidationError(fmt.Sprintf("model file must have %s extension", r.opts.Extension), nil)
	}

	return resolved, tag, nil
}

// Select validates path, loads it and swaps it in. On any failure the
// previous active model stays in place.
func (r *Registry) Select(ctx context.Context, path string) (*models.ActiveModel, error) {
	resolved, tag, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	return r.activate(ctx, resolved, tag)
}

func (r *Registry) activate(ctx context.Context, path, tag string) (*models.ActiveModel, error) {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	model, err := r.loader.Load(ctx, inference.RoleClassifier, path)
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to load model weights", err)
	}

	version := r.handle.Swap(model)
	now := time.Now()
	active := &models.ActiveModel{
		Name:       filepath.Base(path),
		Path:       path,
		Directory:  tag,
		Loaded:     true,
		Version:    version,
		SelectedAt: &now,
	}

	r.mu.Lock()
	r.active = active
	r.mu.Unlock()

	if err := r.persist(active); err != nil {
		logger.WithError(err).Warn("Failed to persist active model record")
	}

	logger.WithFields(logrus.Fields{
		"path":      path,
		"directory": tag,
		"version":   version,
	}).Info("Active classifier swapped")

	observer.Publish(ctx, r.events, observer.Event{
		EventType: observer.ModelSwapped,
		Subject:   path,
		Success:   true,
		Metadata:  map[string]interface{}{"version": version, "directory": tag},
	})

	copied := *active
	return &copied, nil
}

// Active returns the active model, or a not-found error when none is loaded
func (r *Registry) Active() (*models.ActiveModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == nil {
		return nil, apperrors.NewNotFoundError("no active model", nil)
	}
	copied := *r.active
	return &copied, nil
}

// ActiveWeights returns the path of the active weights
func (r *Registry) ActiveWeights() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == nil {
		return "", false
	}
	return r.active.Path, true
}

// Restore loads the persisted selection if it is still valid, otherwise the
// default weights
func (r *Registry) Restore(ctx context.Context) (*models.ActiveModel, error) {
	if rec, err := r.readRecord(); err == nil {
		resolved, tag, err := r.Resolve(rec.Path)
		if err == nil {
			active, err := r.activate(ctx, resolved, tag)
			if err == nil {
				return active, nil
			}
			logger.WithError(err).WithField("path", rec.Path).Warn("Persisted model failed to load, using default")
		} else {
			logger.WithError(err).WithField("path", rec.Path).Warn("Persisted model record is no longer valid, using default")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Warn("Unreadable active model record, using default")
	}

	if r.opts.DefaultPath == "" {
		return nil, apperrors.NewNotFoundError("no default model configured", nil)
	}

	path := canonical(r.opts.DefaultPath)
	if _, err := os.Stat(path); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("default model not found: %s", r.opts.DefaultPath), err)
	}

	tag := models.ModelDirDefault
	for _, dir := range r.whitelist() {
		if within(dir.path, path) {
			tag = dir.tag
			break
		}
	}
	return r.activate(ctx, path, tag)
}

func (r *Registry) readRecord() (*activeRecord, error) {
	if r.opts.RecordPath == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(r.opts.RecordPath)
	if err != nil {
		return nil, err
	}
	var rec activeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode active model record: %w", err)
	}
	if rec.Path == "" {
		return nil, fmt.Errorf("active model record has no path")
	}
	return &rec, nil
}

func (r *Registry) persist(active *models.ActiveModel) error {
	if r.opts.RecordPath == "" {
		return nil
	}
	rec := activeRecord{
		Name:       active.Name,
		Path:       active.Path,
		Directory:  active.Directory,
		SelectedAt: *active.SelectedAt,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.opts.RecordPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return storage.WriteFileAtomic(r.opts.RecordPath, data)
}
