package registry

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "go-defect-inspector/internal/errors"
	"go-defect-inspector/internal/inference"
	"go-defect-inspector/pkg/models"
)

type fakeModel struct{ path string }

func (m *fakeModel) Infer(ctx context.Context, img image.Image, conf float64) ([]models.Detection, error) {
	return nil, nil
}
func (m *fakeModel) Path() string                     { return m.path }
func (m *fakeModel) Unload(ctx context.Context) error { return nil }

type fakeLoader struct {
	mu     sync.Mutex
	fail   map[string]error
	loaded []string
}

func (l *fakeLoader) Load(ctx context.Context, role inference.Role, path string) (inference.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[filepath.Base(path)]; err != nil {
		return nil, err
	}
	l.loaded = append(l.loaded, path)
	return &fakeModel{path: path}, nil
}

type fixture struct {
	root      string
	retrained string
	base      string
	record    string
	loader    *fakeLoader
	handle    *inference.ModelHandle
	retired   []string
	reg       *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		root:      root,
		retrained: filepath.Join(root, "retrained_models"),
		base:      filepath.Join(root, "weights", "defects"),
		record:    filepath.Join(root, "active_model.json"),
		loader:    &fakeLoader{fail: map[string]error{}},
	}
	require.NoError(t, os.MkdirAll(f.retrained, 0o755))
	require.NoError(t, os.MkdirAll(f.base, 0o755))

	f.handle = inference.NewModelHandle(func(m inference.Model) {
		f.retired = append(f.retired, m.Path())
	})
	f.reg = New(Options{
		RetrainedDir: f.retrained,
		BaseDir:      f.base,
		Extension:    ".pt",
		RecordPath:   f.record,
		DefaultPath:  filepath.Join(f.base, "best.pt"),
	}, f.loader, f.handle, nil)
	return f
}

func touch(t *testing.T, path string, mod time.Time) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("w"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestList_SortedNewestFirst(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	touch(t, filepath.Join(f.base, "best.pt"), now.Add(-2*time.Hour))
	touch(t, filepath.Join(f.retrained, "retrained_20240101_000000.pt"), now.Add(-time.Hour))
	touch(t, filepath.Join(f.retrained, "notes.txt"), now)

	infos, active, err := f.reg.List()
	require.NoError(t, err)
	assert.Nil(t, active)

	require.Len(t, infos, 2)
	assert.Equal(t, "retrained_20240101_000000.pt", infos[0].Name)
	assert.Equal(t, models.ModelDirRetrained, infos[0].Directory)
	assert.Equal(t, models.ModelDirBase, infos[1].Directory)
}

func TestSelect_RejectsTraversal(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Select(context.Background(), filepath.Join(f.retrained, "..", "..", "etc", "passwd"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeSecurity))

	// exists, right extension, wrong place
	outside := touch(t, filepath.Join(f.root, "outside.pt"), time.Now())
	_, err = f.reg.Select(context.Background(), outside)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeSecurity))

	// the directory itself is not a descendant
	_, err = f.reg.Select(context.Background(), f.base)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeSecurity))

	assert.Empty(t, f.loader.loaded)
}

func TestSelect_RejectsSymlinkEscape(t *testing.T) {
	f := newFixture(t)
	outside := touch(t, filepath.Join(f.root, "secret.pt"), time.Now())
	link := filepath.Join(f.retrained, "link.pt")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := f.reg.Select(context.Background(), link)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeSecurity))
}

func TestSelect_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	touch(t, filepath.Join(f.retrained, "notes.txt"), time.Now())

	_, err := f.reg.Select(context.Background(), filepath.Join(f.retrained, "missing.pt"))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	_, err = f.reg.Select(context.Background(), filepath.Join(f.retrained, "notes.txt"))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = f.reg.Select(context.Background(), "  ")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestSelect_SwapsAndPersists(t *testing.T) {
	f := newFixture(t)
	first := touch(t, filepath.Join(f.base, "best.pt"), time.Now())
	second := touch(t, filepath.Join(f.retrained, "r1.pt"), time.Now())

	active, err := f.reg.Select(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, models.ModelDirBase, active.Directory)
	assert.True(t, active.Loaded)

	active, err = f.reg.Select(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, "r1.pt", active.Name)
	assert.Equal(t, uint64(2), active.Version)

	m, _ := f.handle.Current()
	assert.Equal(t, second, m.Path())
	assert.Equal(t, []string{first}, f.retired)

	data, err := os.ReadFile(f.record)
	require.NoError(t, err)
	var rec activeRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, second, rec.Path)

	got, err := f.reg.Active()
	require.NoError(t, err)
	assert.Equal(t, second, got.Path)
}

func TestSelect_LoadFailureKeepsPrevious(t *testing.T) {
	f := newFixture(t)
	good := touch(t, filepath.Join(f.base, "best.pt"), time.Now())
	bad := touch(t, filepath.Join(f.retrained, "corrupt.pt"), time.Now())
	f.loader.fail["corrupt.pt"] = errors.New("invalid weights")

	_, err := f.reg.Select(context.Background(), good)
	require.NoError(t, err)

	_, err = f.reg.Select(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeProcessing))

	active, err := f.reg.Active()
	require.NoError(t, err)
	assert.Equal(t, good, active.Path)

	m, v := f.handle.Current()
	assert.Equal(t, good, m.Path())
	assert.Equal(t, uint64(1), v)
	assert.Empty(t, f.retired)
}

func TestActive_NoneLoaded(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Active()
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestRestore(t *testing.T) {
	t.Run("uses persisted record", func(t *testing.T) {
		f := newFixture(t)
		touch(t, filepath.Join(f.base, "best.pt"), time.Now())
		chosen := touch(t, filepath.Join(f.retrained, "r2.pt"), time.Now())
		_, err := f.reg.Select(context.Background(), chosen)
		require.NoError(t, err)

		restarted := newFixtureFrom(t, f)
		active, err := restarted.reg.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, chosen, active.Path)
	})

	t.Run("falls back to default when record is stale", func(t *testing.T) {
		f := newFixture(t)
		def := touch(t, filepath.Join(f.base, "best.pt"), time.Now())
		require.NoError(t, os.WriteFile(f.record, []byte(`{"path":"/etc/passwd"}`), 0o644))

		active, err := f.reg.Restore(context.Background())
		require.NoError(t, err)
		assert.Equal(t, def, active.Path)
		assert.Equal(t, models.ModelDirBase, active.Directory)
	})

	t.Run("no default weights", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reg.Restore(context.Background())
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
		assert.False(t, f.handle.Loaded())
	})
}

// newFixtureFrom simulates a process restart over the same directories
func newFixtureFrom(t *testing.T, prev *fixture) *fixture {
	t.Helper()
	f := *prev
	f.loader = &fakeLoader{fail: map[string]error{}}
	f.handle = inference.NewModelHandle(nil)
	f.reg = New(prev.reg.opts, f.loader, f.handle, nil)
	return &f
}
