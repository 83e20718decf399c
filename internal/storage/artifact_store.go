package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ArtifactStore archives a produced weights file under a name and returns
// the location it was stored at
type ArtifactStore interface {
	Put(ctx context.Context, name, localPath string) (string, error)
}

type localStorage struct {
	dir string
}

// NewLocalStorage archives weights by copying them into dir
func NewLocalStorage(dir string) (ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &localStorage{dir: dir}, nil
}

func (s *localStorage) Put(ctx context.Context, name, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dest := filepath.Join(s.dir, filepath.Base(name))
	if err := CopyFile(localPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// CopyFile copies src to dst through a temp file in dst's directory
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// WriteFileAtomic writes data to path via a temp file and rename
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
