package factory

import (
	"fmt"

	"go-defect-inspector/internal/config"
	"go-defect-inspector/internal/storage"
)

// StorageType represents different types of weights archive backends
type StorageType string

const (
	// NoStorage disables archiving of retrained weights
	NoStorage StorageType = "none"
	// AzureStorage for Azure blob storage
	AzureStorage StorageType = "azure"
	// LocalStorage for local file system
	LocalStorage StorageType = "local"
)

// StorageFactory creates artifact store implementations
type StorageFactory interface {
	CreateArtifactStore(storageType StorageType) (storage.ArtifactStore, error)
}

// storageFactory implements StorageFactory
type storageFactory struct {
	cfg *config.Config
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg *config.Config) StorageFactory {
	return &storageFactory{cfg: cfg}
}

// CreateArtifactStore returns nil, nil when archiving is disabled
func (f *storageFactory) CreateArtifactStore(storageType StorageType) (storage.ArtifactStore, error) {
	switch storageType {
	case NoStorage, "":
		return nil, nil
	case AzureStorage:
		return storage.NewAzureStorage(f.cfg.AzureStorageAccount, f.cfg.AzureStorageKey, f.cfg.AzureStorageContainer)
	case LocalStorage:
		return storage.NewLocalStorage(f.cfg.ArtifactArchiveDir)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	StorageFactory StorageFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(cfg *config.Config) *ComponentFactory {
	return &ComponentFactory{
		StorageFactory: NewStorageFactory(cfg),
	}
}
