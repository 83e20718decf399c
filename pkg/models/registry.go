package models

import "time"

// Model directory tags
const (
	ModelDirRetrained = "retrained"
	ModelDirBase      = "base"
	ModelDirDefault   = "default"
)

// ModelInfo describes a weights file found in a whitelisted directory
type ModelInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Directory  string    `json:"directory"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ActiveModel is the classifier currently serving stage-two inference
type ActiveModel struct {
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	Directory  string     `json:"directory"`
	Loaded     bool       `json:"loaded"`
	Version    uint64     `json:"version,omitempty"`
	SelectedAt *time.Time `json:"selected_at,omitempty"`
}
