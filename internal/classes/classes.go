// Package classes holds the defect class table shared by inference,
// severity scoring, rendering and dataset preparation.
package classes

import (
	"fmt"
	"strings"

	"github.com/arbovm/levenshtein"
)

// Table is an ordered list of defect class names; the index is the class id
type Table struct {
	names  []string
	colors map[int][3]int
}

// DefaultNames are the six transformer defect classes the classifier is trained on
var DefaultNames = []string{
	"Full Wire Overload PF",
	"Loose Joint F",
	"Loose Joint PF",
	"Point Overload F",
	"Point Overload PF",
	"Transformer Overload",
}

// NewDefaultTable returns the table for the stock classifier
func NewDefaultTable() *Table {
	return NewTable(DefaultNames)
}

// NewTable builds a table from class names
func NewTable(names []string) *Table {
	t := &Table{names: append([]string(nil), names...)}
	t.colors = map[int][3]int{
		0: {255, 0, 0},   // red
		1: {255, 165, 0}, // orange
		2: {255, 255, 0}, // yellow
		3: {0, 0, 255},   // blue
		4: {255, 0, 255}, // magenta
		5: {0, 255, 0},   // green
	}
	return t
}

// Names returns a copy of the class names
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Len is the number of classes
func (t *Table) Len() int {
	return len(t.names)
}

// Name returns the class name, or a synthetic one for unknown ids
func (t *Table) Name(id int) string {
	if id >= 0 && id < len(t.names) {
		return t.names[id]
	}
	return fmt.Sprintf("Class_%d", id)
}

// Color returns the RGB overlay colour of a class, white when unknown
func (t *Table) Color(id int) [3]int {
	if c, ok := t.colors[id]; ok {
		return c
	}
	return [3]int{255, 255, 255}
}

// Severity weights per defect family
const (
	WeightOverload   = 1.0
	WeightLooseJoint = 0.8
	WeightOther      = 0.5
)

// Weight is the fixed severity weight for a class name
func Weight(className string) float64 {
	switch {
	case strings.Contains(className, "Overload"):
		return WeightOverload
	case strings.Contains(className, "Loose Joint"):
		return WeightLooseJoint
	default:
		return WeightOther
	}
}

// maxNameDistance bounds how far a free-text class name may be from a known one
const maxNameDistance = 3

// Resolve maps an annotation's class to a table id. A valid id wins; otherwise
// the name is matched case-insensitively, then by nearest edit distance.
func (t *Table) Resolve(id int, name string) (int, bool) {
	if id >= 0 && id < len(t.names) {
		return id, true
	}

	wanted := strings.ToLower(strings.TrimSpace(name))
	if wanted == "" {
		return 0, false
	}

	best, bestDist := -1, maxNameDistance+1
	for i, n := range t.names {
		candidate := strings.ToLower(n)
		if candidate == wanted {
			return i, true
		}
		if d := levenshtein.Distance(candidate, wanted); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
