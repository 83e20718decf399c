package dataset

import (
	"strings"

	"go-defect-inspector/internal/classes"
	"go-defect-inspector/internal/geometry"
	"go-defect-inspector/internal/repository"
)

// labelStats counts what happened to an item's annotations
type labelStats struct {
	Written    int
	Inactive   int
	Outside    int
	Unresolved int
}

// buildLabels converts original-space annotations into label lines for a
// frame of size w x h whose top-left sits at off in the original image
func buildLabels(anns []repository.AnnotationRecord, table *classes.Table, off geometry.Offset, w, h int) ([]string, labelStats) {
	var (
		lines []string
		stats labelStats
	)

	for _, a := range anns {
		if !a.Active() {
			stats.Inactive++
			continue
		}

		classID, ok := table.Resolve(a.ClassID, a.ClassName)
		if !ok {
			stats.Unresolved++
			continue
		}

		box, kept := geometry.IntoFrame(geometry.Box{X1: a.BBoxX1, Y1: a.BBoxY1, X2: a.BBoxX2, Y2: a.BBoxY2}, off, w, h)
		if !kept {
			stats.Outside++
			continue
		}

		lines = append(lines, geometry.FormatLabel(classID, geometry.Normalize(box, w, h)))
		stats.Written++
	}

	return lines, stats
}

// labelFileContent joins label lines; no lines gives an empty file
func labelFileContent(lines []string) []byte {
	if len(lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}
