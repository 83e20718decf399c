package geometry

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatLabel renders one label line: "classId x_center y_center width height"
func FormatLabel(classID int, y YOLOBox) string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", classID, y.XCenter, y.YCenter, y.Width, y.Height)
}

// ParseLabel parses a line produced by FormatLabel
func ParseLabel(line string) (int, YOLOBox, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return 0, YOLOBox{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	classID, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, YOLOBox{}, fmt.Errorf("invalid class id %q: %w", fields[0], err)
	}

	var values [4]float64
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, YOLOBox{}, fmt.Errorf("invalid coordinate %q: %w", f, err)
		}
		if v < 0 || v > 1 {
			return 0, YOLOBox{}, fmt.Errorf("coordinate %q out of [0,1]", f)
		}
		values[i] = v
	}

	return classID, YOLOBox{
		XCenter: values[0],
		YCenter: values[1],
		Width:   values[2],
		Height:  values[3],
	}, nil
}
