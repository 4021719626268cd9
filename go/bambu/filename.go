package bambu

import "strings"

// NormalizeFilename rewrites a local filename into the name the printer
// will store and display. Slicer exports sometimes double up extensions
// as ".gcode.3mf"; the printer wants plain ".3mf". Files with no known
// extension are sent as G-code.
func NormalizeFilename(name string) string {
	var lower = strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".gcode.3mf"):
		return name[:len(name)-len(".gcode.3mf")] + ".3mf"
	case strings.HasSuffix(lower, ".3mf"), strings.HasSuffix(lower, ".gcode"):
		return name
	default:
		return name + ".gcode"
	}
}

// SplitGcode breaks a multi-line G-code blob into sendable lines,
// dropping comments and blanks.
func SplitGcode(blob string) []string {
	var out []string
	for _, line := range strings.Split(blob, "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// EnsureM400 appends the "wait for moves to finish" command when the
// sequence does not already end an ejection with one. Its ack is the
// completion signal for the whole sequence.
func EnsureM400(lines []string) []string {
	for _, line := range lines {
		if strings.HasPrefix(strings.ToUpper(line), "M400") {
			return lines
		}
	}
	return append(lines, "M400")
}
