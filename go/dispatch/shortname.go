package dispatch

import (
	"path/filepath"
	"strings"
)

// matchesShortened reports whether reported could be the printer's
// FAT-style 8.3 rendering of filename: "PART.GCO" for "part.gcode", or
// "LONG_B~1.GCO" for "long_bracket_name.gcode".
func matchesShortened(filename, reported string) bool {
	var full = strings.ToUpper(filename)
	var short = strings.ToUpper(reported)
	if full == short {
		return true
	}

	var shortExt = filepath.Ext(short)
	var fullExt = filepath.Ext(full)
	// The 8.3 extension is a truncation of the real one.
	if shortExt != fullExt && (shortExt == "" || fullExt == "" || !strings.HasPrefix(fullExt, shortExt)) {
		return false
	}

	var shortStem = strings.TrimSuffix(short, shortExt)
	var fullStem = strings.TrimSuffix(full, fullExt)
	// FAT drops spaces and dots from the stem before truncating.
	fullStem = strings.Map(func(r rune) rune {
		if r == ' ' || r == '.' {
			return -1
		}
		return r
	}, fullStem)

	if tilde := strings.IndexByte(shortStem, '~'); tilde > 0 {
		return strings.HasPrefix(fullStem, shortStem[:tilde])
	}
	return len(shortStem) <= 8 && strings.HasPrefix(fullStem, shortStem)
}
