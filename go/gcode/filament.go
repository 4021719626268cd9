// Package gcode reads the small slicer header of a print file to recover
// the filament mass a job will consume. Only the header is inspected; no
// toolpath parsing happens here.
package gcode

import (
	"archive/zip"
	"bufio"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Densities in g/cm³ used when a slicer reports length instead of mass.
var filamentDensities = map[string]float64{
	"PLA":  1.25,
	"PETG": 1.27,
	"ABS":  1.04,
}

const (
	defaultDensity     = 1.25
	filamentDiameterMM = 1.75
	headerScanLines    = 400
)

var (
	usedGramsRe  = regexp.MustCompile(`(?i)filament\s+used\s*\[g\]\s*[=:]\s*([\d.]+)`)
	usedMMRe     = regexp.MustCompile(`(?i)filament\s+used\s*\[mm\]\s*[=:]\s*([\d.]+)`)
	filamentType = regexp.MustCompile(`(?i)filament_type\s*[=:]\s*(\w+)`)
	nameGramsRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*_?\s*g(?:ram)?s?\b`)
)

// ExtractFromFile returns the filament grams declared by path's header.
// Plain G-code is scanned directly; 3MF archives are probed for embedded
// G-code entries. When nothing is found the filename itself is tried for a
// "<n>_gram" hint, and zero means unknown.
func ExtractFromFile(path string) float64 {
	var lower = strings.ToLower(path)
	var grams float64

	switch {
	case strings.HasSuffix(lower, ".3mf"):
		grams = extractFrom3MF(path)
	case strings.HasSuffix(lower, ".gcode") || strings.HasSuffix(lower, ".bgcode"):
		f, err := os.Open(path)
		if err != nil {
			log.WithFields(log.Fields{"path": path, "error": err}).Warn("cannot open print file for filament scan")
			return ExtractFromName(path)
		}
		defer f.Close()
		grams = scanHeader(f)
	}

	if grams == 0 {
		grams = ExtractFromName(path)
	}
	return grams
}

// ExtractFromName recovers a filament hint embedded in the filename, such
// as "bracket_12_gram.gcode". Returns zero when absent.
func ExtractFromName(path string) float64 {
	var m = nameGramsRe.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	g, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return g
}

func extractFrom3MF(path string) float64 {
	var zr, err = zip.OpenReader(path)
	if err != nil {
		log.WithFields(log.Fields{"path": path, "error": err}).Warn("cannot open 3mf archive for filament scan")
		return 0
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if !strings.HasSuffix(strings.ToLower(entry.Name), ".gcode") {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			continue
		}
		var grams = scanHeader(rc)
		rc.Close()
		if grams > 0 {
			return grams
		}
	}
	return 0
}

// scanHeader reads the leading comment block of a G-code stream. A mass
// declaration wins outright; otherwise a length declaration is converted
// using the declared (or default) filament density.
func scanHeader(r io.Reader) float64 {
	var scanner = bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	var lengthMM float64
	var density = defaultDensity

	for n := 0; n < headerScanLines && scanner.Scan(); n++ {
		var line = scanner.Text()

		if m := usedGramsRe.FindStringSubmatch(line); m != nil {
			if g, err := strconv.ParseFloat(m[1], 64); err == nil && g > 0 {
				return g
			}
		}
		if m := usedMMRe.FindStringSubmatch(line); m != nil {
			if mm, err := strconv.ParseFloat(m[1], 64); err == nil {
				lengthMM = mm
			}
		}
		if m := filamentType.FindStringSubmatch(line); m != nil {
			if d, ok := filamentDensities[strings.ToUpper(m[1])]; ok {
				density = d
			}
		}
	}

	if lengthMM > 0 {
		return gramsFromLength(lengthMM, density)
	}
	return 0
}

func gramsFromLength(lengthMM, density float64) float64 {
	var radius = filamentDiameterMM / 2
	var volumeMM3 = math.Pi * radius * radius * lengthMM
	// mm³ → cm³, then grams at the given density, rounded to 0.1 g.
	return math.Round(volumeMM3/1000*density*10) / 10
}
