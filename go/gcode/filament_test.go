package gcode

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanHeaderMassWins(t *testing.T) {
	var header = strings.Join([]string{
		"; generated by slicer",
		"; filament_type = PETG",
		"; filament used [mm] = 4000.0",
		"; filament used [g] = 12.34",
		"G28",
	}, "\n")
	require.Equal(t, 12.34, scanHeader(strings.NewReader(header)))
}

func TestScanHeaderLengthConversion(t *testing.T) {
	var header = strings.Join([]string{
		"; filament_type = PLA",
		"; filament used [mm] = 1000.0",
	}, "\n")
	// 1 m of 1.75 mm PLA is roughly 3 g.
	require.Equal(t, 3.0, scanHeader(strings.NewReader(header)))
}

func TestScanHeaderUnknown(t *testing.T) {
	require.Equal(t, 0.0, scanHeader(strings.NewReader("G28\nG1 X10\n")))
}

func TestExtractFromName(t *testing.T) {
	require.Equal(t, 12.0, ExtractFromName("bracket_12_gram.gcode"))
	require.Equal(t, 8.5, ExtractFromName("clip 8.5g.3mf"))
	require.Equal(t, 0.0, ExtractFromName("bracket.gcode"))
}

func TestExtractFromGcodeFile(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte("; filament used [g] = 5.5\nG28\n"), 0o644))
	require.Equal(t, 5.5, ExtractFromFile(path))
}

func TestExtractFrom3MFArchive(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "part.3mf")
	f, err := os.Create(path)
	require.NoError(t, err)

	var zw = zip.NewWriter(f)
	w, err := zw.Create("Metadata/plate_1.gcode")
	require.NoError(t, err)
	_, err = w.Write([]byte("; filament used [g] = 21.0\nG28\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	require.Equal(t, 21.0, ExtractFromFile(path))
}

func TestExtractFallsBackToFilename(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "clip_9_gram.gcode")
	require.NoError(t, os.WriteFile(path, []byte("G28\n"), 0o644))
	require.Equal(t, 9.0, ExtractFromFile(path))
}
