package dispatch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/printfarm/farmd/go/fleet"
)

type fakePrusa struct {
	mu      sync.Mutex
	started []string
	failFor map[string]bool
	deleted []string
}

func (f *fakePrusa) UploadAndStart(_ context.Context, ip, _, filename string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[ip] {
		return io.ErrUnexpectedEOF
	}
	f.started = append(f.started, ip+":"+filename)
	return nil
}

func (f *fakePrusa) Delete(_ context.Context, ip, _, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ip+":"+filename)
	return nil
}

func (f *fakePrusa) VerifyPrinting(context.Context, string, string) (fleet.State, string, bool) {
	return fleet.StatePrinting, "", true
}

type fakeBambu struct {
	mu       sync.Mutex
	uploads  []string
	projects []string
}

func (f *fakeBambu) Upload(_ context.Context, ip, _, filename string, content io.Reader, _ int64) error {
	io.Copy(io.Discard, content)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, ip+":"+filename)
	return nil
}

func (f *fakeBambu) StartProject(name, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, name+":"+filename)
	return nil
}

func newFixture(t *testing.T) (*fleet.Store, *fakePrusa, *fakeBambu, *Distributor) {
	s, err := fleet.NewStore(t.TempDir())
	require.NoError(t, err)
	var fp = &fakePrusa{failFor: map[string]bool{}}
	var fb = &fakeBambu{}
	var d = New(s, fp, fb, nil, func(fleet.Printer) (string, bool) { return "secret", true })
	return s, fp, fb, d
}

func addReadyPrinter(t *testing.T, s *fleet.Store, name, typ, group string) {
	require.NoError(t, s.AddPrinter(fleet.Printer{Name: name, Type: typ, Group: group, IP: "ip-" + name}))
	s.UpdatePrinter(name, func(p *fleet.Printer) { p.State = fleet.StateReady })
}

func orderFile(t *testing.T, name string) string {
	var path = filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("G28\n"), 0o644))
	return path
}

func TestSinglePrintHappyPath(t *testing.T) {
	var s, fp, _, d = newFixture(t)
	addReadyPrinter(t, s, "P1", fleet.TypePrusa, "Default")
	var o = s.AddOrder(fleet.Order{
		Filename: "part.gcode", Filepath: orderFile(t, "part.gcode"),
		Quantity: 1, Groups: []string{"Default"}, FilamentG: 12.0,
	})

	require.Equal(t, 1, d.RunPass(context.Background()))

	fp.mu.Lock()
	require.Equal(t, []string{"ip-P1:part.gcode"}, fp.started)
	require.Equal(t, []string{"ip-P1:part.gcode"}, fp.deleted)
	fp.mu.Unlock()

	p, _ := s.Printer("P1")
	require.Equal(t, fleet.StatePrinting, p.State)
	require.Equal(t, o.ID, *p.OrderID)
	require.True(t, p.FromQueue)
	require.True(t, p.CountIncrementedForCurrentJob)

	got, _ := s.Order(o.ID)
	require.Equal(t, 1, got.Sent)
	require.Equal(t, fleet.OrderCompleted, got.Status)
	require.Equal(t, 12.0, s.TotalFilamentG())
}

func TestBambuStartNormalizesFilename(t *testing.T) {
	var s, _, fb, d = newFixture(t)
	addReadyPrinter(t, s, "B1", fleet.TypeBambu, "Default")
	s.AddOrder(fleet.Order{
		Filename: "part.gcode.3mf", Filepath: orderFile(t, "part.gcode.3mf"),
		Quantity: 1, Groups: []string{"Default"}, FilamentG: 5,
	})

	require.Equal(t, 1, d.RunPass(context.Background()))

	fb.mu.Lock()
	require.Equal(t, []string{"ip-B1:part.3mf"}, fb.uploads)
	require.Equal(t, []string{"B1:part.3mf"}, fb.projects)
	fb.mu.Unlock()

	p, _ := s.Printer("B1")
	require.Equal(t, "part.3mf", p.File)
}

func TestGroupFilterExcludesPrinters(t *testing.T) {
	var s, _, _, d = newFixture(t)
	addReadyPrinter(t, s, "P1", fleet.TypePrusa, "A")
	addReadyPrinter(t, s, "P2", fleet.TypePrusa, "B")
	var o = s.AddOrder(fleet.Order{
		Filename: "part.gcode", Filepath: orderFile(t, "part.gcode"),
		Quantity: 2, Groups: []string{"A"},
	})

	require.Equal(t, 1, d.RunPass(context.Background()))
	got, _ := s.Order(o.ID)
	require.Equal(t, 1, got.Sent)

	p2, _ := s.Printer("P2")
	require.Equal(t, fleet.StateReady, p2.State)
	require.Nil(t, p2.OrderID)

	// Nothing new to dispatch on the next pass.
	require.Equal(t, 0, d.RunPass(context.Background()))
}

func TestPrintersSortByNumericName(t *testing.T) {
	var printers = []fleet.Printer{
		{Name: "Printer 10"}, {Name: "Printer 2"}, {Name: "Printer 1"}, {Name: "Spare"},
	}
	sortByNumericName(printers)
	var names []string
	for _, p := range printers {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{"Printer 1", "Printer 2", "Printer 10", "Spare"}, names)
}

func TestFailedStartDoesNotCharge(t *testing.T) {
	var s, fp, _, d = newFixture(t)
	addReadyPrinter(t, s, "P1", fleet.TypePrusa, "Default")
	fp.failFor["ip-P1"] = true
	var o = s.AddOrder(fleet.Order{
		Filename: "part.gcode", Filepath: orderFile(t, "part.gcode"),
		Quantity: 1, Groups: []string{"Default"}, FilamentG: 9,
	})

	require.Equal(t, 0, d.RunPass(context.Background()))

	got, _ := s.Order(o.ID)
	require.Equal(t, 0, got.Sent)
	require.Equal(t, 0.0, s.TotalFilamentG())
	p, _ := s.Printer("P1")
	require.Equal(t, fleet.StateReady, p.State)
}

func TestFilamentChargedFromFileHeader(t *testing.T) {
	var s, _, _, d = newFixture(t)
	addReadyPrinter(t, s, "P1", fleet.TypePrusa, "Default")

	var path = filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte("; filament used [g] = 7.50\nG28\n"), 0o644))
	s.AddOrder(fleet.Order{
		Filename: "part.gcode", Filepath: path,
		Quantity: 1, Groups: []string{"Default"},
	})

	require.Equal(t, 1, d.RunPass(context.Background()))
	require.Equal(t, 7.5, s.TotalFilamentG())
}

func TestCancelledPassStopsAfterCurrentSubBatch(t *testing.T) {
	var s, fp, _, d = newFixture(t)
	for _, name := range []string{"P1", "P2", "P3", "P4", "P5", "P6"} {
		addReadyPrinter(t, s, name, fleet.TypePrusa, "Default")
	}
	s.AddOrder(fleet.Order{
		Filename: "part.gcode", Filepath: orderFile(t, "part.gcode"),
		Quantity: 6, Groups: []string{"Default"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Only the first sub-batch of five runs; the sixth job is abandoned.
	require.Equal(t, 5, d.RunPass(ctx))
	fp.mu.Lock()
	require.Len(t, fp.started, 5)
	fp.mu.Unlock()
}

func TestBusyPrintersAreNotEligible(t *testing.T) {
	var s, _, _, d = newFixture(t)
	for name, state := range map[string]fleet.State{
		"P1": fleet.StateEjecting,
		"P2": fleet.StateCooling,
		"P3": fleet.StateFinished,
		"P4": fleet.StateOffline,
	} {
		addReadyPrinter(t, s, name, fleet.TypePrusa, "Default")
		var st = state
		s.UpdatePrinter(name, func(p *fleet.Printer) { p.State = st })
	}
	s.AddOrder(fleet.Order{
		Filename: "part.gcode", Filepath: orderFile(t, "part.gcode"),
		Quantity: 4, Groups: []string{"Default"},
	})

	require.Equal(t, 0, d.RunPass(context.Background()))
}

func TestServiceModeExcluded(t *testing.T) {
	var s, _, _, d = newFixture(t)
	addReadyPrinter(t, s, "P1", fleet.TypePrusa, "Default")
	s.UpdatePrinter("P1", func(p *fleet.Printer) { p.ServiceMode = true })
	s.AddOrder(fleet.Order{
		Filename: "part.gcode", Filepath: orderFile(t, "part.gcode"),
		Quantity: 1, Groups: []string{"Default"},
	})
	require.Equal(t, 0, d.RunPass(context.Background()))
}

func TestEachPrinterTakesOneJobPerPass(t *testing.T) {
	var s, _, _, d = newFixture(t)
	addReadyPrinter(t, s, "P1", fleet.TypePrusa, "Default")
	var a = s.AddOrder(fleet.Order{
		Filename: "a.gcode", Filepath: orderFile(t, "a.gcode"),
		Quantity: 3, Groups: []string{"Default"},
	})
	var b = s.AddOrder(fleet.Order{
		Filename: "b.gcode", Filepath: orderFile(t, "b.gcode"),
		Quantity: 3, Groups: []string{"Default"},
	})

	require.Equal(t, 1, d.RunPass(context.Background()))
	gotA, _ := s.Order(a.ID)
	gotB, _ := s.Order(b.ID)
	require.Equal(t, 1, gotA.Sent)
	require.Equal(t, 0, gotB.Sent)
}

func TestCredentialFailureSkipsJob(t *testing.T) {
	s, err := fleet.NewStore(t.TempDir())
	require.NoError(t, err)
	var d = New(s, &fakePrusa{}, &fakeBambu{}, nil, func(fleet.Printer) (string, bool) { return "", false })
	addReadyPrinter(t, s, "P1", fleet.TypePrusa, "Default")
	s.AddOrder(fleet.Order{
		Filename: "part.gcode", Filepath: orderFile(t, "part.gcode"),
		Quantity: 1, Groups: []string{"Default"},
	})
	require.Equal(t, 0, d.RunPass(context.Background()))
}

func TestMatchesShortened(t *testing.T) {
	require.True(t, matchesShortened("part.gcode", "PART.GCO"))
	require.True(t, matchesShortened("long_bracket_name.gcode", "LONG_B~1.GCO"))
	require.True(t, matchesShortened("part.gcode", "part.gcode"))
	require.False(t, matchesShortened("part.gcode", "OTHER~1.GCO"))
}
