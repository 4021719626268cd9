package eject

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printfarm/farmd/go/fleet"
)

func TestEmergencyFixClearsStuckEjection(t *testing.T) {
	var s, _, m = newFixture(t)
	var o = s.AddOrder(fleet.Order{Filename: "a.gcode", Quantity: 1, EjectionEnabled: true})
	addFinishedPrinter(t, s, "P1", fleet.TypePrusa, &o.ID)

	handleFinished(s, m, "P1")
	require.True(t, m.Held("P1"))

	require.NoError(t, m.EmergencyFix("P1"))

	p, _ := s.Printer("P1")
	require.Equal(t, fleet.StateReady, p.State)
	require.True(t, p.ManuallySet)
	require.False(t, p.EjectionInProgress)
	require.Nil(t, p.PendingEjection)
	require.False(t, m.Held("P1"))
	_, ok := m.FlowFor("P1")
	require.False(t, ok)

	require.Error(t, m.EmergencyFix("nope"))
}

func TestEmergencyFixAll(t *testing.T) {
	var s, _, m = newFixture(t)
	var requested int
	m.RequestDistribution = func() { requested++ }

	for name, state := range map[string]fleet.State{
		"P1": fleet.StateFinished,
		"P2": fleet.StateEjecting,
		"P3": fleet.StatePrinting,
	} {
		require.NoError(t, s.AddPrinter(fleet.Printer{Name: name, Type: fleet.TypePrusa}))
		var st = state
		s.UpdatePrinter(name, func(p *fleet.Printer) { p.State = st })
	}

	require.Equal(t, 2, m.EmergencyFixAll())
	require.Equal(t, 1, requested)

	p3, _ := s.Printer("P3")
	require.Equal(t, fleet.StatePrinting, p3.State)
}

func TestEjectionCodeTestOnPrusa(t *testing.T) {
	var s, _, m = newFixture(t)
	code, err := s.AddEjectionCode("Sweep", "G1 X0\nG1 Y200")
	require.NoError(t, err)
	require.NoError(t, s.AddPrinter(fleet.Printer{Name: "P1", Type: fleet.TypePrusa}))
	s.UpdatePrinter("P1", func(p *fleet.Printer) { p.State = fleet.StateReady })

	require.NoError(t, m.TestEjectionCode("P1", code.ID))

	p, _ := s.Printer("P1")
	require.Equal(t, fleet.StateEjecting, p.State)
	require.NotNil(t, p.PendingEjection)
	require.Equal(t, "G1 X0\nG1 Y200", p.PendingEjection.GcodeContent)
	require.Contains(t, p.PendingEjection.GcodeFileName, "ejection_test_")
	require.True(t, m.Held("P1"))

	f, ok := m.FlowFor("P1")
	require.True(t, ok)
	require.Equal(t, "code_test", f.Trigger)

	// A second test cannot start while the first holds the lock.
	require.Error(t, m.TestEjectionCode("P1", code.ID))
}

func TestEjectionCodeTestOnBambu(t *testing.T) {
	var s, fb, m = newFixture(t)
	code, err := s.AddEjectionCode("Push", "G1 Y250\nM400")
	require.NoError(t, err)
	require.NoError(t, s.AddPrinter(fleet.Printer{Name: "B1", Type: fleet.TypeBambu}))
	s.UpdatePrinter("B1", func(p *fleet.Printer) { p.State = fleet.StateReady })

	require.NoError(t, m.TestEjectionCode("B1", code.ID))
	require.Eventually(t, func() bool { return fb.sentCount() == 1 }, time.Second, 10*time.Millisecond)

	p, _ := s.Printer("B1")
	require.Equal(t, fleet.StateEjecting, p.State)
	require.Nil(t, p.PendingEjection)
}

func TestEjectionCodeTestRejectsBusyPrinter(t *testing.T) {
	var s, _, m = newFixture(t)
	code, err := s.AddEjectionCode("Sweep", "G1 X0")
	require.NoError(t, err)
	require.NoError(t, s.AddPrinter(fleet.Printer{Name: "P1", Type: fleet.TypePrusa}))
	s.UpdatePrinter("P1", func(p *fleet.Printer) { p.State = fleet.StatePrinting })

	require.Error(t, m.TestEjectionCode("P1", code.ID))
	require.Error(t, m.TestEjectionCode("P1", "missing"))
}
