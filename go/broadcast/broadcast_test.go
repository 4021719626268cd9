package broadcast

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"

	"github.com/printfarm/farmd/go/fleet"
)

func newStore(t *testing.T) *fleet.Store {
	s, err := fleet.NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func addPrinter(t *testing.T, s *fleet.Store, name string, fn func(*fleet.Printer)) {
	require.NoError(t, s.AddPrinter(fleet.Printer{Name: name, Type: fleet.TypePrusa, Group: "Default"}))
	s.UpdatePrinter(name, fn)
}

func TestEventAssembly(t *testing.T) {
	var s = newStore(t)
	addPrinter(t, s, "P1", func(p *fleet.Printer) {
		p.State = fleet.StatePrinting
		p.Progress = 61.4
		p.File = "widget.gcode"
	})
	s.AddFilament(2500)

	var kept = s.AddOrder(fleet.Order{Filename: "widget.gcode", Quantity: 3})
	var gone = s.AddOrder(fleet.Order{Filename: "scrap.gcode", Quantity: 1})
	require.True(t, s.DeleteOrder(gone.ID))

	var b = New(s)
	var event = b.BuildEvent(time.Now())

	require.Equal(t, 2.5, event.TotalFilament)
	require.Len(t, event.Orders, 1)
	require.Equal(t, kept.ID, event.Orders[0].ID)
	require.Len(t, event.Printers, 1)
	require.Equal(t, "widget.gcode", event.Printers[0].CurrentFile)
	require.Equal(t, StagePrinting, event.Printers[0].PrintStage)
	require.Equal(t, "61% complete", event.Printers[0].StageDetail)
}

func TestEnrichFinishedPrinter(t *testing.T) {
	var now = time.Unix(1_700_000_000, 0)
	var view = EnrichPrinter(fleet.Printer{
		Name:       "P2",
		State:      fleet.StateFinished,
		FinishTime: now.Add(-7 * time.Minute).Unix(),
	}, now)

	require.Equal(t, StageFinished, view.PrintStage)
	require.Equal(t, "Finished 7m ago", view.StageDetail)
	require.NotNil(t, view.MinutesSinceFinished)
	require.Equal(t, 7, *view.MinutesSinceFinished)

	// No recorded finish instant still reads as complete.
	view = EnrichPrinter(fleet.Printer{State: fleet.StateFinished}, now)
	require.Equal(t, "Print complete", view.StageDetail)
	require.Nil(t, view.MinutesSinceFinished)
}

func TestEnrichStages(t *testing.T) {
	var now = time.Now()
	var target = 40

	for _, tc := range []struct {
		printer fleet.Printer
		stage   Stage
		detail  string
	}{
		{fleet.Printer{State: fleet.StateReady}, StageReady, "Ready"},
		{fleet.Printer{State: fleet.StateIdle}, StageReady, "Ready"},
		{fleet.Printer{State: fleet.StatePrepare}, StagePrinting, "0% complete"},
		{fleet.Printer{State: fleet.StatePaused}, StagePaused, "Paused"},
		{fleet.Printer{State: fleet.StateEjecting}, StageEjecting, "Ejecting print"},
		{fleet.Printer{State: fleet.StateCooling, CooldownTargetTemp: &target}, StageCooling, "Cooling bed to 40°C"},
		{fleet.Printer{State: fleet.StateCooling}, StageCooling, "Cooling"},
		{fleet.Printer{State: fleet.StateError, ErrorMessage: "nozzle clog"}, StageError, "nozzle clog"},
		{fleet.Printer{State: fleet.StateError}, StageError, "Printer error"},
		{fleet.Printer{State: fleet.StateOffline}, StageIdle, "Offline"},
	} {
		var view = EnrichPrinter(tc.printer, now)
		require.Equal(t, tc.stage, view.PrintStage, "state %s", tc.printer.State)
		require.Equal(t, tc.detail, view.StageDetail, "state %s", tc.printer.State)
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	var s = newStore(t)
	addPrinter(t, s, "P1", func(p *fleet.Printer) { p.State = fleet.StateReady })

	var b = New(s)
	ch, cancel := b.Subscribe()
	b.Publish()

	select {
	case event := <-ch:
		require.Len(t, event.Printers, 1)
		require.Equal(t, StageReady, event.Printers[0].PrintStage)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic or deliver.
	b.Publish()
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	var s = newStore(t)
	var b = New(s)
	ch, cancel := b.Subscribe()
	defer cancel()

	// Overrun the channel buffer without draining it.
	for i := 0; i < 20; i++ {
		b.Publish()
	}
	require.NotEmpty(t, ch)
}

func TestStageSummarySnapshot(t *testing.T) {
	var now = time.Unix(1_700_000_000, 0)
	var printers = []fleet.Printer{
		{Name: "P1", State: fleet.StatePrinting, Progress: 42},
		{Name: "P2", State: fleet.StateFinished, FinishTime: now.Add(-320 * time.Second).Unix()},
		{Name: "P3", State: fleet.StateError},
	}

	var lines []string
	for _, p := range printers {
		var view = EnrichPrinter(p, now)
		lines = append(lines, fmt.Sprintf("%s %s [%s]", p.Name, view.PrintStage, view.StageDetail))
	}
	cupaloy.SnapshotT(t, strings.Join(lines, "; "))
}
