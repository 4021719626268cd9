// Package broadcast assembles and fans out the status_update event: a
// read-only snapshot of the fleet, the filament total, and the live
// orders, with per-printer display enrichment computed on the way out.
package broadcast

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/fleet"
)

// Stage is the coarse display stage derived from a printer's state.
type Stage string

const (
	StageIdle     Stage = "idle"
	StageReady    Stage = "ready"
	StagePrinting Stage = "printing"
	StagePaused   Stage = "paused"
	StageFinished Stage = "finished"
	StageEjecting Stage = "ejecting"
	StageCooling  Stage = "cooling"
	StageError    Stage = "error"
)

// PrinterView is one printer as broadcast: the stored record plus the
// computed display fields.
type PrinterView struct {
	fleet.Printer

	CurrentFile          string `json:"current_file,omitempty"`
	MinutesSinceFinished *int   `json:"minutes_since_finished,omitempty"`
	PrintStage           Stage  `json:"print_stage"`
	StageDetail          string `json:"stage_detail"`
}

// Event is the status_update payload.
type Event struct {
	Printers      []PrinterView `json:"printers"`
	TotalFilament float64       `json:"total_filament"`
	Orders        []fleet.Order `json:"orders"`
}

// Broadcaster builds events from the store and fans them out to
// subscribers. It never mutates fleet state.
type Broadcaster struct {
	store *fleet.Store

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New builds a Broadcaster over the store.
func New(store *fleet.Store) *Broadcaster {
	return &Broadcaster{store: store, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel function. Slow
// subscribers drop events rather than stalling the publisher.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var id = b.next
	b.next++
	var ch = make(chan Event, 8)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish snapshots the store and emits one status_update.
func (b *Broadcaster) Publish() {
	var event = b.BuildEvent(time.Now())

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			log.Debug("dropping status_update for slow subscriber")
		}
	}
}

// BuildEvent assembles the payload at the given instant. Deleted orders
// are excluded; the filament total converts to kilograms.
func (b *Broadcaster) BuildEvent(now time.Time) Event {
	var printers = b.store.Printers()
	var views = make([]PrinterView, 0, len(printers))
	for _, p := range printers {
		views = append(views, EnrichPrinter(p, now))
	}

	var orders []fleet.Order
	for _, o := range b.store.Orders() {
		if !o.Deleted {
			orders = append(orders, o)
		}
	}

	return Event{
		Printers:      views,
		TotalFilament: b.store.TotalFilamentG() / 1000,
		Orders:        orders,
	}
}

// EnrichPrinter computes the display fields for one printer.
func EnrichPrinter(p fleet.Printer, now time.Time) PrinterView {
	var view = PrinterView{
		Printer:     p,
		CurrentFile: p.File,
	}
	view.PrintStage = stageFor(p.State)
	view.StageDetail = stageDetail(&p, now)

	if p.State == fleet.StateFinished && p.FinishTime > 0 {
		var minutes = int(now.Sub(time.Unix(p.FinishTime, 0)).Minutes())
		if minutes < 0 {
			minutes = 0
		}
		view.MinutesSinceFinished = &minutes
	}
	return view
}

func stageFor(s fleet.State) Stage {
	switch s {
	case fleet.StateReady, fleet.StateIdle:
		return StageReady
	case fleet.StatePrinting, fleet.StatePrepare:
		return StagePrinting
	case fleet.StatePaused:
		return StagePaused
	case fleet.StateFinished:
		return StageFinished
	case fleet.StateEjecting:
		return StageEjecting
	case fleet.StateCooling:
		return StageCooling
	case fleet.StateError:
		return StageError
	default:
		return StageIdle
	}
}

func stageDetail(p *fleet.Printer, now time.Time) string {
	switch p.State {
	case fleet.StatePrinting, fleet.StatePrepare:
		return fmt.Sprintf("%.0f%% complete", p.Progress)
	case fleet.StateFinished:
		if p.FinishTime > 0 {
			var minutes = int(now.Sub(time.Unix(p.FinishTime, 0)).Minutes())
			if minutes < 0 {
				minutes = 0
			}
			return fmt.Sprintf("Finished %dm ago", minutes)
		}
		return "Print complete"
	case fleet.StateCooling:
		if p.CooldownTargetTemp != nil {
			return fmt.Sprintf("Cooling bed to %d°C", *p.CooldownTargetTemp)
		}
		return "Cooling"
	case fleet.StateEjecting:
		return "Ejecting print"
	case fleet.StateError:
		if p.ErrorMessage != "" {
			return p.ErrorMessage
		}
		return "Printer error"
	case fleet.StatePaused:
		return "Paused"
	case fleet.StateOffline:
		return "Offline"
	default:
		return "Ready"
	}
}
