// Package eject runs the post-print ejection subsystem: the FINISHED
// decision tree, the bed cool-down gate, per-printer locking, completion
// detection across both vendor families, and the mass resume after a
// global pause.
package eject

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/fleet"
)

// DefaultGcode clears the plate when an order carries no ejection
// sequence of its own.
const DefaultGcode = "G28 X Y\nM84"

const (
	// manualHoldAfterEjection protects the post-ejection READY from
	// stale FINISHED observations.
	manualHoldAfterEjection = 300 * time.Second

	// safetyTimeout resolves a Bambu ejection that produced no terminal
	// report.
	safetyTimeout = 15 * time.Second

	// WatchdogInterval paces the independent Prusa ejection watchdog.
	WatchdogInterval = 10 * time.Second
)

// Phase of one printer's ejection flow, tracked independently of printer
// state so pause/resume and completion detection can reason about it.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseInProgress Phase = "in_progress"
	PhaseRunning    Phase = "running"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// Flow is the registry entry for one printer's current ejection cycle.
type Flow struct {
	Phase   Phase
	Trigger string
	Reason  string
	Started time.Time
}

// BambuDriver is the command surface the manager needs from the Bambu
// session manager.
type BambuDriver interface {
	BedTemp(name string) (float64, bool)
	State(name string) (fleet.State, bool)
	EjectionComplete(name string) bool
	SendEjection(name, gcode string, force bool) error
	FinishEjection(name string)
}

// ObserveFunc polls a Prusa printer, decrypting its credentials at use.
// Used by the watchdog; nil observations mean unreachable.
type ObserveFunc func(ctx context.Context, p fleet.Printer) *fleet.Observation

// Manager owns the per-printer ejection locks and flow registry.
type Manager struct {
	store *fleet.Store
	bambu BambuDriver

	// RequestDistribution is invoked whenever an ejection completes and
	// the printer becomes available for new work.
	RequestDistribution func()

	observePrusa ObserveFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	held  map[string]bool
	flows map[string]*Flow
}

// NewManager builds a Manager.
func NewManager(store *fleet.Store, bambu BambuDriver, observePrusa ObserveFunc) *Manager {
	return &Manager{
		store:        store,
		bambu:        bambu,
		observePrusa: observePrusa,
		locks:        make(map[string]*sync.Mutex),
		held:         make(map[string]bool),
		flows:        make(map[string]*Flow),
	}
}

// tryAcquire takes the printer's ejection lock without blocking.
func (m *Manager) tryAcquire(name string) bool {
	m.mu.Lock()
	var l, ok = m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()

	if !l.TryLock() {
		return false
	}
	m.mu.Lock()
	m.held[name] = true
	m.mu.Unlock()
	return true
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[name] {
		m.held[name] = false
		m.locks[name].Unlock()
	}
}

// Held reports whether the printer's ejection lock is currently taken.
func (m *Manager) Held(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[name]
}

func (m *Manager) setFlow(name string, f Flow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Started.IsZero() {
		f.Started = time.Now()
	}
	m.flows[name] = &f
}

// FlowFor returns the printer's current flow entry.
func (m *Manager) FlowFor(name string) (Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flows[name]; ok {
		return *f, true
	}
	return Flow{}, false
}

func (m *Manager) clearFlow(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, name)
}

// HandleFinished is the FINISHED decision tree. It mutates p in place and
// must be called with write access to the printer (inside the store's
// update path). Side effects that block, like the Bambu G-code send, run
// on their own goroutine.
func (m *Manager) HandleFinished(p *fleet.Printer) {
	var now = fleet.NowUnix()
	if p.FinishTime == 0 {
		p.FinishTime = now
	}
	p.Progress = 100
	p.TimeRemaining = 0

	// Idempotent per cycle: a second FINISHED observation changes nothing.
	if p.EjectionProcessed || p.EjectionInProgress {
		return
	}

	var order, ok = m.orderFor(p)
	if !ok || !order.EjectionEnabled {
		p.State = fleet.StateFinished
		p.Status = fleet.StatusLabel(fleet.StateFinished)
		return
	}

	if m.store.EjectionPaused() {
		p.State = fleet.StateFinished
		p.Status = "Print Complete (Ejection Paused)"
		m.setFlow(p.Name, Flow{Phase: PhaseQueued, Reason: "global_pause"})
		return
	}

	// Bambu printers may gate ejection on bed cool-down.
	if p.Type == fleet.TypeBambu {
		if target, ok := order.EffectiveCooldown(); ok {
			if bed, known := m.bambu.BedTemp(p.Name); known && bed > float64(target) {
				var orderID = order.ID
				p.State = fleet.StateCooling
				p.Status = fmt.Sprintf("Cooling bed to %d°C (currently %.0f°C)", target, bed)
				p.CooldownTargetTemp = &target
				p.CooldownOrderID = &orderID
				log.WithFields(log.Fields{
					"printer": p.Name,
					"target":  target,
					"current": bed,
				}).Info("waiting for bed cool-down before ejection")
				return
			}
		}
	}

	if !m.tryAcquire(p.Name) {
		p.State = fleet.StateFinished
		p.Status = fleet.StatusLabel(fleet.StateFinished)
		return
	}
	m.beginEjection(p, &order, now)
}

// beginEjection flips the printer into EJECTING and dispatches the
// vendor-specific send. The caller holds the printer's ejection lock.
func (m *Manager) beginEjection(p *fleet.Printer, order *fleet.Order, now int64) {
	p.State = fleet.StateEjecting
	p.Status = fleet.StatusLabel(fleet.StateEjecting)
	p.EjectionInProgress = true
	p.EjectionProcessed = true
	p.EjectionStartTime = now
	m.setFlow(p.Name, Flow{Phase: PhaseInProgress})

	var gcode = m.resolveGcode(order)
	log.WithFields(log.Fields{"printer": p.Name, "order": order.ID}).Info("starting ejection")

	if p.Type == fleet.TypeBambu {
		var name = p.Name
		go func() {
			if err := m.bambu.SendEjection(name, gcode, false); err != nil {
				log.WithFields(log.Fields{"printer": name, "error": err}).Warn("ejection send failed")
				m.setFlow(name, Flow{Phase: PhaseFailed, Reason: err.Error()})
				m.release(name)
				m.store.UpdatePrinter(name, func(p *fleet.Printer) {
					p.State = fleet.StateFinished
					p.Status = fleet.StatusLabel(fleet.StateFinished)
					p.EjectionInProgress = false
					p.EjectionProcessed = false
				})
			} else {
				m.setFlow(name, Flow{Phase: PhaseRunning})
			}
		}()
	} else {
		p.PendingEjection = &fleet.PendingEjection{
			GcodeContent:  gcode,
			GcodeFileName: fmt.Sprintf("ejection_%d.gcode", now),
			Timestamp:     now,
		}
	}
}

// resolveGcode picks the ejection sequence: a referenced preset first,
// then the order's own end G-code, then the default.
func (m *Manager) resolveGcode(order *fleet.Order) string {
	if order.EjectionCodeID != "" {
		if code, ok := m.store.EjectionCode(order.EjectionCodeID); ok && strings.TrimSpace(code.Gcode) != "" {
			return code.Gcode
		}
	}
	if strings.TrimSpace(order.EndGcode) != "" {
		return order.EndGcode
	}
	return DefaultGcode
}

func (m *Manager) orderFor(p *fleet.Printer) (fleet.Order, bool) {
	if p.OrderID == nil {
		return fleet.Order{}, false
	}
	return m.store.Order(*p.OrderID)
}

// CoolingPass advances COOLING printers whose bed has reached the target.
// Runs every reconcile tick.
func (m *Manager) CoolingPass() {
	for _, p := range m.store.Printers() {
		if p.State != fleet.StateCooling || p.CooldownTargetTemp == nil {
			continue
		}
		var bed, known = m.bambu.BedTemp(p.Name)
		if !known || bed > float64(*p.CooldownTargetTemp) {
			continue
		}

		var name = p.Name
		m.store.UpdatePrinter(name, func(p *fleet.Printer) {
			if p.State != fleet.StateCooling {
				return
			}
			order, ok := m.orderFor(p)
			if p.CooldownOrderID != nil {
				order, ok = m.store.Order(*p.CooldownOrderID)
			}
			p.CooldownTargetTemp = nil
			p.CooldownOrderID = nil

			if !ok || !order.EjectionEnabled || !m.tryAcquire(name) {
				p.State = fleet.StateReady
				p.Status = fleet.StatusLabel(fleet.StateReady)
				p.ManuallySet = true
				return
			}
			log.WithFields(log.Fields{"printer": name, "bed": bed}).Info("bed cooled, proceeding to ejection")
			m.beginEjection(p, &order, fleet.NowUnix())
		})
	}
}

// CompletionPass checks every EJECTING printer against the completion
// signals and resolves the ones that are done. observations carries this
// tick's driver readings by printer name; absent entries fall back to the
// cached Bambu state or are skipped.
func (m *Manager) CompletionPass(observations map[string]*fleet.Observation) {
	for _, p := range m.store.Printers() {
		if p.State != fleet.StateEjecting {
			continue
		}
		if done, why := m.ejectionDone(&p, observations[p.Name]); done {
			m.Complete(p.Name, why)
		}
	}
	m.sweepStuckLocks()
}

// ejectionDone evaluates the completion signals for one printer.
func (m *Manager) ejectionDone(p *fleet.Printer, obs *fleet.Observation) (bool, string) {
	if f, ok := m.FlowFor(p.Name); ok && f.Phase == PhaseCompleted {
		return true, "flow completed"
	}
	if obs != nil && (obs.State == fleet.StateIdle || obs.State == fleet.StateReady) {
		return true, "printer reports idle"
	}

	if p.Type == fleet.TypePrusa {
		if strings.Contains(p.File, "ejection_") && obs != nil && obs.File != p.File {
			return true, "ejection file no longer printing"
		}
		if obs != nil && obs.State == fleet.StateFinished {
			return true, "ejection job finished"
		}
		return false, ""
	}

	// Bambu signals.
	if m.bambu.EjectionComplete(p.Name) {
		return true, "M400 acknowledged"
	}
	if state, ok := m.bambu.State(p.Name); ok && (state == fleet.StateIdle || state == fleet.StateReady) {
		return true, "printer reports idle"
	}
	if p.EjectionStartTime > 0 && time.Since(time.Unix(p.EjectionStartTime, 0)) > safetyTimeout {
		return true, "safety timeout"
	}
	return false, ""
}

// Complete resolves a finished ejection: the printer returns to READY
// under a manual hold, the lock is released, and a distribution pass is
// requested.
func (m *Manager) Complete(name, why string) {
	var now = fleet.NowUnix()
	m.store.UpdatePrinter(name, func(p *fleet.Printer) {
		if p.State != fleet.StateEjecting {
			return
		}
		p.State = fleet.StateReady
		p.Status = fleet.StatusLabel(fleet.StateReady)
		p.ManuallySet = true
		p.ManualTimeout = now + int64(manualHoldAfterEjection/time.Second)
		p.EjectionInProgress = false
		p.EjectionStartTime = 0
		p.LastEjectionTime = now
		p.PendingEjection = nil
		p.FinishTime = 0
		if p.Type == fleet.TypeBambu {
			m.bambu.FinishEjection(name)
		}
	})
	m.setFlow(name, Flow{Phase: PhaseCompleted, Reason: why})
	m.release(name)
	log.WithFields(log.Fields{"printer": name, "reason": why}).Info("ejection complete")
	ejectionsCompleted.Inc()

	if m.RequestDistribution != nil {
		m.RequestDistribution()
	}
}

// sweepStuckLocks releases locks held for printers that are no longer
// EJECTING and have no active flow.
func (m *Manager) sweepStuckLocks() {
	m.mu.Lock()
	var heldNames []string
	for name, held := range m.held {
		if held {
			heldNames = append(heldNames, name)
		}
	}
	m.mu.Unlock()

	for _, name := range heldNames {
		var p, ok = m.store.Printer(name)
		if ok && p.State == fleet.StateEjecting {
			continue
		}
		if f, flowOK := m.FlowFor(name); flowOK && f.Phase == PhaseInProgress {
			continue
		}
		log.WithField("printer", name).Warn("releasing stuck ejection lock")
		m.release(name)
	}
}

// ResumeAll re-triggers ejection for every printer parked by a global
// pause. A no-op while the pause is still in effect.
func (m *Manager) ResumeAll() int {
	if m.store.EjectionPaused() {
		return 0
	}
	var resumed int
	for _, p := range m.store.Printers() {
		if p.State != fleet.StateFinished || p.Status != "Print Complete (Ejection Paused)" {
			continue
		}
		order, ok := m.orderFor(&p)
		if !ok || !order.EjectionEnabled {
			continue
		}
		if f, flowOK := m.FlowFor(p.Name); flowOK && (f.Phase == PhaseInProgress || f.Phase == PhaseCompleted) {
			continue
		}
		m.setFlow(p.Name, Flow{Phase: PhaseQueued, Trigger: "mass_ejection"})
		m.store.UpdatePrinter(p.Name, func(p *fleet.Printer) {
			p.Status = "Print Complete (Ejection Queued)"
			m.HandleFinished(p)
		})
		resumed++
	}
	if resumed > 0 && m.RequestDistribution != nil {
		m.RequestDistribution()
	}
	return resumed
}

// Watchdog independently polls Prusa printers stuck in EJECTING, in case
// the reconciler is blocked. Runs until ctx is done.
func (m *Manager) Watchdog(ctx context.Context) {
	var ticker = time.NewTicker(WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, p := range m.store.Printers() {
			if p.State != fleet.StateEjecting || p.Type != fleet.TypePrusa || m.observePrusa == nil {
				continue
			}
			var obs = m.observePrusa(ctx, p)
			if obs == nil {
				continue
			}
			if done, why := m.ejectionDone(&p, obs); done {
				m.Complete(p.Name, why)
			}
		}
	}
}
