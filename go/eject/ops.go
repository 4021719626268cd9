package eject

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/fleet"
)

// EmergencyFix force-clears a printer stuck mid-ejection or mid-cooldown:
// flags, pending uploads, the flow entry, and the lock all reset, and the
// printer returns to READY under a manual hold.
func (m *Manager) EmergencyFix(name string) error {
	var _, ok = m.store.Printer(name)
	if !ok {
		return fmt.Errorf("unknown printer %q", name)
	}

	m.store.UpdatePrinter(name, func(p *fleet.Printer) {
		p.State = fleet.StateReady
		p.Status = fleet.StatusLabel(fleet.StateReady)
		p.ManuallySet = true
		p.ManualTimeout = 0
		p.EjectionInProgress = false
		p.EjectionProcessed = false
		p.EjectionStartTime = 0
		p.PendingEjection = nil
		p.CooldownTargetTemp = nil
		p.CooldownOrderID = nil
		p.FinishTime = 0
	})
	m.clearFlow(name)
	m.release(name)
	log.WithField("printer", name).Warn("emergency fix applied")
	return nil
}

// EmergencyFixAll applies the emergency fix to every printer stuck in
// FINISHED, EJECTING, or COOLING. Returns the number of printers reset.
func (m *Manager) EmergencyFixAll() int {
	var fixed int
	for _, p := range m.store.Printers() {
		switch p.State {
		case fleet.StateFinished, fleet.StateEjecting, fleet.StateCooling:
			if m.EmergencyFix(p.Name) == nil {
				fixed++
			}
		}
	}
	if fixed > 0 && m.RequestDistribution != nil {
		m.RequestDistribution()
	}
	return fixed
}

// TestEjectionCode runs a stored ejection preset on an idle printer so the
// sequence can be validated before an order depends on it. The run goes
// through the normal ejection plumbing, so completion detection and the
// post-ejection hold apply.
func (m *Manager) TestEjectionCode(name, codeID string) error {
	var code, ok = m.store.EjectionCode(codeID)
	if !ok {
		return fmt.Errorf("unknown ejection code %q", codeID)
	}
	if strings.TrimSpace(code.Gcode) == "" {
		return fmt.Errorf("ejection code %q has no G-code", code.Name)
	}
	p, ok := m.store.Printer(name)
	if !ok {
		return fmt.Errorf("unknown printer %q", name)
	}
	if p.ServiceMode {
		return fmt.Errorf("printer %q is in service mode", name)
	}
	if p.State != fleet.StateReady && p.State != fleet.StateIdle && p.State != fleet.StateFinished {
		return fmt.Errorf("printer %q is %s, not idle", name, p.State)
	}
	if !m.tryAcquire(name) {
		return fmt.Errorf("printer %q already has an ejection in flight", name)
	}

	var now = fleet.NowUnix()
	m.setFlow(name, Flow{Phase: PhaseInProgress, Trigger: "code_test"})
	m.store.UpdatePrinter(name, func(p *fleet.Printer) {
		p.State = fleet.StateEjecting
		p.Status = fleet.StatusLabel(fleet.StateEjecting)
		p.EjectionInProgress = true
		p.EjectionProcessed = true
		p.EjectionStartTime = now
		if p.Type != fleet.TypeBambu {
			p.PendingEjection = &fleet.PendingEjection{
				GcodeContent:  code.Gcode,
				GcodeFileName: fmt.Sprintf("ejection_test_%d.gcode", now),
				Timestamp:     now,
			}
		}
	})

	if p.Type == fleet.TypeBambu {
		go func() {
			if err := m.bambu.SendEjection(name, code.Gcode, true); err != nil {
				log.WithFields(log.Fields{"printer": name, "error": err}).Warn("test ejection send failed")
				m.setFlow(name, Flow{Phase: PhaseFailed, Reason: err.Error()})
				m.release(name)
				m.store.UpdatePrinter(name, func(p *fleet.Printer) {
					p.State = fleet.StateReady
					p.Status = fleet.StatusLabel(fleet.StateReady)
					p.EjectionInProgress = false
					p.EjectionProcessed = false
				})
			} else {
				m.setFlow(name, Flow{Phase: PhaseRunning, Trigger: "code_test"})
			}
		}()
	}
	log.WithFields(log.Fields{"printer": name, "code": code.Name}).Info("running ejection code test")
	return nil
}
