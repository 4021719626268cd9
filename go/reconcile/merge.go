package reconcile

import (
	"strings"

	"github.com/printfarm/farmd/go/fleet"
)

// mergeResult reports what the reconciler must do beyond applying the
// returned printer record.
type mergeResult struct {
	// runFinishedHandler defers the printer to the ejection manager's
	// FINISHED decision tree.
	runFinishedHandler bool
	// scheduleDistribution asks for a distribution pass: the printer was
	// reset at the machine and is available again.
	scheduleDistribution bool
}

// merge computes one printer's next state from a driver observation. It
// is a pure function of the stored record and the observation; locally
// owned states (COOLING, EJECTING, the manual READY hold) dominate racy
// or stale observations.
func merge(p fleet.Printer, obs *fleet.Observation, autoReadyOnReset bool) (fleet.Printer, mergeResult) {
	// No observation: the printer is unreachable this tick.
	if obs == nil {
		p.State = fleet.StateOffline
		p.Status = fleet.StatusLabel(fleet.StateOffline)
		p.Progress = 0
		p.TimeRemaining = 0
		p.TempBed = 0
		p.TempNozzle = 0
		p.ZHeight = 0
		return p, mergeResult{}
	}

	// COOLING is decided by the cooling pass alone; observations only
	// refresh temperatures.
	if p.State == fleet.StateCooling {
		applyTemps(&p, obs)
		return p, mergeResult{}
	}

	// Manual READY hold. An active observation takes the printer back;
	// anything else is treated as stale.
	if p.ManuallySet && obs.State != fleet.StatePrinting && obs.State != fleet.StateEjecting {
		// Bambu alone reports PREPARE/PAUSED for a job the hold must yield
		// to; a Prusa PAUSED here is a stale reading.
		if p.Type == fleet.TypeBambu && obs.State == fleet.StatePrepare {
			p.ManuallySet = false
			return applyActive(p, obs), mergeResult{}
		}
		if p.Type == fleet.TypeBambu && obs.State == fleet.StatePaused {
			return applyActive(p, obs), mergeResult{}
		}
		if obs.State == fleet.StateFinished {
			return p, mergeResult{runFinishedHandler: true}
		}
		p.State = fleet.StateReady
		p.Status = fleet.StatusLabel(fleet.StateReady)
		applyTemps(&p, obs)
		return p, mergeResult{}
	}

	// Post-ejection READY: a stale FINISHED must not restart the cycle.
	if p.EjectionProcessed && p.State == fleet.StateReady {
		applyTemps(&p, obs)
		return p, mergeResult{}
	}

	// An ejection in flight owns the state until the completion detector
	// resolves it. A stashed sequence not yet uploaded holds through any
	// observation.
	if p.EjectionInProgress && p.State == fleet.StateEjecting && p.PendingEjection != nil {
		applyTemps(&p, obs)
		return p, mergeResult{}
	}
	if p.EjectionInProgress && p.State == fleet.StateEjecting {
		switch obs.State {
		case fleet.StateIdle, fleet.StateReady, fleet.StateFinished:
			applyTemps(&p, obs)
			return p, mergeResult{}
		}
	}
	// A Prusa ejection runs as a print job of an ejection_ file.
	if p.State == fleet.StateEjecting && strings.Contains(p.File, "ejection_") &&
		obs.State == fleet.StatePrinting {
		applyTemps(&p, obs)
		return p, mergeResult{}
	}

	switch obs.State {
	case fleet.StateFinished:
		// Sticky FINISHED for Bambu: only a user action or a completed
		// ejection moves the printer on; handled by the FINISHED tree.
		applyTemps(&p, obs)
		return p, mergeResult{runFinishedHandler: true}

	case fleet.StateIdle:
		// A Prusa printer stored FINISHED now reporting idle was reset
		// at the machine.
		if p.State == fleet.StateFinished && autoReadyOnReset {
			p = resetToReady(p, obs)
			p.ManuallySet = true
			return p, mergeResult{scheduleDistribution: true}
		}
		if p.State == fleet.StateFinished {
			applyTemps(&p, obs)
			return p, mergeResult{}
		}
		return resetToReady(p, obs), mergeResult{}

	case fleet.StateReady:
		// Bambu IDLE maps here. FINISHED stays sticky.
		if p.State == fleet.StateFinished {
			applyTemps(&p, obs)
			return p, mergeResult{}
		}
		return resetToReady(p, obs), mergeResult{}

	case fleet.StatePrinting, fleet.StatePaused, fleet.StatePrepare:
		return applyActive(p, obs), mergeResult{}

	case fleet.StateError:
		p.State = fleet.StateError
		p.Status = fleet.StatusLabel(fleet.StateError)
		p.ErrorMessage = obs.ErrorMessage
		applyTemps(&p, obs)
		return p, mergeResult{}

	default:
		p.State = obs.State
		p.Status = fleet.StatusLabel(obs.State)
		applyTemps(&p, obs)
		return p, mergeResult{}
	}
}

// applyActive propagates an in-flight job observation.
func applyActive(p fleet.Printer, obs *fleet.Observation) fleet.Printer {
	p.State = obs.State
	p.Status = fleet.StatusLabel(obs.State)
	p.Progress = obs.Progress
	p.TimeRemaining = obs.TimeRemaining
	if obs.File != "" {
		p.File = obs.File
	}
	if obs.JobID != "" {
		p.JobID = obs.JobID
	}
	p.FinishTime = 0
	p.EjectionProcessed = false
	p.ManuallySet = false
	p.ErrorMessage = ""
	applyTemps(&p, obs)
	return p
}

// resetToReady returns the printer to plain READY with the manual flag
// cleared.
func resetToReady(p fleet.Printer, obs *fleet.Observation) fleet.Printer {
	p.State = fleet.StateReady
	p.Status = fleet.StatusLabel(fleet.StateReady)
	p.ManuallySet = false
	p.Progress = 0
	p.TimeRemaining = 0
	p.File = ""
	p.JobID = ""
	p.OrderID = nil
	p.FinishTime = 0
	p.ErrorMessage = ""
	p.EjectionProcessed = false
	p.EjectionInProgress = false
	p.EjectionStartTime = 0
	p.PendingEjection = nil
	applyTemps(&p, obs)
	return p
}

func applyTemps(p *fleet.Printer, obs *fleet.Observation) {
	p.TempBed = obs.TempBed
	p.TempNozzle = obs.TempNozzle
	if obs.ZHeight != 0 {
		p.ZHeight = obs.ZHeight
	}
}

// failsafe repairs the manual-hold invariant: manually_set is only legal
// alongside READY, PRINTING, or EJECTING.
func failsafe(p *fleet.Printer) bool {
	if !p.ManuallySet {
		return false
	}
	switch p.State {
	case fleet.StateReady, fleet.StatePrinting, fleet.StateEjecting:
		return false
	}
	p.State = fleet.StateReady
	p.Status = fleet.StatusLabel(fleet.StateReady)
	return true
}
