package bambu

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/printfarm/farmd/go/fleet"
)

// benignFailureCode is reported with gcode_state FAILED when there is no
// active job; it does not indicate a printer fault.
const benignFailureCode = 0x03000000

// ejectingSafetyTimeout bounds how long a session stays EJECTING without
// a terminal report before the sequence is assumed done.
const ejectingSafetyTimeout = 15 * time.Second

// Snapshot is the per-printer cached state assembled from report messages.
type Snapshot struct {
	State            fleet.State
	GcodeState       string
	Progress         float64
	TimeRemaining    int
	File             string
	TempNozzle       float64
	TempBed          float64
	ErrorMessage     string
	EjectionComplete bool
	LastReport       time.Time
}

// report mirrors the wire shape of a device report message. Fields are
// pointers where absence must be distinguished from zero: reports are
// incremental and only carry what changed.
type report struct {
	Print *struct {
		Command    string `json:"command,omitempty"`
		Param      string `json:"param,omitempty"`
		Result     string `json:"result,omitempty"`
		GcodeState string `json:"gcode_state,omitempty"`
		GcodeFile  string `json:"gcode_file,omitempty"`

		McPercent       *float64 `json:"mc_percent,omitempty"`
		McRemainingTime *float64 `json:"mc_remaining_time,omitempty"`
		McLeftTime      *float64 `json:"mc_left_time,omitempty"`
		RemainingTime   *float64 `json:"remaining_time,omitempty"`

		NozzleTemper *float64 `json:"nozzle_temper,omitempty"`
		BedTemper    *float64 `json:"bed_temper,omitempty"`

		PrintError int64 `json:"print_error,omitempty"`
		HMS        []struct {
			Attr int64 `json:"attr"`
			Code int64 `json:"code"`
		} `json:"hms,omitempty"`
	} `json:"print,omitempty"`
}

// mapGcodeState converts the printer's job-state word into the canonical
// state. FAILED with the benign "no active job" code reads as READY.
func mapGcodeState(state string, printError int64) (fleet.State, bool) {
	switch state {
	case "IDLE":
		return fleet.StateReady, true
	case "PREPARE", "SLICING":
		return fleet.StatePrepare, true
	case "RUNNING":
		return fleet.StatePrinting, true
	case "PAUSE":
		return fleet.StatePaused, true
	case "FINISH":
		return fleet.StateFinished, true
	case "FAILED":
		if printError == benignFailureCode {
			return fleet.StateReady, true
		}
		return fleet.StateError, true
	default:
		return "", false
	}
}

// applyReport merges one report message into the snapshot. waitingForM400
// and ejecting describe the session's ejection flow at the moment the
// message arrived.
func applyReport(snap *Snapshot, raw []byte, waitingForM400 bool, ejectingSince time.Time) error {
	var msg report
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decoding report: %w", err)
	}
	snap.LastReport = time.Now()
	if msg.Print == nil {
		return nil
	}
	var p = msg.Print

	if p.GcodeState != "" {
		snap.GcodeState = p.GcodeState
		if state, ok := mapGcodeState(p.GcodeState, p.PrintError); ok {
			snap.State = state
		}
	}
	if p.McPercent != nil {
		snap.Progress = *p.McPercent
	}
	// Remaining time arrives under several names, all in minutes.
	for _, minutes := range []*float64{p.McRemainingTime, p.McLeftTime, p.RemainingTime} {
		if minutes != nil {
			snap.TimeRemaining = int(*minutes * 60)
			break
		}
	}
	if p.GcodeFile != "" {
		snap.File = p.GcodeFile
	}
	if p.NozzleTemper != nil {
		snap.TempNozzle = *p.NozzleTemper
	}
	if p.BedTemper != nil {
		snap.TempBed = *p.BedTemper
	}

	if len(p.HMS) > 0 {
		var codes = make([]string, 0, len(p.HMS))
		for _, a := range p.HMS {
			codes = append(codes, fmt.Sprintf("HMS_%04X_%04X_%04X_%04X",
				(a.Attr>>16)&0xFFFF, a.Attr&0xFFFF, (a.Code>>16)&0xFFFF, a.Code&0xFFFF))
		}
		snap.State = fleet.StateError
		snap.ErrorMessage = "printer alert: " + strings.Join(codes, ", ")
	} else if p.GcodeState != "" && snap.State != fleet.StateError {
		snap.ErrorMessage = ""
	}

	// The ack of the trailing M400 marks the ejection sequence done.
	if waitingForM400 && p.Command == "gcode_line" && strings.Contains(strings.ToUpper(p.Param), "M400") {
		snap.EjectionComplete = true
	}
	// Safety valve: a stuck ejection with no terminal report resolves
	// after the timeout.
	if waitingForM400 && !ejectingSince.IsZero() && time.Since(ejectingSince) > ejectingSafetyTimeout {
		snap.EjectionComplete = true
	}
	return nil
}
