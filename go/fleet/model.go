// Package fleet holds the in-memory model of the print farm: printers,
// orders, ejection-code presets, and the filament counter, together with
// the Store that owns their locking and persistence.
package fleet

import (
	"regexp"
	"strings"
	"time"
)

// State is a printer's canonical lifecycle state. States are either
// observed from a vendor interface (PRINTING, PAUSED, FINISHED, ...) or
// owned locally by the controller (EJECTING, COOLING, manually held READY)
// and protected from stale observations by the reconciler's merge rules.
type State string

const (
	StateOffline  State = "OFFLINE"
	StateReady    State = "READY"
	StateIdle     State = "IDLE"
	StatePrinting State = "PRINTING"
	StatePaused   State = "PAUSED"
	StateFinished State = "FINISHED"
	StateEjecting State = "EJECTING"
	StateCooling  State = "COOLING"
	StatePrepare  State = "PREPARE"
	StateError    State = "ERROR"
)

// Printer vendor families. Prusa-class printers are polled over local HTTP;
// Bambu-class printers push reports over a persistent MQTT session and
// receive files over FTPS.
const (
	TypePrusa = "prusa"
	TypeBambu = "bambu"
)

// PendingEjection is an ejection G-code staged on a Prusa-class printer.
// The ejection manager stashes it and the next reconcile tick uploads it
// as a print job.
type PendingEjection struct {
	GcodeContent  string `json:"gcode_content"`
	GcodeFileName string `json:"gcode_file_name"`
	Timestamp     int64  `json:"timestamp"`
}

// Printer is one fleet member. Identity and credentials persist across
// restarts; runtime fields are re-derived by the reconciler but are written
// through to disk with the rest of the document for observability.
type Printer struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Group       string `json:"group"`
	Type        string `json:"type"`
	ServiceMode bool   `json:"service_mode"`

	// Encrypted credentials. APIKey for Prusa, AccessCode plus
	// SerialNumber for Bambu.
	APIKey       string `json:"api_key,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	AccessCode   string `json:"access_code,omitempty"`

	State         State   `json:"state"`
	Status        string  `json:"status"`
	Progress      float64 `json:"progress"`
	TimeRemaining int     `json:"time_remaining"`
	ZHeight       float64 `json:"z_height"`
	TempNozzle    float64 `json:"temp_nozzle"`
	TempBed       float64 `json:"temp_bed"`
	File          string  `json:"file,omitempty"`
	OrderID       *int    `json:"order_id,omitempty"`
	JobID         string  `json:"job_id,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`

	ManuallySet   bool  `json:"manually_set"`
	ManualTimeout int64 `json:"manual_timeout,omitempty"`

	EjectionProcessed  bool             `json:"ejection_processed"`
	EjectionInProgress bool             `json:"ejection_in_progress"`
	EjectionStartTime  int64            `json:"ejection_start_time,omitempty"`
	FinishTime         int64            `json:"finish_time,omitempty"`
	LastEjectionTime   int64            `json:"last_ejection_time,omitempty"`
	PendingEjection    *PendingEjection `json:"pending_ejection,omitempty"`

	CooldownTargetTemp *int `json:"cooldown_target_temp,omitempty"`
	CooldownOrderID    *int `json:"cooldown_order_id,omitempty"`

	FromQueue                     bool `json:"from_queue"`
	CountIncrementedForCurrentJob bool `json:"count_incremented_for_current_job"`
}

// Clone returns a deep copy. Snapshots handed outside the store's locks
// must not alias pointer fields of the live record.
func (p *Printer) Clone() Printer {
	var out = *p
	if p.OrderID != nil {
		var id = *p.OrderID
		out.OrderID = &id
	}
	if p.CooldownTargetTemp != nil {
		var t = *p.CooldownTargetTemp
		out.CooldownTargetTemp = &t
	}
	if p.CooldownOrderID != nil {
		var id = *p.CooldownOrderID
		out.CooldownOrderID = &id
	}
	if p.PendingEjection != nil {
		var pe = *p.PendingEjection
		out.PendingEjection = &pe
	}
	return out
}

// StatusLabel derives the human status line shown for a state.
func StatusLabel(s State) string {
	switch s {
	case StateOffline:
		return "Offline"
	case StateReady, StateIdle:
		return "Ready"
	case StatePrinting:
		return "Printing"
	case StatePaused:
		return "Paused"
	case StateFinished:
		return "Print Complete"
	case StateEjecting:
		return "Ejecting"
	case StateCooling:
		return "Cooling"
	case StatePrepare:
		return "Preparing"
	case StateError:
		return "Error"
	default:
		return string(s)
	}
}

// Order is a request for Quantity copies of a sliced file, optionally
// restricted to printer groups and with an optional post-print ejection
// sequence.
type Order struct {
	ID        int      `json:"id"`
	Filename  string   `json:"filename"`
	Filepath  string   `json:"filepath,omitempty"`
	Name      string   `json:"name,omitempty"`
	FilamentG float64  `json:"filament_g"`
	Quantity  int      `json:"quantity"`
	Sent      int      `json:"sent"`
	Status    string   `json:"status"`
	Groups    []string `json:"groups"`

	EjectionEnabled  bool   `json:"ejection_enabled"`
	EndGcode         string `json:"end_gcode,omitempty"`
	EjectionCodeID   string `json:"ejection_code_id,omitempty"`
	EjectionCodeName string `json:"ejection_code_name,omitempty"`

	// Bambu only. Bed temperature the printer must cool to before
	// ejection runs. Values outside [0,100] are treated as unset.
	CooldownTemp *int `json:"cooldown_temp,omitempty"`

	Deleted     bool   `json:"deleted"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Order status values. An order is terminal once Sent reaches Quantity.
const (
	OrderPending   = "pending"
	OrderPartial   = "partial"
	OrderCompleted = "completed"
)

// Clone returns a deep copy of the order.
func (o *Order) Clone() Order {
	var out = *o
	out.Groups = append([]string(nil), o.Groups...)
	if o.CooldownTemp != nil {
		var t = *o.CooldownTemp
		out.CooldownTemp = &t
	}
	return out
}

// Active reports whether the distributor should still consider this order.
func (o *Order) Active() bool {
	return !o.Deleted && o.Sent < o.Quantity && o.Status != OrderCompleted
}

// EffectiveCooldown returns the validated cool-down target, or false when
// unset or out of range.
func (o *Order) EffectiveCooldown() (int, bool) {
	if o.CooldownTemp == nil {
		return 0, false
	}
	if t := *o.CooldownTemp; t >= 0 && t <= 100 {
		return t, true
	}
	return 0, false
}

// EjectionCode is a named, reusable ejection G-code preset.
type EjectionCode struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Gcode     string `json:"gcode"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

var groupNameStrip = regexp.MustCompile(`[^\w\s\-.]`)

// SanitizeGroupName trims and strips disallowed characters from a group
// label. Empty labels collapse to "Default".
func SanitizeGroupName(s string) string {
	s = strings.TrimSpace(groupNameStrip.ReplaceAllString(s, ""))
	if s == "" {
		return "Default"
	}
	return s
}

var allowedExtensions = []string{".gcode.3mf", ".bgcode", ".gcode", ".3mf"}

// ValidGcodeFile reports whether name carries a printable file extension.
func ValidGcodeFile(name string) bool {
	var lower = strings.ToLower(name)
	for _, ext := range allowedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// NowUnix is the clock used for printer timestamps. Tests may substitute it.
var NowUnix = func() int64 { return time.Now().Unix() }
