package fleet

// Observation is one driver reading of a printer, already mapped into
// canonical states. The reconciler merges observations into the fleet
// model; a nil *Observation means the driver could not reach the printer.
type Observation struct {
	State         State
	Progress      float64
	TimeRemaining int
	File          string
	JobID         string
	TempNozzle    float64
	TempBed       float64
	ZHeight       float64
	ErrorMessage  string

	// EjectionComplete is set by the Bambu driver when the printer acked
	// the trailing M400 of an ejection sequence.
	EjectionComplete bool
}
