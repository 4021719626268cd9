// Package dispatch matches pending order copies to ready printers and
// starts the prints. At most one distribution pass runs at a time; copies
// and filament are charged at job start.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/bambu"
	"github.com/printfarm/farmd/go/fleet"
	"github.com/printfarm/farmd/go/gcode"
)

const (
	maxConcurrentJobs = 5
	subBatchDelay     = time.Second
	verifyDelay       = 20 * time.Second

	// Interval paces the automatic distribution timer; explicit requests
	// run sooner.
	Interval = 30 * time.Second
)

// PrusaDriver is the start-print surface needed from the Prusa client.
// Targets are resolved by the Credentials function so decryption stays at
// the point of use.
type PrusaDriver interface {
	UploadAndStart(ctx context.Context, ip, apiKey, filename string, content []byte) error
	Delete(ctx context.Context, ip, apiKey, filename string) error
	VerifyPrinting(ctx context.Context, ip, apiKey string) (state fleet.State, file string, ok bool)
}

// BambuDriver is the start-print surface needed from the Bambu manager.
type BambuDriver interface {
	Upload(ctx context.Context, ip, accessCode, filename string, content io.Reader, size int64) error
	StartProject(name, filename string) error
}

// Broadcaster emits a status_update after a pass applies.
type Broadcaster interface {
	Publish()
}

// CredentialsFunc decrypts a printer's secret (API key or access code).
type CredentialsFunc func(p fleet.Printer) (string, bool)

// Distributor runs distribution passes.
type Distributor struct {
	store       *fleet.Store
	prusa       PrusaDriver
	bambu       BambuDriver
	broadcast   Broadcaster
	credentials CredentialsFunc

	// permit is the single-pass gate: a pass that cannot take it no-ops.
	permit  chan struct{}
	trigger chan struct{}
}

// New builds a Distributor.
func New(store *fleet.Store, prusaDriver PrusaDriver, bambuDriver BambuDriver, broadcast Broadcaster, credentials CredentialsFunc) *Distributor {
	var d = &Distributor{
		store:       store,
		prusa:       prusaDriver,
		bambu:       bambuDriver,
		broadcast:   broadcast,
		credentials: credentials,
		permit:      make(chan struct{}, 1),
		trigger:     make(chan struct{}, 1),
	}
	d.permit <- struct{}{}
	return d
}

// Request asks for a distribution pass soon. Never blocks; requests
// coalesce.
func (d *Distributor) Request() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run serves requests and the periodic timer until ctx is done.
func (d *Distributor) Run(ctx context.Context) {
	var ticker = time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.trigger:
		}
		d.RunPass(ctx)
	}
}

type job struct {
	printer fleet.Printer
	order   fleet.Order
}

// RunPass executes one distribution pass. Returns the number of jobs
// started; a pass already in flight returns zero immediately.
func (d *Distributor) RunPass(ctx context.Context) int {
	select {
	case <-d.permit:
	default:
		return 0
	}
	defer func() { d.permit <- struct{}{} }()

	var jobs = d.plan()
	if len(jobs) == 0 {
		return 0
	}
	var passID = uuid.NewString()[:8]
	log.WithFields(log.Fields{"pass": passID, "jobs": len(jobs)}).Info("starting distribution pass")

	var started []job
batches:
	for from := 0; from < len(jobs); from += maxConcurrentJobs {
		if from > 0 {
			select {
			case <-time.After(subBatchDelay):
			case <-ctx.Done():
				break batches
			}
		}
		var to = from + maxConcurrentJobs
		if to > len(jobs) {
			to = len(jobs)
		}
		for _, j := range jobs[from:to] {
			if err := d.startPrint(ctx, j); err != nil {
				log.WithFields(log.Fields{
					"pass":    passID,
					"printer": j.printer.Name,
					"order":   j.order.ID,
					"error":   err,
				}).Warn("job start failed")
				continue
			}
			// Copies and filament are charged at start, not completion:
			// a crash after send must not re-emit the same copy.
			d.store.AddFilament(orderFilament(j.order))
			d.store.IncrementOrderSent(j.order.ID)
			started = append(started, j)
			jobsStarted.Inc()
		}
	}
	if len(started) == 0 {
		return 0
	}

	d.apply(started)
	if d.broadcast != nil {
		d.broadcast.Publish()
	}
	log.WithFields(log.Fields{"pass": passID, "started": len(started)}).Info("distribution pass complete")
	return len(started)
}

// plan snapshots active orders and ready printers and allocates copies.
// Each printer takes at most one job per pass.
func (d *Distributor) plan() []job {
	var orders []fleet.Order
	for _, o := range d.store.Orders() {
		if o.Active() {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })

	var ready []fleet.Printer
	for _, p := range d.store.Printers() {
		if (p.State == fleet.StateReady || p.State == fleet.StateIdle) && !p.ServiceMode {
			ready = append(ready, p)
		}
	}

	var assigned = map[string]bool{}
	var jobs []job
	for _, o := range orders {
		var eligible []fleet.Printer
		for _, p := range ready {
			if !assigned[p.Name] && groupEligible(p.Group, o.Groups) {
				eligible = append(eligible, p)
			}
		}
		sortByNumericName(eligible)

		var need = o.Quantity - o.Sent
		if need > len(eligible) {
			need = len(eligible)
		}
		for i := 0; i < need; i++ {
			assigned[eligible[i].Name] = true
			jobs = append(jobs, job{printer: eligible[i], order: o})
		}
	}
	return jobs
}

func groupEligible(group string, groups []string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

var nameNumberRe = regexp.MustCompile(`\d+`)

// sortByNumericName orders printers by the numeric substring of their
// name, so "Printer 10" sorts after "Printer 2". Names without a number
// sort last, alphabetically.
func sortByNumericName(printers []fleet.Printer) {
	var key = func(name string) int {
		if m := nameNumberRe.FindString(name); m != "" {
			if n, err := strconv.Atoi(m); err == nil {
				return n
			}
		}
		return 1 << 30
	}
	sort.SliceStable(printers, func(i, j int) bool {
		var a, b = key(printers[i].Name), key(printers[j].Name)
		if a != b {
			return a < b
		}
		return printers[i].Name < printers[j].Name
	})
}

// startPrint runs the vendor-specific start contract.
func (d *Distributor) startPrint(ctx context.Context, j job) error {
	var secret, ok = d.credentials(j.printer)
	if !ok {
		return fmt.Errorf("credentials unavailable for %s", j.printer.Name)
	}

	if j.printer.Type == fleet.TypeBambu {
		var filename = bambu.NormalizeFilename(j.order.Filename)
		f, err := os.Open(j.order.Filepath)
		if err != nil {
			return fmt.Errorf("opening %s: %w", j.order.Filepath, err)
		}
		defer f.Close()
		var size int64 = -1
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		if err = d.bambu.Upload(ctx, j.printer.IP, secret, filename, f, size); err != nil {
			return err
		}
		return d.bambu.StartProject(j.printer.Name, filename)
	}

	content, err := os.ReadFile(j.order.Filepath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", j.order.Filepath, err)
	}
	// Pre-delete to defeat 409 conflicts from a previous copy.
	d.prusa.Delete(ctx, j.printer.IP, secret, j.order.Filename)
	if err = d.prusa.UploadAndStart(ctx, j.printer.IP, secret, j.order.Filename, content); err != nil {
		return err
	}
	go d.verifyLater(ctx, j.printer, secret, j.order.Filename)
	return nil
}

// verifyLater confirms a Prusa job actually started: wait, poll, and
// accept a printing state whose file matches the upload (allowing the
// printer's 8.3-shortened rendering of long names).
func (d *Distributor) verifyLater(ctx context.Context, p fleet.Printer, apiKey, filename string) {
	select {
	case <-time.After(verifyDelay):
	case <-ctx.Done():
		return
	}
	var state, file, ok = d.prusa.VerifyPrinting(ctx, p.IP, apiKey)
	if !ok {
		log.WithField("printer", p.Name).Warn("job verification poll failed")
		return
	}
	if state != fleet.StatePrinting {
		log.WithFields(log.Fields{"printer": p.Name, "state": state}).Warn("job did not reach printing state")
		return
	}
	if file != "" && file != filename && !matchesShortened(filename, file) {
		log.WithFields(log.Fields{"printer": p.Name, "expect": filename, "got": file}).
			Warn("printer is busy with a different file")
	}
}

// apply writes every started job's printer fields in one pass.
func (d *Distributor) apply(started []job) {
	var byName = make(map[string]job, len(started))
	for _, j := range started {
		byName[j.printer.Name] = j
	}
	d.store.UpdatePrinters(func(printers []fleet.Printer) []fleet.Printer {
		for i := range printers {
			var j, ok = byName[printers[i].Name]
			if !ok {
				continue
			}
			var orderID = j.order.ID
			printers[i].State = fleet.StatePrinting
			printers[i].Status = fleet.StatusLabel(fleet.StatePrinting)
			printers[i].Progress = 0
			printers[i].TimeRemaining = 0
			printers[i].File = sentFilename(j)
			printers[i].OrderID = &orderID
			printers[i].FromQueue = true
			printers[i].CountIncrementedForCurrentJob = true
			printers[i].ManuallySet = false
			printers[i].ManualTimeout = 0
			printers[i].FinishTime = 0
			printers[i].EjectionProcessed = false
			printers[i].EjectionInProgress = false
			printers[i].PendingEjection = nil
		}
		return printers
	})
}

// orderFilament resolves the grams to charge for one copy. Orders created
// without a declared mass fall back to the sliced file's header, then to a
// mass encoded in the filename.
func orderFilament(o fleet.Order) float64 {
	if o.FilamentG > 0 {
		return o.FilamentG
	}
	if g := gcode.ExtractFromFile(o.Filepath); g > 0 {
		return g
	}
	return gcode.ExtractFromName(o.Filename)
}

func sentFilename(j job) string {
	if j.printer.Type == fleet.TypeBambu {
		return bambu.NormalizeFilename(j.order.Filename)
	}
	return j.order.Filename
}
