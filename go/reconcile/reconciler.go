// Package reconcile turns driver observations into canonical fleet state.
// A single loop polls the fleet in round-robin batches, merges what it
// sees under the merge rules, runs the ejection passes, and broadcasts
// the result.
package reconcile

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/eject"
	"github.com/printfarm/farmd/go/fleet"
)

const (
	// Interval paces the reconcile loop.
	Interval  = 10 * time.Second
	batchSize = 5
)

// Observer produces one observation per printer, nil when unreachable.
// The Prusa and Bambu drivers are adapted to this shape by the caller so
// credential decryption stays outside this package.
type Observer func(ctx context.Context, p fleet.Printer) *fleet.Observation

// Broadcaster emits a status_update after each tick.
type Broadcaster interface {
	Publish()
}

// PendingUploader pushes a stashed Prusa ejection file to the printer.
type PendingUploader func(ctx context.Context, p fleet.Printer, pe fleet.PendingEjection) error

// Reconciler drives the status loop.
type Reconciler struct {
	store   *fleet.Store
	observe Observer
	eject   *eject.Manager

	broadcast     Broadcaster
	uploadPending PendingUploader

	// AutoReadyOnReset controls whether a FINISHED Prusa printer found
	// idle at the machine returns to READY automatically.
	AutoReadyOnReset bool

	cursor int
}

// New builds a Reconciler.
func New(store *fleet.Store, observe Observer, ejectMgr *eject.Manager, broadcast Broadcaster, uploadPending PendingUploader) *Reconciler {
	return &Reconciler{
		store:            store,
		observe:          observe,
		eject:            ejectMgr,
		broadcast:        broadcast,
		uploadPending:    uploadPending,
		AutoReadyOnReset: true,
	}
}

// Run ticks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	var ticker = time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick processes one batch of printers end to end.
func (r *Reconciler) Tick(ctx context.Context) {
	var batch = r.nextBatch()
	if len(batch) == 0 {
		return
	}

	// Fan out to the drivers concurrently; the batch is an immutable
	// snapshot for the rest of the tick.
	var observations = make(map[string]*fleet.Observation, len(batch))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range batch {
		wg.Add(1)
		go func(p fleet.Printer) {
			defer wg.Done()
			var obs = r.observe(ctx, p)
			mu.Lock()
			observations[p.Name] = obs
			mu.Unlock()
			pollsTotal.Inc()
		}(p)
	}
	wg.Wait()

	// Apply every merge in one pass under the write lock, running the
	// FINISHED tree inline and repairing the manual-hold invariant.
	var scheduleDistribution bool
	var inBatch = make(map[string]bool, len(batch))
	for _, p := range batch {
		inBatch[p.Name] = true
	}
	r.store.UpdatePrinters(func(printers []fleet.Printer) []fleet.Printer {
		var online int
		for i := range printers {
			if !inBatch[printers[i].Name] {
				continue
			}
			var merged, result = merge(printers[i], observations[printers[i].Name], r.AutoReadyOnReset)
			if result.runFinishedHandler {
				merged.ManuallySet = false
				r.eject.HandleFinished(&merged)
			}
			if result.scheduleDistribution {
				scheduleDistribution = true
			}
			if failsafe(&merged) {
				log.WithFields(log.Fields{
					"printer": merged.Name,
					"state":   merged.State,
				}).Warn("manual hold held an illegal state, snapped to READY")
			}
			printers[i] = merged
		}
		for i := range printers {
			if printers[i].State != fleet.StateOffline {
				online++
			}
		}
		printersOnline.Set(float64(online))
		return printers
	})

	// Post-merge passes: cool-down transitions and ejection completion.
	r.eject.CoolingPass()
	r.eject.CompletionPass(observations)

	// Stashed Prusa ejections picked up this tick are uploaded after the
	// lock is gone.
	r.dispatchPendingEjections(ctx)

	if scheduleDistribution && r.eject.RequestDistribution != nil {
		r.eject.RequestDistribution()
	}
	if r.broadcast != nil {
		r.broadcast.Publish()
	}
}

// nextBatch picks up to batchSize non-service-mode printers round-robin.
func (r *Reconciler) nextBatch() []fleet.Printer {
	var eligible []fleet.Printer
	for _, p := range r.store.Printers() {
		if !p.ServiceMode {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	if r.cursor >= len(eligible) {
		r.cursor = 0
	}
	var batch = make([]fleet.Printer, 0, batchSize)
	for i := 0; i < batchSize && i < len(eligible); i++ {
		batch = append(batch, eligible[(r.cursor+i)%len(eligible)])
	}
	r.cursor = (r.cursor + len(batch)) % len(eligible)
	return batch
}

// dispatchPendingEjections uploads stashed Prusa ejection files, marking
// the printer's file so the completion detector can track the job.
func (r *Reconciler) dispatchPendingEjections(ctx context.Context) {
	if r.uploadPending == nil {
		return
	}
	for _, p := range r.store.Printers() {
		if p.State != fleet.StateEjecting || p.PendingEjection == nil || p.Type != fleet.TypePrusa {
			continue
		}
		var pe = *p.PendingEjection
		var err = r.uploadPending(ctx, p, pe)
		if err != nil {
			log.WithFields(log.Fields{"printer": p.Name, "error": err}).Warn("pending ejection upload failed")
			continue
		}
		r.store.UpdatePrinter(p.Name, func(p *fleet.Printer) {
			p.PendingEjection = nil
			p.File = pe.GcodeFileName
		})
	}
}
