package dispatch

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/printfarm/farmd/go/fleet"
)

// MarkGroupReady flips every settled printer in the group back to READY
// under a manual hold, then asks for a distribution pass. Printers that
// are mid-job, mid-ejection, or in service mode are left alone. Returns
// the number of printers changed.
func (d *Distributor) MarkGroupReady(group string) int {
	group = fleet.SanitizeGroupName(group)
	var changed int
	d.store.UpdatePrinters(func(printers []fleet.Printer) []fleet.Printer {
		for i := range printers {
			var p = &printers[i]
			if p.Group != group || p.ServiceMode {
				continue
			}
			switch p.State {
			case fleet.StatePrinting, fleet.StatePaused, fleet.StatePrepare, fleet.StateEjecting, fleet.StateCooling:
				continue
			case fleet.StateReady:
				continue
			}
			p.State = fleet.StateReady
			p.Status = fleet.StatusLabel(fleet.StateReady)
			p.ManuallySet = true
			p.ManualTimeout = 0
			p.FinishTime = 0
			p.EjectionProcessed = false
			p.EjectionInProgress = false
			p.PendingEjection = nil
			p.OrderID = nil
			p.FromQueue = false
			p.CountIncrementedForCurrentJob = false
			changed++
		}
		return printers
	})
	log.WithFields(log.Fields{"group": group, "changed": changed}).Info("group marked ready")
	if changed > 0 {
		d.Request()
	}
	return changed
}

// SendToPrinter starts one copy of the order on the named printer,
// regardless of the order's group targeting. The printer still has to be
// idle; copies and filament are charged exactly as a pass would.
func (d *Distributor) SendToPrinter(ctx context.Context, name string, orderID int) error {
	var order, ok = d.store.Order(orderID)
	if !ok || order.Deleted {
		return fmt.Errorf("unknown order %d", orderID)
	}
	p, ok := d.store.Printer(name)
	if !ok {
		return fmt.Errorf("unknown printer %q", name)
	}
	if p.ServiceMode {
		return fmt.Errorf("printer %q is in service mode", name)
	}
	if p.State != fleet.StateReady && p.State != fleet.StateIdle {
		return fmt.Errorf("printer %q is %s, not ready", name, p.State)
	}

	var j = job{printer: p, order: order}
	if err := d.startPrint(ctx, j); err != nil {
		return err
	}
	d.store.AddFilament(orderFilament(order))
	d.store.IncrementOrderSent(order.ID)
	d.apply([]job{j})
	jobsStarted.Inc()
	log.WithFields(log.Fields{"printer": name, "order": orderID}).Info("manual send complete")

	if d.broadcast != nil {
		d.broadcast.Publish()
	}
	return nil
}
