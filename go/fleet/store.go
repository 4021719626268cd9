package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Document filenames within the store's data directory.
const (
	printersDoc      = "printers.json"
	ordersDoc        = "orders.json"
	filamentDoc      = "total_filament.json"
	ejectionCodesDoc = "ejection_codes.json"
)

type filamentRecord struct {
	TotalFilamentUsedG float64 `json:"total_filament_used_g"`
}

// Store is the authoritative in-memory fleet state plus its durable form
// on disk. Printers are guarded by a read/write lock so the reconciler's
// many readers never observe a half-applied tick; orders, the filament
// counter, and ejection codes each have their own mutex. Every persisted
// mutation snapshots under the lock, releases it, and then writes the
// document via temp-file-then-rename.
type Store struct {
	dir string

	printersMu sync.RWMutex
	printers   []Printer

	ordersMu sync.Mutex
	orders   []Order

	filamentMu sync.Mutex
	filamentG  float64

	codesMu sync.Mutex
	codes   []EjectionCode

	ejectionPaused atomic.Bool
}

// NewStore loads all documents from dir, creating it if needed. Duplicate
// printer names and order ids are dropped (first occurrence wins) and the
// cleaned documents are re-saved.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	var s = &Store{dir: dir}

	if err := loadDocument(filepath.Join(dir, printersDoc), &s.printers); err != nil {
		return nil, err
	}
	if err := loadDocument(filepath.Join(dir, ordersDoc), &s.orders); err != nil {
		return nil, err
	}
	if err := loadDocument(filepath.Join(dir, ejectionCodesDoc), &s.codes); err != nil {
		return nil, err
	}
	var fil filamentRecord
	if err := loadDocument(filepath.Join(dir, filamentDoc), &fil); err != nil {
		return nil, err
	}
	s.filamentG = fil.TotalFilamentUsedG

	for i := range s.printers {
		s.printers[i].Group = SanitizeGroupName(s.printers[i].Group)
	}
	if removed := s.dedupLocked(); removed > 0 {
		log.WithField("removed", removed).Warn("removed duplicate records on load")
		s.persistPrinters(s.printers)
		s.persistOrders(s.orders)
	}
	return s, nil
}

func loadDocument(path string, into interface{}) error {
	var data, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err = json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

// saveDocument writes a document atomically. A failed write is logged and
// the previous on-disk document stays intact.
func (s *Store) saveDocument(name string, doc interface{}) {
	var data, err = json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.WithFields(log.Fields{"document": name, "error": err}).Error("failed to encode document")
		return
	}
	var path = filepath.Join(s.dir, name)
	var tmp = path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		log.WithFields(log.Fields{"document": name, "error": err}).Error("failed to write document")
		return
	}
	if err = os.Rename(tmp, path); err != nil {
		log.WithFields(log.Fields{"document": name, "error": err}).Error("failed to replace document")
	}
}

func (s *Store) persistPrinters(snapshot []Printer) { s.saveDocument(printersDoc, snapshot) }
func (s *Store) persistOrders(snapshot []Order)     { s.saveDocument(ordersDoc, snapshot) }

// Printers returns a deep-copied snapshot of all printers.
func (s *Store) Printers() []Printer {
	s.printersMu.RLock()
	defer s.printersMu.RUnlock()
	var out = make([]Printer, 0, len(s.printers))
	for i := range s.printers {
		out = append(out, s.printers[i].Clone())
	}
	return out
}

// Printer returns a deep copy of the named printer.
func (s *Store) Printer(name string) (Printer, bool) {
	s.printersMu.RLock()
	defer s.printersMu.RUnlock()
	for i := range s.printers {
		if s.printers[i].Name == name {
			return s.printers[i].Clone(), true
		}
	}
	return Printer{}, false
}

// UpdatePrinters applies fn to the live printer list under the write lock,
// then persists the document. fn runs with exclusive access and must not
// block on I/O.
func (s *Store) UpdatePrinters(fn func(printers []Printer) []Printer) {
	s.printersMu.Lock()
	s.printers = fn(s.printers)
	var snapshot = make([]Printer, 0, len(s.printers))
	for i := range s.printers {
		snapshot = append(snapshot, s.printers[i].Clone())
	}
	s.printersMu.Unlock()

	s.persistPrinters(snapshot)
}

// UpdatePrinter applies fn to the named printer under the write lock and
// persists. Returns false if the printer does not exist.
func (s *Store) UpdatePrinter(name string, fn func(p *Printer)) bool {
	var found bool
	s.UpdatePrinters(func(printers []Printer) []Printer {
		for i := range printers {
			if printers[i].Name == name {
				fn(&printers[i])
				found = true
				break
			}
		}
		return printers
	})
	return found
}

// AddPrinter appends a new printer. The name must be unique.
func (s *Store) AddPrinter(p Printer) error {
	p.Group = SanitizeGroupName(p.Group)
	if p.State == "" {
		p.State = StateOffline
		p.Status = StatusLabel(StateOffline)
	}
	var err error
	s.UpdatePrinters(func(printers []Printer) []Printer {
		for i := range printers {
			if printers[i].Name == p.Name {
				err = fmt.Errorf("printer %q already exists", p.Name)
				return printers
			}
		}
		return append(printers, p)
	})
	return err
}

// DeletePrinter removes the named printer.
func (s *Store) DeletePrinter(name string) bool {
	var found bool
	s.UpdatePrinters(func(printers []Printer) []Printer {
		var out = printers[:0]
		for i := range printers {
			if printers[i].Name == name {
				found = true
				continue
			}
			out = append(out, printers[i])
		}
		return out
	})
	return found
}

// Orders returns a deep-copied snapshot of all orders, tombstones included.
func (s *Store) Orders() []Order {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	var out = make([]Order, 0, len(s.orders))
	for i := range s.orders {
		out = append(out, s.orders[i].Clone())
	}
	return out
}

// Order returns a deep copy of the order with the given id.
func (s *Store) Order(id int) (Order, bool) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	for i := range s.orders {
		if s.orders[i].ID == id {
			return s.orders[i].Clone(), true
		}
	}
	return Order{}, false
}

// AddOrder assigns the next id (max existing + 1), normalizes groups, and
// persists. Returns the stored order.
func (s *Store) AddOrder(o Order) Order {
	s.ordersMu.Lock()
	var next = 1
	for i := range s.orders {
		if s.orders[i].ID >= next {
			next = s.orders[i].ID + 1
		}
	}
	o.ID = next
	for i, g := range o.Groups {
		o.Groups[i] = SanitizeGroupName(g)
	}
	if o.Status == "" {
		o.Status = OrderPending
	}
	s.orders = append(s.orders, o)
	var snapshot = s.ordersSnapshotLocked()
	s.ordersMu.Unlock()

	s.persistOrders(snapshot)
	return o
}

// UpdateOrder applies fn to the order with the given id under the orders
// mutex and persists. Sent is clamped so reconciliation input can never
// decrease it.
func (s *Store) UpdateOrder(id int, fn func(o *Order)) bool {
	s.ordersMu.Lock()
	var found bool
	for i := range s.orders {
		if s.orders[i].ID != id {
			continue
		}
		var prevSent = s.orders[i].Sent
		fn(&s.orders[i])
		if s.orders[i].Sent < prevSent {
			s.orders[i].Sent = prevSent
		}
		refreshOrderStatus(&s.orders[i])
		found = true
		break
	}
	var snapshot = s.ordersSnapshotLocked()
	s.ordersMu.Unlock()

	if found {
		s.persistOrders(snapshot)
	}
	return found
}

// IncrementOrderSent bumps the order's sent count by one and refreshes its
// status. Used by the distributor at job start.
func (s *Store) IncrementOrderSent(id int) bool {
	return s.UpdateOrder(id, func(o *Order) { o.Sent++ })
}

// DeleteOrder soft-deletes the order. Tombstones are never resurrected.
func (s *Store) DeleteOrder(id int) bool {
	return s.UpdateOrder(id, func(o *Order) { o.Deleted = true })
}

func refreshOrderStatus(o *Order) {
	switch {
	case o.Quantity > 0 && o.Sent >= o.Quantity:
		if o.Status != OrderCompleted {
			o.Status = OrderCompleted
			o.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		}
	case o.Sent > 0:
		o.Status = OrderPartial
	default:
		o.Status = OrderPending
	}
}

func (s *Store) ordersSnapshotLocked() []Order {
	var out = make([]Order, 0, len(s.orders))
	for i := range s.orders {
		out = append(out, s.orders[i].Clone())
	}
	return out
}

// ReconcileOrderCounts re-derives each order's sent count from current
// printer assignments. Counts may only increase; a printer actively
// printing an order implies at least one emitted copy beyond what an
// interrupted pass may have recorded.
func (s *Store) ReconcileOrderCounts() {
	var assigned = map[int]int{}
	for _, p := range s.Printers() {
		if p.OrderID != nil && p.CountIncrementedForCurrentJob {
			assigned[*p.OrderID]++
		}
	}

	s.ordersMu.Lock()
	var changed bool
	for i := range s.orders {
		if n := assigned[s.orders[i].ID]; n > s.orders[i].Sent {
			log.WithFields(log.Fields{
				"order": s.orders[i].ID,
				"from":  s.orders[i].Sent,
				"to":    n,
			}).Warn("raising order sent count from printer assignments")
			s.orders[i].Sent = n
			refreshOrderStatus(&s.orders[i])
			changed = true
		}
	}
	var snapshot = s.ordersSnapshotLocked()
	s.ordersMu.Unlock()

	if changed {
		s.persistOrders(snapshot)
	}
}

// TotalFilamentG returns the lifetime filament counter, in grams.
func (s *Store) TotalFilamentG() float64 {
	s.filamentMu.Lock()
	defer s.filamentMu.Unlock()
	return s.filamentG
}

// AddFilament increments the filament counter and persists it. Negative
// deltas are ignored; the counter never decreases.
func (s *Store) AddFilament(grams float64) {
	if grams <= 0 {
		return
	}
	s.filamentMu.Lock()
	s.filamentG += grams
	var snapshot = filamentRecord{TotalFilamentUsedG: s.filamentG}
	s.filamentMu.Unlock()

	s.saveDocument(filamentDoc, snapshot)
	filamentUsedGrams.Add(grams)
}

// EjectionPaused reports the global ejection gate.
func (s *Store) EjectionPaused() bool { return s.ejectionPaused.Load() }

// SetEjectionPaused flips the global ejection gate.
func (s *Store) SetEjectionPaused(v bool) { s.ejectionPaused.Store(v) }

// EjectionCodes returns a snapshot of all presets.
func (s *Store) EjectionCodes() []EjectionCode {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	return append([]EjectionCode(nil), s.codes...)
}

// EjectionCode returns the preset with the given id.
func (s *Store) EjectionCode(id string) (EjectionCode, bool) {
	s.codesMu.Lock()
	defer s.codesMu.Unlock()
	for _, c := range s.codes {
		if c.ID == id {
			return c, true
		}
	}
	return EjectionCode{}, false
}

// AddEjectionCode creates a preset. Names are unique case-insensitively.
func (s *Store) AddEjectionCode(name, gcode string) (EjectionCode, error) {
	s.codesMu.Lock()
	for _, c := range s.codes {
		if strings.EqualFold(c.Name, name) {
			s.codesMu.Unlock()
			return EjectionCode{}, fmt.Errorf("ejection code %q already exists", name)
		}
	}
	var code = EjectionCode{
		ID:        uuid.NewString(),
		Name:      name,
		Gcode:     gcode,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	s.codes = append(s.codes, code)
	var snapshot = append([]EjectionCode(nil), s.codes...)
	s.codesMu.Unlock()

	s.saveDocument(ejectionCodesDoc, snapshot)
	return code, nil
}

// UpdateEjectionCode renames a preset or replaces its G-code.
func (s *Store) UpdateEjectionCode(id, name, gcode string) error {
	s.codesMu.Lock()
	var idx = -1
	for i, c := range s.codes {
		if c.ID == id {
			idx = i
		} else if name != "" && strings.EqualFold(c.Name, name) {
			s.codesMu.Unlock()
			return fmt.Errorf("ejection code %q already exists", name)
		}
	}
	if idx == -1 {
		s.codesMu.Unlock()
		return fmt.Errorf("no ejection code with id %s", id)
	}
	if name != "" {
		s.codes[idx].Name = name
	}
	if gcode != "" {
		s.codes[idx].Gcode = gcode
	}
	s.codes[idx].UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	var snapshot = append([]EjectionCode(nil), s.codes...)
	s.codesMu.Unlock()

	s.saveDocument(ejectionCodesDoc, snapshot)
	return nil
}

// DeleteEjectionCode removes a preset.
func (s *Store) DeleteEjectionCode(id string) bool {
	s.codesMu.Lock()
	var out = s.codes[:0]
	var found bool
	for _, c := range s.codes {
		if c.ID == id {
			found = true
			continue
		}
		out = append(out, c)
	}
	s.codes = out
	var snapshot = append([]EjectionCode(nil), s.codes...)
	s.codesMu.Unlock()

	if found {
		s.saveDocument(ejectionCodesDoc, snapshot)
	}
	return found
}

// Dedup re-asserts printer-name and order-id uniqueness, persisting any
// documents it cleans. It runs once on load and periodically thereafter.
func (s *Store) Dedup() {
	s.printersMu.Lock()
	s.ordersMu.Lock()
	var removed = s.dedupLocked()
	var printers = make([]Printer, 0, len(s.printers))
	for i := range s.printers {
		printers = append(printers, s.printers[i].Clone())
	}
	var orders = s.ordersSnapshotLocked()
	s.ordersMu.Unlock()
	s.printersMu.Unlock()

	if removed > 0 {
		log.WithField("removed", removed).Warn("periodic dedup removed duplicate records")
		s.persistPrinters(printers)
		s.persistOrders(orders)
	}
}

// dedupLocked requires both printersMu and ordersMu (or single-threaded
// load). First occurrence wins.
func (s *Store) dedupLocked() int {
	var removed int

	var seenNames = map[string]bool{}
	var printers = s.printers[:0]
	for i := range s.printers {
		if seenNames[s.printers[i].Name] {
			removed++
			continue
		}
		seenNames[s.printers[i].Name] = true
		printers = append(printers, s.printers[i])
	}
	s.printers = printers

	var seenIDs = map[int]bool{}
	var orders = s.orders[:0]
	for i := range s.orders {
		if seenIDs[s.orders[i].ID] {
			removed++
			continue
		}
		seenIDs[s.orders[i].ID] = true
		orders = append(orders, s.orders[i])
	}
	s.orders = orders

	sort.SliceStable(s.orders, func(i, j int) bool { return s.orders[i].ID < s.orders[j].ID })
	return removed
}
