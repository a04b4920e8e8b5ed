package workers

import (
	"encoding/json"
	"log"
	"time"

	"github.com/tufibra/evidencia/db"
	"github.com/tufibra/evidencia/services"
	"github.com/tufibra/evidencia/sheets"
)

// OutboxWorker drains the spreadsheet outbox. Delivery is per entry: one bad
// row never blocks the rest of the batch.
type OutboxWorker struct {
	Outbox    *services.OutboxService
	Store     sheets.Store
	Interval  time.Duration
	BatchSize int
}

func NewOutboxWorker(outbox *services.OutboxService, store sheets.Store, interval time.Duration) *OutboxWorker {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &OutboxWorker{
		Outbox:    outbox,
		Store:     store,
		Interval:  interval,
		BatchSize: 50,
	}
}

// Start runs the drain loop until the process exits.
func (w *OutboxWorker) Start() {
	log.Printf("Outbox worker started, draining every %s", w.Interval)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for range ticker.C {
		w.Drain()
	}
}

// Drain delivers one batch of due entries. Exported so tests and the ops
// retry endpoint can force a pass.
func (w *OutboxWorker) Drain() {
	entries, err := w.Outbox.Due(w.BatchSize)
	if err != nil {
		log.Printf("Outbox: failed to load due entries: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	sent, failed := 0, 0
	for i := range entries {
		if w.deliver(&entries[i]) {
			sent++
		} else {
			failed++
		}
	}
	log.Printf("Outbox: drained %d entries (%d sent, %d failed)", len(entries), sent, failed)
}

func (w *OutboxWorker) deliver(entry *db.OutboxEntry) bool {
	var row map[string]string
	if err := json.Unmarshal([]byte(entry.RowJSON), &row); err != nil {
		// Undeliverable payload, no retry will fix it.
		log.Printf("Outbox: entry %d has malformed payload: %v", entry.ID, err)
		w.Outbox.MarkFailed(entry, err, true)
		return false
	}

	if err := w.Store.UpsertByKey(entry.SheetName, entry.DedupeKey, row); err != nil {
		permanent := w.Store.IsPermanent(err)
		log.Printf("Outbox: entry %d (%s/%s) failed (permanent=%v): %v",
			entry.ID, entry.SheetName, entry.DedupeKey, permanent, err)
		if markErr := w.Outbox.MarkFailed(entry, err, permanent); markErr != nil {
			log.Printf("Outbox: failed to record failure of entry %d: %v", entry.ID, markErr)
		}
		return false
	}

	if err := w.Outbox.MarkSent(entry.ID); err != nil {
		log.Printf("Outbox: failed to mark entry %d sent: %v", entry.ID, err)
	}
	return true
}
