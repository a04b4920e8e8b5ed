package workers

import (
	"log"
	"time"

	"github.com/tufibra/evidencia/services"
)

// RefreshWorker keeps the roster and routing snapshots warm. The loop ticks
// faster than the cache TTLs; each tick only refreshes snapshots that are
// actually stale.
type RefreshWorker struct {
	Roster   *services.RosterService
	Routing  *services.RoutingService
	Interval time.Duration
}

func NewRefreshWorker(roster *services.RosterService, routing *services.RoutingService, interval time.Duration) *RefreshWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RefreshWorker{Roster: roster, Routing: routing, Interval: interval}
}

// Start runs the refresh loop until the process exits.
func (w *RefreshWorker) Start() {
	log.Printf("Cache refresh worker started, checking every %s", w.Interval)

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for range ticker.C {
		w.refresh()
	}
}

func (w *RefreshWorker) refresh() {
	if w.Roster != nil && w.Roster.CacheAge() >= w.Roster.TTL {
		if err := w.Roster.Refresh(); err != nil {
			log.Printf("Roster refresh failed, keeping previous snapshot: %v", err)
		}
	}
	if w.Routing != nil && w.Routing.CacheAge() >= w.Routing.CacheTTL {
		if err := w.Routing.RefreshCache(); err != nil {
			log.Printf("Routing refresh failed, keeping previous snapshot: %v", err)
		}
	}
}
