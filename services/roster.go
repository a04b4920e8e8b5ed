package services

import (
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tufibra/evidencia/db"
	"github.com/tufibra/evidencia/sheets"
)

// rosterCache is an immutable snapshot swapped atomically on refresh.
type rosterCache struct {
	names           []string
	lastRefreshedAt time.Time
}

// RosterService serves the selectable technician list. The list lives in the
// TECNICOS sheet; a read failure or an empty sheet falls back to the built-in
// roster so intake never blocks on the spreadsheet.
type RosterService struct {
	Store sheets.Store
	TTL   time.Duration

	mu    sync.RWMutex
	cache *rosterCache
}

func NewRosterService(store sheets.Store, ttl time.Duration) *RosterService {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &RosterService{Store: store, TTL: ttl}
}

// Technicians returns the active roster, refreshing the snapshot when stale.
func (s *RosterService) Technicians() []string {
	s.mu.RLock()
	cache := s.cache
	s.mu.RUnlock()

	if cache != nil && time.Since(cache.lastRefreshedAt) < s.TTL {
		return cache.names
	}

	names, err := s.loadFromSheet()
	if err != nil || len(names) == 0 {
		if err != nil {
			log.Printf("Roster refresh failed, using fallback: %v", err)
		}
		if cache != nil {
			return cache.names
		}
		return db.DefaultTechnicians
	}

	s.mu.Lock()
	s.cache = &rosterCache{names: names, lastRefreshedAt: time.Now()}
	s.mu.Unlock()
	return names
}

// Refresh forces a snapshot rebuild; the periodic worker calls this.
func (s *RosterService) Refresh() error {
	names, err := s.loadFromSheet()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names = db.DefaultTechnicians
	}
	s.mu.Lock()
	s.cache = &rosterCache{names: names, lastRefreshedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// CacheAge reports snapshot staleness for the refresh loop.
func (s *RosterService) CacheAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache == nil {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(s.cache.lastRefreshedAt)
}

func (s *RosterService) loadFromSheet() ([]string, error) {
	if s.Store == nil {
		return nil, nil
	}
	records, err := s.Store.ReadRecords(sheets.SheetTecnicos)
	if err != nil {
		return nil, err
	}

	entries := ParseRoster(records)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// ParseRoster converts TECNICOS records to ordered active entries. Rows with a
// blank name are skipped; "activo" defaults to yes; order defaults to the
// row's position.
func ParseRoster(records []map[string]string) []db.TechnicianRosterEntry {
	var entries []db.TechnicianRosterEntry
	for i, rec := range records {
		name := strings.TrimSpace(rec["nombre"])
		if name == "" {
			continue
		}
		entry := db.TechnicianRosterEntry{
			Name:         name,
			Alias:        strings.TrimSpace(rec["alias"]),
			DisplayOrder: i + 1,
			IsActive:     true,
		}
		if raw := strings.TrimSpace(rec["orden"]); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				entry.DisplayOrder = n
			}
		}
		if raw := strings.ToUpper(strings.TrimSpace(rec["activo"])); raw != "" {
			entry.IsActive = raw != "NO" && raw != "FALSE" && raw != "0"
		}
		if entry.IsActive {
			entries = append(entries, entry)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DisplayOrder < entries[j].DisplayOrder
	})
	return entries
}
