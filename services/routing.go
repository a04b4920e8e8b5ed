package services

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tufibra/evidencia/db"
)

// Pairing errors: each maps to a distinct user-facing reply.
var (
	ErrPairingUnknown  = errors.New("pairing code not found")
	ErrPairingUsed     = errors.New("pairing code already used")
	ErrPairingExpired  = errors.New("pairing code expired")
	ErrPairingPurpose  = errors.New("pairing code issued for a different purpose")
	ErrRoutingNotFound = errors.New("no routing entry for chat")
)

// pairingCodeAlphabet omits characters confusable in chat fonts (0/O, 1/I/L).
const pairingCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
const pairingCodeLen = 6

// routingCache is an immutable snapshot swapped atomically on refresh.
type routingCache struct {
	entries         map[int64]db.RoutingEntry
	lastRefreshedAt time.Time
}

type RoutingService struct {
	PG         *sql.DB
	PairingTTL time.Duration
	CacheTTL   time.Duration

	mu       sync.RWMutex
	cache    *routingCache
	fallback map[int64]db.RoutingEntry
}

func NewRoutingService(pg *sql.DB, pairingTTL, cacheTTL time.Duration) *RoutingService {
	if pairingTTL <= 0 {
		pairingTTL = 10 * time.Minute
	}
	if cacheTTL <= 0 {
		cacheTTL = 3 * time.Minute
	}
	return &RoutingService{
		PG:         pg,
		PairingTTL: pairingTTL,
		CacheTTL:   cacheTTL,
		fallback:   map[int64]db.RoutingEntry{},
	}
}

// LoadStaticFallback parses the ROUTING_JSON env payload:
// {"<origin_chat_id>": {"evidencias": <chat>, "resumen": <chat>}}.
// The fallback answers resolution only when both database and cache fail.
func (s *RoutingService) LoadStaticFallback(raw string) error {
	if raw == "" {
		return nil
	}
	var parsed map[string]struct {
		Evidencias int64 `json:"evidencias"`
		Resumen    int64 `json:"resumen"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fmt.Errorf("failed to parse static routing: %v", err)
	}

	fallback := make(map[int64]db.RoutingEntry, len(parsed))
	for key, dest := range parsed {
		origin, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid origin chat id %q in static routing", key)
		}
		fallback[origin] = db.RoutingEntry{
			OriginChatID:   origin,
			EvidenceChatID: dest.Evidencias,
			SummaryChatID:  dest.Resumen,
			IsActive:       true,
		}
	}

	s.mu.Lock()
	s.fallback = fallback
	s.mu.Unlock()
	log.Printf("Loaded %d static routing entries", len(fallback))
	return nil
}

// RefreshCache reloads all active routing entries into a fresh snapshot.
func (s *RoutingService) RefreshCache() error {
	rows, err := s.PG.Query(`
		SELECT origin_chat_id, evidence_chat_id, summary_chat_id, alias, is_active, updated_by, updated_at
		FROM routing_entries
		WHERE is_active = true
	`)
	if err != nil {
		return fmt.Errorf("failed to load routing entries: %v", err)
	}
	defer rows.Close()

	entries := make(map[int64]db.RoutingEntry)
	for rows.Next() {
		e, err := scanRoutingEntry(rows)
		if err != nil {
			continue
		}
		entries[e.OriginChatID] = *e
	}

	s.mu.Lock()
	s.cache = &routingCache{entries: entries, lastRefreshedAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// CacheAge reports how stale the current snapshot is; refresh loops skip work
// while the snapshot is younger than the TTL.
func (s *RoutingService) CacheAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache == nil {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(s.cache.lastRefreshedAt)
}

// ResolveDestinations returns the evidence and summary chats for an origin
// chat. Resolution order: cached snapshot, live database row, static
// fallback. A zero destination means "no copy of that kind".
func (s *RoutingService) ResolveDestinations(originChatID int64) (evidenceChatID, summaryChatID int64, err error) {
	s.mu.RLock()
	if s.cache != nil {
		if cached, ok := s.cache.entries[originChatID]; ok {
			s.mu.RUnlock()
			return cached.EvidenceChatID, cached.SummaryChatID, nil
		}
	}
	s.mu.RUnlock()

	if s.PG != nil {
		e, dbErr := s.getEntry(originChatID)
		if dbErr == nil && e.IsActive {
			return e.EvidenceChatID, e.SummaryChatID, nil
		}
		if dbErr != nil && dbErr != sql.ErrNoRows {
			log.Printf("Routing lookup failed for chat %d, using fallback: %v", originChatID, dbErr)
		}
	}

	s.mu.RLock()
	fb, ok := s.fallback[originChatID]
	s.mu.RUnlock()
	if ok {
		return fb.EvidenceChatID, fb.SummaryChatID, nil
	}
	return 0, 0, ErrRoutingNotFound
}

// GetEntry returns the stored routing entry for an origin chat.
func (s *RoutingService) GetEntry(originChatID int64) (*db.RoutingEntry, error) {
	e, err := s.getEntry(originChatID)
	if err == sql.ErrNoRows {
		return nil, ErrRoutingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get routing entry for chat %d: %v", originChatID, err)
	}
	return e, nil
}

func (s *RoutingService) getEntry(originChatID int64) (*db.RoutingEntry, error) {
	return scanRoutingEntry(s.PG.QueryRow(`
		SELECT origin_chat_id, evidence_chat_id, summary_chat_id, alias, is_active, updated_by, updated_at
		FROM routing_entries
		WHERE origin_chat_id = $1
	`, originChatID))
}

// ListEntries returns every routing entry for the ops surface.
func (s *RoutingService) ListEntries() ([]db.RoutingEntry, error) {
	rows, err := s.PG.Query(`
		SELECT origin_chat_id, evidence_chat_id, summary_chat_id, alias, is_active, updated_by, updated_at
		FROM routing_entries
		ORDER BY origin_chat_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing entries: %v", err)
	}
	defer rows.Close()

	var entries []db.RoutingEntry
	for rows.Next() {
		e, err := scanRoutingEntry(rows)
		if err != nil {
			continue
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// SetDestination binds one destination chat (by purpose) to an origin chat,
// creating the routing entry on first use.
func (s *RoutingService) SetDestination(originChatID, destChatID, updatedBy int64, purpose db.PairingPurpose) (*db.RoutingEntry, error) {
	col := "evidence_chat_id"
	if purpose == db.PairingSummary {
		col = "summary_chat_id"
	}
	query := fmt.Sprintf(`
		INSERT INTO routing_entries (origin_chat_id, %s, is_active, updated_by, updated_at)
		VALUES ($1, $2, true, $3, $4)
		ON CONFLICT (origin_chat_id)
		DO UPDATE SET %s = $2, is_active = true, updated_by = $3, updated_at = $4
	`, col, col)
	if _, err := s.PG.Exec(query, originChatID, destChatID, updatedBy, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to set %s routing for chat %d: %v", purpose, originChatID, err)
	}
	return s.GetEntry(originChatID)
}

// CreatePairing issues a single-use code that, redeemed from another chat,
// binds that chat as a destination of originChatID.
func (s *RoutingService) CreatePairing(originChatID, createdBy int64, purpose db.PairingPurpose) (*db.PairingToken, error) {
	code, err := generatePairingCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pairing code: %v", err)
	}

	now := time.Now()
	token := &db.PairingToken{
		ID:           uuid.New().String(),
		Code:         code,
		OriginChatID: originChatID,
		Purpose:      purpose,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.PairingTTL),
	}
	_, err = s.PG.Exec(`
		INSERT INTO pairing_tokens (id, code, origin_chat_id, purpose, created_by, created_at, expires_at, used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
	`, token.ID, token.Code, token.OriginChatID, token.Purpose, token.CreatedBy, token.CreatedAt, token.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store pairing token: %v", err)
	}
	return token, nil
}

// ConsumePairing validates and burns a code, then binds the redeeming chat as
// the destination. Validation order is fixed: existence, used, expiry, purpose.
func (s *RoutingService) ConsumePairing(code string, purpose db.PairingPurpose, usedChatID, usedBy int64) (*db.RoutingEntry, error) {
	tx, err := s.PG.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	var token db.PairingToken
	err = tx.QueryRow(`
		SELECT id, origin_chat_id, purpose, expires_at, used
		FROM pairing_tokens
		WHERE code = $1
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, code).Scan(&token.ID, &token.OriginChatID, &token.Purpose, &token.ExpiresAt, &token.Used)
	if err == sql.ErrNoRows {
		return nil, ErrPairingUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pairing token: %v", err)
	}

	if err := ValidatePairing(&token, purpose, time.Now()); err != nil {
		return nil, err
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE pairing_tokens SET used = true, used_by = $1, used_chat_id = $2, used_at = $3
		WHERE id = $4
	`, usedBy, usedChatID, now, token.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to burn pairing token: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pairing: %v", err)
	}

	return s.SetDestination(token.OriginChatID, usedChatID, usedBy, token.Purpose)
}

// ValidatePairing applies the redemption rules to an already-loaded token.
func ValidatePairing(token *db.PairingToken, purpose db.PairingPurpose, at time.Time) error {
	if token.Used {
		return ErrPairingUsed
	}
	if at.After(token.ExpiresAt) {
		return ErrPairingExpired
	}
	if token.Purpose != purpose {
		return ErrPairingPurpose
	}
	return nil
}

func generatePairingCode() (string, error) {
	buf := make([]byte, pairingCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = pairingCodeAlphabet[int(b)%len(pairingCodeAlphabet)]
	}
	return string(buf), nil
}

func scanRoutingEntry(row rowScanner) (*db.RoutingEntry, error) {
	var e db.RoutingEntry
	var evidence, summary, updatedBy sql.NullInt64
	var alias sql.NullString
	var updatedAt sql.NullTime

	err := row.Scan(&e.OriginChatID, &evidence, &summary, &alias, &e.IsActive, &updatedBy, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.EvidenceChatID = evidence.Int64
	e.SummaryChatID = summary.Int64
	e.Alias = alias.String
	e.UpdatedBy = updatedBy.Int64
	if updatedAt.Valid {
		e.UpdatedAt = &updatedAt.Time
	}
	return &e, nil
}
