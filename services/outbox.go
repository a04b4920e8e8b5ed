package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tufibra/evidencia/db"
)

// backoffMinutes is the retry schedule; past its end the last delay repeats
// until the attempt cap kills the entry.
var backoffMinutes = []int{1, 2, 4, 8, 15, 30, 60, 120}

// Backoff returns the delay before retry number `attempts`.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	idx := attempts - 1
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[idx]) * time.Minute
}

type OutboxService struct {
	PG          *sql.DB
	MaxAttempts int
}

func NewOutboxService(pg *sql.DB, maxAttempts int) *OutboxService {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &OutboxService{PG: pg, MaxAttempts: maxAttempts}
}

// Enqueue records one spreadsheet write. A not-yet-delivered entry for the
// same (sheet, dedupe key) is coalesced: its payload is replaced and it is
// rescheduled for immediate delivery, so at most one live entry exists per
// target row.
func (s *OutboxService) Enqueue(sheetName, dedupeKey string, row map[string]string) error {
	rowJSON, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox row: %v", err)
	}

	tx, err := s.PG.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE sheet_outbox
		SET row_json = $1, status = $2, next_retry_at = $3, updated_at = $3
		WHERE sheet_name = $4 AND dedupe_key = $5 AND status IN ($6, $7)
	`, rowJSON, db.OutboxPending, now, sheetName, dedupeKey, db.OutboxPending, db.OutboxFailed)
	if err != nil {
		return fmt.Errorf("failed to coalesce outbox entry: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.Exec(`
			INSERT INTO sheet_outbox (sheet_name, op_type, dedupe_key, row_json, status, attempts, next_retry_at, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		`, sheetName, db.OutboxOpUpsert, dedupeKey, rowJSON, db.OutboxPending, now)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %v", err)
		}
	}
	return tx.Commit()
}

// Due returns entries ready for delivery, oldest first.
func (s *OutboxService) Due(limit int) ([]db.OutboxEntry, error) {
	rows, err := s.PG.Query(`
		SELECT id, sheet_name, op_type, dedupe_key, row_json, status, attempts, last_error, next_retry_at, created_at, updated_at
		FROM sheet_outbox
		WHERE status IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY created_at
		LIMIT $4
	`, db.OutboxPending, db.OutboxFailed, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load due outbox entries: %v", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// List returns recent entries filtered by status ("" = all) for the ops surface.
func (s *OutboxService) List(status string, limit int) ([]db.OutboxEntry, error) {
	query := `
		SELECT id, sheet_name, op_type, dedupe_key, row_json, status, attempts, last_error, next_retry_at, created_at, updated_at
		FROM sheet_outbox
	`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.PG.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %v", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// MarkSent finalizes a delivered entry.
func (s *OutboxService) MarkSent(id int64) error {
	_, err := s.PG.Exec(`
		UPDATE sheet_outbox SET status = $1, last_error = '', updated_at = $2 WHERE id = $3
	`, db.OutboxSent, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d sent: %v", id, err)
	}
	return nil
}

// MarkFailed records a delivery failure. Transient failures are rescheduled
// per the backoff schedule; a permanent failure, or hitting the attempt cap,
// parks the entry as DEAD for manual intervention.
func (s *OutboxService) MarkFailed(entry *db.OutboxEntry, cause error, permanent bool) error {
	attempts := entry.Attempts + 1
	now := time.Now()

	if permanent || attempts >= s.MaxAttempts {
		_, err := s.PG.Exec(`
			UPDATE sheet_outbox SET status = $1, attempts = $2, last_error = $3, updated_at = $4
			WHERE id = $5
		`, db.OutboxDead, attempts, cause.Error(), now, entry.ID)
		if err != nil {
			return fmt.Errorf("failed to mark outbox entry %d dead: %v", entry.ID, err)
		}
		return nil
	}

	retryAt := now.Add(Backoff(attempts))
	_, err := s.PG.Exec(`
		UPDATE sheet_outbox SET status = $1, attempts = $2, last_error = $3, next_retry_at = $4, updated_at = $5
		WHERE id = $6
	`, db.OutboxFailed, attempts, cause.Error(), retryAt, now, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d failed: %v", entry.ID, err)
	}
	return nil
}

// Retry revives a DEAD entry: attempts reset, immediately due.
func (s *OutboxService) Retry(id int64) error {
	res, err := s.PG.Exec(`
		UPDATE sheet_outbox SET status = $1, attempts = 0, next_retry_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`, db.OutboxPending, time.Now(), id, db.OutboxDead)
	if err != nil {
		return fmt.Errorf("failed to retry outbox entry %d: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %d is not dead", id)
	}
	return nil
}

func scanOutboxRows(rows *sql.Rows) ([]db.OutboxEntry, error) {
	var entries []db.OutboxEntry
	for rows.Next() {
		var e db.OutboxEntry
		var lastError sql.NullString
		var nextRetryAt, updatedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.SheetName, &e.OpType, &e.DedupeKey, &e.RowJSON,
			&e.Status, &e.Attempts, &lastError, &nextRetryAt, &e.CreatedAt, &updatedAt); err != nil {
			continue
		}
		e.LastError = lastError.String
		if nextRetryAt.Valid {
			e.NextRetryAt = &nextRetryAt.Time
		}
		if updatedAt.Valid {
			e.UpdatedAt = &updatedAt.Time
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Row builders. Dates are rendered in the operations timezone convention:
// fecha dd/mm/yyyy, hora HH:MM:SS.

func fechaHora(t time.Time) (string, string) {
	return t.Format("02/01/2006"), t.Format("15:04:05")
}

// CasoDedupeKey returns the CASOS dedupe key for a case.
func CasoDedupeKey(caseID int64) string {
	return strconv.FormatInt(caseID, 10)
}

// DetalleDedupeKey returns the DETALLE_PASOS dedupe key. AUTH rows carry an
// "A" suffix on the step number so they never collide with the real step.
func DetalleDedupeKey(caseID int64, key db.StepKey, attempt int) string {
	return fmt.Sprintf("%d|%s|%d", caseID, stepNoLabel(key), attempt)
}

// EvidenciaDedupeKey returns the EVIDENCIAS dedupe key.
func EvidenciaDedupeKey(caseID int64, key db.StepKey, attempt int, messageID int64) string {
	return fmt.Sprintf("%d|%s|%d|%d", caseID, stepNoLabel(key), attempt, messageID)
}

func stepNoLabel(key db.StepKey) string {
	if key.Kind == db.StepKindAuthorization {
		return fmt.Sprintf("%dA", key.StepNo)
	}
	return strconv.Itoa(key.StepNo)
}

// BuildCasoRow renders the CASOS sheet row for a case.
func BuildCasoRow(c *db.Case, sum *CaseStepSummary, approvalRequired bool, botVersion string) map[string]string {
	fecha, hora := fechaHora(c.CreatedAt)
	row := map[string]string{
		"case_id":             CasoDedupeKey(c.ID),
		"estado":              c.Status,
		"chat_id_origen":      strconv.FormatInt(c.ChatID, 10),
		"fecha_inicio":        fecha,
		"hora_inicio":         hora,
		"tecnico_nombre":      c.TechnicianName,
		"tecnico_user_id":     strconv.FormatInt(c.UserID, 10),
		"tipo_servicio":       c.ServiceType,
		"codigo_abonado":      c.AbonadoCode,
		"modo_instalacion":    c.InstallMode,
		"requiere_aprobacion": boolSiNo(approvalRequired),
		"registrado_en":       time.Now().Format("02/01/2006 15:04:05"),
		"version_bot":         botVersion,
	}
	if c.FinishedAt != nil {
		fc, hc := fechaHora(*c.FinishedAt)
		row["fecha_cierre"] = fc
		row["hora_cierre"] = hc
		row["duracion_min"] = strconv.Itoa(int(c.FinishedAt.Sub(c.CreatedAt).Minutes()))
	}
	if c.LocationLat != nil && c.LocationLon != nil {
		row["latitud"] = fmt.Sprintf("%.6f", *c.LocationLat)
		row["longitud"] = fmt.Sprintf("%.6f", *c.LocationLon)
		row["link_maps"] = fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", *c.LocationLat, *c.LocationLon)
	}
	if sum != nil {
		row["total_pasos"] = strconv.Itoa(sum.TotalSteps)
		row["pasos_aprobados"] = strconv.Itoa(sum.ApprovedSteps)
		row["pasos_rechazados"] = strconv.Itoa(sum.RejectedTries)
		row["total_evidencias"] = strconv.Itoa(sum.TotalEvidences)
	}
	return row
}

// BuildDetallePasoRow renders the DETALLE_PASOS row for one reviewed attempt.
func BuildDetallePasoRow(caseID int64, key db.StepKey, att *db.StepAttempt, mediaCount int, messageIDs []int64, reviewerName string) map[string]string {
	title := db.StepTitle(key.StepNo)
	if key.Kind == db.StepKindAuthorization {
		title = "AUTORIZACION " + title
	}
	row := map[string]string{
		"case_id":        CasoDedupeKey(caseID),
		"paso_numero":    stepNoLabel(key),
		"paso_nombre":    title,
		"attempt":        strconv.Itoa(att.Attempt),
		"estado_paso":    attemptStatus(att),
		"revisado_por":   reviewerName,
		"motivo_rechazo": att.RejectReason,
		"cantidad_fotos": strconv.Itoa(mediaCount),
		"ids_mensajes":   joinIDs(messageIDs),
	}
	if att.ReviewedAt != nil {
		fecha, hora := fechaHora(*att.ReviewedAt)
		row["fecha_revision"] = fecha
		row["hora_revision"] = hora
	}
	return row
}

// BuildEvidenciaRow renders one EVIDENCIAS row per stored file.
func BuildEvidenciaRow(m *db.MediaItem) map[string]string {
	fecha, hora := fechaHora(m.CreatedAt)
	return map[string]string{
		"case_id":             strconv.FormatInt(m.CaseID, 10),
		"paso_numero":         stepNoLabel(db.StepKey{StepNo: m.StepNo, Kind: m.Kind}),
		"attempt":             strconv.Itoa(m.Attempt),
		"file_id":             m.FileID,
		"file_unique_id":      m.FileUniqueID,
		"mensaje_telegram_id": strconv.FormatInt(m.MessageID, 10),
		"fecha_carga":         fecha,
		"hora_carga":          hora,
		"grupo_evidencias":    m.FileType,
	}
}

// BuildRuteoRow mirrors a routing entry to the RUTEO sheet.
func BuildRuteoRow(r *db.RoutingEntry) map[string]string {
	row := map[string]string{
		"chat_id_origen": strconv.FormatInt(r.OriginChatID, 10),
		"alias":          r.Alias,
		"activo":         boolSiNo(r.IsActive),
		"actualizado_por": strconv.FormatInt(r.UpdatedBy, 10),
	}
	if r.EvidenceChatID != 0 {
		row["chat_id_evidencias"] = strconv.FormatInt(r.EvidenceChatID, 10)
	}
	if r.SummaryChatID != 0 {
		row["chat_id_resumen"] = strconv.FormatInt(r.SummaryChatID, 10)
	}
	if r.UpdatedAt != nil {
		row["actualizado_en"] = r.UpdatedAt.Format("02/01/2006 15:04:05")
	}
	return row
}

// RuteoDedupeKey matches the RUTEO sheet's key column.
func RuteoDedupeKey(originChatID int64) string {
	return strconv.FormatInt(originChatID, 10)
}

func boolSiNo(b bool) string {
	if b {
		return "SI"
	}
	return "NO"
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
