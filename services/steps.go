package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tufibra/evidencia/db"
)

// Step workflow errors. Callers branch on these to answer the user instead of
// logging a failure.
var (
	ErrCapacityExceeded = errors.New("media limit reached for this attempt")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrEmptySubmission  = errors.New("attempt has no evidence to submit")
	ErrAlreadyReviewed  = errors.New("attempt already reviewed")
	ErrOutOfSequence    = errors.New("step is not the next required step")
)

type StepService struct {
	PG *sql.DB
}

func NewStepService(pg *sql.DB) *StepService {
	return &StepService{PG: pg}
}

// EnsureCurrentAttempt returns the open attempt for (case, step key): the
// latest unsubmitted one when it exists, else a fresh attempt at max+1. It
// never hands back an attempt that is already in or past review.
func (s *StepService) EnsureCurrentAttempt(caseID int64, key db.StepKey) (*db.StepAttempt, error) {
	tx, err := s.PG.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	att, err := scanAttempt(tx.QueryRow(`
		SELECT case_id, step_no, step_kind, attempt, submitted, approved, reviewed_by, reviewed_at,
			created_at, reject_reason, reject_reason_by, reject_reason_at
		FROM step_attempts
		WHERE case_id = $1 AND step_no = $2 AND step_kind = $3
		ORDER BY attempt DESC
		LIMIT 1
	`, caseID, key.StepNo, key.Kind))
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load latest attempt: %v", err)
	}

	// Only an unsubmitted attempt is current.
	if att != nil && !att.Submitted {
		return att, nil
	}

	next := 1
	if att != nil {
		next = att.Attempt + 1
	}
	now := time.Now()
	_, err = tx.Exec(`
		INSERT INTO step_attempts (case_id, step_no, step_kind, attempt, submitted, created_at)
		VALUES ($1, $2, $3, $4, false, $5)
	`, caseID, key.StepNo, key.Kind, next, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt %d: %v", next, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt creation: %v", err)
	}

	return &db.StepAttempt{
		CaseID:    caseID,
		StepNo:    key.StepNo,
		Kind:      key.Kind,
		Attempt:   next,
		CreatedAt: now,
	}, nil
}

// GetAttempt loads one specific attempt.
func (s *StepService) GetAttempt(caseID int64, key db.StepKey, attempt int) (*db.StepAttempt, error) {
	att, err := scanAttempt(s.PG.QueryRow(`
		SELECT case_id, step_no, step_kind, attempt, submitted, approved, reviewed_by, reviewed_at,
			created_at, reject_reason, reject_reason_by, reject_reason_at
		FROM step_attempts
		WHERE case_id = $1 AND step_no = $2 AND step_kind = $3 AND attempt = $4
	`, caseID, key.StepNo, key.Kind, attempt))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("attempt %d of case %d step %d/%s not found", attempt, caseID, key.StepNo, key.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt: %v", err)
	}
	return att, nil
}

// RecordMedia attaches one uploaded file to the current attempt. Fails with
// ErrAlreadySubmitted once the attempt is in review and with
// ErrCapacityExceeded at the per-attempt cap.
func (s *StepService) RecordMedia(caseID int64, key db.StepKey, attempt int, item *db.MediaItem) error {
	tx, err := s.PG.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	var submitted bool
	var approved sql.NullBool
	err = tx.QueryRow(`
		SELECT submitted, approved FROM step_attempts
		WHERE case_id = $1 AND step_no = $2 AND step_kind = $3 AND attempt = $4
	`, caseID, key.StepNo, key.Kind, attempt).Scan(&submitted, &approved)
	if err == sql.ErrNoRows {
		return fmt.Errorf("attempt %d of case %d step %d/%s not found", attempt, caseID, key.StepNo, key.Kind)
	}
	if err != nil {
		return fmt.Errorf("failed to load attempt: %v", err)
	}
	if submitted || approved.Valid {
		return ErrAlreadySubmitted
	}

	var count int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM media
		WHERE case_id = $1 AND step_no = $2 AND step_kind = $3 AND attempt = $4
	`, caseID, key.StepNo, key.Kind, attempt).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count media: %v", err)
	}
	if count >= db.MaxMediaPerStep {
		return ErrCapacityExceeded
	}

	metaJSON, err := json.Marshal(item.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal media meta: %v", err)
	}
	err = tx.QueryRow(`
		INSERT INTO media (case_id, step_no, step_kind, attempt, file_type, file_id, file_unique_id, tg_message_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, caseID, key.StepNo, key.Kind, attempt, item.FileType, item.FileID, item.FileUniqueID,
		item.MessageID, metaJSON, time.Now()).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("failed to record media: %v", err)
	}
	return tx.Commit()
}

// ListMedia returns the media of one attempt in upload order.
func (s *StepService) ListMedia(caseID int64, key db.StepKey, attempt int) ([]db.MediaItem, error) {
	rows, err := s.PG.Query(`
		SELECT id, case_id, step_no, step_kind, attempt, file_type, file_id, file_unique_id, tg_message_id, meta, created_at
		FROM media
		WHERE case_id = $1 AND step_no = $2 AND step_kind = $3 AND attempt = $4
		ORDER BY id
	`, caseID, key.StepNo, key.Kind, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %v", err)
	}
	defer rows.Close()

	var items []db.MediaItem
	for rows.Next() {
		var m db.MediaItem
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.CaseID, &m.StepNo, &m.Kind, &m.Attempt, &m.FileType,
			&m.FileID, &m.FileUniqueID, &m.MessageID, &metaJSON, &m.CreatedAt); err != nil {
			continue
		}
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &m.Meta)
		}
		items = append(items, m)
	}
	return items, nil
}

// CountMedia returns how many files an attempt holds.
func (s *StepService) CountMedia(caseID int64, key db.StepKey, attempt int) (int, error) {
	var count int
	err := s.PG.QueryRow(`
		SELECT COUNT(*) FROM media
		WHERE case_id = $1 AND step_no = $2 AND step_kind = $3 AND attempt = $4
	`, caseID, key.StepNo, key.Kind, attempt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count media: %v", err)
	}
	return count, nil
}

// Submit moves an attempt to review. An attempt with neither media nor (for
// AUTH steps) stored text refuses with ErrEmptySubmission.
func (s *StepService) Submit(caseID int64, key db.StepKey, attempt int) error {
	att, err := s.GetAttempt(caseID, key, attempt)
	if err != nil {
		return err
	}
	if att.Submitted || att.Approved != nil {
		return ErrAlreadySubmitted
	}

	count, err := s.CountMedia(caseID, key, attempt)
	if err != nil {
		return err
	}
	if count == 0 {
		if key.Kind != db.StepKindAuthorization {
			return ErrEmptySubmission
		}
		text, err := s.GetAuthorizationText(caseID, key.StepNo, attempt)
		if err != nil {
			return err
		}
		if text == "" {
			return ErrEmptySubmission
		}
	}

	_, err = s.PG.Exec(`
		UPDATE step_attempts SET submitted = true
		WHERE case_id = $1 AND step_no = $2 AND step_kind = $3 AND attempt = $4
	`, caseID, key.StepNo, key.Kind, attempt)
	if err != nil {
		return fmt.Errorf("failed to submit attempt: %v", err)
	}
	return nil
}

// Review records an approve/reject verdict. The first verdict wins; a second
// press of the review button returns ErrAlreadyReviewed.
func (s *StepService) Review(caseID int64, key db.StepKey, attempt int, approved bool, reviewerID int64) error {
	res, err := s.PG.Exec(`
		UPDATE step_attempts SET approved = $1, reviewed_by = $2, reviewed_at = $3
		WHERE case_id = $4 AND step_no = $5 AND step_kind = $6 AND attempt = $7 AND approved IS NULL
	`, approved, reviewerID, time.Now(), caseID, key.StepNo, key.Kind, attempt)
	if err != nil {
		return fmt.Errorf("failed to review attempt: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyReviewed
	}
	return nil
}

// SetRejectReason attaches the reviewer's free-text reason to a rejected attempt.
func (s *StepService) SetRejectReason(caseID int64, key db.StepKey, attempt int, reason string, byUserID int64) error {
	_, err := s.PG.Exec(`
		UPDATE step_attempts SET reject_reason = $1, reject_reason_by = $2, reject_reason_at = $3
		WHERE case_id = $4 AND step_no = $5 AND step_kind = $6 AND attempt = $7
	`, reason, byUserID, time.Now(), caseID, key.StepNo, key.Kind, attempt)
	if err != nil {
		return fmt.Errorf("failed to set reject reason: %v", err)
	}
	return nil
}

// AutoApprove submits and approves in one motion, used when the chat does not
// require reviewer approval.
func (s *StepService) AutoApprove(caseID int64, key db.StepKey, attempt int) error {
	if err := s.Submit(caseID, key, attempt); err != nil {
		return err
	}
	return s.Review(caseID, key, attempt, true, 0)
}

// Status derives the display status of a (case, step key) from its attempt
// history.
func (s *StepService) Status(caseID int64, key db.StepKey) (string, error) {
	att, err := scanAttempt(s.PG.QueryRow(`
		SELECT case_id, step_no, step_kind, attempt, submitted, approved, reviewed_by, reviewed_at,
			created_at, reject_reason, reject_reason_by, reject_reason_at
		FROM step_attempts
		WHERE case_id = $1 AND step_no = $2 AND step_kind = $3
		ORDER BY attempt DESC
		LIMIT 1
	`, caseID, key.StepNo, key.Kind))
	if err == sql.ErrNoRows {
		return db.StepNotStarted, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to derive step status: %v", err)
	}
	return attemptStatus(att), nil
}

// attemptStatus maps one attempt's fields to its display status.
func attemptStatus(att *db.StepAttempt) string {
	switch {
	case att.Approved != nil && *att.Approved:
		return db.StepDone
	case att.Approved != nil:
		return db.StepRejected
	case att.Submitted:
		return db.StepInReview
	default:
		return db.StepInProgress
	}
}

// DoneSteps returns the set of checklist step numbers with an approved REAL
// attempt.
func (s *StepService) DoneSteps(caseID int64) (map[int]bool, error) {
	rows, err := s.PG.Query(`
		SELECT DISTINCT step_no FROM step_attempts
		WHERE case_id = $1 AND step_kind = $2 AND approved = true
	`, caseID, db.StepKindReal)
	if err != nil {
		return nil, fmt.Errorf("failed to load done steps: %v", err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var stepNo int
		if err := rows.Scan(&stepNo); err != nil {
			continue
		}
		done[stepNo] = true
	}
	return done, nil
}

// NextRequiredStep returns the first checklist item of the case's mode without
// an approved REAL attempt, or nil when the checklist is complete.
func (s *StepService) NextRequiredStep(caseID int64, mode string) (*db.ChecklistItem, error) {
	done, err := s.DoneSteps(caseID)
	if err != nil {
		return nil, err
	}
	for _, item := range db.ChecklistForMode(mode) {
		if !done[item.StepNo] {
			it := item
			return &it, nil
		}
	}
	return nil, nil
}

// CheckInSequence enforces strict checklist order: acting on any step other
// than the next required one fails with ErrOutOfSequence.
func (s *StepService) CheckInSequence(caseID int64, mode string, stepNo int) error {
	next, err := s.NextRequiredStep(caseID, mode)
	if err != nil {
		return err
	}
	if next == nil || next.StepNo != stepNo {
		return ErrOutOfSequence
	}
	return nil
}

// CaseStepSummary aggregates attempt counts used for the CASOS row and the
// closing summary message.
type CaseStepSummary struct {
	TotalSteps     int
	ApprovedSteps  int
	RejectedTries  int
	TotalEvidences int
}

// Summarize counts approved steps, rejected attempts and stored files for a case.
func (s *StepService) Summarize(caseID int64, mode string) (*CaseStepSummary, error) {
	sum := &CaseStepSummary{TotalSteps: len(db.ChecklistForMode(mode))}

	done, err := s.DoneSteps(caseID)
	if err != nil {
		return nil, err
	}
	sum.ApprovedSteps = len(done)

	err = s.PG.QueryRow(`
		SELECT COUNT(*) FROM step_attempts
		WHERE case_id = $1 AND step_kind = $2 AND approved = false
	`, caseID, db.StepKindReal).Scan(&sum.RejectedTries)
	if err != nil {
		return nil, fmt.Errorf("failed to count rejected attempts: %v", err)
	}

	err = s.PG.QueryRow(`SELECT COUNT(*) FROM media WHERE case_id = $1`, caseID).Scan(&sum.TotalEvidences)
	if err != nil {
		return nil, fmt.Errorf("failed to count evidences: %v", err)
	}
	return sum, nil
}

func scanAttempt(row rowScanner) (*db.StepAttempt, error) {
	var att db.StepAttempt
	var approved sql.NullBool
	var reviewedBy, reasonBy sql.NullInt64
	var reviewedAt, reasonAt sql.NullTime
	var reason sql.NullString

	err := row.Scan(&att.CaseID, &att.StepNo, &att.Kind, &att.Attempt, &att.Submitted,
		&approved, &reviewedBy, &reviewedAt, &att.CreatedAt, &reason, &reasonBy, &reasonAt)
	if err != nil {
		return nil, err
	}
	if approved.Valid {
		v := approved.Bool
		att.Approved = &v
	}
	att.ReviewedBy = reviewedBy.Int64
	att.RejectReason = reason.String
	att.RejectReasonBy = reasonBy.Int64
	if reviewedAt.Valid {
		att.ReviewedAt = &reviewedAt.Time
	}
	if reasonAt.Valid {
		att.RejectReasonAt = &reasonAt.Time
	}
	return &att, nil
}
