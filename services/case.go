package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/tufibra/evidencia/db"
)

type CaseService struct {
	PG *sql.DB
}

func NewCaseService(pg *sql.DB) *CaseService {
	return &CaseService{PG: pg}
}

// GetOpenCase returns the single open case for (chat, user), or nil.
func (s *CaseService) GetOpenCase(chatID, userID int64) (*db.Case, error) {
	query := `
		SELECT id, chat_id, user_id, username, created_at, finished_at, status, step_index,
			phase, pending_step_no, technician_name, service_type, abonado_code,
			location_lat, location_lon, location_at, install_mode
		FROM cases
		WHERE chat_id = $1 AND user_id = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	c, err := s.scanCase(s.PG.QueryRow(query, chatID, userID, db.CaseStatusOpen))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open case: %v", err)
	}
	return c, nil
}

// GetCase returns a case by id.
func (s *CaseService) GetCase(caseID int64) (*db.Case, error) {
	query := `
		SELECT id, chat_id, user_id, username, created_at, finished_at, status, step_index,
			phase, pending_step_no, technician_name, service_type, abonado_code,
			location_lat, location_lon, location_at, install_mode
		FROM cases
		WHERE id = $1
	`
	c, err := s.scanCase(s.PG.QueryRow(query, caseID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("case %d not found", caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case %d: %v", caseID, err)
	}
	return c, nil
}

// CreateOrReset cancels any open case for (chat, user) and opens a fresh one
// at the first intake phase. Both writes happen in one transaction so a user
// can never hold two open cases.
func (s *CaseService) CreateOrReset(chatID, userID int64, username string) (*db.Case, error) {
	tx, err := s.PG.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE cases SET status = $1, phase = $2, finished_at = $3
		WHERE chat_id = $4 AND user_id = $5 AND status = $6
	`, db.CaseStatusCancelled, db.PhaseCancelled, now, chatID, userID, db.CaseStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel previous case: %v", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("Cancelled %d previous open case(s) for chat=%d user=%d", n, chatID, userID)
	}

	var id int64
	err = tx.QueryRow(`
		INSERT INTO cases (chat_id, user_id, username, created_at, status, step_index, phase)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING id
	`, chatID, userID, username, now, db.CaseStatusOpen, db.PhaseWaitTechnician).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create case: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit case creation: %v", err)
	}

	return &db.Case{
		ID:        id,
		ChatID:    chatID,
		UserID:    userID,
		Username:  username,
		CreatedAt: now,
		Status:    db.CaseStatusOpen,
		Phase:     db.PhaseWaitTechnician,
	}, nil
}

// SetPhase moves a case to a new phase, optionally recording the step whose
// input the phase is waiting on.
func (s *CaseService) SetPhase(caseID int64, phase string, pendingStepNo int) error {
	_, err := s.PG.Exec(`UPDATE cases SET phase = $1, pending_step_no = $2 WHERE id = $3`,
		phase, pendingStepNo, caseID)
	if err != nil {
		return fmt.Errorf("failed to set phase %s on case %d: %v", phase, caseID, err)
	}
	return nil
}

// AdvanceIntake records one intake answer and bumps step_index. The expected
// index guards against double-processing a repeated update.
func (s *CaseService) AdvanceIntake(caseID int64, expectedIndex int, phase string, set func(*db.Case)) (*db.Case, error) {
	c, err := s.GetCase(caseID)
	if err != nil {
		return nil, err
	}
	if c.StepIndex != expectedIndex {
		return nil, fmt.Errorf("case %d is at intake index %d, expected %d", caseID, c.StepIndex, expectedIndex)
	}
	set(c)
	c.StepIndex = expectedIndex + 1
	c.Phase = phase

	_, err = s.PG.Exec(`
		UPDATE cases SET step_index = $1, phase = $2, technician_name = $3, service_type = $4,
			abonado_code = $5, location_lat = $6, location_lon = $7, location_at = $8, install_mode = $9
		WHERE id = $10
	`, c.StepIndex, c.Phase, c.TechnicianName, c.ServiceType, c.AbonadoCode,
		c.LocationLat, c.LocationLon, c.LocationAt, c.InstallMode, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to advance intake on case %d: %v", caseID, err)
	}
	return c, nil
}

// Close marks a case CLOSED and stamps finished_at.
func (s *CaseService) Close(caseID int64) (*db.Case, error) {
	return s.finish(caseID, db.CaseStatusClosed, db.PhaseClosed)
}

// Cancel marks a case CANCELLED and stamps finished_at.
func (s *CaseService) Cancel(caseID int64) (*db.Case, error) {
	return s.finish(caseID, db.CaseStatusCancelled, db.PhaseCancelled)
}

func (s *CaseService) finish(caseID int64, status, phase string) (*db.Case, error) {
	now := time.Now()
	res, err := s.PG.Exec(`
		UPDATE cases SET status = $1, phase = $2, finished_at = $3
		WHERE id = $4 AND status = $5
	`, status, phase, now, caseID, db.CaseStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to finish case %d: %v", caseID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("case %d is not open", caseID)
	}
	return s.GetCase(caseID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *CaseService) scanCase(row rowScanner) (*db.Case, error) {
	var c db.Case
	var username, technicianName, serviceType, abonadoCode, installMode sql.NullString
	var finishedAt, locationAt sql.NullTime
	var lat, lon sql.NullFloat64
	var pendingStepNo sql.NullInt64

	err := row.Scan(
		&c.ID, &c.ChatID, &c.UserID, &username, &c.CreatedAt, &finishedAt, &c.Status,
		&c.StepIndex, &c.Phase, &pendingStepNo, &technicianName, &serviceType,
		&abonadoCode, &lat, &lon, &locationAt, &installMode,
	)
	if err != nil {
		return nil, err
	}

	c.Username = username.String
	c.TechnicianName = technicianName.String
	c.ServiceType = serviceType.String
	c.AbonadoCode = abonadoCode.String
	c.InstallMode = installMode.String
	c.PendingStepNo = int(pendingStepNo.Int64)
	if finishedAt.Valid {
		c.FinishedAt = &finishedAt.Time
	}
	if locationAt.Valid {
		c.LocationAt = &locationAt.Time
	}
	if lat.Valid {
		c.LocationLat = &lat.Float64
	}
	if lon.Valid {
		c.LocationLon = &lon.Float64
	}
	return &c, nil
}
