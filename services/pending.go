package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tufibra/evidencia/db"
)

// PendingInputService tracks which (chat, user) pairs owe the bot a free-text
// answer, and what that answer means. At most one pending input exists per
// (chat, user, kind): arming a second one replaces the first.
type PendingInputService struct {
	PG *sql.DB
}

func NewPendingInputService(pg *sql.DB) *PendingInputService {
	return &PendingInputService{PG: pg}
}

// Arm registers that the next text from (chat, user) answers `kind`.
func (s *PendingInputService) Arm(p *db.PendingInput) error {
	tx, err := s.PG.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		DELETE FROM pending_inputs WHERE chat_id = $1 AND user_id = $2 AND kind = $3
	`, p.ChatID, p.UserID, p.Kind)
	if err != nil {
		return fmt.Errorf("failed to clear stale pending input: %v", err)
	}

	_, err = tx.Exec(`
		INSERT INTO pending_inputs (chat_id, user_id, kind, case_id, step_no, attempt, reply_to_message_id, tech_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ChatID, p.UserID, p.Kind, p.CaseID, p.StepNo, p.Attempt, p.ReplyToMessageID, p.TechUserID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to arm pending input: %v", err)
	}
	return tx.Commit()
}

// Take returns and removes the oldest pending input for (chat, user), or nil.
// Consuming is destructive so one text message answers at most one question.
func (s *PendingInputService) Take(chatID, userID int64) (*db.PendingInput, error) {
	tx, err := s.PG.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	var p db.PendingInput
	err = tx.QueryRow(`
		SELECT id, chat_id, user_id, kind, case_id, step_no, attempt, reply_to_message_id, tech_user_id, created_at
		FROM pending_inputs
		WHERE chat_id = $1 AND user_id = $2
		ORDER BY created_at
		LIMIT 1
	`, chatID, userID).Scan(&p.ID, &p.ChatID, &p.UserID, &p.Kind, &p.CaseID, &p.StepNo,
		&p.Attempt, &p.ReplyToMessageID, &p.TechUserID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending input: %v", err)
	}

	if _, err := tx.Exec(`DELETE FROM pending_inputs WHERE id = $1`, p.ID); err != nil {
		return nil, fmt.Errorf("failed to consume pending input: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pending input consumption: %v", err)
	}
	return &p, nil
}

// Clear drops all pending inputs of a case, used on cancel/close.
func (s *PendingInputService) Clear(caseID int64) error {
	_, err := s.PG.Exec(`DELETE FROM pending_inputs WHERE case_id = $1`, caseID)
	if err != nil {
		return fmt.Errorf("failed to clear pending inputs for case %d: %v", caseID, err)
	}
	return nil
}
