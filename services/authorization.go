package services

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveAuthorizationText stores a free-text authorization for an AUTH attempt.
func (s *StepService) SaveAuthorizationText(caseID int64, stepNo, attempt int, text string, messageID int64) error {
	_, err := s.PG.Exec(`
		INSERT INTO auth_texts (case_id, step_no, attempt, body, tg_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, caseID, stepNo, attempt, text, messageID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save authorization text: %v", err)
	}
	return nil
}

// GetAuthorizationText returns the latest stored text of an AUTH attempt, or "".
func (s *StepService) GetAuthorizationText(caseID int64, stepNo, attempt int) (string, error) {
	var body string
	err := s.PG.QueryRow(`
		SELECT body FROM auth_texts
		WHERE case_id = $1 AND step_no = $2 AND attempt = $3
		ORDER BY id DESC LIMIT 1
	`, caseID, stepNo, attempt).Scan(&body)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load authorization text: %v", err)
	}
	return body, nil
}
