package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tufibra/evidencia/db"
)

func attemptColumns() []string {
	return []string{
		"case_id", "step_no", "step_kind", "attempt", "submitted", "approved", "reviewed_by",
		"reviewed_at", "created_at", "reject_reason", "reject_reason_by", "reject_reason_at",
	}
}

func TestEnsureCurrentAttemptReturnsUnsubmittedAttempt(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	// Latest attempt still collecting evidence: no new attempt is created.
	rows := sqlmock.NewRows(attemptColumns()).
		AddRow(41, 7, "REAL", 2, false, nil, nil, nil, time.Now(), nil, nil, nil)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM step_attempts").
		WithArgs(int64(41), 7, db.StepKindReal).
		WillReturnRows(rows)
	mock.ExpectRollback()

	att, err := svc.EnsureCurrentAttempt(41, db.RealStep(7))
	require.NoError(t, err)
	assert.Equal(t, 2, att.Attempt)
	assert.False(t, att.Submitted)
	assert.Nil(t, att.Approved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCurrentAttemptNeverReturnsSubmittedAttempt(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	// Latest attempt is in review (submitted, verdict pending): the current
	// attempt is a fresh one at max+1, never the submitted one.
	rows := sqlmock.NewRows(attemptColumns()).
		AddRow(41, 7, "REAL", 2, true, nil, nil, nil, time.Now(), nil, nil, nil)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM step_attempts").
		WithArgs(int64(41), 7, db.StepKindReal).
		WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO step_attempts").
		WithArgs(int64(41), 7, db.StepKindReal, 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	att, err := svc.EnsureCurrentAttempt(41, db.RealStep(7))
	require.NoError(t, err)
	assert.Equal(t, 3, att.Attempt)
	assert.False(t, att.Submitted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCurrentAttemptCreatesNextAfterReview(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	// Latest attempt was rejected: the next call opens attempt max+1.
	rows := sqlmock.NewRows(attemptColumns()).
		AddRow(41, 7, "REAL", 2, true, false, int64(99), time.Now(), time.Now(), "foto borrosa", nil, nil)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM step_attempts").
		WithArgs(int64(41), 7, db.StepKindReal).
		WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO step_attempts").
		WithArgs(int64(41), 7, db.StepKindReal, 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	att, err := svc.EnsureCurrentAttempt(41, db.RealStep(7))
	require.NoError(t, err)
	assert.Equal(t, 3, att.Attempt)
	assert.False(t, att.Submitted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCurrentAttemptFirstAttempt(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM step_attempts").
		WillReturnRows(sqlmock.NewRows(attemptColumns()))
	mock.ExpectExec("INSERT INTO step_attempts").
		WithArgs(int64(41), 7, db.StepKindAuthorization, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	att, err := svc.EnsureCurrentAttempt(41, db.AuthStep(7))
	require.NoError(t, err)
	assert.Equal(t, 1, att.Attempt)
	assert.Equal(t, db.StepKindAuthorization, att.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMediaEnforcesCapacity(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT submitted, approved FROM step_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"submitted", "approved"}).AddRow(false, nil))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(db.MaxMediaPerStep))
	mock.ExpectRollback()

	err = svc.RecordMedia(41, db.RealStep(7), 1, &db.MediaItem{FileType: "photo", FileID: "f1"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordMediaRejectsSubmittedAttempt(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT submitted, approved FROM step_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"submitted", "approved"}).AddRow(true, nil))
	mock.ExpectRollback()

	err = svc.RecordMedia(41, db.RealStep(7), 1, &db.MediaItem{FileType: "photo", FileID: "f1"})
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestReviewFirstVerdictWins(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	// Guard clause `approved IS NULL` matched no row: already reviewed.
	mock.ExpectExec("UPDATE step_attempts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = svc.Review(41, db.RealStep(7), 1, true, 99)
	assert.ErrorIs(t, err, ErrAlreadyReviewed)
}

func TestAttemptStatusDerivation(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		att  db.StepAttempt
		want string
	}{
		{"fresh attempt", db.StepAttempt{}, db.StepInProgress},
		{"submitted attempt", db.StepAttempt{Submitted: true}, db.StepInReview},
		{"approved attempt", db.StepAttempt{Submitted: true, Approved: &yes}, db.StepDone},
		{"rejected attempt", db.StepAttempt{Submitted: true, Approved: &no}, db.StepRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptStatus(&tt.att))
		})
	}
}

func TestNextRequiredStepFollowsChecklistOrder(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	// Steps 5 and 6 approved; EXTERNA continues at 7.
	mock.ExpectQuery("SELECT DISTINCT step_no FROM step_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"step_no"}).AddRow(5).AddRow(6))

	next, err := svc.NextRequiredStep(41, db.ModeExterna)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 7, next.StepNo)
	assert.Equal(t, "POTENCIA EN CTO", next.Label)
}

func TestNextRequiredStepSkipsStepsAbsentFromInterna(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	// INTERNA has no steps 9 and 10: after 8 comes 11.
	mock.ExpectQuery("SELECT DISTINCT step_no FROM step_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"step_no"}).AddRow(5).AddRow(6).AddRow(7).AddRow(8))

	next, err := svc.NextRequiredStep(41, db.ModeInterna)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 11, next.StepNo)
}

func TestNextRequiredStepNilWhenComplete(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	rows := sqlmock.NewRows([]string{"step_no"})
	for _, item := range db.InternaChecklist {
		rows.AddRow(item.StepNo)
	}
	mock.ExpectQuery("SELECT DISTINCT step_no FROM step_attempts").WillReturnRows(rows)

	next, err := svc.NextRequiredStep(41, db.ModeInterna)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCheckInSequence(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	svc := NewStepService(pg)

	mock.ExpectQuery("SELECT DISTINCT step_no FROM step_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"step_no"}).AddRow(5))

	err = svc.CheckInSequence(41, db.ModeExterna, 8)
	assert.ErrorIs(t, err, ErrOutOfSequence)
}
