package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tufibra/evidencia/db"
	"github.com/tufibra/evidencia/telegram"
)

type sentMessage struct {
	chatID   int64
	text     string
	keyboard *telegram.InlineKeyboard
}

// fakeMessenger records outbound traffic so tests can assert on replies.
type fakeMessenger struct {
	messages  []sentMessage
	callbacks []string
}

func (f *fakeMessenger) SendMessage(chatID int64, text string, kb *telegram.InlineKeyboard) error {
	f.messages = append(f.messages, sentMessage{chatID, text, kb})
	return nil
}

func (f *fakeMessenger) SendPhoto(chatID int64, fileID, caption string) error { return nil }

func (f *fakeMessenger) AnswerCallback(callbackID, text string, showAlert bool) error {
	f.callbacks = append(f.callbacks, text)
	return nil
}

func (f *fakeMessenger) EditMessageText(chatID, messageID int64, text string) error { return nil }

func (f *fakeMessenger) IsChatAdmin(chatID, userID int64) bool { return true }

func caseColumns() []string {
	return []string{
		"id", "chat_id", "user_id", "username", "created_at", "finished_at", "status",
		"step_index", "phase", "pending_step_no", "technician_name", "service_type",
		"abonado_code", "location_lat", "location_lon", "location_at", "install_mode",
	}
}

// TestAuthorizationTextSubmitsOnReceipt covers the text mode of the
// authorization sub-flow: the first message in AUTH_TEXT_WAIT stores the text
// and submits the attempt immediately, with no extra send button.
func TestAuthorizationTextSubmitsOnReceipt(t *testing.T) {
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer pg.Close()

	bot := &fakeMessenger{}
	w := &Workflow{
		Cases:      NewCaseService(pg),
		Steps:      NewStepService(pg),
		Outbox:     NewOutboxService(pg, 8),
		Routing:    NewRoutingService(nil, 0, 0),
		ChatConfig: NewChatConfigService(pg, nil),
		Pending:    NewPendingInputService(pg),
		Bot:        bot,
	}

	now := time.Now()

	// No pending input armed for this user.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM pending_inputs").
		WithArgs(int64(-100200), int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	// The open case is waiting for the authorization text of step 7.
	mock.ExpectQuery("SELECT (.+) FROM cases").
		WithArgs(int64(-100200), int64(9), db.CaseStatusOpen).
		WillReturnRows(sqlmock.NewRows(caseColumns()).
			AddRow(int64(41), int64(-100200), int64(9), "tech", now, nil, db.CaseStatusOpen,
				5, db.PhaseAuthTextWait, 7, "ANA", db.ServiceTypeAltaNueva,
				"AB123", nil, nil, nil, db.ModeExterna))

	// The AUTH attempt opened when the mode was chosen is still current.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM step_attempts").
		WithArgs(int64(41), 7, db.StepKindAuthorization).
		WillReturnRows(sqlmock.NewRows(attemptColumns()).
			AddRow(41, 7, "AUTH", 1, false, nil, nil, nil, now, nil, nil, nil))
	mock.ExpectRollback()

	mock.ExpectExec("INSERT INTO auth_texts").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// No stored chat config: approval defaults to required.
	mock.ExpectQuery("SELECT approval_required FROM chat_config").
		WithArgs(int64(-100200)).
		WillReturnRows(sqlmock.NewRows([]string{"approval_required"}))

	// Submit loads the attempt, finds no media but a stored text, and flips
	// submitted — without any AUTHSEND press.
	mock.ExpectQuery("SELECT (.+) FROM step_attempts").
		WithArgs(int64(41), 7, db.StepKindAuthorization, 1).
		WillReturnRows(sqlmock.NewRows(attemptColumns()).
			AddRow(41, 7, "AUTH", 1, false, nil, nil, nil, now, nil, nil, nil))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM media`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT body FROM auth_texts").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow("AUTORIZA EL JEFE DE RED"))
	mock.ExpectExec("UPDATE step_attempts SET submitted").
		WithArgs(int64(41), 7, db.StepKindAuthorization, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Outbox sync reloads the attempt and its media; the enqueue itself and
	// the review forward are exercised elsewhere.
	mock.ExpectQuery("SELECT (.+) FROM step_attempts").
		WithArgs(int64(41), 7, db.StepKindAuthorization, 1).
		WillReturnRows(sqlmock.NewRows(attemptColumns()).
			AddRow(41, 7, "AUTH", 1, true, nil, nil, nil, now, nil, nil, nil))
	mock.ExpectQuery("SELECT id, (.+) FROM media").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	// Back to the checklist menu.
	mock.ExpectExec("UPDATE cases SET phase").
		WithArgs(db.PhaseMenuEvidence, 0, int64(41)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT DISTINCT step_no FROM step_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"step_no"}).AddRow(5).AddRow(6))
	mock.ExpectQuery("SELECT DISTINCT step_no FROM step_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"step_no"}).AddRow(5).AddRow(6))

	msg := &telegram.Message{
		MessageID: 555,
		From:      &telegram.User{ID: 9, Username: "tech"},
		Chat:      telegram.Chat{ID: -100200},
		Text:      "AUTORIZA EL JEFE DE RED",
	}
	require.NoError(t, w.handleText(context.Background(), msg))
	assert.NoError(t, mock.ExpectationsWereMet())

	var texts []string
	for _, m := range bot.messages {
		texts = append(texts, m.text)
		if m.keyboard != nil {
			for _, row := range m.keyboard.InlineKeyboard {
				for _, btn := range row {
					assert.NotContains(t, btn.CallbackData, "AUTHSEND",
						"text mode must not offer a send button")
				}
			}
		}
	}
	assert.Contains(t, texts[0], "enviado a revisión")
}

// TestStepSelectionSignalsFinishedSteps covers taps on checklist steps that
// are not actionable: a DONE step and an in-review step each get their own
// reply, and only a genuinely out-of-order tap gets the order message.
func TestStepSelectionSignalsFinishedSteps(t *testing.T) {
	now := time.Now()
	c := &db.Case{ID: 41, ChatID: -100200, Phase: db.PhaseMenuEvidence, InstallMode: db.ModeExterna}
	cb := &telegram.CallbackQuery{ID: "cb1", From: telegram.User{ID: 9}}

	t.Run("done step is an idempotent no-op", func(t *testing.T) {
		pg, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		bot := &fakeMessenger{}
		w := &Workflow{Cases: NewCaseService(pg), Steps: NewStepService(pg), Bot: bot}

		mock.ExpectQuery("SELECT (.+) FROM step_attempts").
			WithArgs(int64(41), 5, db.StepKindReal).
			WillReturnRows(sqlmock.NewRows(attemptColumns()).
				AddRow(41, 5, "REAL", 1, true, true, int64(99), now, now, nil, nil, nil))

		require.NoError(t, w.cbStepSelected(cb, c, []string{"EVID", "5"}))
		require.Len(t, bot.callbacks, 1)
		assert.Equal(t, "✅ Este paso ya está conforme.", bot.callbacks[0])
		assert.Empty(t, bot.messages)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("in-review step reports review state", func(t *testing.T) {
		pg, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		bot := &fakeMessenger{}
		w := &Workflow{Cases: NewCaseService(pg), Steps: NewStepService(pg), Bot: bot}

		mock.ExpectQuery("SELECT (.+) FROM step_attempts").
			WithArgs(int64(41), 5, db.StepKindReal).
			WillReturnRows(sqlmock.NewRows(attemptColumns()).
				AddRow(41, 5, "REAL", 1, true, nil, nil, nil, now, nil, nil, nil))

		require.NoError(t, w.cbStepSelected(cb, c, []string{"EVID", "5"}))
		require.Len(t, bot.callbacks, 1)
		assert.Equal(t, "Este paso está en revisión.", bot.callbacks[0])
	})

	t.Run("out-of-order step gets the order message", func(t *testing.T) {
		pg, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer pg.Close()

		bot := &fakeMessenger{}
		w := &Workflow{Cases: NewCaseService(pg), Steps: NewStepService(pg), Bot: bot}

		// Step 8 has no attempts; step 6 is the next required one.
		mock.ExpectQuery("SELECT (.+) FROM step_attempts").
			WithArgs(int64(41), 8, db.StepKindReal).
			WillReturnRows(sqlmock.NewRows(attemptColumns()))
		mock.ExpectQuery("SELECT DISTINCT step_no FROM step_attempts").
			WillReturnRows(sqlmock.NewRows([]string{"step_no"}).AddRow(5))

		require.NoError(t, w.cbStepSelected(cb, c, []string{"EVID", "8"}))
		require.Len(t, bot.callbacks, 1)
		assert.Equal(t, "Completa los pasos en orden.", bot.callbacks[0])
	})
}
