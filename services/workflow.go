package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tufibra/evidencia/db"
	"github.com/tufibra/evidencia/sheets"
	"github.com/tufibra/evidencia/telegram"
)

// Workflow drives the evidence-collection conversation: intake questions,
// checklist menus, the authorization sub-flow, review and case close. It owns
// no state of its own; every decision is derived from the stored case.
type Workflow struct {
	Cases      *CaseService
	Steps      *StepService
	Outbox     *OutboxService
	Routing    *RoutingService
	Roster     *RosterService
	ChatConfig *ChatConfigService
	Pending    *PendingInputService
	Bot        telegram.Messenger
	BotVersion string
}

// HandleUpdate dispatches one inbound update. Errors are logged, never
// returned to Telegram: the webhook always acknowledges so updates are not
// redelivered forever.
func (w *Workflow) HandleUpdate(ctx context.Context, upd *telegram.Update) {
	var err error
	switch {
	case upd.CallbackQuery != nil:
		err = w.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		err = w.handleMessage(ctx, upd.Message)
	}
	if err != nil {
		log.Printf("Update %d failed: %v", upd.UpdateID, err)
	}
}

func (w *Workflow) handleMessage(ctx context.Context, msg *telegram.Message) error {
	if msg.From == nil {
		return nil
	}
	switch {
	case strings.HasPrefix(msg.Text, "/"):
		return w.handleCommand(ctx, msg)
	case msg.Location != nil:
		return w.handleLocation(msg)
	case len(msg.Photo) > 0 || msg.Video != nil:
		return w.handleMedia(ctx, msg)
	case msg.Text != "":
		return w.handleText(ctx, msg)
	}
	return nil
}

// =====================
// COMMANDS
// =====================

func (w *Workflow) handleCommand(ctx context.Context, msg *telegram.Message) error {
	parts := strings.Fields(msg.Text)
	cmd := strings.ToLower(parts[0])
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	args := parts[1:]

	switch cmd {
	case "/inicio", "/start":
		return w.cmdStart(msg)
	case "/cancelar":
		return w.cmdCancel(ctx, msg)
	case "/estado":
		return w.cmdStatus(msg)
	case "/aprobacion":
		return w.cmdApproval(ctx, msg, args)
	case "/id":
		return w.Bot.SendMessage(msg.Chat.ID, fmt.Sprintf("ID de este chat: <code>%d</code>", msg.Chat.ID), nil)
	case "/vincular":
		return w.cmdLink(msg, args)
	case "/codigo":
		return w.cmdPairingCode(msg, args)
	}
	return nil
}

func (w *Workflow) cmdStart(msg *telegram.Message) error {
	c, err := w.Cases.CreateOrReset(msg.Chat.ID, msg.From.ID, msg.From.DisplayName())
	if err != nil {
		return err
	}
	log.Printf("Case %d opened for user %d in chat %d", c.ID, msg.From.ID, msg.Chat.ID)
	return w.sendTechnicianMenu(msg.Chat.ID)
}

func (w *Workflow) cmdCancel(ctx context.Context, msg *telegram.Message) error {
	c, err := w.Cases.GetOpenCase(msg.Chat.ID, msg.From.ID)
	if err != nil {
		return err
	}
	if c == nil {
		return w.Bot.SendMessage(msg.Chat.ID, "No tienes un caso abierto.", nil)
	}
	if _, err := w.Cases.Cancel(c.ID); err != nil {
		return err
	}
	w.Pending.Clear(c.ID)
	w.syncCase(ctx, c.ID)
	return w.Bot.SendMessage(msg.Chat.ID, "❌ Caso cancelado. Usa /inicio para empezar uno nuevo.", nil)
}

func (w *Workflow) cmdStatus(msg *telegram.Message) error {
	c, err := w.Cases.GetOpenCase(msg.Chat.ID, msg.From.ID)
	if err != nil {
		return err
	}
	if c == nil {
		return w.Bot.SendMessage(msg.Chat.ID, "No tienes un caso abierto. Usa /inicio.", nil)
	}
	if c.Phase == db.PhaseMenuEvidence || c.StepIndex >= 5 {
		return w.sendEvidenceMenu(c)
	}
	return w.Bot.SendMessage(msg.Chat.ID,
		fmt.Sprintf("Caso <b>%d</b> en curso (fase %s). Responde la pregunta pendiente para continuar.", c.ID, c.Phase), nil)
}

func (w *Workflow) cmdApproval(ctx context.Context, msg *telegram.Message, args []string) error {
	if !w.Bot.IsChatAdmin(msg.Chat.ID, msg.From.ID) {
		return w.Bot.SendMessage(msg.Chat.ID, "Solo un administrador puede cambiar la aprobación.", nil)
	}
	if len(args) == 0 {
		required := w.ChatConfig.ApprovalRequired(ctx, msg.Chat.ID)
		return w.Bot.SendMessage(msg.Chat.ID,
			fmt.Sprintf("Aprobación de evidencias: <b>%s</b>. Usa /aprobacion on|off.", onOff(required)), nil)
	}
	required := strings.EqualFold(args[0], "on")
	if err := w.ChatConfig.SetApprovalRequired(ctx, msg.Chat.ID, required); err != nil {
		return err
	}
	return w.Bot.SendMessage(msg.Chat.ID,
		fmt.Sprintf("Aprobación de evidencias: <b>%s</b>.", onOff(required)), nil)
}

// cmdLink offers the pairing menu in the origin chat: generate a code for the
// evidence or summary destination. Admin only.
func (w *Workflow) cmdLink(msg *telegram.Message, args []string) error {
	if !w.Bot.IsChatAdmin(msg.Chat.ID, msg.From.ID) {
		return w.Bot.SendMessage(msg.Chat.ID, "Solo un administrador puede vincular chats.", nil)
	}
	kb := telegram.Keyboard(
		telegram.Row(telegram.Btn("📸 Chat de evidencias", "PAIR|EVIDENCE")),
		telegram.Row(telegram.Btn("📋 Chat de resumen", "PAIR|SUMMARY")),
	)
	return w.Bot.SendMessage(msg.Chat.ID,
		"¿Qué destino quieres vincular a este chat? Recibirás un código para usar con /codigo en el chat destino.", kb)
}

// cmdPairingCode redeems a pairing code in the destination chat.
func (w *Workflow) cmdPairingCode(msg *telegram.Message, args []string) error {
	if !w.Bot.IsChatAdmin(msg.Chat.ID, msg.From.ID) {
		return w.Bot.SendMessage(msg.Chat.ID, "Solo un administrador puede vincular chats.", nil)
	}
	if len(args) == 0 {
		p := &db.PendingInput{
			ChatID: msg.Chat.ID,
			UserID: msg.From.ID,
			Kind:   db.PendingPairingCode,
		}
		if err := w.Pending.Arm(p); err != nil {
			return err
		}
		return w.Bot.SendMessage(msg.Chat.ID, "Envía el código de vinculación.", nil)
	}
	return w.redeemPairing(msg, strings.ToUpper(strings.TrimSpace(args[0])))
}

func (w *Workflow) redeemPairing(msg *telegram.Message, code string) error {
	// The code itself carries the purpose; try both in issue order.
	entry, err := w.Routing.ConsumePairing(code, db.PairingEvidence, msg.Chat.ID, msg.From.ID)
	if err == ErrPairingPurpose {
		entry, err = w.Routing.ConsumePairing(code, db.PairingSummary, msg.Chat.ID, msg.From.ID)
	}
	switch err {
	case nil:
	case ErrPairingUnknown:
		return w.Bot.SendMessage(msg.Chat.ID, "Código no reconocido.", nil)
	case ErrPairingUsed:
		return w.Bot.SendMessage(msg.Chat.ID, "Ese código ya fue utilizado.", nil)
	case ErrPairingExpired:
		return w.Bot.SendMessage(msg.Chat.ID, "El código expiró. Genera uno nuevo con /vincular.", nil)
	default:
		return err
	}

	w.Outbox.Enqueue(sheets.SheetRuteo, RuteoDedupeKey(entry.OriginChatID), BuildRuteoRow(entry))
	log.Printf("Chat %d paired as destination of chat %d", msg.Chat.ID, entry.OriginChatID)
	return w.Bot.SendMessage(msg.Chat.ID, "✅ Chat vinculado correctamente.", nil)
}

// =====================
// CALLBACKS
// =====================

func (w *Workflow) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) error {
	if cb.Message == nil {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	chatID := cb.Message.Chat.ID
	parts := strings.Split(cb.Data, "|")

	switch parts[0] {
	case "PAIR":
		return w.cbPair(cb, parts)
	case "REV":
		return w.cbReview(ctx, cb, parts)
	}

	c, err := w.Cases.GetOpenCase(chatID, cb.From.ID)
	if err != nil {
		return err
	}
	if c == nil {
		w.Bot.AnswerCallback(cb.ID, "No tienes un caso abierto.", true)
		return nil
	}

	switch parts[0] {
	case "TECH":
		return w.cbTechnician(cb, c, parts)
	case "SERV":
		return w.cbService(ctx, cb, c, parts)
	case "MODE":
		return w.cbMode(cb, c, parts)
	case "EVID":
		return w.cbStepSelected(cb, c, parts)
	case "ACT":
		return w.cbStepAction(cb, c, parts)
	case "AUTHASK":
		return w.cbAuthConfirm(cb, c, parts)
	case "AUTH":
		return w.cbAuthMode(cb, c, parts)
	case "AUTHSEND":
		return w.cbAuthSubmit(ctx, cb, c, parts)
	case "SUBMIT":
		return w.cbStepSubmit(ctx, cb, c, parts)
	case "BACK":
		w.Bot.AnswerCallback(cb.ID, "", false)
		w.Cases.SetPhase(c.ID, db.PhaseMenuEvidence, 0)
		c.Phase = db.PhaseMenuEvidence
		return w.sendEvidenceMenu(c)
	}
	return w.Bot.AnswerCallback(cb.ID, "", false)
}

func (w *Workflow) cbPair(cb *telegram.CallbackQuery, parts []string) error {
	if len(parts) < 2 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	chatID := cb.Message.Chat.ID
	if !w.Bot.IsChatAdmin(chatID, cb.From.ID) {
		return w.Bot.AnswerCallback(cb.ID, "Solo administradores.", true)
	}
	purpose := db.PairingEvidence
	label := "evidencias"
	if parts[1] == "SUMMARY" {
		purpose = db.PairingSummary
		label = "resumen"
	}
	token, err := w.Routing.CreatePairing(chatID, cb.From.ID, purpose)
	if err != nil {
		return err
	}
	w.Bot.AnswerCallback(cb.ID, "", false)
	return w.Bot.SendMessage(chatID, fmt.Sprintf(
		"Código de vinculación (%s): <code>%s</code>\nÚsalo con /codigo en el chat destino. Vence en %d minutos.",
		label, token.Code, int(time.Until(token.ExpiresAt).Minutes())+1), nil)
}

func (w *Workflow) cbTechnician(cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if c.Phase != db.PhaseWaitTechnician || len(parts) < 2 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	name := parts[1]
	_, err := w.Cases.AdvanceIntake(c.ID, 0, db.PhaseWaitService, func(cs *db.Case) {
		cs.TechnicianName = name
	})
	if err != nil {
		return err
	}
	w.Bot.AnswerCallback(cb.ID, "", false)
	return w.sendServiceMenu(c.ChatID, name)
}

func (w *Workflow) cbService(ctx context.Context, cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if c.Phase != db.PhaseWaitService || len(parts) < 2 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	service := parts[1]
	w.Bot.AnswerCallback(cb.ID, "", false)

	// Only new installs carry a checklist; anything else records and closes.
	if service != db.ServiceTypeAltaNueva {
		if _, err := w.Cases.AdvanceIntake(c.ID, 1, db.PhaseClosed, func(cs *db.Case) {
			cs.ServiceType = service
		}); err != nil {
			return err
		}
		if _, err := w.Cases.Close(c.ID); err != nil {
			return err
		}
		w.syncCase(ctx, c.ID)
		return w.Bot.SendMessage(c.ChatID,
			fmt.Sprintf("Servicio <b>%s</b>: PROCESO AUN NO GENERADO. Este flujo solo recolecta evidencias de ALTA NUEVA; caso cerrado.", service), nil)
	}

	if _, err := w.Cases.AdvanceIntake(c.ID, 1, db.PhaseWaitAbonado, func(cs *db.Case) {
		cs.ServiceType = service
	}); err != nil {
		return err
	}
	return w.Bot.SendMessage(c.ChatID, "Escribe el <b>código de abonado</b> del cliente.", nil)
}

func (w *Workflow) cbMode(cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if c.Phase != db.PhaseMenuInstall || len(parts) < 2 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	mode := parts[1]
	if mode != db.ModeExterna && mode != db.ModeInterna {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	updated, err := w.Cases.AdvanceIntake(c.ID, 4, db.PhaseMenuEvidence, func(cs *db.Case) {
		cs.InstallMode = mode
	})
	if err != nil {
		return err
	}
	w.Bot.AnswerCallback(cb.ID, "", false)
	return w.sendEvidenceMenu(updated)
}

// cbStepSelected opens the action menu for a checklist step. Only the next
// required step is actionable.
func (w *Workflow) cbStepSelected(cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if len(parts) < 2 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	stepNo, err := strconv.Atoi(parts[1])
	if err != nil {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}

	// Taps on a finished or in-review step are idempotent no-ops with their
	// own replies; only then does the order rule apply.
	status, err := w.Steps.Status(c.ID, db.RealStep(stepNo))
	if err != nil {
		return err
	}
	switch status {
	case db.StepDone:
		w.Bot.AnswerCallback(cb.ID, "✅ Este paso ya está conforme.", true)
		return nil
	case db.StepInReview:
		w.Bot.AnswerCallback(cb.ID, "Este paso está en revisión.", true)
		return nil
	}

	if err := w.Steps.CheckInSequence(c.ID, c.InstallMode, stepNo); err == ErrOutOfSequence {
		w.Bot.AnswerCallback(cb.ID, "Completa los pasos en orden.", true)
		return nil
	} else if err != nil {
		return err
	}

	if err := w.Cases.SetPhase(c.ID, db.PhaseEvidenceAction, stepNo); err != nil {
		return err
	}
	w.Bot.AnswerCallback(cb.ID, "", false)

	kb := telegram.Keyboard(
		telegram.Row(telegram.Btn("📸 Enviar evidencias", fmt.Sprintf("ACT|SEND|%d", stepNo))),
		telegram.Row(telegram.Btn("📝 Solicitar autorización", fmt.Sprintf("ACT|AUTH|%d", stepNo))),
		telegram.Row(telegram.Btn("⬅️ Volver", "BACK")),
	)
	return w.Bot.SendMessage(c.ChatID,
		fmt.Sprintf("<b>%s</b>\n%s", db.StepTitle(stepNo), db.StepDefs[stepNo].Prompt), kb)
}

func (w *Workflow) cbStepAction(cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if c.Phase != db.PhaseEvidenceAction || len(parts) < 3 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	stepNo, err := strconv.Atoi(parts[2])
	if err != nil || stepNo != c.PendingStepNo {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	w.Bot.AnswerCallback(cb.ID, "", false)

	switch parts[1] {
	case "SEND":
		if _, err := w.Steps.EnsureCurrentAttempt(c.ID, db.RealStep(stepNo)); err != nil {
			return err
		}
		if err := w.Cases.SetPhase(c.ID, db.PhaseStepMedia, stepNo); err != nil {
			return err
		}
		kb := telegram.Keyboard(telegram.Row(telegram.Btn("✅ Enviar a revisión", fmt.Sprintf("SUBMIT|%d", stepNo))))
		return w.Bot.SendMessage(c.ChatID,
			fmt.Sprintf("Envía las fotos de <b>%s</b> (máx. %d) y luego pulsa el botón.", db.StepTitle(stepNo), db.MaxMediaPerStep), kb)
	case "AUTH":
		if err := w.Cases.SetPhase(c.ID, db.PhaseAuthAsk, stepNo); err != nil {
			return err
		}
		kb := telegram.Keyboard(telegram.Row(
			telegram.Btn("✅ Sí, solicitar", fmt.Sprintf("AUTHASK|YES|%d", stepNo)),
			telegram.Btn("⬅️ No, volver", "BACK"),
		))
		return w.Bot.SendMessage(c.ChatID,
			fmt.Sprintf("¿Confirmas que necesitas autorización para <b>%s</b>?", db.StepTitle(stepNo)), kb)
	}
	return nil
}

// cbAuthConfirm moves from the confirmation question to the mode choice.
func (w *Workflow) cbAuthConfirm(cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if c.Phase != db.PhaseAuthAsk || len(parts) < 3 || parts[1] != "YES" {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	stepNo, err := strconv.Atoi(parts[2])
	if err != nil || stepNo != c.PendingStepNo {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	if err := w.Cases.SetPhase(c.ID, db.PhaseAuthMode, stepNo); err != nil {
		return err
	}
	w.Bot.AnswerCallback(cb.ID, "", false)

	kb := telegram.Keyboard(
		telegram.Row(telegram.Btn("✍️ Texto", fmt.Sprintf("AUTH|TEXT|%d", stepNo))),
		telegram.Row(telegram.Btn("📷 Captura", fmt.Sprintf("AUTH|MEDIA|%d", stepNo))),
		telegram.Row(telegram.Btn("⬅️ Volver", "BACK")),
	)
	return w.Bot.SendMessage(c.ChatID,
		fmt.Sprintf("¿Cómo registrarás la autorización para <b>%s</b>?", db.StepTitle(stepNo)), kb)
}

func (w *Workflow) cbAuthMode(cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if c.Phase != db.PhaseAuthMode || len(parts) < 3 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	stepNo, err := strconv.Atoi(parts[2])
	if err != nil || stepNo != c.PendingStepNo {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	if _, err := w.Steps.EnsureCurrentAttempt(c.ID, db.AuthStep(stepNo)); err != nil {
		return err
	}
	w.Bot.AnswerCallback(cb.ID, "", false)

	switch parts[1] {
	case "TEXT":
		if err := w.Cases.SetPhase(c.ID, db.PhaseAuthTextWait, stepNo); err != nil {
			return err
		}
		return w.Bot.SendMessage(c.ChatID, "Escribe el texto de la autorización (quién autoriza y por qué).", nil)
	case "MEDIA":
		if err := w.Cases.SetPhase(c.ID, db.PhaseAuthMedia, stepNo); err != nil {
			return err
		}
		kb := telegram.Keyboard(telegram.Row(telegram.Btn("✅ Enviar a revisión", fmt.Sprintf("AUTHSEND|%d", stepNo))))
		return w.Bot.SendMessage(c.ChatID, "Envía la captura de la autorización y luego pulsa el botón.", kb)
	}
	return nil
}

func (w *Workflow) cbAuthSubmit(ctx context.Context, cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if len(parts) < 2 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	stepNo, err := strconv.Atoi(parts[1])
	if err != nil || stepNo != c.PendingStepNo {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	return w.submitAttempt(ctx, cb, c, db.AuthStep(stepNo))
}

func (w *Workflow) cbStepSubmit(ctx context.Context, cb *telegram.CallbackQuery, c *db.Case, parts []string) error {
	if c.Phase != db.PhaseStepMedia || len(parts) < 2 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	stepNo, err := strconv.Atoi(parts[1])
	if err != nil || stepNo != c.PendingStepNo {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	return w.submitAttempt(ctx, cb, c, db.RealStep(stepNo))
}

// submitAttempt routes a finished attempt to review or auto-approval.
func (w *Workflow) submitAttempt(ctx context.Context, cb *telegram.CallbackQuery, c *db.Case, key db.StepKey) error {
	att, err := w.Steps.EnsureCurrentAttempt(c.ID, key)
	if err != nil {
		return err
	}

	if !w.ChatConfig.ApprovalRequired(ctx, c.ChatID) {
		if err := w.Steps.AutoApprove(c.ID, key, att.Attempt); err != nil {
			if err == ErrEmptySubmission {
				w.Bot.AnswerCallback(cb.ID, "Aún no has enviado evidencias.", true)
				return nil
			}
			return err
		}
		w.Bot.AnswerCallback(cb.ID, "Paso registrado ✅", false)
		w.syncAttempt(ctx, c, key, att.Attempt, "")
		return w.afterApproval(ctx, c, key)
	}

	if err := w.Steps.Submit(c.ID, key, att.Attempt); err != nil {
		switch err {
		case ErrEmptySubmission:
			w.Bot.AnswerCallback(cb.ID, "Aún no has enviado evidencias.", true)
			return nil
		case ErrAlreadySubmitted:
			w.Bot.AnswerCallback(cb.ID, "Este paso ya está en revisión.", true)
			return nil
		}
		return err
	}
	w.Bot.AnswerCallback(cb.ID, "Enviado a revisión 🔎", false)
	w.syncAttempt(ctx, c, key, att.Attempt, "")

	if err := w.forwardForReview(c, key, att.Attempt); err != nil {
		log.Printf("Failed to forward case %d step %d/%s for review: %v", c.ID, key.StepNo, key.Kind, err)
	}
	if err := w.Cases.SetPhase(c.ID, db.PhaseMenuEvidence, 0); err != nil {
		return err
	}
	c.Phase = db.PhaseMenuEvidence
	return w.sendEvidenceMenu(c)
}

// forwardForReview copies the attempt's evidence to the evidence chat with
// approve/reject buttons.
func (w *Workflow) forwardForReview(c *db.Case, key db.StepKey, attempt int) error {
	evidenceChat, _, err := w.Routing.ResolveDestinations(c.ChatID)
	if err != nil {
		return err
	}
	if evidenceChat == 0 {
		return fmt.Errorf("chat %d has no evidence destination", c.ChatID)
	}

	title := db.StepTitle(key.StepNo)
	if key.Kind == db.StepKindAuthorization {
		title = "AUTORIZACIÓN " + title
	}
	header := fmt.Sprintf("Caso <b>%d</b> — %s (intento %d)\nTécnico: %s\nAbonado: %s",
		c.ID, title, attempt, c.TechnicianName, c.AbonadoCode)

	items, err := w.Steps.ListMedia(c.ID, key, attempt)
	if err != nil {
		return err
	}
	for _, m := range items {
		if err := w.Bot.SendPhoto(evidenceChat, m.FileID, fmt.Sprintf("Caso %d — %s", c.ID, title)); err != nil {
			log.Printf("Failed to copy media %d to chat %d: %v", m.ID, evidenceChat, err)
		}
	}
	if key.Kind == db.StepKindAuthorization {
		if text, err := w.Steps.GetAuthorizationText(c.ID, key.StepNo, attempt); err == nil && text != "" {
			header += "\n\nTexto de autorización:\n" + text
		}
	}

	kb := telegram.Keyboard(telegram.Row(
		telegram.Btn("✅ Aprobar", fmt.Sprintf("REV|OK|%d|%d|%s|%d", c.ID, key.StepNo, key.Kind, attempt)),
		telegram.Btn("❌ Rechazar", fmt.Sprintf("REV|NO|%d|%d|%s|%d", c.ID, key.StepNo, key.Kind, attempt)),
	))
	return w.Bot.SendMessage(evidenceChat, header, kb)
}

// cbReview handles approve/reject presses in the evidence chat.
func (w *Workflow) cbReview(ctx context.Context, cb *telegram.CallbackQuery, parts []string) error {
	if len(parts) < 6 {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	reviewChat := cb.Message.Chat.ID
	if !w.Bot.IsChatAdmin(reviewChat, cb.From.ID) {
		return w.Bot.AnswerCallback(cb.ID, "Solo administradores pueden revisar.", true)
	}

	caseID, err1 := strconv.ParseInt(parts[2], 10, 64)
	stepNo, err2 := strconv.Atoi(parts[3])
	attempt, err3 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || err3 != nil {
		return w.Bot.AnswerCallback(cb.ID, "", false)
	}
	key := db.StepKey{StepNo: stepNo, Kind: db.StepKind(parts[4])}
	approved := parts[1] == "OK"

	if err := w.Steps.Review(caseID, key, attempt, approved, cb.From.ID); err != nil {
		if err == ErrAlreadyReviewed {
			w.Bot.AnswerCallback(cb.ID, "Este intento ya fue revisado.", true)
			return nil
		}
		return err
	}

	c, err := w.Cases.GetCase(caseID)
	if err != nil {
		return err
	}

	verdict := "✅ aprobado"
	if !approved {
		verdict = "❌ rechazado"
	}
	w.Bot.AnswerCallback(cb.ID, "", false)
	w.Bot.EditMessageText(reviewChat, cb.Message.MessageID,
		fmt.Sprintf("Caso %d — %s intento %d: %s por %s", caseID, db.StepTitle(stepNo), attempt, verdict, cb.From.DisplayName()))
	w.syncAttempt(ctx, c, key, attempt, cb.From.DisplayName())

	if approved {
		if err := w.Bot.SendMessage(c.ChatID,
			fmt.Sprintf("✅ <b>%s</b> aprobado.", db.StepTitle(stepNo)), nil); err != nil {
			log.Printf("Failed to notify approval to chat %d: %v", c.ChatID, err)
		}
		return w.afterApproval(ctx, c, key)
	}

	// Rejection: ask the reviewer for a reason, then the technician retries.
	kind := db.PendingEvidRejectReason
	if key.Kind == db.StepKindAuthorization {
		kind = db.PendingAuthRejectReason
	}
	if err := w.Pending.Arm(&db.PendingInput{
		ChatID:  reviewChat,
		UserID:  cb.From.ID,
		Kind:    kind,
		CaseID:  caseID,
		StepNo:  stepNo,
		Attempt: attempt,
	}); err != nil {
		return err
	}
	w.Bot.SendMessage(reviewChat, "Escribe el motivo del rechazo.", nil)
	return w.Bot.SendMessage(c.ChatID,
		fmt.Sprintf("❌ <b>%s</b> fue rechazado. Vuelve a intentarlo desde el menú.", db.StepTitle(stepNo)), nil)
}

// afterApproval advances the conversation after an approved attempt: an
// approved authorization unlocks the real step's media capture; an approved
// real step returns to the menu, and a completed checklist closes the case.
func (w *Workflow) afterApproval(ctx context.Context, c *db.Case, key db.StepKey) error {
	if key.Kind == db.StepKindAuthorization {
		if _, err := w.Steps.EnsureCurrentAttempt(c.ID, db.RealStep(key.StepNo)); err != nil {
			return err
		}
		if err := w.Cases.SetPhase(c.ID, db.PhaseStepMedia, key.StepNo); err != nil {
			return err
		}
		kb := telegram.Keyboard(telegram.Row(telegram.Btn("✅ Enviar a revisión", fmt.Sprintf("SUBMIT|%d", key.StepNo))))
		return w.Bot.SendMessage(c.ChatID,
			fmt.Sprintf("Autorización aprobada. Ahora envía las fotos de <b>%s</b> (máx. %d) y pulsa el botón.",
				db.StepTitle(key.StepNo), db.MaxMediaPerStep), kb)
	}

	next, err := w.Steps.NextRequiredStep(c.ID, c.InstallMode)
	if err != nil {
		return err
	}
	if next != nil {
		if err := w.Cases.SetPhase(c.ID, db.PhaseMenuEvidence, 0); err != nil {
			return err
		}
		c.Phase = db.PhaseMenuEvidence
		return w.sendEvidenceMenu(c)
	}
	return w.closeCase(ctx, c)
}

// closeCase finishes the workflow: status CLOSED, summary published once to
// the summary chat, final CASOS row enqueued.
func (w *Workflow) closeCase(ctx context.Context, c *db.Case) error {
	closed, err := w.Cases.Close(c.ID)
	if err != nil {
		return err
	}
	w.Pending.Clear(c.ID)

	sum, err := w.Steps.Summarize(c.ID, closed.InstallMode)
	if err != nil {
		return err
	}
	w.syncCase(ctx, c.ID)

	summary := fmt.Sprintf(
		"📋 <b>CASO %d CERRADO</b>\nTécnico: %s\nAbonado: %s\nModo: %s\nPasos aprobados: %d/%d\nEvidencias: %d\nDuración: %d min",
		closed.ID, closed.TechnicianName, closed.AbonadoCode, closed.InstallMode,
		sum.ApprovedSteps, sum.TotalSteps, sum.TotalEvidences,
		int(closed.FinishedAt.Sub(closed.CreatedAt).Minutes()))

	if _, summaryChat, err := w.Routing.ResolveDestinations(closed.ChatID); err == nil && summaryChat != 0 {
		if err := w.Bot.SendMessage(summaryChat, summary, nil); err != nil {
			log.Printf("Failed to publish summary of case %d: %v", closed.ID, err)
		}
	}
	return w.Bot.SendMessage(closed.ChatID, "🎉 Checklist completo. "+summary, nil)
}

// =====================
// FREE TEXT / LOCATION / MEDIA
// =====================

func (w *Workflow) handleText(ctx context.Context, msg *telegram.Message) error {
	// A pending input wins over any case phase.
	p, err := w.Pending.Take(msg.Chat.ID, msg.From.ID)
	if err != nil {
		return err
	}
	if p != nil {
		return w.consumePendingInput(ctx, msg, p)
	}

	c, err := w.Cases.GetOpenCase(msg.Chat.ID, msg.From.ID)
	if err != nil || c == nil {
		return err
	}

	switch c.Phase {
	case db.PhaseWaitAbonado:
		code := strings.TrimSpace(msg.Text)
		if code == "" {
			return nil
		}
		if _, err := w.Cases.AdvanceIntake(c.ID, 2, db.PhaseWaitLocation, func(cs *db.Case) {
			cs.AbonadoCode = code
		}); err != nil {
			return err
		}
		return w.Bot.SendMessage(c.ChatID, "Comparte la <b>ubicación</b> del domicilio (clip 📎 → Ubicación).", nil)
	case db.PhaseAuthTextWait:
		key := db.AuthStep(c.PendingStepNo)
		att, err := w.Steps.EnsureCurrentAttempt(c.ID, key)
		if err != nil {
			return err
		}
		if err := w.Steps.SaveAuthorizationText(c.ID, c.PendingStepNo, att.Attempt, msg.Text, msg.MessageID); err != nil {
			return err
		}
		// Text mode submits on receipt; only the media mode keeps an
		// explicit send button.
		if !w.ChatConfig.ApprovalRequired(ctx, c.ChatID) {
			if err := w.Steps.AutoApprove(c.ID, key, att.Attempt); err != nil {
				return err
			}
			w.syncAttempt(ctx, c, key, att.Attempt, "")
			if err := w.Bot.SendMessage(c.ChatID, "Autorización registrada ✅", nil); err != nil {
				log.Printf("Failed to confirm authorization to chat %d: %v", c.ChatID, err)
			}
			return w.afterApproval(ctx, c, key)
		}
		if err := w.Steps.Submit(c.ID, key, att.Attempt); err != nil {
			return err
		}
		w.syncAttempt(ctx, c, key, att.Attempt, "")
		if err := w.forwardForReview(c, key, att.Attempt); err != nil {
			log.Printf("Failed to forward case %d authorization for review: %v", c.ID, err)
		}
		if err := w.Cases.SetPhase(c.ID, db.PhaseMenuEvidence, 0); err != nil {
			return err
		}
		c.Phase = db.PhaseMenuEvidence
		if err := w.Bot.SendMessage(c.ChatID, "Texto registrado; enviado a revisión 🔎", nil); err != nil {
			log.Printf("Failed to confirm submission to chat %d: %v", c.ChatID, err)
		}
		return w.sendEvidenceMenu(c)
	}
	return nil
}

func (w *Workflow) consumePendingInput(ctx context.Context, msg *telegram.Message, p *db.PendingInput) error {
	switch p.Kind {
	case db.PendingPairingCode:
		return w.redeemPairing(msg, strings.ToUpper(strings.TrimSpace(msg.Text)))
	case db.PendingAuthRejectReason, db.PendingEvidRejectReason:
		key := db.RealStep(p.StepNo)
		if p.Kind == db.PendingAuthRejectReason {
			key = db.AuthStep(p.StepNo)
		}
		if err := w.Steps.SetRejectReason(p.CaseID, key, p.Attempt, msg.Text, msg.From.ID); err != nil {
			return err
		}
		c, err := w.Cases.GetCase(p.CaseID)
		if err != nil {
			return err
		}
		w.syncAttempt(ctx, c, key, p.Attempt, msg.From.DisplayName())
		w.Bot.SendMessage(msg.Chat.ID, "Motivo registrado.", nil)
		return w.Bot.SendMessage(c.ChatID,
			fmt.Sprintf("Motivo del rechazo de <b>%s</b>: %s", db.StepTitle(p.StepNo), msg.Text), nil)
	}
	return nil
}

func (w *Workflow) handleLocation(msg *telegram.Message) error {
	c, err := w.Cases.GetOpenCase(msg.Chat.ID, msg.From.ID)
	if err != nil || c == nil {
		return err
	}
	if c.Phase != db.PhaseWaitLocation {
		return nil
	}
	now := time.Now()
	lat, lon := msg.Location.Latitude, msg.Location.Longitude
	if _, err := w.Cases.AdvanceIntake(c.ID, 3, db.PhaseMenuInstall, func(cs *db.Case) {
		cs.LocationLat = &lat
		cs.LocationLon = &lon
		cs.LocationAt = &now
	}); err != nil {
		return err
	}
	kb := telegram.Keyboard(
		telegram.Row(telegram.Btn("🏠 EXTERNA", "MODE|"+db.ModeExterna)),
		telegram.Row(telegram.Btn("🏢 INTERNA", "MODE|"+db.ModeInterna)),
	)
	return w.Bot.SendMessage(c.ChatID, "Ubicación registrada 📍. ¿Qué tipo de instalación es?", kb)
}

func (w *Workflow) handleMedia(ctx context.Context, msg *telegram.Message) error {
	c, err := w.Cases.GetOpenCase(msg.Chat.ID, msg.From.ID)
	if err != nil || c == nil {
		return err
	}

	var key db.StepKey
	switch c.Phase {
	case db.PhaseStepMedia:
		key = db.RealStep(c.PendingStepNo)
	case db.PhaseAuthMedia, db.PhaseAuthReview:
		key = db.AuthStep(c.PendingStepNo)
	default:
		return nil
	}

	att, err := w.Steps.EnsureCurrentAttempt(c.ID, key)
	if err != nil {
		return err
	}

	item := mediaFromMessage(msg, c, att.Attempt)
	if item == nil {
		return nil
	}
	err = w.Steps.RecordMedia(c.ID, key, att.Attempt, item)
	switch err {
	case nil:
	case ErrCapacityExceeded:
		return w.Bot.SendMessage(c.ChatID,
			fmt.Sprintf("Límite de %d fotos por paso alcanzado. Pulsa el botón para enviar a revisión.", db.MaxMediaPerStep), nil)
	case ErrAlreadySubmitted:
		return w.Bot.SendMessage(c.ChatID, "Este paso ya está en revisión; espera el resultado.", nil)
	default:
		return err
	}

	// The first capture moves the authorization to its review phase.
	if c.Phase == db.PhaseAuthMedia {
		if err := w.Cases.SetPhase(c.ID, db.PhaseAuthReview, c.PendingStepNo); err != nil {
			return err
		}
	}

	w.syncMedia(item)
	count, err := w.Steps.CountMedia(c.ID, key, att.Attempt)
	if err != nil {
		return err
	}
	return w.Bot.SendMessage(c.ChatID,
		fmt.Sprintf("Foto %d/%d recibida ✔️", count, db.MaxMediaPerStep), nil)
}

// mediaFromMessage extracts the largest photo size, or the video, of a message.
func mediaFromMessage(msg *telegram.Message, c *db.Case, attempt int) *db.MediaItem {
	meta := db.MediaMeta{
		FromUserID:   msg.From.ID,
		FromUsername: msg.From.Username,
		FromName:     msg.From.FullName(),
		Caption:      msg.Caption,
		Phase:        c.Phase,
		StepPending:  c.PendingStepNo,
		Attempt:      attempt,
	}
	if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		return &db.MediaItem{
			CaseID: c.ID, StepNo: c.PendingStepNo, Attempt: attempt,
			FileType: "photo", FileID: best.FileID, FileUniqueID: best.FileUniqueID,
			MessageID: msg.MessageID, Meta: meta,
			Kind: kindForPhase(c.Phase),
		}
	}
	if msg.Video != nil {
		return &db.MediaItem{
			CaseID: c.ID, StepNo: c.PendingStepNo, Attempt: attempt,
			FileType: "video", FileID: msg.Video.FileID, FileUniqueID: msg.Video.FileUniqueID,
			MessageID: msg.MessageID, Meta: meta,
			Kind: kindForPhase(c.Phase),
		}
	}
	return nil
}

func kindForPhase(phase string) db.StepKind {
	if phase == db.PhaseAuthMedia || phase == db.PhaseAuthReview {
		return db.StepKindAuthorization
	}
	return db.StepKindReal
}

// =====================
// MENUS
// =====================

func (w *Workflow) sendTechnicianMenu(chatID int64) error {
	names := w.Roster.Technicians()
	rows := make([][]telegram.InlineButton, 0, len(names))
	for _, name := range names {
		rows = append(rows, telegram.Row(telegram.Btn(name, "TECH|"+name)))
	}
	return w.Bot.SendMessage(chatID, "👷 ¿Quién realiza la instalación?", &telegram.InlineKeyboard{InlineKeyboard: rows})
}

func (w *Workflow) sendServiceMenu(chatID int64, technician string) error {
	rows := make([][]telegram.InlineButton, 0, len(db.ServiceTypes))
	for _, svc := range db.ServiceTypes {
		rows = append(rows, telegram.Row(telegram.Btn(svc, "SERV|"+svc)))
	}
	return w.Bot.SendMessage(chatID,
		fmt.Sprintf("Técnico: <b>%s</b>\n¿Qué tipo de servicio es?", technician),
		&telegram.InlineKeyboard{InlineKeyboard: rows})
}

// sendEvidenceMenu renders the checklist with per-step status marks. Pending
// steps past the next required one are shown locked.
func (w *Workflow) sendEvidenceMenu(c *db.Case) error {
	done, err := w.Steps.DoneSteps(c.ID)
	if err != nil {
		return err
	}
	next, err := w.Steps.NextRequiredStep(c.ID, c.InstallMode)
	if err != nil {
		return err
	}

	items := db.ChecklistForMode(c.InstallMode)
	rows := make([][]telegram.InlineButton, 0, len(items))
	for _, item := range items {
		mark := "🔒"
		switch {
		case done[item.StepNo]:
			mark = "✅"
		case next != nil && next.StepNo == item.StepNo:
			mark = "▶️"
		}
		label := fmt.Sprintf("%s %d. %s", mark, item.Ordinal, item.Label)
		rows = append(rows, telegram.Row(telegram.Btn(label, fmt.Sprintf("EVID|%d", item.StepNo))))
	}
	header := fmt.Sprintf("📋 <b>Checklist %s</b> — caso %d\nAprobados: %d/%d",
		c.InstallMode, c.ID, len(done), len(items))
	return w.Bot.SendMessage(c.ChatID, header, &telegram.InlineKeyboard{InlineKeyboard: rows})
}

// =====================
// OUTBOX SYNC
// =====================

// syncCase enqueues the CASOS row for a case's current state.
func (w *Workflow) syncCase(ctx context.Context, caseID int64) {
	c, err := w.Cases.GetCase(caseID)
	if err != nil {
		log.Printf("Failed to load case %d for sync: %v", caseID, err)
		return
	}
	sum, err := w.Steps.Summarize(caseID, c.InstallMode)
	if err != nil {
		log.Printf("Failed to summarize case %d for sync: %v", caseID, err)
		sum = nil
	}
	row := BuildCasoRow(c, sum, w.ChatConfig.ApprovalRequired(ctx, c.ChatID), w.BotVersion)
	if err := w.Outbox.Enqueue(sheets.SheetCasos, CasoDedupeKey(c.ID), row); err != nil {
		log.Printf("Failed to enqueue CASOS row for case %d: %v", c.ID, err)
	}
}

// syncAttempt enqueues the DETALLE_PASOS row for one attempt, plus a fresh
// CASOS row so the aggregates stay current.
func (w *Workflow) syncAttempt(ctx context.Context, c *db.Case, key db.StepKey, attempt int, reviewerName string) {
	att, err := w.Steps.GetAttempt(c.ID, key, attempt)
	if err != nil {
		log.Printf("Failed to load attempt for sync: %v", err)
		return
	}
	items, err := w.Steps.ListMedia(c.ID, key, attempt)
	if err != nil {
		log.Printf("Failed to list media for sync: %v", err)
	}
	ids := make([]int64, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.MessageID)
	}
	row := BuildDetallePasoRow(c.ID, key, att, len(items), ids, reviewerName)
	if err := w.Outbox.Enqueue(sheets.SheetDetallePasos, DetalleDedupeKey(c.ID, key, attempt), row); err != nil {
		log.Printf("Failed to enqueue DETALLE_PASOS row: %v", err)
	}
	w.syncCase(ctx, c.ID)
}

// syncMedia enqueues one EVIDENCIAS row per stored file.
func (w *Workflow) syncMedia(m *db.MediaItem) {
	key := db.StepKey{StepNo: m.StepNo, Kind: m.Kind}
	dedupe := EvidenciaDedupeKey(m.CaseID, key, m.Attempt, m.MessageID)
	if err := w.Outbox.Enqueue(sheets.SheetEvidencias, dedupe, BuildEvidenciaRow(m)); err != nil {
		log.Printf("Failed to enqueue EVIDENCIAS row: %v", err)
	}
}

func onOff(b bool) string {
	if b {
		return "ACTIVADA"
	}
	return "DESACTIVADA"
}
