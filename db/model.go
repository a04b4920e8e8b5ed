package db

import (
	"fmt"
	"time"
)

// ===========================
// CASE MODELS
// ===========================

// Case is one evidence-collection workflow instance for one technician in one chat.
type Case struct {
	ID             int64      `json:"case_id"`
	ChatID         int64      `json:"chat_id"`
	UserID         int64      `json:"user_id"`
	Username       string     `json:"username,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         string     `json:"status"` // OPEN, CLOSED, CANCELLED
	StepIndex      int        `json:"step_index"`
	Phase          string     `json:"phase"`
	PendingStepNo  int        `json:"pending_step_no,omitempty"`
	TechnicianName string     `json:"technician_name,omitempty"`
	ServiceType    string     `json:"service_type,omitempty"`
	AbonadoCode    string     `json:"abonado_code,omitempty"`
	LocationLat    *float64   `json:"location_lat,omitempty"`
	LocationLon    *float64   `json:"location_lon,omitempty"`
	LocationAt     *time.Time `json:"location_at,omitempty"`
	InstallMode    string     `json:"install_mode,omitempty"` // EXTERNA, INTERNA
}

// Case status values
const (
	CaseStatusOpen      = "OPEN"
	CaseStatusClosed    = "CLOSED"
	CaseStatusCancelled = "CANCELLED"
)

// Case phases: one per pending question/input.
const (
	PhaseWaitTechnician = "WAIT_TECHNICIAN"
	PhaseWaitService    = "WAIT_SERVICE"
	PhaseWaitAbonado    = "WAIT_ABONADO"
	PhaseWaitLocation   = "WAIT_LOCATION"
	PhaseMenuInstall    = "MENU_INST"
	PhaseMenuEvidence   = "MENU_EVID"
	PhaseEvidenceAction = "EVID_ACTION"
	PhaseAuthAsk        = "AUTH_ASK"
	PhaseAuthMode       = "AUTH_MODE"
	PhaseAuthTextWait   = "AUTH_TEXT_WAIT"
	PhaseAuthMedia      = "AUTH_MEDIA"
	PhaseAuthReview     = "AUTH_REVIEW"
	PhaseStepMedia      = "STEP_MEDIA"
	PhaseClosed         = "CLOSED"
	PhaseCancelled      = "CANCELLED"
)

// ===========================
// STEP MODELS
// ===========================

// StepKind discriminates a real checklist step from its authorization shadow step.
// Attempts, media and review outcomes of the two kinds never mix.
type StepKind string

const (
	StepKindReal          StepKind = "REAL"
	StepKindAuthorization StepKind = "AUTH"
)

// StepKey addresses one step of a case: checklist step number plus kind.
type StepKey struct {
	StepNo int      `json:"step_no"`
	Kind   StepKind `json:"kind"`
}

// RealStep and AuthStep are the two ways a checklist step number is acted on.
func RealStep(stepNo int) StepKey { return StepKey{StepNo: stepNo, Kind: StepKindReal} }
func AuthStep(stepNo int) StepKey { return StepKey{StepNo: stepNo, Kind: StepKindAuthorization} }

// StepAttempt is one numbered submission cycle for a (case, step key).
type StepAttempt struct {
	CaseID         int64      `json:"case_id"`
	StepNo         int        `json:"step_no"`
	Kind           StepKind   `json:"kind"`
	Attempt        int        `json:"attempt"`
	Submitted      bool       `json:"submitted"`
	Approved       *bool      `json:"approved,omitempty"` // nil while review pending
	ReviewedBy     int64      `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RejectReason   string     `json:"reject_reason,omitempty"`
	RejectReasonBy int64      `json:"reject_reason_by,omitempty"`
	RejectReasonAt *time.Time `json:"reject_reason_at,omitempty"`
}

// StepStatus values derived from the attempt history of a (case, step key).
const (
	StepNotStarted = "NOT_STARTED"
	StepInProgress = "IN_PROGRESS"
	StepInReview   = "IN_REVIEW"
	StepDone       = "DONE"
	StepRejected   = "REJECTED"
)

// MediaItem is one uploaded file attached to a (case, step key, attempt).
type MediaItem struct {
	ID           int64     `json:"media_id"`
	CaseID       int64     `json:"case_id"`
	StepNo       int       `json:"step_no"`
	Kind         StepKind  `json:"kind"`
	Attempt      int       `json:"attempt"`
	FileType     string    `json:"file_type"` // photo, video
	FileID       string    `json:"file_id"`
	FileUniqueID string    `json:"file_unique_id,omitempty"`
	MessageID    int64     `json:"tg_message_id"`
	Meta         MediaMeta `json:"meta"`
	CreatedAt    time.Time `json:"created_at"`
}

// MediaMeta is free-form context captured with an upload.
type MediaMeta struct {
	FromUserID   int64  `json:"from_user_id,omitempty"`
	FromUsername string `json:"from_username,omitempty"`
	FromName     string `json:"from_name,omitempty"`
	Caption      string `json:"caption,omitempty"`
	Phase        string `json:"phase,omitempty"`
	StepPending  int    `json:"step_pending,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
}

// AuthorizationText is a free-text authorization submitted in lieu of media.
type AuthorizationText struct {
	ID        int64     `json:"auth_id"`
	CaseID    int64     `json:"case_id"`
	StepNo    int       `json:"step_no"`
	Attempt   int       `json:"attempt"`
	Text      string    `json:"text"`
	MessageID int64     `json:"tg_message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ===========================
// PENDING INPUT MODELS
// ===========================

// PendingInput marks that the next free-text message from (chat, user) should be
// consumed as a specific structured answer. At most one per (chat, user, kind).
type PendingInput struct {
	ID               int64     `json:"pending_id"`
	ChatID           int64     `json:"chat_id"`
	UserID           int64     `json:"user_id"`
	Kind             string    `json:"kind"`
	CaseID           int64     `json:"case_id"`
	StepNo           int       `json:"step_no"`
	Attempt          int       `json:"attempt"`
	CreatedAt        time.Time `json:"created_at"`
	ReplyToMessageID int64     `json:"reply_to_message_id,omitempty"`
	TechUserID       int64     `json:"tech_user_id,omitempty"`
}

// Pending input kinds
const (
	PendingAuthRejectReason = "AUTH_REJECT_REASON"
	PendingEvidRejectReason = "EVID_REJECT_REASON"
	PendingPairingCode      = "PAIRING_CODE"
)

// ChatConfig is per-chat behavior: whether reviewer approval is required.
type ChatConfig struct {
	ChatID           int64      `json:"chat_id"`
	ApprovalRequired bool       `json:"approval_required"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// ===========================
// OUTBOX MODELS
// ===========================

// OutboxEntry is one pending write to the external spreadsheet.
type OutboxEntry struct {
	ID          int64      `json:"outbox_id"`
	SheetName   string     `json:"sheet_name"`
	OpType      string     `json:"op_type"`
	DedupeKey   string     `json:"dedupe_key"`
	RowJSON     string     `json:"row_json"`
	Status      string     `json:"status"` // PENDING, FAILED, SENT, DEAD
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Outbox statuses
const (
	OutboxPending = "PENDING"
	OutboxFailed  = "FAILED"
	OutboxSent    = "SENT"
	OutboxDead    = "DEAD"
)

// Outbox op types
const (
	OutboxOpUpsert = "UPSERT"
)

// ===========================
// ROUTING MODELS
// ===========================

// RoutingEntry maps an origin chat to the destination chats that receive
// evidence copies and case summaries.
type RoutingEntry struct {
	OriginChatID   int64      `json:"origin_chat_id"`
	EvidenceChatID int64      `json:"evidence_chat_id,omitempty"`
	SummaryChatID  int64      `json:"summary_chat_id,omitempty"`
	Alias          string     `json:"alias,omitempty"`
	IsActive       bool       `json:"is_active"`
	UpdatedBy      int64      `json:"updated_by,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// PairingPurpose selects which routing destination a pairing code binds.
type PairingPurpose string

const (
	PairingEvidence PairingPurpose = "EVIDENCE"
	PairingSummary  PairingPurpose = "SUMMARY"
)

// PairingToken is a single-use, time-limited code binding a destination chat
// to an origin chat's routing configuration.
type PairingToken struct {
	ID           string         `json:"id"`
	Code         string         `json:"code"`
	OriginChatID int64          `json:"origin_chat_id"`
	Purpose      PairingPurpose `json:"purpose"`
	CreatedBy    int64          `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Used         bool           `json:"used"`
	UsedBy       int64          `json:"used_by,omitempty"`
	UsedChatID   int64          `json:"used_chat_id,omitempty"`
	UsedAt       *time.Time     `json:"used_at,omitempty"`
}

// TechnicianRosterEntry is one selectable technician, sourced from the
// TECNICOS sheet and cached locally.
type TechnicianRosterEntry struct {
	Name         string `json:"name"`
	Alias        string `json:"alias,omitempty"`
	DisplayOrder int    `json:"display_order"`
	IsActive     bool   `json:"is_active"`
}

// ===========================
// CHECKLIST DEFINITIONS
// ===========================

// Install modes
const (
	ModeExterna = "EXTERNA"
	ModeInterna = "INTERNA"
)

// Service types offered at intake. Only ALTA NUEVA has a generated flow.
var ServiceTypes = []string{"ALTA NUEVA", "POSTVENTA", "AVERIAS"}

// ServiceTypeAltaNueva is the only service type with a generated checklist.
const ServiceTypeAltaNueva = "ALTA NUEVA"

// ChecklistItem is one evidence item in an ordered install checklist.
type ChecklistItem struct {
	Ordinal int    // 1-based position shown to the technician
	Label   string
	StepNo  int // internal step number, shared across modes
}

// ExternaChecklist is the 11-item checklist for external installs.
var ExternaChecklist = []ChecklistItem{
	{1, "FACHADA", 5},
	{2, "CTO", 6},
	{3, "POTENCIA EN CTO", 7},
	{4, "PRECINTO ROTULADOR", 8},
	{5, "FALSO TRAMO", 9},
	{6, "ANCLAJE", 10},
	{7, "ROSETA + MEDICION POTENCIA", 11},
	{8, "MAC ONT", 12},
	{9, "ONT", 13},
	{10, "TEST DE VELOCIDAD", 14},
	{11, "ACTA DE INSTALACION", 15},
}

// InternaChecklist is the 9-item checklist for internal installs.
var InternaChecklist = []ChecklistItem{
	{1, "FACHADA", 5},
	{2, "CTO", 6},
	{3, "POTENCIA EN CTO", 7},
	{4, "PRECINTO ROTULADOR", 8},
	{5, "ROSETA + MEDICION POTENCIA", 11},
	{6, "MAC ONT", 12},
	{7, "ONT", 13},
	{8, "TEST DE VELOCIDAD", 14},
	{9, "ACTA DE INSTALACION", 15},
}

// ChecklistForMode returns the ordered checklist for an install mode.
func ChecklistForMode(mode string) []ChecklistItem {
	if mode == ModeInterna {
		return InternaChecklist
	}
	return ExternaChecklist
}

// StepDef is the title and capture instructions for a media step.
type StepDef struct {
	Title  string
	Prompt string
}

// StepDefs indexes capture instructions by internal step number.
var StepDefs = map[int]StepDef{
	5:  {"FACHADA", "Envía foto de Fachada con placa de dirección y/o suministro eléctrico"},
	6:  {"CTO", "Envía foto panorámica de la CTO o FAT rotulada"},
	7:  {"POTENCIA EN CTO", "Envía la foto de la medida de potencia del puerto a utilizar"},
	8:  {"PRECINTO ROTULADOR", "Envía la foto del cintillo rotulado identificando al cliente (DNI o CE y nro de puerto)"},
	9:  {"FALSO TRAMO", "Envía foto del tramo de ingreso al domicilio"},
	10: {"ANCLAJE", "Envía foto del punto de anclaje de la fibra drop en el domicilio"},
	11: {"ROSETA + MEDICION POTENCIA", "Envía foto de la roseta abierta y medición de potencia"},
	12: {"MAC ONT", "Envía foto de la MAC (Etiqueta) de la ONT y/o equipos usados"},
	13: {"ONT", "Envía foto panorámica de la ONT operativa"},
	14: {"TEST DE VELOCIDAD", "Envía foto del test de velocidad App Speedtest mostrar ID y fecha claramente"},
	15: {"ACTA DE INSTALACION", "Envía foto del acta de instalación completa con la firma de cliente y datos llenos"},
}

// StepTitle returns the display title for a step number.
func StepTitle(stepNo int) string {
	if def, ok := StepDefs[stepNo]; ok {
		return def.Title
	}
	return fmt.Sprintf("PASO %d", stepNo)
}

// MinStepNo and MaxStepNo bound the valid media step numbers.
const (
	MinStepNo = 5
	MaxStepNo = 15
)

// DefaultTechnicians is the built-in roster used when the TECNICOS sheet is
// empty or unreachable.
var DefaultTechnicians = []string{
	"FLORO FERNANDEZ VASQUEZ",
	"ANTONY SALVADOR CORONADO",
	"DANIEL EDUARDO LUCENA PIÑANGO",
	"TELMER ROMUALDO RODRIGUEZ",
	"LUIS OMAR EPEQUIN ZAPATA",
	"CESAR ABRAHAM VASQUEZ MEZA",
}

// MaxMediaPerStep caps uploads per attempt.
const MaxMediaPerStep = 8
