package sheets

// Worksheet names inside the operations spreadsheet.
const (
	SheetCasos        = "CASOS"
	SheetDetallePasos = "DETALLE_PASOS"
	SheetEvidencias   = "EVIDENCIAS"
	SheetTecnicos     = "TECNICOS"
	SheetRuteo        = "RUTEO"
)

// Column contracts. Headers must pre-exist in the spreadsheet; a missing
// column makes the sheet refuse writes instead of silently dropping data.
var (
	CasosColumns = []string{
		"case_id", "estado", "chat_id_origen", "fecha_inicio", "hora_inicio", "fecha_cierre", "hora_cierre", "duracion_min",
		"tecnico_nombre", "tecnico_user_id", "tipo_servicio", "codigo_abonado", "modo_instalacion", "latitud", "longitud",
		"link_maps", "total_pasos", "pasos_aprobados", "pasos_rechazados", "total_evidencias", "requiere_aprobacion",
		"registrado_en", "version_bot",
	}

	DetallePasosColumns = []string{
		"case_id", "paso_numero", "paso_nombre", "attempt", "estado_paso", "revisado_por", "fecha_revision", "hora_revision",
		"motivo_rechazo", "cantidad_fotos", "ids_mensajes",
	}

	EvidenciasColumns = []string{
		"case_id", "paso_numero", "attempt", "file_id", "file_unique_id", "mensaje_telegram_id", "fecha_carga", "hora_carga",
		"grupo_evidencias",
	}

	TecnicosColumns = []string{"nombre", "alias", "orden", "activo"}

	RuteoColumns = []string{
		"chat_id_origen", "chat_id_evidencias", "chat_id_resumen", "alias", "activo", "actualizado_por", "actualizado_en",
	}
)

// KeyColumns gives the natural-key columns per sheet; the dedupe key is the
// pipe-joined values of these columns.
var KeyColumns = map[string][]string{
	SheetCasos:        {"case_id"},
	SheetDetallePasos: {"case_id", "paso_numero", "attempt"},
	SheetEvidencias:   {"case_id", "paso_numero", "attempt", "mensaje_telegram_id"},
	SheetTecnicos:     {"nombre"},
	SheetRuteo:        {"chat_id_origen"},
}

// Columns gives the full header contract per sheet.
var Columns = map[string][]string{
	SheetCasos:        CasosColumns,
	SheetDetallePasos: DetallePasosColumns,
	SheetEvidencias:   EvidenciasColumns,
	SheetTecnicos:     TecnicosColumns,
	SheetRuteo:        RuteoColumns,
}
