// Package reply holds the user-facing Spanish message templates. Defaults
// are compiled in; a YAML file can override any of them without a rebuild.
package reply

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template keys.
const (
	AskAddress             = "ask_address"
	AskReportType          = "ask_report_type"
	AskPhoto               = "ask_photo"
	AskPhotos              = "ask_photos"
	AskSchedule            = "ask_schedule"
	AskSituation           = "ask_situation"
	AskPatente             = "ask_patente"
	AskInfractionTime      = "ask_infraction_time"
	AskPatenteConfirmation = "ask_patente_confirmation"
	SubmitSuccessRef       = "submit_success_ref"
	SubmitSuccessNoRef     = "submit_success_noref"
	DuplicateFound         = "duplicate_found"
	DuplicateFoundNoRef    = "duplicate_found_noref"
	RetryScheduled         = "retry_scheduled"
	RetryFinalFailure      = "retry_final_failure"
	ExtractionFailed       = "extraction_failed"
	CorrectionQueued       = "correction_queued"
	CorrectionResubmitted  = "correction_resubmitted"
)

var defaults = map[string]string{
	AskAddress:             "¿En qué dirección es? Mandame calle y altura, por ejemplo: Pasteur 415.",
	AskReportType:          "¿Qué querés reportar en {address}? (basura, barrido, vereda obstruida, manteros, vehículo mal estacionado...)",
	AskPhoto:               "Necesito una foto para poder mandar la solicitud. ¿Me la pasás?",
	AskPhotos:              "Para un vehículo mal estacionado necesito al menos 2 fotos donde se vea el auto y la patente.",
	AskSchedule:            "¿En qué horario suelen estar los manteros en {address}?",
	AskSituation:           "¿El puesto está obstruyendo la vereda, abandonado o deteriorado?",
	AskPatente:             "¿Cuál es la patente del vehículo?",
	AskInfractionTime:      "¿A qué hora lo viste mal estacionado? (por ejemplo 14:30, o \"ahora\")",
	AskPatenteConfirmation: "Leí la patente {patente}. ¿Es correcta? Respondé \"sí\" o mandame la patente correcta.",
	SubmitSuccessRef:       "Listo, mandé la solicitud de {tipo} en {address} #{ref}",
	SubmitSuccessNoRef:     "Listo, mandé la solicitud de {tipo} en {address}.",
	DuplicateFound:         "Ya hay una solicitud reciente de {tipo} en {address} (#{ref}), no la mando de nuevo.",
	DuplicateFoundNoRef:    "Ya hay una solicitud reciente de {tipo} en {address}, no la mando de nuevo.",
	RetryScheduled:         "No pude mandar la solicitud de {address}. Reintento {attempt} en {eta}.",
	RetryFinalFailure:      "No pude mandar la solicitud de {address} después de varios intentos. Podés cargarla a mano acá: {url}",
	ExtractionFailed:       "No pude procesar el mensaje recién, ¿me lo repetís en un rato?",
	CorrectionQueued:       "Corregí la dirección a {address} antes de mandarla.",
	CorrectionResubmitted:  "La anterior ya estaba saliendo; mando una nueva con la dirección {address}.",
}

// Catalog resolves template keys to rendered text.
type Catalog struct {
	templates map[string]string
}

// NewCatalog returns a catalog with the built-in defaults.
func NewCatalog() *Catalog {
	t := make(map[string]string, len(defaults))
	for k, v := range defaults {
		t[k] = v
	}
	return &Catalog{templates: t}
}

// LoadOverrides merges templates from a YAML file (flat map of key: text).
// Unknown keys are kept too so operators can A/B new texts from config.
func (c *Catalog) LoadOverrides(path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no reply overrides file, using defaults", "path", path)
			return nil
		}
		return fmt.Errorf("read reply overrides: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse reply overrides: %w", err)
	}
	for k, v := range overrides {
		c.templates[k] = v
	}
	logger.Info("loaded reply overrides", "path", path, "count", len(overrides))
	return nil
}

// Render substitutes {placeholders} in the template named by key.
func (c *Catalog) Render(key string, vars map[string]string) string {
	t, ok := c.templates[key]
	if !ok {
		return ""
	}
	for k, v := range vars {
		t = strings.ReplaceAll(t, "{"+k+"}", v)
	}
	return t
}

// Get returns the raw template for key.
func (c *Catalog) Get(key string) string { return c.templates[key] }
