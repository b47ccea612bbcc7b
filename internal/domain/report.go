package domain

import "time"

// ReportType identifies the kind of civic complaint being filed.
type ReportType string

const (
	ReportRecoleccion           ReportType = "recoleccion"
	ReportBarrido               ReportType = "barrido"
	ReportObstruccion           ReportType = "obstruccion"
	ReportOcupacionComercial    ReportType = "ocupacion_comercial"
	ReportOcupacionGastronomica ReportType = "ocupacion_gastronomica"
	ReportManteros              ReportType = "manteros"
	ReportPuestoDiarios         ReportType = "puesto_diarios"
	ReportPuestoFlores          ReportType = "puesto_flores"
	ReportVehiculo              ReportType = "vehiculo_mal_estacionado"
)

// FieldTag names the single piece of information a conversation is waiting for.
type FieldTag string

const (
	FieldAddress             FieldTag = "address"
	FieldReportType          FieldTag = "reportType"
	FieldPhoto               FieldTag = "photo"
	FieldPhotos              FieldTag = "photos"
	FieldSchedule            FieldTag = "schedule"
	FieldSituationType       FieldTag = "situationType"
	FieldPatente             FieldTag = "patente"
	FieldInfractionTime      FieldTag = "infractionTime"
	FieldPatenteConfirmation FieldTag = "patenteConfirmation"
)

// Situation types for newsstand / flower-stand reports.
const (
	SituationObstruccion = "obstruccion"
	SituationAbandono    = "abandono"
	SituationDeterioro   = "deterioro"
)

// DefaultContainerType is assumed for trash-pickup reports when the sender
// does not say which container is affected.
const DefaultContainerType = "negro"

// MinVehiclePhotos is the minimum photo count the municipal form accepts for
// a badly-parked-vehicle report.
const MinVehiclePhotos = 2

// RequestDraft accumulates extracted and answered fields until the draft is
// complete enough for its report type to become a SubmissionJob.
type RequestDraft struct {
	Address        string
	ReportType     ReportType
	ContainerType  string
	Schedule       string
	SituationType  string
	Patente        string
	InfractionTime string
	PhotoPaths     []string
	// PatenteConfirmed is set once the sender explicitly confirmed the plate;
	// vehicle reports are never enqueued without it.
	PatenteConfirmed bool
	PostToX          bool
	MsgIndexes       []int // indexes of the batch messages this draft came from (best effort)
}

// HasPhoto reports whether the draft references at least one photo file.
func (d *RequestDraft) HasPhoto() bool { return len(d.PhotoPaths) > 0 }

// MissingField returns the next field required before the draft can be
// enqueued, in the order the conversation should ask for it. The boolean is
// false when the draft is complete.
func (d *RequestDraft) MissingField() (FieldTag, bool) {
	if d.Address == "" {
		return FieldAddress, true
	}
	if d.ReportType == "" {
		return FieldReportType, true
	}
	switch d.ReportType {
	case ReportRecoleccion:
		// containerType has a documented default, never asked for.
	case ReportManteros:
		if d.Schedule == "" {
			return FieldSchedule, true
		}
	case ReportPuestoDiarios, ReportPuestoFlores:
		if d.SituationType == "" {
			return FieldSituationType, true
		}
	case ReportVehiculo:
		if len(d.PhotoPaths) < MinVehiclePhotos {
			return FieldPhotos, true
		}
		if d.Patente == "" {
			return FieldPatente, true
		}
		if d.InfractionTime == "" {
			return FieldInfractionTime, true
		}
		if !d.PatenteConfirmed {
			return FieldPatenteConfirmation, true
		}
	}
	return "", false
}

// Normalize applies per-type defaults before validation.
func (d *RequestDraft) Normalize() {
	if d.ReportType == ReportRecoleccion && d.ContainerType == "" {
		d.ContainerType = DefaultContainerType
	}
}

// SubmissionJob is a fully-resolved draft waiting in the global queue.
type SubmissionJob struct {
	ID              string
	SenderID        string
	SenderName      string
	Draft           RequestDraft
	QuotedMessageID string
	RetryCount      int
	EnqueuedAt      time.Time
}

// DuplicateRecord is one line of the append-only submission log.
type DuplicateRecord struct {
	ReferenceID string
	Address     string
	ReportType  ReportType
	Patente     string
	URL         string
	Timestamp   time.Time
}
