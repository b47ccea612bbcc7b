package submitter

import "github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"

// FormSelectors are the CSS selectors for the municipal request form. They
// live in one place because the site redesigns break them all at once.
type FormSelectors struct {
	AddressInput     string
	AddressSuggest   string
	DetailTextarea   string
	ContainerSelect  string
	ScheduleInput    string
	SituationSelect  string
	PlateInput       string
	TimeInput        string
	PhotoInput       string
	SubmitButton     string
	ReferenceText    string
	ValidationError  string
	LoginForm        string
}

// DefaultSelectors returns the selectors for the current site layout.
func DefaultSelectors() FormSelectors {
	return FormSelectors{
		AddressInput:    "#direccion",
		AddressSuggest:  ".ui-autocomplete li:first-child",
		DetailTextarea:  "#descripcion",
		ContainerSelect: "#tipo-contenedor",
		ScheduleInput:   "#horario",
		SituationSelect: "#situacion",
		PlateInput:      "#dominio",
		TimeInput:       "#hora-infraccion",
		PhotoInput:      "input[type='file']",
		SubmitButton:    "#btn-enviar",
		ReferenceText:   ".numero-solicitud",
		ValidationError: ".alert-danger, .field-error",
		LoginForm:       "#login-form, form[action*='login']",
	}
}

// formPaths maps each report type to its request-form path on the site.
var formPaths = map[domain.ReportType]string{
	domain.ReportRecoleccion:           "/solicitud/recoleccion-de-residuos",
	domain.ReportBarrido:               "/solicitud/barrido-de-calle",
	domain.ReportObstruccion:           "/solicitud/obstruccion-de-vereda",
	domain.ReportOcupacionComercial:    "/solicitud/ocupacion-comercial",
	domain.ReportOcupacionGastronomica: "/solicitud/ocupacion-gastronomica",
	domain.ReportManteros:              "/solicitud/venta-ambulante",
	domain.ReportPuestoDiarios:         "/solicitud/puesto-de-diarios",
	domain.ReportPuestoFlores:          "/solicitud/puesto-de-flores",
	domain.ReportVehiculo:              "/solicitud/vehiculo-mal-estacionado",
}
