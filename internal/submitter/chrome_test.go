package submitter

import (
	"testing"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

func TestClassifyValidation(t *testing.T) {
	cases := []struct {
		text  string
		field domain.FieldTag
		ok    bool
	}{
		{"Debe adjuntar una foto del lugar", domain.FieldPhoto, true},
		{"La imagen supera el tamaño permitido", domain.FieldPhoto, true},
		{"Indique el horario del problema", domain.FieldSchedule, true},
		{"La dirección ingresada no existe", domain.FieldAddress, true},
		{"Verifique la altura de la calle", domain.FieldAddress, true},
		{"Error interno del servidor", "", false},
	}
	for _, c := range cases {
		field, question, ok := classifyValidation(c.text)
		if ok != c.ok {
			t.Errorf("classifyValidation(%q) ok = %v, want %v", c.text, ok, c.ok)
			continue
		}
		if !ok {
			continue
		}
		if field != c.field {
			t.Errorf("classifyValidation(%q) field = %v, want %v", c.text, field, c.field)
		}
		if question == "" {
			t.Errorf("classifyValidation(%q) returned empty question", c.text)
		}
	}
}

func TestFormPathsCoverAllReportTypes(t *testing.T) {
	for _, rt := range []domain.ReportType{
		domain.ReportRecoleccion,
		domain.ReportBarrido,
		domain.ReportObstruccion,
		domain.ReportOcupacionComercial,
		domain.ReportOcupacionGastronomica,
		domain.ReportManteros,
		domain.ReportPuestoDiarios,
		domain.ReportPuestoFlores,
		domain.ReportVehiculo,
	} {
		if _, ok := formPaths[rt]; !ok {
			t.Errorf("no form path for %s", rt)
		}
	}
}
