package dedup

import (
	"regexp"
	"strings"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

var (
	accentReplacer = strings.NewReplacer(
		"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
		"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ü", "u", "Ñ", "n",
	)
	conversationalPrefix = regexp.MustCompile(`^(es en|esta en|en la|en el|en|sobre)\s+`)
	alNumber             = regexp.MustCompile(`\bal\s+(\d)`)
	multiSpace           = regexp.MustCompile(`\s+`)
)

// NormalizeAddress reduces an address to its canonical dedup form: lowercase,
// accent-free, conversational prefixes stripped, "al 1200" collapsed to
// "1200", whitespace collapsed.
func NormalizeAddress(addr string) string {
	s := strings.ToLower(strings.TrimSpace(addr))
	s = accentReplacer.Replace(s)
	s = conversationalPrefix.ReplaceAllString(s, "")
	s = alNumber.ReplaceAllString(s, "$1")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Key builds the dedup lookup key for an address + report type, with the
// plate appended for vehicle reports so two cars at one corner don't collide.
func Key(addr string, rt domain.ReportType, patente string) string {
	k := NormalizeAddress(addr) + "|" + string(rt)
	if rt == domain.ReportVehiculo && patente != "" {
		k += "|" + strings.ToUpper(strings.TrimSpace(patente))
	}
	return k
}
