package conversation

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

var (
	// Argentine plates: AB123CD (Mercosur) or ABC123 (older), with optional
	// spaces the sender typed in between.
	plateRe = regexp.MustCompile(`(?i)\b([A-Z]{2}\s?\d{3}\s?[A-Z]{2}|[A-Z]{3}\s?\d{3})\b`)

	timeRe = regexp.MustCompile(`\b(\d{1,2})[:.]?(\d{2})\b`)

	alreadySentRe = regexp.MustCompile(`(?i)\bya\s+(te\s+)?(la|lo|las|los)?\s*(mand[eé]|envi[eé]|pas[eé])|\bya\s+est[aá]`)
)

var affirmatives = map[string]bool{
	"si": true, "sí": true, "sip": true, "sii": true, "dale": true,
	"ok": true, "okay": true, "correcto": true, "correcta": true,
	"exacto": true, "confirmo": true, "yes": true, "afirmativo": true,
	"esa es": true, "esa": true,
}

// ExtractPlate pulls a license plate out of free text. Falls back to the raw
// text uppercased, stripped of spaces and punctuation, truncated to 7 chars.
func ExtractPlate(text string) string {
	if m := plateRe.FindString(text); m != "" {
		return strings.ToUpper(strings.ReplaceAll(m, " ", ""))
	}
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, text)
	if r := []rune(stripped); len(r) > 7 {
		stripped = string(r[:7])
	}
	return stripped
}

// ExtractInfractionTime interprets a reply to "what time was it". "ahora" and
// "recién" mean the current wall-clock time; an HH:MM shape is normalized;
// anything else is stored verbatim.
func ExtractInfractionTime(text string, now time.Time) string {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "ahora") || strings.Contains(lower, "recien") || strings.Contains(lower, "recién") {
		return now.Format("15:04")
	}
	if m := timeRe.FindStringSubmatch(text); m != nil {
		return m[1] + ":" + m[2]
	}
	return strings.TrimSpace(text)
}

// ClassifySituation keyword-matches the situation of a newsstand or flower
// stand. Ambiguous text defaults to obstruccion; the municipal form requires
// a value and that is the most common case.
func ClassifySituation(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "abandon"):
		return domain.SituationAbandono
	case strings.Contains(lower, "deterior") || strings.Contains(lower, "roto") || strings.Contains(lower, "rota"):
		return domain.SituationDeterioro
	default:
		return domain.SituationObstruccion
	}
}

// IsAffirmative reports whether the text is a plain confirmation.
func IsAffirmative(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimSpace(strings.Trim(s, ".!"))
	return affirmatives[s]
}

// SaysAlreadySent matches common Spanish phrasings of "I already sent it".
func SaysAlreadySent(text string) bool {
	return alreadySentRe.MatchString(text)
}

// FirstAddressToken returns the first word of an address, lowercased and
// accent-insensitive, for the supersede mismatch check.
func FirstAddressToken(addr string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(addr)))
	if len(fields) == 0 {
		return ""
	}
	return stripAccents(fields[0])
}

func stripAccents(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case 'á':
			return 'a'
		case 'é':
			return 'e'
		case 'í':
			return 'i'
		case 'ó':
			return 'o'
		case 'ú', 'ü':
			return 'u'
		case 'ñ':
			return 'n'
		}
		return r
	}, s)
}
