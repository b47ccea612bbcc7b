package dedup

import (
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

// submissionLog is the append-only file that doubles as the durable half of
// the duplicate index. One CSV line per successful submission:
//
//	refID,date,"address",reportType,patente,url,unixTimestamp
//
// Older deployments wrote fewer columns and in different orders, so parsing
// sniffs each field by shape instead of trusting positions.
type submissionLog struct {
	path string
}

var plateShape = regexp.MustCompile(`^[A-Z]{2,3}\d{3}[A-Z]{0,2}$|^[A-Z]{3}\d{3}$`)

func knownReportType(s string) (domain.ReportType, bool) {
	switch domain.ReportType(s) {
	case domain.ReportRecoleccion, domain.ReportBarrido, domain.ReportObstruccion,
		domain.ReportOcupacionComercial, domain.ReportOcupacionGastronomica,
		domain.ReportManteros, domain.ReportPuestoDiarios, domain.ReportPuestoFlores,
		domain.ReportVehiculo:
		return domain.ReportType(s), true
	}
	return "", false
}

// Append writes one record. The file is opened per call so a crash never
// leaves a long-lived handle on a half-written line.
func (l *submissionLog) Append(rec domain.DuplicateRecord) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open submission log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	row := []string{
		rec.ReferenceID,
		rec.Timestamp.Format("2006-01-02 15:04"),
		rec.Address,
		string(rec.ReportType),
		rec.Patente,
		rec.URL,
		strconv.FormatInt(rec.Timestamp.Unix(), 10),
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write submission log: %w", err)
	}
	w.Flush()
	return w.Error()
}

// Load parses the whole log, tolerating historical schemas. Unparseable
// lines are skipped, not fatal: the log is advisory, losing a record only
// weakens dedup for one address.
func (l *submissionLog) Load() ([]domain.DuplicateRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open submission log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var out []domain.DuplicateRecord
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if rec, ok := sniffRecord(row); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// sniffRecord classifies each CSV field by shape: unix timestamp, URL,
// report type and plate are all recognizable; the first remaining short
// field is the reference id and the longest remaining field the address.
func sniffRecord(row []string) (domain.DuplicateRecord, bool) {
	var rec domain.DuplicateRecord
	var rest []string

	for _, raw := range row {
		field := strings.TrimSpace(raw)
		if field == "" {
			continue
		}
		if ts, ok := parseUnix(field); ok && rec.Timestamp.IsZero() {
			rec.Timestamp = ts
			continue
		}
		if strings.HasPrefix(field, "http") && rec.URL == "" {
			rec.URL = field
			continue
		}
		if rt, ok := knownReportType(field); ok && rec.ReportType == "" {
			rec.ReportType = rt
			continue
		}
		if plateShape.MatchString(strings.ToUpper(field)) && rec.Patente == "" {
			rec.Patente = strings.ToUpper(field)
			continue
		}
		if t, err := time.Parse("2006-01-02 15:04", field); err == nil {
			if rec.Timestamp.IsZero() {
				rec.Timestamp = t
			}
			continue
		}
		rest = append(rest, field)
	}

	// Oldest schema had neither type nor timestamp worth keeping.
	if rec.ReportType == "" || len(rest) == 0 {
		return rec, false
	}
	rec.ReferenceID = rest[0]
	rec.Address = rest[0]
	for _, f := range rest {
		if len(f) > len(rec.Address) {
			rec.Address = f
		}
	}
	if rec.Address == rec.ReferenceID && len(rest) > 1 {
		rec.ReferenceID = rest[1]
	}
	return rec, true
}

func parseUnix(s string) (time.Time, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1_000_000_000 || n > 10_000_000_000 {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}
