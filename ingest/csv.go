// Package ingest parses heterogeneous clinic CSV exports into canonical
// billing records. It detects the file encoding (UTF-8 with or without BOM,
// Latin-1 as common in Quebec exports) and the delimiter (semicolon, comma or
// tab, ties broken toward the Quebec-convention semicolon), maps French and
// English header variants onto the canonical schema, and normalizes
// Quebec-locale values: DD/MM/YYYY dates, comma decimal separators, O/N
// booleans.
//
// Row-level failures are collected rather than aborting the file; only
// structural problems (unreadable file, missing header, undetectable
// encoding) are fatal.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"ramqval.facturis.org/models"
)

// Fatal structural errors.
var (
	ErrNoHeader       = errors.New("ingest: fichier sans ligne d'en-tête")
	ErrBadEncoding    = errors.New("ingest: encodage du fichier indétectable")
	ErrUnknownColumns = errors.New("ingest: aucune colonne reconnue dans l'en-tête")
)

// ParseError is one collected row-level failure.
type ParseError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// ProgressFunc receives ingestion progress in [0,50].
type ProgressFunc func(percent int)

// Options tunes a parse.
type Options struct {
	// OnProgress is called at most every ProgressEvery rows. May be nil.
	OnProgress ProgressFunc

	// OnBatch receives canonicalized records in insertion order, BatchSize at
	// a time. Returning an error aborts the parse. May be nil, in which case
	// records accumulate in Result.Records.
	OnBatch func(records []models.BillingRecord) error

	// BatchSize bounds OnBatch chunks (default 500).
	BatchSize int

	// ProgressEvery reports progress every N rows (default 100).
	ProgressEvery int
}

// Result summarizes a parse.
type Result struct {
	Records     []models.BillingRecord
	ParseErrors []ParseError
	TotalRows   int
	Encoding    string
	Delimiter   rune
}

// canonical column identifiers.
const (
	colFacture         = "facture"
	colIDRamq          = "idRamq"
	colPatient         = "patient"
	colDoctor          = "doctorInfo"
	colDateService     = "dateService"
	colDebut           = "debut"
	colFin             = "fin"
	colLieu            = "lieuPratique"
	colSecteur         = "secteurActivite"
	colDiagnostic      = "diagnostic"
	colCode            = "code"
	colUnites          = "unites"
	colElementContexte = "elementContexte"
	colMontantPrelim   = "montantPreliminaire"
	colMontantPaye     = "montantPaye"
)

// headerSynonyms maps normalized header text to canonical columns. Headers are
// normalized by lowercasing, trimming and stripping accents before lookup.
var headerSynonyms = map[string]string{
	"facture":              colFacture,
	"no facture":           colFacture,
	"numero de facture":    colFacture,
	"invoice":              colFacture,
	"id ramq":              colIDRamq,
	"idramq":               colIDRamq,
	"no ramq":              colIDRamq,
	"ramq id":              colIDRamq,
	"patient":              colPatient,
	"nom du patient":       colPatient,
	"patient name":         colPatient,
	"medecin":              colDoctor,
	"docteur":              colDoctor,
	"doctor":               colDoctor,
	"doctor info":          colDoctor,
	"info medecin":         colDoctor,
	"professionnel":        colDoctor,
	"date de service":      colDateService,
	"date service":         colDateService,
	"service date":         colDateService,
	"date":                 colDateService,
	"debut":                colDebut,
	"heure de debut":       colDebut,
	"start":                colDebut,
	"start time":           colDebut,
	"fin":                  colFin,
	"heure de fin":         colFin,
	"end":                  colFin,
	"end time":             colFin,
	"lieu de pratique":     colLieu,
	"lieu pratique":        colLieu,
	"etablissement":        colLieu,
	"location":             colLieu,
	"secteur d'activite":   colSecteur,
	"secteur dactivite":    colSecteur,
	"secteur activite":     colSecteur,
	"sector":               colSecteur,
	"diagnostic":           colDiagnostic,
	"diagnosis":            colDiagnostic,
	"code":                 colCode,
	"code de facturation":  colCode,
	"acte":                 colCode,
	"billing code":         colCode,
	"unites":               colUnites,
	"nombre d'unites":      colUnites,
	"units":                colUnites,
	"element de contexte":  colElementContexte,
	"elements de contexte": colElementContexte,
	"element contexte":     colElementContexte,
	"contexte":             colElementContexte,
	"context":              colElementContexte,
	"montant preliminaire": colMontantPrelim,
	"montant prelim":       colMontantPrelim,
	"preliminary amount":   colMontantPrelim,
	"montant paye":         colMontantPaye,
	"montant paye ($)":     colMontantPaye,
	"paid amount":          colMontantPaye,
	"montant rembourse":    colMontantPaye,
}

// accentReplacer folds the accented characters that appear in Quebec billing
// headers. Full Unicode folding is not needed for a fixed synonym table.
var accentReplacer = strings.NewReplacer(
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"à", "a", "â", "a",
	"î", "i", "ï", "i",
	"ô", "o",
	"û", "u", "ù", "u", "ü", "u",
	"ç", "c",
	"É", "e", "È", "e", "Ê", "e",
	"À", "a", "Â", "a",
	"Î", "i", "Ô", "o", "Û", "u", "Ç", "c",
)

func normalizeHeader(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	h = accentReplacer.Replace(h)
	h = strings.Trim(h, "\"' ")
	return h
}

// Parse ingests the CSV at path for the given run.
func Parse(path, runID string, opts Options) (*Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 100
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: impossible d'ouvrir le fichier: %w", err)
	}

	text, encoding, err := decode(raw)
	if err != nil {
		return nil, err
	}

	delimiter := detectDelimiter(text)

	totalRows, err := countRows(text, delimiter)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, ErrNoHeader
	}

	mapping, custom := mapHeader(header)
	if len(mapping) == 0 {
		return nil, ErrUnknownColumns
	}

	result := &Result{
		TotalRows: totalRows,
		Encoding:  encoding,
		Delimiter: delimiter,
	}

	var batch []models.BillingRecord
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if opts.OnBatch != nil {
			if err := opts.OnBatch(batch); err != nil {
				return err
			}
		} else {
			result.Records = append(result.Records, batch...)
		}
		batch = nil
		return nil
	}

	row := 1 // header consumed
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			result.ParseErrors = append(result.ParseErrors, ParseError{
				Row:    row,
				Reason: fmt.Sprintf("ligne illisible: %v", err),
			})
			continue
		}
		if blankRow(fields) {
			continue
		}

		record, perr := buildRecord(fields, mapping, custom, runID)
		if perr != nil {
			result.ParseErrors = append(result.ParseErrors, ParseError{Row: row, Reason: perr.Error()})
			continue
		}

		batch = append(batch, record)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}

		if opts.OnProgress != nil && totalRows > 0 && (row-1)%opts.ProgressEvery == 0 {
			opts.OnProgress((row - 1) * 50 / totalRows)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(50)
	}
	return result, nil
}

// decode probes the first few KB and returns the full file as UTF-8 text.
func decode(raw []byte) (string, string, error) {
	if bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}) {
		return string(raw[3:]), "utf-8-bom", nil
	}
	probe := raw
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	if utf8.Valid(probe) {
		return string(raw), "utf-8", nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", "", ErrBadEncoding
	}
	return string(decoded), "latin-1", nil
}

// detectDelimiter scores candidate delimiters on the header and first data
// rows. Ties break toward the Quebec-convention semicolon.
func detectDelimiter(text string) rune {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	counts := map[rune]int{';': 0, ',': 0, '\t': 0}
	lines := 0
	for scanner.Scan() && lines < 5 {
		line := scanner.Text()
		for _, d := range []rune{';', ',', '\t'} {
			counts[d] += strings.Count(line, string(d))
		}
		lines++
	}

	best := ';'
	bestCount := counts[';']
	// Iteration over a fixed slice keeps the tie-break deterministic: the
	// semicolon wins unless another delimiter strictly outscores it.
	for _, d := range []rune{',', '\t'} {
		if counts[d] > bestCount {
			best = d
			bestCount = counts[d]
		}
	}
	return best
}

// countRows scans once to count data rows for progress normalization.
func countRows(text string, delimiter rune) (int, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	if _, err := reader.Read(); err != nil {
		return 0, ErrNoHeader
	}
	rows := 0
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rows++ // unreadable rows still count toward progress
			continue
		}
		if !blankRow(fields) {
			rows++
		}
	}
	return rows, nil
}

// mapHeader resolves each header cell to a canonical column or records it as a
// custom field keyed by its original text.
func mapHeader(header []string) (map[int]string, map[int]string) {
	mapping := map[int]string{}
	custom := map[int]string{}
	seen := map[string]bool{}
	for i, h := range header {
		normalized := normalizeHeader(h)
		if normalized == "" {
			continue
		}
		if canonical, ok := headerSynonyms[normalized]; ok && !seen[canonical] {
			mapping[i] = canonical
			seen[canonical] = true
		} else {
			custom[i] = strings.TrimSpace(h)
		}
	}
	return mapping, custom
}

func blankRow(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func buildRecord(fields []string, mapping map[int]string, custom map[int]string, runID string) (models.BillingRecord, error) {
	rec := models.BillingRecord{ValidationRunID: runID}
	var customFields models.JSONMap

	for i, f := range fields {
		value := strings.TrimSpace(f)
		if name, ok := custom[i]; ok && value != "" {
			if customFields == nil {
				customFields = models.JSONMap{}
			}
			if b, ok := normalizeBool(value); ok {
				customFields[name] = b
			} else {
				customFields[name] = value
			}
			continue
		}
		canonical, ok := mapping[i]
		if !ok {
			continue
		}
		switch canonical {
		case colFacture:
			rec.Facture = value
		case colIDRamq:
			rec.IDRamq = value
		case colPatient:
			rec.Patient = value
		case colDoctor:
			rec.DoctorInfo = value
		case colDateService:
			if value == "" {
				continue
			}
			d, err := ParseDate(value)
			if err != nil {
				return rec, fmt.Errorf("date de service invalide %q", value)
			}
			rec.DateService = d
		case colDebut:
			t, err := normalizeTime(value)
			if err != nil {
				return rec, fmt.Errorf("heure de début invalide %q", value)
			}
			rec.Debut = t
		case colFin:
			t, err := normalizeTime(value)
			if err != nil {
				return rec, fmt.Errorf("heure de fin invalide %q", value)
			}
			rec.Fin = t
		case colLieu:
			rec.LieuPratique = value
		case colSecteur:
			rec.SecteurActivite = value
		case colDiagnostic:
			rec.Diagnostic = value
		case colCode:
			rec.Code = value
		case colUnites:
			if value == "" {
				continue
			}
			u, err := parseUnits(value)
			if err != nil {
				return rec, fmt.Errorf("unités invalides %q", value)
			}
			rec.Unites = &u
		case colElementContexte:
			rec.ElementContexte = value
		case colMontantPrelim:
			m, err := models.ParseMoney(value)
			if err != nil {
				return rec, fmt.Errorf("montant préliminaire invalide %q", value)
			}
			rec.MontantPreliminaire = m.String()
		case colMontantPaye:
			m, err := models.ParseMoney(value)
			if err != nil {
				return rec, fmt.Errorf("montant payé invalide %q", value)
			}
			rec.MontantPaye = m.String()
		}
	}

	if rec.Code == "" {
		return rec, errors.New("code de facturation manquant")
	}
	rec.CustomFields = customFields
	return rec, nil
}

// ParseDate accepts YYYY-MM-DD and DD/MM/YYYY.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "02/01/2006", "2006/01/02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// normalizeTime accepts HH:MM, H:MM and HHMM, returning HH:MM.
func normalizeTime(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	s = strings.ReplaceAll(s, "h", ":")
	if !strings.Contains(s, ":") && len(s) == 4 {
		s = s[:2] + ":" + s[2:]
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return "", fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("bad hour %q", s)
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("bad minute %q", s)
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// parseUnits accepts integer and fractional counts with either decimal
// separator.
func parseUnits(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", ".")
	return strconv.ParseFloat(s, 64)
}

// normalizeBool recognizes unambiguous Quebec-export boolean spellings. Bare
// "0" and "1" are excluded: in custom columns they are more often counts.
func normalizeBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "o", "oui", "true", "y", "yes", "vrai":
		return true, true
	case "n", "non", "false", "no", "faux":
		return false, true
	}
	return false, false
}

// ParseBool accepts Quebec-export boolean spellings, including the numeric
// forms and blank-means-false used by canonical columns.
func ParseBool(s string) (bool, error) {
	if b, ok := normalizeBool(s); ok {
		return b, nil
	}
	switch strings.TrimSpace(s) {
	case "1":
		return true, nil
	case "0", "":
		return false, nil
	}
	return false, fmt.Errorf("unrecognized boolean %q", s)
}
