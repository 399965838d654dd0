package contacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Input column names, as exported by LinkedIn.
const (
	ColFirstName   = "First Name"
	ColLastName    = "Last Name"
	ColCompany     = "Company"
	ColPosition    = "Position"
	ColURL         = "URL"
	ColEmail       = "Email Address"
	ColConnectedOn = "Connected On"
)

var requiredColumns = []string{ColFirstName, ColLastName, ColCompany}

// maxPreambleRows bounds how many leading rows may precede the header.
const maxPreambleRows = 10

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// Reader streams contacts from a CSV file. Extra columns are ignored.
type Reader struct {
	cr    *csv.Reader
	index map[string]int
	rows  int
}

// NewReader reads up to the header row. LinkedIn exports start with a short
// "Notes:" preamble, so rows before the one naming "First Name" are skipped.
func NewReader(r io.Reader) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	for i := 0; i < maxPreambleRows; i++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading header: %w", err)
		}
		index := headerIndex(rec)
		if _, ok := index[ColFirstName]; !ok {
			continue
		}
		for _, col := range requiredColumns {
			if _, ok := index[col]; !ok {
				return nil, fmt.Errorf("%w %q", ErrMissingColumn, col)
			}
		}
		return &Reader{cr: cr, index: index}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrMissingColumn, ColFirstName)
}

func headerIndex(rec []string) map[string]int {
	index := make(map[string]int, len(rec))
	for i, name := range rec {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		index[name] = i
	}
	return index
}

// Next returns the next contact with fields trimmed but not normalized. It
// returns io.EOF after the last row.
func (r *Reader) Next() (Contact, error) {
	rec, err := r.cr.Read()
	if err != nil {
		if err == io.EOF {
			return Contact{}, io.EOF
		}
		return Contact{}, fmt.Errorf("reading row %d: %w", r.rows+1, err)
	}
	r.rows++

	get := func(col string) string {
		i, ok := r.index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	return Contact{
		FirstName:   get(ColFirstName),
		LastName:    get(ColLastName),
		Company:     get(ColCompany),
		Position:    get(ColPosition),
		LinkedInURL: get(ColURL),
		RawEmail:    get(ColEmail),
		ConnectedOn: get(ColConnectedOn),
	}, nil
}

// Rows returns how many data rows have been read.
func (r *Reader) Rows() int { return r.rows }

// ExportHeader is the column order of export files.
func ExportHeader() []string {
	return []string{
		"First Name", "Last Name", "Company", "Position", "LinkedIn URL",
		"Domain", "Verified Email", "Best Guess", "Confidence", "Status",
	}
}

// WriteExport writes contacts with the ExportHeader ordering.
func WriteExport(w io.Writer, contacts []Contact) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader()); err != nil {
		return err
	}
	for _, c := range contacts {
		if err := cw.Write([]string{
			c.FirstName,
			c.LastName,
			c.Company,
			c.Position,
			c.LinkedInURL,
			c.Domain,
			c.VerifiedEmail,
			c.BestEmail,
			strconv.FormatFloat(c.Confidence, 'f', 2, 64),
			c.Status,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
