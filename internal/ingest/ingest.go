// Package ingest parses the tabular upload formats: lead batches, lead-id
// reference lists and (name, phone) contact sheets. Column validation is
// whole-sheet: a missing column rejects the upload before any row is read.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Column labels for lead batch uploads.
const (
	ColName       = "Subject Name"
	ColPhone      = "Subject Phone"
	ColAddress    = "Subject Address"
	ColCity       = "City"
	ColState      = "State"
	ColPostalCode = "Postal Code"

	// ColLeadID is the identifier column of bulk-assignment reference lists.
	ColLeadID = "Lead ID"
)

// RequiredColumns lists every column a lead batch must declare.
var RequiredColumns = []string{ColName, ColPhone, ColAddress, ColCity, ColState, ColPostalCode}

// MissingColumnError rejects a sheet whose header lacks required columns.
type MissingColumnError struct {
	Columns []string
}

func (e MissingColumnError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Columns, ", "))
}

// MissingFieldError rejects a batch when a row leaves a required field empty.
type MissingFieldError struct {
	Line   int
	Column string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("row %d: missing required field %q", e.Line, e.Column)
}

// Row is one parsed lead batch entry. Line is the 1-based sheet line number
// for error reporting.
type Row struct {
	Line       int
	Name       string
	Phone      string
	Address    string
	City       string
	State      string
	PostalCode string
}

// Contact is one (name, phone) entry from a reassignment contact sheet.
type Contact struct {
	Line  int
	Name  string
	Phone string
}

type header struct {
	index map[string]int
}

func readHeader(r *csv.Reader, required []string) (header, error) {
	record, err := r.Read()
	if err == io.EOF {
		return header{}, MissingColumnError{Columns: required}
	}
	if err != nil {
		return header{}, fmt.Errorf("read header: %w", err)
	}
	h := header{index: map[string]int{}}
	for i, label := range record {
		h.index[strings.ToLower(strings.TrimSpace(label))] = i
	}
	var missing []string
	for _, col := range required {
		if _, ok := h.index[strings.ToLower(col)]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return header{}, MissingColumnError{Columns: missing}
	}
	return h, nil
}

func (h header) field(record []string, col string) string {
	i, ok := h.index[strings.ToLower(col)]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// ParseBatch reads a lead batch sheet. Every required column must be declared
// and every row must populate every required field, otherwise the whole batch
// is rejected.
func ParseBatch(src io.Reader) ([]Row, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	h, err := readHeader(r, RequiredColumns)
	if err != nil {
		return nil, err
	}
	var rows []Row
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		line++
		row := Row{
			Line:       line,
			Name:       h.field(record, ColName),
			Phone:      h.field(record, ColPhone),
			Address:    h.field(record, ColAddress),
			City:       h.field(record, ColCity),
			State:      h.field(record, ColState),
			PostalCode: h.field(record, ColPostalCode),
		}
		for _, check := range []struct{ col, val string }{
			{ColName, row.Name},
			{ColPhone, row.Phone},
			{ColAddress, row.Address},
			{ColCity, row.City},
			{ColState, row.State},
			{ColPostalCode, row.PostalCode},
		} {
			if check.val == "" {
				return nil, MissingFieldError{Line: line, Column: check.col}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseReferenceList reads a bulk-assignment reference sheet and returns the
// lead ids it names, in sheet order, duplicates included.
func ParseReferenceList(src io.Reader) ([]string, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	h, err := readHeader(r, []string{ColLeadID})
	if err != nil {
		return nil, err
	}
	var ids []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if id := h.field(record, ColLeadID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ParseContactSheet reads a coordinator reassignment sheet keyed by
// (name, phone) pairs.
func ParseContactSheet(src io.Reader) ([]Contact, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	h, err := readHeader(r, []string{ColName, ColPhone})
	if err != nil {
		return nil, err
	}
	var contacts []Contact
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		line++
		c := Contact{
			Line:  line,
			Name:  h.field(record, ColName),
			Phone: h.field(record, ColPhone),
		}
		if c.Name == "" {
			return nil, MissingFieldError{Line: line, Column: ColName}
		}
		if c.Phone == "" {
			return nil, MissingFieldError{Line: line, Column: ColPhone}
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}
