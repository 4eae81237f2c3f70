package ingest

import (
	"errors"
	"strings"
	"testing"
)

func TestParseBatch(t *testing.T) {
	src := strings.NewReader(
		"Subject Name,Subject Phone,Subject Address,City,State,Postal Code\n" +
			"Jane Doe,555-0001,1 Main St,Springfield,IL,62701\n" +
			"John Roe,555-0002,2 Main St,Springfield,IL,62702\n")
	rows, err := ParseBatch(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Name != "Jane Doe" || rows[0].Phone != "555-0001" || rows[0].PostalCode != "62701" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if rows[1].Line != 3 {
		t.Fatalf("expected line 3, got %d", rows[1].Line)
	}
}

func TestParseBatchHeaderIsCaseInsensitive(t *testing.T) {
	src := strings.NewReader(
		"subject name, SUBJECT PHONE ,Subject Address,city,State,postal code\n" +
			"Jane,555,1 Main St,Springfield,IL,62701\n")
	rows, err := ParseBatch(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 1 || rows[0].City != "Springfield" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestParseBatchReordersColumns(t *testing.T) {
	src := strings.NewReader(
		"City,Subject Phone,Postal Code,Subject Name,State,Subject Address\n" +
			"Springfield,555,62701,Jane,IL,1 Main St\n")
	rows, err := ParseBatch(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rows[0].Name != "Jane" || rows[0].Address != "1 Main St" {
		t.Fatalf("column mapping broke: %+v", rows[0])
	}
}

func TestParseBatchMissingColumns(t *testing.T) {
	src := strings.NewReader(
		"Subject Name,Subject Address,State\n" +
			"Jane,1 Main St,IL\n")
	_, err := ParseBatch(src)
	var mc MissingColumnError
	if !errors.As(err, &mc) {
		t.Fatalf("expected MissingColumnError, got %v", err)
	}
	want := []string{ColPhone, ColCity, ColPostalCode}
	if len(mc.Columns) != len(want) {
		t.Fatalf("expected %v, got %v", want, mc.Columns)
	}
	for i, col := range want {
		if mc.Columns[i] != col {
			t.Fatalf("expected %v, got %v", want, mc.Columns)
		}
	}
}

func TestParseBatchMissingFieldNamesLine(t *testing.T) {
	src := strings.NewReader(
		"Subject Name,Subject Phone,Subject Address,City,State,Postal Code\n" +
			"Jane,555,1 Main St,Springfield,IL,62701\n" +
			"John,555,2 Main St,,IL,62702\n")
	_, err := ParseBatch(src)
	var mf MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
	if mf.Line != 3 || mf.Column != ColCity {
		t.Fatalf("expected line 3 column %q, got %+v", ColCity, mf)
	}
}

func TestParseBatchEmptyInput(t *testing.T) {
	_, err := ParseBatch(strings.NewReader(""))
	var mc MissingColumnError
	if !errors.As(err, &mc) {
		t.Fatalf("expected MissingColumnError on empty input, got %v", err)
	}
}

func TestParseReferenceList(t *testing.T) {
	src := strings.NewReader("Lead ID\nlead-1\nlead-2\nlead-1\n\n")
	ids, err := ParseReferenceList(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// duplicates are preserved; the caller decides how to handle them
	want := []string{"lead-1", "lead-2", "lead-1"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestParseReferenceListRequiresIDColumn(t *testing.T) {
	_, err := ParseReferenceList(strings.NewReader("Identifier\nlead-1\n"))
	var mc MissingColumnError
	if !errors.As(err, &mc) {
		t.Fatalf("expected MissingColumnError, got %v", err)
	}
}

func TestParseContactSheet(t *testing.T) {
	src := strings.NewReader(
		"Subject Name,Subject Phone,Notes\n" +
			"Jane Doe,555-0001,extra ignored\n" +
			"John Roe,555-0002,\n")
	contacts, err := ParseContactSheet(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(contacts))
	}
	if contacts[0].Name != "Jane Doe" || contacts[0].Phone != "555-0001" {
		t.Fatalf("unexpected contact: %+v", contacts[0])
	}
}

func TestParseContactSheetMissingPhone(t *testing.T) {
	src := strings.NewReader(
		"Subject Name,Subject Phone\n" +
			"Jane Doe,\n")
	_, err := ParseContactSheet(src)
	var mf MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
	if mf.Column != ColPhone {
		t.Fatalf("expected %q, got %q", ColPhone, mf.Column)
	}
}
