package ctxsync

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validSchemaRecord() Record {
	rows := 12
	return Record{
		RecordID:         "rec_schema_1",
		OwnerID:          "user_schema",
		ProjectID:        "proj_schema",
		OriginalFilename: "Sales.csv",
		StoredFilename:   "sales.csv",
		RelativePath:     "context/sales.csv",
		FileType:         "csv",
		DetectedType:     "sales_data",
		Rows:             &rows,
		Columns:          []string{"region", "amount"},
		Preview:          "region,amount\nwest,10",
		SizeBytes:        2048,
		IsLFS:            false,
		UploadedAt:       time.Now().UTC(),
		SyncStatus:       SyncPending,
	}
}

func TestValidateRecordAcceptsTabularRecord(t *testing.T) {
	if err := ValidateRecord(validSchemaRecord()); err != nil {
		t.Fatalf("expected valid csv record, got %v", err)
	}
}

func TestValidateRecordAcceptsPDFRecord(t *testing.T) {
	pages := 4
	rec := validSchemaRecord()
	rec.FileType = "pdf"
	rec.DetectedType = ""
	rec.Rows = nil
	rec.Columns = nil
	rec.Preview = ""
	rec.Pages = &pages
	rec.TextPreview = "Quarterly results for"
	if err := ValidateRecord(rec); err != nil {
		t.Fatalf("expected valid pdf record, got %v", err)
	}
}

func TestValidateRecordRejectsUnknownFileType(t *testing.T) {
	rec := validSchemaRecord()
	rec.FileType = "docx"
	err := ValidateRecord(rec)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown file type, got %v", err)
	}
}

func TestValidateRecordRejectsBlankIdentity(t *testing.T) {
	rec := validSchemaRecord()
	rec.RecordID = ""
	if err := ValidateRecord(rec); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank record id, got %v", err)
	}
	rec = validSchemaRecord()
	rec.OwnerID = ""
	if err := ValidateRecord(rec); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank owner id, got %v", err)
	}
}

func TestValidateRecordRejectsNegativeSize(t *testing.T) {
	rec := validSchemaRecord()
	rec.SizeBytes = -1
	if err := ValidateRecord(rec); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative size, got %v", err)
	}
}

func TestValidateRecordRejectsBadSyncStatus(t *testing.T) {
	rec := validSchemaRecord()
	rec.SyncStatus = SyncStatus("maybe")
	if err := ValidateRecord(rec); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown sync status, got %v", err)
	}
}

func TestValidateRecordRejectsOversizedPreview(t *testing.T) {
	rec := validSchemaRecord()
	rec.Preview = strings.Repeat("x", 513)
	if err := ValidateRecord(rec); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for oversized preview, got %v", err)
	}
}
