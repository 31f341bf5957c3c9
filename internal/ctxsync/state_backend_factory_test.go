package ctxsync

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory state backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil memory state backend")
	}
	seed := &persistedState{Items: map[string]UploadItem{"tsk_m": {TaskID: "tsk_m", Status: StatusComplete}}}
	if err := backend.Save(seed); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	seed.Items["tsk_mutated"] = UploadItem{TaskID: "tsk_mutated"}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if snapshot == nil || len(snapshot.Items) != 1 {
		t.Fatalf("expected isolated snapshot with one item, got %+v", snapshot)
	}
	if snapshot.Items["tsk_m"].Status != StatusComplete {
		t.Fatalf("expected saved item preserved, got %+v", snapshot.Items["tsk_m"])
	}
}

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state-backend.json")
	backend, err := BuildStateBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file state backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil file state backend")
	}
	if err := backend.Save(&persistedState{Records: map[string]Record{"tsk_f": {RecordID: "rec_f"}}}); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("file backend load failed: %v", err)
	}
	if snapshot == nil || snapshot.Records["tsk_f"].RecordID != "rec_f" {
		t.Fatalf("expected record rec_f, got %+v", snapshot)
	}
}

func TestBuildStateBackendFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	backend, err := BuildStateBackendFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite state backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil sqlite state backend")
	}
	if err := backend.Save(&persistedState{Items: map[string]UploadItem{"tsk_s": {TaskID: "tsk_s"}}}); err != nil {
		t.Fatalf("sqlite backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("sqlite backend load failed: %v", err)
	}
	if snapshot == nil || len(snapshot.Items) != 1 {
		t.Fatalf("expected one persisted item, got %+v", snapshot)
	}
	if closer, ok := backend.(stateBackendCloser); ok {
		_ = closer.Close()
	}
}

func TestBuildStateBackendFromDSNEmpty(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("")
	if err != nil {
		t.Fatalf("expected empty DSN to be accepted, got %v", err)
	}
	if backend != nil {
		t.Fatalf("expected nil backend for empty DSN, got %T", backend)
	}
}

func TestBuildStateBackendFromDSNUnsupported(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("postgres://localhost/ctxsync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres state backend to be available, got %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil postgres state backend")
	}
	if _, err := BuildStateBackendFromDSN("mysql://localhost/ctxsync"); err == nil {
		t.Fatalf("expected not implemented error for mysql state backend")
	} else if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql state backend, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("gopher://example"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
