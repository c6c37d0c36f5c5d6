package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// WriteAuditLog writes records as JSON Lines into a fresh temp file and returns its path.
func WriteAuditLog(t *testing.T, records ...map[string]any) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create audit log: %v", err)
	}
	defer f.Close()

	for _, rec := range records {
		writeRecord(t, f, rec)
	}
	return path
}

// AppendAuditLog appends records to an existing audit log.
func AppendAuditLog(t *testing.T, path string, records ...map[string]any) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Failed to open audit log: %v", err)
	}
	defer f.Close()

	for _, rec := range records {
		writeRecord(t, f, rec)
	}
}

// AppendRawLine appends a raw line, useful for malformed-input cases.
func AppendRawLine(t *testing.T, path, line string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("Failed to open audit log: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("Failed to append line: %v", err)
	}
}

func writeRecord(t *testing.T, f *os.File, rec map[string]any) {
	t.Helper()

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Failed to marshal record: %v", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		t.Fatalf("Failed to write record: %v", err)
	}
}
