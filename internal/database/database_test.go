package database

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { Close(db) })

	if !db.Migrator().HasTable(&SSHAuditLog{}) {
		t.Fatal("expected ssh_audit_logs table to exist")
	}

	rec := SSHAuditLog{ConnectionID: "ssh-1", EventType: "connection_established", Host: "example.com"}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == 0 {
		t.Error("expected auto-increment ID to be set")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestCloseNil(t *testing.T) {
	if err := Close(nil); err != nil {
		t.Errorf("Close(nil) = %v, want nil", err)
	}
}
