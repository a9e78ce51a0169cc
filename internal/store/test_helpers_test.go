package store

import (
	"path/filepath"
	"testing"
)

// createTestStore creates a new SQLite store in a temp directory.
func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// operationStores returns every OperationStore implementation, fresh.
func operationStores(t *testing.T) map[string]OperationStore {
	t.Helper()
	return map[string]OperationStore{
		"memory": NewMemoryStore(),
		"sqlite": createTestStore(t),
	}
}

func documentStores(t *testing.T) map[string]DocumentStore {
	t.Helper()
	badger, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger() failed: %v", err)
	}
	t.Cleanup(func() { badger.Close() })
	return map[string]DocumentStore{
		"memory": NewMemoryDocumentStore(),
		"badger": badger,
	}
}
