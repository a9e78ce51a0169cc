package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/aardvark/internal/core"
)

// authorsPrefix namespaces membership keys: authors/<document><author>.
var authorsPrefix = []byte("authors/")

// BadgerConfig configures a BadgerDocumentStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerDocumentStore is a DocumentStore persisted in BadgerDB.
type BadgerDocumentStore struct {
	db *badger.DB
}

var _ DocumentStore = (*BadgerDocumentStore)(nil)

// OpenBadger opens (creating if needed) a membership directory.
func OpenBadger(cfg BadgerConfig) (*BadgerDocumentStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerDocumentStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerDocumentStore) Close() error {
	return s.db.Close()
}

func membershipKey(doc core.DocumentId, author core.PublicKey) []byte {
	key := make([]byte, 0, len(authorsPrefix)+len(doc)+len(author))
	key = append(key, authorsPrefix...)
	key = append(key, doc[:]...)
	return append(key, author[:]...)
}

func (s *BadgerDocumentStore) AddAuthor(_ context.Context, doc core.DocumentId, author core.PublicKey) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(membershipKey(doc, author), []byte{})
	})
	if err != nil {
		return fmt.Errorf("add author: %w", err)
	}
	return nil
}

func (s *BadgerDocumentStore) Authors(_ context.Context, doc core.DocumentId) ([]core.PublicKey, error) {
	prefix := append(append([]byte{}, authorsPrefix...), doc[:]...)
	authors := []core.PublicKey{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			var author core.PublicKey
			if len(key) != len(prefix)+len(author) {
				return fmt.Errorf("corrupt membership key of %d bytes", len(key))
			}
			copy(author[:], key[len(prefix):])
			authors = append(authors, author)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	return authors, nil
}
