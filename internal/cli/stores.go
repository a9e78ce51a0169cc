package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/aardvark/internal/config"
	"github.com/roach88/aardvark/internal/store"
)

// stores holds the opened backends of one node.
type stores struct {
	operations store.OperationStore
	documents  store.DocumentStore
	closers    []func() error
}

// Close closes every durable backend.
func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStores opens the backends named by cfg.
func openStores(cfg config.StorageConfig, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.Operations {
	case "sqlite":
		sq, err := store.Open(cfg.OperationsPath)
		if err != nil {
			return nil, fmt.Errorf("open operation store: %w", err)
		}
		s.operations = sq
		s.closers = append(s.closers, sq.Close)
		logger.Info("operation store ready", "backend", "sqlite", "path", cfg.OperationsPath)
	default:
		s.operations = store.NewMemoryStore()
	}

	switch cfg.Documents {
	case "badger":
		bd, err := store.OpenBadger(store.BadgerConfig{
			Path:       cfg.DocumentsPath,
			SyncWrites: true,
			Logger:     logger,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open document store: %w", err)
		}
		s.documents = bd
		s.closers = append(s.closers, bd.Close)
		logger.Info("document store ready", "backend", "badger", "path", cfg.DocumentsPath)
	default:
		s.documents = store.NewMemoryDocumentStore()
	}

	return s, nil
}
