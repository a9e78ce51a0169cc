package store

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/aardvark/internal/core"
)

// DocumentStore is the membership directory of documents: which authors
// have produced, or joined to produce, operations for each document.
// The transport reads it to resolve which logs to sync for a topic.
type DocumentStore interface {
	// AddAuthor records author as a member of doc. Adding twice is a no-op.
	AddAuthor(ctx context.Context, doc core.DocumentId, author core.PublicKey) error

	// Authors lists the members of doc in byte order.
	Authors(ctx context.Context, doc core.DocumentId) ([]core.PublicKey, error)
}

// MemoryDocumentStore is a DocumentStore held in process memory.
type MemoryDocumentStore struct {
	mu      sync.RWMutex
	authors map[core.DocumentId]map[core.PublicKey]struct{}
}

var _ DocumentStore = (*MemoryDocumentStore)(nil)

// NewMemoryDocumentStore creates an empty directory.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		authors: make(map[core.DocumentId]map[core.PublicKey]struct{}),
	}
}

func (s *MemoryDocumentStore) AddAuthor(_ context.Context, doc core.DocumentId, author core.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.authors[doc]
	if !ok {
		set = make(map[core.PublicKey]struct{})
		s.authors[doc] = set
	}
	set[author] = struct{}{}
	return nil
}

func (s *MemoryDocumentStore) Authors(_ context.Context, doc core.DocumentId) ([]core.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authors := make([]core.PublicKey, 0, len(s.authors[doc]))
	for a := range s.authors[doc] {
		authors = append(authors, a)
	}
	sortKeys(authors)
	return authors, nil
}

func sortKeys(keys []core.PublicKey) {
	slices.SortFunc(keys, func(a, b core.PublicKey) int {
		return bytes.Compare(a[:], b[:])
	})
}

// LogsForDocument resolves the logs to sync for a document: both log
// types of every member author.
func LogsForDocument(ctx context.Context, docs DocumentStore, doc core.DocumentId) (map[core.PublicKey][]core.LogId, error) {
	authors, err := docs.Authors(ctx, doc)
	if err != nil {
		return nil, err
	}
	logs := make(map[core.PublicKey][]core.LogId, len(authors))
	for _, a := range authors {
		for _, t := range core.LogTypes {
			logs[a] = append(logs[a], core.LogId{Type: t, Document: doc})
		}
	}
	return logs, nil
}

// DocumentOperations returns every operation of doc held in ops. Authors
// come in byte order; per author the snapshot log precedes the delta log,
// each in ascending seq_num. Applying the bodies in this order rebuilds
// the document.
func DocumentOperations(ctx context.Context, ops OperationStore, doc core.DocumentId) ([]core.Operation, error) {
	summaries, err := ops.Logs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	var authors []core.PublicKey
	for _, s := range summaries {
		if s.LogId.Document == doc && !slices.Contains(authors, s.Author) {
			authors = append(authors, s.Author)
		}
	}
	sortKeys(authors)

	var out []core.Operation
	for _, author := range authors {
		for _, logType := range core.LogTypes {
			entries, err := ops.GetLog(ctx, author, core.LogId{Type: logType, Document: doc}, 0)
			if err != nil {
				return nil, fmt.Errorf("read %s log of %s: %w", logType, author.Short(), err)
			}
			out = append(out, entries...)
		}
	}
	return out, nil
}
