package store

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/roach88/aardvark/internal/core"
)

type logKey struct {
	author core.PublicKey
	log    core.LogId
}

// MemoryStore is an OperationStore held in process memory.
// The zero value is not usable; call NewMemoryStore.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[logKey][]core.Operation // sorted by seq_num
	byHash map[core.Hash]core.Operation
}

var _ OperationStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:   make(map[logKey][]core.Operation),
		byHash: make(map[core.Hash]core.Operation),
	}
}

func (s *MemoryStore) InsertOperation(_ context.Context, logID core.LogId, op core.Operation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[op.Hash]; ok {
		return false, nil
	}

	key := logKey{author: op.Header.PublicKey, log: logID}
	entries := s.logs[key]
	i, found := slices.BinarySearchFunc(entries, op.Header.SeqNum, func(e core.Operation, seq uint64) int {
		return cmp.Compare(e.Header.SeqNum, seq)
	})
	if found {
		return false, nil
	}

	s.logs[key] = slices.Insert(entries, i, op)
	s.byHash[op.Hash] = op
	return true, nil
}

func (s *MemoryStore) GetOperation(_ context.Context, hash core.Hash) (core.Operation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.byHash[hash]
	return op, ok, nil
}

func (s *MemoryStore) LatestOperation(_ context.Context, author core.PublicKey, logID core.LogId) (core.Operation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[logKey{author: author, log: logID}]
	if len(entries) == 0 {
		return core.Operation{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (s *MemoryStore) GetLog(_ context.Context, author core.PublicKey, logID core.LogId, from uint64) ([]core.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[logKey{author: author, log: logID}]
	i, _ := slices.BinarySearchFunc(entries, from, func(e core.Operation, seq uint64) int {
		return cmp.Compare(e.Header.SeqNum, seq)
	})
	return slices.Clone(entries[i:]), nil
}

func (s *MemoryStore) DeleteOperations(_ context.Context, author core.PublicKey, logID core.LogId, before uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := logKey{author: author, log: logID}
	entries := s.logs[key]
	i, _ := slices.BinarySearchFunc(entries, before, func(e core.Operation, seq uint64) int {
		return cmp.Compare(e.Header.SeqNum, seq)
	})
	for _, op := range entries[:i] {
		delete(s.byHash, op.Hash)
	}
	s.logs[key] = slices.Clone(entries[i:])
	return i, nil
}

func (s *MemoryStore) Logs(_ context.Context) ([]LogSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := []LogSummary{}
	for key, entries := range s.logs {
		if len(entries) == 0 {
			continue
		}
		logs = append(logs, LogSummary{
			Author: key.author,
			LogId:  key.log,
			First:  entries[0].Header.SeqNum,
			Last:   entries[len(entries)-1].Header.SeqNum,
			Count:  len(entries),
		})
	}
	slices.SortFunc(logs, compareSummaries)
	return logs, nil
}

func compareSummaries(a, b LogSummary) int {
	if c := bytes.Compare(a.LogId.Document[:], b.LogId.Document[:]); c != 0 {
		return c
	}
	if c := cmp.Compare(a.LogId.Type, b.LogId.Type); c != 0 {
		return c
	}
	return bytes.Compare(a.Author[:], b.Author[:])
}
