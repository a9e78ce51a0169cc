package store

import (
	"context"
	"fmt"

	"github.com/roach88/aardvark/internal/core"
)

// InsertOperation appends an operation to its log.
// Uses ON CONFLICT DO NOTHING for idempotency - a second write of the same
// (author, log, seq_num) or the same hash is silently ignored.
func (s *SQLiteStore) InsertOperation(ctx context.Context, logID core.LogId, op core.Operation) (bool, error) {
	hasBody := op.Body != nil
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations
		(hash, public_key, log_type, document, seq_num, header, has_body, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		op.Hash[:],
		op.Header.PublicKey[:],
		int(logID.Type),
		logID.Document[:],
		int64(op.Header.SeqNum),
		op.HeaderBytes,
		hasBody,
		op.Body,
	)
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert operation: rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteOperations prunes every entry of the log below seq_num before.
func (s *SQLiteStore) DeleteOperations(ctx context.Context, author core.PublicKey, logID core.LogId, before uint64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM operations
		WHERE public_key = ? AND log_type = ? AND document = ? AND seq_num < ?
	`,
		author[:],
		int(logID.Type),
		logID.Document[:],
		int64(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete operations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete operations: rows affected: %w", err)
	}
	return int(n), nil
}
