package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/aardvark/internal/core"
)

// GetOperation returns the operation with the given header hash.
func (s *SQLiteStore) GetOperation(ctx context.Context, hash core.Hash) (core.Operation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT header, has_body, body
		FROM operations
		WHERE hash = ?
	`, hash[:])

	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Operation{}, false, nil
	}
	if err != nil {
		return core.Operation{}, false, fmt.Errorf("get operation: %w", err)
	}
	return op, true, nil
}

// LatestOperation returns the operation with the highest seq_num in a log.
func (s *SQLiteStore) LatestOperation(ctx context.Context, author core.PublicKey, logID core.LogId) (core.Operation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT header, has_body, body
		FROM operations
		WHERE public_key = ? AND log_type = ? AND document = ?
		ORDER BY seq_num DESC
		LIMIT 1
	`, author[:], int(logID.Type), logID.Document[:])

	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Operation{}, false, nil
	}
	if err != nil {
		return core.Operation{}, false, fmt.Errorf("latest operation: %w", err)
	}
	return op, true, nil
}

// GetLog returns operations of one log with seq_num >= from.
// Results are ordered by seq_num ascending.
//
// Returns an empty slice (not nil) if the log holds nothing in range.
func (s *SQLiteStore) GetLog(ctx context.Context, author core.PublicKey, logID core.LogId, from uint64) ([]core.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT header, has_body, body
		FROM operations
		WHERE public_key = ? AND log_type = ? AND document = ? AND seq_num >= ?
		ORDER BY seq_num ASC
	`, author[:], int(logID.Type), logID.Document[:], int64(from))
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	ops := []core.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return ops, nil
}

// Logs returns a summary of every log, ordered by document, log type and author.
func (s *SQLiteStore) Logs(ctx context.Context) ([]LogSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key, log_type, document, MIN(seq_num), MAX(seq_num), COUNT(*)
		FROM operations
		GROUP BY public_key, log_type, document
		ORDER BY document, log_type, public_key
	`)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	logs := []LogSummary{}
	for rows.Next() {
		var (
			author, document []byte
			logType          int
			first, last      int64
			count            int
		)
		if err := rows.Scan(&author, &logType, &document, &first, &last, &count); err != nil {
			return nil, fmt.Errorf("scan logs: %w", err)
		}
		if len(author) != len(core.PublicKey{}) || len(document) != core.HashSize {
			return nil, fmt.Errorf("scan logs: corrupt key lengths")
		}
		var summary LogSummary
		copy(summary.Author[:], author)
		copy(summary.LogId.Document[:], document)
		summary.LogId.Type = core.LogType(logType)
		summary.First = uint64(first)
		summary.Last = uint64(last)
		summary.Count = count
		logs = append(logs, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return logs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (core.Operation, error) {
	var (
		header  []byte
		hasBody bool
		body    []byte
	)
	if err := row.Scan(&header, &hasBody, &body); err != nil {
		return core.Operation{}, err
	}
	if !hasBody {
		body = nil
	} else if body == nil {
		body = []byte{}
	}
	op, err := core.NewOperation(header, body)
	if err != nil {
		return core.Operation{}, fmt.Errorf("decode stored header: %w", err)
	}
	return op, nil
}
