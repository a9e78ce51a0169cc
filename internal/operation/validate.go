package operation

import (
	"github.com/roach88/aardvark/internal/core"
)

// Validate checks that a received operation belongs to expected.
// A non-genesis operation must name its document explicitly.
func Validate(op core.Operation, expected core.DocumentId) error {
	doc, ok := op.Header.Document()
	if !ok {
		return core.NewError(core.CodeDocumentMissing,
			"document id missing (expected: %s)", expected).At(&op.Header)
	}
	if doc != expected {
		return core.NewError(core.CodeDocumentMismatch,
			"document id mismatch (expected: %s, received: %s)", expected, doc).At(&op.Header)
	}
	return nil
}
