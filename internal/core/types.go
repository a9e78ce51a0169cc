package core

import (
	"fmt"
	"strings"
)

// DocumentId identifies a collaborative document.
//
// A document is created implicitly: the hash of its creator's genesis
// header becomes the id (see Header.Document).
type DocumentId Hash

// String returns the lowercase hex form shared between peers.
func (d DocumentId) String() string {
	return Hash(d).String()
}

// Short returns the first 8 hex characters, for logs.
func (d DocumentId) Short() string {
	return Hash(d).Short()
}

// ParseDocumentId decodes the hex form produced by String.
func ParseDocumentId(s string) (DocumentId, error) {
	h, err := ParseHash(strings.TrimSpace(s))
	if err != nil {
		return DocumentId{}, fmt.Errorf("parse document id: %w", err)
	}
	return DocumentId(h), nil
}

// LogType distinguishes the two logs every author keeps per document.
type LogType uint8

const (
	// LogTypeSnapshot holds infrequent full-state dumps used to bootstrap peers.
	LogTypeSnapshot LogType = iota + 1
	// LogTypeDelta holds small incremental edits.
	LogTypeDelta
)

// LogTypes lists every log type in sync order: snapshots before deltas.
var LogTypes = []LogType{LogTypeSnapshot, LogTypeDelta}

// String returns "snapshot" or "delta".
func (t LogType) String() string {
	switch t {
	case LogTypeSnapshot:
		return "snapshot"
	case LogTypeDelta:
		return "delta"
	default:
		return fmt.Sprintf("log_type(%d)", uint8(t))
	}
}

// Valid reports whether t is a known log type.
func (t LogType) Valid() bool {
	return t == LogTypeSnapshot || t == LogTypeDelta
}

// LogId keys one author's append-only log for a document.
// The full log key is (PublicKey, LogId).
type LogId struct {
	Type     LogType
	Document DocumentId
}

func (l LogId) String() string {
	return l.Type.String() + "/" + l.Document.Short()
}

// Extensions are the application fields carried on every header.
type Extensions struct {
	// PruneFlag permits holders of this log to discard every earlier entry.
	PruneFlag bool
	LogType   LogType
	// Document is nil only on a genesis header that defines a new document.
	Document *DocumentId
}

// Header is the signed envelope of an operation.
type Header struct {
	Version     uint64
	PublicKey   PublicKey
	Signature   *Signature
	PayloadSize uint64
	PayloadHash *Hash
	// Timestamp is wall-clock unix seconds.
	Timestamp uint64
	SeqNum    uint64
	// Backlink is the hash of the previous header in the same log; nil for seq 0.
	Backlink   *Hash
	Extensions Extensions
}

// HeaderVersion is the only header version this package produces.
const HeaderVersion uint64 = 1

// Document extracts the document id using the derivation rule:
// an explicit id wins; a genesis header (seq 0) with no id defines the
// document as its own hash; any later header without an id has none.
func (h *Header) Document() (DocumentId, bool) {
	if h.Extensions.Document != nil {
		return *h.Extensions.Document, true
	}
	if h.SeqNum == 0 {
		return DocumentId(h.Hash()), true
	}
	return DocumentId{}, false
}

// LogId returns the log this header belongs to, if its document is known.
func (h *Header) LogId() (LogId, bool) {
	doc, ok := h.Document()
	if !ok {
		return LogId{}, false
	}
	return LogId{Type: h.Extensions.LogType, Document: doc}, true
}

// Hash returns the BLAKE3 hash of the encoded header.
func (h *Header) Hash() Hash {
	b, err := h.ToBytes()
	if err != nil {
		// Encoding a well-formed struct of fixed-size fields cannot fail.
		panic(fmt.Sprintf("encode header: %v", err))
	}
	return HashBytes(b)
}

// Sign fills in PublicKey and Signature using key.
func (h *Header) Sign(key PrivateKey) error {
	h.PublicKey = key.PublicKey()
	h.Signature = nil
	msg, err := h.ToBytes()
	if err != nil {
		return fmt.Errorf("sign header: %w", err)
	}
	sig := key.Sign(msg)
	h.Signature = &sig
	return nil
}

// Verify checks the signature against PublicKey.
func (h *Header) Verify() bool {
	if h.Signature == nil {
		return false
	}
	unsigned := *h
	unsigned.Signature = nil
	msg, err := unsigned.ToBytes()
	if err != nil {
		return false
	}
	return h.PublicKey.Verify(msg, *h.Signature)
}

// Operation is a header with its optional body.
type Operation struct {
	Hash   Hash
	Header Header
	// HeaderBytes is the exact encoding Hash was computed over.
	HeaderBytes []byte
	// Body is nil when absent. An empty non-nil slice is an empty body.
	Body []byte
}

// NewOperation builds an Operation from a header as received on the wire.
func NewOperation(headerBytes, body []byte) (Operation, error) {
	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		Hash:        HashBytes(headerBytes),
		Header:      header,
		HeaderBytes: headerBytes,
		Body:        body,
	}, nil
}
