package core

import (
	"github.com/fxamacker/cbor/v2"
)

// Header wire form: a CBOR array with deterministic encoding. Absent
// optional fields are encoded as null.
type wireHeader struct {
	_           struct{} `cbor:",toarray"`
	Version     uint64
	PublicKey   []byte
	Signature   []byte
	PayloadSize uint64
	PayloadHash []byte
	Timestamp   uint64
	SeqNum      uint64
	Backlink    []byte
	Extensions  wireExtensions
}

type wireExtensions struct {
	_         struct{} `cbor:",toarray"`
	PruneFlag bool
	LogType   uint8
	Document  []byte
}

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// Marshal encodes v with the deterministic CBOR mode shared by every
// wire format in this module.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Trailing bytes are an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// ToBytes encodes the header.
func (h *Header) ToBytes() ([]byte, error) {
	w := wireHeader{
		Version:     h.Version,
		PublicKey:   h.PublicKey[:],
		PayloadSize: h.PayloadSize,
		Timestamp:   h.Timestamp,
		SeqNum:      h.SeqNum,
		Extensions: wireExtensions{
			PruneFlag: h.Extensions.PruneFlag,
			LogType:   uint8(h.Extensions.LogType),
		},
	}
	if h.Signature != nil {
		w.Signature = h.Signature[:]
	}
	if h.PayloadHash != nil {
		w.PayloadHash = h.PayloadHash[:]
	}
	if h.Backlink != nil {
		w.Backlink = h.Backlink[:]
	}
	if h.Extensions.Document != nil {
		w.Extensions.Document = h.Extensions.Document[:]
	}
	return encMode.Marshal(w)
}

// DecodeHeader parses header bytes. Malformed input yields a DECODE_ERROR.
func DecodeHeader(data []byte) (Header, error) {
	var w wireHeader
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Header{}, WrapError(CodeDecodeError, "decode header", err)
	}

	var h Header
	h.Version = w.Version
	h.PayloadSize = w.PayloadSize
	h.Timestamp = w.Timestamp
	h.SeqNum = w.SeqNum

	if len(w.PublicKey) != len(h.PublicKey) {
		return Header{}, NewError(CodeDecodeError, "decode header: public key has %d bytes", len(w.PublicKey))
	}
	copy(h.PublicKey[:], w.PublicKey)

	if w.Signature != nil {
		if len(w.Signature) != SignatureSize {
			return Header{}, NewError(CodeDecodeError, "decode header: signature has %d bytes", len(w.Signature))
		}
		var sig Signature
		copy(sig[:], w.Signature)
		h.Signature = &sig
	}

	var err error
	if h.PayloadHash, err = optionalHash(w.PayloadHash); err != nil {
		return Header{}, WrapError(CodeDecodeError, "decode header: payload hash", err)
	}
	if h.Backlink, err = optionalHash(w.Backlink); err != nil {
		return Header{}, WrapError(CodeDecodeError, "decode header: backlink", err)
	}

	h.Extensions.PruneFlag = w.Extensions.PruneFlag
	h.Extensions.LogType = LogType(w.Extensions.LogType)
	if !h.Extensions.LogType.Valid() {
		return Header{}, NewError(CodeDecodeError, "decode header: unknown log type %d", w.Extensions.LogType)
	}
	doc, err := optionalHash(w.Extensions.Document)
	if err != nil {
		return Header{}, WrapError(CodeDecodeError, "decode header: document", err)
	}
	if doc != nil {
		id := DocumentId(*doc)
		h.Extensions.Document = &id
	}

	return h, nil
}

func optionalHash(b []byte) (*Hash, error) {
	if b == nil {
		return nil, nil
	}
	h, err := hashFromSlice(b)
	if err != nil {
		return nil, err
	}
	return &h, nil
}
