package operation

import (
	"github.com/roach88/aardvark/internal/core"
)

// gossipMessage is the wire envelope: a CBOR 2-tuple of header bytes and
// optional body bytes (null when absent).
type gossipMessage struct {
	_      struct{} `cbor:",toarray"`
	Header []byte
	Body   []byte
}

// EncodeGossipOperation encodes header and body as one gossip payload.
func EncodeGossipOperation(header core.Header, body []byte) ([]byte, error) {
	headerBytes, err := header.ToBytes()
	if err != nil {
		return nil, core.WrapError(core.CodeDecodeError, "encode gossip operation", err)
	}
	return encodeEnvelope(headerBytes, body)
}

// EncodeOperation encodes op using the header bytes it was hashed over.
func EncodeOperation(op core.Operation) ([]byte, error) {
	return encodeEnvelope(op.HeaderBytes, op.Body)
}

func encodeEnvelope(headerBytes, body []byte) ([]byte, error) {
	data, err := core.Marshal(gossipMessage{Header: headerBytes, Body: body})
	if err != nil {
		return nil, core.WrapError(core.CodeDecodeError, "encode gossip operation", err)
	}
	return data, nil
}

// DecodeGossipMessage is the inverse of EncodeGossipOperation. It returns
// the header bytes and the body, nil when absent.
func DecodeGossipMessage(data []byte) ([]byte, []byte, error) {
	var msg gossipMessage
	if err := core.Unmarshal(data, &msg); err != nil {
		return nil, nil, core.WrapError(core.CodeDecodeError, "decode gossip message", err)
	}
	if len(msg.Header) == 0 {
		return nil, nil, core.NewError(core.CodeDecodeError, "decode gossip message: empty header")
	}
	return msg.Header, msg.Body, nil
}

// DecodeOperation decodes a gossip payload into an operation.
func DecodeOperation(data []byte) (core.Operation, error) {
	headerBytes, body, err := DecodeGossipMessage(data)
	if err != nil {
		return core.Operation{}, err
	}
	return core.NewOperation(headerBytes, body)
}
