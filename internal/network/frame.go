package network

import (
	"github.com/roach88/aardvark/internal/core"
)

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameSubscribe
	frameMessage
)

// frame is the unit exchanged on a websocket connection, one per binary
// message.
type frame struct {
	_       struct{} `cbor:",toarray"`
	Kind    frameKind
	Topic   []byte
	Payload []byte
}

// hello opens every connection. The signature covers the network id and
// session id, proving the sender holds the announced key.
type hello struct {
	_         struct{} `cbor:",toarray"`
	Network   []byte
	PublicKey []byte
	Session   string
	Signature []byte
}

func helloMessage(network core.Hash, session string) []byte {
	msg := make([]byte, 0, len(network)+len(session))
	msg = append(msg, network[:]...)
	return append(msg, session...)
}

func newHello(network core.Hash, key core.PrivateKey, session string) hello {
	pk := key.PublicKey()
	sig := key.Sign(helloMessage(network, session))
	return hello{
		Network:   network[:],
		PublicKey: pk[:],
		Session:   session,
		Signature: sig[:],
	}
}

// verify checks h belongs to network and is signed by its key.
func (h hello) verify(network core.Hash) (core.PublicKey, error) {
	var pk core.PublicKey
	if len(h.Network) != len(network) || core.Hash(h.Network) != network {
		return pk, core.NewError(core.CodeTransportError, "hello: foreign network")
	}
	if len(h.PublicKey) != len(pk) {
		return pk, core.NewError(core.CodeDecodeError, "hello: public key has %d bytes", len(h.PublicKey))
	}
	var sig core.Signature
	if len(h.Signature) != len(sig) {
		return pk, core.NewError(core.CodeDecodeError, "hello: signature has %d bytes", len(h.Signature))
	}
	copy(pk[:], h.PublicKey)
	copy(sig[:], h.Signature)
	if !pk.Verify(helloMessage(network, h.Session), sig) {
		return pk, core.NewError(core.CodeSignatureInvalid, "hello: bad signature from %s", pk.Short())
	}
	return pk, nil
}

func encodeFrame(kind frameKind, topic *core.DocumentId, payload []byte) ([]byte, error) {
	f := frame{Kind: kind, Payload: payload}
	if topic != nil {
		f.Topic = topic[:]
	}
	data, err := core.Marshal(f)
	if err != nil {
		return nil, core.WrapError(core.CodeDecodeError, "encode frame", err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := core.Unmarshal(data, &f); err != nil {
		return f, core.WrapError(core.CodeDecodeError, "decode frame", err)
	}
	switch f.Kind {
	case frameHello:
	case frameSubscribe, frameMessage:
		if len(f.Topic) != len(core.DocumentId{}) {
			return f, core.NewError(core.CodeDecodeError, "decode frame: topic has %d bytes", len(f.Topic))
		}
	default:
		return f, core.NewError(core.CodeDecodeError, "decode frame: unknown kind %d", f.Kind)
	}
	return f, nil
}

func (f frame) topic() core.DocumentId {
	return core.DocumentId(f.Topic)
}
