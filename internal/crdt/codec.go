package crdt

import (
	"unicode/utf8"

	"github.com/roach88/aardvark/internal/core"
)

const updateVersion = 1

type opKind uint8

const (
	opInsert opKind = iota + 1
	opDelete
)

// op is a decoded operation. An insert places a run of runes with
// consecutive counters: rune k has ID {id.Peer, id.Counter+k} and, for
// k > 0, the previous rune of the run as its origin.
type op struct {
	kind    opKind
	id      ID
	origin  ID
	text    []rune
	targets []ID
}

type wireID struct {
	_       struct{} `cbor:",toarray"`
	Peer    uint64
	Counter uint64
}

type wireOp struct {
	_       struct{} `cbor:",toarray"`
	Kind    uint8
	ID      wireID
	Origin  wireID
	Text    string
	Targets []wireID
}

type wireUpdate struct {
	_       struct{} `cbor:",toarray"`
	Version uint64
	Ops     []wireOp
}

func toWire(id ID) wireID {
	return wireID{Peer: id.Peer, Counter: id.Counter}
}

func fromWire(w wireID) ID {
	return ID{Peer: w.Peer, Counter: w.Counter}
}

func encodeUpdate(ops []op) ([]byte, error) {
	u := wireUpdate{Version: updateVersion, Ops: make([]wireOp, 0, len(ops))}
	for _, o := range ops {
		w := wireOp{Kind: uint8(o.kind)}
		switch o.kind {
		case opInsert:
			w.ID = toWire(o.id)
			w.Origin = toWire(o.origin)
			w.Text = string(o.text)
		case opDelete:
			w.Targets = make([]wireID, len(o.targets))
			for i, id := range o.targets {
				w.Targets[i] = toWire(id)
			}
		}
		u.Ops = append(u.Ops, w)
	}
	return core.Marshal(u)
}

// decodeUpdate parses and checks an update completely before anything is
// applied, so malformed input never changes engine state.
func decodeUpdate(data []byte) ([]op, error) {
	var u wireUpdate
	if err := core.Unmarshal(data, &u); err != nil {
		return nil, core.WrapError(core.CodeDecodeError, "decode text update", err)
	}
	if u.Version != updateVersion {
		return nil, core.NewError(core.CodeDecodeError, "decode text update: unsupported version %d", u.Version)
	}

	ops := make([]op, 0, len(u.Ops))
	for i, w := range u.Ops {
		switch opKind(w.Kind) {
		case opInsert:
			id, origin := fromWire(w.ID), fromWire(w.Origin)
			if id.Counter == 0 {
				return nil, core.NewError(core.CodeDecodeError, "decode text update: op %d has zero counter", i)
			}
			if origin.Counter == 0 && origin != root {
				return nil, core.NewError(core.CodeDecodeError, "decode text update: op %d has invalid origin", i)
			}
			if w.Text == "" || !utf8.ValidString(w.Text) {
				return nil, core.NewError(core.CodeDecodeError, "decode text update: op %d has invalid text", i)
			}
			text := []rune(w.Text)
			if id.Counter+uint64(len(text)) < id.Counter {
				return nil, core.NewError(core.CodeDecodeError, "decode text update: op %d overflows counter", i)
			}
			ops = append(ops, op{kind: opInsert, id: id, origin: origin, text: text})

		case opDelete:
			if len(w.Targets) == 0 {
				return nil, core.NewError(core.CodeDecodeError, "decode text update: op %d deletes nothing", i)
			}
			targets := make([]ID, len(w.Targets))
			for j, t := range w.Targets {
				targets[j] = fromWire(t)
				if targets[j].Counter == 0 {
					return nil, core.NewError(core.CodeDecodeError, "decode text update: op %d targets the document root", i)
				}
			}
			ops = append(ops, op{kind: opDelete, targets: targets})

		default:
			return nil, core.NewError(core.CodeDecodeError, "decode text update: op %d has unknown kind %d", i, w.Kind)
		}
	}
	return ops, nil
}
