package crdt

// EventKind distinguishes change events.
type EventKind int

const (
	// EventLocalEncoded carries the encoded update of a local change,
	// ready to broadcast.
	EventLocalEncoded EventKind = iota + 1
	// EventLocal carries text deltas caused by a local change.
	EventLocal
	// EventRemote carries text deltas caused by an applied remote update.
	EventRemote
)

func (k EventKind) String() string {
	switch k {
	case EventLocalEncoded:
		return "local_encoded"
	case EventLocal:
		return "local"
	case EventRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Event is one entry of a subscription stream.
type Event struct {
	Kind EventKind
	// Encoded is set for EventLocalEncoded.
	Encoded []byte
	// Deltas is set for EventLocal and EventRemote. Indices are rune
	// offsets into the text as it was after the preceding delta.
	Deltas []TextDelta
}

// TextDelta is an index-addressed edit: Insert or Remove.
type TextDelta interface {
	isTextDelta()
}

// Insert places Chunk at rune offset Index.
type Insert struct {
	Index int
	Chunk string
}

// Remove deletes Len runes starting at rune offset Index.
type Remove struct {
	Index int
	Len   int
}

func (Insert) isTextDelta() {}
func (Remove) isTextDelta() {}
