package node

// Command is an instruction from the application to a subscription's
// outbound loop.
type Command interface {
	isCommand()
}

// Delta publishes an encoded text delta as the next operation of the
// author's delta log.
type Delta struct {
	Bytes []byte
}

// DeltaWithSnapshot stores SnapshotBytes as the new head of the author's
// snapshot log, then publishes DeltaBytes. Both operations carry the prune
// flag, so peers may discard everything before them.
type DeltaWithSnapshot struct {
	DeltaBytes    []byte
	SnapshotBytes []byte
}

func (Delta) isCommand()             {}
func (DeltaWithSnapshot) isCommand() {}
