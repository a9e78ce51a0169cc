package operation

import (
	"context"
	"errors"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/store"
)

// failingStore fails every lookup.
type failingStore struct {
	store.OperationStore
}

func (f *failingStore) LatestOperation(context.Context, core.PublicKey, core.LogId) (core.Operation, bool, error) {
	return core.Operation{}, false, errors.New("disk on fire")
}
