package testutil

import (
	"github.com/roach88/aardvark/internal/core"
)

// Key derives a stable private key from a name, so "alice" is the same
// author in every test run.
func Key(name string) core.PrivateKey {
	seed := core.HashBytes([]byte("aardvark/testutil/key"), []byte(name))
	k, err := core.PrivateKeyFromSeed(seed[:])
	if err != nil {
		panic(err)
	}
	return k
}

// DocumentID derives a stable document id from a name.
func DocumentID(name string) core.DocumentId {
	return core.DocumentId(core.HashBytes([]byte("aardvark/testutil/document"), []byte(name)))
}
