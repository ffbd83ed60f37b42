package wsx

import (
	"crypto/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCID returns a fresh correlation id. Ids are sortable so that logs for
// one connection read in event order.
func NewCID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// NewPubClientID returns the stable public id assigned to a connection at
// accept time.
func NewPubClientID() string {
	return "ws." + uuid.NewString()
}
