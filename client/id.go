package client

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces correlation tokens. Tokens must be unique among in-flight calls.
type IDGenerator func() string

// UUIDGenerator returns random UUIDv4 tokens. It is the default.
func UUIDGenerator() string {
	return uuid.NewString()
}

// NewSequenceGenerator returns tokens "1", "2", ... from a private counter.
func NewSequenceGenerator() IDGenerator {
	var seq atomic.Uint64
	return func() string {
		return strconv.FormatUint(seq.Add(1), 10)
	}
}
