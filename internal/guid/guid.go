// Package guid abstracts over sources of unique ids so that consumers, such
// as token issuance, can be configured with either snowflake ids or random
// UUIDs.
package guid

import (
	"strconv"

	"github.com/google/uuid"
)

// Creator returns a new unique id on every call.
type Creator[T any] interface {
	NextID() (T, error)
}

type decimal struct {
	c Creator[uint64]
}

// Decimal renders the ids of c in base 10.
func Decimal(c Creator[uint64]) Creator[string] {
	return decimal{c}
}

func (d decimal) NextID() (string, error) {
	id, err := d.c.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}

// UUID creates random (version 4) UUIDs.
type UUID struct{}

func (UUID) NextID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
