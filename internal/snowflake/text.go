package snowflake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/jxskiss/base62"
)

var ErrBadID = errors.New("malformed id")

// FormatBase62 encodes the big endian bytes of id.
func FormatBase62(id uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return base62.EncodeToString(b[:])
}

func ParseBase62(s string) (uint64, error) {
	b, err := base62.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%q: %v: %w", s, err, ErrBadID)
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("%q decodes to %d bytes: %w", s, len(b), ErrBadID)
	}
	return binary.BigEndian.Uint64(b), nil
}

// Parse accepts the decimal form and falls back to base62. A string of
// decimal digits is always read as decimal.
func Parse(s string) (uint64, error) {
	if id, err := strconv.ParseUint(s, 10, 64); err == nil {
		return id, nil
	}
	return ParseBase62(s)
}
