package device

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// GUID is a 128 bit feature or image identifier, stored in the byte order of
// its canonical string form.
type GUID [16]byte

func ParseGUID(s string) (GUID, error) {
	var g GUID
	raw := strings.ReplaceAll(s, "-", "")
	if len(raw) != 32 {
		return g, fmt.Errorf("invalid guid %q", s)
	}
	if _, err := hex.Decode(g[:], []byte(raw)); err != nil {
		return g, fmt.Errorf("invalid guid %q: %w", s, err)
	}
	return g, nil
}

func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// GUIDFromHeader rebuilds a GUID from the two registers that follow a device
// feature header.
func GUIDFromHeader(lo, hi uint64) GUID {
	var g GUID
	binary.BigEndian.PutUint64(g[:8], hi)
	binary.BigEndian.PutUint64(g[8:], lo)
	return g
}

// Halves returns the low and high register values for g.
func (g GUID) Halves() (lo, hi uint64) {
	return binary.BigEndian.Uint64(g[8:]), binary.BigEndian.Uint64(g[:8])
}

func (g GUID) IsZero() bool {
	return g == GUID{}
}

func (g GUID) String() string {
	h := hex.EncodeToString(g[:])
	return h[:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:]
}
