package device

import (
	"errors"
	"fmt"

	"github.com/ofsmmd/mmd/regs"
)

const (
	FeatureAFU = 1
	FeatureBBB = 2

	dfhTypeShift = 60
	dfhTypeMask  = 0xf
	dfhEOLShift  = 40
	dfhNextShift = 16
	dfhNextMask  = 0xffffff

	guidLowOffset  = 8
	guidHighOffset = 16

	maxFeatureWalk = 5000
)

var (
	DMAFeatureGUID  = MustParseGUID("bc24ad4f-8738-f840-575f-bab5b61a8dae")
	NullFeatureGUID = MustParseGUID("da1182b1-b344-4e23-90fe-6aab12a0132f")

	ErrFeatureNotFound = errors.New("device feature not found")
)

// EncodeHeader builds a device feature header word.
func EncodeHeader(featureType uint64, next uint64, eol bool) uint64 {
	h := featureType<<dfhTypeShift | (next&dfhNextMask)<<dfhNextShift
	if eol {
		h |= 1 << dfhEOLShift
	}
	return h
}

func headerType(h uint64) uint64 {
	return (h >> dfhTypeShift) & dfhTypeMask
}

func headerNext(h uint64) uint64 {
	return (h >> dfhNextShift) & dfhNextMask
}

func headerEOL(h uint64) bool {
	return (h>>dfhEOLShift)&1 == 1
}

// readGUID reads the identifier that follows the header at offset.
func readGUID(space regs.Space, offset uint64) (GUID, error) {
	lo, err := space.Read64(offset + guidLowOffset)
	if err != nil {
		return GUID{}, err
	}
	hi, err := space.Read64(offset + guidHighOffset)
	if err != nil {
		return GUID{}, err
	}
	return GUIDFromHeader(lo, hi), nil
}

// findFeature walks the feature list from start and returns the offset of
// the first AFU or BBB feature carrying id.
func findFeature(space regs.Space, start uint64, id GUID) (uint64, error) {
	offset := start
	for i := 0; i <= maxFeatureWalk; i++ {
		h, err := space.Read64(offset)
		if err != nil {
			return 0, fmt.Errorf("read feature header at %#x: %w", offset, err)
		}

		if t := headerType(h); t == FeatureAFU || t == FeatureBBB {
			g, err := readGUID(space, offset)
			if err != nil {
				return 0, fmt.Errorf("read feature id at %#x: %w", offset, err)
			}
			if g == id {
				return offset, nil
			}
		}

		next := headerNext(h)
		if headerEOL(h) || next == 0 {
			break
		}
		offset += next
	}
	return 0, fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
}
