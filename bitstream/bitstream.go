// Package bitstream turns a programming container into the raw image handed
// to the reconfiguration service.
package bitstream

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEmpty   = errors.New("empty bitstream container")
	ErrFormat  = errors.New("unrecognised bitstream compression")
	ErrTooLong = errors.New("decompressed bitstream exceeds limit")
)

// Decoder extracts the image from a container.
type Decoder interface {
	Decode(container []byte) ([]byte, error)
}

// Raw hands the container through unchanged.
type Raw struct{}

func (Raw) Decode(container []byte) ([]byte, error) {
	if len(container) == 0 {
		return nil, ErrEmpty
	}
	return container, nil
}

// Inflate decompresses a gzip or zlib wrapped image, picking the format from
// the stream header.
type Inflate struct {
	// Limit caps the decompressed size. Zero means no limit.
	Limit int64
}

func (i Inflate) Decode(container []byte) ([]byte, error) {
	if len(container) == 0 {
		return nil, ErrEmpty
	}

	var (
		r   io.ReadCloser
		err error
	)
	switch {
	case isGzip(container):
		r, err = gzip.NewReader(bytes.NewReader(container))
	case isZlib(container):
		r, err = zlib.NewReader(bytes.NewReader(container))
	default:
		return nil, ErrFormat
	}
	if err != nil {
		return nil, fmt.Errorf("open compressed bitstream: %w", err)
	}
	defer r.Close()

	var src io.Reader = r
	if i.Limit > 0 {
		src = io.LimitReader(r, i.Limit+1)
	}

	var out bytes.Buffer
	if _, err := out.ReadFrom(src); err != nil {
		return nil, fmt.Errorf("decompress bitstream: %w", err)
	}
	if i.Limit > 0 && int64(out.Len()) > i.Limit {
		return nil, fmt.Errorf("%w: limit %d", ErrTooLong, i.Limit)
	}
	return out.Bytes(), nil
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// isZlib checks the RFC 1950 header: deflate method and a valid check value.
func isZlib(b []byte) bool {
	return len(b) >= 2 && b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
