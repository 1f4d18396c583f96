package bitstream_test

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"testing"

	"github.com/ofsmmd/mmd/bitstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibbed(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestInflate(t *testing.T) {
	image := bytes.Repeat([]byte("accelerator image "), 1000)

	out, err := bitstream.Inflate{}.Decode(gzipped(t, image))
	require.NoError(t, err)
	assert.Equal(t, image, out)

	out, err = bitstream.Inflate{}.Decode(zlibbed(t, image))
	require.NoError(t, err)
	assert.Equal(t, image, out)
}

func TestInflate_Errors(t *testing.T) {
	_, err := bitstream.Inflate{}.Decode(nil)
	assert.ErrorIs(t, err, bitstream.ErrEmpty)

	_, err = bitstream.Inflate{}.Decode([]byte("plain text"))
	assert.ErrorIs(t, err, bitstream.ErrFormat)

	c := gzipped(t, bytes.Repeat([]byte{1}, 4096))
	_, err = bitstream.Inflate{}.Decode(c[:len(c)-10])
	assert.Error(t, err)

	_, err = bitstream.Inflate{Limit: 1024}.Decode(c)
	assert.ErrorIs(t, err, bitstream.ErrTooLong)

	out, err := bitstream.Inflate{Limit: 4096}.Decode(c)
	require.NoError(t, err)
	assert.Len(t, out, 4096)
}

func TestRaw(t *testing.T) {
	out, err := bitstream.Raw{}.Decode([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)

	_, err = bitstream.Raw{}.Decode(nil)
	assert.ErrorIs(t, err, bitstream.ErrEmpty)
}
