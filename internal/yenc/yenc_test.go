package yenc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello world"),
		{0x00, 0x0A, 0x0D, '=', 0xFF, 0xD6, 0xE0, 0xE3}, // bytes that need escaping
		bytes.Repeat([]byte{0xAB}, 5000),                 // multi-line
		{},
	}

	for _, payload := range payloads {
		encoded := Encode("part.dat", payload)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		if len(payload) == 0 {
			assert.Empty(t, decoded)
		} else {
			assert.Equal(t, payload, decoded)
		}
	}
}

func TestEncodeFraming(t *testing.T) {
	encoded := string(Encode("seg.dat", []byte("data")))
	assert.True(t, strings.HasPrefix(encoded, "=ybegin line=128 size=4 name=seg.dat\r\n"))
	assert.Contains(t, encoded, "=yend size=4 crc32=")
}

func TestEncodeLineLength(t *testing.T) {
	encoded := Encode("seg.dat", bytes.Repeat([]byte{'x'}, 1000))
	for _, line := range bytes.Split(encoded, []byte("\r\n")) {
		// Escape sequences may push a line one byte past the limit.
		assert.LessOrEqual(t, len(line), lineLength+1)
	}
}

func TestDecodeCRCMismatch(t *testing.T) {
	encoded := Encode("seg.dat", []byte("payload"))
	corrupted := bytes.Replace(encoded, []byte("crc32="), []byte("crc32=0"), 1)
	_, err := Decode(corrupted)
	assert.Error(t, err)
}

func TestDecodeMissingEnvelope(t *testing.T) {
	_, err := Decode([]byte("not yenc at all"))
	assert.ErrorIs(t, err, ErrMissingHeader)

	encoded := Encode("seg.dat", []byte("payload"))
	idx := bytes.Index(encoded, []byte("=yend"))
	_, err = Decode(encoded[:idx])
	assert.ErrorIs(t, err, ErrMissingTrailer)
}

func TestDecodeSizeMismatch(t *testing.T) {
	encoded := Encode("seg.dat", []byte("payload"))
	tampered := bytes.Replace(encoded, []byte("size=7 name"), []byte("size=9 name"), 1)
	_, err := Decode(tampered)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}
