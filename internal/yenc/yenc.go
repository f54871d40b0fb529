// Package yenc implements the yEnc binary-to-text codec used for article
// payloads.
//
// Encoding adds 42 to each byte mod 256 and escapes the four characters
// that would break article framing (NUL, CR, LF, '='). Encoded bodies are
// wrapped in =ybegin / =yend lines carrying the payload size and a CRC32
// trailer that decoders verify.
package yenc

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// lineLength is the standard encoded line width.
const lineLength = 128

// Errors
var (
	ErrMissingHeader  = errors.New("yenc: missing =ybegin header")
	ErrMissingTrailer = errors.New("yenc: missing =yend trailer")
	ErrSizeMismatch   = errors.New("yenc: decoded size does not match header")
	ErrCRCMismatch    = errors.New("yenc: crc32 mismatch")
	ErrBadEscape      = errors.New("yenc: dangling escape character")
)

// escaped reports whether an encoded byte must be escaped.
func escaped(b byte) bool {
	switch b {
	case 0x00, 0x0A, 0x0D, '=':
		return true
	}
	return false
}

// Encode wraps data in a yEnc envelope with the given article name.
func Encode(name string, data []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=ybegin line=%d size=%d name=%s\r\n", lineLength, len(data), name)

	col := 0
	for _, b := range data {
		e := b + 42
		if escaped(e) {
			buf.WriteByte('=')
			buf.WriteByte(e + 64)
			col += 2
		} else {
			buf.WriteByte(e)
			col++
		}
		if col >= lineLength {
			buf.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "=yend size=%d crc32=%08x\r\n", len(data), crc32.ChecksumIEEE(data))
	return buf.Bytes()
}

// Decode strips the yEnc envelope and returns the original payload,
// verifying the size and CRC32 trailer when present.
func Decode(encoded []byte) ([]byte, error) {
	lines := bytes.Split(encoded, []byte("\n"))

	var out bytes.Buffer
	var declaredSize int64 = -1
	var trailer string
	inBody := false

	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		s := string(line)

		switch {
		case strings.HasPrefix(s, "=ybegin "):
			inBody = true
			if v, ok := keyword(s, "size"); ok {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("parse size: %w", err)
				}
				declaredSize = n
			}
			continue
		case strings.HasPrefix(s, "=ypart "):
			continue
		case strings.HasPrefix(s, "=yend"):
			trailer = s
			inBody = false
			continue
		}

		if !inBody {
			continue
		}

		for i := 0; i < len(line); i++ {
			b := line[i]
			if b == '=' {
				i++
				if i >= len(line) {
					return nil, ErrBadEscape
				}
				out.WriteByte(line[i] - 64 - 42)
				continue
			}
			out.WriteByte(b - 42)
		}
	}

	if declaredSize < 0 {
		return nil, ErrMissingHeader
	}
	if trailer == "" {
		return nil, ErrMissingTrailer
	}

	data := out.Bytes()
	if int64(len(data)) != declaredSize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrSizeMismatch, len(data), declaredSize)
	}

	if v, ok := keyword(trailer, "crc32"); ok {
		want, err := strconv.ParseUint(strings.TrimSpace(v), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("parse crc32: %w", err)
		}
		if crc32.ChecksumIEEE(data) != uint32(want) {
			return nil, ErrCRCMismatch
		}
	}

	return data, nil
}

// keyword extracts a key=value field from a =ybegin/=yend line. The name
// field can contain spaces so it is only ever parsed last, which this
// caller never needs.
func keyword(line, key string) (string, bool) {
	idx := strings.Index(line, key+"=")
	if idx < 0 {
		return "", false
	}
	rest := line[idx+len(key)+1:]
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	return rest, true
}
