// Package index builds and decrypts the encrypted folder manifests that
// newsvault publishes.
//
// Features:
//   - Fixed-size content-addressed file segmentation
//   - Three manifest shapes: open, allow-listed, password-protected
//   - Ed25519 sign-then-embed-public-key manifests
//   - DEFLATE compression with a chunk-capacity gate
//   - JSON schema validation of untrusted manifests
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// SegmentSize is the fixed segment length in bytes. Changing it invalidates
// every previously published segment reference.
const SegmentSize = 768000

// FileSegment describes one hashed chunk of a file.
type FileSegment struct {
	Index  int    `json:"index"`
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
	Offset int64  `json:"offset"`
}

// SegmentReader splits a stream into SegmentSize chunks, hashing each chunk
// and the whole stream in one pass.
func SegmentReader(r io.Reader) ([]FileSegment, string, int64, error) {
	var segments []FileSegment
	fileHash := sha256.New()
	buf := make([]byte, SegmentSize)

	var offset int64
	for i := 0; ; i++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			fileHash.Write(chunk)
			sum := sha256.Sum256(chunk)
			segments = append(segments, FileSegment{
				Index:  i,
				Hash:   hex.EncodeToString(sum[:]),
				Size:   int64(n),
				Offset: offset,
			})
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, "", 0, fmt.Errorf("read segment: %w", err)
		}
	}

	return segments, hex.EncodeToString(fileHash.Sum(nil)), offset, nil
}

// SegmentFile splits a file on disk into hashed segments.
func SegmentFile(path string) ([]FileSegment, string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return SegmentReader(f)
}

// ReadSegment returns the raw bytes of one segment of a file.
func ReadSegment(path string, seg FileSegment) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, seg.Size)
	n, err := f.ReadAt(buf, seg.Offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read segment at %d: %w", seg.Offset, err)
	}
	if int64(n) != seg.Size {
		return nil, fmt.Errorf("read segment at %d: short read (%d of %d bytes)", seg.Offset, n, seg.Size)
	}
	return buf, nil
}
