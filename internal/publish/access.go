// Package publish coordinates folder publication: manifest builds, chunked
// index upload, durable share records, access strings, and revocation.
//
// Features:
//   - Async jobs with a one-directional state machine
//     (preparing, uploading, published, failed)
//   - Single vs multi-chunk index upload depending on manifest size
//   - Base64 access strings validated against a JSON schema
//   - Local-only revocation: published articles are immutable, so a
//     revoked share is only refused locally from then on
package publish

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsvault/internal/index"
)

// Errors
var (
	ErrBadAccessString = errors.New("publish: malformed access string")
)

// accessVersion is the current access-string envelope version.
const accessVersion = 1

// IndexChunk locates one chunk of a multi-part index upload.
type IndexChunk struct {
	Index     int    `json:"index"`
	MessageID string `json:"message_id"`
	Newsgroup string `json:"newsgroup,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Size      int    `json:"size,omitempty"`
}

// IndexReference locates a published index: a single article or an ordered
// chunk list that is concatenated before decompression.
type IndexReference struct {
	Type      string       `json:"type"` // "single" or "multi"
	MessageID string       `json:"message_id,omitempty"`
	Newsgroup string       `json:"newsgroup,omitempty"`
	Subject   string       `json:"subject,omitempty"`
	Total     int          `json:"total,omitempty"`
	Segments  []IndexChunk `json:"segments,omitempty"`
}

// AccessEnvelope is the JSON carried inside an access string. It holds
// everything a recipient needs to locate the index; credentials travel out
// of band.
type AccessEnvelope struct {
	V         int            `json:"v"`
	ShareID   string         `json:"share_id"`
	ShareType string         `json:"share_type"`
	FolderID  string         `json:"folder_id"`
	Created   string         `json:"created"`
	Index     IndexReference `json:"index"`
}

// EncodeAccessString serializes and base64-encodes an envelope. The JSON
// is schema-validated first so a malformed envelope never leaves this
// process.
func EncodeAccessString(env *AccessEnvelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal access envelope: %w", err)
	}
	if err := index.ValidateAccessEnvelopeJSON(raw); err != nil {
		return "", fmt.Errorf("validate access envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeAccessString decodes and schema-validates an access string
// received from an untrusted channel.
func DecodeAccessString(s string) (*AccessEnvelope, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAccessString, err)
	}
	if err := index.ValidateAccessEnvelopeJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAccessString, err)
	}

	var env AccessEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAccessString, err)
	}
	return &env, nil
}

// NewShareID derives a share id: the upper-cased share type, an
// underscore, and the first 32 hex digits of a salted hash. The random
// component makes repeated shares of the same folder distinct.
func NewShareID(folderID string, shareType index.ShareType) string {
	nonce := make([]byte, 4)
	rand.Read(nonce)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s",
		folderID, shareType, time.Now().UnixNano(), hex.EncodeToString(nonce))))
	return strings.ToUpper(string(shareType)) + "_" + hex.EncodeToString(sum[:16])
}
