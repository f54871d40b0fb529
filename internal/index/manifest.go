package index

import (
	"encoding/json"
	"fmt"

	"newsvault/internal/zkp"
)

// FormatVersion is the manifest wire-format version.
const FormatVersion = "3.2"

// ShareType selects the manifest's access model.
type ShareType string

const (
	// ShareOpen embeds the payload key in cleartext; anyone holding the
	// manifest can read it. Integrity and signature are still enforced.
	ShareOpen ShareType = "open"
	// ShareAllowListed wraps the session key per authorized identity,
	// gated by a zero-knowledge proof.
	ShareAllowListed ShareType = "allow_listed"
	// SharePasswordProtected derives the key from a password via scrypt.
	SharePasswordProtected ShareType = "password_protected"
)

// Valid reports whether t is a known share type.
func (t ShareType) Valid() bool {
	switch t {
	case ShareOpen, ShareAllowListed, SharePasswordProtected:
		return true
	}
	return false
}

// FileEntry is one file in the manifest payload.
type FileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// SegmentEntry is one segment location in the manifest payload.
type SegmentEntry struct {
	Index              int    `json:"index"`
	SegmentID          string `json:"segment_id"`
	Hash               string `json:"hash"`
	Size               int64  `json:"size"`
	MessageID          string `json:"message_id,omitempty"`
	SubjectFingerprint string `json:"subject_fingerprint,omitempty"`
	Newsgroup          string `json:"newsgroup,omitempty"`
	RedundancyIndex    int    `json:"redundancy_index,omitempty"`
}

// Payload is the plaintext manifest body: the file list and the map from
// file path to its ordered segment locations.
type Payload struct {
	Files      []FileEntry               `json:"files"`
	SegmentMap map[string][]SegmentEntry `json:"segment_map"`
}

// AccessCommitment carries one authorized identity's wrapped session key.
// The identity itself is never stored; the ZK commitment is all a verifier
// ever sees.
type AccessCommitment struct {
	CommitmentHash    string          `json:"commitment_hash"`
	Salt              string          `json:"salt"`
	Params            *zkp.Commitment `json:"zk_proof_params"`
	VerificationKey   string          `json:"verification_key"`
	WrappedSessionKey string          `json:"wrapped_key"`
}

// Manifest is the signed wire form of a published index. Base64 is used
// for all binary fields so the whole structure serializes as compact JSON.
type Manifest struct {
	Version       string `json:"version"`
	ShareTypeName string `json:"share_type"`
	FolderID      string `json:"folder_id"`
	CreatedAt     string `json:"created_at"`
	CreatedBy     string `json:"created_by"`
	EncryptedData string `json:"encrypted_data"`
	PublicKey     string `json:"public_key,omitempty"`
	Signature     string `json:"signature,omitempty"`

	// open shares
	EncryptionKey string `json:"encryption_key,omitempty"`

	// allow-listed shares
	OwnerWrappedKey   string             `json:"owner_wrapped_key,omitempty"`
	AccessCommitments []AccessCommitment `json:"access_commitments,omitempty"`

	// password-protected shares
	Salt         string `json:"salt,omitempty"`
	ScryptN      int    `json:"scrypt_n,omitempty"`
	PasswordHint string `json:"password_hint,omitempty"`
}

// ShareType returns the manifest's typed share type.
func (m *Manifest) ShareType() ShareType {
	return ShareType(m.ShareTypeName)
}

// signingBytes produces the canonical byte form the signature covers: the
// manifest JSON with the signature and public_key fields removed and all
// object keys sorted.
func (m *Manifest) signingBytes() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	delete(generic, "signature")
	delete(generic, "public_key")

	// json.Marshal sorts map keys, giving a canonical encoding.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return canonical, nil
}
