package index

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"

	"newsvault/internal/crypto"
	"newsvault/internal/zkp"
)

// Errors
var (
	ErrInvalidShareType  = errors.New("index: invalid share type")
	ErrNoIdentities      = errors.New("index: allow-listed share requires at least one identity")
	ErrNoPassword        = errors.New("index: password-protected share requires a password")
	ErrIndexTooLarge     = errors.New("index: compressed manifest exceeds chunk capacity")
	ErrBadSignature      = errors.New("index: manifest signature verification failed")
	ErrAccessDenied      = errors.New("index: access denied or corrupt data")
	ErrMissingCredential = errors.New("index: no usable credential for share type")
)

// BuildRequest carries everything needed to build one manifest.
type BuildRequest struct {
	FolderID   string
	Version    int
	ShareType  ShareType
	Payload    *Payload
	PrivateKey ed25519.PrivateKey

	// allow-listed
	AuthorizedIdentities []string

	// password-protected
	Password     string
	PasswordHint string
	// ScryptN overrides the password KDF cost; zero means
	// crypto.DefaultScryptN. The cost used is recorded in the manifest so
	// recipients derive with the same parameters.
	ScryptN int

	// Capacity gate: fail instead of truncating when the compressed
	// manifest would not fit.
	MaxChunks int
	ChunkSize int
}

// BuildResult reports what was built.
type BuildResult struct {
	Compressed       []byte
	TotalFiles       int
	TotalSize        int64
	IndexSize        int
	CompressionRatio float64
}

// Credentials selects how a manifest should be decrypted. Exactly the
// fields matching the share type are consulted.
type Credentials struct {
	// FolderKey is the folder's Ed25519 private key; its presence marks
	// the caller as the owner of an allow-listed share.
	FolderKey ed25519.PrivateKey
	// Identity is tried against the access commitments of an
	// allow-listed share.
	Identity string
	// Password unlocks password-protected shares.
	Password string
}

// Build assembles, encrypts, signs and compresses a folder manifest.
func Build(req *BuildRequest) (*BuildResult, error) {
	if !req.ShareType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidShareType, req.ShareType)
	}
	if req.ShareType == ShareAllowListed && len(req.AuthorizedIdentities) == 0 {
		return nil, ErrNoIdentities
	}
	if req.ShareType == SharePasswordProtected && req.Password == "" {
		return nil, ErrNoPassword
	}

	plaintext, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	m := &Manifest{
		Version:       FormatVersion,
		ShareTypeName: string(req.ShareType),
		FolderID:      req.FolderID,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		CreatedBy:     creatorFingerprint(req.PrivateKey),
	}

	switch req.ShareType {
	case ShareOpen:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		ct, err := crypto.Encrypt(plaintext, key)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		m.EncryptedData = base64.StdEncoding.EncodeToString(ct)
		m.EncryptionKey = base64.StdEncoding.EncodeToString(key)

	case ShareAllowListed:
		session, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		ct, err := crypto.Encrypt(plaintext, session)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		m.EncryptedData = base64.StdEncoding.EncodeToString(ct)

		ownerKey, err := crypto.OwnerWrappingKey(req.PrivateKey.Seed(), req.FolderID)
		if err != nil {
			return nil, fmt.Errorf("derive owner wrapping key: %w", err)
		}
		ownerWrapped, err := crypto.WrapKey(session, ownerKey)
		if err != nil {
			return nil, fmt.Errorf("wrap owner key: %w", err)
		}
		m.OwnerWrappedKey = base64.StdEncoding.EncodeToString(ownerWrapped)

		for _, identity := range req.AuthorizedIdentities {
			ac, err := buildCommitment(identity, req.FolderID, session)
			if err != nil {
				return nil, fmt.Errorf("commitment for identity: %w", err)
			}
			m.AccessCommitments = append(m.AccessCommitments, *ac)
		}

	case SharePasswordProtected:
		salt, err := crypto.GenerateSalt()
		if err != nil {
			return nil, err
		}
		scryptN := req.ScryptN
		if scryptN == 0 {
			scryptN = crypto.DefaultScryptN
		}
		key, err := crypto.DeriveKeyWithCost(req.Password, salt, scryptN)
		if err != nil {
			return nil, fmt.Errorf("derive password key: %w", err)
		}
		ct, err := crypto.Encrypt(plaintext, key)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		m.EncryptedData = base64.StdEncoding.EncodeToString(ct)
		m.Salt = base64.StdEncoding.EncodeToString(salt)
		m.ScryptN = scryptN
		m.PasswordHint = req.PasswordHint
	}

	if err := sign(m, req.PrivateKey); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	compressed, err := compress(raw)
	if err != nil {
		return nil, err
	}

	if req.MaxChunks > 0 && req.ChunkSize > 0 && len(compressed) > req.MaxChunks*req.ChunkSize {
		return nil, fmt.Errorf("%w: %d bytes > %d chunks x %d bytes",
			ErrIndexTooLarge, len(compressed), req.MaxChunks, req.ChunkSize)
	}

	var totalSize int64
	for _, f := range req.Payload.Files {
		totalSize += f.Size
	}

	return &BuildResult{
		Compressed:       compressed,
		TotalFiles:       len(req.Payload.Files),
		TotalSize:        totalSize,
		IndexSize:        len(compressed),
		CompressionRatio: ratio(len(raw), len(compressed)),
	}, nil
}

// Decrypt is the exact inverse of Build: decompress, validate, verify the
// signature, then unlock the payload with whichever credential matches the
// share type. Wrong credentials and corrupt ciphertext both surface as
// ErrAccessDenied; callers never learn which check rejected them.
func Decrypt(compressed []byte, creds *Credentials) (*Payload, error) {
	m, err := Parse(compressed)
	if err != nil {
		return nil, err
	}

	ct, err := base64.StdEncoding.DecodeString(m.EncryptedData)
	if err != nil {
		return nil, ErrAccessDenied
	}

	var key []byte
	switch m.ShareType() {
	case ShareOpen:
		key, err = base64.StdEncoding.DecodeString(m.EncryptionKey)
		if err != nil {
			return nil, ErrAccessDenied
		}

	case ShareAllowListed:
		key, err = unlockAllowListed(m, creds)
		if err != nil {
			return nil, err
		}

	case SharePasswordProtected:
		if creds == nil || creds.Password == "" {
			return nil, ErrMissingCredential
		}
		salt, err := base64.StdEncoding.DecodeString(m.Salt)
		if err != nil {
			return nil, ErrAccessDenied
		}
		// Derive with the cost the publisher recorded; manifests written
		// before the field existed fall back to the default.
		scryptN := m.ScryptN
		if scryptN == 0 {
			scryptN = crypto.DefaultScryptN
		}
		key, err = crypto.DeriveKeyWithCost(creds.Password, salt, scryptN)
		if err != nil {
			return nil, fmt.Errorf("derive password key: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidShareType, m.ShareTypeName)
	}

	plaintext, err := crypto.Decrypt(ct, key)
	if err != nil {
		return nil, ErrAccessDenied
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, ErrAccessDenied
	}
	return &payload, nil
}

// Parse decompresses and validates a manifest without decrypting it. The
// signature is checked against the embedded public key; an untrusted
// manifest never gets further than this.
func Parse(compressed []byte) (*Manifest, error) {
	raw, err := decompress(compressed)
	if err != nil {
		return nil, ErrAccessDenied
	}

	if err := ValidateManifestJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ErrAccessDenied
	}

	if err := verifySignature(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// unlockAllowListed recovers the session key, owner path first, then each
// access commitment in order until a proof verifies.
func unlockAllowListed(m *Manifest, creds *Credentials) ([]byte, error) {
	if creds == nil {
		return nil, ErrMissingCredential
	}

	if len(creds.FolderKey) == ed25519.PrivateKeySize {
		ownerKey, err := crypto.OwnerWrappingKey(creds.FolderKey.Seed(), m.FolderID)
		if err == nil {
			wrapped, err := base64.StdEncoding.DecodeString(m.OwnerWrappedKey)
			if err == nil {
				if session, err := crypto.UnwrapKey(wrapped, ownerKey); err == nil {
					return session, nil
				}
			}
		}
	}

	if creds.Identity == "" {
		return nil, ErrMissingCredential
	}

	com := zkp.CreateCommitment(creds.Identity, m.FolderID)
	for _, ac := range m.AccessCommitments {
		if ac.CommitmentHash != com.Hash() {
			continue
		}
		proof, err := zkp.Prove(creds.Identity, m.FolderID, ac.Params)
		if err != nil || !zkp.Verify(proof, ac.Params) {
			continue
		}

		wrapKey, err := crypto.IdentityWrappingKey(creds.Identity, m.FolderID)
		if err != nil {
			continue
		}
		wrapped, err := base64.StdEncoding.DecodeString(ac.WrappedSessionKey)
		if err != nil {
			continue
		}
		if session, err := crypto.UnwrapKey(wrapped, wrapKey); err == nil {
			return session, nil
		}
	}

	return nil, ErrAccessDenied
}

// buildCommitment creates one access commitment with the session key
// wrapped for the identity.
func buildCommitment(identity, folderID string, session []byte) (*AccessCommitment, error) {
	com := zkp.CreateCommitment(identity, folderID)

	wrapKey, err := crypto.IdentityWrappingKey(identity, folderID)
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.WrapKey(session, wrapKey)
	if err != nil {
		return nil, err
	}

	vk := sha256.Sum256([]byte(com.C.String() + ":" + com.Salt))
	return &AccessCommitment{
		CommitmentHash:    com.Hash(),
		Salt:              com.Salt,
		Params:            com,
		VerificationKey:   hex.EncodeToString(vk[:]),
		WrappedSessionKey: base64.StdEncoding.EncodeToString(wrapped),
	}, nil
}

// sign signs the canonical manifest and embeds the signature and public key.
func sign(m *Manifest, priv ed25519.PrivateKey) error {
	data, err := m.signingBytes()
	if err != nil {
		return err
	}
	m.Signature = base64.StdEncoding.EncodeToString(crypto.Sign(priv, data))
	m.PublicKey = base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	return nil
}

// verifySignature checks the embedded signature against the embedded
// public key.
func verifySignature(m *Manifest) error {
	pub, err := base64.StdEncoding.DecodeString(m.PublicKey)
	if err != nil {
		return ErrBadSignature
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return ErrBadSignature
	}
	data, err := m.signingBytes()
	if err != nil {
		return err
	}
	if !crypto.Verify(pub, data, sig) {
		return ErrBadSignature
	}
	return nil
}

// creatorFingerprint is the hex SHA-256 of the signing public key.
func creatorFingerprint(priv ed25519.PrivateKey) string {
	sum := sha256.Sum256(priv.Public().(ed25519.PublicKey))
	return hex.EncodeToString(sum[:16])
}

// compress applies DEFLATE at best compression.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("new flate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close flate writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decompress inflates a DEFLATE stream.
func decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

func ratio(raw, compressed int) float64 {
	if raw == 0 {
		return 1
	}
	return float64(compressed) / float64(raw)
}
