// Package crypto provides the cryptographic primitives for newsvault.
//
// Features:
//   - AES-256-GCM authenticated encryption (nonce || ciphertext || tag)
//   - Memory-hard password key derivation (scrypt)
//   - HKDF-based key wrapping with domain separation
//   - Ed25519 manifest signing and verification
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

// Key and nonce sizes.
const (
	KeySize   = 32
	NonceSize = 12
	SaltSize  = 32
)

// DefaultScryptN is the default scrypt CPU/memory cost, deliberately high
// so offline password guessing stays expensive. Publishers record the cost
// they used in the manifest, so raising it never strands old shares.
const DefaultScryptN = 1 << 16

const (
	scryptR = 8
	scryptP = 1
)

// HKDF domain-separation strings. Owner-wrap and identity-wrap keys must
// never collide, so each path carries its own info tag.
const (
	ownerWrapInfo    = "folder_wrapping_key_v2"
	identityWrapInfo = "user_wrapping_key"
	identityWrapSalt = "usenet_sync_user_wrap_v2"
)

// Errors
var (
	ErrInvalidKeySize     = errors.New("crypto: key must be 32 bytes")
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptFailed      = errors.New("crypto: decryption failed")
	ErrEmptySalt          = errors.New("crypto: salt must not be empty")
	ErrBadScryptCost      = errors.New("crypto: scrypt cost must be a power of two greater than one")
)

// GenerateKey returns a fresh random 32-byte symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns a fresh random 32-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext with AES-256-GCM. The output layout is
// nonce(12) || ciphertext || tag(16). A fresh nonce is drawn from the
// CSPRNG on every call; nonce reuse under one key breaks GCM entirely.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt. Authentication failure and
// truncation both surface as ErrDecryptFailed; callers must not learn
// which check rejected the input.
func Decrypt(data, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	if len(data) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// DeriveKeyFromPassword derives a 32-byte key from a password and salt
// using scrypt at the default cost. This call is CPU and memory bound by
// design; run it on a worker, not on a latency-sensitive path.
func DeriveKeyFromPassword(password string, salt []byte) ([]byte, error) {
	return DeriveKeyWithCost(password, salt, DefaultScryptN)
}

// DeriveKeyWithCost derives a 32-byte key with an explicit scrypt N.
// Decryption must use the same cost the publisher did.
func DeriveKeyWithCost(password string, salt []byte, n int) ([]byte, error) {
	if len(salt) == 0 {
		return nil, ErrEmptySalt
	}
	if n < 2 || n&(n-1) != 0 {
		return nil, ErrBadScryptCost
	}
	key, err := scrypt.Key([]byte(password), salt, n, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}
	return key, nil
}

// OwnerWrappingKey derives the key used to wrap a session key for the
// folder owner, from the folder's private key material.
func OwnerWrappingKey(folderKey []byte, folderID string) ([]byte, error) {
	return deriveWrappingKey(folderKey, []byte(folderID), ownerWrapInfo)
}

// IdentityWrappingKey derives the key used to wrap a session key for a
// single authorized identity. The identity string itself is the input key
// material, so only the identity holder can re-derive it.
func IdentityWrappingKey(identity, folderID string) ([]byte, error) {
	ikm := []byte(identity + ":" + folderID)
	return deriveWrappingKey(ikm, []byte(identityWrapSalt), identityWrapInfo)
}

func deriveWrappingKey(ikm, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// WrapKey encrypts a session key under a wrapping key.
func WrapKey(key, wrappingKey []byte) ([]byte, error) {
	return Encrypt(key, wrappingKey)
}

// UnwrapKey decrypts a wrapped session key. Failure means either the wrong
// wrapping key or corrupt data; the two are indistinguishable on purpose.
func UnwrapKey(wrapped, wrappingKey []byte) ([]byte, error) {
	return Decrypt(wrapped, wrappingKey)
}

// GenerateSigningKey creates a fresh Ed25519 keypair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signing key: %w", err)
	}
	return pub, priv, nil
}

// Sign produces a 64-byte Ed25519 signature over data.
func Sign(privKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privKey, data)
}

// Verify checks an Ed25519 signature.
func Verify(pubKey ed25519.PublicKey, data, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, data, signature)
}

// HashSegment returns the SHA-256 digest of segment data. Every retrieved
// segment is gated on this hash before it is accepted.
func HashSegment(data []byte) [32]byte {
	return sha256.Sum256(data)
}
