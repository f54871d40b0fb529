package index

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsvault/internal/crypto"
)

func testPayload() *Payload {
	return &Payload{
		Files: []FileEntry{
			{Path: "docs/readme.txt", Hash: "aa11", Size: 1200},
			{Path: "media/clip.bin", Hash: "bb22", Size: 1536000},
		},
		SegmentMap: map[string][]SegmentEntry{
			"media/clip.bin": {
				{Index: 0, SegmentID: "seg-0", Hash: "cc33", Size: 768000, MessageID: "<a@news>"},
				{Index: 1, SegmentID: "seg-1", Hash: "dd44", Size: 768000, MessageID: "<b@news>"},
			},
		},
	}
}

func buildRequest(t *testing.T, shareType ShareType) *BuildRequest {
	t.Helper()
	_, priv, err := crypto.GenerateSigningKey()
	require.NoError(t, err)

	req := &BuildRequest{
		FolderID:   "folder-1",
		Version:    1,
		ShareType:  shareType,
		Payload:    testPayload(),
		PrivateKey: priv,
	}
	switch shareType {
	case ShareAllowListed:
		req.AuthorizedIdentities = []string{"alice@example.org", "bob@example.org"}
	case SharePasswordProtected:
		req.Password = "correct horse"
		req.PasswordHint = "the usual"
	}
	return req
}

func TestBuildValidation(t *testing.T) {
	req := buildRequest(t, ShareAllowListed)
	req.AuthorizedIdentities = nil
	_, err := Build(req)
	assert.ErrorIs(t, err, ErrNoIdentities)

	req = buildRequest(t, SharePasswordProtected)
	req.Password = ""
	_, err = Build(req)
	assert.ErrorIs(t, err, ErrNoPassword)

	req = buildRequest(t, ShareType("bogus"))
	_, err = Build(req)
	assert.ErrorIs(t, err, ErrInvalidShareType)
}

func TestOpenShareRoundTrip(t *testing.T) {
	req := buildRequest(t, ShareOpen)
	result, err := Build(req)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalFiles)
	assert.Greater(t, result.IndexSize, 0)

	// No credentials needed: the payload key travels in cleartext.
	payload, err := Decrypt(result.Compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, req.Payload.Files, payload.Files)
	assert.Len(t, payload.SegmentMap["media/clip.bin"], 2)
}

func TestAllowListedRoundTrip(t *testing.T) {
	req := buildRequest(t, ShareAllowListed)
	result, err := Build(req)
	require.NoError(t, err)

	// Owner path
	payload, err := Decrypt(result.Compressed, &Credentials{FolderKey: req.PrivateKey})
	require.NoError(t, err)
	assert.Equal(t, req.Payload.Files, payload.Files)

	// Each authorized identity path
	for _, identity := range req.AuthorizedIdentities {
		payload, err := Decrypt(result.Compressed, &Credentials{Identity: identity})
		require.NoError(t, err)
		assert.Equal(t, req.Payload.Files, payload.Files)
	}

	// Unauthorized identity is denied without learning why.
	_, err = Decrypt(result.Compressed, &Credentials{Identity: "mallory@example.org"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	// No credential at all
	_, err = Decrypt(result.Compressed, &Credentials{})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestPasswordRoundTrip(t *testing.T) {
	req := buildRequest(t, SharePasswordProtected)
	result, err := Build(req)
	require.NoError(t, err)

	payload, err := Decrypt(result.Compressed, &Credentials{Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, req.Payload.Files, payload.Files)

	_, err = Decrypt(result.Compressed, &Credentials{Password: "wrong"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = Decrypt(result.Compressed, &Credentials{})
	assert.ErrorIs(t, err, ErrMissingCredential)

	// The hint is readable without the password.
	m, err := Parse(result.Compressed)
	require.NoError(t, err)
	assert.Equal(t, "the usual", m.PasswordHint)
	assert.Equal(t, crypto.DefaultScryptN, m.ScryptN)
}

func TestPasswordShareHonorsScryptCost(t *testing.T) {
	req := buildRequest(t, SharePasswordProtected)
	req.ScryptN = 1 << 4
	result, err := Build(req)
	require.NoError(t, err)

	// The manifest records the cost the publisher used, and decryption
	// derives with it.
	m, err := Parse(result.Compressed)
	require.NoError(t, err)
	assert.Equal(t, 1<<4, m.ScryptN)

	payload, err := Decrypt(result.Compressed, &Credentials{Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, req.Payload.Files, payload.Files)

	_, err = Decrypt(result.Compressed, &Credentials{Password: "wrong"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	req.ScryptN = 3
	_, err = Build(req)
	assert.ErrorIs(t, err, crypto.ErrBadScryptCost)
}

func TestSignatureTamperDetected(t *testing.T) {
	result, err := Build(buildRequest(t, ShareOpen))
	require.NoError(t, err)

	raw, err := decompress(result.Compressed)
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))

	// Flip one byte of the ciphertext, outside signature and public key.
	ct, err := base64.StdEncoding.DecodeString(m.EncryptedData)
	require.NoError(t, err)
	ct[0] ^= 0x01
	m.EncryptedData = base64.StdEncoding.EncodeToString(ct)

	tampered, err := json.Marshal(&m)
	require.NoError(t, err)
	recompressed, err := compress(tampered)
	require.NoError(t, err)

	_, err = Decrypt(recompressed, nil)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestCapacityGate(t *testing.T) {
	req := buildRequest(t, ShareOpen)
	// Random data does not compress; force an overflow.
	blob := make([]byte, 4096)
	_, err := rand.Read(blob)
	require.NoError(t, err)
	req.Payload.Files[0].Hash = base64.StdEncoding.EncodeToString(blob)
	req.MaxChunks = 1
	req.ChunkSize = 1024

	_, err = Build(req)
	assert.ErrorIs(t, err, ErrIndexTooLarge)
}

func TestSegmentReaderExactSplit(t *testing.T) {
	// 2 MiB splits into 768000 + 768000 + 561152.
	data := bytes.Repeat([]byte{0x5A}, 2*1024*1024)
	segments, fileHash, size, err := SegmentReader(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), size)
	require.Len(t, segments, 3)
	assert.Equal(t, int64(768000), segments[0].Size)
	assert.Equal(t, int64(768000), segments[1].Size)
	assert.Equal(t, int64(561152), segments[2].Size)
	assert.Equal(t, int64(0), segments[0].Offset)
	assert.Equal(t, int64(768000), segments[1].Offset)
	assert.Equal(t, int64(1536000), segments[2].Offset)
	assert.NotEmpty(t, fileHash)

	// First two segments hold identical bytes, the short tail differs.
	assert.Equal(t, segments[0].Hash, segments[1].Hash)
	assert.NotEqual(t, segments[0].Hash, segments[2].Hash)
}

func TestSegmentFileAndReadSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := bytes.Repeat([]byte{1, 2, 3, 4}, 250000) // 1,000,000 bytes
	require.NoError(t, os.WriteFile(path, content, 0600))

	segments, _, size, err := SegmentFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), size)
	require.Len(t, segments, 2)

	tail, err := ReadSegment(path, segments[1])
	require.NoError(t, err)
	assert.Equal(t, content[768000:], tail)
}

func TestValidateManifestJSONRejectsGarbage(t *testing.T) {
	err := ValidateManifestJSON([]byte(`{"version": "3.2"}`))
	assert.Error(t, err)

	err = ValidateManifestJSON([]byte(`not json`))
	assert.Error(t, err)
}
