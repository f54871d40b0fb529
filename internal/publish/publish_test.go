package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsvault/internal/crypto"
	"newsvault/internal/index"
	"newsvault/internal/store"
	"newsvault/internal/transport"
	"newsvault/internal/versioning"
	"newsvault/internal/yenc"
)

// memServer keeps posted articles in memory and serves them back.
type memServer struct {
	mu       sync.Mutex
	nextID   int
	articles map[string][]byte
	subjects map[string]string
	failPost bool
}

func newMemServer() *memServer {
	return &memServer{
		articles: make(map[string][]byte),
		subjects: make(map[string]string),
	}
}

func (m *memServer) Name() string { return "mem.example.org" }

func (m *memServer) RetrieveArticle(ctx context.Context, messageID, newsgroup string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.articles[messageID]
	if !ok {
		return nil, transport.ErrArticleNotFound
	}
	return body, nil
}

func (m *memServer) PostData(ctx context.Context, subject string, data []byte, newsgroup string, extraHeaders map[string]string) (*transport.PostResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPost {
		return nil, transport.ErrPostRejected
	}
	m.nextID++
	id := fmt.Sprintf("<%d@mem.example.org>", m.nextID)
	m.articles[id] = append([]byte(nil), data...)
	m.subjects[id] = subject
	return &transport.PostResult{MessageID: id, Server: m.Name()}, nil
}

func (m *memServer) SearchSubject(ctx context.Context, newsgroup, pattern string) ([]string, error) {
	return nil, transport.ErrSearchUnsupported
}

func (m *memServer) GroupRange(ctx context.Context, newsgroup string) (*transport.HeaderRange, error) {
	return &transport.HeaderRange{Low: 1, High: 1}, nil
}

func (m *memServer) FetchHeaders(ctx context.Context, newsgroup string, low, high int64) ([]transport.Header, error) {
	return nil, nil
}

func (m *memServer) postCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// indexedFolder creates a folder on disk, records it in a fresh store, and
// runs one index pass.
func indexedFolder(t *testing.T, files map[string][]byte) (*store.Store, *store.Folder) {
	t.Helper()

	root := t.TempDir()
	for rel, data := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "newsvault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub, priv, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	folder := &store.Folder{
		FolderID:   "folder-1",
		Path:       root,
		PrivateKey: priv,
		PublicKey:  pub,
	}
	_, err = st.InsertFolder(folder)
	require.NoError(t, err)

	ix := versioning.NewIndexer(st, nil, nil, nil)
	_, err = ix.Run(context.Background(), folder)
	require.NoError(t, err)
	return st, folder
}

func waitPublished(t *testing.T, c *Coordinator, jobID string) Job {
	t.Helper()
	c.Wait()
	job, err := c.Job(jobID)
	require.NoError(t, err)
	require.Equal(t, JobPublished, job.State, "job error: %s", job.Error)
	return job
}

func TestPublishOpenShare(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{
		"a.txt": []byte("file a contents"),
		"b.txt": []byte("file b contents"),
	})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)
	assert.Equal(t, JobPreparing, job.State)

	job = waitPublished(t, c, job.ID)
	assert.Equal(t, 2, job.SegmentsPosted)
	assert.NotEmpty(t, job.AccessString)

	// Segments now carry their transport references.
	segs, err := st.GetSegmentsByFile("folder-1", "a.txt")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.NotEmpty(t, segs[0].MessageID)
	assert.Equal(t, "alt.binaries.test", segs[0].Newsgroup)

	// The access string round-trips and leads back to the manifest.
	env, err := DecodeAccessString(job.AccessString)
	require.NoError(t, err)
	assert.Equal(t, job.ShareID, env.ShareID)
	assert.Equal(t, "open", env.ShareType)
	assert.Equal(t, "single", env.Index.Type)

	compressed, err := FetchIndex(context.Background(), server, &env.Index)
	require.NoError(t, err)
	payload, err := index.Decrypt(compressed, nil)
	require.NoError(t, err)
	assert.Len(t, payload.Files, 2)
	assert.NotEmpty(t, payload.SegmentMap["a.txt"][0].MessageID)

	// The share record is durable and active.
	share, err := st.GetShare(job.ShareID)
	require.NoError(t, err)
	assert.True(t, share.IsActive)
	assert.Equal(t, job.AccessString, share.AccessString)
}

func TestPublishRoundTripsSegmentData(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": content})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)
	waitPublished(t, c, job.ID)

	segs, err := st.GetSegmentsByFile("folder-1", "a.txt")
	require.NoError(t, err)
	require.Len(t, segs, 1)

	body, err := server.RetrieveArticle(context.Background(), segs[0].MessageID, "alt.binaries.test")
	require.NoError(t, err)
	decoded, err := yenc.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
}

func TestPublishRedundancyCopies(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:           folder,
		ShareType:        index.ShareOpen,
		Newsgroup:        "alt.binaries.test",
		RedundancyCopies: 2,
	})
	require.NoError(t, err)
	job = waitPublished(t, c, job.ID)

	// 1 primary + 2 copies + 1 index article.
	assert.Equal(t, 3, job.SegmentsPosted)
	assert.Equal(t, 4, server.postCount())

	segs, err := st.GetSegmentsByFile("folder-1", "a.txt")
	require.NoError(t, err)
	require.Len(t, segs, 3)

	copies, err := st.GetRedundancyCopies(segs[0].SegmentID)
	require.NoError(t, err)
	require.Len(t, copies, 2)
	assert.Equal(t, 1, copies[0].RedundancyIndex)
	assert.Equal(t, 2, copies[1].RedundancyIndex)
	assert.NotEmpty(t, copies[0].MessageID)
}

func TestPublishValidation(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	c := NewCoordinator(st, newMemServer(), nil)

	_, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareAllowListed,
	})
	assert.ErrorIs(t, err, index.ErrNoIdentities)

	_, err = c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.SharePasswordProtected,
	})
	assert.ErrorIs(t, err, index.ErrNoPassword)

	_, err = c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareType("bogus"),
	})
	assert.ErrorIs(t, err, index.ErrInvalidShareType)
}

func TestPublishRejectsConflictingShare(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)
	job = waitPublished(t, c, job.ID)

	// A second open share for the same folder is a conflict.
	_, err = c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	assert.ErrorIs(t, err, ErrShareConflict)

	active := 0
	shares, err := st.ListShares("folder-1")
	require.NoError(t, err)
	for _, sh := range shares {
		if sh.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)

	// A different share type is no conflict.
	other, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.SharePasswordProtected,
		Newsgroup: "alt.binaries.test",
		Password:  "hunter2",
	})
	require.NoError(t, err)
	waitPublished(t, c, other.ID)

	// UpdateExisting revokes the old share and replaces it.
	replacement, err := c.Publish(context.Background(), &Request{
		Folder:         folder,
		ShareType:      index.ShareOpen,
		Newsgroup:      "alt.binaries.test",
		UpdateExisting: true,
	})
	require.NoError(t, err)
	replacement = waitPublished(t, c, replacement.ID)
	assert.NotEqual(t, job.ShareID, replacement.ShareID)

	old, err := st.GetShare(job.ShareID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	fresh, err := st.GetShare(replacement.ShareID)
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
}

func TestPublishFailureIsTerminal(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	server := newMemServer()
	server.failPost = true
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)
	c.Wait()

	job, err = c.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.State)
	assert.Contains(t, job.Error, "post rejected")

	// No share record for a failed job.
	shares, err := st.ListShares("folder-1")
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestPublishAllowListedDecryptsForIdentity(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:               folder,
		ShareType:            index.ShareAllowListed,
		Newsgroup:            "alt.binaries.test",
		AuthorizedIdentities: []string{"alice@example.org", "bob@example.org"},
	})
	require.NoError(t, err)
	job = waitPublished(t, c, job.ID)

	env, err := DecodeAccessString(job.AccessString)
	require.NoError(t, err)
	compressed, err := FetchIndex(context.Background(), server, &env.Index)
	require.NoError(t, err)

	_, err = index.Decrypt(compressed, &index.Credentials{Identity: "bob@example.org"})
	require.NoError(t, err)

	_, err = index.Decrypt(compressed, &index.Credentials{Identity: "mallory@example.org"})
	assert.ErrorIs(t, err, index.ErrAccessDenied)
}

func TestChunkedIndexUpload(t *testing.T) {
	files := make(map[string][]byte)
	for i := 0; i < 40; i++ {
		files[fmt.Sprintf("file-%02d.txt", i)] = []byte(fmt.Sprintf("contents of file %02d", i))
	}
	st, folder := indexedFolder(t, files)
	server := newMemServer()
	c := NewCoordinator(st, server, &Options{ChunkSize: 256, MaxChunks: 500})

	job, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)
	job = waitPublished(t, c, job.ID)

	env, err := DecodeAccessString(job.AccessString)
	require.NoError(t, err)
	require.Equal(t, "multi", env.Index.Type)
	assert.Equal(t, env.Index.Total, len(env.Index.Segments))
	assert.Greater(t, env.Index.Total, 1)

	// Reassembled chunks decrypt like a single upload.
	compressed, err := FetchIndex(context.Background(), server, &env.Index)
	require.NoError(t, err)
	payload, err := index.Decrypt(compressed, nil)
	require.NoError(t, err)
	assert.Len(t, payload.Files, 40)

	// The durable reference matches the envelope.
	share, err := st.GetShare(job.ShareID)
	require.NoError(t, err)
	var ref IndexReference
	require.NoError(t, json.Unmarshal([]byte(share.IndexReference), &ref))
	assert.Equal(t, env.Index.Total, ref.Total)
}

func TestRevokeIsLocalOnly(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)
	job = waitPublished(t, c, job.ID)
	posted := server.postCount()

	require.NoError(t, c.Revoke(job.ShareID))

	share, err := st.GetShare(job.ShareID)
	require.NoError(t, err)
	assert.False(t, share.IsActive)
	assert.NotNil(t, share.RevokedAt)

	// Nothing on the wire is touched; the articles stay retrievable.
	assert.Equal(t, posted, server.postCount())
	env, err := DecodeAccessString(job.AccessString)
	require.NoError(t, err)
	_, err = FetchIndex(context.Background(), server, &env.Index)
	assert.NoError(t, err)
}

func TestUpdateAccessRepublishes(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:               folder,
		ShareType:            index.ShareAllowListed,
		Newsgroup:            "alt.binaries.test",
		AuthorizedIdentities: []string{"alice@example.org"},
	})
	require.NoError(t, err)
	job = waitPublished(t, c, job.ID)

	newJob, err := c.UpdateAccess(context.Background(), folder, job.ShareID, []string{"carol@example.org"})
	require.NoError(t, err)
	newJob = waitPublished(t, c, newJob.ID)
	assert.NotEqual(t, job.ShareID, newJob.ShareID)

	// The old share is revoked; the replacement admits only the new list.
	old, err := st.GetShare(job.ShareID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	env, err := DecodeAccessString(newJob.AccessString)
	require.NoError(t, err)
	compressed, err := FetchIndex(context.Background(), server, &env.Index)
	require.NoError(t, err)

	_, err = index.Decrypt(compressed, &index.Credentials{Identity: "carol@example.org"})
	require.NoError(t, err)
	_, err = index.Decrypt(compressed, &index.Credentials{Identity: "alice@example.org"})
	assert.ErrorIs(t, err, index.ErrAccessDenied)
}

func TestUpdateAccessRejectsWrongShareType(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)
	job = waitPublished(t, c, job.ID)

	_, err = c.UpdateAccess(context.Background(), folder, job.ShareID, []string{"x@example.org"})
	assert.ErrorIs(t, err, ErrWrongShareType)
}

func TestJobTransitions(t *testing.T) {
	assert.True(t, transitionAllowed(JobPreparing, JobUploading))
	assert.True(t, transitionAllowed(JobPreparing, JobFailed))
	assert.True(t, transitionAllowed(JobUploading, JobPublished))
	assert.True(t, transitionAllowed(JobUploading, JobFailed))

	// Terminal states and backwards moves are rejected.
	assert.False(t, transitionAllowed(JobPublished, JobUploading))
	assert.False(t, transitionAllowed(JobFailed, JobPreparing))
	assert.False(t, transitionAllowed(JobUploading, JobPreparing))
	assert.False(t, transitionAllowed(JobPublished, JobFailed))
}

func TestCleanupJobs(t *testing.T) {
	st, folder := indexedFolder(t, map[string][]byte{"a.txt": []byte("contents")})
	server := newMemServer()
	c := NewCoordinator(st, server, nil)

	job, err := c.Publish(context.Background(), &Request{
		Folder:    folder,
		ShareType: index.ShareOpen,
		Newsgroup: "alt.binaries.test",
	})
	require.NoError(t, err)
	waitPublished(t, c, job.ID)

	// Too young to collect.
	assert.Equal(t, 0, c.CleanupJobs(time.Hour))
	assert.Equal(t, 1, c.CleanupJobs(0))

	_, err = c.Job(job.ID)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestAccessStringRejectsGarbage(t *testing.T) {
	_, err := DecodeAccessString("not base64!!")
	assert.ErrorIs(t, err, ErrBadAccessString)

	// Valid base64, invalid envelope.
	_, err = DecodeAccessString("eyJ2IjogMX0=")
	assert.ErrorIs(t, err, ErrBadAccessString)
}

func TestNewShareID(t *testing.T) {
	id1 := NewShareID("folder-1", index.ShareOpen)
	id2 := NewShareID("folder-1", index.ShareOpen)

	assert.True(t, len(id1) > len("OPEN_"))
	assert.Contains(t, id1, "OPEN_")
	assert.NotEqual(t, id1, id2)

	assert.Contains(t, NewShareID("f", index.ShareAllowListed), "ALLOW_LISTED_")
}
