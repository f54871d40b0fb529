package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, 4, cfg.Retrieval.Workers)
	assert.NotEmpty(t, cfg.Storage.Path)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = ""
	cfg.Retrieval.Workers = 0
	cfg.Publishing.Newsgroup = ""
	cfg.Crypto.ScryptN = 1000 // not a power of two
	cfg.Logging.Level = "loud"
	cfg.Servers = []ServerConfig{
		{Name: "", Host: "", Port: 0},
		{Name: "dup", Host: "a.example.org", Port: 563},
		{Name: "dup", Host: "b.example.org", Port: 563},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "storage.path")
	assert.Contains(t, msg, "retrieval.workers")
	assert.Contains(t, msg, "publishing.newsgroup")
	assert.Contains(t, msg, "scrypt_n")
	assert.Contains(t, msg, "logging.level")
	assert.Contains(t, msg, "servers[0].name")
	assert.Contains(t, msg, "servers[0].host")
	assert.Contains(t, msg, "servers[0].port")
	assert.Contains(t, msg, "is duplicated")
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[daemon]
folders = ["/data/docs"]
reindex_quiet_ms = 500

[[servers]]
name = "news.example.org"
host = "news.example.org"
port = 563
tls = true

[retrieval]
workers = 8

[publishing]
newsgroup = "alt.binaries.test"
redundancy_copies = 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/data/docs"}, cfg.Daemon.Folders)
	assert.Equal(t, 8, cfg.Retrieval.Workers)
	assert.Equal(t, "alt.binaries.test", cfg.Publishing.Newsgroup)
	assert.Equal(t, 2, cfg.Publishing.RedundancyCopies)
	require.Len(t, cfg.Servers, 1)
	assert.True(t, cfg.Servers[0].TLS)

	// Unset keys keep their defaults.
	assert.Equal(t, int64(10000), cfg.Retrieval.HeaderScanLimit)
	assert.Equal(t, 1<<16, cfg.Crypto.ScryptN)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[retrieval]
wrokers = 8
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrokers")
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Daemon.Folders = []string{"/data/a", "/data/b"}
	cfg.Servers = []ServerConfig{
		{Name: "news.example.org", Host: "news.example.org", Port: 119},
	}

	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	require.NoError(t, Save(cfg, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Daemon.Folders, got.Daemon.Folders)
	assert.Equal(t, cfg.Servers, got.Servers)
	assert.Equal(t, cfg.Retrieval, got.Retrieval)
}

func TestReindexQuiet(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "2s", cfg.Daemon.ReindexQuiet().String())
}
