// Package config handles configuration loading, validation, and management
// for newsvault.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version"`

	// Daemon configuration for the background process.
	Daemon DaemonConfig `toml:"daemon" json:"daemon"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Servers lists the upstream article servers.
	Servers []ServerConfig `toml:"servers" json:"servers"`

	// Retrieval configuration for the segment retrieval engine.
	Retrieval RetrievalConfig `toml:"retrieval" json:"retrieval"`

	// Publishing configuration for the publish coordinator.
	Publishing PublishingConfig `toml:"publishing" json:"publishing"`

	// Crypto configuration for key derivation costs.
	Crypto CryptoConfig `toml:"crypto" json:"crypto"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// DaemonConfig holds background process configuration.
type DaemonConfig struct {
	// Folders are the folder roots the daemon watches and keeps indexed.
	Folders []string `toml:"folders" json:"folders"`

	// ReindexQuietMs is how long a folder must be quiet after a change
	// burst before a re-index is triggered.
	ReindexQuietMs int `toml:"reindex_quiet_ms" json:"reindex_quiet_ms"`

	// MetricsAddr is the listen address for the metrics endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `toml:"metrics_addr" json:"metrics_addr"`

	// JobRetentionHours is how long finished publish jobs stay queryable.
	JobRetentionHours int `toml:"job_retention_hours" json:"job_retention_hours"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path"`
}

// ServerConfig describes one upstream article server.
type ServerConfig struct {
	// Name is the server's unique name, usually its hostname.
	Name string `toml:"name" json:"name"`

	// Host is the server address.
	Host string `toml:"host" json:"host"`

	// Port is the server port.
	Port int `toml:"port" json:"port"`

	// TLS enables an encrypted connection.
	TLS bool `toml:"tls" json:"tls"`

	// Username and Password authenticate against the server. Empty means
	// anonymous access.
	Username string `toml:"username" json:"username"`
	Password string `toml:"password" json:"password"`

	// MaxConnections caps concurrent connections to this server.
	MaxConnections int `toml:"max_connections" json:"max_connections"`
}

// RetrievalConfig tunes the segment retrieval engine.
type RetrievalConfig struct {
	// Workers is the batch retrieval worker count.
	Workers int `toml:"workers" json:"workers"`

	// MaxRetries is the transport retry budget per article fetch.
	MaxRetries int `toml:"max_retries" json:"max_retries"`

	// HeaderScanLimit bounds the fingerprint header-scan fallback to the
	// most recent N articles.
	HeaderScanLimit int64 `toml:"header_scan_limit" json:"header_scan_limit"`

	// CacheSizeBytes bounds the in-memory segment cache. Zero disables
	// caching.
	CacheSizeBytes int64 `toml:"cache_size_bytes" json:"cache_size_bytes"`
}

// PublishingConfig tunes the publish coordinator.
type PublishingConfig struct {
	// Newsgroup is the default newsgroup articles are posted to.
	Newsgroup string `toml:"newsgroup" json:"newsgroup"`

	// RedundancyCopies is how many extra copies of each segment to post.
	RedundancyCopies int `toml:"redundancy_copies" json:"redundancy_copies"`

	// IndexChunkSize is the maximum article body for index uploads.
	IndexChunkSize int `toml:"index_chunk_size" json:"index_chunk_size"`

	// MaxIndexChunks caps an index upload's chunk count.
	MaxIndexChunks int `toml:"max_index_chunks" json:"max_index_chunks"`
}

// CryptoConfig holds key derivation cost parameters.
type CryptoConfig struct {
	// ScryptN is the scrypt CPU/memory cost. Must be a power of two.
	ScryptN int `toml:"scrypt_n" json:"scrypt_n"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format" json:"format"`

	// Output selects where logs go: "stdout", "stderr", "file", "both".
	Output string `toml:"output" json:"output"`

	// FilePath is the log file when Output includes "file".
	FilePath string `toml:"file_path" json:"file_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Daemon: DaemonConfig{
			ReindexQuietMs:    2000,
			JobRetentionHours: 24,
		},
		Storage: StorageConfig{
			Path: defaultDatabasePath(),
		},
		Retrieval: RetrievalConfig{
			Workers:         4,
			MaxRetries:      3,
			HeaderScanLimit: 10000,
			CacheSizeBytes:  64 << 20,
		},
		Publishing: PublishingConfig{
			Newsgroup:      "alt.binaries.backup",
			IndexChunkSize: 768000,
			MaxIndexChunks: 50,
		},
		Crypto: CryptoConfig{
			ScryptN: 1 << 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ReindexQuiet returns the debounce interval as a duration.
func (c *DaemonConfig) ReindexQuiet() time.Duration {
	return time.Duration(c.ReindexQuietMs) * time.Millisecond
}

// Validate checks the configuration and returns every problem found,
// joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, srv := range c.Servers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d].name must not be empty", i))
		} else if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("servers[%d].name %q is duplicated", i, srv.Name))
		}
		seen[srv.Name] = true
		if srv.Host == "" {
			errs = append(errs, fmt.Errorf("servers[%d].host must not be empty", i))
		}
		if srv.Port <= 0 || srv.Port > 65535 {
			errs = append(errs, fmt.Errorf("servers[%d].port %d out of range", i, srv.Port))
		}
	}

	if c.Retrieval.Workers < 1 {
		errs = append(errs, errors.New("retrieval.workers must be at least 1"))
	}
	if c.Retrieval.HeaderScanLimit < 0 {
		errs = append(errs, errors.New("retrieval.header_scan_limit must not be negative"))
	}
	if c.Retrieval.CacheSizeBytes < 0 {
		errs = append(errs, errors.New("retrieval.cache_size_bytes must not be negative"))
	}

	if c.Publishing.Newsgroup == "" {
		errs = append(errs, errors.New("publishing.newsgroup must not be empty"))
	}
	if c.Publishing.RedundancyCopies < 0 {
		errs = append(errs, errors.New("publishing.redundancy_copies must not be negative"))
	}
	if c.Publishing.IndexChunkSize < 1 {
		errs = append(errs, errors.New("publishing.index_chunk_size must be at least 1"))
	}
	if c.Publishing.MaxIndexChunks < 1 {
		errs = append(errs, errors.New("publishing.max_index_chunks must be at least 1"))
	}

	if n := c.Crypto.ScryptN; n < 2 || n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("crypto.scrypt_n %d must be a power of two >= 2", n))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	return errors.Join(errs...)
}
