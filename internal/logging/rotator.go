package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that rotates the log file when it grows past
// Config.MaxSize or when the day changes. Rotated files carry a timestamp
// suffix and are optionally gzipped; retention is bounded by MaxBackups and
// MaxAge.
type FileRotator struct {
	config *Config
	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
}

// NewFileRotator opens (or creates) the configured log file.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{config: cfg}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, err
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	r.opened = time.Now()
	return nil
}

// Write implements io.Writer, rotating first when the write would push the
// file past its limits.
func (r *FileRotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.needsRotation(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) needsRotation(writeSize int64) bool {
	if r.size+writeSize > r.config.MaxSize*1024*1024 {
		return true
	}
	// Daily rotation keeps one file per calendar day.
	return r.opened.Day() != time.Now().Day()
}

// rotate renames the current file aside with a timestamp suffix, reopens a
// fresh one, and kicks off compression and retention sweeps.
func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
	}

	stem, ext := r.splitPath()
	rotated := fmt.Sprintf("%s-%s%s", stem, time.Now().Format("20060102-150405"), ext)
	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if r.config.Compress {
		go compressLog(rotated)
	}
	if err := r.open(); err != nil {
		return err
	}
	go r.sweep()
	return nil
}

// splitPath returns the log path without its extension, and the extension.
func (r *FileRotator) splitPath() (stem, ext string) {
	ext = filepath.Ext(r.config.FilePath)
	return strings.TrimSuffix(r.config.FilePath, ext), ext
}

// archivePattern globs every rotated sibling of the live log file.
func (r *FileRotator) archivePattern() string {
	stem, ext := r.splitPath()
	return stem + "-*" + ext + "*"
}

// compressLog gzips a rotated file in place, removing the original only
// after the archive is complete.
func compressLog(path string) {
	input, err := os.Open(path)
	if err != nil {
		return
	}
	defer input.Close()

	output, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer output.Close()

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)
	gz.ModTime = time.Now()

	if _, err := io.Copy(gz, input); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// sweep enforces MaxBackups and MaxAge over the rotated archives.
func (r *FileRotator) sweep() {
	matches, err := filepath.Glob(r.archivePattern())
	if err != nil {
		return
	}

	type archive struct {
		path    string
		modTime time.Time
	}
	archives := make([]archive, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		archives = append(archives, archive{path: match, modTime: info.ModTime()})
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].modTime.Before(archives[j].modTime)
	})

	if excess := len(archives) - r.config.MaxBackups; excess > 0 {
		for _, a := range archives[:excess] {
			os.Remove(a.path)
		}
	}

	cutoff := time.Now().AddDate(0, 0, -r.config.MaxAge)
	for _, a := range archives {
		if a.modTime.Before(cutoff) {
			os.Remove(a.path)
		}
	}
}

// Close closes the rotator and its underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes buffered data to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// LogFiles lists the live log file and every rotated archive.
func (r *FileRotator) LogFiles() ([]string, error) {
	files := []string{r.config.FilePath}
	matches, err := filepath.Glob(r.archivePattern())
	if err != nil {
		return files, err
	}
	return append(files, matches...), nil
}
