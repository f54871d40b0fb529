// Package versioning scans indexed folders, diffs them against their last
// recorded state, and commits strictly monotonic folder versions with an
// append-only change journal.
//
// Features:
//   - Added/modified/deleted detection by full-file hash
//   - Per-segment diffs for modified files
//   - Versions assigned only after a change set exists; failed or
//     no-change runs never consume a version number
//   - Injected per-folder locking, no package-level state
package versioning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"newsvault/internal/index"
	"newsvault/internal/logging"
	"newsvault/internal/metrics"
	"newsvault/internal/store"
)

// Errors
var (
	ErrFolderVanished = errors.New("versioning: folder path does not exist")
)

// ScannedFile is the on-disk state of one file at scan time.
type ScannedFile struct {
	Path     string // slash-separated, relative to the folder root
	Hash     string // hex SHA-256 of the whole file
	Size     int64
	Segments []index.FileSegment
}

// ScanFolder walks a folder tree and segments every regular file. Hidden
// files and directories (dot-prefixed) are skipped. Results are sorted by
// relative path.
func ScanFolder(root string) ([]ScannedFile, error) {
	var files []ScannedFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		segments, hash, size, err := index.SegmentFile(path)
		if err != nil {
			return fmt.Errorf("segment %s: %w", rel, err)
		}

		files = append(files, ScannedFile{
			Path:     filepath.ToSlash(rel),
			Hash:     hash,
			Size:     size,
			Segments: segments,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFolderVanished
		}
		return nil, fmt.Errorf("scan folder: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Change is one detected difference between the indexed and on-disk state.
type Change struct {
	Path            string
	Type            store.ChangeType
	OldHash         string
	NewHash         string
	ChangedSegments []int // modified files only
}

// ChangeSet is the full diff of one scan against the indexed state.
type ChangeSet struct {
	Changes []Change
}

// Empty reports whether the scan found no differences.
func (cs *ChangeSet) Empty() bool { return len(cs.Changes) == 0 }

// Counts returns the number of added, modified, and deleted files.
func (cs *ChangeSet) Counts() (added, modified, deleted int) {
	for _, c := range cs.Changes {
		switch c.Type {
		case store.ChangeAdded:
			added++
		case store.ChangeModified:
			modified++
		case store.ChangeDeleted:
			deleted++
		}
	}
	return added, modified, deleted
}

// SegmentLookup returns the previously indexed segments of one file, used
// for per-segment diffs of modified files.
type SegmentLookup func(folderID, path string) ([]store.Segment, error)

// DetectChanges diffs the indexed file set against a scan. Modified files
// additionally carry the indices of segments whose hashes changed, so the
// publisher can repost only those.
func DetectChanges(folderID string, current []store.File, scanned []ScannedFile, lookup SegmentLookup) (*ChangeSet, error) {
	indexed := make(map[string]store.File, len(current))
	for _, f := range current {
		indexed[f.Path] = f
	}

	cs := &ChangeSet{}
	seen := make(map[string]bool, len(scanned))

	for _, sf := range scanned {
		seen[sf.Path] = true
		old, ok := indexed[sf.Path]
		if !ok {
			cs.Changes = append(cs.Changes, Change{
				Path:    sf.Path,
				Type:    store.ChangeAdded,
				NewHash: sf.Hash,
			})
			continue
		}
		if old.Hash == sf.Hash {
			continue
		}

		change := Change{
			Path:    sf.Path,
			Type:    store.ChangeModified,
			OldHash: old.Hash,
			NewHash: sf.Hash,
		}
		if lookup != nil {
			oldSegs, err := lookup(folderID, sf.Path)
			if err != nil {
				return nil, fmt.Errorf("lookup segments for %s: %w", sf.Path, err)
			}
			change.ChangedSegments = diffSegments(oldSegs, sf.Segments)
		}
		cs.Changes = append(cs.Changes, change)
	}

	for _, f := range current {
		if !seen[f.Path] {
			cs.Changes = append(cs.Changes, Change{
				Path:    f.Path,
				Type:    store.ChangeDeleted,
				OldHash: f.Hash,
			})
		}
	}

	sort.Slice(cs.Changes, func(i, j int) bool { return cs.Changes[i].Path < cs.Changes[j].Path })
	return cs, nil
}

// diffSegments returns the indices at which two segment lists disagree:
// hash changes, segments new in this version, and trailing segments the
// file no longer has.
func diffSegments(old []store.Segment, current []index.FileSegment) []int {
	oldHashes := make(map[int]string, len(old))
	maxOld := -1
	for _, s := range old {
		if s.RedundancyIndex != 0 {
			continue
		}
		oldHashes[s.SegmentIndex] = s.Hash
		if s.SegmentIndex > maxOld {
			maxOld = s.SegmentIndex
		}
	}

	var changed []int
	for _, seg := range current {
		if oldHashes[seg.Index] != seg.Hash {
			changed = append(changed, seg.Index)
		}
	}
	for i := len(current); i <= maxOld; i++ {
		changed = append(changed, i)
	}
	sort.Ints(changed)
	return changed
}

// Locker serializes index runs per folder. Implementations must allow
// distinct folders to run concurrently.
type Locker interface {
	// Acquire blocks until the folder lock is held and returns its
	// release func.
	Acquire(folderID string) (release func())
}

// folderLocker is the default Locker, one mutex per folder id.
type folderLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFolderLocker creates the default per-folder Locker.
func NewFolderLocker() Locker {
	return &folderLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *folderLocker) Acquire(folderID string) func() {
	l.mu.Lock()
	m, ok := l.locks[folderID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[folderID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// RunResult summarizes one index run.
type RunResult struct {
	Version       int
	FilesAdded    int
	FilesModified int
	FilesDeleted  int
	SegmentCount  int
	Unchanged     bool
	Duration      time.Duration
}

// Indexer runs folder scans and commits versions to the store.
type Indexer struct {
	store   *store.Store
	locker  Locker
	log     *logging.Logger
	metrics *metrics.NewsvaultMetrics
}

// NewIndexer creates an Indexer. A nil locker gets the default per-folder
// locker; logger and metrics are optional.
func NewIndexer(st *store.Store, locker Locker, log *logging.Logger, m *metrics.NewsvaultMetrics) *Indexer {
	if locker == nil {
		locker = NewFolderLocker()
	}
	if log == nil {
		log = logging.Default().WithComponent("versioning")
	}
	return &Indexer{store: st, locker: locker, log: log, metrics: m}
}

// Run scans the folder, diffs it against the indexed state, and commits a
// new version when anything changed. The version number is assigned inside
// the store transaction, so a run that errors anywhere leaves the version
// sequence untouched.
func (ix *Indexer) Run(ctx context.Context, folder *store.Folder) (*RunResult, error) {
	release := ix.locker.Acquire(folder.FolderID)
	defer release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	scanned, err := ScanFolder(folder.Path)
	if err != nil {
		return nil, err
	}

	current, err := ix.store.GetFiles(folder.FolderID)
	if err != nil {
		return nil, fmt.Errorf("load indexed files: %w", err)
	}

	cs, err := DetectChanges(folder.FolderID, current, scanned, ix.store.GetSegmentsByFile)
	if err != nil {
		return nil, err
	}

	if cs.Empty() {
		ix.log.Debug("no changes", "folder_id", folder.FolderID, "version", folder.CurrentVersion)
		return &RunResult{
			Version:   folder.CurrentVersion,
			Unchanged: true,
			Duration:  time.Since(start),
		}, nil
	}

	files, segments := buildRows(folder.FolderID, scanned)
	entries := buildJournal(folder, cs)

	version, err := ix.store.RecordIndexRun(folder.FolderID, files, segments, entries)
	if err != nil {
		return nil, fmt.Errorf("record index run: %w", err)
	}
	folder.CurrentVersion = version

	added, modified, deleted := cs.Counts()
	ix.log.Info("folder indexed",
		"folder_id", folder.FolderID,
		"version", version,
		"added", added, "modified", modified, "deleted", deleted,
		"segments", len(segments))
	if ix.metrics != nil {
		ix.metrics.IndexRunsTotal.Inc()
	}

	return &RunResult{
		Version:       version,
		FilesAdded:    added,
		FilesModified: modified,
		FilesDeleted:  deleted,
		SegmentCount:  len(segments),
		Duration:      time.Since(start),
	}, nil
}

// buildRows converts a scan into store rows. Segment ids are content
// addressed and subject fingerprints are derived, never plaintext paths.
func buildRows(folderID string, scanned []ScannedFile) ([]store.File, []store.Segment) {
	files := make([]store.File, 0, len(scanned))
	var segments []store.Segment

	for _, sf := range scanned {
		files = append(files, store.File{
			FolderID: folderID,
			Path:     sf.Path,
			Hash:     sf.Hash,
			Size:     sf.Size,
		})
		for _, seg := range sf.Segments {
			segments = append(segments, store.Segment{
				FolderID:           folderID,
				FilePath:           sf.Path,
				SegmentIndex:       seg.Index,
				SegmentID:          SegmentID(folderID, sf.Path, seg.Index, seg.Hash),
				Hash:               seg.Hash,
				Size:               seg.Size,
				Offset:             seg.Offset,
				SubjectFingerprint: SubjectFingerprint(folderID, sf.Path, seg.Index, seg.Hash),
			})
		}
	}
	return files, segments
}

// buildJournal converts a change set into journal entries against the
// folder's current version. The store fills in the new version when it
// assigns one.
func buildJournal(folder *store.Folder, cs *ChangeSet) []store.JournalEntry {
	entries := make([]store.JournalEntry, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		entries = append(entries, store.JournalEntry{
			FolderID:        folder.FolderID,
			FilePath:        c.Path,
			ChangeType:      c.Type,
			OldVersion:      folder.CurrentVersion,
			OldHash:         c.OldHash,
			NewHash:         c.NewHash,
			ChangedSegments: c.ChangedSegments,
		})
	}
	return entries
}

// SegmentID derives the content-addressed id of a segment. Sibling
// redundancy copies share it.
func SegmentID(folderID, path string, segIndex int, hash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s", folderID, path, segIndex, hash)))
	return hex.EncodeToString(sum[:16])
}

// SubjectFingerprint derives the obfuscated subject a segment is posted
// under. It looks random on the wire but is reproducible from the index,
// which is what makes fingerprint-search recovery possible.
func SubjectFingerprint(folderID, path string, segIndex int, hash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("subject:%s:%s:%d:%s", folderID, path, segIndex, hash)))
	return hex.EncodeToString(sum[:20])
}
