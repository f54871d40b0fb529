package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the newsvault store.
const schema = `
CREATE TABLE IF NOT EXISTS folders (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    folder_id       TEXT NOT NULL UNIQUE,
    path            TEXT NOT NULL,
    private_key     BLOB NOT NULL,
    public_key      BLOB NOT NULL,
    current_version INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    folder_id   TEXT NOT NULL REFERENCES folders(folder_id),
    path        TEXT NOT NULL,
    hash        TEXT NOT NULL,
    size        INTEGER NOT NULL,
    version     INTEGER NOT NULL,
    UNIQUE (folder_id, path)
);

CREATE TABLE IF NOT EXISTS segments (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    folder_id           TEXT NOT NULL REFERENCES folders(folder_id),
    file_path           TEXT NOT NULL,
    segment_index       INTEGER NOT NULL,
    segment_id          TEXT NOT NULL,
    hash                TEXT NOT NULL,
    size                INTEGER NOT NULL,
    byte_offset         INTEGER NOT NULL,
    message_id          TEXT NOT NULL DEFAULT '',
    subject_fingerprint TEXT NOT NULL DEFAULT '',
    newsgroup           TEXT NOT NULL DEFAULT '',
    redundancy_index    INTEGER NOT NULL DEFAULT 0,
    UNIQUE (folder_id, file_path, segment_index, redundancy_index)
);

CREATE INDEX IF NOT EXISTS idx_segments_file ON segments(folder_id, file_path, segment_index);
CREATE INDEX IF NOT EXISTS idx_segments_segment_id ON segments(segment_id);

CREATE TABLE IF NOT EXISTS folder_versions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    folder_id       TEXT NOT NULL REFERENCES folders(folder_id),
    version         INTEGER NOT NULL,
    files_added     INTEGER NOT NULL DEFAULT 0,
    files_modified  INTEGER NOT NULL DEFAULT 0,
    files_deleted   INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    UNIQUE (folder_id, version)
);

CREATE TABLE IF NOT EXISTS change_journal (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    folder_id           TEXT NOT NULL REFERENCES folders(folder_id),
    file_path           TEXT NOT NULL,
    change_type         TEXT NOT NULL,
    old_version         INTEGER NOT NULL,
    new_version         INTEGER NOT NULL,
    old_hash            TEXT NOT NULL DEFAULT '',
    new_hash            TEXT NOT NULL DEFAULT '',
    changed_segments    TEXT NOT NULL DEFAULT '[]',
    created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_folder ON change_journal(folder_id, new_version);

CREATE TABLE IF NOT EXISTS shares (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    share_id        TEXT NOT NULL UNIQUE,
    folder_id       TEXT NOT NULL REFERENCES folders(folder_id),
    share_type      TEXT NOT NULL,
    version         INTEGER NOT NULL,
    access_string   TEXT NOT NULL,
    index_reference TEXT NOT NULL,
    is_active       INTEGER NOT NULL DEFAULT 1,
    created_at      INTEGER NOT NULL,
    expires_at      INTEGER,
    revoked_at      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_shares_folder ON shares(folder_id);

CREATE TABLE IF NOT EXISTS server_stats (
    server              TEXT NOT NULL,
    strategy            TEXT NOT NULL,
    attempts            INTEGER NOT NULL DEFAULT 0,
    successes           INTEGER NOT NULL DEFAULT 0,
    total_response_time REAL NOT NULL DEFAULT 0,
    last_success        INTEGER,
    last_failure        INTEGER,
    PRIMARY KEY (server, strategy)
);
`

// Errors
var (
	ErrFolderNotFound = errors.New("store: folder not found")
	ErrShareNotFound  = errors.New("store: share not found")
)

// Store represents the SQLite persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// InsertFolder registers a new folder and returns its row ID.
func (s *Store) InsertFolder(f *Folder) (int64, error) {
	now := time.Now().Unix()
	result, err := s.db.Exec(`
		INSERT INTO folders (folder_id, path, private_key, public_key, current_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.FolderID, f.Path, f.PrivateKey, f.PublicKey, f.CurrentVersion, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert folder: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// GetFolder retrieves a folder by its folder ID.
func (s *Store) GetFolder(folderID string) (*Folder, error) {
	var f Folder
	err := s.db.QueryRow(`
		SELECT id, folder_id, path, private_key, public_key, current_version, created_at, updated_at
		FROM folders WHERE folder_id = ?`, folderID,
	).Scan(&f.ID, &f.FolderID, &f.Path, &f.PrivateKey, &f.PublicKey, &f.CurrentVersion, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFolderNotFound
		}
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return &f, nil
}

// GetFolderByPath retrieves a folder by its filesystem root.
func (s *Store) GetFolderByPath(path string) (*Folder, error) {
	var f Folder
	err := s.db.QueryRow(`
		SELECT id, folder_id, path, private_key, public_key, current_version, created_at, updated_at
		FROM folders WHERE path = ?`, path,
	).Scan(&f.ID, &f.FolderID, &f.Path, &f.PrivateKey, &f.PublicKey, &f.CurrentVersion, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFolderNotFound
		}
		return nil, fmt.Errorf("get folder by path: %w", err)
	}
	return &f, nil
}

// ListFolders returns every registered folder ordered by path.
func (s *Store) ListFolders() ([]Folder, error) {
	rows, err := s.db.Query(`
		SELECT id, folder_id, path, private_key, public_key, current_version, created_at, updated_at
		FROM folders ORDER BY path ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.FolderID, &f.Path, &f.PrivateKey, &f.PublicKey, &f.CurrentVersion, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetFiles returns the current indexed file set for a folder.
func (s *Store) GetFiles(folderID string) ([]File, error) {
	rows, err := s.db.Query(`
		SELECT id, folder_id, path, hash, size, version
		FROM files
		WHERE folder_id = ?
		ORDER BY path ASC`, folderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.FolderID, &f.Path, &f.Hash, &f.Size, &f.Version); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

// GetSegmentsByFile returns a file's segments in segment-index order,
// primary copies before redundancy copies.
func (s *Store) GetSegmentsByFile(folderID, filePath string) ([]Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, folder_id, file_path, segment_index, segment_id, hash, size, byte_offset,
		       message_id, subject_fingerprint, newsgroup, redundancy_index
		FROM segments
		WHERE folder_id = ? AND file_path = ?
		ORDER BY segment_index ASC, redundancy_index ASC`, folderID, filePath,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	return scanSegments(rows)
}

// GetRedundancyCopies returns the posted sibling copies of a logical
// segment with redundancy index greater than zero.
func (s *Store) GetRedundancyCopies(segmentID string) ([]Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, folder_id, file_path, segment_index, segment_id, hash, size, byte_offset,
		       message_id, subject_fingerprint, newsgroup, redundancy_index
		FROM segments
		WHERE segment_id = ? AND redundancy_index > 0 AND message_id != ''
		ORDER BY redundancy_index ASC`, segmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query redundancy copies: %w", err)
	}
	defer rows.Close()

	return scanSegments(rows)
}

// InsertSegment adds one segment row outside an index run. The publisher
// uses it to record posted redundancy copies next to their primary.
func (s *Store) InsertSegment(seg *Segment) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO segments (folder_id, file_path, segment_index, segment_id, hash, size, byte_offset,
		                      message_id, subject_fingerprint, newsgroup, redundancy_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.FolderID, seg.FilePath, seg.SegmentIndex, seg.SegmentID, seg.Hash, seg.Size,
		seg.Offset, seg.MessageID, seg.SubjectFingerprint, seg.Newsgroup, seg.RedundancyIndex,
	)
	if err != nil {
		return 0, fmt.Errorf("insert segment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get segment id: %w", err)
	}
	seg.ID = id
	return id, nil
}

// SetSegmentMessageID records the transport reference after posting.
func (s *Store) SetSegmentMessageID(id int64, messageID string) error {
	result, err := s.db.Exec(`UPDATE segments SET message_id = ? WHERE id = ?`, messageID, id)
	if err != nil {
		return fmt.Errorf("set segment message id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("segment not found: %d", id)
	}
	return nil
}

// RecordIndexRun atomically records a completed index run: assigns the next
// folder version, replaces the file set, bulk-inserts segments, and appends
// the change journal entries. A failed run rolls everything back, so failed
// runs never consume a version number.
func (s *Store) RecordIndexRun(folderID string, files []File, segments []Segment, entries []JournalEntry) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRow(`
		SELECT COALESCE(MAX(version), 0) + 1 FROM folder_versions WHERE folder_id = ?`,
		folderID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}

	now := time.Now().Unix()
	summary := summarize(entries)
	if _, err := tx.Exec(`
		INSERT INTO folder_versions (folder_id, version, files_added, files_modified, files_deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		folderID, version, summary[ChangeAdded], summary[ChangeModified], summary[ChangeDeleted], now,
	); err != nil {
		return 0, fmt.Errorf("insert folder version: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM segments WHERE folder_id = ?`, folderID); err != nil {
		return 0, fmt.Errorf("clear segments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE folder_id = ?`, folderID); err != nil {
		return 0, fmt.Errorf("clear files: %w", err)
	}

	fileStmt, err := tx.Prepare(`
		INSERT INTO files (folder_id, path, hash, size, version)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare file insert: %w", err)
	}
	defer fileStmt.Close()

	for _, f := range files {
		if _, err := fileStmt.Exec(folderID, f.Path, f.Hash, f.Size, version); err != nil {
			return 0, fmt.Errorf("insert file: %w", err)
		}
	}

	segStmt, err := tx.Prepare(`
		INSERT INTO segments (folder_id, file_path, segment_index, segment_id, hash, size, byte_offset,
		                      message_id, subject_fingerprint, newsgroup, redundancy_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare segment insert: %w", err)
	}
	defer segStmt.Close()

	for _, seg := range segments {
		if _, err := segStmt.Exec(folderID, seg.FilePath, seg.SegmentIndex, seg.SegmentID,
			seg.Hash, seg.Size, seg.Offset, seg.MessageID, seg.SubjectFingerprint,
			seg.Newsgroup, seg.RedundancyIndex); err != nil {
			return 0, fmt.Errorf("insert segment: %w", err)
		}
	}

	jStmt, err := tx.Prepare(`
		INSERT INTO change_journal (folder_id, file_path, change_type, old_version, new_version,
		                            old_hash, new_hash, changed_segments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare journal insert: %w", err)
	}
	defer jStmt.Close()

	for _, e := range entries {
		segJSON, err := json.Marshal(e.ChangedSegments)
		if err != nil {
			return 0, fmt.Errorf("marshal changed segments: %w", err)
		}
		if _, err := jStmt.Exec(folderID, e.FilePath, string(e.ChangeType), e.OldVersion,
			version, e.OldHash, e.NewHash, string(segJSON), now); err != nil {
			return 0, fmt.Errorf("insert journal entry: %w", err)
		}
	}

	if _, err := tx.Exec(`
		UPDATE folders SET current_version = ?, updated_at = ? WHERE folder_id = ?`,
		version, now, folderID,
	); err != nil {
		return 0, fmt.Errorf("update folder version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return version, nil
}

// summarize counts journal entries by change type.
func summarize(entries []JournalEntry) map[ChangeType]int {
	m := make(map[ChangeType]int, 3)
	for _, e := range entries {
		m[e.ChangeType]++
	}
	return m
}

// GetJournal returns a folder's change journal in insertion order,
// optionally restricted to entries at or after sinceVersion.
func (s *Store) GetJournal(folderID string, sinceVersion int) ([]JournalEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, folder_id, file_path, change_type, old_version, new_version,
		       old_hash, new_hash, changed_segments, created_at
		FROM change_journal
		WHERE folder_id = ? AND new_version >= ?
		ORDER BY id ASC`, folderID, sinceVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var changeType, segJSON string
		if err := rows.Scan(&e.ID, &e.FolderID, &e.FilePath, &changeType, &e.OldVersion,
			&e.NewVersion, &e.OldHash, &e.NewHash, &segJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.ChangeType = ChangeType(changeType)
		if err := json.Unmarshal([]byte(segJSON), &e.ChangedSegments); err != nil {
			return nil, fmt.Errorf("unmarshal changed segments: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

// GetVersions returns a folder's version records in ascending order.
func (s *Store) GetVersions(folderID string) ([]FolderVersion, error) {
	rows, err := s.db.Query(`
		SELECT id, folder_id, version, files_added, files_modified, files_deleted, created_at
		FROM folder_versions
		WHERE folder_id = ?
		ORDER BY version ASC`, folderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []FolderVersion
	for rows.Next() {
		var v FolderVersion
		if err := rows.Scan(&v.ID, &v.FolderID, &v.Version, &v.FilesAdded, &v.FilesModified,
			&v.FilesDeleted, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

// RecordPublication atomically inserts the share record and bumps the
// folder's updated timestamp. Both writes succeed or neither does.
func (s *Store) RecordPublication(share *Share) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	result, err := tx.Exec(`
		INSERT INTO shares (share_id, folder_id, share_type, version, access_string,
		                    index_reference, is_active, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		share.ShareID, share.FolderID, share.ShareType, share.Version,
		share.AccessString, share.IndexReference, now, share.ExpiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert share: %w", err)
	}

	res, err := tx.Exec(`UPDATE folders SET updated_at = ? WHERE folder_id = ?`, now, share.FolderID)
	if err != nil {
		return 0, fmt.Errorf("update folder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrFolderNotFound
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// GetShare retrieves a share by its share ID.
func (s *Store) GetShare(shareID string) (*Share, error) {
	var sh Share
	var active int
	err := s.db.QueryRow(`
		SELECT id, share_id, folder_id, share_type, version, access_string,
		       index_reference, is_active, created_at, expires_at, revoked_at
		FROM shares WHERE share_id = ?`, shareID,
	).Scan(&sh.ID, &sh.ShareID, &sh.FolderID, &sh.ShareType, &sh.Version, &sh.AccessString,
		&sh.IndexReference, &active, &sh.CreatedAt, &sh.ExpiresAt, &sh.RevokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("get share: %w", err)
	}
	sh.IsActive = active != 0 && !expired(sh.ExpiresAt)
	return &sh, nil
}

// expired reports whether an expiry timestamp has passed. Expired shares
// are reported inactive without ever being written back; the row keeps
// its history.
func expired(at *int64) bool {
	return at != nil && *at <= time.Now().Unix()
}

// ListShares returns all shares for a folder, newest first.
func (s *Store) ListShares(folderID string) ([]Share, error) {
	rows, err := s.db.Query(`
		SELECT id, share_id, folder_id, share_type, version, access_string,
		       index_reference, is_active, created_at, expires_at, revoked_at
		FROM shares
		WHERE folder_id = ?
		ORDER BY created_at DESC, id DESC`, folderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	var shares []Share
	for rows.Next() {
		var sh Share
		var active int
		if err := rows.Scan(&sh.ID, &sh.ShareID, &sh.FolderID, &sh.ShareType, &sh.Version,
			&sh.AccessString, &sh.IndexReference, &active, &sh.CreatedAt, &sh.ExpiresAt,
			&sh.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		sh.IsActive = active != 0 && !expired(sh.ExpiresAt)
		shares = append(shares, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return shares, nil
}

// RevokeShare flips the local active flag. Already-posted articles remain
// on the network; revocation is bookkeeping only.
func (s *Store) RevokeShare(shareID string) error {
	result, err := s.db.Exec(`
		UPDATE shares SET is_active = 0, revoked_at = ? WHERE share_id = ? AND is_active = 1`,
		time.Now().Unix(), shareID,
	)
	if err != nil {
		return fmt.Errorf("revoke share: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrShareNotFound
	}
	return nil
}

// UpsertServerStat persists one server/strategy counter snapshot.
func (s *Store) UpsertServerStat(st *ServerStat) error {
	_, err := s.db.Exec(`
		INSERT INTO server_stats (server, strategy, attempts, successes, total_response_time, last_success, last_failure)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server, strategy) DO UPDATE SET
		    attempts = excluded.attempts,
		    successes = excluded.successes,
		    total_response_time = excluded.total_response_time,
		    last_success = excluded.last_success,
		    last_failure = excluded.last_failure`,
		st.Server, st.Strategy, st.Attempts, st.Successes, st.TotalResponseTime,
		st.LastSuccess, st.LastFailure,
	)
	if err != nil {
		return fmt.Errorf("upsert server stat: %w", err)
	}
	return nil
}

// GetServerStats returns all persisted server counters.
func (s *Store) GetServerStats() ([]ServerStat, error) {
	rows, err := s.db.Query(`
		SELECT server, strategy, attempts, successes, total_response_time, last_success, last_failure
		FROM server_stats
		ORDER BY server ASC, strategy ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query server stats: %w", err)
	}
	defer rows.Close()

	var stats []ServerStat
	for rows.Next() {
		var st ServerStat
		if err := rows.Scan(&st.Server, &st.Strategy, &st.Attempts, &st.Successes,
			&st.TotalResponseTime, &st.LastSuccess, &st.LastFailure); err != nil {
			return nil, fmt.Errorf("scan server stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate server stats: %w", err)
	}
	return stats, nil
}

// scanSegments is a helper to scan segment rows into a slice.
func scanSegments(rows *sql.Rows) ([]Segment, error) {
	var segments []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.FolderID, &seg.FilePath, &seg.SegmentIndex,
			&seg.SegmentID, &seg.Hash, &seg.Size, &seg.Offset, &seg.MessageID,
			&seg.SubjectFingerprint, &seg.Newsgroup, &seg.RedundancyIndex); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segments, nil
}
