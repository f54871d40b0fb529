// Package store provides SQLite-based persistence for newsvault.
package store

// Folder represents an indexed folder and its signing keypair.
type Folder struct {
	ID             int64
	FolderID       string
	Path           string
	PrivateKey     []byte // Ed25519 private key (64 bytes)
	PublicKey      []byte // Ed25519 public key (32 bytes)
	CurrentVersion int
	CreatedAt      int64
	UpdatedAt      int64
}

// File represents the current indexed state of one file in a folder.
type File struct {
	ID       int64
	FolderID string
	Path     string // relative to the folder root
	Hash     string // hex SHA-256 of the full file
	Size     int64
	Version  int // folder version that last touched this file
}

// Segment represents one 768000-byte chunk of an indexed file.
type Segment struct {
	ID                 int64
	FolderID           string
	FilePath           string
	SegmentIndex       int
	SegmentID          string
	Hash               string // hex SHA-256 of the segment data
	Size               int64
	Offset             int64
	MessageID          string // transport reference once posted, empty before
	SubjectFingerprint string
	Newsgroup          string
	RedundancyIndex    int
}

// FolderVersion records one completed index run.
type FolderVersion struct {
	ID            int64
	FolderID      string
	Version       int
	FilesAdded    int
	FilesModified int
	FilesDeleted  int
	CreatedAt     int64
}

// ChangeType classifies a journal entry.
type ChangeType string

const (
	// ChangeAdded marks a file new in this version.
	ChangeAdded ChangeType = "added"
	// ChangeModified marks a file whose content hash changed.
	ChangeModified ChangeType = "modified"
	// ChangeDeleted marks a file removed in this version.
	ChangeDeleted ChangeType = "deleted"
)

// JournalEntry is one append-only change journal record. Entries are never
// updated or deleted; they are the audit trail between consecutive versions.
type JournalEntry struct {
	ID              int64
	FolderID        string
	FilePath        string
	ChangeType      ChangeType
	OldVersion      int
	NewVersion      int
	OldHash         string
	NewHash         string
	ChangedSegments []int // segment indices that differ, modified files only
	CreatedAt       int64
}

// Share is the durable record of a successful publication.
type Share struct {
	ID             int64
	ShareID        string
	FolderID       string
	ShareType      string
	Version        int
	AccessString   string
	IndexReference string // JSON: single message-id or ordered chunk list
	IsActive       bool
	CreatedAt      int64
	ExpiresAt      *int64
	RevokedAt      *int64
}

// ServerStat is a persisted snapshot of one server's health counters for a
// retrieval strategy ("" means the overall counters).
type ServerStat struct {
	Server            string
	Strategy          string
	Attempts          int64
	Successes         int64
	TotalResponseTime float64 // seconds
	LastSuccess       *int64
	LastFailure       *int64
}
