package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Drive is a keyed namespace of entries. Seq grows by one on every
// mutation of any entry in the drive.
type Drive struct {
	Key       string
	Seq       int64
	CreatedAt time.Time
}

// Entry is a blob stored at a path inside a drive. Seq is the drive
// sequence number at which the entry was last written.
type Entry struct {
	DriveKey  string
	Path      string
	Content   []byte
	Seq       int64
	UpdatedAt time.Time
}
