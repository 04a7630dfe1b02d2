// Package blob implements the blob index: the
// authoritative map from application keys to byte ranges inside a
// bounded pool of append-only files, plus the create/lock/unlock/lookup
// protocol client agents use to reserve and release space.
package blob

import (
	"encoding/json"
	"sync"
	"time"
)

// Slice identifies a contiguous byte range inside one blob file. It is
// what Lookup returns for a written key.
type Slice struct {
	FileID     uint64 `json:"file_id"`
	FileName   string `json:"file_name"`
	ByteOffset uint64 `json:"byte_offset"`
	NumBytes   uint64 `json:"num_bytes"`
}

// BlobOffset is returned by CreateAndLock once per call, for the batch
// as a whole: the file and byte offset the first entry's bytes must be
// written to, plus whether the client is responsible for creating the
// underlying file. Callers compute every other entry's own offset by
// summing the NumBytes of the entries before it.
type BlobOffset struct {
	FileID        uint64 `json:"file_id"`
	FileName      string `json:"file_name"`
	ByteOffset    uint64 `json:"byte_offset"`
	NeedsCreation bool   `json:"needs_creation"`
}

// BlobEntry describes one key a client wants to reserve space for.
type BlobEntry struct {
	Key      string `json:"key"`
	NumBytes uint64 `json:"num_bytes"`
}

// lockWrapper is the persisted-plus-runtime state of a single key. The
// locked flag exists only in memory: it records that the write lease is
// still open, and is deliberately dropped when the entry is marshalled
// for the KV mirror — a lease never survives a process restart.
type lockWrapper struct {
	Entry      BlobEntry
	FileID     uint64
	ByteOffset uint64
	Written    bool
	NodeID     string
	locked     bool
}

type lockWrapperJSON struct {
	Entry      BlobEntry `json:"entry"`
	FileID     uint64    `json:"file_id"`
	ByteOffset uint64    `json:"byte_offset"`
	Written    bool      `json:"written"`
	NodeID     string    `json:"node_id"`
}

func (l lockWrapper) MarshalJSON() ([]byte, error) {
	return json.Marshal(lockWrapperJSON{
		Entry:      l.Entry,
		FileID:     l.FileID,
		ByteOffset: l.ByteOffset,
		Written:    l.Written,
		NodeID:     l.NodeID,
	})
}

func (l *lockWrapper) UnmarshalJSON(data []byte) error {
	var w lockWrapperJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	l.Entry = w.Entry
	l.FileID = w.FileID
	l.ByteOffset = w.ByteOffset
	l.Written = w.Written
	l.NodeID = w.NodeID
	l.locked = false
	return nil
}

// FileInfo is the per-file bookkeeping record: how many bytes have been
// claimed so far and whether the file currently has an open write
// lease. The keys reserved under that lease live only in the transient
// fileLock, never here. unlockNotify is never persisted — it is
// reconstructed fresh whenever a FileInfo is loaded back from the KV
// mirror.
type FileInfo struct {
	FileID        uint64
	FileName      string
	TotalBytes    uint64
	locked        bool
	lastKeepAlive time.Time

	mu           sync.Mutex
	unlockNotify chan struct{}
}

type fileInfoJSON struct {
	FileID     uint64 `json:"file_id"`
	FileName   string `json:"file_name"`
	TotalBytes uint64 `json:"total_bytes"`
	Locked     bool   `json:"locked"`
}

func (f *FileInfo) MarshalJSON() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.Marshal(fileInfoJSON{
		FileID:     f.FileID,
		FileName:   f.FileName,
		TotalBytes: f.TotalBytes,
		Locked:     f.locked,
	})
}

func (f *FileInfo) UnmarshalJSON(data []byte) error {
	var w fileInfoJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.FileID = w.FileID
	f.FileName = w.FileName
	f.TotalBytes = w.TotalBytes
	f.locked = w.Locked
	f.unlockNotify = make(chan struct{})
	return nil
}

// newFileInfo builds an empty, unlocked FileInfo for a freshly allocated
// file ID.
func newFileInfo(fileID uint64) *FileInfo {
	return &FileInfo{
		FileID:       fileID,
		FileName:     fileNameFor(fileID),
		unlockNotify: make(chan struct{}),
	}
}

func fileNameFor(fileID uint64) string {
	return "blob_" + uitoa(fileID) + ".bin"
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[pos:])
}

// fileLock records which node currently holds the write lease on a
// file, and which keys were reserved under that lease — so a client
// that crashes mid-write can eventually be cleaned up without leaving
// other keys in the same file stranded.
type fileLock struct {
	NodeID string
	Keys   []string
}

// waitForUnlock blocks until the file's current unlock notification
// fires, then returns. Caller must not hold f.mu. Every unlock closes
// the current channel (waking everyone blocked on it) and installs a
// fresh one, so a new waiter arriving after the wake is never missed.
func (f *FileInfo) waitForUnlock() {
	f.mu.Lock()
	c := f.unlockNotify
	f.mu.Unlock()
	<-c
}

// notifyUnlockedLocked wakes every goroutine currently blocked in
// waitForUnlock and arms a fresh notification channel for the next
// round. Caller must hold f.mu.
func (f *FileInfo) notifyUnlockedLocked() {
	close(f.unlockNotify)
	f.unlockNotify = make(chan struct{})
}
