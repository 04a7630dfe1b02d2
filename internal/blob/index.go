package blob

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/donald-pinckney/blobidx/internal/debug"
	"github.com/donald-pinckney/blobidx/internal/errors"
	"github.com/donald-pinckney/blobidx/internal/kvstore"
)

// Config holds the knobs that shape the index's capacity and lease
// lifetime.
type Config struct {
	MaxFiles    int
	LockTimeout time.Duration
}

// Index is the blob index: the authoritative in-memory
// map from key to reserved byte range, backed by a persistent KV
// mirror so a restarted process can rebuild its state.
//
// Two lock granularities are used: pickMu is a single coarse lock
// serializing "which file does the next write go to" decisions (file
// allocation and the total-bytes bump happen atomically under it),
// while each FileInfo's own mutex guards per-file state (the locked
// flag, lastKeepAlive, and the notify channel) so keep-alives on
// unrelated files never contend on a per-file lock. The node holding
// each lease is recorded in fileLocks, under fileLockMu.
type Index struct {
	store kvstore.Store
	cfg   Config

	mu      sync.Mutex // guards entries and files
	entries map[string]*lockWrapper
	files   map[uint64]*FileInfo

	pickMu sync.Mutex

	fileLockMu sync.Mutex
	fileLocks  map[uint64]*fileLock
}

// New constructs an Index over store, loading any previously persisted
// file pool. It does not load every key eagerly — keys are lazily
// pulled from the KV mirror on first access, since the keyspace is
// unbounded while the file pool is not.
func New(ctx context.Context, store kvstore.Store, cfg Config) (*Index, error) {
	if cfg.MaxFiles < 1 {
		return nil, errors.New("max_files must be at least 1")
	}

	idx := &Index{
		store:     store,
		cfg:       cfg,
		entries:   make(map[string]*lockWrapper),
		files:     make(map[uint64]*FileInfo),
		fileLocks: make(map[uint64]*fileLock),
	}

	pool, err := store.HashGetAll(ctx, kvstore.FilePoolKey)
	if err != nil {
		return nil, errors.Wrap(err, "loading file pool")
	}
	for field, raw := range pool {
		fileID, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		var fi FileInfo
		if err := json.Unmarshal([]byte(raw), &fi); err != nil {
			debug.Log("skipping unparsable file pool entry %s: %v", field, err)
			continue
		}
		idx.files[fileID] = &fi
	}

	debug.Log("loaded %d files from file pool", len(idx.files))
	return idx, nil
}

// isProhibited rejects the one reserved name, the hash key the file
// pool is persisted under. Every other key is fair game.
func isProhibited(key string) bool {
	return key == kvstore.FilePoolKey
}

func (idx *Index) persistFileLocked(ctx context.Context, fi *FileInfo) error {
	raw, err := json.Marshal(fi)
	if err != nil {
		return errors.Wrap(err, "marshal file info")
	}
	return idx.store.HashSet(ctx, kvstore.FilePoolKey, strconv.FormatUint(fi.FileID, 10), string(raw))
}

func (idx *Index) persistEntry(ctx context.Context, key string, lw *lockWrapper) error {
	raw, err := json.Marshal(lw)
	if err != nil {
		return errors.Wrap(err, "marshal entry")
	}
	return idx.store.Set(ctx, entryStoreKey(key), string(raw))
}

func entryStoreKey(key string) string {
	return "entry:" + key
}

// lookupEntryLocked returns the in-memory entry for key, lazily
// hydrating it from the KV mirror on first access. Caller must hold
// idx.mu.
func (idx *Index) lookupEntryLocked(ctx context.Context, key string) (*lockWrapper, error) {
	if lw, ok := idx.entries[key]; ok {
		return lw, nil
	}

	raw, found, err := idx.store.Get(ctx, entryStoreKey(key))
	if err != nil {
		return nil, errors.Wrap(err, "loading entry")
	}
	if !found {
		return nil, nil
	}

	var lw lockWrapper
	if err := json.Unmarshal([]byte(raw), &lw); err != nil {
		return nil, errors.Wrap(err, "unmarshal entry")
	}
	idx.entries[key] = &lw
	return &lw, nil
}

// CreateAndLock reserves space for every entry, all within the same
// file, on behalf of nodeID. File selection: allocate a new file while
// under the max-files cap, otherwise pick an unlocked existing file,
// otherwise block on a locked file's unlock notification and retry.
//
// It returns a single BlobOffset for the whole batch — the offset the
// first entry lands at, and whether the file itself still needs to be
// created. The caller derives each subsequent entry's own offset by
// summing the NumBytes of the entries before it.
func (idx *Index) CreateAndLock(ctx context.Context, entries []BlobEntry, nodeID string) (BlobOffset, error) {
	if err := checkDuplicateKeys(entries); err != nil {
		return BlobOffset{}, err
	}
	for _, e := range entries {
		if isProhibited(e.Key) {
			return BlobOffset{}, newError(ErrProhibitedKey)
		}
	}

	idx.mu.Lock()
	for _, e := range entries {
		existing, err := idx.lookupEntryLocked(ctx, e.Key)
		if err != nil {
			idx.mu.Unlock()
			return BlobOffset{}, err
		}
		if existing != nil {
			idx.mu.Unlock()
			return BlobOffset{}, newAlreadyExists(e.Key)
		}
	}
	idx.mu.Unlock()

	fi, offsets, needsCreation, err := idx.pickFileAndReserve(ctx, entries)
	if err != nil {
		return BlobOffset{}, err
	}
	return idx.lockEntries(ctx, fi, entries, offsets, needsCreation, nodeID)
}

// pickFileAndReserve selects the file the new entries will go into and
// reserves TotalBytes space for them, returning the per-entry byte
// offsets within that file.
//
// pickMu is held for the whole call, including across the wait for an
// unlock notification when every file is currently locked: this is
// what gives concurrent CreateAndLock callers strict FIFO order of
// completion. Contention on pickMu itself serializes re-entry into the
// scan in arrival order, so the broadcast wake on unlockNotify only
// ever lets one re-woken waiter actually proceed at a time.
func (idx *Index) pickFileAndReserve(ctx context.Context, entries []BlobEntry) (*FileInfo, []uint64, bool, error) {
	idx.pickMu.Lock()
	defer idx.pickMu.Unlock()

	for {
		idx.mu.Lock()
		nFiles := len(idx.files)
		idx.mu.Unlock()

		if nFiles < idx.cfg.MaxFiles {
			fileID := uint64(nFiles)
			for {
				idx.mu.Lock()
				if _, exists := idx.files[fileID]; !exists {
					idx.mu.Unlock()
					break
				}
				idx.mu.Unlock()
				fileID++
			}

			fi := newFileInfo(fileID)
			fi.mu.Lock()
			fi.locked = true
			fi.lastKeepAlive = time.Now()
			offsets := idx.reserveLocked(fi, entries)
			fi.mu.Unlock()

			idx.mu.Lock()
			idx.files[fileID] = fi
			idx.mu.Unlock()

			if err := idx.persistFileLocked(ctx, fi); err != nil {
				return nil, nil, false, err
			}
			return fi, offsets, true, nil
		}

		idx.mu.Lock()
		candidates := make([]*FileInfo, 0, len(idx.files))
		for _, fi := range idx.files {
			candidates = append(candidates, fi)
		}
		idx.mu.Unlock()
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].FileID < candidates[j].FileID })

		for _, fi := range candidates {
			fi.mu.Lock()
			if !fi.locked {
				fi.locked = true
				fi.lastKeepAlive = time.Now()
				offsets := idx.reserveLocked(fi, entries)
				fi.mu.Unlock()

				if err := idx.persistFileLocked(ctx, fi); err != nil {
					return nil, nil, false, err
				}
				return fi, offsets, false, nil
			}
			fi.mu.Unlock()
		}

		// Every file is locked: wait on the first one's unlock
		// notification, still holding pickMu, then loop back and
		// retry the pick. Holding the coarse lock across the wait
		// means any other create_and_lock call racing to reach this
		// same point queues on pickMu itself, so waiters are served
		// in the order they arrived.
		candidates[0].waitForUnlock()
	}
}

// reserveLocked bumps fi.TotalBytes for each entry in order and returns
// their byte offsets. Caller must hold fi.mu.
func (idx *Index) reserveLocked(fi *FileInfo, entries []BlobEntry) []uint64 {
	offsets := make([]uint64, len(entries))
	for i, e := range entries {
		offsets[i] = fi.TotalBytes
		fi.TotalBytes += e.NumBytes
	}
	return offsets
}

// lockEntries writes one lockWrapper per entry at its reserved offset
// and returns a single BlobOffset describing where the batch as a
// whole begins. Callers reconstruct each individual entry's offset by
// summing the NumBytes of the entries before it, starting from the
// returned byte offset.
func (idx *Index) lockEntries(ctx context.Context, fi *FileInfo, entries []BlobEntry, offsets []uint64, needsCreation bool, nodeID string) (BlobOffset, error) {
	keys := make([]string, len(entries))

	idx.mu.Lock()
	for i, e := range entries {
		lw := &lockWrapper{
			Entry:      e,
			FileID:     fi.FileID,
			ByteOffset: offsets[i],
			Written:    false,
			NodeID:     nodeID,
			locked:     true,
		}
		idx.entries[e.Key] = lw
		keys[i] = e.Key
	}
	idx.mu.Unlock()

	for i, e := range entries {
		lw := &lockWrapper{Entry: e, FileID: fi.FileID, ByteOffset: offsets[i], NodeID: nodeID}
		if err := idx.persistEntry(ctx, e.Key, lw); err != nil {
			return BlobOffset{}, err
		}
	}

	idx.fileLockMu.Lock()
	idx.fileLocks[fi.FileID] = &fileLock{NodeID: nodeID, Keys: keys}
	idx.fileLockMu.Unlock()

	return BlobOffset{
		FileID:        fi.FileID,
		FileName:      fi.FileName,
		ByteOffset:    offsets[0],
		NeedsCreation: needsCreation,
	}, nil
}

func checkDuplicateKeys(entries []BlobEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Key]; ok {
			return newError(ErrDuplicateKeys)
		}
		seen[e.Key] = struct{}{}
	}
	return nil
}

// CreateUnlock marks every key reserved under the named file's current
// lease as written, releases the file lock, and wakes everyone waiting
// to write into that file.
func (idx *Index) CreateUnlock(ctx context.Context, fileID uint64, nodeID string) error {
	idx.mu.Lock()
	fi, ok := idx.files[fileID]
	idx.mu.Unlock()
	if !ok {
		return newError(ErrCreateNotLocked)
	}

	idx.fileLockMu.Lock()
	fl, locked := idx.fileLocks[fileID]
	idx.fileLockMu.Unlock()
	if !locked {
		return newError(ErrCreateNotLocked)
	}
	if fl.NodeID != nodeID {
		return newError(ErrWrongNode)
	}

	idx.mu.Lock()
	for _, key := range fl.Keys {
		if lw, ok := idx.entries[key]; ok {
			lw.Written = true
			lw.locked = false
		}
	}
	idx.mu.Unlock()

	for _, key := range fl.Keys {
		idx.mu.Lock()
		lw := idx.entries[key]
		idx.mu.Unlock()
		if lw != nil {
			if err := idx.persistEntry(ctx, key, lw); err != nil {
				return err
			}
		}
	}

	// The lock record must be gone before any waiter wakes: a woken
	// writer that re-acquires the file installs its own fileLocks entry,
	// and a late delete here would clobber it. Dropping the record and
	// clearing the flag inside one critical section (fileLockMu, then
	// fi.mu) keeps the two views consistent; notification comes last.
	idx.fileLockMu.Lock()
	delete(idx.fileLocks, fileID)
	fi.mu.Lock()
	fi.locked = false
	fi.notifyUnlockedLocked()
	fi.mu.Unlock()
	idx.fileLockMu.Unlock()

	if err := idx.persistFileLocked(ctx, fi); err != nil {
		return err
	}

	debug.Log("unlocked file %d held by %s", fileID, nodeID)
	return nil
}

// KeepAliveLock refreshes the lease on fileID, preventing the cleaner
// from reclaiming it. Idempotent, and guarded by the same per-file
// mutex the cleaner uses so a keep-alive racing a cleanup sweep can
// never silently lose.
func (idx *Index) KeepAliveLock(ctx context.Context, fileID uint64) error {
	idx.mu.Lock()
	fi, ok := idx.files[fileID]
	idx.mu.Unlock()
	if !ok {
		return newError(ErrCreateNotLocked)
	}

	fi.mu.Lock()
	defer fi.mu.Unlock()
	if !fi.locked {
		return newError(ErrLockExpired)
	}
	fi.lastKeepAlive = time.Now()
	return nil
}

// Lookup resolves a written key to its byte range.
func (idx *Index) Lookup(ctx context.Context, key string) (Slice, error) {
	if isProhibited(key) {
		return Slice{}, newError(ErrProhibitedKey)
	}

	idx.mu.Lock()
	lw, err := idx.lookupEntryLocked(ctx, key)
	idx.mu.Unlock()
	if err != nil {
		return Slice{}, err
	}
	if lw == nil {
		return Slice{}, newError(ErrDoesNotExist)
	}
	if !lw.Written {
		return Slice{}, newError(ErrNotWritten)
	}

	idx.mu.Lock()
	fi, ok := idx.files[lw.FileID]
	idx.mu.Unlock()
	fileName := fileNameFor(lw.FileID)
	if ok {
		fileName = fi.FileName
	}

	return Slice{
		FileID:     lw.FileID,
		FileName:   fileName,
		ByteOffset: lw.ByteOffset,
		NumBytes:   lw.Entry.NumBytes,
	}, nil
}

// ExpireStaleLocks is called periodically by the cleaner. Any file
// whose lease has not been refreshed within timeout has its lock
// dropped and its waiters woken; the keys reserved under that lease are
// left with Written=false, so a subsequent Lookup reports NotWritten
// rather than quietly resurrecting a half-written blob.
func (idx *Index) ExpireStaleLocks(ctx context.Context, timeout time.Duration) (int, error) {
	idx.mu.Lock()
	candidates := make([]*FileInfo, 0, len(idx.files))
	for _, fi := range idx.files {
		candidates = append(candidates, fi)
	}
	idx.mu.Unlock()

	now := time.Now()
	expired := 0
	for _, fi := range candidates {
		// Same lock order as CreateUnlock (fileLockMu, then fi.mu), and
		// the same discipline: the fileLocks record is removed before
		// waiters are woken, so a writer re-acquiring the file can never
		// have its fresh lock record clobbered by this sweep. Holding
		// fi.mu across the staleness check also keeps the check-and-act
		// atomic with respect to KeepAliveLock.
		idx.fileLockMu.Lock()
		fi.mu.Lock()
		stale := fi.locked && now.Sub(fi.lastKeepAlive) > timeout
		var fl *fileLock
		if stale {
			fl = idx.fileLocks[fi.FileID]
			delete(idx.fileLocks, fi.FileID)
			fi.locked = false
			fi.notifyUnlockedLocked()
		}
		fi.mu.Unlock()
		idx.fileLockMu.Unlock()
		if !stale {
			continue
		}

		if err := idx.persistFileLocked(ctx, fi); err != nil {
			return expired, err
		}

		if fl != nil {
			debug.Log("cleaner reclaimed file %d from node %s", fi.FileID, fl.NodeID)
		}
		expired++
	}

	return expired, nil
}
