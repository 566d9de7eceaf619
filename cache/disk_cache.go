// Package cache implements a process-wide, bounded on-disk LRU store keyed
// by a caller-supplied fingerprint, used to persist the bodies of completed
// HTTP downloads for reuse across opens.
package cache

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/musikcube/streamcache/utils"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	partSuffix = ".part"
)

// entryMeta is the in-memory metadata kept for a finalized entry.
type entryMeta struct {
	id          uint64
	contentType string
	path        string
	size        int64
	finalizedAt time.Time
}

// WriteHandle is an in-progress write reservation returned by OpenWrite. It
// is self-contained: two concurrent handles for the same id name distinct
// temp files, so each can be finalized or discarded independently without
// either clobbering the other's slot.
type WriteHandle struct {
	ID   uint64
	File *os.File
	Path string
}

// LruDiskCache is a bounded on-disk file store with LRU eviction over
// finalized entries. In-progress writes are not tracked by the cache itself
// once OpenWrite returns; the caller's WriteHandle is the only reference to
// them, so they are never evicted out from under an active writer.
type LruDiskCache struct {
	rootDir    string
	maxEntries int

	mutex sync.Mutex
	lru   *lru.Cache // id (uint64) -> *entryMeta, finalized only
}

var (
	singleton     *LruDiskCache
	singletonErr  error
	singletonOnce sync.Once
)

// Init idempotently initializes the process-wide disk cache singleton
// against rootDir/maxEntries. The first call wins; later calls are no-ops
// that return the already-initialized instance. Most hosts want exactly
// one disk cache per process and should use this; New is for callers (and
// tests) that need an independent, non-shared instance.
func Init(rootDir string, maxEntries int) (*LruDiskCache, error) {
	singletonOnce.Do(func() {
		singleton, singletonErr = New(rootDir, maxEntries)
	})
	if singletonErr != nil {
		return nil, singletonErr
	}
	return singleton, nil
}

// New builds a standalone disk cache rooted at rootDir, scanning it for
// files left over from a previous process so the index survives restarts.
func New(rootDir string, maxEntries int) (*LruDiskCache, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"function": "New",
	})

	defer utils.StackTraceFromPanic(logger)

	err := os.MkdirAll(rootDir, 0777)
	if err != nil {
		return nil, xerrors.Errorf("failed to make cache dir %s: %w", rootDir, err)
	}

	store := &LruDiskCache{
		rootDir:    rootDir,
		maxEntries: maxEntries,
	}

	lruCache, err := lru.NewWithEvict(maxEntryCap(maxEntries), store.onEvicted)
	if err != nil {
		return nil, xerrors.Errorf("failed to create LRU cache: %w", err)
	}
	store.lru = lruCache

	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return nil, xerrors.Errorf("failed to read cache dir %s: %w", rootDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), partSuffix) {
			// in-progress leftovers from a prior process are not resumable;
			// ignore them rather than trying to reconstruct a writer.
			continue
		}

		meta, ok := parseFinalizedName(rootDir, entry.Name())
		if !ok {
			logger.Debugf("ignoring unrecognized cache file %s", entry.Name())
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.WithError(err).Debugf("ignoring unreadable cache file %s", entry.Name())
			continue
		}
		meta.size = info.Size()
		meta.finalizedAt = info.ModTime()

		store.lru.Add(meta.id, meta)
	}

	return store, nil
}

func maxEntryCap(maxEntries int) int {
	if maxEntries <= 0 {
		// a zero-capacity LRU is rejected by golang-lru; degrade to a
		// cache that finalizes nothing by evicting immediately.
		return 1
	}
	return maxEntries
}

// Cached reports whether a finalized entry exists for id. It does not
// affect LRU order; only OpenRead does that.
func (store *LruDiskCache) Cached(id uint64) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return store.lru.Contains(id)
}

// OpenWrite reserves a new in-progress write for id, removing any existing
// finalized entry first so the write will replace it on Finalize. Two
// concurrent OpenWrite calls for the same id each get their own temp file
// and returned handle; neither observes the other.
func (store *LruDiskCache) OpenWrite(id uint64) (*WriteHandle, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "LruDiskCache",
		"function": "OpenWrite",
	})

	defer utils.StackTraceFromPanic(logger)

	store.mutex.Lock()
	if store.lru.Contains(id) {
		store.lru.Remove(id) // triggers onEvicted, deletes the old body file
	}
	store.mutex.Unlock()

	tempPath := filepath.Join(store.rootDir, strconv.FormatUint(id, 16)+"."+xid.New().String()+partSuffix)

	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, xerrors.Errorf("failed to create cache file %s: %w", tempPath, err)
	}

	return &WriteHandle{ID: id, File: f, Path: tempPath}, nil
}

// OpenRead opens a finalized entry for reading, populating contentType and
// length from persisted metadata, and promotes id to most-recently-used.
// Returns nil, "", 0, nil if no finalized entry exists (not an error).
func (store *LruDiskCache) OpenRead(id uint64) (*os.File, string, int64, error) {
	store.mutex.Lock()
	raw, ok := store.lru.Get(id) // Get touches LRU order
	store.mutex.Unlock()

	if !ok {
		return nil, "", 0, nil
	}

	meta := raw.(*entryMeta)

	f, err := os.Open(meta.path)
	if err != nil {
		if os.IsNotExist(err) {
			// the directory entry was removed (e.g. by a deferred
			// best-effort eviction unlink); treat as a cache miss.
			store.mutex.Lock()
			store.lru.Remove(id)
			store.mutex.Unlock()
			return nil, "", 0, nil
		}
		return nil, "", 0, xerrors.Errorf("failed to open cache file %s: %w", meta.path, err)
	}

	return f, meta.contentType, meta.size, nil
}

// Finalize renames handle's temp file into the finalized index, inserts it
// at MRU, and evicts the least-recently-used finalized entry while the
// finalized count exceeds the cap. handle must not be reused afterward.
func (store *LruDiskCache) Finalize(handle *WriteHandle, contentType string) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "LruDiskCache",
		"function": "Finalize",
	})

	defer utils.StackTraceFromPanic(logger)

	finalPath := filepath.Join(store.rootDir, finalizedName(handle.ID, contentType))

	err := os.Rename(handle.Path, finalPath)
	if err != nil {
		return xerrors.Errorf("failed to finalize cache file %s: %w", handle.Path, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return xerrors.Errorf("failed to stat finalized cache file %s: %w", finalPath, err)
	}

	meta := &entryMeta{
		id:          handle.ID,
		contentType: contentType,
		path:        finalPath,
		size:        info.Size(),
		finalizedAt: time.Now(),
	}

	store.mutex.Lock()
	store.lru.Add(handle.ID, meta)
	if store.maxEntries <= 0 {
		// golang-lru refuses a zero-capacity cache, so a non-positive
		// configured cap is floored to 1 internally; evict immediately
		// here so the degenerate "never resident" config is still exact.
		store.lru.Remove(handle.ID)
	}
	store.mutex.Unlock()

	logger.Debugf("finalized entry %x at %s (%d bytes, %s)", handle.ID, finalPath, meta.size, utils.MakeTimeToString(meta.finalizedAt))
	return nil
}

// DiscardWrite removes handle's temp file without finalizing it (e.g. after
// a failed or interrupted transfer). handle must not be reused afterward.
func (store *LruDiskCache) DiscardWrite(handle *WriteHandle) {
	os.Remove(handle.Path)
}

// Delete removes the finalized entry for id, if any. It has no effect on
// writes in progress; discard those through their own WriteHandle.
func (store *LruDiskCache) Delete(id uint64) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	// Remove triggers onEvicted if present, which deletes the body file.
	store.lru.Remove(id)
}

// onEvicted is invoked by the LRU (directly via Remove, or indirectly when
// adding a new entry pushes the finalized count over the cap) for every
// entry that falls out of the finalized index.
func (store *LruDiskCache) onEvicted(key interface{}, value interface{}) {
	meta, ok := value.(*entryMeta)
	if !ok {
		return
	}

	// Best-effort: on platforms that forbid deleting open files this may
	// fail or defer; an open reader keeps reading through its existing
	// handle regardless, and the in-memory index has already dropped the
	// entry by the time onEvicted runs.
	os.Remove(meta.path)
}

// finalizedName encodes id and contentType into a single filename. The
// content type is percent-escaped (url.PathEscape) rather than having its
// path separators stripped, so parseFinalizedName can recover it exactly —
// including values like "audio/mpeg" that contain a '/' — on the next
// process's directory rescan.
func finalizedName(id uint64, contentType string) string {
	return strconv.FormatUint(id, 16) + "." + url.PathEscape(contentType)
}

func parseFinalizedName(rootDir, name string) (*entryMeta, bool) {
	dot := strings.IndexByte(name, '.')
	if dot < 0 {
		return nil, false
	}

	idPart, encodedType := name[:dot], name[dot+1:]
	id, err := strconv.ParseUint(idPart, 16, 64)
	if err != nil {
		return nil, false
	}

	contentType, err := url.PathUnescape(encodedType)
	if err != nil {
		return nil, false
	}

	return &entryMeta{
		id:          id,
		contentType: contentType,
		path:        filepath.Join(rootDir, name),
	}, true
}
