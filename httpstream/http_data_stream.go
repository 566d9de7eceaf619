// Package httpstream implements the consumer-facing streaming HTTP cache
// data stream: on open it either serves a finalized cache entry or spawns
// a downloader goroutine that writes into a new entry while a
// stream.FileReadStream over the same file serves consumer reads.
package httpstream

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/musikcube/streamcache/cache"
	"github.com/musikcube/streamcache/config"
	"github.com/musikcube/streamcache/report"
	"github.com/musikcube/streamcache/stream"
	"github.com/musikcube/streamcache/transfer"
	"github.com/musikcube/streamcache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// HttpDataStream is the top-level consumer stream: it resolves a URI,
// coordinates with a cache.LruDiskCache, and (for cache misses) runs a
// downloader goroutine feeding a stream.FileReadStream.
type HttpDataStream struct {
	cacheStore *cache.LruDiskCache
	xfer       transfer.Transfer
	reporter   report.Reporter
	settings   config.Settings

	mu            sync.Mutex
	startCond     *sync.Cond
	startSignaled bool

	resolved *resolvedURI
	id       uint64

	state       State
	contentType string
	length      int64
	hasLength   bool
	lastErr     error

	reader      *stream.FileReadStream
	writeHandle *cache.WriteHandle

	interrupted   atomic.Bool
	downloaderWG  sync.WaitGroup
	closeOnce     sync.Once
}

// New creates a HttpDataStream bound to cacheStore, performing transfers
// through xfer, reporting through reporter, and using settings for the
// precache/chunk-flush thresholds and max cache file cap.
func New(cacheStore *cache.LruDiskCache, xfer transfer.Transfer, reporter report.Reporter, settings config.Settings) *HttpDataStream {
	s := &HttpDataStream{
		cacheStore: cacheStore,
		xfer:       xfer,
		reporter:   reporter,
		settings:   settings,
		state:      Idle,
	}
	s.startCond = sync.NewCond(&s.mu)
	return s
}

// Open resolves uri (see resolveURI), consults the cache, and either opens
// a finalized entry for reading or starts a downloader. It blocks until
// either the pre-cache threshold of bytes has been written or the
// transfer has finished, matching the consumer-facing open() contract.
// The write flag is rejected; this stream is read-only to its consumers.
func (s *HttpDataStream) Open(ctx context.Context, uri string, flags OpenFlags) error {
	logger := log.WithFields(log.Fields{
		"package":  "httpstream",
		"struct":   "HttpDataStream",
		"function": "Open",
	})

	defer utils.StackTraceFromPanic(logger)

	if flags.Has(WriteFlag) {
		return xerrors.Errorf("write access is not supported by HttpDataStream")
	}

	resolved, err := resolveURI(uri)
	if err != nil {
		return xerrors.Errorf("failed to resolve uri %s: %w", uri, err)
	}
	s.resolved = resolved
	s.id = utils.Fingerprint(resolved.transferURL)

	if resolved.contentType != "" {
		s.contentType = resolved.contentType
	}

	if s.cacheStore.Cached(s.id) {
		f, contentType, size, err := s.cacheStore.OpenRead(s.id)
		if err != nil {
			return xerrors.Errorf("failed to open cached entry for %s: %w", resolved.transferURL, err)
		}
		if f != nil {
			reader, err := stream.NewFromFinalized(f)
			if err != nil {
				f.Close()
				return xerrors.Errorf("failed to attach reader to cached entry for %s: %w", resolved.transferURL, err)
			}

			s.reader = reader
			if contentType != "" {
				s.contentType = contentType
			}
			s.length = size
			s.hasLength = true
			s.setState(Cached)

			logger.Debugf("served %s from cache (id %x, %d bytes)", resolved.consumerURI, s.id, size)
			return nil
		}
		// fallthrough: entry was evicted between Cached() and OpenRead()
	}

	writeHandle, err := s.cacheStore.OpenWrite(s.id)
	if err != nil {
		return xerrors.Errorf("failed to open cache write handle for %s: %w", resolved.transferURL, err)
	}
	s.writeHandle = writeHandle

	readFile, err := os.Open(writeHandle.Path)
	if err != nil {
		writeHandle.File.Close()
		s.cacheStore.DiscardWrite(writeHandle)
		return xerrors.Errorf("failed to open cache read handle for %s: %w", resolved.transferURL, err)
	}
	s.reader = stream.NewFromHandle(readFile, 0)

	s.setState(Loading)

	s.downloaderWG.Add(1)
	go s.downloadLoop(ctx)

	s.waitForStart()

	return nil
}

// waitForStart blocks the caller until the downloader signals either the
// pre-cache threshold or transfer completion, whichever comes first.
func (s *HttpDataStream) waitForStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.startSignaled {
		s.startCond.Wait()
	}
}

// signalStart wakes Open exactly once; further calls are no-ops.
func (s *HttpDataStream) signalStart() {
	s.mu.Lock()
	s.startSignaled = true
	s.mu.Unlock()

	s.startCond.Broadcast()
}

// downloadLoop runs the HTTP transfer synchronously to completion (or
// failure/interruption), publishing bytes to s.reader at the configured
// chunk-flush cadence and waking Open once the pre-cache threshold is hit.
func (s *HttpDataStream) downloadLoop(ctx context.Context) {
	defer s.downloaderWG.Done()

	logger := log.WithFields(log.Fields{
		"package":  "httpstream",
		"struct":   "HttpDataStream",
		"function": "downloadLoop",
	})
	defer utils.StackTraceFromPanic(logger)

	transferReport := s.reporter.StartTransfer(s.resolved.consumerURI)

	headers := map[string]string{}
	if s.resolved.authHeader != "" {
		headers["Authorization"] = s.resolved.authHeader
	}

	written := 0
	var totalWritten int64
	precacheSignaled := false

	callbacks := transfer.Callbacks{
		OnHeader: func(key, value string) {
			switch key {
			case "Content-Length":
				if n, err := strconv.ParseInt(value, 10, 64); err == nil {
					s.mu.Lock()
					s.length = n
					s.hasLength = true
					s.mu.Unlock()
				}
			case "Content-Type":
				s.mu.Lock()
				if s.contentType == "" {
					s.contentType = value
				}
				s.mu.Unlock()
			}
		},
		OnBody: func(chunk []byte) (int, error) {
			n, err := s.writeHandle.File.Write(chunk)
			if n > 0 {
				written += n
				totalWritten += int64(n)
			}
			if err != nil {
				return n, err
			}

			if written >= s.settings.ChunkSizeBytes {
				if ferr := s.writeHandle.File.Sync(); ferr != nil {
					return n, ferr
				}
				s.reader.Add(int64(written))
				transferReport.BytesTransferred(int64(written))
				written = 0
			}

			if !precacheSignaled && totalWritten >= int64(s.settings.PrecacheBufferSizeBytes) {
				precacheSignaled = true
				s.signalStart()
			}

			return n, nil
		},
		OnProgress: func() bool {
			return s.interrupted.Load()
		},
	}

	err := s.xfer.Fetch(ctx, transfer.Request{URL: s.resolved.transferURL, Headers: headers}, callbacks)

	if err != nil {
		s.setState(Error)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	} else {
		s.setState(Finished)
	}

	if written > 0 {
		s.writeHandle.File.Sync()
		s.reader.Add(int64(written))
		transferReport.BytesTransferred(int64(written))
	}
	s.reader.Completed()

	// Idempotent: covers the case where the transfer finished (or failed)
	// before the pre-cache threshold was ever reached.
	s.signalStart()

	transferReport.Finish(s.State().String(), err)

	s.writeHandle.File.Close()
}

func (s *HttpDataStream) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *HttpDataStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Read delegates to the current FileReadStream. If no reader exists
// (e.g. after Close), it returns 0, nil.
func (s *HttpDataStream) Read(buffer []byte) (int, error) {
	if s.reader == nil {
		return 0, nil
	}
	return s.reader.Read(buffer)
}

// SetPosition delegates to the current FileReadStream.
func (s *HttpDataStream) SetPosition(offset int64) bool {
	if s.reader == nil {
		return false
	}
	return s.reader.SetPosition(offset)
}

// Position delegates to the current FileReadStream.
func (s *HttpDataStream) Position() int64 {
	if s.reader == nil {
		return 0
	}
	return s.reader.Position()
}

// EOF reports whether the current position has reached the declared
// total length. Before the total length is known, EOF is always false.
func (s *HttpDataStream) EOF() bool {
	if s.reader == nil {
		return false
	}

	s.mu.Lock()
	hasLength, length := s.hasLength, s.length
	s.mu.Unlock()

	return hasLength && s.Position() >= length
}

// Err returns the error that drove the stream into the Error state, or
// nil if it never entered that state.
func (s *HttpDataStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

// Length returns the declared total length (0 if not yet known).
func (s *HttpDataStream) Length() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.length
}

// Type returns the content type, from the URI envelope, the
// Content-Type response header, or cached metadata, whichever applied.
func (s *HttpDataStream) Type() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.contentType
}

// URI returns the consumer-visible URI (the original URI for a
// remote-track envelope, or the plain URI otherwise).
func (s *HttpDataStream) URI() string {
	if s.resolved == nil {
		return ""
	}
	return s.resolved.consumerURI
}

// Seekable is always true: the underlying file is seekable and
// FileReadStream blocks across the download front rather than failing.
func (s *HttpDataStream) Seekable() bool {
	return true
}

// CanPrefetch is always true.
func (s *HttpDataStream) CanPrefetch() bool {
	return true
}

// Interrupt signals the FileReadStream's interrupt and the downloader's
// cooperative cancellation flag. Idempotent.
func (s *HttpDataStream) Interrupt() {
	s.interrupted.Store(true)
	if s.reader != nil {
		s.reader.Interrupt()
	}
}

// Close interrupts any in-flight transfer, joins the downloader goroutine,
// and releases the reader. Safe to call more than once.
func (s *HttpDataStream) Close() error {
	s.closeOnce.Do(func() {
		s.Interrupt()
		s.downloaderWG.Wait()

		if s.reader != nil {
			s.reader.Close()
			s.reader = nil
		}
	})
	return nil
}

// Release performs final disposal: it closes the stream, then finalizes
// the cache entry if the transfer completed successfully, or deletes it
// otherwise (a Cached open leaves the cache untouched either way).
func (s *HttpDataStream) Release() error {
	s.Close()

	switch s.State() {
	case Finished:
		return s.cacheStore.Finalize(s.writeHandle, s.Type())
	case Cached:
		return nil
	default:
		if s.writeHandle != nil {
			s.cacheStore.DiscardWrite(s.writeHandle)
		}
		return nil
	}
}
