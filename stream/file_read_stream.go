// Package stream implements a blocking, random-access byte reader over a
// file that may still be growing because some other goroutine is appending
// to it.
package stream

import (
	"io"
	"os"
	"sync"

	"github.com/musikcube/streamcache/utils"
	log "github.com/sirupsen/logrus"
)

// FileReadStream is a position-addressable reader over a file that is
// concurrently being written by an external writer. length is the number
// of bytes known safe to read; it grows monotonically via Add until
// Completed freezes it at a terminator. Reads and seeks past length block
// until length catches up, the terminator fires, or Interrupt is called.
//
// length, terminator, interrupted and position are guarded by mutex;
// waiters block on cond, which is broadcast by every mutation that could
// unblock them.
type FileReadStream struct {
	file *os.File

	mutex     sync.Mutex
	cond      *sync.Cond
	position  int64
	length    int64
	hasTerm   bool
	term      int64
	interrupt bool
}

// NewFromFinalized opens a finalized cache entry for reading. Total length
// is measured once by seeking to the end, so the terminator is set
// immediately and reads never block.
func NewFromFinalized(f *os.File) (*FileReadStream, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	s := newFileReadStream(f)
	s.length = size
	s.hasTerm = true
	s.term = size
	return s, nil
}

// NewFromHandle attaches a reader to a file that is still being written.
// declaredMax, if > 0, is a known-in-advance terminator (e.g. a
// Content-Length header); otherwise growth is reported explicitly via Add
// and Completed.
func NewFromHandle(f *os.File, declaredMax int64) *FileReadStream {
	s := newFileReadStream(f)
	if declaredMax > 0 {
		s.hasTerm = true
		s.term = declaredMax
	}
	return s
}

func newFileReadStream(f *os.File) *FileReadStream {
	s := &FileReadStream{file: f}
	s.cond = sync.NewCond(&s.mutex)
	return s
}

// Read copies at most len(buffer) bytes from the current position,
// blocking if the position is at or beyond the known-valid length.
func (s *FileReadStream) Read(buffer []byte) (int, error) {
	logger := log.WithFields(log.Fields{
		"package":  "stream",
		"struct":   "FileReadStream",
		"function": "Read",
	})
	defer utils.StackTraceFromPanic(logger)

	s.mutex.Lock()
	for s.position >= s.length {
		if s.interrupt {
			s.mutex.Unlock()
			return 0, nil
		}
		if s.hasTerm && s.position >= s.term {
			s.mutex.Unlock()
			return 0, nil
		}
		s.cond.Wait()
	}

	avail := s.length - s.position
	toRead := int64(len(buffer))
	if toRead > avail {
		toRead = avail
	}
	pos := s.position
	s.mutex.Unlock()

	n, err := s.file.ReadAt(buffer[:toRead], pos)
	if err != nil && err != io.EOF {
		// The underlying file read failed mid-call; don't retry or
		// reclassify, just report what was actually read.
		err = nil
	}

	s.mutex.Lock()
	s.position += int64(n)
	s.mutex.Unlock()

	return n, nil
}

// SetPosition blocks until pos is within the known-valid length, the
// terminator is set, or interrupt fires. Returns false on interrupt or if
// the terminator is set and pos lies beyond it.
func (s *FileReadStream) SetPosition(pos int64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for pos > s.length {
		if s.interrupt {
			return false
		}
		if s.hasTerm {
			if pos > s.term {
				return false
			}
			break
		}
		s.cond.Wait()
	}

	s.position = pos
	return true
}

// Position returns the current read offset.
func (s *FileReadStream) Position() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.position
}

// Add is called by the writer after flushing delta new bytes to the file;
// it advances length and wakes every waiter.
func (s *FileReadStream) Add(delta int64) {
	if delta <= 0 {
		return
	}

	s.mutex.Lock()
	s.length += delta
	s.mutex.Unlock()

	s.cond.Broadcast()
}

// Completed sets the terminator to the current length. Future seeks past
// it fail; future reads at or beyond it return EOF (0, nil).
func (s *FileReadStream) Completed() {
	s.mutex.Lock()
	s.hasTerm = true
	s.term = s.length
	s.mutex.Unlock()

	s.cond.Broadcast()
}

// Interrupt sets the interrupted flag and wakes every waiter; subsequent
// reads and seeks fail fast. Idempotent.
func (s *FileReadStream) Interrupt() {
	s.mutex.Lock()
	s.interrupt = true
	s.mutex.Unlock()

	s.cond.Broadcast()
}

// Length returns the current known-valid length.
func (s *FileReadStream) Length() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.length
}

// Close releases the underlying file handle.
func (s *FileReadStream) Close() error {
	return s.file.Close()
}
