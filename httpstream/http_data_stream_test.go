package httpstream

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/musikcube/streamcache/cache"
	"github.com/musikcube/streamcache/config"
	"github.com/musikcube/streamcache/report"
	"github.com/musikcube/streamcache/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransfer replays a scripted sequence of header values and body chunks
// without touching the network, so downloader timing is fully controlled
// by the test. A non-nil gate at chunks[i] blocks delivery of that chunk
// until the test closes it.
type fakeTransfer struct {
	contentType   string
	contentLength int64
	chunks        [][]byte
	gates         []chan struct{}
	err           error
}

func (f *fakeTransfer) Fetch(ctx context.Context, req transfer.Request, cb transfer.Callbacks) error {
	if cb.OnHeader != nil {
		if f.contentLength > 0 {
			cb.OnHeader("Content-Length", strconv.FormatInt(f.contentLength, 10))
		}
		if f.contentType != "" {
			cb.OnHeader("Content-Type", f.contentType)
		}
	}

	for i, chunk := range f.chunks {
		if i < len(f.gates) && f.gates[i] != nil {
			<-f.gates[i]
		}
		if cb.OnProgress != nil && cb.OnProgress() {
			return errors.New("transfer aborted")
		}
		if _, err := cb.OnBody(chunk); err != nil {
			return err
		}
	}

	return f.err
}

func smallSettings() config.Settings {
	return config.Settings{
		MaxCacheFiles:           10,
		PrecacheBufferSizeBytes: 1,
		ChunkSizeBytes:          1,
	}
}

func readAll(t *testing.T, s *HttpDataStream) []byte {
	var out []byte
	buffer := make([]byte, 64)
	for {
		n, err := s.Read(buffer)
		require.NoError(t, err)
		if n == 0 {
			if s.EOF() || s.State() != Loading {
				break
			}
			continue
		}
		out = append(out, buffer[:n]...)
	}
	return out
}

func TestHttpDataStream(t *testing.T) {
	t.Run("test ColdMissDownloadsAndCaches", testColdMissDownloadsAndCaches)
	t.Run("test TransferFailureLeavesNoCacheEntry", testTransferFailureLeavesNoCacheEntry)
	t.Run("test EvictionAcrossEntries", testEvictionAcrossEntries)
	t.Run("test InterruptDuringDownloadUnblocksReader", testInterruptDuringDownloadUnblocksReader)
	t.Run("test WriteFlagRejected", testWriteFlagRejected)
}

func testColdMissDownloadsAndCaches(t *testing.T) {
	store, err := cache.New(t.TempDir(), 10)
	require.NoError(t, err)

	gate := make(chan struct{})
	xfer := &fakeTransfer{
		contentType:   "audio/mpeg",
		contentLength: int64(len("hello world")),
		chunks:        [][]byte{[]byte("hello "), []byte("world")},
		gates:         []chan struct{}{nil, gate},
	}

	s := New(store, xfer, report.NewLoggingReporter(), smallSettings())
	require.NoError(t, s.Open(context.Background(), "https://origin.test/track.mp3", ReadFlag))

	// the second chunk is held back, so the downloader is still running.
	assert.Equal(t, Loading, s.State())
	close(gate)

	data := readAll(t, s)
	assert.Equal(t, "hello world", string(data))

	require.NoError(t, s.Release())
	assert.Equal(t, Finished, s.State())

	// a second open for the same uri must now be served from cache.
	s2 := New(store, xfer, report.NewLoggingReporter(), smallSettings())
	require.NoError(t, s2.Open(context.Background(), "https://origin.test/track.mp3", ReadFlag))
	assert.Equal(t, Cached, s2.State())
	assert.Equal(t, "audio/mpeg", s2.Type())

	data2 := readAll(t, s2)
	assert.Equal(t, "hello world", string(data2))
	require.NoError(t, s2.Release())
}

func testTransferFailureLeavesNoCacheEntry(t *testing.T) {
	store, err := cache.New(t.TempDir(), 10)
	require.NoError(t, err)

	xfer := &fakeTransfer{
		chunks: [][]byte{[]byte("partial")},
		err:    errors.New("connection reset"),
	}

	s := New(store, xfer, report.NewLoggingReporter(), smallSettings())
	require.NoError(t, s.Open(context.Background(), "https://origin.test/broken.mp3", ReadFlag))

	readAll(t, s)

	require.NoError(t, s.Release())
	assert.Equal(t, Error, s.State())
	assert.Error(t, s.Err())
	assert.False(t, store.Cached(s.id))
}

func testEvictionAcrossEntries(t *testing.T) {
	store, err := cache.New(t.TempDir(), 2)
	require.NoError(t, err)

	open := func(uri string) *HttpDataStream {
		xfer := &fakeTransfer{contentType: "audio/mpeg", chunks: [][]byte{[]byte("x")}}
		s := New(store, xfer, report.NewLoggingReporter(), smallSettings())
		require.NoError(t, s.Open(context.Background(), uri, ReadFlag))
		readAll(t, s)
		require.NoError(t, s.Release())
		return s
	}

	a := open("https://origin.test/a.mp3")
	b := open("https://origin.test/b.mp3")
	assert.True(t, store.Cached(a.id))
	assert.True(t, store.Cached(b.id))

	c := open("https://origin.test/c.mp3")

	assert.False(t, store.Cached(a.id))
	assert.True(t, store.Cached(b.id))
	assert.True(t, store.Cached(c.id))
}

func testInterruptDuringDownloadUnblocksReader(t *testing.T) {
	store, err := cache.New(t.TempDir(), 10)
	require.NoError(t, err)

	gate := make(chan struct{})
	xfer := &fakeTransfer{
		contentType: "audio/mpeg",
		chunks:      [][]byte{[]byte("first"), []byte("second")},
		gates:       []chan struct{}{nil, gate},
	}

	s := New(store, xfer, report.NewLoggingReporter(), smallSettings())
	require.NoError(t, s.Open(context.Background(), "https://origin.test/slow.mp3", ReadFlag))

	// the first chunk is already visible; drain it.
	buf := make([]byte, len("first"))
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))

	done := make(chan struct{})
	var readErr error
	go func() {
		_, readErr = s.Read(make([]byte, 8))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Read returned before the second chunk or an interrupt unblocked it")
	case <-time.After(50 * time.Millisecond):
	}

	s.Interrupt()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Interrupt did not unblock the pending Read")
	}
	require.NoError(t, readErr)

	close(gate) // let the downloader goroutine finish unwinding
	require.NoError(t, s.Release())
	assert.False(t, store.Cached(s.id))
}

func testWriteFlagRejected(t *testing.T) {
	store, err := cache.New(t.TempDir(), 10)
	require.NoError(t, err)

	s := New(store, &fakeTransfer{}, report.NewLoggingReporter(), smallSettings())
	err = s.Open(context.Background(), "https://origin.test/track.mp3", WriteFlag)
	assert.Error(t, err)
}

var _ io.Reader = (*HttpDataStream)(nil)
