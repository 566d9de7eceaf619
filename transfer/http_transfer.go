package transfer

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// UserAgent is sent on every request issued by HTTPTransfer.
const UserAgent = "musikcube-streamcache/1.0"

const progressChunkSize = 64 * 1024

// Options configures HTTPTransfer. net/http's Response.Body already gives a
// cancellable, streaming body reader, which is exactly the shape this
// package needs; no third-party HTTP client adds anything on top of that
// for a single chunked GET with a progress callback.
type Options struct {
	// InsecureSkipVerify disables TLS peer/host verification. Off by
	// default; callers must opt in explicitly.
	InsecureSkipVerify bool
}

// HTTPTransfer implements Transfer over net/http.
type HTTPTransfer struct {
	client *http.Client
}

// NewHTTPTransfer builds an HTTPTransfer that follows redirects and
// verifies TLS unless opts.InsecureSkipVerify is set.
func NewHTTPTransfer(opts Options) *HTTPTransfer {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
	}

	return &HTTPTransfer{
		client: &http.Client{
			Transport: transport,
			// following redirects is the default http.Client behavior;
			// no CheckRedirect override needed.
		},
	}
}

// Fetch performs the GET described by req, invoking cb.OnHeader once the
// response headers are available, cb.OnBody for each chunk of the body,
// and cb.OnProgress periodically so the caller can abort cooperatively.
func (t *HTTPTransfer) Fetch(ctx context.Context, req Request, cb Callbacks) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return xerrors.Errorf("failed to build request for %s: %w", req.URL, err)
	}

	httpReq.Header.Set("User-Agent", UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return xerrors.Errorf("request failed for %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.Errorf("unexpected status %d fetching %s", resp.StatusCode, req.URL)
	}

	if cb.OnHeader != nil {
		for key, values := range resp.Header {
			for _, v := range values {
				cb.OnHeader(strings.TrimSpace(key), strings.TrimSpace(v))
			}
		}
	}

	buffer := make([]byte, progressChunkSize)
	lastProgress := time.Now()

	for {
		if cb.OnProgress != nil && time.Since(lastProgress) > 0 {
			if cb.OnProgress() {
				cancel()
				return xerrors.Errorf("transfer aborted for %s", req.URL)
			}
			lastProgress = time.Now()
		}

		n, readErr := resp.Body.Read(buffer)
		if n > 0 && cb.OnBody != nil {
			if _, werr := cb.OnBody(buffer[:n]); werr != nil {
				return xerrors.Errorf("body callback failed for %s: %w", req.URL, werr)
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return xerrors.Errorf("read failed for %s: %w", req.URL, readErr)
		}
	}
}
