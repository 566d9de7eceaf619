// Package transfer abstracts the HTTP collaborator a streaming download
// needs: a single blocking call that reports response headers, body
// chunks, and progress (with a cooperative cancellation hook) through
// callbacks, decoupling the downloader from any one concrete HTTP client.
package transfer

import "context"

// Request describes one GET transfer.
type Request struct {
	URL     string
	Headers map[string]string
}

// Callbacks are invoked by Fetch as the transfer progresses.
type Callbacks struct {
	// OnHeader is called once per trimmed "Key: Value" response header.
	OnHeader func(key, value string)

	// OnBody is called for each body chunk read off the wire, in order.
	// Its return values mirror io.Writer.Write: bytes actually consumed
	// and an error that aborts the transfer.
	OnBody func(chunk []byte) (int, error)

	// OnProgress is polled periodically; returning true aborts the
	// transfer at the next opportunity.
	OnProgress func() (abort bool)
}

// Transfer performs a single synchronous, cancellable HTTP GET, following
// redirects and failing on non-2xx status, invoking Callbacks as data
// arrives.
type Transfer interface {
	Fetch(ctx context.Context, req Request, cb Callbacks) error
}
