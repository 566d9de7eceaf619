// Package report provides an in-process stats reporter for streaming
// downloads: no external monitor service, just structured log lines,
// logged through logrus the way the rest of this module logs.
package report

// Reporter creates Transfer reporters for individual HttpDataStream opens.
type Reporter interface {
	StartTransfer(uri string) Transfer
}

// Transfer reports the lifecycle of a single download.
type Transfer interface {
	// BytesTransferred records delta newly-written bytes.
	BytesTransferred(delta int64)

	// Finish reports the terminal state of the transfer and logs a
	// summary line.
	Finish(state string, err error)
}
