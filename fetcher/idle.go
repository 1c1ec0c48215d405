package fetcher

import (
	"fmt"
	"io"
	"time"
)

// idleTimeoutReader fails a stream whose source stops producing bytes. Each
// Read arms a timer; if it fires before the read returns, the underlying
// body is closed, which unblocks the read, and the timeout is reported from
// then on. An overall deadline would penalize large slow-but-alive
// transfers, inactivity is the condition that matters here.
type idleTimeoutReader struct {
	rc       io.ReadCloser
	timeout  time.Duration
	timedOut bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 {
		return rc
	}
	return &idleTimeoutReader{rc: rc, timeout: timeout}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	if r.timedOut {
		return 0, r.errTimeout()
	}
	timer := time.AfterFunc(r.timeout, func() {
		// Closing the body makes the blocked Read return; safe to call
		// concurrently with Read on an http response body.
		r.rc.Close()
	})
	n, err := r.rc.Read(p)
	if !timer.Stop() {
		r.timedOut = true
		if err != nil {
			err = r.errTimeout()
		}
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	return r.rc.Close()
}

func (r *idleTimeoutReader) errTimeout() error {
	return fmt.Errorf("attachment fetch stalled: no data for %s", r.timeout)
}
