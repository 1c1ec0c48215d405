package indexer

import (
	"errors"
	"io"
)

// errLimitReached stops an io.Copy into a limitedWriter once the cap is
// hit. It never escapes the package; callers of the engine only ever see
// real failures.
var errLimitReached = errors.New("declared content length reached")

// limitedWriter passes through at most remaining bytes. The write that
// crosses the cap is truncated to fit and reported with errLimitReached so
// the copy stops reading its source instead of draining it.
type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return 0, errLimitReached
	}
	capped := false
	if int64(len(p)) > lw.remaining {
		p = p[:lw.remaining]
		capped = true
	}
	n, err := lw.w.Write(p)
	lw.remaining -= int64(n)
	if err != nil {
		return n, err
	}
	if capped {
		return n, errLimitReached
	}
	return n, nil
}
