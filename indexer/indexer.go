// Package indexer is the byte-stream reconstruction engine: it serializes a
// parsed MIME tree back into RFC 822 wire bytes, computes the exact length
// of that serialization without materializing it, and resolves IMAP section
// selectors (BODY[...], RFC 3501 6.4.5) against the tree.
//
// The size estimator and the streaming rebuilder share one walk, so the
// length declared ahead of a stream always equals the bytes the stream
// emits. Content of externalized parts is fetched while streaming, base64
// encoded when the stored object is not already in wire encoding, and always
// capped at the part's declared size.
package indexer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-textwrapper"

	"github.com/migadu/crake/mimetree"
	"github.com/migadu/crake/pkg/metrics"
)

// ErrNoFetcher is returned on the stream when a tree references externally
// stored content but the indexer was built without a fetcher.
var ErrNoFetcher = errors.New("indexer: tree has externalized content but no fetcher is configured")

// Fetcher retrieves the content of an externalized part. Implementations
// apply their own transport policy (user agent, cookies, inactivity
// timeout); the engine does not retry, a failed fetch fails the rebuild.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Indexer rebuilds message byte streams from MIME trees. The zero value
// handles trees without externalized content; NewIndexer wires in the
// fetcher needed for the rest.
type Indexer struct {
	fetcher Fetcher
}

func NewIndexer(fetcher Fetcher) *Indexer {
	return &Indexer{fetcher: fetcher}
}

// EstimateSize returns the exact byte length of the serialized form of the
// subtree rooted at node. With textOnly set, the outermost node's header
// block (and the blank line after it) is left out; descendant headers are
// always included.
//
// Declared part sizes are trusted as-is, external content is never touched.
// A nil node estimates to zero.
func EstimateSize(node *mimetree.Node, textOnly bool) int64 {
	if node == nil {
		return 0
	}
	var total int64
	st := &rebuildState{}
	walk(node, textOnly, st, func(lit []byte, content *mimetree.Node) error {
		if content != nil {
			total += content.Size
		} else {
			total += int64(len(lit))
		}
		return nil
	})
	return total
}

// Rebuild serializes the subtree rooted at node into a byte stream whose
// declared size equals EstimateSize(node, textOnly). The walk runs in its
// own goroutine and writes through a pipe, so production is paced by the
// consumer; a slow reader stalls only this rebuild. Fetch, encoder, and
// limiter failures close the stream with the error and nothing is emitted
// after that.
func (ix *Indexer) Rebuild(ctx context.Context, node *mimetree.Node, textOnly bool) *Streamed {
	size := EstimateSize(node, textOnly)
	if node == nil {
		return &Streamed{Reader: io.NopCloser(strings.NewReader("")), Size: size}
	}

	mode := "full"
	if textOnly {
		mode = "text"
	}

	pr, pw := io.Pipe()
	go func() {
		start := time.Now()
		cw := &countingWriter{w: pw}
		st := &rebuildState{}
		err := walk(node, textOnly, st, func(lit []byte, content *mimetree.Node) error {
			if content == nil {
				_, werr := cw.Write(lit)
				return werr
			}
			return ix.writeContent(ctx, cw, content)
		})
		pw.CloseWithError(err)

		status := "success"
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			status = "failure"
		}
		metrics.RebuildsTotal.WithLabelValues(mode, status).Inc()
		metrics.RebuildDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		metrics.RebuildBytesTotal.Add(float64(cw.n))
	}()

	return &Streamed{Reader: pr, Size: size}
}

// rebuildState tracks whether a segment has been emitted yet; each rebuild
// or estimate owns exactly one, so concurrent invocations share nothing.
type rebuildState struct {
	emitted bool
}

// walk drives the serialization of one subtree, invoking emit for every
// framing element and content reference in wire order. Segments after the
// first are preceded by a CRLF joiner; the blank line separating a header
// block from what follows, and the line breaks around boundary delimiters,
// all fall out of that one rule.
//
// A content segment passes the node instead of literal bytes so the two
// passes can diverge: the estimator adds the declared size, the rebuilder
// materializes the bytes.
func walk(node *mimetree.Node, suppressHeader bool, st *rebuildState, emit func(lit []byte, content *mimetree.Node) error) error {
	seg := func(lit []byte, content *mimetree.Node) error {
		if st.emitted {
			if err := emit([]byte("\r\n"), nil); err != nil {
				return err
			}
		}
		st.emitted = true
		return emit(lit, content)
	}

	if !suppressHeader {
		block := strings.Join(FilterHeaders(node.Header), "\r\n") + "\r\n"
		if err := seg([]byte(block), nil); err != nil {
			return err
		}
	}

	switch {
	case node.HasContent():
		if err := seg(nil, node); err != nil {
			return err
		}
	case len(node.ChildNodes) > 0:
		for _, child := range node.ChildNodes {
			if err := seg([]byte("--"+node.Boundary), nil); err != nil {
				return err
			}
			if err := walk(child, false, st, emit); err != nil {
				return err
			}
		}
		if err := seg([]byte("--"+node.Boundary+"--\r\n"), nil); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) writeContent(ctx context.Context, w io.Writer, node *mimetree.Node) error {
	url := node.AttachmentURL()
	if url == "" {
		_, err := w.Write(node.Body)
		return err
	}
	if ix == nil || ix.fetcher == nil {
		return ErrNoFetcher
	}

	body, err := ix.fetcher.Fetch(ctx, url)
	if err != nil {
		return fmt.Errorf("fetch attachment %s: %w", url, err)
	}
	defer body.Close()

	// The declared size bounds the output no matter what the remote
	// source yields; hitting the cap is normal completion.
	lw := &limitedWriter{w: w, remaining: node.Size}

	if node.AttachmentEncoded() {
		_, err = io.Copy(lw, body)
	} else {
		enc := base64.NewEncoder(base64.StdEncoding, textwrapper.NewRFC822(lw))
		if _, err = io.Copy(enc, body); err == nil {
			err = enc.Close()
		}
	}
	if err != nil && !errors.Is(err, errLimitReached) {
		return fmt.Errorf("stream attachment %s: %w", url, err)
	}
	return nil
}

// EncodedSize returns the wire length of n content bytes after base64
// encoding with 76 column CRLF wrapping, the transform writeContent applies
// to externalized parts stored in decoded form. There is no CRLF after the
// final line; that break belongs to the enclosing framing.
func EncodedSize(n int64) int64 {
	if n <= 0 {
		return 0
	}
	encoded := (n + 2) / 3 * 4
	lines := (encoded + 75) / 76
	return encoded + 2*(lines-1)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
