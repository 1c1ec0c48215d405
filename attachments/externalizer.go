// Package attachments moves large message part content out of the parsed
// tree and into the object store at ingest time.
//
// Eligible parts are leaves whose local body meets the configured size
// threshold. Base64 parts whose wire form matches the canonical 76 column
// CRLF wrapping are stored decoded and re-encoded on read; everything else
// is stored verbatim and marked as already wire encoded. Either way the
// node's declared size keeps its wire value, so estimated and rebuilt
// lengths are unaffected by where the content lives.
//
// Objects are content addressed (att/<blake3>), so identical attachments
// across messages share one stored object and uploads are skipped when the
// object already exists.
package attachments

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/emersion/go-textwrapper"

	"github.com/migadu/crake/helpers"
	"github.com/migadu/crake/mimetree"
	"github.com/migadu/crake/pkg/metrics"
	"github.com/migadu/crake/storage"
)

// Store is the object store surface the externalizer needs.
// *storage.S3Storage satisfies it.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// StoredPart describes one externalized part.
type StoredPart struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`    // stored object size, decoded form when applicable
	Encoded bool   `json:"encoded"` // stored in wire transfer encoding
	Deduped bool   `json:"deduped"` // object already existed, upload skipped
}

// Externalizer uploads oversized part content and rewrites the owning
// nodes to point at the stored objects.
type Externalizer struct {
	store     Store
	bucket    string
	threshold int64
}

// New returns an externalizer storing content above threshold bytes.
// A threshold of zero or less externalizes every non-empty leaf.
func New(store Store, bucket string, threshold int64) *Externalizer {
	return &Externalizer{store: store, bucket: bucket, threshold: threshold}
}

// Externalize walks the tree and moves every eligible part's content to the
// object store, mutating the nodes in place. On error the tree is left
// partially rewritten and must be discarded; already uploaded objects are
// content addressed and harmless.
func (ex *Externalizer) Externalize(ctx context.Context, tree *mimetree.Node) ([]StoredPart, error) {
	var parts []StoredPart
	var failed error
	tree.Walk(func(n *mimetree.Node) bool {
		if !ex.eligible(n) {
			return true
		}
		part, err := ex.externalizeNode(ctx, n)
		if err != nil {
			failed = err
			return false
		}
		parts = append(parts, *part)
		return true
	})
	if failed != nil {
		return nil, failed
	}
	return parts, nil
}

// eligible selects leaf nodes holding a local body of at least threshold
// bytes. Multiparts and embedded messages are containers, not candidates.
func (ex *Externalizer) eligible(n *mimetree.Node) bool {
	if len(n.ChildNodes) > 0 || n.Message != nil {
		return false
	}
	if len(n.Body) == 0 || n.AttachmentURL() != "" {
		return false
	}
	return int64(len(n.Body)) >= ex.threshold
}

func (ex *Externalizer) externalizeNode(ctx context.Context, n *mimetree.Node) (*StoredPart, error) {
	content := n.Body
	encoded := true
	if n.Encoding == "base64" {
		if decoded, ok := canonicalBase64(content); ok {
			content = decoded
			encoded = false
		}
	}

	hash := storage.ContentHash(content)
	key := helpers.NewAttachmentKey(hash)

	exists, err := ex.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("probe attachment %s: %w", key, err)
	}
	if !exists {
		if err := ex.store.Put(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
			return nil, fmt.Errorf("store attachment %s: %w", key, err)
		}
	}

	url := fmt.Sprintf("s3://%s/%s", ex.bucket, key)
	n.SetExternalContent(url, encoded)

	form := "decoded"
	if encoded {
		form = "encoded"
	}
	metrics.PartsExternalizedTotal.WithLabelValues(form).Inc()

	return &StoredPart{
		Key:     key,
		URL:     url,
		Size:    int64(len(content)),
		Encoded: encoded,
		Deduped: exists,
	}, nil
}

// canonicalBase64 decodes wire and reports whether re-encoding the result
// with 76 column CRLF wrapping reproduces wire exactly. Only such parts may
// be stored decoded: the rebuild encoder applies that same wrapping, and
// anything else (odd line widths, stray whitespace, trailing breaks) would
// come back byte-different.
func canonicalBase64(wire []byte) ([]byte, bool) {
	decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(wire)))
	if err != nil || len(decoded) == 0 {
		return nil, false
	}

	var buf bytes.Buffer
	enc := base64.NewEncoder(base64.StdEncoding, textwrapper.NewRFC822(&buf))
	if _, err := enc.Write(decoded); err != nil {
		return nil, false
	}
	if err := enc.Close(); err != nil {
		return nil, false
	}
	if !bytes.Equal(buf.Bytes(), wire) {
		return nil, false
	}
	return decoded, true
}
