// Package mimetree defines the parsed MIME message tree consumed by the
// rebuild engine: one Node per MIME part, carrying the raw header lines in
// wire order, the parsed header map, and either locally held content, a set
// of child parts, or a marker pointing at externally stored content.
//
// Trees are built once per message by Parse, are read-only afterwards, and
// serialize to JSON so a message skeleton can be stored and reloaded without
// reparsing the original bytes. Content of externalized parts is not part of
// the tree; the rebuild engine fetches it on demand.
package mimetree

import (
	"strconv"
	"strings"
)

// Internal marker headers injected when a part's content is moved to the
// object store. They are bookkeeping only and are stripped before any header
// line reaches a wire consumer.
const (
	// AttachmentStreamPrefix is the case-insensitive header name prefix
	// shared by all internal attachment markers.
	AttachmentStreamPrefix = "x-attachment-stream-"

	// HeaderAttachmentURL carries the location of the externally stored
	// content (s3:// or http(s):// URL).
	HeaderAttachmentURL = "x-attachment-stream-url"

	// HeaderAttachmentEncoded is set to "YES" when the stored object is
	// already in the part's wire transfer encoding and must be streamed
	// through verbatim instead of being base64 encoded on the fly.
	HeaderAttachmentEncoded = "x-attachment-stream-encoded"
)

// ParsedHeader maps lower-cased header names to their unfolded values in
// order of appearance.
type ParsedHeader map[string][]string

// First returns the first value for the given header name, or "" when the
// header is absent. Name matching is case-insensitive.
func (h ParsedHeader) First(name string) string {
	values := h[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Values returns all values for the given header name in wire order.
func (h ParsedHeader) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Has reports whether at least one value exists for the given header name.
func (h ParsedHeader) Has(name string) bool {
	return len(h[strings.ToLower(name)]) > 0
}

// Add appends a value for the given header name, lower-casing the key.
func (h ParsedHeader) Add(name, value string) {
	key := strings.ToLower(name)
	h[key] = append(h[key], value)
}

// Node is one part of a parsed MIME tree.
//
// Header holds the logical header lines exactly as they appeared on the
// wire: a folded header occupies a single entry with its fold breaks
// ("\r\n" plus leading whitespace) embedded, so joining the entries with
// CRLF reproduces the original header block byte for byte.
//
// At most one of ChildNodes, Body, or an attachment URL marker is populated.
// Message carries the parsed sub-message of a message/rfc822 part; the
// part's raw bytes stay in Body so a full rebuild does not depend on the
// nested parse.
type Node struct {
	Header            []string          `json:"header,omitempty"`
	ParsedHeader      ParsedHeader      `json:"parsed_header,omitempty"`
	ContentType       string            `json:"content_type,omitempty"`
	ContentTypeParams map[string]string `json:"content_type_params,omitempty"`
	Encoding          string            `json:"encoding,omitempty"`
	Disposition       string            `json:"disposition,omitempty"`
	DispositionParams map[string]string `json:"disposition_params,omitempty"`
	Boundary          string            `json:"boundary,omitempty"`
	Body              []byte            `json:"body,omitempty"`
	ChildNodes        []*Node           `json:"child_nodes,omitempty"`
	Message           *Node             `json:"message,omitempty"`
	Size              int64             `json:"size"`
	LineCount         int64             `json:"line_count,omitempty"`
}

// AttachmentURL returns the externally stored content location, or "" when
// the node's content is local (or absent).
func (n *Node) AttachmentURL() string {
	return n.ParsedHeader.First(HeaderAttachmentURL)
}

// AttachmentEncoded reports whether externally stored content is already in
// wire transfer encoding. Only an affirmative "YES" (any case) counts.
func (n *Node) AttachmentEncoded() bool {
	v := strings.TrimSpace(n.ParsedHeader.First(HeaderAttachmentEncoded))
	return strings.EqualFold(v, "yes")
}

// HasContent reports whether the node contributes content bytes to a
// rebuild, either from its local body or from an external fetch.
func (n *Node) HasContent() bool {
	return len(n.Body) > 0 || n.AttachmentURL() != ""
}

// SetExternalContent drops the node's local body and records url as the
// content location, marking the stored object as already wire encoded when
// encoded is set. Size and LineCount keep their wire values; the injected
// marker lines never reach rebuilt output, so the node's contribution to a
// rebuild is unchanged.
func (n *Node) SetExternalContent(url string, encoded bool) {
	if n.ParsedHeader == nil {
		n.ParsedHeader = make(ParsedHeader)
	}
	n.Header = append(n.Header, "X-Attachment-Stream-Url: "+url)
	n.ParsedHeader.Add(HeaderAttachmentURL, url)
	if encoded {
		n.Header = append(n.Header, "X-Attachment-Stream-Encoded: YES")
		n.ParsedHeader.Add(HeaderAttachmentEncoded, "YES")
	}
	n.Body = nil
}

// IsMultipart reports whether the node is a multipart container.
func (n *Node) IsMultipart() bool {
	return strings.HasPrefix(n.ContentType, "multipart/")
}

// Resolve maps a dotted 1-based IMAP section path ("1.2.3") to a node in
// the tree. An empty path, or a bare "1" against a tree without children,
// denotes the tree itself. At each step a message/rfc822 indirection is
// followed before indexing into the child list. Any invalid segment, index
// out of range, or descent through a leaf returns nil; there are no partial
// results.
func (n *Node) Resolve(path string) *Node {
	path = strings.TrimSpace(path)
	if path == "" {
		return n
	}
	if path == "1" && len(n.ChildNodes) == 0 {
		return n
	}
	cur := n
	for _, seg := range strings.Split(path, ".") {
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 1 {
			return nil
		}
		if cur.Message != nil {
			cur = cur.Message
		}
		if idx > len(cur.ChildNodes) {
			return nil
		}
		cur = cur.ChildNodes[idx-1]
	}
	return cur
}

// PartCount returns the number of nodes in the tree, nested messages
// included.
func (n *Node) PartCount() int {
	count := 1
	for _, child := range n.ChildNodes {
		count += child.PartCount()
	}
	if n.Message != nil {
		count += n.Message.PartCount()
	}
	return count
}

// Walk visits the node and every descendant in pre-order, children before
// the nested message. Returning false from the visitor stops the walk.
func (n *Node) Walk(visit func(*Node) bool) bool {
	if !visit(n) {
		return false
	}
	for _, child := range n.ChildNodes {
		if !child.Walk(visit) {
			return false
		}
	}
	if n.Message != nil {
		return n.Message.Walk(visit)
	}
	return true
}
