package indexer

import (
	"context"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/crake/mimetree"
)

// Selector is one of the six IMAP section selector kinds. Each variant
// carries only the fields its kind needs, so illegal combinations are not
// representable. All variants carry the optional dotted section path.
type Selector interface {
	selectorPath() string
}

// ContentSelector addresses BODY[] (empty path) or BODY[path].
type ContentSelector struct {
	Path string
}

// HeaderSelector addresses BODY[HEADER] or BODY[path.HEADER].
type HeaderSelector struct {
	Path string
}

// HeaderFieldsSelector addresses BODY[path.HEADER.FIELDS (names...)].
type HeaderFieldsSelector struct {
	Path   string
	Fields []string
}

// HeaderFieldsNotSelector addresses BODY[path.HEADER.FIELDS.NOT (names...)].
type HeaderFieldsNotSelector struct {
	Path   string
	Fields []string
}

// MIMESelector addresses BODY[path.MIME].
type MIMESelector struct {
	Path string
}

// TextSelector addresses BODY[TEXT] or BODY[path.TEXT].
type TextSelector struct {
	Path string
}

func (s *ContentSelector) selectorPath() string         { return s.Path }
func (s *HeaderSelector) selectorPath() string          { return s.Path }
func (s *HeaderFieldsSelector) selectorPath() string    { return s.Path }
func (s *HeaderFieldsNotSelector) selectorPath() string { return s.Path }
func (s *MIMESelector) selectorPath() string            { return s.Path }
func (s *TextSelector) selectorPath() string            { return s.Path }

// ParseSelector maps a textual selector type ("", "content", "header",
// "header.fields", "header.fields.not", "mime", "text") to its variant.
// Unknown types return nil, which Select treats as an empty selection.
func ParseSelector(path, typ string, fields []string) Selector {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "content":
		return &ContentSelector{Path: path}
	case "header":
		return &HeaderSelector{Path: path}
	case "header.fields":
		return &HeaderFieldsSelector{Path: path, Fields: fields}
	case "header.fields.not":
		return &HeaderFieldsNotSelector{Path: path, Fields: fields}
	case "mime":
		return &MIMESelector{Path: path}
	case "text":
		return &TextSelector{Path: path}
	default:
		return nil
	}
}

// FromFetchItem converts a go-imap BODY[...] fetch item into a Selector.
func FromFetchItem(item *imap.FetchItemBodySection) Selector {
	if item == nil {
		return nil
	}
	path := make([]string, len(item.Part))
	for i, p := range item.Part {
		path[i] = strconv.Itoa(p)
	}
	joined := strings.Join(path, ".")

	switch {
	case len(item.HeaderFields) > 0:
		return &HeaderFieldsSelector{Path: joined, Fields: item.HeaderFields}
	case len(item.HeaderFieldsNot) > 0:
		return &HeaderFieldsNotSelector{Path: joined, Fields: item.HeaderFieldsNot}
	}
	switch item.Specifier {
	case imap.PartSpecifierNone:
		return &ContentSelector{Path: joined}
	case imap.PartSpecifierHeader:
		return &HeaderSelector{Path: joined}
	case imap.PartSpecifierMIME:
		return &MIMESelector{Path: joined}
	case imap.PartSpecifierText:
		return &TextSelector{Path: joined}
	default:
		return nil
	}
}

var empty = &Buffered{}

// Select resolves and serves an IMAP section selector against a tree.
// Content and text selections come back as a *Streamed with the declared
// length precomputed; header style selections come back as a *Buffered.
// A missing part, an unresolvable path, or a nil selector yields an empty
// buffered result, never an error: IMAP treats absent sections as empty.
func (ix *Indexer) Select(ctx context.Context, tree *mimetree.Node, sel Selector) Content {
	if tree == nil || sel == nil {
		return empty
	}

	path := strings.TrimSpace(sel.selectorPath())
	node := tree.Resolve(path)
	if node == nil {
		return empty
	}

	switch s := sel.(type) {
	case *ContentSelector:
		if path == "" {
			return ix.Rebuild(ctx, tree, false)
		}
		return ix.Rebuild(ctx, node, true)

	case *HeaderSelector:
		if path == "" {
			return &Buffered{Data: headerBlock(FilterHeaders(tree.Header))}
		}
		if node.Message != nil {
			return &Buffered{Data: headerBlock(FilterHeaders(node.Message.Header))}
		}
		return empty

	case *HeaderFieldsSelector:
		return &Buffered{Data: headerBlock(selectFieldLines(node.Header, s.Fields, false))}

	case *HeaderFieldsNotSelector:
		return &Buffered{Data: headerBlock(selectFieldLines(node.Header, s.Fields, true))}

	case *MIMESelector:
		return &Buffered{Data: headerBlock(FilterHeaders(node.Header))}

	case *TextSelector:
		if path == "" {
			return ix.Rebuild(ctx, tree, true)
		}
		if node.Message != nil {
			return ix.Rebuild(ctx, node.Message, true)
		}
		return empty

	default:
		return empty
	}
}
