// Package bodystructure renders a parsed message tree into the IMAP body
// structure types and derives plaintext previews.
//
// Sizes and line counts come from the tree's recorded wire values, so the
// structure of a skeleton whose part content lives in the object store is
// identical to the structure of the original message.
package bodystructure

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
	"github.com/k3a/html2text"

	"github.com/migadu/crake/envelope"
	"github.com/migadu/crake/mimetree"
)

// Extract builds the body structure for node. With extended set, the
// BODYSTRUCTURE extension fields (disposition, language, location) are
// filled in as well; otherwise only the basic BODY fields are produced.
func Extract(node *mimetree.Node, extended bool) imap.BodyStructure {
	if node.IsMultipart() {
		multipart := &imap.BodyStructureMultiPart{
			Subtype: strings.TrimPrefix(node.ContentType, "multipart/"),
		}
		for _, child := range node.ChildNodes {
			multipart.Children = append(multipart.Children, Extract(child, extended))
		}
		if extended {
			multipart.Extended = &imap.BodyStructureMultiPartExt{
				Params:      node.ContentTypeParams,
				Disposition: extractDisposition(node),
				Language:    contentLanguage(node),
				Location:    node.ParsedHeader.First("Content-Location"),
			}
		}
		return multipart
	}

	primaryType, subType, _ := strings.Cut(node.ContentType, "/")
	singlePart := &imap.BodyStructureSinglePart{
		Type:        primaryType,
		Subtype:     subType,
		Params:      node.ContentTypeParams,
		ID:          node.ParsedHeader.First("Content-Id"),
		Description: node.ParsedHeader.First("Content-Description"),
		Encoding:    node.Encoding,
		Size:        uint32(node.Size),
	}
	if node.Message != nil {
		singlePart.MessageRFC822 = &imap.BodyStructureMessageRFC822{
			Envelope:      envelope.Extract(node.Message),
			BodyStructure: Extract(node.Message, extended),
			NumLines:      node.LineCount,
		}
	}
	if primaryType == "text" {
		singlePart.Text = &imap.BodyStructureText{NumLines: node.LineCount}
	}
	if extended {
		singlePart.Extended = &imap.BodyStructureSinglePartExt{
			Disposition: extractDisposition(node),
			Language:    contentLanguage(node),
			Location:    node.ParsedHeader.First("Content-Location"),
		}
	}
	return singlePart
}

// Validate walks a body structure and rejects shapes that cannot be
// serialized, such as a multipart without children.
func Validate(bs imap.BodyStructure) error {
	switch part := bs.(type) {
	case *imap.BodyStructureMultiPart:
		if len(part.Children) == 0 {
			return fmt.Errorf("multipart/%s has no children", part.Subtype)
		}
		for i, child := range part.Children {
			if err := Validate(child); err != nil {
				return fmt.Errorf("invalid child %d: %w", i, err)
			}
		}
	case *imap.BodyStructureSinglePart:
		if part.MessageRFC822 != nil && part.MessageRFC822.BodyStructure != nil {
			if err := Validate(part.MessageRFC822.BodyStructure); err != nil {
				return fmt.Errorf("invalid embedded message: %w", err)
			}
		}
	}
	return nil
}

// TextPreview returns a plaintext rendering of the message body, taken from
// the first text/plain part, or converted from the first text/html part when
// no plaintext exists. Parts whose content has been moved to the object
// store are skipped; callers wanting a preview compute it before
// externalizing. The result is truncated to limit bytes on a rune boundary;
// limit <= 0 means no truncation.
func TextPreview(node *mimetree.Node, limit int) string {
	var plain, html *mimetree.Node
	node.Walk(func(n *mimetree.Node) bool {
		if len(n.Body) == 0 {
			return true
		}
		switch n.ContentType {
		case "text/plain":
			if plain == nil {
				plain = n
			}
		case "text/html":
			if html == nil {
				html = n
			}
		}
		return plain == nil
	})

	var preview string
	switch {
	case plain != nil:
		preview = string(decodeContent(plain.Body, plain.Encoding))
	case html != nil:
		preview = html2text.HTML2Text(string(decodeContent(html.Body, html.Encoding)))
	default:
		return ""
	}
	return truncate(preview, limit)
}

func extractDisposition(node *mimetree.Node) *imap.BodyStructureDisposition {
	if node.Disposition == "" {
		return nil
	}
	return &imap.BodyStructureDisposition{
		Value:  node.Disposition,
		Params: node.DispositionParams,
	}
}

func contentLanguage(node *mimetree.Node) []string {
	v := node.ParsedHeader.First("Content-Language")
	if v == "" {
		return nil
	}
	langs := strings.Split(v, ",")
	for i, lang := range langs {
		langs[i] = strings.TrimSpace(lang)
	}
	return langs
}

// decodeContent reverses the part's transfer encoding. Decoding is best
// effort: a malformed tail yields the bytes decoded so far, and an
// unrecognized encoding passes the wire bytes through.
func decodeContent(body []byte, encoding string) []byte {
	var r io.Reader
	switch encoding {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, bytes.NewReader(body))
	case "quoted-printable":
		r = quotedprintable.NewReader(bytes.NewReader(body))
	default:
		return body
	}
	decoded, err := io.ReadAll(r)
	if err != nil && len(decoded) == 0 {
		return body
	}
	return decoded
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[:limit]
	for i := 0; i < utf8.UTFMax-1 && len(s) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
