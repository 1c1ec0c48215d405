package mimetree

import (
	"bytes"
	"errors"
	"mime"
	"strings"
)

// ErrEmptyMessage is returned by Parse for zero-length input.
var ErrEmptyMessage = errors.New("empty message")

// Nesting deeper than this is kept as opaque leaf content instead of being
// parsed further. Far beyond anything seen in legitimate mail.
const maxNestingDepth = 64

var crlf = []byte("\r\n")

// Parse builds a MIME tree from raw message bytes. Line endings are
// normalized to CRLF first, so the tree (and everything rebuilt from it) is
// always in IMAP wire form.
//
// The parser is tolerant: malformed headers become plain lines, a multipart
// body without a recognizable boundary is kept as leaf content, and nested
// message/rfc822 parts that fail to parse keep their raw bytes. Multipart
// preambles and epilogues are dropped, so serialization is canonical: a
// reparse of rebuilt output yields the identical tree.
func Parse(raw []byte) (*Node, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	return parseEntity(normalizeCRLF(raw), "", 0), nil
}

func parseEntity(raw []byte, parentType string, depth int) *Node {
	headerBlock, body := splitHeaderBody(raw)
	lines := splitHeaderLines(headerBlock)

	node := &Node{
		Header:       lines,
		ParsedHeader: parseHeaderLines(lines),
	}

	mediaType := ""
	var params map[string]string
	if ct := node.ParsedHeader.First("content-type"); ct != "" {
		if mt, p, err := mime.ParseMediaType(ct); err == nil {
			mediaType, params = strings.ToLower(mt), p
		}
	}
	if mediaType == "" {
		// RFC 2046 5.1.5: parts of a multipart/digest default to
		// message/rfc822, everything else to text/plain.
		if parentType == "multipart/digest" {
			mediaType = "message/rfc822"
		} else {
			mediaType = "text/plain"
		}
	}
	node.ContentType = mediaType
	node.ContentTypeParams = params

	node.Encoding = strings.ToLower(strings.TrimSpace(node.ParsedHeader.First("content-transfer-encoding")))
	if cd := node.ParsedHeader.First("content-disposition"); cd != "" {
		if disp, p, err := mime.ParseMediaType(cd); err == nil {
			node.Disposition = strings.ToLower(disp)
			node.DispositionParams = p
		}
	}

	boundary := ""
	if params != nil {
		boundary = params["boundary"]
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/") && boundary != "" && depth < maxNestingDepth:
		node.Boundary = boundary
		for _, part := range splitMultipart(body, boundary) {
			node.ChildNodes = append(node.ChildNodes, parseEntity(part, mediaType, depth+1))
		}
		if len(node.ChildNodes) == 0 {
			// No delimiter ever matched; keep the body as opaque
			// content rather than dropping it.
			node.Boundary = ""
			setLeafContent(node, body)
		}
	case mediaType == "message/rfc822" && depth < maxNestingDepth:
		setLeafContent(node, body)
		if len(body) > 0 {
			node.Message = parseEntity(body, "", depth+1)
		}
	default:
		setLeafContent(node, body)
	}
	return node
}

func setLeafContent(node *Node, body []byte) {
	if len(body) == 0 {
		return
	}
	node.Body = body
	node.Size = int64(len(body))
	node.LineCount = countLines(body)
}

// splitHeaderBody cuts raw at the first blank line. The returned header
// block keeps each line's CRLF terminator; the blank separator line itself
// belongs to neither half.
func splitHeaderBody(raw []byte) (header, body []byte) {
	if bytes.HasPrefix(raw, crlf) {
		return nil, raw[2:]
	}
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+2], raw[i+4:]
	}
	return raw, nil
}

// splitHeaderLines folds the physical lines of a header block into logical
// lines: a continuation line (leading space or tab) is appended to its
// predecessor with the fold break kept in place, so joining the result with
// CRLF restores the block byte for byte.
func splitHeaderLines(block []byte) []string {
	if len(block) == 0 {
		return nil
	}
	var lines []string
	for _, physical := range bytes.Split(bytes.TrimSuffix(block, crlf), crlf) {
		line := string(physical)
		if len(lines) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			lines[len(lines)-1] += "\r\n" + line
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func parseHeaderLines(lines []string) ParsedHeader {
	parsed := make(ParsedHeader, len(lines))
	for _, line := range lines {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value := strings.TrimSpace(strings.ReplaceAll(rest, "\r\n", ""))
		parsed.Add(strings.TrimSpace(name), value)
	}
	return parsed
}

// splitMultipart returns the raw byte ranges of the body parts delimited by
// "--boundary" lines. The CRLF preceding a delimiter belongs to the
// delimiter, not to the part. Preamble (before the first delimiter) and
// epilogue (after the closing delimiter) are discarded. A missing closing
// delimiter ends the last part at end of input.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := "--" + boundary
	closeDelim := delim + "--"

	var parts [][]byte
	partStart := -1

	pos := 0
	for pos <= len(body) {
		lineStart := pos
		var line []byte
		if i := bytes.Index(body[pos:], crlf); i >= 0 {
			line = body[pos : pos+i]
			pos += i + 2
		} else {
			line = body[pos:]
			pos = len(body) + 1
		}

		trimmed := strings.TrimRight(string(line), " \t")
		if trimmed != delim && trimmed != closeDelim {
			continue
		}

		if partStart >= 0 {
			end := lineStart - 2
			if end < partStart {
				end = partStart
			}
			parts = append(parts, body[partStart:end])
		}
		if trimmed == closeDelim {
			return parts
		}
		// pos is past end of input when the delimiter had no line break.
		partStart = pos
		if partStart > len(body) {
			partStart = len(body)
		}
	}
	if partStart >= 0 {
		parts = append(parts, body[partStart:])
	}
	return parts
}

func countLines(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	n := int64(bytes.Count(b, crlf))
	if !bytes.HasSuffix(b, crlf) {
		n++
	}
	return n
}

// normalizeCRLF rewrites bare LF and bare CR line breaks to CRLF. Input
// that is already normalized is returned as-is.
func normalizeCRLF(raw []byte) []byte {
	needsFix := false
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\n':
			if i == 0 || raw[i-1] != '\r' {
				needsFix = true
			}
		case '\r':
			if i+1 >= len(raw) || raw[i+1] != '\n' {
				needsFix = true
			}
		}
		if needsFix {
			break
		}
	}
	if !needsFix {
		return raw
	}

	out := make([]byte, 0, len(raw)+64)
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\r':
			if i+1 < len(raw) && raw[i+1] == '\n' {
				i++
			}
			out = append(out, '\r', '\n')
		case '\n':
			out = append(out, '\r', '\n')
		default:
			out = append(out, raw[i])
		}
	}
	return out
}
