package indexer

import (
	"strings"

	"github.com/migadu/crake/mimetree"
)

// FilterHeaders returns the given header lines with internal attachment
// marker lines removed. The input is never mutated; filtering an already
// filtered sequence is a no-op.
func FilterHeaders(lines []string) []string {
	var out []string
	for _, line := range lines {
		if isMarkerLine(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

func isMarkerLine(line string) bool {
	prefix := mimetree.AttachmentStreamPrefix
	return len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix)
}

// headerLineName extracts the lower-cased header name of a logical header
// line, or the whole line when it carries no colon.
func headerLineName(line string) string {
	name, _, _ := strings.Cut(line, ":")
	return strings.ToLower(strings.TrimSpace(name))
}

// selectFieldLines keeps the filtered header lines whose name is (or, with
// invert, is not) in the given case-insensitive set.
func selectFieldLines(lines []string, fields []string, invert bool) []string {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[strings.ToLower(strings.TrimSpace(f))] = true
	}
	var out []string
	for _, line := range FilterHeaders(lines) {
		if want[headerLineName(line)] != invert {
			out = append(out, line)
		}
	}
	return out
}

// headerBlock renders header lines as a wire header block terminated by a
// blank line: every line CRLF terminated, then one empty line. An empty
// line set yields just the 4-byte blank line marker.
func headerBlock(lines []string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n\r\n")
}
