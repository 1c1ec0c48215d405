package indexer

import (
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/crake/mimetree"
)

func selectBytes(t *testing.T, tree *mimetree.Node, sel Selector) string {
	t.Helper()
	data, err := BufferContent(NewIndexer(nil).Select(context.Background(), tree, sel))
	require.NoError(t, err)
	return string(data)
}

func TestSelectContent(t *testing.T) {
	tree := mustParse(t, nestedMessage)

	assert.Equal(t, nestedMessage, selectBytes(t, tree, &ContentSelector{}),
		"empty path serves the whole message")
	assert.Equal(t, "covering note", selectBytes(t, tree, &ContentSelector{Path: "1"}))
	assert.Equal(t, "Subject: inner\r\nContent-Type: text/plain\r\n\r\ninner body",
		selectBytes(t, tree, &ContentSelector{Path: "2"}),
		"a message/rfc822 part serves the embedded message in full")
}

func TestSelectContentOfLeafMessage(t *testing.T) {
	tree := mustParse(t, simpleMessage)
	assert.Equal(t, "Hello", selectBytes(t, tree, &ContentSelector{Path: "1"}),
		"part 1 of a non-multipart message is its body")
}

func TestSelectHeader(t *testing.T) {
	tree := mustParse(t, nestedMessage)

	assert.Equal(t, "Subject: outer\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n",
		selectBytes(t, tree, &HeaderSelector{}))
	assert.Equal(t, "Subject: inner\r\nContent-Type: text/plain\r\n\r\n",
		selectBytes(t, tree, &HeaderSelector{Path: "2"}),
		"header of an rfc822 part redirects into the embedded message")
	assert.Empty(t, selectBytes(t, tree, &HeaderSelector{Path: "1"}),
		"header of a plain part is only defined for embedded messages")
}

func TestSelectHeaderFields(t *testing.T) {
	tree := mustParse(t, nestedMessage)

	tests := []struct {
		name string
		sel  Selector
		want string
	}{
		{
			"single field",
			&HeaderFieldsSelector{Fields: []string{"subject"}},
			"Subject: outer\r\n\r\n",
		},
		{
			"case insensitive, wire order preserved",
			&HeaderFieldsSelector{Fields: []string{"CONTENT-TYPE", "Subject"}},
			"Subject: outer\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n",
		},
		{
			"empty set yields just the blank line",
			&HeaderFieldsSelector{},
			"\r\n\r\n",
		},
		{
			"unknown field yields just the blank line",
			&HeaderFieldsSelector{Fields: []string{"x-nonexistent"}},
			"\r\n\r\n",
		},
		{
			"not with field",
			&HeaderFieldsNotSelector{Fields: []string{"subject"}},
			"Content-Type: multipart/mixed; boundary=B\r\n\r\n",
		},
		{
			"not with empty set yields all lines",
			&HeaderFieldsNotSelector{},
			"Subject: outer\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, selectBytes(t, tree, tc.sel))
		})
	}
}

func TestSelectHeaderFieldsNeverLeakMarkers(t *testing.T) {
	node := externalNode("s3://bucket/att/x", true, 4)
	tree := &mimetree.Node{
		Header:       []string{"Content-Type: multipart/mixed; boundary=M"},
		ParsedHeader: mimetree.ParsedHeader{"content-type": {"multipart/mixed; boundary=M"}},
		ContentType:  "multipart/mixed",
		Boundary:     "M",
		ChildNodes:   []*mimetree.Node{node},
	}

	got := selectBytes(t, tree, &HeaderFieldsSelector{Path: "1", Fields: []string{"x-attachment-stream-url"}})
	assert.Equal(t, "\r\n\r\n", got, "marker lines are internal and must not be selectable")

	got = selectBytes(t, tree, &HeaderFieldsNotSelector{Path: "1"})
	assert.NotContains(t, got, "X-Attachment-Stream")

	got = selectBytes(t, tree, &MIMESelector{Path: "1"})
	assert.NotContains(t, got, "X-Attachment-Stream")
}

func TestSelectMIME(t *testing.T) {
	tree := mustParse(t, nestedMessage)

	assert.Equal(t, "Content-Type: text/plain\r\n\r\n",
		selectBytes(t, tree, &MIMESelector{Path: "1"}))
	assert.Equal(t, "Content-Type: message/rfc822\r\n\r\n",
		selectBytes(t, tree, &MIMESelector{Path: "2"}),
		"MIME serves the part's own headers, not the embedded message's")
	assert.Equal(t, "Subject: outer\r\nContent-Type: multipart/mixed; boundary=B\r\n\r\n",
		selectBytes(t, tree, &MIMESelector{}))
}

func TestSelectText(t *testing.T) {
	tree := mustParse(t, nestedMessage)

	wantRootText := "--B\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"covering note\r\n" +
		"--B\r\n" +
		"Content-Type: message/rfc822\r\n" +
		"\r\n" +
		"Subject: inner\r\nContent-Type: text/plain\r\n\r\ninner body\r\n" +
		"--B--\r\n"
	assert.Equal(t, wantRootText, selectBytes(t, tree, &TextSelector{}))

	assert.Equal(t, "inner body", selectBytes(t, tree, &TextSelector{Path: "2"}),
		"text of an rfc822 part is the embedded message's body")
	assert.Empty(t, selectBytes(t, tree, &TextSelector{Path: "1"}))
}

func TestSelectMisses(t *testing.T) {
	tree := mustParse(t, nestedMessage)

	tests := []struct {
		name string
		sel  Selector
	}{
		{"unresolved deep path", &ContentSelector{Path: "9.9"}},
		{"unresolved path on header", &HeaderSelector{Path: "5"}},
		{"descend into leaf of embedded message", &ContentSelector{Path: "2.1"}},
		{"nil selector", nil},
		{"unknown type", ParseSelector("", "bogus", nil)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := NewIndexer(nil).Select(context.Background(), tree, tc.sel)
			buffered, ok := res.(*Buffered)
			require.True(t, ok, "miss must be a synchronous empty result")
			assert.Empty(t, buffered.Data)
		})
	}
}

func TestSelectResultShapes(t *testing.T) {
	tree := mustParse(t, nestedMessage)
	ix := NewIndexer(nil)

	res := ix.Select(context.Background(), tree, &ContentSelector{})
	streamed, ok := res.(*Streamed)
	require.True(t, ok, "content selections stream")
	require.NoError(t, streamed.Reader.Close())

	res = ix.Select(context.Background(), tree, &HeaderSelector{})
	_, ok = res.(*Buffered)
	assert.True(t, ok, "header selections are buffered")
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		typ  string
		want Selector
	}{
		{"", &ContentSelector{Path: "1"}},
		{"content", &ContentSelector{Path: "1"}},
		{"CONTENT", &ContentSelector{Path: "1"}},
		{"header", &HeaderSelector{Path: "1"}},
		{"header.fields", &HeaderFieldsSelector{Path: "1", Fields: []string{"a"}}},
		{"header.fields.not", &HeaderFieldsNotSelector{Path: "1", Fields: []string{"a"}}},
		{"mime", &MIMESelector{Path: "1"}},
		{"text", &TextSelector{Path: "1"}},
		{"bogus", nil},
	}
	for _, tc := range tests {
		t.Run(tc.typ, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseSelector("1", tc.typ, []string{"a"}))
		})
	}
}

func TestFromFetchItem(t *testing.T) {
	tests := []struct {
		name string
		item *imap.FetchItemBodySection
		want Selector
	}{
		{"nil", nil, nil},
		{"whole body", &imap.FetchItemBodySection{}, &ContentSelector{}},
		{"part path", &imap.FetchItemBodySection{Part: []int{1, 2}}, &ContentSelector{Path: "1.2"}},
		{
			"header",
			&imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader},
			&HeaderSelector{},
		},
		{
			"header fields",
			&imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, HeaderFields: []string{"Subject", "From"}},
			&HeaderFieldsSelector{Fields: []string{"Subject", "From"}},
		},
		{
			"header fields not",
			&imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, HeaderFieldsNot: []string{"Received"}},
			&HeaderFieldsNotSelector{Fields: []string{"Received"}},
		},
		{
			"mime of part",
			&imap.FetchItemBodySection{Specifier: imap.PartSpecifierMIME, Part: []int{2}},
			&MIMESelector{Path: "2"},
		},
		{
			"text of part",
			&imap.FetchItemBodySection{Specifier: imap.PartSpecifierText, Part: []int{2}},
			&TextSelector{Path: "2"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromFetchItem(tc.item))
		})
	}
}
