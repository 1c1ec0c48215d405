package bodystructure

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/crake/mimetree"
)

func parseMessage(t *testing.T, raw string) *mimetree.Node {
	t.Helper()
	node, err := mimetree.Parse([]byte(raw))
	require.NoError(t, err)
	return node
}

func TestExtractSinglePart(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Subject: plain message",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"First line.",
		"Second line.",
	}, "\r\n")

	bs := Extract(parseMessage(t, raw), false)
	single, ok := bs.(*imap.BodyStructureSinglePart)
	require.True(t, ok, "expected single part, got %T", bs)

	assert.Equal(t, "text", single.Type)
	assert.Equal(t, "plain", single.Subtype)
	assert.Equal(t, "utf-8", single.Params["charset"])
	assert.Equal(t, uint32(len("First line.\r\nSecond line.")), single.Size)
	require.NotNil(t, single.Text)
	assert.Equal(t, int64(2), single.Text.NumLines)
	assert.Nil(t, single.Extended)
}

func TestExtractMultipartWithAttachment(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"To: bob@example.net",
		"Subject: with attachment",
		"Content-Type: multipart/mixed; boundary=\"frontier\"",
		"",
		"--frontier",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Body text here.",
		"--frontier",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"Content-Id: <pdf-1@example.com>",
		"",
		"JVBERi0xLjQKJcTl",
		"--frontier--",
	}, "\r\n")

	bs := Extract(parseMessage(t, raw), true)
	multi, ok := bs.(*imap.BodyStructureMultiPart)
	require.True(t, ok, "expected multipart, got %T", bs)

	assert.Equal(t, "mixed", multi.Subtype)
	require.NotNil(t, multi.Extended)
	assert.Equal(t, "frontier", multi.Extended.Params["boundary"])
	require.Len(t, multi.Children, 2)

	text, ok := multi.Children[0].(*imap.BodyStructureSinglePart)
	require.True(t, ok)
	assert.Equal(t, "text", text.Type)
	assert.Equal(t, uint32(len("Body text here.")), text.Size)
	require.NotNil(t, text.Extended)
	assert.Nil(t, text.Extended.Disposition)

	pdf, ok := multi.Children[1].(*imap.BodyStructureSinglePart)
	require.True(t, ok)
	assert.Equal(t, "application", pdf.Type)
	assert.Equal(t, "pdf", pdf.Subtype)
	assert.Equal(t, "base64", pdf.Encoding)
	assert.Equal(t, "<pdf-1@example.com>", pdf.ID)
	assert.Equal(t, uint32(len("JVBERi0xLjQKJcTl")), pdf.Size)
	assert.Nil(t, pdf.Text)
	require.NotNil(t, pdf.Extended)
	require.NotNil(t, pdf.Extended.Disposition)
	assert.Equal(t, "attachment", pdf.Extended.Disposition.Value)
	assert.Equal(t, "report.pdf", pdf.Extended.Disposition.Params["filename"])
}

func TestExtractEmbeddedMessage(t *testing.T) {
	inner := strings.Join([]string{
		"From: inner@example.com",
		"To: dest@example.org",
		"Subject: inner subject",
		"Content-Type: text/plain",
		"",
		"Inner body.",
	}, "\r\n")
	raw := strings.Join([]string{
		"From: outer@example.com",
		"Subject: fwd",
		"Content-Type: multipart/mixed; boundary=\"mb\"",
		"",
		"--mb",
		"Content-Type: text/plain",
		"",
		"Forwarding below.",
		"--mb",
		"Content-Type: message/rfc822",
		"",
		inner,
		"--mb--",
	}, "\r\n")

	bs := Extract(parseMessage(t, raw), false)
	multi, ok := bs.(*imap.BodyStructureMultiPart)
	require.True(t, ok)
	require.Len(t, multi.Children, 2)

	rfc822, ok := multi.Children[1].(*imap.BodyStructureSinglePart)
	require.True(t, ok)
	assert.Equal(t, "message", rfc822.Type)
	assert.Equal(t, "rfc822", rfc822.Subtype)
	assert.Equal(t, uint32(len(inner)), rfc822.Size)

	require.NotNil(t, rfc822.MessageRFC822)
	require.NotNil(t, rfc822.MessageRFC822.Envelope)
	assert.Equal(t, "inner subject", rfc822.MessageRFC822.Envelope.Subject)

	innerBS, ok := rfc822.MessageRFC822.BodyStructure.(*imap.BodyStructureSinglePart)
	require.True(t, ok)
	assert.Equal(t, "text", innerBS.Type)
	assert.Equal(t, uint32(len("Inner body.")), innerBS.Size)
}

func TestExtractContentLanguage(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: text/plain",
		"Content-Language: en-US, de-DE",
		"Content-Location: http://example.com/part1",
		"",
		"hello",
	}, "\r\n")

	bs := Extract(parseMessage(t, raw), true)
	single := bs.(*imap.BodyStructureSinglePart)
	require.NotNil(t, single.Extended)
	assert.Equal(t, []string{"en-US", "de-DE"}, single.Extended.Language)
	assert.Equal(t, "http://example.com/part1", single.Extended.Location)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		bs      imap.BodyStructure
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid single part",
			bs: &imap.BodyStructureSinglePart{
				Type:    "text",
				Subtype: "plain",
			},
			wantErr: false,
		},
		{
			name: "valid multipart with children",
			bs: &imap.BodyStructureMultiPart{
				Subtype: "mixed",
				Children: []imap.BodyStructure{
					&imap.BodyStructureSinglePart{Type: "text", Subtype: "plain"},
					&imap.BodyStructureSinglePart{Type: "text", Subtype: "html"},
				},
			},
			wantErr: false,
		},
		{
			name: "multipart with no children",
			bs: &imap.BodyStructureMultiPart{
				Subtype:  "mixed",
				Children: []imap.BodyStructure{},
			},
			wantErr: true,
			errMsg:  "no children",
		},
		{
			name: "nested multipart with empty child",
			bs: &imap.BodyStructureMultiPart{
				Subtype: "alternative",
				Children: []imap.BodyStructure{
					&imap.BodyStructureMultiPart{
						Subtype:  "mixed",
						Children: []imap.BodyStructure{},
					},
				},
			},
			wantErr: true,
			errMsg:  "invalid child 0",
		},
		{
			name: "valid message/rfc822",
			bs: &imap.BodyStructureSinglePart{
				Type:    "message",
				Subtype: "rfc822",
				MessageRFC822: &imap.BodyStructureMessageRFC822{
					BodyStructure: &imap.BodyStructureSinglePart{
						Type:    "text",
						Subtype: "plain",
					},
				},
			},
			wantErr: false,
		},
		{
			name: "message/rfc822 with empty embedded multipart",
			bs: &imap.BodyStructureSinglePart{
				Type:    "message",
				Subtype: "rfc822",
				MessageRFC822: &imap.BodyStructureMessageRFC822{
					BodyStructure: &imap.BodyStructureMultiPart{
						Subtype:  "mixed",
						Children: []imap.BodyStructure{},
					},
				},
			},
			wantErr: true,
			errMsg:  "invalid embedded message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.bs)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTextPreviewPrefersPlaintext(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: multipart/alternative; boundary=\"alt\"",
		"",
		"--alt",
		"Content-Type: text/html",
		"",
		"<b>Hello</b> world",
		"--alt",
		"Content-Type: text/plain",
		"",
		"Plain wins.",
		"--alt--",
	}, "\r\n")

	preview := TextPreview(parseMessage(t, raw), 0)
	assert.Equal(t, "Plain wins.", preview)
}

func TestTextPreviewFallsBackToHTML(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: text/html",
		"",
		"<html><body><b>Hello</b> world</body></html>",
	}, "\r\n")

	preview := TextPreview(parseMessage(t, raw), 0)
	assert.Contains(t, preview, "Hello world")
}

func TestTextPreviewDecodesQuotedPrintable(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Caf=C3=A9 au lait",
	}, "\r\n")

	preview := TextPreview(parseMessage(t, raw), 0)
	assert.Equal(t, "Café au lait", preview)
}

func TestTextPreviewTruncatesOnRuneBoundary(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: text/plain; charset=utf-8",
		"",
		"aéé",
	}, "\r\n")

	// "aéé" is five bytes; a four byte limit falls inside the last rune.
	preview := TextPreview(parseMessage(t, raw), 4)
	assert.Equal(t, "aé", preview)
}

func TestTextPreviewEmptyWithoutTextParts(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: application/octet-stream",
		"Content-Transfer-Encoding: base64",
		"",
		"AAEC",
	}, "\r\n")

	preview := TextPreview(parseMessage(t, raw), 0)
	assert.Equal(t, "", preview)
}

func TestTextPreviewSkipsExternalizedPart(t *testing.T) {
	raw := strings.Join([]string{
		"Content-Type: text/plain",
		"",
		"soon to move",
	}, "\r\n")

	node := parseMessage(t, raw)
	node.Body = nil

	assert.Equal(t, "", TextPreview(node, 0))
}
