package envelope

import (
	"strings"
	"testing"
	"time"

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

func TestExtractFullEnvelope(t *testing.T) {
	raw := strings.Join([]string{
		"Date: Tue, 25 Mar 2025 10:30:00 +0100",
		"From: Alice Example <alice@example.com>",
		"Sender: Postmaster <postmaster@example.com>",
		"Reply-To: Support <support@example.com>",
		"To: Bob <bob@example.net>, carol@example.org",
		"Cc: Dave <dave@example.com>",
		"Subject: Quarterly report",
		"Message-ID: <report-1@example.com>",
		"In-Reply-To: <request-7@example.net>",
		"Content-Type: text/plain",
		"",
		"See attached.",
	}, "\r\n")

	env := Extract(parseMessage(t, raw))
	require.NotNil(t, env)

	wantDate := time.Date(2025, time.March, 25, 10, 30, 0, 0, time.FixedZone("", 3600))
	assert.True(t, env.Date.Equal(wantDate), "date mismatch: %v", env.Date)
	assert.Equal(t, "Quarterly report", env.Subject)
	assert.Equal(t, "report-1@example.com", env.MessageID)
	assert.Equal(t, []string{"request-7@example.net"}, env.InReplyTo)

	require.Len(t, env.From, 1)
	assert.Equal(t, "Alice Example", env.From[0].Name)
	assert.Equal(t, "alice", env.From[0].Mailbox)
	assert.Equal(t, "example.com", env.From[0].Host)

	require.Len(t, env.Sender, 1)
	assert.Equal(t, "postmaster", env.Sender[0].Mailbox)

	require.Len(t, env.ReplyTo, 1)
	assert.Equal(t, "support", env.ReplyTo[0].Mailbox)

	require.Len(t, env.To, 2)
	assert.Equal(t, "Bob", env.To[0].Name)
	assert.Equal(t, "bob", env.To[0].Mailbox)
	assert.Equal(t, "example.net", env.To[0].Host)
	assert.Equal(t, "", env.To[1].Name)
	assert.Equal(t, "carol", env.To[1].Mailbox)

	require.Len(t, env.Cc, 1)
	assert.Empty(t, env.Bcc)
}

func TestExtractDefaultsSenderAndReplyToFromFrom(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"To: bob@example.net",
		"Subject: no sender header",
		"",
		"body",
	}, "\r\n")

	env := Extract(parseMessage(t, raw))

	require.Len(t, env.From, 1)
	assert.Equal(t, env.From, env.Sender)
	assert.Equal(t, env.From, env.ReplyTo)
}

func TestExtractDecodesEncodedSubject(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Subject: =?utf-8?q?Caf=C3=A9_menu?=",
		"",
		"body",
	}, "\r\n")

	env := Extract(parseMessage(t, raw))
	assert.Equal(t, "Café menu", env.Subject)
}

func TestExtractMultipleInReplyTo(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"In-Reply-To: <one@example.com> <two@example.com>",
		"",
		"body",
	}, "\r\n")

	env := Extract(parseMessage(t, raw))
	assert.Equal(t, []string{"one@example.com", "two@example.com"}, env.InReplyTo)
}

func TestExtractToleratesMissingAndMalformedFields(t *testing.T) {
	raw := strings.Join([]string{
		"To: not a valid address",
		"Content-Type: text/plain",
		"",
		"body",
	}, "\r\n")

	env := Extract(parseMessage(t, raw))
	require.NotNil(t, env)
	assert.True(t, env.Date.IsZero())
	assert.Empty(t, env.Subject)
	assert.Empty(t, env.From)
	assert.Empty(t, env.To)
	assert.Nil(t, env.InReplyTo)
}

func TestExtractFoldedAddressHeader(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"To: Bob Example\r\n" +
		" <bob@example.net>,\r\n" +
		" carol@example.org\r\n" +
		"\r\n" +
		"body"

	env := Extract(parseMessage(t, raw))
	require.Len(t, env.To, 2)
	assert.Equal(t, "Bob Example", env.To[0].Name)
	assert.Equal(t, "carol", env.To[1].Mailbox)
}
