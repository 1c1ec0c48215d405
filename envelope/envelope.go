// Package envelope builds the IMAP envelope structure from the header lines
// of a parsed message tree node.
package envelope

import (
	"bufio"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // decode non UTF-8 header words
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/migadu/crake/mimetree"
)

// Extract derives an envelope from the node's header block. Missing or
// malformed fields degrade to their zero values rather than failing the
// whole extraction; Sender and Reply-To default to From when absent, as
// RFC 3501 requires.
func Extract(node *mimetree.Node) *imap.Envelope {
	header := headerOf(node)

	date, _ := header.Date()
	subject, _ := header.Subject()
	messageID, _ := header.MessageID()
	inReplyTo, _ := header.MsgIDList("In-Reply-To")
	if len(inReplyTo) == 0 {
		inReplyTo = nil
	}

	from := addressList(header, "From")
	sender := addressList(header, "Sender")
	if len(sender) == 0 {
		sender = from
	}
	replyTo := addressList(header, "Reply-To")
	if len(replyTo) == 0 {
		replyTo = from
	}

	return &imap.Envelope{
		Date:      date,
		Subject:   subject,
		From:      from,
		Sender:    sender,
		ReplyTo:   replyTo,
		To:        addressList(header, "To"),
		Cc:        addressList(header, "Cc"),
		Bcc:       addressList(header, "Bcc"),
		InReplyTo: inReplyTo,
		MessageID: messageID,
	}
}

// headerOf reparses the node's raw header lines into a mail header. The
// lines reproduce the wire header block when joined with CRLF, so folded
// and repeated fields survive the round trip.
func headerOf(node *mimetree.Node) mail.Header {
	raw := strings.Join(node.Header, "\r\n") + "\r\n\r\n"
	th, _ := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	return mail.Header{Header: message.Header{Header: th}}
}

// addressList parses an address header into IMAP addresses. Parse errors
// yield whatever prefix of the list was readable; addresses without a
// domain are skipped.
func addressList(header mail.Header, key string) []imap.Address {
	addrs, err := header.AddressList(key)
	if err != nil && len(addrs) == 0 {
		return nil
	}
	var list []imap.Address
	for _, addr := range addrs {
		mailbox, host, ok := strings.Cut(addr.Address, "@")
		if !ok {
			continue
		}
		list = append(list, imap.Address{
			Name:    addr.Name,
			Mailbox: mailbox,
			Host:    host,
		})
	}
	return list
}
