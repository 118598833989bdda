package model

import (
	"bytes"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Message is a logical message as held by a storage layout. Raw bytes are
// owned by the layout once inserted; everything else is derived metadata
// passed around by value.
type Message struct {
	// Identifier is the declared Message-ID, without angle brackets.
	// Optional: not every message carries one.
	Identifier string

	// Raw is the full RFC 5322 message as fetched.
	Raw []byte

	// Folder is the normalized remote mailbox the message came from.
	Folder string

	// SeqNum is the remote sequence number at pull time (0 if unknown,
	// e.g. for ingested files).
	SeqNum uint32

	// Date is the timestamp extracted from the message headers.
	// Zero if the Date header was missing or unparseable.
	Date time.Time

	Subject string
	From    string
	To      string

	// Tags are free-form labels assigned at pull time.
	Tags []string
}

// ParseMetadata extracts header-derived fields from raw message bytes.
// Parsing is best-effort: a message with a broken header block still
// yields a Message carrying the raw bytes, so an unparseable message is a
// storable message.
func ParseMetadata(raw []byte, folder string) Message {
	m := Message{Raw: raw, Folder: folder}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return m
	}
	defer mr.Close()

	h := mr.Header
	if id, err := h.MessageID(); err == nil {
		m.Identifier = id
	}
	if date, err := h.Date(); err == nil {
		m.Date = date
	}
	if subj, err := h.Subject(); err == nil {
		m.Subject = subj
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.From = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		addrs := make([]string, len(to))
		for i, a := range to {
			addrs[i] = a.Address
		}
		m.To = strings.Join(addrs, ", ")
	}

	return m
}

// NormalizeFolder canonicalizes a remote mailbox name for use as a cursor
// key and storage path segment. The transport is responsible for
// character-set decoding; this only fixes case for well-known folders and
// strips path separators so a folder name cannot introduce traversal.
func NormalizeFolder(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.Trim(name, "/")
	if strings.EqualFold(name, "inbox") {
		return "INBOX"
	}
	return name
}
