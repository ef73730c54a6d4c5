// Package ingest turns raw SMTP DATA payloads into stored messages.
package ingest

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/smtpcatch/smtpcatch/internal/mailbox"
)

// Pipeline parses complete message payloads and appends the result to
// the mailbox store. One Pipeline is shared by all SMTP sessions.
type Pipeline struct {
	store *mailbox.Store
}

// New creates a pipeline writing to the given store.
func New(store *mailbox.Store) *Pipeline {
	return &Pipeline{store: store}
}

// Ingest parses one raw message body (dot-stuffing already undone) and
// stores it. On a parse error nothing is stored and the error is
// returned to the session, which reports a transient SMTP failure.
//
// Multipart messages yield the first text/plain part as Text and the
// first text/html part as HTML; missing parts stay empty. From, To and
// Subject come from the message headers, not the SMTP envelope.
func (p *Pipeline) Ingest(raw []byte) (mailbox.Message, error) {
	// Strict header check first: enmime tolerates malformed header
	// lines as defects, but a payload without a valid RFC 5322 header
	// section must be rejected, not stored mangled.
	if _, err := mail.ReadMessage(bytes.NewReader(raw)); err != nil {
		return mailbox.Message{}, fmt.Errorf("failed to parse message: %w", err)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return mailbox.Message{}, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := mailbox.Message{
		From:    env.GetHeader("From"),
		To:      parseAddressList(env.GetHeader("To")),
		Subject: env.GetHeader("Subject"),
		Text:    env.Text,
		HTML:    env.HTML,
		Raw:     string(raw),
	}

	return p.store.Append(msg), nil
}

// parseAddressList splits a To header into individual addresses.
// Duplicates pass through as given.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
