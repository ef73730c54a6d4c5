package ingest

import (
	"strings"
	"testing"

	"github.com/smtpcatch/smtpcatch/internal/mailbox"
)

const simpleMessage = "From: Alice <a@x.com>\r\n" +
	"To: b@y.com\r\n" +
	"Subject: Hi\r\n" +
	"\r\n" +
	"Hello\r\n"

const multipartMessage = "From: a@x.com\r\n" +
	"To: b@y.com, c@z.com\r\n" +
	"Subject: Mixed\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"BOUNDARY\"\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>html body</p>\r\n" +
	"--BOUNDARY--\r\n"

func TestIngest_SimpleMessage(t *testing.T) {
	t.Parallel()

	store := mailbox.NewStore()
	pipe := New(store)

	msg, err := pipe.Ingest([]byte(simpleMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(msg.From, "a@x.com") {
		t.Errorf("From: got %q, want it to contain a@x.com", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0] != "b@y.com" {
		t.Errorf("To: got %v, want [b@y.com]", msg.To)
	}
	if msg.Subject != "Hi" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Hi")
	}
	if strings.TrimSpace(msg.Text) != "Hello" {
		t.Errorf("Text: got %q, want %q", msg.Text, "Hello")
	}
	if msg.Raw != simpleMessage {
		t.Errorf("Raw not preserved byte-exact:\ngot  %q\nwant %q", msg.Raw, simpleMessage)
	}
	if msg.ID == "" {
		t.Error("stored message has no ID")
	}
	if store.Len() != 1 {
		t.Errorf("store length: got %d, want 1", store.Len())
	}
}

func TestIngest_MultipartMessage(t *testing.T) {
	t.Parallel()

	store := mailbox.NewStore()
	pipe := New(store)

	msg, err := pipe.Ingest([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.TrimSpace(msg.Text) != "plain body" {
		t.Errorf("Text: got %q, want %q", msg.Text, "plain body")
	}
	if !strings.Contains(msg.HTML, "html body") {
		t.Errorf("HTML: got %q, want it to contain %q", msg.HTML, "html body")
	}
	if len(msg.To) != 2 {
		t.Errorf("To: got %v, want 2 addresses", msg.To)
	}
}

func TestIngest_MissingHeadersYieldEmptyFields(t *testing.T) {
	t.Parallel()

	store := mailbox.NewStore()
	pipe := New(store)

	raw := "Subject: only subject\r\n\r\nbody\r\n"
	msg, err := pipe.Ingest([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "" {
		t.Errorf("From: got %q, want empty", msg.From)
	}
	if len(msg.To) != 0 {
		t.Errorf("To: got %v, want empty", msg.To)
	}
}

func TestIngest_MalformedMessageIsNotStored(t *testing.T) {
	t.Parallel()

	store := mailbox.NewStore()
	pipe := New(store)

	_, err := pipe.Ingest([]byte("this is not a header\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("expected error for malformed message, got nil")
	}
	if store.Len() != 0 {
		t.Errorf("store length after failed ingest: got %d, want 0", store.Len())
	}
}

func TestParseAddressList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "a@x.com", []string{"a@x.com"}},
		{"multiple", "a@x.com, b@y.com", []string{"a@x.com", "b@y.com"}},
		{"display names", "Alice <a@x.com>, Bob <b@y.com>", []string{"a@x.com", "b@y.com"}},
		{"duplicates preserved", "a@x.com, a@x.com", []string{"a@x.com", "a@x.com"}},
		{"unparseable falls back to comma split", "not<an<address, also bad", []string{"not<an<address", "also bad"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseAddressList(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("index %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
