// Package mailbox holds captured messages in memory and hands out
// snapshots to the management API.
package mailbox

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a message ID does not exist in the store.
var ErrNotFound = errors.New("message not found")

// Message is a captured email as exposed to the management API.
// From, To and Subject come from the parsed headers, not the SMTP
// envelope. Raw is the byte-exact DATA payload after dot-unstuffing.
type Message struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"receivedAt"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text,omitempty"`
	HTML       string    `json:"html,omitempty"`
	Raw        string    `json:"raw"`
}

// Store is an in-memory, append-ordered message store. It is safe for
// concurrent use by SMTP sessions and the management API.
type Store struct {
	mu       sync.RWMutex
	messages []Message
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{}
}

// Append assigns an ID and receive timestamp to the message, stores it,
// and returns the stored copy.
func (s *Store) Append(msg Message) Message {
	msg.ID = uuid.NewString()
	msg.ReceivedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return msg
}

// List returns all stored messages in append order.
func (s *Store) List() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Get returns the message with the given ID, or ErrNotFound.
func (s *Store) Get(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

// DeleteAll removes every stored message.
func (s *Store) DeleteAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// DeleteByID removes the message with the given ID and reports whether
// a message was removed.
func (s *Store) DeleteByID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
