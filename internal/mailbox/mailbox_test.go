package mailbox

import (
	"errors"
	"sync"
	"testing"
)

func TestStore_AppendAssignsIdentity(t *testing.T) {
	t.Parallel()

	store := NewStore()
	stored := store.Append(Message{From: "a@x.com", Subject: "hi", Raw: "raw"})

	if stored.ID == "" {
		t.Error("Append did not assign an ID")
	}
	if stored.ReceivedAt.IsZero() {
		t.Error("Append did not assign a receive timestamp")
	}
	if stored.From != "a@x.com" || stored.Subject != "hi" || stored.Raw != "raw" {
		t.Errorf("Append mutated message fields: %+v", stored)
	}
}

func TestStore_ListOrder(t *testing.T) {
	t.Parallel()

	store := NewStore()
	first := store.Append(Message{Subject: "first"})
	second := store.Append(Message{Subject: "second"})

	all := store.List()
	if len(all) != 2 {
		t.Fatalf("List: got %d messages, want 2", len(all))
	}
	if all[0].ID != first.ID || all[1].ID != second.ID {
		t.Error("List did not preserve append order")
	}
}

func TestStore_Get(t *testing.T) {
	t.Parallel()

	store := NewStore()
	stored := store.Append(Message{Subject: "hi"})

	got, err := store.Get(stored.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Subject != "hi" {
		t.Errorf("Get: got subject %q, want %q", got.Subject, "hi")
	}

	if _, err := store.Get("does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown ID: got %v, want ErrNotFound", err)
	}
}

func TestStore_DeleteByID(t *testing.T) {
	t.Parallel()

	store := NewStore()
	keep := store.Append(Message{Subject: "keep"})
	drop := store.Append(Message{Subject: "drop"})

	if !store.DeleteByID(drop.ID) {
		t.Error("DeleteByID returned false for existing message")
	}
	if store.DeleteByID(drop.ID) {
		t.Error("DeleteByID returned true for already-deleted message")
	}
	if store.Len() != 1 {
		t.Errorf("Len: got %d, want 1", store.Len())
	}
	if _, err := store.Get(keep.ID); err != nil {
		t.Errorf("remaining message should still be readable: %v", err)
	}
}

func TestStore_DeleteAll(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.Append(Message{})
	store.Append(Message{})

	store.DeleteAll()
	if store.Len() != 0 {
		t.Errorf("Len after DeleteAll: got %d, want 0", store.Len())
	}
}

func TestStore_ConcurrentAppendDistinctIDs(t *testing.T) {
	t.Parallel()

	store := NewStore()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Append(Message{Subject: "concurrent"})
		}()
	}
	wg.Wait()

	all := store.List()
	if len(all) != n {
		t.Fatalf("got %d messages, want %d", len(all), n)
	}

	seen := make(map[string]bool, n)
	for _, m := range all {
		if seen[m.ID] {
			t.Fatalf("duplicate message ID %q", m.ID)
		}
		seen[m.ID] = true
	}
}
