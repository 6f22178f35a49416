package postconfirm

import (
	"context"
	"testing"
)

func TestSenderExactRecord(t *testing.T) {
	store := newMemStore()
	store.senders["alice@example.net"] = SenderRecord{Action: Accept, References: []string{"old"}}
	ctx := context.Background()

	sender := NewSender(store, "alice@example.net")
	if got := sender.GetAction(ctx); got != Accept {
		t.Errorf("expected accept, got %s", got)
	}
	if refs := sender.References(ctx); len(refs) != 1 || refs[0] != "old" {
		t.Errorf("expected stored references, got %v", refs)
	}
}

func TestSenderPatternFallback(t *testing.T) {
	store := newMemStore()
	p1, err := NewPattern(`.*@spam\.example`, Discard, nil)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := NewPattern(`.*@.*\.example`, Reject, nil)
	if err != nil {
		t.Fatal(err)
	}
	store.patterns = []Pattern{p1, p2}
	ctx := context.Background()

	// the first matching pattern wins
	if got := NewSender(store, "bot@spam.example").GetAction(ctx); got != Discard {
		t.Errorf("expected discard, got %s", got)
	}
	if got := NewSender(store, "bot@other.example").GetAction(ctx); got != Reject {
		t.Errorf("expected reject, got %s", got)
	}

	// exact records take precedence over patterns
	store.senders["friend@spam.example"] = SenderRecord{Action: Accept}
	if got := NewSender(store, "friend@spam.example").GetAction(ctx); got != Accept {
		t.Errorf("expected accept, got %s", got)
	}

	// matching is full-string, not substring
	if got := NewSender(store, "bot@spam.example.org").GetAction(ctx); got != Unknown {
		t.Errorf("expected unknown, got %s", got)
	}
}

func TestSenderSetActionWritesThrough(t *testing.T) {
	store := newMemStore()
	store.senders["alice@example.net"] = SenderRecord{Action: Confirm, References: []string{"stored"}}
	ctx := context.Background()

	sender := NewSender(store, "alice@example.net")
	sender.AddReference("fresh")
	if err := sender.SetAction(ctx, Confirm); err != nil {
		t.Fatal(err)
	}

	rec := store.senders["alice@example.net"]
	if rec.Action != Confirm {
		t.Errorf("expected confirm, got %s", rec.Action)
	}
	// local and stored references are merged, without duplicates
	if len(rec.References) != 2 {
		t.Errorf("expected merged references, got %v", rec.References)
	}
}

func TestSenderStashMessage(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	sender := NewSender(store, "alice@example.net")
	err := sender.StashMessage(ctx, []byte("message"), []string{"list@example.org"}, "R123")
	if err != nil {
		t.Fatal(err)
	}

	rec, ok := store.senders["alice@example.net"]
	if !ok || rec.Action != Confirm {
		t.Fatalf("stashing must move the sender to confirm, got %+v", rec)
	}
	if len(rec.References) != 1 || rec.References[0] != "R123" {
		t.Errorf("expected reference persisted, got %v", rec.References)
	}
	if len(store.stash["alice@example.net"]) != 1 {
		t.Errorf("expected one stash entry")
	}

	// stashing again keeps one reference per id
	if err := sender.StashMessage(ctx, []byte("again"), []string{"list@example.org"}, "R123"); err != nil {
		t.Fatal(err)
	}
	if rec := store.senders["alice@example.net"]; len(rec.References) != 1 {
		t.Errorf("expected no duplicate references, got %v", rec.References)
	}
}

func TestSenderUnstashIsFinite(t *testing.T) {
	store := newMemStore()
	store.stash["alice@example.net"] = []memStashEntry{
		{id: 1, recipients: []string{"a@example.org"}, message: []byte("one")},
		{id: 2, recipients: []string{"b@example.org"}, message: []byte("two")},
	}
	ctx := context.Background()

	sender := NewSender(store, "alice@example.net")
	var got []string
	err := sender.Unstash(ctx, func(recipients []string, message []byte) error {
		got = append(got, string(message))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("expected both entries in order, got %v", got)
	}

	// a second drain yields nothing
	err = sender.Unstash(ctx, func(recipients []string, message []byte) error {
		t.Errorf("unexpected entry: %q", message)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
