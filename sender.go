package postconfirm

import (
	"context"
	"log"
)

// Sender is the in-memory view of one envelope sender, bound to a single
// message-processing scope. The action is resolved lazily: exact record
// first, then the first matching pattern, then Unknown. All writes go
// through the Store immediately.
type Sender struct {
	email      string
	store      Store
	resolved   bool
	action     Action
	references []string
}

func NewSender(store Store, email string) *Sender {
	return &Sender{email: email, store: store}
}

func (s *Sender) Email() string {
	return s.email
}

// GetAction resolves and caches the sender's action. Store errors degrade
// to Unknown so that the verdict stays deterministic.
func (s *Sender) GetAction(ctx context.Context) Action {
	if s.resolved {
		return s.action
	}

	rec, ok, err := s.store.GetSender(ctx, s.email)
	if err != nil {
		log.Printf("warning: looking up sender %s: %v", s.email, err)
	}
	if ok {
		s.action = rec.Action
		s.references = mergeReferences(s.references, rec.References)
		s.resolved = true
		return s.action
	}

	patterns, err := s.store.Patterns(ctx)
	if err != nil {
		log.Printf("warning: loading sender patterns: %v", err)
	}
	for i := range patterns {
		if patterns[i].Match(s.email) {
			s.action = patterns[i].Action
			s.references = mergeReferences(s.references, patterns[i].References)
			s.resolved = true
			return s.action
		}
	}

	s.action = Unknown
	s.resolved = true
	return s.action
}

// SetAction writes through to the store with the current reference set.
func (s *Sender) SetAction(ctx context.Context, action Action) error {
	s.GetAction(ctx) // make sure stored references are merged first
	if err := s.store.UpsertSender(ctx, s.email, action, s.references); err != nil {
		return err
	}
	s.action = action
	return nil
}

// References returns the current reference set, resolving it if needed.
func (s *Sender) References(ctx context.Context) []string {
	s.GetAction(ctx)
	return s.references
}

// AddReference records reference unless it is already present.
func (s *Sender) AddReference(reference string) {
	for _, r := range s.references {
		if r == reference {
			return
		}
	}
	s.references = append(s.references, reference)
}

// ClearReferences empties the reference set. Used on promotion to Accept.
func (s *Sender) ClearReferences() {
	s.references = nil
}

// ValidateRef reports whether reference belongs to this sender.
func (s *Sender) ValidateRef(reference string) bool {
	for _, r := range s.references {
		if r == reference {
			return true
		}
	}
	return false
}

// StashMessage appends the message to the stash. The reference, if any, is
// recorded, and a sender not yet in Confirm is moved there (writing
// through).
func (s *Sender) StashMessage(ctx context.Context, message []byte, recipients []string, reference string) error {
	if _, err := s.store.Stash(ctx, s.email, recipients, message); err != nil {
		return err
	}
	if reference != "" {
		s.AddReference(reference)
	}
	// writes through even when already in Confirm, so a freshly added
	// reference survives a reload
	return s.SetAction(ctx, Confirm)
}

// Unstash drains the sender's stash. Finite and not restartable: every
// entry handed to fn has already been removed from the store.
func (s *Sender) Unstash(ctx context.Context, fn func(recipients []string, message []byte) error) error {
	return s.store.DrainStash(ctx, s.email, fn)
}

func mergeReferences(a, b []string) []string {
	merged := a
	for _, r := range b {
		found := false
		for _, have := range merged {
			if have == r {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, r)
		}
	}
	return merged
}
