package postconfirm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
)

// memStore is an in-memory Store and RuleStore for tests.
type memStore struct {
	senders      map[string]SenderRecord
	patterns     []Pattern
	stash        map[string][]memStashEntry
	nextID       int64
	rules        map[string]ChallengeAction
	rulePatterns []ChallengePattern
	stashErr     error
}

type memStashEntry struct {
	id         int64
	recipients []string
	message    []byte
}

func newMemStore() *memStore {
	return &memStore{
		senders: make(map[string]SenderRecord),
		stash:   make(map[string][]memStashEntry),
		rules:   make(map[string]ChallengeAction),
	}
}

func (m *memStore) GetSender(ctx context.Context, addr string) (SenderRecord, bool, error) {
	rec, ok := m.senders[addr]
	return rec, ok, nil
}

func (m *memStore) Patterns(ctx context.Context) ([]Pattern, error) {
	return m.patterns, nil
}

func (m *memStore) UpsertSender(ctx context.Context, addr string, action Action, references []string) error {
	m.senders[addr] = SenderRecord{Action: action, References: append([]string{}, references...)}
	return nil
}

func (m *memStore) Stash(ctx context.Context, addr string, recipients []string, message []byte) (int64, error) {
	if m.stashErr != nil {
		return 0, m.stashErr
	}
	m.nextID++
	m.stash[addr] = append(m.stash[addr], memStashEntry{
		id:         m.nextID,
		recipients: append([]string{}, recipients...),
		message:    append([]byte{}, message...),
	})
	return m.nextID, nil
}

func (m *memStore) DrainStash(ctx context.Context, addr string, fn func(recipients []string, message []byte) error) error {
	for len(m.stash[addr]) > 0 {
		// delete before yielding, like the SQL store does
		entry := m.stash[addr][0]
		m.stash[addr] = m.stash[addr][1:]
		if err := fn(entry.recipients, entry.message); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) GetChallengeRule(ctx context.Context, addr string) (ChallengeAction, bool, error) {
	action, ok := m.rules[addr]
	return action, ok, nil
}

func (m *memStore) ChallengePatterns(ctx context.Context) ([]ChallengePattern, error) {
	return m.rulePatterns, nil
}

func discardLogf(format string, v ...interface{}) {}

// chanLogger can replace the confirmation FileLogger in tests.
type chanLogger chan string

func (c chanLogger) Printf(format string, v ...interface{}) error {
	chan string(c) <- fmt.Sprintf(format, v...)
	return nil
}

func newTestEngine(store *memStore, remailer Remailer) *Postconfirm {
	return &Postconfirm{
		Store:              store,
		Rules:              []RuleStore{store},
		Remailer:           remailer,
		Validator:          NewValidatorWithKey([]byte("test-key")),
		AdminAddress:       "admin@example.org",
		BulkRegex:          regexp.MustCompile(`(junk|list|bulk|auto_reply)`),
		AutoSubmittedRegex: regexp.MustCompile(`^auto-`),
		ResendConfirmation: true,
	}
}

func TestUnknownSenderIsChallenged(t *testing.T) {
	store := newMemStore()
	store.rules["list@example.org"] = ChallengeRequired
	sent := make(ChanRemailer, 10)
	pc := newTestEngine(store, sent)
	ctx := context.Background()

	headers := []HeaderField{
		{"From", "Alice <alice@example.net>"},
		{"Message-Id", "<R123@example.net>"},
		{"Subject", "hello"},
	}
	verdict := pc.ProcessMessage(ctx, discardLogf, "alice@example.net",
		[]string{"list@example.org", "bob@example.com"}, headers, "hello", []byte("body\n"))

	if verdict != VerdictDiscard {
		t.Fatalf("expected discard, got %s", verdict)
	}

	rec, ok := store.senders["alice@example.net"]
	if !ok || rec.Action != Confirm {
		t.Fatalf("expected sender in confirm, got %+v", rec)
	}
	if len(rec.References) != 1 || rec.References[0] != "R123" {
		t.Errorf("expected reference R123, got %v", rec.References)
	}

	if len(store.stash["alice@example.net"]) != 1 {
		t.Fatalf("expected one stash entry, got %d", len(store.stash["alice@example.net"]))
	}
	entry := store.stash["alice@example.net"][0]
	if len(entry.recipients) != 2 {
		t.Errorf("stash must keep the full envelope, got %v", entry.recipients)
	}
	if !strings.HasPrefix(string(entry.message), "From: Alice <alice@example.net>\n") {
		t.Errorf("unexpected stashed message: %q", entry.message)
	}
	if !strings.Contains(string(entry.message), "\n\nbody\n") {
		t.Errorf("stashed message misses the body separator: %q", entry.message)
	}

	if len(sent) != 1 {
		t.Fatalf("expected one challenge mail, got %d", len(sent))
	}
	challenge := <-sent
	if challenge.From != "list@example.org" {
		t.Errorf("challenge envelope sender should be the protected recipient, got %q", challenge.From)
	}
	if len(challenge.To) != 1 || challenge.To[0] != "alice@example.net" {
		t.Errorf("challenge must go to the sender, got %v", challenge.To)
	}
	wantToken := pc.Validator.MakeToken("alice@example.net", "list@example.org", "R123")
	if !strings.Contains(challenge.Message, "Subject: Confirm: "+wantToken+"\n") {
		t.Errorf("challenge subject misses the token:\n%s", challenge.Message)
	}
	if !strings.Contains(challenge.Message, "Auto-Submitted: auto-replied\n") {
		t.Errorf("challenge must be marked auto-submitted:\n%s", challenge.Message)
	}
}

func TestValidConfirmationReleasesStash(t *testing.T) {
	store := newMemStore()
	store.rules["list@example.org"] = ChallengeRequired
	store.senders["alice@example.net"] = SenderRecord{Action: Confirm, References: []string{"R123"}}
	store.stash["alice@example.net"] = []memStashEntry{
		{id: 1, recipients: []string{"list@example.org", "bob@example.com"}, message: []byte("first")},
		{id: 2, recipients: []string{"list@example.org"}, message: []byte("second")},
	}
	sent := make(ChanRemailer, 10)
	confirmed := make(chanLogger, 1)
	pc := newTestEngine(store, sent)
	pc.ConfirmLog = confirmed
	ctx := context.Background()

	token := pc.Validator.MakeToken("alice@example.net", "list@example.org", "R123")
	verdict := pc.ProcessMessage(ctx, discardLogf, "alice@example.net",
		[]string{"list@example.org"}, nil, "Re: Confirm: "+token, []byte("confirming\n"))

	if verdict != VerdictDiscard {
		t.Fatalf("expected discard, got %s", verdict)
	}

	rec := store.senders["alice@example.net"]
	if rec.Action != Accept {
		t.Errorf("expected sender promoted to accept, got %s", rec.Action)
	}
	if len(rec.References) != 0 {
		t.Errorf("expected references cleared, got %v", rec.References)
	}

	if len(store.stash["alice@example.net"]) != 0 {
		t.Errorf("expected stash drained, %d entries left", len(store.stash["alice@example.net"]))
	}
	if len(sent) != 2 {
		t.Fatalf("expected two released messages, got %d", len(sent))
	}
	first := <-sent
	if first.From != "alice@example.net" {
		t.Errorf("released mail keeps the original envelope sender, got %q", first.From)
	}
	if len(first.To) != 2 || first.To[0] != "list@example.org" || first.To[1] != "bob@example.com" {
		t.Errorf("released mail must go to the original recipients, got %v", first.To)
	}
	if first.Message != "first" {
		t.Errorf("expected first stash entry, got %q", first.Message)
	}
	second := <-sent
	if second.Message != "second" {
		t.Errorf("expected second stash entry, got %q", second.Message)
	}

	if len(confirmed) != 1 {
		t.Fatal("expected a confirmation log entry")
	}
	if entry := <-confirmed; !strings.Contains(entry, "alice@example.net") {
		t.Errorf("unexpected confirmation log entry: %q", entry)
	}
}

func TestBadMacIsRejected(t *testing.T) {
	store := newMemStore()
	store.rules["list@example.org"] = ChallengeRequired
	store.senders["alice@example.net"] = SenderRecord{Action: Confirm, References: []string{"R123"}}
	store.stash["alice@example.net"] = []memStashEntry{
		{id: 1, recipients: []string{"list@example.org"}, message: []byte("first")},
	}
	sent := make(ChanRemailer, 10)
	pc := newTestEngine(store, sent)
	ctx := context.Background()

	verdict := pc.ProcessMessage(ctx, discardLogf, "alice@example.net",
		[]string{"list@example.org"}, nil, "Re: Confirm: list@example.org:R123:forged", nil)

	if verdict != VerdictReject {
		t.Fatalf("expected reject, got %s", verdict)
	}
	if rec := store.senders["alice@example.net"]; rec.Action != Confirm {
		t.Errorf("sender must stay in confirm, got %s", rec.Action)
	}
	if len(store.stash["alice@example.net"]) != 1 {
		t.Errorf("stash must stay intact")
	}
	if len(sent) != 0 {
		t.Errorf("nothing must be sent, got %d mails", len(sent))
	}
}

func TestBulkMailIsDropped(t *testing.T) {
	store := newMemStore()
	store.rules["list@example.org"] = ChallengeRequired
	sent := make(ChanRemailer, 10)
	pc := newTestEngine(store, sent)
	ctx := context.Background()

	headers := []HeaderField{{"Precedence", "bulk"}}
	verdict := pc.ProcessMessage(ctx, discardLogf, "alice@example.net",
		[]string{"list@example.org"}, headers, "newsletter", nil)

	if verdict != VerdictDiscard {
		t.Fatalf("expected discard, got %s", verdict)
	}
	if len(store.stash["alice@example.net"]) != 0 {
		t.Errorf("bulk mail must not be stashed")
	}
	if len(sent) != 0 {
		t.Errorf("bulk mail must not trigger a challenge")
	}
	if _, ok := store.senders["alice@example.net"]; ok {
		t.Errorf("bulk mail must not create sender state")
	}
}

func TestConfirmedSenderPasses(t *testing.T) {
	store := newMemStore()
	store.rules["list@example.org"] = ChallengeRequired
	store.senders["alice@example.net"] = SenderRecord{Action: Accept}
	pc := newTestEngine(store, make(ChanRemailer, 1))
	ctx := context.Background()

	verdict := pc.ProcessMessage(ctx, discardLogf, "alice@example.net",
		[]string{"list@example.org"}, nil, "hello again", nil)

	if verdict != VerdictAccept {
		t.Fatalf("expected accept, got %s", verdict)
	}
}

func TestUnprotectedRecipientsPass(t *testing.T) {
	store := newMemStore()
	pc := newTestEngine(store, make(ChanRemailer, 1))
	ctx := context.Background()

	verdict := pc.ProcessMessage(ctx, discardLogf, "stranger@example.net",
		[]string{"bob@example.com"}, nil, "hello", nil)

	if verdict != VerdictAccept {
		t.Fatalf("expected accept, got %s", verdict)
	}
	if _, ok := store.senders["stranger@example.net"]; ok {
		t.Errorf("out-of-scope mail must not create sender state")
	}
}

// A failed stash write still swallows the message rather than bouncing it.
func TestStashFailureStillDiscards(t *testing.T) {
	store := newMemStore()
	store.rules["list@example.org"] = ChallengeRequired
	store.stashErr = errors.New("disk full")
	sent := make(ChanRemailer, 10)
	pc := newTestEngine(store, sent)
	ctx := context.Background()

	verdict := pc.ProcessMessage(ctx, discardLogf, "alice@example.net",
		[]string{"list@example.org"}, nil, "hello", nil)

	if verdict != VerdictDiscard {
		t.Fatalf("expected discard, got %s", verdict)
	}
	// without a stash entry there is nothing a confirmation could release,
	// and the sender never reached confirm, so no challenge goes out
	if len(sent) != 0 {
		t.Errorf("expected no challenge, got %d mails", len(sent))
	}
	if _, ok := store.senders["alice@example.net"]; ok {
		t.Errorf("sender state must not change when the stash write fails")
	}
}

func TestShouldDrop(t *testing.T) {
	pc := newTestEngine(newMemStore(), nil)

	tests := []struct {
		headers []HeaderField
		want    bool
	}{
		{[]HeaderField{{"Precedence", "bulk"}}, true},
		{[]HeaderField{{"precedence", " list"}}, true},
		{[]HeaderField{{"Precedence", "first-class"}}, false},
		{[]HeaderField{{"Auto-Submitted", "auto-generated"}}, true},
		{[]HeaderField{{"Auto-Submitted", "no"}}, false},
		{[]HeaderField{{"X-Precedence", "bulk"}}, false},
		{nil, false},
	}
	for _, test := range tests {
		if got := pc.ShouldDrop(test.headers); got != test.want {
			t.Errorf("%v: expected %v, got %v", test.headers, test.want, got)
		}
	}
}

func TestTokenFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		token   string
		ok      bool
	}{
		{"Confirm: list@example.org:R123:mAc", "list@example.org:R123:mAc", true},
		{"Re: Confirm: list@example.org:R123:mAc", "list@example.org:R123:mAc", true},
		{"Re: Confirm: list@example.org:R123:mAc  ", "list@example.org:R123:mAc", true},
		{"confirm: list@example.org:R123:mAc", "", false}, // marker is case-sensitive
		{"Confirm: list@example.org:R123", "", false},
		{"hello", "", false},
		{"", "", false},
	}
	for _, test := range tests {
		token, ok := TokenFromSubject(test.subject)
		if ok != test.ok || token != test.token {
			t.Errorf("%q: expected (%q, %v), got (%q, %v)", test.subject, test.token, test.ok, token, ok)
		}
	}
}

func TestExtractReference(t *testing.T) {
	ref := ExtractReference([]HeaderField{{"Message-Id", "<R1:2:3@example.net>"}})
	if ref != "R123" {
		t.Errorf("expected colons stripped, got %q", ref)
	}

	ref = ExtractReference([]HeaderField{{"Message-ID", "<abc@example.net>"}, {"Message-Id", "<def@example.net>"}})
	if ref != "abc" {
		t.Errorf("expected the first header to win, got %q", ref)
	}

	// no usable Message-Id yields a fresh random reference
	ref = ExtractReference(nil)
	if len(ref) != 10 {
		t.Errorf("expected a 10 character fallback, got %q", ref)
	}
	if other := ExtractReference([]HeaderField{{"Message-Id", "garbage"}}); other == ref {
		t.Errorf("fallback references must not repeat")
	}
}
