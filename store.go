package postconfirm

import (
	"context"
	"regexp"
)

// SenderRecord is the persisted state of one exact sender address.
type SenderRecord struct {
	Action     Action
	References []string
}

// Pattern is a compiled regex fallback entry. Matching is full-string and
// case-insensitive; first match in iteration order wins.
type Pattern struct {
	Expr       string
	Action     Action
	References []string

	re *regexp.Regexp
}

// NewPattern compiles expr. The anchoring wrapper makes partial matches
// impossible regardless of what the stored expression looks like.
func NewPattern(expr string, action Action, references []string) (Pattern, error) {
	re, err := regexp.Compile(`(?i)\A(?:` + expr + `)\z`)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{Expr: expr, Action: action, References: references, re: re}, nil
}

func (p *Pattern) Match(address string) bool {
	return p.re != nil && p.re.MatchString(address)
}

// Store is the durable surface for sender state and the message stash.
// Lookups are the union of the runtime and static tables; writes always
// target the runtime tables.
type Store interface {
	// GetSender merges runtime and static exact records: the runtime action
	// wins, references are the set union. ok is false when neither table
	// has a row.
	GetSender(ctx context.Context, addr string) (rec SenderRecord, ok bool, err error)

	// Patterns returns the compiled pattern records of both tables.
	Patterns(ctx context.Context) ([]Pattern, error)

	// UpsertSender atomically inserts or updates the runtime record.
	UpsertSender(ctx context.Context, addr string, action Action, references []string) error

	// Stash appends a message to the runtime stash and returns its id.
	Stash(ctx context.Context, addr string, recipients []string, message []byte) (int64, error)

	// DrainStash yields every stash entry for addr, runtime table first.
	// Each entry is durably deleted before fn sees it, so an interrupted
	// drain loses at most the entry in flight and never repeats one.
	DrainStash(ctx context.Context, addr string, fn func(recipients []string, message []byte) error) error
}

// ChallengeAction decides whether a recipient address is in the protected
// set. The zero value means "no opinion".
type ChallengeAction string

const (
	ChallengeUnknown  ChallengeAction = "unknown"
	ChallengeRequired ChallengeAction = "challenge"
	ChallengeIgnore   ChallengeAction = "ignore"
)

// ChallengePattern is a regex challenge rule.
type ChallengePattern struct {
	Expr   string
	Action ChallengeAction

	re *regexp.Regexp
}

func NewChallengePattern(expr string, action ChallengeAction) (ChallengePattern, error) {
	re, err := regexp.Compile(`(?i)\A(?:` + expr + `)\z`)
	if err != nil {
		return ChallengePattern{}, err
	}
	return ChallengePattern{Expr: expr, Action: action, re: re}, nil
}

func (p *ChallengePattern) Match(address string) bool {
	return p.re != nil && p.re.MatchString(address)
}

// RuleStore is one source of challenge rules. Exact records take precedence
// over patterns within a single store.
type RuleStore interface {
	// GetChallengeRule returns the exact rule for addr, or ok == false.
	GetChallengeRule(ctx context.Context, addr string) (action ChallengeAction, ok bool, err error)

	// ChallengePatterns returns the compiled pattern rules.
	ChallengePatterns(ctx context.Context) ([]ChallengePattern, error)
}
