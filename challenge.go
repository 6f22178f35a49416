package postconfirm

import (
	"context"
	"log"
)

// Challenge resolves whether a recipient address is in the protected set.
// Handlers are consulted in order; within a handler the exact record wins
// over the first matching pattern. Across handlers the precedence rule is
// ignore > challenge > unknown, so a static opt-out always sticks.
type Challenge struct {
	email    string
	handlers []RuleStore
	hydrated bool
	action   ChallengeAction
}

func NewChallenge(email string, handlers []RuleStore) *Challenge {
	return &Challenge{email: email, handlers: handlers, action: ChallengeUnknown}
}

func (c *Challenge) Email() string {
	return c.email
}

func (c *Challenge) GetAction(ctx context.Context) ChallengeAction {
	if !c.hydrated {
		c.lookUpAction(ctx)
		c.hydrated = true
	}
	return c.action
}

func (c *Challenge) lookUpAction(ctx context.Context) {
	for _, handler := range c.handlers {
		action, ok, err := handler.GetChallengeRule(ctx, c.email)
		if err != nil {
			log.Printf("warning: challenge rule lookup for %s: %v", c.email, err)
		}
		if !ok {
			patterns, err := handler.ChallengePatterns(ctx)
			if err != nil {
				log.Printf("warning: loading challenge patterns: %v", err)
			}
			for i := range patterns {
				if patterns[i].Match(c.email) {
					action, ok = patterns[i].Action, true
					break
				}
			}
		}
		if ok && action != "" {
			c.updateAction(action)
		}
	}
}

// ignore overrides anything, challenge overrides only unknown, and setting
// the current value again is a no-op.
func (c *Challenge) updateAction(newAction ChallengeAction) bool {
	replace := c.action == ChallengeUnknown || newAction == ChallengeIgnore
	if c.action == newAction {
		replace = false
	}
	if replace {
		c.action = newAction
	}
	return replace
}

// ChallengeRecipients returns the subset of recipients whose policy
// resolves to challenge, preserving envelope order. An empty result means
// the message is out of scope for the whole pipeline.
func ChallengeRecipients(ctx context.Context, handlers []RuleStore, recipients []string) []string {
	var protected []string
	for _, rcpt := range recipients {
		if NewChallenge(rcpt, handlers).GetAction(ctx) == ChallengeRequired {
			protected = append(protected, rcpt)
		}
	}
	return protected
}
