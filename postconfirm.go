package postconfirm

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/ietf-tools/postconfirm/mailutil"
	"github.com/ietf-tools/postconfirm/txt"
	"github.com/ietf-tools/postconfirm/util"
)

// Logger is the durable confirmation trail (who got promoted to Accept).
type Logger interface {
	Printf(format string, v ...interface{}) error
}

// Postconfirm holds the long-lived collaborators shared by all milter
// sessions: the store, the challenge rule sources, the re-mailer and the
// token validator. Everything here is safe for concurrent sessions; the
// store and re-mailer serialise internally.
type Postconfirm struct {
	Store      Store
	Rules      []RuleStore
	Remailer   Remailer
	Validator  *Validator
	Template   *template.Template // challenge body; txt.Confirm if nil
	ConfirmLog Logger             // optional

	AdminAddress       string
	BulkRegex          *regexp.Regexp
	AutoSubmittedRegex *regexp.Regexp
	ResendConfirmation bool

	LastLogID uint32
	Waiting   sync.WaitGroup
}

// HeaderField is one header of the incoming message, in wire order.
type HeaderField struct {
	Name  string
	Value string
}

const lineSep = "\n"

var tokenPattern = regexp.MustCompile(`Confirm: ([^:\s]+:[^:\s]+:[^:\s]+)[ \t]*$`)

// TokenFromSubject extracts the challenge token from a subject line. The
// "Confirm:" marker is case-sensitive.
func TokenFromSubject(subject string) (token string, ok bool) {
	if m := tokenPattern.FindStringSubmatch(subject); m != nil {
		return m[1], true
	}
	return "", false
}

var msgIDPattern = regexp.MustCompile(`<([^@>]*)@[^>]*>`)

// ExtractReference derives the stash reference for a message: the part of
// the first bracketed Message-Id group before the "@", with colons
// stripped. Messages without a usable Message-Id get a random identifier.
func ExtractReference(headers []HeaderField) string {
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "Message-Id") {
			continue
		}
		if m := msgIDPattern.FindStringSubmatch(h.Value); m != nil && m[1] != "" {
			return strings.ReplaceAll(m[1], ":", "")
		}
		break
	}
	return util.RandomReference()
}

// ShouldDrop reports whether the message is bulk or auto-generated mail
// which must never enter the challenge pipeline. Header values are
// left-trimmed before matching.
func (p *Postconfirm) ShouldDrop(headers []HeaderField) bool {
	for _, h := range headers {
		var re *regexp.Regexp
		switch {
		case strings.EqualFold(h.Name, "Precedence"):
			re = p.BulkRegex
		case strings.EqualFold(h.Name, "Auto-Submitted"):
			re = p.AutoSubmittedRegex
		default:
			continue
		}
		if re != nil && re.MatchString(strings.TrimLeft(h.Value, " \t")) {
			return true
		}
	}
	return false
}

type logf func(format string, v ...interface{})

// ProcessMessage runs the decision engine for one complete message and
// returns the verdict. Side-effect failures (store, template, SMTP) are
// logged and do not change the verdict.
func (p *Postconfirm) ProcessMessage(ctx context.Context, logf logf, envelopeFrom string, recipients []string, headers []HeaderField, subject string, body []byte) Verdict {
	sender := NewSender(p.Store, mailutil.Canonicalize(envelopeFrom))

	challengeRcpts := ChallengeRecipients(ctx, p.Rules, recipients)
	shouldDrop := p.ShouldDrop(headers)
	token, isResponse := TokenFromSubject(subject)

	action := Unknown
	if len(challengeRcpts) > 0 || isResponse {
		action = sender.GetAction(ctx)
	}

	tokenValid := false
	if isResponse && action == Confirm {
		check := p.Validator.CheckToken(sender.Email(), token, sender.References(ctx))
		tokenValid = check == TokenValid
		if !tokenValid {
			logf("challenge response from %s failed: %s", sender.Email(), check)
		}
	}

	verdict, effects := Decide(DecisionInput{
		SenderAction:        action,
		HasChallengeRcpts:   len(challengeRcpts) > 0,
		ShouldDrop:          shouldDrop,
		IsChallengeResponse: isResponse,
		TokenValid:          tokenValid,
		ResendConfirmation:  p.ResendConfirmation,
	})

	if effects.Stash {
		reference := ExtractReference(headers)
		message := reformMessage(headers, body)
		if err := sender.StashMessage(ctx, message, recipients, reference); err != nil {
			// the message is swallowed either way; without the stash write a
			// challenge would carry a token that can never validate
			logf("warning: stashing message from %s: %v", sender.Email(), err)
		} else {
			if effects.SendChallenge {
				p.sendChallenge(ctx, logf, sender, subject, challengeRcpts, reference)
			}
			logf("stashed message from %s, verdict: %s", sender.Email(), verdict)
		}
	}

	if effects.PromoteAndRelease {
		p.promoteAndRelease(ctx, logf, sender)
	}

	return verdict
}

// reformMessage reassembles the streamed events into the stored message:
// headers joined with LF, a blank line, then the body bytes.
func reformMessage(headers []HeaderField, body []byte) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString(lineSep)
	}
	buf.WriteString(lineSep)
	buf.Write(body)
	return buf.Bytes()
}

// sendChallenge composes and submits the confirmation request. The envelope
// and From header carry the first protected recipient, so replies go back
// to the address the sender was trying to reach.
func (p *Postconfirm) sendChallenge(ctx context.Context, logf logf, sender *Sender, subject string, challengeRcpts []string, reference string) {
	challengeAddress := challengeRcpts[0]
	token := p.Validator.MakeToken(sender.Email(), challengeAddress, reference)
	fullRef := "Confirm: " + token

	tmpl := p.Template
	if tmpl == nil {
		tmpl = txt.Confirm
	}

	body := &bytes.Buffer{}
	err := tmpl.Execute(body, txt.ConfirmData{
		Subject:          subject,
		SenderAddress:    sender.Email(),
		RecipientAddress: strings.Join(challengeRcpts, ", "),
		ChallengeAddress: challengeAddress,
		AdminAddress:     p.AdminAddress,
		ID:               reference,
		FullRef:          fullRef,
	})
	if err != nil {
		logf("warning: rendering challenge template: %v", err)
		return
	}

	message := reformMessage([]HeaderField{
		{"From", challengeAddress},
		{"To", sender.Email()},
		{"Subject", fullRef},
		{"Auto-Submitted", "auto-replied"},
	}, body.Bytes())

	defer p.Remailer.Quit()
	if err := p.Remailer.Send([]string{sender.Email()}, message, challengeAddress); err != nil {
		logf("warning: sending challenge to %s: %v", sender.Email(), err)
		return
	}
	logf("sent challenge to %s (reference %s)", sender.Email(), reference)
}

// promoteAndRelease handles a valid confirmation: the sender moves to
// Accept with an empty reference set and the stash is replayed to its
// original recipients, one submission per entry.
func (p *Postconfirm) promoteAndRelease(ctx context.Context, logf logf, sender *Sender) {
	sender.ClearReferences()
	if err := sender.SetAction(ctx, Accept); err != nil {
		logf("warning: promoting %s: %v", sender.Email(), err)
	}

	if p.ConfirmLog != nil {
		if err := p.ConfirmLog.Printf("%s confirmed", sender.Email()); err != nil {
			logf("warning: writing confirmation log: %v", err)
		}
	}

	defer p.Remailer.Quit()
	released := 0
	err := sender.Unstash(ctx, func(recipients []string, message []byte) error {
		if err := p.Remailer.Send(recipients, message, sender.Email()); err != nil {
			logf("warning: releasing message to %s: %v", strings.Join(recipients, ", "), err)
		} else {
			released++
		}
		return nil
	})
	if err != nil {
		logf("warning: draining stash for %s: %v", sender.Email(), err)
	}
	logf("%s confirmed, released %d messages", sender.Email(), released)
}
