package postconfirm

// Verdict is the milter-level decision for one message.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictReject
	VerdictDiscard
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictDiscard:
		return "discard"
	default:
		return "<invalid>"
	}
}

// DecisionInput is everything the decision table depends on. SenderAction is
// the resolved action of the envelope sender, TokenValid is only meaningful
// when IsChallengeResponse is true and SenderAction is Confirm.
type DecisionInput struct {
	SenderAction        Action
	HasChallengeRcpts   bool
	ShouldDrop          bool
	IsChallengeResponse bool
	TokenValid          bool
	ResendConfirmation  bool
}

// Effects are the side effects the session must perform alongside the
// verdict. Stash and SendChallenge belong to the stash-and-challenge branch;
// PromoteAndRelease marks a successful confirmation (clear references, set
// the sender to Accept, replay the stash).
type Effects struct {
	Stash             bool
	SendChallenge     bool
	PromoteAndRelease bool
}

// Decide maps one classified message onto a verdict and its side effects.
// It is a pure function: every state change and every mail submission is
// carried out by the caller, driven by the returned Effects.
func Decide(in DecisionInput) (Verdict, Effects) {
	switch {
	case in.HasChallengeRcpts && in.ShouldDrop:
		// bulk or auto-submitted mail never enters the challenge pipeline
		return VerdictDiscard, Effects{}

	case in.HasChallengeRcpts && !in.IsChallengeResponse:
		switch in.SenderAction {
		case Accept:
			return VerdictAccept, Effects{}
		case Reject:
			return VerdictReject, Effects{}
		case Discard:
			return VerdictDiscard, Effects{}
		}
		// Unknown, Expired and Confirm all stash. Confirm only re-sends the
		// challenge when configured to.
		challenge := in.SenderAction != Confirm || in.ResendConfirmation
		return VerdictDiscard, Effects{Stash: true, SendChallenge: challenge}

	case in.IsChallengeResponse:
		if in.SenderAction != Confirm {
			return VerdictDiscard, Effects{}
		}
		if !in.TokenValid {
			return VerdictReject, Effects{}
		}
		return VerdictDiscard, Effects{PromoteAndRelease: true}

	default:
		return VerdictAccept, Effects{}
	}
}
