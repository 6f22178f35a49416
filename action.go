package postconfirm

import (
	"database/sql/driver"
	"fmt"
)

// Action is the state of a sender in the confirmation state machine.
type Action int

const (
	Unknown Action = iota // default for senders without a record
	Confirm
	Accept
	Reject
	Discard
	Expired
)

// implement sql.Scanner
//
// A value outside the closed set scans as Unknown and reports an error, so a
// corrupted row degrades to the most conservative state.
func (a *Action) Scan(value interface{}) (err error) {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("scanning action: unexpected type %T", value)
	}
	*a, err = ParseAction(s)
	return
}

// implement sql/driver.Valuer
func (a Action) Value() (driver.Value, error) {
	return a.String(), nil
}

func ParseAction(s string) (Action, error) {
	switch s {
	case Unknown.String():
		return Unknown, nil
	case Confirm.String():
		return Confirm, nil
	case Accept.String():
		return Accept, nil
	case Reject.String():
		return Reject, nil
	case Discard.String():
		return Discard, nil
	case Expired.String():
		return Expired, nil
	default:
		return Unknown, fmt.Errorf("unknown action string %q", s)
	}
}

func (a Action) String() string {
	switch a {
	case Unknown:
		return "unknown"
	case Confirm:
		return "confirm"
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Discard:
		return "discard"
	case Expired:
		return "expired"
	default:
		return "<invalid>"
	}
}
