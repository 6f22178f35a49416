package postconfirm

import (
	"fmt"
	"log"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp" // not to be confused with golang's net/smtp
)

// Remailer submits messages to the external relay. Send failures are
// best-effort for the callers: they log and move on, the milter verdict is
// never held up by delivery problems.
type Remailer interface {
	// Send submits message to recipients. An empty envelopeFrom selects the
	// configured default sender.
	Send(recipients []string, message []byte, envelopeFrom string) error

	// Quit ends the current connection scope with a graceful SMTP QUIT.
	// Calling it without a live connection is a no-op.
	Quit()
}

// SMTPRemailer keeps a single connection to the relay alive across
// successive sends. Before reuse the connection is probed with NOOP; a dead
// connection is dialed again once.
type SMTPRemailer struct {
	Host          string
	Port          int
	HeloHost      string
	DefaultSender string
	Username      string // PLAIN auth if non-empty
	Password      string

	mu     sync.Mutex
	client *smtp.Client
}

func (r *SMTPRemailer) Send(recipients []string, message []byte, envelopeFrom string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, err := r.connection()
	if err != nil {
		return err
	}

	if envelopeFrom == "" {
		envelopeFrom = r.DefaultSender
	}

	if err := client.Mail(envelopeFrom); err != nil {
		r.abort()
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			r.abort()
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		r.abort()
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		w.Close()
		r.abort()
		return err
	}
	return w.Close()
}

// abort rolls the connection back to command state after a failed
// transaction, so the next send does not run into a nested MAIL command.
// If even the RSET fails the connection is dropped and the next send
// dials again. The caller holds the lock.
func (r *SMTPRemailer) abort() {
	if err := r.client.Reset(); err != nil {
		r.client.Close()
		r.client = nil
	}
}

// connection returns a probed client, reconnecting once if the previous
// connection went away.
func (r *SMTPRemailer) connection() (*smtp.Client, error) {
	if r.client != nil {
		if err := r.client.Noop(); err == nil {
			return r.client, nil
		}
		r.client.Close()
		r.client = nil
	}

	client, err := smtp.Dial(fmt.Sprintf("%s:%d", r.Host, r.Port))
	if err != nil {
		return nil, fmt.Errorf("connecting to relay: %w", err)
	}
	if r.HeloHost != "" {
		if err := client.Hello(r.HeloHost); err != nil {
			client.Close()
			return nil, fmt.Errorf("HELO: %w", err)
		}
	}
	if r.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", r.Username, r.Password)); err != nil {
			client.Close()
			return nil, fmt.Errorf("relay auth: %w", err)
		}
	}

	r.client = client
	return r.client, nil
}

func (r *SMTPRemailer) Quit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return
	}
	if err := r.client.Quit(); err != nil {
		// already disconnected, nothing to be graceful about
		r.client.Close()
	}
	r.client = nil
}

// DummyRemailer logs instead of sending.
type DummyRemailer struct{}

func (DummyRemailer) Send(recipients []string, message []byte, envelopeFrom string) error {
	log.Printf("[DummyRemailer] not sending %d bytes from %q to %d recipients", len(message), envelopeFrom, len(recipients))
	return nil
}

func (DummyRemailer) Quit() {}

// RemailerEnvelope is what ChanRemailer hands to tests.
type RemailerEnvelope struct {
	From    string
	To      []string
	Message string
}

// ChanRemailer can replace the SMTPRemailer in tests.
type ChanRemailer chan *RemailerEnvelope

func (c ChanRemailer) Send(recipients []string, message []byte, envelopeFrom string) error {
	chan *RemailerEnvelope(c) <- &RemailerEnvelope{
		From:    envelopeFrom,
		To:      append([]string{}, recipients...),
		Message: string(message),
	}
	return nil
}

func (ChanRemailer) Quit() {}
