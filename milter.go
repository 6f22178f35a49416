package postconfirm

import (
	"bytes"
	"context"
	"log"
	"net"
	"net/textproto"
	"strings"
	"sync/atomic"

	"github.com/emersion/go-milter"
	"github.com/ietf-tools/postconfirm/mailutil"
)

// NewMilterServer returns a milter server whose sessions run the
// confirmation pipeline. The caller owns the listener and closes it for
// shutdown.
func (p *Postconfirm) NewMilterServer() *milter.Server {
	return &milter.Server{
		NewMilter: func() milter.Milter {
			return &session{
				p:  p,
				id: atomic.AddUint32(&p.LastLogID, 1),
			}
		},
		Actions:  0, // verdict only, no message modification
		Protocol: 0,
	}
}

// session is the per-connection milter state. The MTA streams one or more
// messages over a connection; MailFrom starts a message and Body ends it.
type session struct {
	p  *Postconfirm
	id uint32

	from       string
	recipients []string
	headers    []HeaderField
	subject    string
	body       bytes.Buffer
}

func (s *session) logf(format string, v ...interface{}) {
	log.Printf("[%d] "+format, append([]interface{}{s.id}, v...)...)
}

func (s *session) reset() {
	s.from = ""
	s.recipients = nil
	s.headers = nil
	s.subject = ""
	s.body.Reset()
}

func (s *session) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (s *session) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (s *session) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	s.reset()
	s.from = mailutil.Clean(from)
	return milter.RespContinue, nil
}

func (s *session) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	s.recipients = append(s.recipients, mailutil.Clean(rcptTo))
	return milter.RespContinue, nil
}

func (s *session) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	s.headers = append(s.headers, HeaderField{Name: name, Value: value})
	if strings.EqualFold(name, "Subject") {
		s.subject = mailutil.RobustWordDecode(strings.TrimLeft(value, " \t"))
	}
	return milter.RespContinue, nil
}

func (s *session) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (s *session) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	s.body.Write(chunk)
	return milter.RespContinue, nil
}

// Body is the end-of-message event. The whole message is known here, so
// this is the only place a verdict is made.
func (s *session) Body(m *milter.Modifier) (milter.Response, error) {
	s.p.Waiting.Add(1)
	defer s.p.Waiting.Done()

	verdict := s.p.ProcessMessage(context.Background(), s.logf, s.from, s.recipients, s.headers, s.subject, s.body.Bytes())
	s.reset()

	switch verdict {
	case VerdictReject:
		return milter.RespReject, nil
	case VerdictDiscard:
		return milter.RespDiscard, nil
	default:
		return milter.RespAccept, nil
	}
}

// Abort is called when the MTA cancels the current message, for example
// after its own recipient checks fail.
func (s *session) Abort(m *milter.Modifier) error {
	s.reset()
	return nil
}
