package smtpcheck

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/textproto"
	"time"
)

type state int

const (
	stateMXResolved state = iota
	stateConnected
	stateGreeted
	stateEhloAck
	stateTLSRequested
	stateTLSEstablished
	stateMailFromAck
	stateRcptSent
	stateTerminal
)

var stateNames = [...]string{
	"mx_resolved", "connected", "greeted", "ehlo_ack", "tls_requested",
	"tls_established", "mail_from_ack", "rcpt_sent", "terminal",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// session is one SMTP dialogue. Each step consumes the current state and
// either advances it or finishes with a terminal status.
type session struct {
	verifier *Verifier
	host     string
	rcpt     string

	state   state
	conn    net.Conn
	text    *textproto.Conn
	stop    func() bool
	status  Status
	code    int
	message string
}

func (s *session) run(ctx context.Context) {
	defer s.close()
	for s.state != stateTerminal {
		s.step(ctx)
	}
}

func (s *session) step(ctx context.Context) {
	v := s.verifier
	switch s.state {
	case stateMXResolved:
		conn, err := v.dial(ctx, "tcp", v.addr(s.host))
		if err != nil {
			if isTimeout(err) {
				s.finish(StatusTimeout)
			} else {
				s.finish(StatusConnectError)
			}
			return
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		// A canceled context must unblock a pending read too.
		s.stop = context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
		s.conn = conn
		s.text = textproto.NewConn(conn)
		s.state = stateConnected

	case stateConnected:
		if s.expect(220) {
			s.state = stateGreeted
		}

	case stateGreeted:
		if s.command(250, "EHLO %s", v.helo) {
			s.state = stateEhloAck
		}

	case stateEhloAck:
		if s.command(220, "STARTTLS") {
			s.state = stateTLSRequested
		}

	case stateTLSRequested:
		tlsConn := tls.Client(s.conn, v.tlsConfig(s.host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			if isTimeout(err) {
				s.finish(StatusTimeout)
			} else {
				s.finish(StatusTLSError)
			}
			return
		}
		s.conn = tlsConn
		s.text = textproto.NewConn(tlsConn)
		// The server forgets the plaintext EHLO after STARTTLS.
		if s.command(250, "EHLO %s", v.helo) {
			s.state = stateTLSEstablished
		}

	case stateTLSEstablished:
		if s.command(250, "MAIL FROM:<%s>", v.mailFrom) {
			s.state = stateMailFromAck
		}

	case stateMailFromAck:
		if err := s.text.PrintfLine("RCPT TO:<%s>", s.rcpt); err != nil {
			s.fail(err)
			return
		}
		s.state = stateRcptSent

	case stateRcptSent:
		code, msg, err := s.text.ReadResponse(250)
		s.code, s.message = code, msg
		if err != nil {
			s.fail(err)
			return
		}
		_ = s.text.PrintfLine("QUIT")
		s.finish(StatusVerified)
	}
}

// command sends one line and waits for the expected reply code.
func (s *session) command(expect int, format string, args ...any) bool {
	if err := s.text.PrintfLine(format, args...); err != nil {
		s.fail(err)
		return false
	}
	return s.expect(expect)
}

func (s *session) expect(code int) bool {
	got, msg, err := s.text.ReadResponse(code)
	s.code, s.message = got, msg
	if err != nil {
		s.fail(err)
		return false
	}
	return true
}

// fail maps a transport or protocol error to a terminal status.
func (s *session) fail(err error) {
	var tpErr *textproto.Error
	switch {
	case errors.As(err, &tpErr):
		s.code, s.message = tpErr.Code, tpErr.Msg
		if tpErr.Code >= 500 && tpErr.Code < 600 {
			s.finish(StatusRejected)
		} else {
			s.finish(StatusUnexpectedResponse)
		}
	case isTimeout(err):
		s.finish(StatusTimeout)
	case s.state == stateConnected:
		s.finish(StatusEarlyDisconnect)
	default:
		var protoErr textproto.ProtocolError
		if errors.As(err, &protoErr) {
			s.finish(StatusUnexpectedResponse)
			return
		}
		s.finish(StatusTimeoutOrDisconnect)
	}
}

func (s *session) finish(st Status) {
	s.status = st
	s.state = stateTerminal
}

func (s *session) close() {
	if s.stop != nil {
		s.stop()
	}
	if s.text != nil {
		s.text.Close()
	} else if s.conn != nil {
		s.conn.Close()
	}
}
