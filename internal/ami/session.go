package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// ErrAuth is returned when Asterisk rejects the login.
var ErrAuth = errors.New("ami: authentication failed")

// Session is a logged-in AMI connection.
type Session struct {
	conn   net.Conn
	parser *Parser
	// Banner is the greeting line sent by Asterisk on connect.
	Banner string
}

// Dial connects to addr and logs in.
func Dial(ctx context.Context, addr, username, secret string) (*Session, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial AMI: %w", err)
	}
	s, err := NewSession(conn, username, secret)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSession performs the banner and login handshake on conn.
func NewSession(conn net.Conn, username, secret string) (*Session, error) {
	reader := bufio.NewReader(conn)

	banner, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading AMI banner: %w", err)
	}

	s := &Session{conn: conn, parser: NewParser(reader), Banner: strings.TrimSpace(banner)}

	login := NewEvent("Action", "Login", "Username", username, "Secret", secret, "Events", "on")
	if err := s.Send(login); err != nil {
		return nil, fmt.Errorf("sending login: %w", err)
	}

	// Events may already be queued ahead of the login response.
	for {
		evt, ok := s.parser.Next()
		if !ok {
			return nil, fmt.Errorf("reading login response: %w", s.eof())
		}
		if !evt.IsResponse() {
			continue
		}
		if evt.Get("Response") != "Success" {
			return nil, fmt.Errorf("%w: %s", ErrAuth, evt.Get("Message"))
		}
		return s, nil
	}
}

// Send writes an action.
func (s *Session) Send(action Event) error {
	_, err := io.WriteString(s.conn, action.String())
	return err
}

// Next blocks until the next event arrives. It returns an error once the
// connection is closed.
func (s *Session) Next() (Event, error) {
	evt, ok := s.parser.Next()
	if !ok {
		return Event{}, s.eof()
	}
	return evt, nil
}

func (s *Session) eof() error {
	if err := s.parser.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Close logs off and closes the connection.
func (s *Session) Close() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.Send(NewEvent("Action", "Logoff"))
	return s.conn.Close()
}
