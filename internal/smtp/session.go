package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/m365-mailer/internal/parser"
	"github.com/shineum/m365-mailer/internal/provider"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// Session is a single SMTP client connection.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	auth   *Authenticator
	cfg    *ServerConfig

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn using the server's configuration.
func NewSession(conn net.Conn, auth *Authenticator, cfg *ServerConfig) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		auth:   auth,
		cfg:    cfg,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or the context is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP m365-mailer", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 Authentication cancelled")
	case err != nil:
		slog.Info("SMTP authentication failed", "remote", s.conn.RemoteAddr().String(), "mechanism", mechanism)
		s.writeLine("535 Authentication failed")
	default:
		s.state = stateAuthOK
		s.writeLine("235 Authentication successful")
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

// authPlain verifies AUTH PLAIN, reading the response after a 334 challenge
// when it was not sent inline.
func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge("334"); err != nil {
			return err
		}
	}
	return s.auth.VerifyPlain(encoded)
}

// authLogin runs the AUTH LOGIN username/password challenges.
func (s *Session) authLogin() error {
	user, err := s.challenge("334 VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	pass, err := s.challenge("334 UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.auth.VerifyLogin(user, pass)
}

func (s *Session) challenge(prompt string) (string, error) {
	s.writeLine("%s", prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read AUTH response: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := splitPath(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := declaredSize(params); ok && size > s.cfg.MaxMessageSize {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := splitPath(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message body, then hands it to the provider. The
// reply reflects the delivery outcome.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return
	}
	defer s.resetTransaction()

	if tooLarge {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		s.writeLine("550 Failed to process message")
		return
	}

	req, cleanup, err := buildRequest(msg, s.rcptTo, s.cfg.SpoolDir)
	if err != nil {
		slog.Error("failed to prepare message", "error", err)
		s.writeLine("451 Local error in processing")
		return
	}
	defer cleanup()

	if err := s.cfg.Provider.Send(ctx, req); err != nil {
		slog.Error("provider send failed",
			"provider", s.cfg.Provider.Name(),
			"envelope_from", s.mailFrom,
			"error", err,
		)
		if errors.Is(err, provider.ErrRejected) {
			s.writeLine("554 Transaction failed: %s", replyText(err))
			return
		}
		s.writeLine("451 Temporary failure: %s", replyText(err))
		return
	}

	s.writeLine("250 OK message accepted for delivery")
}

// readData reads until the terminating dot line, undoing dot-stuffing. Once
// the size limit is passed the remainder is drained and discarded. Lines are
// consumed in reader-sized slices so a line without a newline is bounded too.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooLarge := false
	lineStart := true

	for {
		chunk, err := s.reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, false, err
		}
		complete := err == nil

		if lineStart {
			// A slice that begins a line holds at least the whole line or a
			// full reader buffer, so the first two bytes are always present.
			if complete && string(bytes.TrimRight(chunk, "\r\n")) == "." {
				return buf.Bytes(), tooLarge, nil
			}
			if bytes.HasPrefix(chunk, []byte("..")) {
				chunk = chunk[1:]
			}
		}
		lineStart = complete

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(chunk)) > s.cfg.MaxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.Write(chunk)
	}
}

// resetTransaction clears the current mail transaction without affecting
// the greeting or authentication state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// replyText flattens a delivery error onto a single reply line.
func replyText(err error) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(provider.Message(err))
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// splitPath separates the address from any ESMTP parameters that follow it.
// Both "<user@example.com> SIZE=123" and bare "user@example.com" are accepted.
func splitPath(s string) (string, string) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", ""
		}
		return s[1:end], strings.TrimSpace(s[end+1:])
	}

	addr, params, _ := strings.Cut(s, " ")
	return addr, strings.TrimSpace(params)
}

// declaredSize returns the SIZE= parameter of a MAIL FROM command.
func declaredSize(params string) (int64, bool) {
	for _, p := range strings.Fields(params) {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
