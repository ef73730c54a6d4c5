package smtp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/smtpcatch/smtpcatch/internal/certstore"
	"github.com/smtpcatch/smtpcatch/internal/ingest"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can wait for the next
// command line before being aborted.
const idleTimeout = 60 * time.Second

// dataTimeout is the per-read deadline during the DATA phase.
const dataTimeout = 60 * time.Second

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine. Authentication is verified when offered
// but never required for the envelope commands: this server captures
// mail for inspection, it does not gate delivery.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	pipeline *ingest.Pipeline
	hostname string
	certs    *certstore.Store
	maxSize  int64

	tlsActive bool
	authUser  string

	// Current envelope
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection. The
// certificate store is consulted at EHLO and STARTTLS time so sessions
// always observe the currently active certificate.
func NewSession(conn net.Conn, auth *Authenticator, pipeline *ingest.Pipeline, hostname string, certs *certstore.Store, maxSize int64) *Session {
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		state:    stateConnected,
		auth:     auth,
		pipeline: pipeline,
		hostname: hostname,
		certs:    certs,
		maxSize:  maxSize,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, the session is aborted, or QUIT is received.
func (s *Session) Handle() {
	defer s.conn.Close()

	remote := s.conn.RemoteAddr().String()
	slog.Debug("session started", "remote_addr", remote)

	s.writeLine("220 %s ESMTP smtpcatch", s.hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "remote_addr", remote, "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("session aborted", "remote_addr", remote, "phase", "command", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(cmd, arg)
		if done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(cmd, arg string) bool {
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
		return s.handleDATA()
	case "RSET":
		s.handleRSET()
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

// handleEHLO processes EHLO/HELO commands. STARTTLS is advertised only
// while a certificate is active in the store.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if cmd == "HELO" {
		s.state = stateGreeted
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	// EHLO response with capabilities
	s.state = stateGreeted
	s.writeLine("250-%s Hello %s", s.hostname, arg)

	if !s.tlsActive && s.certs.TLSConfig() != nil {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS using the certificate
// active at this moment.
func (s *Session) handleSTARTTLS() {
	config := s.certs.TLSConfig()
	if config == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "remote_addr", s.conn.RemoteAddr().String(), "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true

	// RFC 3207: discard state gained before the upgrade.
	s.state = stateConnected
	s.authUser = ""
	s.mailFrom = ""
	s.rcptTo = nil
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
// With no credentials configured the verb is structurally unavailable,
// not a credential mismatch.
func (s *Session) handleAUTH(arg string) {
	if !s.auth.Enabled() {
		s.writeLine("502 Command not implemented")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	switch mechanism {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleAuthPlain processes AUTH PLAIN authentication.
func (s *Session) handleAuthPlain(parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		// Credentials provided inline: AUTH PLAIN <base64>
		encoded = parts[1]
	} else {
		// Challenge-response: send 334 and wait for credentials
		s.writeLine("334")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("session aborted", "remote_addr", s.conn.RemoteAddr().String(), "phase", "auth", "error", err)
			return
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	user, err := s.auth.VerifyPlain(encoded)
	if err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.authUser = user
	slog.Debug("session authenticated", "remote_addr", s.conn.RemoteAddr().String(), "user", user)
	s.writeLine("235 Authentication successful")
}

// handleAuthLogin processes AUTH LOGIN authentication via challenge-response.
func (s *Session) handleAuthLogin() {
	// Challenge for username (base64 encoded "Username:")
	s.writeLine("334 VXNlcm5hbWU6")
	userLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Debug("session aborted", "remote_addr", s.conn.RemoteAddr().String(), "phase", "auth", "error", err)
		return
	}
	encodedUser := strings.TrimRight(userLine, "\r\n")

	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	// Challenge for password (base64 encoded "Password:")
	s.writeLine("334 UGFzc3dvcmQ6")
	passLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Debug("session aborted", "remote_addr", s.conn.RemoteAddr().String(), "phase", "auth", "error", err)
		return
	}
	encodedPass := strings.TrimRight(passLine, "\r\n")

	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	user, err := s.auth.VerifyLogin(encodedUser, encodedPass)
	if err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.authUser = user
	slog.Debug("session authenticated", "remote_addr", s.conn.RemoteAddr().String(), "user", user)
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes the MAIL FROM command. Authentication state is
// recorded but never required here.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	param := strings.TrimSpace(arg[5:])
	addr := extractAddress(param)
	if addr == "" && param != "<>" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the dot-stuffed body until the bare-dot terminator,
// hands the unstuffed bytes to the ingestion pipeline, and reports the
// outcome. A pipeline failure is a transient failure for this message
// only; the session stays open. Returns true when the session must end
// (transport error or oversized message mid-body).
func (s *Session) handleDATA() bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var body bytes.Buffer
	for {
		if err := s.conn.SetDeadline(time.Now().Add(dataTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "remote_addr", s.conn.RemoteAddr().String(), "error", err)
			return true
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			// Aborted transfer: nothing reaches the store.
			slog.Debug("session aborted", "remote_addr", s.conn.RemoteAddr().String(), "phase", "data", "error", err)
			return true
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Transparency: remove the dot the client stuffed onto lines
		// starting with one (RFC 5321 §4.5.2).
		if strings.HasPrefix(trimmed, ".") {
			line = line[1:]
		}

		if int64(body.Len()+len(line)) > s.maxSize {
			s.writeLine("552 Message exceeds maximum size")
			return true
		}

		body.WriteString(line)
	}

	msg, err := s.pipeline.Ingest(body.Bytes())
	if err != nil {
		slog.Error("failed to ingest message",
			"remote_addr", s.conn.RemoteAddr().String(),
			"mail_from", s.mailFrom,
			"error", err,
		)
		s.writeLine("451 Requested action aborted: error processing message")
		s.resetTransaction()
		return false
	}

	slog.Info("message captured",
		"id", msg.ID,
		"remote_addr", s.conn.RemoteAddr().String(),
		"mail_from", s.mailFrom,
		"recipients", len(s.rcptTo),
		"size", len(msg.Raw),
	)
	s.writeLine("250 OK message accepted")
	s.resetTransaction()
	return false
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction without
// affecting the greeting or authentication state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	// Bare address format
	return s
}
