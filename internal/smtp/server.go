package smtp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/smtpcatch/smtpcatch/internal/certstore"
	"github.com/smtpcatch/smtpcatch/internal/ingest"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// defaultMaxMessageSize is 10 MB.
const defaultMaxMessageSize = 10 * 1024 * 1024

// Config holds the configuration for the SMTP listener.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in SMTP banners.
	Hostname string

	// AdvertisedHost overrides the host reported by ConnectionInfo.
	// When empty, the first non-loopback IPv4 address is used.
	AdvertisedHost string

	// AuthUsername and AuthPassword configure SMTP AUTH. If either is
	// empty, the AUTH command is disabled entirely.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize caps the DATA payload in bytes.
	MaxMessageSize int64
}

// ConnectionInfo describes how clients should connect, as reported by
// the management API. Secure is always false: encryption is strictly
// opt-in via STARTTLS, the listener never starts in implicit-TLS mode.
type ConnectionInfo struct {
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Secure       bool      `json:"secure"`
	TLS          bool      `json:"tls"`
	RequiresAuth bool      `json:"requiresAuth"`
	Auth         *AuthInfo `json:"auth,omitempty"`
}

// AuthInfo carries the configured test credentials.
type AuthInfo struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// Server owns the SMTP listening socket. It accepts connections, hands
// each to an independent Session, and performs a graceful
// stop/rebind/resume cycle whenever the certificate store changes.
type Server struct {
	config   Config
	auth     *Authenticator
	certs    *certstore.Store
	pipeline *ingest.Pipeline

	// mu guards the listener across Start/Restart/Shutdown.
	mu           sync.Mutex
	listener     net.Listener
	shuttingDown bool

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates an SMTP Server. The certificate store is kept by
// reference: sessions and restarts always read the current record.
func New(cfg Config, certs *certstore.Store, pipeline *ingest.Pipeline) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	return &Server{
		config:   cfg,
		auth:     NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		certs:    certs,
		pipeline: pipeline,
	}
}

// Start binds the configured address and begins accepting connections.
// A bind failure here is fatal to startup and is returned to the caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind SMTP listener on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	go s.acceptLoop(ln)

	_, hasCert := s.certs.Active()
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", hasCert,
	)
	return nil
}

// Restart performs the certificate hot-swap cycle: stop accepting and
// close the listening socket, then rebind the same port and resume.
// In-flight sessions finish on their own. A rebind failure leaves the
// process alive but not accepting SMTP connections; the management API
// and stored messages remain usable.
func (s *Server) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return nil
	}

	addr := s.config.ListenAddr
	if s.listener != nil {
		// Keep the concrete bound address so listeners started on
		// port 0 rebind the same port.
		addr = s.listener.Addr().String()
		s.listener.Close()
		s.listener = nil
	}

	slog.Info("restarting SMTP listener with new TLS configuration")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to rebind SMTP listener, running degraded", "addr", addr, "error", err)
		return fmt.Errorf("failed to rebind SMTP listener on %s: %w", addr, err)
	}
	s.listener = ln
	go s.acceptLoop(ln)

	_, hasCert := s.certs.Active()
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", hasCert,
	)
	return nil
}

// Shutdown stops accepting connections and waits up to 30 seconds for
// in-flight sessions to complete.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()

	s.waitForSessions()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Listener replaced by Restart or closed by Shutdown.
				return
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session := NewSession(
				conn,
				s.auth,
				s.pipeline,
				s.config.Hostname,
				s.certs,
				s.config.MaxMessageSize,
			)
			session.Handle()
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ConnectionInfo reports how clients should reach this server.
func (s *Server) ConnectionInfo() ConnectionInfo {
	_, hasCert := s.certs.Active()

	info := ConnectionInfo{
		Host:         s.advertisedHost(),
		Port:         s.port(),
		Secure:       false,
		TLS:          hasCert,
		RequiresAuth: s.auth.Enabled(),
	}

	if user, pass, ok := s.auth.Credentials(); ok {
		info.Auth = &AuthInfo{User: user, Pass: pass}
	}
	return info
}

func (s *Server) port() int {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			return tcp.Port
		}
	}

	_, portStr, err := net.SplitHostPort(s.config.ListenAddr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// advertisedHost resolves the host clients should connect to: the
// configured override, else the first non-loopback IPv4 address, else
// localhost.
func (s *Server) advertisedHost() string {
	if s.config.AdvertisedHost != "" {
		return s.config.AdvertisedHost
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		slog.Warn("failed to determine network address", "error", err)
		return "localhost"
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "localhost"
}
