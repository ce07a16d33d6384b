package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultAuthTimeout = 90 * time.Second

	// check sent right after login; the session is only kept if it echoes back.
	CheckCommand  = `echo "Connection test"`
	checkExpected = "Connection test"
)

// Credential is what a session was opened with. It never leaves this package
// with the secret unless the caller asks for it explicitly via Credential.
type Credential struct {
	Username string
	Secret   string
	Host     string
	Port     int
	IssuedAt time.Time
}

// Expired reports whether the credential is older than ttl at now.
func (c Credential) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.IssuedAt) > ttl
}

// Session is one authenticated transport shared by every caller of a host.
type Session struct {
	Host       string
	Conn       Conn
	Credential Credential
}

type Options struct {
	TTL         time.Duration
	AuthTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Manager holds at most one live session per host.
type Manager struct {
	dialer      Dialer
	ttl         time.Duration
	authTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

func NewManager(d Dialer, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		dialer:      d,
		ttl:         opts.TTL,
		authTimeout: opts.AuthTimeout,
		now:         opts.Now,
		log:         opts.Logger,
		sessions:    make(map[string]*Session),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Authenticate opens a transport, verifies it with a check command and only
// then replaces any prior session for host. The message is meant for humans.
func (m *Manager) Authenticate(ctx context.Context, host, username, secret string, port int) (bool, string) {
	err := m.Connect(ctx, host, username, secret, port)
	if err == nil {
		return true, "Authentication successful"
	}

	var authErr *AuthenticationError
	var connErr *ConnectivityError
	switch {
	case errors.As(err, &authErr):
		return false, "Authentication failed. Please check your credentials and approve the push notification."
	case errors.Is(err, ErrVerification):
		return false, "Connection test failed"
	case errors.As(err, &connErr):
		return false, "SSH connection error: " + connErr.Err.Error()
	default:
		return false, "Connection error: " + err.Error()
	}
}

// Connect is Authenticate with a typed error instead of a message.
func (m *Manager) Connect(ctx context.Context, host, username, secret string, port int) error {
	if port <= 0 {
		port = 22
	}
	log := m.log.With("host", host, "user", username, "port", port)
	log.Info("session: connecting")

	ctx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, host, port, username, secret)
	if err != nil {
		var authErr *AuthenticationError
		if !errors.As(err, &authErr) {
			var connErr *ConnectivityError
			if !errors.As(err, &connErr) {
				err = &ConnectivityError{Host: host, Err: err}
			}
		}
		log.Error("session: dial failed", "err", err)
		return err
	}

	out, err := conn.Exec(ctx, CheckCommand)
	if err != nil || strings.TrimSpace(out.Stdout) != checkExpected {
		_ = conn.Close()
		if err != nil {
			log.Error("session: verification failed", "err", err)
			return errors.Join(ErrVerification, err)
		}
		log.Error("session: verification failed", "stdout", strings.TrimSpace(out.Stdout))
		return ErrVerification
	}

	s := &Session{
		Host: host,
		Conn: conn,
		Credential: Credential{
			Username: username,
			Secret:   secret,
			Host:     host,
			Port:     port,
			IssuedAt: m.now(),
		},
	}

	// wait for in-flight commands on the old transport before swapping it out
	unlock := m.LockHost(host)
	m.mu.Lock()
	prev := m.sessions[host]
	m.sessions[host] = s
	m.mu.Unlock()
	unlock()

	if prev != nil && prev.Conn != conn {
		_ = prev.Conn.Close()
	}
	log.Info("session: authenticated")
	return nil
}

// Acquire returns the live session for host or the reason there is none.
// A stale session is torn down before returning.
func (m *Manager) Acquire(host string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[host]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoSession
	}

	var reason string
	switch {
	case s.Credential.Expired(m.now(), m.ttl):
		reason = "credential expired"
	case !s.Conn.Alive():
		reason = "transport inactive"
	}
	if reason == "" {
		m.mu.Unlock()
		return s, nil
	}
	delete(m.sessions, host)
	m.mu.Unlock()

	_ = s.Conn.Close()
	m.log.Info("session: torn down", "host", host, "reason", reason)
	return nil, &SessionExpiredError{Host: host, Reason: reason}
}

// GetSession returns the live session for host, or nil.
func (m *Manager) GetSession(host string) *Session {
	s, err := m.Acquire(host)
	if err != nil {
		return nil
	}
	return s
}

func (m *Manager) IsAuthenticated(host string) bool {
	return m.GetSession(host) != nil
}

// Credential returns the credential behind host's live session.
func (m *Manager) Credential(host string) (Credential, bool) {
	s := m.GetSession(host)
	if s == nil {
		return Credential{}, false
	}
	return s.Credential, true
}

// AuthenticatedHosts lists hosts with a live session, sorted.
func (m *Manager) AuthenticatedHosts() []string {
	m.mu.Lock()
	hosts := make([]string, 0, len(m.sessions))
	for h := range m.sessions {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()

	out := hosts[:0]
	for _, h := range hosts {
		if m.IsAuthenticated(h) {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Cleanup closes and forgets host's session. Safe to call repeatedly.
func (m *Manager) Cleanup(host string) {
	m.mu.Lock()
	s, ok := m.sessions[host]
	delete(m.sessions, host)
	m.mu.Unlock()

	if ok {
		_ = s.Conn.Close()
		m.log.Info("session: cleaned up", "host", host)
	}
}

// CloseAll cleans up every host.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	hosts := make([]string, 0, len(m.sessions))
	for h := range m.sessions {
		hosts = append(hosts, h)
	}
	m.mu.Unlock()

	for _, h := range hosts {
		m.Cleanup(h)
	}
}

// LockHost serializes command execution on one host and returns the unlock func.
func (m *Manager) LockHost(host string) func() {
	m.mu.Lock()
	l, ok := m.locks[host]
	if !ok {
		l = &sync.Mutex{}
		m.locks[host] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
