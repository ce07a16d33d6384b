package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tastythames/lab-pipeline/internal/session"
)

// Dialer opens long-lived SSH connections. It implements session.Dialer.
type Dialer struct {
	cfg Config
}

func New(cfg Config) (*Dialer, error) {
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	return &Dialer{cfg: cfg}, nil
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(d.cfg.KnownHostsPath)
}

// Dial authenticates with password and keyboard-interactive. Every
// interactive question is answered with the secret, which is what a
// password + push-approval second factor expects; the handshake blocks
// until the push is approved or the timeout fires.
func (d *Dialer) Dial(ctx context.Context, host string, port int, user, secret string) (session.Conn, error) {
	if user == "" {
		return nil, &session.AuthenticationError{Host: host, Err: fmt.Errorf("ssh user is empty")}
	}
	if secret == "" {
		return nil, &session.AuthenticationError{Host: host, Err: fmt.Errorf("ssh password is empty")}
	}
	if port <= 0 {
		port = d.cfg.Port
	}

	hk, err := d.hostKeyCallback()
	if err != nil {
		return nil, &session.ConnectivityError{Host: host, Err: fmt.Errorf("known hosts: %w", err)}
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	sshCfg := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: hk,
		Timeout:         d.cfg.Timeout,
		Auth: []ssh.AuthMethod{
			ssh.Password(secret),
			ssh.KeyboardInteractive(func(_user, _instruction string, questions []string, _echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = secret
				}
				return answers, nil
			}),
		},
	}

	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &session.ConnectivityError{Host: host, Err: err}
	}

	// the handshake must obey ctx too; the deadline is lifted once we are in
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.Timeout))
	}

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		if isAuthFailure(err) {
			return nil, &session.AuthenticationError{Host: host, Err: err}
		}
		return nil, &session.ConnectivityError{Host: host, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	c := &clientConn{client: ssh.NewClient(cconn, chans, reqs), stop: make(chan struct{})}
	go func() {
		_ = c.client.Wait()
		c.closed.Store(true)
	}()
	if d.cfg.KeepAlive > 0 {
		go c.keepAlive(d.cfg.KeepAlive)
	}
	return c, nil
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

type clientConn struct {
	client *ssh.Client
	closed atomic.Bool
	stop   chan struct{}
	once   sync.Once
}

func (c *clientConn) Alive() bool { return !c.closed.Load() }

func (c *clientConn) Close() error {
	c.closed.Store(true)
	c.once.Do(func() { close(c.stop) })
	return c.client.Close()
}

// keepAlive notices a dead peer between commands, so Alive turns false
// without waiting for the next Exec to fail.
func (c *clientConn) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.closed.Store(true)
				_ = c.client.Close()
				return
			}
		}
	}
}

// Exec runs cmd on a fresh channel. A non-zero exit status is reported in
// ExecOutput, not as an error; errors are reserved for transport problems
// and ctx expiry.
func (c *clientConn) Exec(ctx context.Context, cmd string) (session.ExecOutput, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return session.ExecOutput{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		// Best-effort terminate the remote process. The buffers are still
		// owned by the copy goroutines, so nothing is read from them here.
		_ = sess.Signal(ssh.SIGKILL)
		return session.ExecOutput{ExitCode: -1}, ctx.Err()
	case err := <-done:
		out := session.ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		out.ExitCode = -1
		return out, err
	}
}

func (c *clientConn) OpenFileChannel() (session.FileChannel, error) {
	cli, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &fileChannel{cli: cli}, nil
}

type fileChannel struct {
	cli *sftp.Client
}

func (f *fileChannel) Mkdir(path string) error                    { return f.cli.Mkdir(path) }
func (f *fileChannel) Stat(path string) (fs.FileInfo, error)      { return f.cli.Stat(path) }
func (f *fileChannel) ReadDir(path string) ([]fs.FileInfo, error) { return f.cli.ReadDir(path) }
func (f *fileChannel) Create(path string) (io.WriteCloser, error) { return f.cli.Create(path) }
func (f *fileChannel) Close() error                               { return f.cli.Close() }
