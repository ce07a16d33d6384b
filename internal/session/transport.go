package session

import (
	"context"
	"io"
	"io/fs"
)

// Dialer opens an authenticated transport to one host.
// Implementations return *AuthenticationError when the host rejects the
// credentials and *ConnectivityError for network, timeout or protocol failures.
type Dialer interface {
	Dial(ctx context.Context, host string, port int, user, secret string) (Conn, error)
}

// Conn is a live transport to one host. Exec opens a fresh channel per call.
type Conn interface {
	Exec(ctx context.Context, cmd string) (ExecOutput, error)
	OpenFileChannel() (FileChannel, error)
	// Alive reports whether the transport is still open. It must not do network I/O.
	Alive() bool
	Close() error
}

// ExecOutput is the raw outcome of a command that ran to completion.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// FileChannel is the subset of an SFTP client used for local to remote uploads.
type FileChannel interface {
	Mkdir(path string) error
	Stat(path string) (fs.FileInfo, error)
	ReadDir(path string) ([]fs.FileInfo, error)
	Create(path string) (io.WriteCloser, error)
	Close() error
}
