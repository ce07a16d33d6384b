// Package remote runs commands and opens file channels over the sessions
// held by a session.Manager.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tastythames/lab-pipeline/internal/session"
)

const DefaultTimeout = 5 * time.Minute

// NoSessionMessage is the stderr of a command refused for lack of a session.
const NoSessionMessage = "No valid connection to host. Please authenticate first."

// CommandResult is the immutable outcome of one remote command.
type CommandResult struct {
	Succeeded bool
	Stdout    string
	Stderr    string
	// ExitCode is -1 when the command did not run to completion.
	ExitCode int
	// Err is set when the command never produced an exit status: no
	// session, transport failure or timeout.
	Err error
}

// Error returns a CommandFailureError for a failed result, nil otherwise.
func (r CommandResult) Error() error {
	if r.Succeeded {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return &CommandFailureError{ExitCode: r.ExitCode, Stderr: r.Stderr}
}

// CommandFailureError is a command that ran and exited non-zero.
type CommandFailureError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandFailureError) Error() string {
	return fmt.Sprintf("exit status %d: %s", e.ExitCode, e.Stderr)
}

// Executor runs commands through the manager's live sessions. Commands on
// the same host are serialized; different hosts proceed independently.
type Executor struct {
	sessions *session.Manager
	log      *slog.Logger
}

func NewExecutor(m *session.Manager, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{sessions: m, log: log}
}

// Execute runs command on host. Without a live session it fails without
// touching the network. A timeout fails the call; there is no retry.
func (e *Executor) Execute(ctx context.Context, host, command string, timeout time.Duration) CommandResult {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	unlock := e.sessions.LockHost(host)
	defer unlock()

	s, err := e.sessions.Acquire(host)
	if err != nil {
		return CommandResult{ExitCode: -1, Stderr: NoSessionMessage, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.log.Debug("remote: exec", "host", host, "cmd", command)
	out, err := s.Conn.Exec(ctx, command)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("command timed out after %s: %w", timeout, err)
		}
		e.log.Error("remote: exec failed", "host", host, "err", err)
		return CommandResult{
			Stdout:   out.Stdout,
			Stderr:   "Command execution failed: " + err.Error(),
			ExitCode: -1,
			Err:      err,
		}
	}

	res := CommandResult{
		Succeeded: out.ExitCode == 0,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  out.ExitCode,
	}
	if !res.Succeeded {
		e.log.Warn("remote: command failed", "host", host, "exit_code", out.ExitCode, "stderr", out.Stderr)
	}
	return res
}

// OpenFileChannel opens an SFTP channel on host's session. The caller
// closes it. Without a live session it returns ok=false and does no I/O.
func (e *Executor) OpenFileChannel(host string) (session.FileChannel, bool) {
	unlock := e.sessions.LockHost(host)
	defer unlock()

	s, err := e.sessions.Acquire(host)
	if err != nil {
		return nil, false
	}
	ch, err := s.Conn.OpenFileChannel()
	if err != nil {
		e.log.Error("remote: open file channel failed", "host", host, "err", err)
		return nil, false
	}
	return ch, true
}

func (e *Executor) IsAuthenticated(host string) bool {
	return e.sessions.IsAuthenticated(host)
}

// Credential exposes the credential behind host's live session, used when
// one host has to reach another on the operator's behalf.
func (e *Executor) Credential(host string) (session.Credential, bool) {
	return e.sessions.Credential(host)
}
