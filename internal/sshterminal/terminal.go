package sshterminal

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// TerminalSession wraps an SSH session with PTY support for interactive shell access.
type TerminalSession struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Stderr  io.Reader
	Session *ssh.Session
}

// Resize changes the terminal dimensions of the PTY.
func (ts *TerminalSession) Resize(cols, rows int) error {
	return ts.Session.WindowChange(rows, cols)
}

// Close terminates the SSH session and releases resources.
func (ts *TerminalSession) Close() error {
	return ts.Session.Close()
}

// ExitStatus waits for the remote shell to finish and returns its exit
// status, or -1 when the server did not report one.
func (ts *TerminalSession) ExitStatus() int {
	err := ts.Session.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus()
	}
	return -1
}

// createInteractiveSession opens a new SSH session with a PTY of the given
// type and size and starts the user's login shell.
func createInteractiveSession(client *ssh.Client, termType string, cols, rows int) (*TerminalSession, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty(termType, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &TerminalSession{
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Session: session,
	}, nil
}
