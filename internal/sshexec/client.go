// Package sshexec opens authenticated SSH sessions to fleet nodes and runs
// commands with timeout, sudo elevation, and structured result capture.
//
// Transport failures (dial, auth, session setup, timeout) are reported as
// *TransportError and mean "could not determine the remote outcome". A
// non-zero remote exit code is not an error at this layer; it is returned in
// the Result so callers can classify it themselves.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/julianwileymac/rpi-kubernetes/internal/inventory"
)

const dialTimeout = 10 * time.Second

// TransportError indicates that a node could not be reached, authenticated
// to, or that the session died before a remote exit status was observed.
type TransportError struct {
	Node string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s during %s: %v", e.Node, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Result captures the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Elapsed  time.Duration
}

// Options control how a single command is executed.
type Options struct {
	Sudo    bool          // Run the command via non-interactive sudo
	Timeout time.Duration // Per-command timeout (0 = caller's context only)
}

// Client wraps an SSH client connection for remote command execution.
type Client struct {
	client *ssh.Client
	node   inventory.Node
}

// Dialer holds fleet-wide SSH credentials and produces node connections.
type Dialer struct {
	Auth inventory.SSH
}

// authMethods builds the authentication method list. Private-key formats are
// tried in a fixed preference order: an unencrypted key first, then the same
// key material with the configured passphrase. A key that parses under
// neither is an authentication failure for the node, not fatal to the run.
func (d *Dialer) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if d.Auth.KeyPath != "" {
		keyData, err := os.ReadFile(d.Auth.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", d.Auth.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil && d.Auth.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(d.Auth.Passphrase))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key from %s: %w", d.Auth.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if d.Auth.Password != "" {
		methods = append(methods, ssh.Password(d.Auth.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication method provided (need password or private key)")
	}
	return methods, nil
}

// Dial establishes an SSH connection to the node.
func (d *Dialer) Dial(ctx context.Context, node inventory.Node) (*Client, error) {
	methods, err := d.authMethods()
	if err != nil {
		return nil, &TransportError{Node: node.Name, Op: "auth", Err: err}
	}

	config := &ssh.ClientConfig{
		User:            node.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := node.Addr()
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Node: node.Name, Op: "dial", Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, &TransportError{Node: node.Name, Op: "handshake", Err: err}
	}

	return &Client{client: ssh.NewClient(sshConn, chans, reqs), node: node}, nil
}

// Probe checks SSH reachability with a connect-and-close, running no command.
func (d *Dialer) Probe(ctx context.Context, node inventory.Node) error {
	client, err := d.Dial(ctx, node)
	if err != nil {
		return err
	}
	return client.Close()
}

// elevate wraps a command so it runs under non-interactive sudo. Single
// quotes in the command are escaped so arbitrary shell text survives the
// wrapping.
func elevate(command string) string {
	escaped := strings.ReplaceAll(command, "'", `'\''`)
	return fmt.Sprintf("sudo bash -c '%s'", escaped)
}

// Run executes a command on the remote host.
func (c *Client) Run(ctx context.Context, command string, opts Options) (Result, error) {
	if opts.Sudo {
		command = elevate(command)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, &TransportError{Node: c.node.Name, Op: "session", Err: err}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	start := time.Now()
	errChan := make(chan error, 1)
	go func() {
		errChan <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, &TransportError{Node: c.node.Name, Op: "run", Err: ctx.Err()}
	case err := <-errChan:
		res := Result{
			Stdout:  stdoutBuf.String(),
			Stderr:  stderrBuf.String(),
			Elapsed: time.Since(start),
		}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		// No exit status came back: the session died mid-command.
		return res, &TransportError{Node: c.node.Name, Op: "run", Err: err}
	}
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Node returns the node this client is connected to.
func (c *Client) Node() inventory.Node {
	return c.node
}
