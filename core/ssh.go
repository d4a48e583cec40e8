package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultSSHDialTimeout bounds connection establishment; command runtime is
// bounded separately by the execute timeout.
const DefaultSSHDialTimeout = 10 * time.Second

// CredentialSource resolves credential records by id. The Store interface
// satisfies it.
type CredentialSource interface {
	Credential(ctx context.Context, id int64) (*Credential, error)
}

// SSHExecutor runs commands on remote servers over SSH. Connections are
// non-interactive: no PTY is allocated and argv is passed as a remote
// command line.
type SSHExecutor struct {
	Credentials CredentialSource
	// DefaultKeyPath is used when a server's credential omits a key path.
	DefaultKeyPath string
	// KnownHostsFile enables strict host key checking when set; otherwise
	// host keys are not verified.
	KnownHostsFile string
	OutputLimit    int64
	DialTimeout    time.Duration
}

func NewSSHExecutor(creds CredentialSource, defaultKeyPath, knownHostsFile string, outputLimit int64) *SSHExecutor {
	return &SSHExecutor{
		Credentials:    creds,
		DefaultKeyPath: defaultKeyPath,
		KnownHostsFile: knownHostsFile,
		OutputLimit:    outputLimit,
		DialTimeout:    DefaultSSHDialTimeout,
	}
}

func (e *SSHExecutor) Execute(ctx context.Context, srv *Server, argv []string, timeout time.Duration) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, &TransportError{Op: "ssh exec", Err: ErrEmptyCommand}
	}

	config, err := e.clientConfig(ctx, srv)
	if err != nil {
		return nil, err
	}

	client, err := ssh.Dial("tcp", srv.Address(), config)
	if err != nil {
		return nil, &TransportError{Op: "ssh dial failed", Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "ssh session", Err: err}
	}
	defer session.Close()

	limit := e.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	outBuf := newCaptureBuffer(limit)
	errBuf := newCaptureBuffer(limit)
	session.Stdout = outBuf
	session.Stderr = errBuf

	if err := session.Start(remoteCommandLine(argv)); err != nil {
		return nil, &TransportError{Op: "ssh start", Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-runCtx.Done():
		// Best effort kill; closing the client tears the channel down even
		// when the remote side ignores the signal.
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: timeout}
		}
		return nil, &CancelledError{Reason: "ssh command terminated"}
	case err = <-done:
	}

	result := &ExecResult{
		Stdout: clampedString(outBuf, limit),
		Stderr: clampedString(errBuf, limit),
	}

	if err == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	return nil, &TransportError{Op: "ssh wait", Err: err}
}

func (e *SSHExecutor) clientConfig(ctx context.Context, srv *Server) (*ssh.ClientConfig, error) {
	auth, err := e.authMethods(ctx, srv)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via known-hosts file below
	if e.KnownHostsFile != "" {
		cb, err := knownhosts.New(e.KnownHostsFile)
		if err != nil {
			return nil, &TransportError{Op: "ssh known hosts", Err: err}
		}
		hostKeyCallback = cb
	}

	dialTimeout := e.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultSSHDialTimeout
	}

	return &ssh.ClientConfig{
		User:            srv.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

func (e *SSHExecutor) authMethods(ctx context.Context, srv *Server) ([]ssh.AuthMethod, error) {
	if srv.CredentialID == 0 {
		if e.DefaultKeyPath == "" {
			return nil, &TransportError{Op: "ssh auth", Err: fmt.Errorf("server %q has no credential and no default key is configured", srv.Name)}
		}
		method, err := publicKeyAuth(e.DefaultKeyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{method}, nil
	}

	cred, err := e.Credentials.Credential(ctx, srv.CredentialID)
	if err != nil {
		return nil, &TransportError{Op: "ssh auth", Err: err}
	}

	switch cred.Type {
	case CredentialSSHKey:
		path := cred.Value
		if path == "" {
			path = e.DefaultKeyPath
		}
		if path == "" {
			return nil, &TransportError{Op: "ssh auth", Err: fmt.Errorf("credential %q has no key path and no default key is configured", cred.Name)}
		}
		method, err := publicKeyAuth(path)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{method}, nil
	case CredentialPassword:
		return []ssh.AuthMethod{ssh.Password(cred.Value)}, nil
	default:
		return nil, &TransportError{Op: "ssh auth", Err: fmt.Errorf("credential type %q is not usable for ssh", cred.Type)}
	}
}

func publicKeyAuth(path string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, &TransportError{Op: "ssh read key", Err: err}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, &TransportError{Op: "ssh parse key", Err: err}
	}
	return ssh.PublicKeys(signer), nil
}

// remoteCommandLine renders argv as a single shell-safe remote command.
func remoteCommandLine(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>(){}*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
