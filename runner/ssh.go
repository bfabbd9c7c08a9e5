package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Target holds what is needed to open an SSH connection to one server
type Target struct {
	Address    string
	Username   string
	PrivateKey string
	Password   string
}

type Dialer interface {
	Dial(ctx context.Context, target Target) (Client, error)
}

// Client is an open connection to a server
type Client interface {
	// Upload writes content to path on the remote host with the given mode
	Upload(ctx context.Context, path string, content io.Reader, mode os.FileMode) error
	// Exec runs cmd through the remote shell, streaming combined output to out.
	// A non-zero exit status is reported through the returned code, not the error.
	Exec(ctx context.Context, cmd string, out io.Writer) (int, error)
	Close() error
}

// SSHDialer opens connections with golang.org/x/crypto/ssh
type SSHDialer struct {
	ConnectTimeout time.Duration
	// CancelGrace bounds how long Exec waits for a killed session before
	// dropping the whole connection.
	CancelGrace time.Duration
}

func NewSSHDialer(connectTimeout, cancelGrace time.Duration) *SSHDialer {
	return &SSHDialer{ConnectTimeout: connectTimeout, CancelGrace: cancelGrace}
}

func (d *SSHDialer) Dial(ctx context.Context, target Target) (Client, error) {
	auth, err := authMethods(target)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // servers are registered by operators
		Timeout:         d.ConnectTimeout,
	}

	netDialer := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := netDialer.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target.Address, err)
	}

	// The handshake itself is bounded by the connect timeout too
	if d.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target.Address, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", target.Address, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshClient{client: ssh.NewClient(c, chans, reqs), grace: d.CancelGrace}, nil
}

func authMethods(target Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if key := strings.TrimSpace(target.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		methods = append(methods, ssh.Password(target.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("server has neither a private key nor a password")
	}
	return methods, nil
}

type sshClient struct {
	client *ssh.Client
	grace  time.Duration
}

func (c *sshClient) Upload(ctx context.Context, path string, content io.Reader, mode os.FileMode) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	session.Stdin = content
	quoted := shellQuote(path)
	cmd := fmt.Sprintf("umask 077 && cat > %s && chmod %o %s", quoted, mode.Perm(), quoted)
	code, err := c.wait(ctx, session, cmd)
	if err != nil {
		return fmt.Errorf("upload to %s: %w", path, err)
	}
	if code != 0 {
		return fmt.Errorf("upload to %s: exit code %d", path, code)
	}
	return nil
}

func (c *sshClient) Exec(ctx context.Context, cmd string, out io.Writer) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	w := &syncWriter{w: out}
	session.Stdout = w
	session.Stderr = w
	return c.wait(ctx, session, cmd)
}

// wait starts cmd and waits for it, killing the session when ctx ends
func (c *sshClient) wait(ctx context.Context, session *ssh.Session, cmd string) (int, error) {
	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		select {
		case <-done:
		case <-time.After(c.grace):
			_ = c.client.Close()
		}
		return -1, context.Cause(ctx)
	}
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

// syncWriter serializes writes from the stdout and stderr copiers
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
