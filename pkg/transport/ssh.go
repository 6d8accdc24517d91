package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

type SSHConfig struct {
	User     string
	Port     int
	KeyFiles []string
	Timeout  time.Duration
}

// SSH is the generic secure-shell transport. Allocated hosts are ephemeral, so
// host keys are not verified and nothing ever prompts.
type SSH struct {
	cfg    SSHConfig
	shell  Shell
	client *ssh.ClientConfig

	mu    sync.Mutex
	conns map[string]*ssh.Client
}

func NewSSH(cfg SSHConfig, shell Shell) (*SSH, error) {
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if len(cfg.KeyFiles) == 0 {
		cfg.KeyFiles = defaultKeyFiles()
	}

	auth := authMethods(cfg.KeyFiles)
	if len(auth) == 0 {
		return nil, errors.New("ssh: no agent and no readable private key")
	}

	return &SSH{
		cfg:   cfg,
		shell: shell,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         cfg.Timeout,
		},
		conns: make(map[string]*ssh.Client),
	}, nil
}

func defaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

func authMethods(keyFiles []string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	var signers []ssh.Signer
	for _, f := range keyFiles {
		pem, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		// passphrase-protected keys are left to the agent
		s, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			continue
		}
		signers = append(signers, s)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods
}

func (s *SSH) Name() string { return "ssh" }

func (s *SSH) connect(ctx context.Context, host string) (*ssh.Client, error) {
	s.mu.Lock()
	c, ok := s.conns[host]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	// dial without the lock so hosts connect in parallel
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
	d := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, s.client)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c = ssh.NewClient(cc, chans, reqs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conns[host]; ok {
		c.Close()
		return existing, nil
	}
	s.conns[host] = c
	return c, nil
}

func (s *SSH) drop(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[host]; ok {
		c.Close()
		delete(s.conns, host)
	}
}

func (s *SSH) session(ctx context.Context, host string) (*ssh.Session, error) {
	c, err := s.connect(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", host, err)
	}
	sess, err := c.NewSession()
	if err == nil {
		return sess, nil
	}

	// stale connection, reconnect once
	s.drop(host)
	c, err = s.connect(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("ssh redial %s: %w", host, err)
	}
	sess, err = c.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session %s: %w", host, err)
	}
	return sess, nil
}

func (s *SSH) Exec(ctx context.Context, c Cmd) error {
	sess, err := s.session(ctx, c.Host)
	if err != nil {
		return err
	}
	defer sess.Close()

	stdout, stderr, errTail := sinks(c)
	sess.Stdin = c.Stdin
	sess.Stdout = stdout
	sess.Stderr = stderr

	if err := sess.Start(s.shell.Wrap(c.Command)); err != nil {
		return fmt.Errorf("ssh start on %s: %w", c.Host, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		return ctx.Err()
	}

	if err == nil {
		return nil
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Host: c.Host, Code: ee.ExitStatus(), Stderr: errTail.String()}
	}
	return fmt.Errorf("ssh %s: %w", c.Host, err)
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, c := range s.conns {
		c.Close()
		delete(s.conns, h)
	}
	return nil
}
