// Package ssh checks the SSH endpoint of a Minarca server with the
// instance key and pinned host keys.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultTimeout bounds the whole check.
const DefaultTimeout = 15 * time.Second

// CheckCommand is run on the server; it must print "1".
const CheckCommand = "echo -n 1"

// Service defines the interface for SSH operations.
type Service interface {
	Check(ctx context.Context, cfg models.SSHCheckConfig) (*models.SSHResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &defaultSSHSession{session: session}, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

type defaultSSHSession struct {
	session *ssh.Session
}

func (s *defaultSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	return s.session.CombinedOutput(cmd)
}

func (s *defaultSSHSession) Close() error {
	return s.session.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
	timeout       time.Duration
}

// New creates a new SSH service.
func New(logger zerolog.Logger, timeout time.Duration) *Impl {
	return NewWithClientFactory(logger, &DefaultClientFactory{}, timeout)
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory, timeout time.Duration) *Impl {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Impl{
		clientFactory: factory,
		logger:        logger,
		timeout:       timeout,
	}
}

// SplitHostPort parses "host" or "host:port", defaulting to port 22.
func SplitHostPort(remotehost string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(remotehost)
	if err != nil {
		// No port.
		return strings.Trim(remotehost, "[]"), 22, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", remotehost)
	}
	return host, port, nil
}

func (s *Impl) buildConfig(cfg models.SSHCheckConfig) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	if len(cfg.PrivateKey) > 0 {
		key = cfg.PrivateKey
	} else if cfg.KeyPath != "" {
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	} else {
		return nil, fmt.Errorf("no private key provided")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	if cfg.KnownHostsPath == "" {
		return nil, fmt.Errorf("no known hosts file provided")
	}
	hostKeyCallback, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.timeout,
	}, nil
}

// Check connects to the server and runs the check command. Connection
// failures are classified into typed errors on result.Error.
func (s *Impl) Check(ctx context.Context, cfg models.SSHCheckConfig) (*models.SSHResult, error) {
	result := &models.SSHResult{}

	s.logger.Debug().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Msg("probing SSH connection")

	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	type dialResult struct {
		client SSHClient
		err    error
	}
	clientChan := make(chan dialResult, 1)
	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- dialResult{client, err}
	}()

	var client SSHClient
	select {
	case <-ctx.Done():
		result.Error = models.Wrap(models.KindConnectRefused, ctx.Err())
		// Release the client if the dial completes after the deadline.
		go func() {
			if res := <-clientChan; res.client != nil {
				res.client.Close()
			}
		}()
		return result, nil
	case res := <-clientChan:
		if res.err != nil {
			result.Error = ClassifyError(res.err)
			return result, nil
		}
		client = res.client
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		result.Error = ClassifyError(fmt.Errorf("failed to create session: %w", err))
		return result, nil
	}
	defer session.Close()

	command := cfg.Command
	if command == "" {
		command = CheckCommand
	}
	output, err := session.CombinedOutput(command)
	result.Output = string(output)
	result.CommandRun = true

	switch {
	case err != nil:
		result.Error = ClassifyError(fmt.Errorf("check command failed: %w: %s", err, strings.TrimSpace(result.Output)))
	case command == CheckCommand && strings.TrimSpace(result.Output) != "1":
		result.Error = models.Errorf(models.KindUnsupportedVersion, "Unexpected answer from server: %q", result.Output)
	}

	s.logger.Debug().Bool("ok", result.Error == nil).Msg("SSH check completed")
	return result, nil
}

// ClassifyError maps an SSH client error to a typed error.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var keyErr *knownhosts.KeyError
	var dnsErr *net.DNSError
	msg := err.Error()
	switch {
	case errors.As(err, &keyErr), strings.Contains(msg, "knownhosts:"):
		return models.Wrap(models.KindUnknownHostKey, err)
	case errors.As(err, &dnsErr):
		return models.Wrap(models.KindUnknownHost, err)
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(msg, "connection refused"):
		return models.Wrap(models.KindConnectRefused, err)
	case strings.Contains(msg, "unable to authenticate"):
		return models.Wrap(models.KindPermissionDenied, err)
	case strings.Contains(msg, "fail to create rdiff-backup jail"):
		return models.Wrap(models.KindJailCreation, err)
	default:
		return models.Wrap(models.KindConnectRefused, err)
	}
}
