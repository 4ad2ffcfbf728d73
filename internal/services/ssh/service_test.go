package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Mock implementations
type mockSSHSession struct {
	combinedOutputFunc func(cmd string) ([]byte, error)
	closeFunc          func() error
}

func (m *mockSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	if m.combinedOutputFunc != nil {
		return m.combinedOutputFunc(cmd)
	}
	return []byte("1"), nil
}

func (m *mockSSHSession) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockSSHClient struct {
	newSessionFunc func() (SSHSession, error)
	closeFunc      func() error
}

func (m *mockSSHClient) NewSession() (SSHSession, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSSHSession{}, nil
}

func (m *mockSSHClient) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return &mockSSHClient{}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// generateTestKey generates a valid ed25519 key for testing.
func generateTestKey(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()

	pub, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(pemBlock), sshPub
}

func testConfig(t *testing.T) (models.SSHCheckConfig, ssh.PublicKey) {
	t.Helper()
	key, _ := generateTestKey(t)
	_, hostKey := generateTestKey(t)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts.1")
	line := knownhosts.Line([]string{knownhosts.Normalize("backup.example:2222")}, hostKey)
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	return models.SSHCheckConfig{
		Host:           "backup.example",
		Port:           2222,
		Username:       "minarca",
		PrivateKey:     key,
		KnownHostsPath: knownHosts,
	}, hostKey
}

func TestCheck_Success(t *testing.T) {
	var capturedCommand, capturedAddr string

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			capturedAddr = addr
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(cmd string) ([]byte, error) {
							capturedCommand = cmd
							return []byte("1"), nil
						},
					}, nil
				},
			}, nil
		},
	}

	cfg, _ := testConfig(t)
	svc := NewWithClientFactory(testLogger(), factory, time.Second)
	result, err := svc.Check(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Nil(t, result.Error)
	assert.Equal(t, "echo -n 1", capturedCommand)
	assert.Equal(t, "backup.example:2222", capturedAddr)
}

func TestCheck_PinnedHostKey(t *testing.T) {
	cfg, hostKey := testConfig(t)
	_, otherKey := generateTestKey(t)

	var callback ssh.HostKeyCallback
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			callback = config.HostKeyCallback
			return &mockSSHClient{}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory, time.Second)
	_, err := svc.Check(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, callback)

	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2222}
	assert.NoError(t, callback("backup.example:2222", remote, hostKey))

	err = callback("backup.example:2222", remote, otherKey)
	require.Error(t, err)
	assert.Equal(t, models.KindUnknownHostKey, models.KindOf(ClassifyError(err)))
}

func TestCheck_UnexpectedOutput(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(string) ([]byte, error) { return []byte("welcome"), nil },
					}, nil
				},
			}, nil
		},
	}

	cfg, _ := testConfig(t)
	svc := NewWithClientFactory(testLogger(), factory, time.Second)
	result, err := svc.Check(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Equal(t, models.KindUnsupportedVersion, models.KindOf(result.Error))
}

func TestCheck_ExplicitCheckCommandVerifiesAnswer(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(string) ([]byte, error) {
							return []byte("Welcome, interactive shell disabled"), nil
						},
					}, nil
				},
			}, nil
		},
	}

	cfg, _ := testConfig(t)
	cfg.Command = CheckCommand
	svc := NewWithClientFactory(testLogger(), factory, time.Second)
	result, err := svc.Check(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Equal(t, models.KindUnsupportedVersion, models.KindOf(result.Error))
}

func TestCheck_ConnectionFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.Kind
	}{
		{
			name: "refused",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
			want: models.KindConnectRefused,
		},
		{
			name: "dns",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "backup.example"}},
			want: models.KindUnknownHost,
		},
		{
			name: "auth",
			err:  errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"),
			want: models.KindPermissionDenied,
		},
		{
			name: "host key",
			err:  fmt.Errorf("ssh: handshake failed: %w", &knownhosts.KeyError{}),
			want: models.KindUnknownHostKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &mockClientFactory{
				newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
					return nil, tt.err
				},
			}

			cfg, _ := testConfig(t)
			svc := NewWithClientFactory(testLogger(), factory, time.Second)
			result, err := svc.Check(context.Background(), cfg)

			require.NoError(t, err)
			assert.False(t, result.CommandRun)
			assert.Equal(t, tt.want, models.KindOf(result.Error))
		})
	}
}

func TestCheck_SessionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return nil, errors.New("ERROR: fail to create rdiff-backup jail")
				},
			}, nil
		},
	}

	cfg, _ := testConfig(t)
	svc := NewWithClientFactory(testLogger(), factory, time.Second)
	result, err := svc.Check(context.Background(), cfg)

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	assert.Equal(t, models.KindJailCreation, models.KindOf(result.Error))
}

func TestCheck_NoPrivateKey(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.PrivateKey = nil

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, time.Second)
	_, err := svc.Check(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no private key")
}

func TestCheck_InvalidPrivateKey(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.PrivateKey = []byte("invalid key")

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, time.Second)
	_, err := svc.Check(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

func TestCheck_MissingKnownHosts(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, time.Second)
	_, err := svc.Check(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load known hosts")
}

func TestCheck_Timeout(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			time.Sleep(200 * time.Millisecond)
			return &mockSSHClient{}, nil
		},
	}

	cfg, _ := testConfig(t)
	svc := NewWithClientFactory(testLogger(), factory, 20*time.Millisecond)
	result, err := svc.Check(context.Background(), cfg)

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestBuildConfig_WithKeyPath(t *testing.T) {
	cfg, _ := testConfig(t)
	keyPath := filepath.Join(t.TempDir(), "id_rsa.1")
	require.NoError(t, os.WriteFile(keyPath, cfg.PrivateKey, 0o600))
	cfg.PrivateKey = nil
	cfg.KeyPath = keyPath

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, time.Second)
	sshConfig, err := svc.buildConfig(cfg)

	require.NoError(t, err)
	assert.Equal(t, "minarca", sshConfig.User)
	assert.Equal(t, time.Second, sshConfig.Timeout)
}

func TestBuildConfig_KeyPathNotFound(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.PrivateKey = nil
	cfg.KeyPath = "/nonexistent/path/id_rsa"

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{}, time.Second)
	_, err := svc.buildConfig(cfg)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read private key")
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := SplitHostPort("backup.example:2222")
	require.NoError(t, err)
	assert.Equal(t, "backup.example", host)
	assert.Equal(t, 2222, port)

	host, port, err = SplitHostPort("backup.example")
	require.NoError(t, err)
	assert.Equal(t, "backup.example", host)
	assert.Equal(t, 22, port)

	_, _, err = SplitHostPort("backup.example:abc")
	assert.Error(t, err)
}
