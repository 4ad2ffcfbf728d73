package instance

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/minarca-agent/internal/confstore"
	"github.com/fgeck/minarca-agent/internal/keys"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/fgeck/minarca-agent/internal/services/api"
	"github.com/fgeck/minarca-agent/internal/services/rdiffbackup"
	"github.com/fgeck/minarca-agent/internal/services/supervisor"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const testKeyBits = 2048

type mockAPI struct {
	mu                      sync.Mutex
	deletedKeys             []string
	updated                 []models.RepositorySettings
	getServerInfoFunc       func(ctx context.Context) (*models.ServerInfo, error)
	whoAmIFunc              func(ctx context.Context) (*models.CurrentUser, error)
	registered              []string
	createRepositoryFunc    func(ctx context.Context, name string, pub []byte, force bool) error
	getRepositoryFunc       func(ctx context.Context, name string) (*models.RepositorySettings, error)
	updateRepositoryFunc    func(ctx context.Context, settings models.RepositorySettings) error
	deleteRepositoryKeyFunc func(ctx context.Context, fingerprint string) error
}

var _ api.Service = (*mockAPI)(nil)

func (m *mockAPI) GetServerInfo(ctx context.Context) (*models.ServerInfo, error) {
	if m.getServerInfoFunc != nil {
		return m.getServerInfoFunc(ctx)
	}
	return &models.ServerInfo{Version: "6.0.0", Identity: hostIdentity, RemoteHost: "backup.example:2222"}, nil
}

func (m *mockAPI) WhoAmI(ctx context.Context) (*models.CurrentUser, error) {
	if m.whoAmIFunc != nil {
		return m.whoAmIFunc(ctx)
	}
	return &models.CurrentUser{Username: "alice", Role: 10, Version: "6.0.0"}, nil
}

func (m *mockAPI) CreateRepository(ctx context.Context, name string, pub []byte, force bool) error {
	if m.createRepositoryFunc != nil {
		if err := m.createRepositoryFunc(ctx, name, pub, force); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.registered = append(m.registered, name)
	m.mu.Unlock()
	return nil
}

func (m *mockAPI) GetRepository(ctx context.Context, name string) (*models.RepositorySettings, error) {
	if m.getRepositoryFunc != nil {
		return m.getRepositoryFunc(ctx, name)
	}
	return nil, models.NewError(models.KindRemoteRepositoryNotFound)
}

func (m *mockAPI) UpdateRepository(ctx context.Context, settings models.RepositorySettings) error {
	m.mu.Lock()
	m.updated = append(m.updated, settings)
	m.mu.Unlock()
	if m.updateRepositoryFunc != nil {
		return m.updateRepositoryFunc(ctx, settings)
	}
	return nil
}

func (m *mockAPI) DeleteRepositoryKey(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	m.deletedKeys = append(m.deletedKeys, fingerprint)
	m.mu.Unlock()
	if m.deleteRepositoryKeyFunc != nil {
		return m.deleteRepositoryKeyFunc(ctx, fingerprint)
	}
	return nil
}

type mockRemote struct {
	api       *mockAPI
	loginFunc func(ctx context.Context, rawURL, username, password string) error
	logins    int
}

func (m *mockRemote) Anonymous(_ string) (api.Service, error) {
	return m.api, nil
}

func (m *mockRemote) Login(ctx context.Context, rawURL, username, password string) (api.Service, *models.CurrentUser, error) {
	m.logins++
	if m.loginFunc != nil {
		if err := m.loginFunc(ctx, rawURL, username, password); err != nil {
			return nil, nil, err
		}
	}
	user, err := m.api.WhoAmI(ctx)
	return m.api, user, err
}

func (m *mockRemote) WithKey(_ string, _ *keys.Keypair) (api.Service, error) {
	return m.api, nil
}

type mockDisk struct {
	locateFunc     func(ctx context.Context, path string) (*models.DiskInfo, error)
	findByUUIDFunc func(ctx context.Context, id, relpath string) (string, error)
	checkDestFunc  func(path string) error
	initDestCalls  []string
}

func (m *mockDisk) ListRemovable(_ context.Context) ([]models.DiskInfo, error) {
	return nil, nil
}

func (m *mockDisk) Locate(ctx context.Context, path string) (*models.DiskInfo, error) {
	return m.locateFunc(ctx, path)
}

func (m *mockDisk) FindByUUID(ctx context.Context, id, relpath string) (string, error) {
	return m.findByUUIDFunc(ctx, id, relpath)
}

func (m *mockDisk) EnsureID(info *models.DiskInfo) (string, error) {
	if info.UUID == "" {
		info.UUID = "generated-uuid"
	}
	return info.UUID, nil
}

func (m *mockDisk) CheckDestination(path string) error {
	if m.checkDestFunc != nil {
		return m.checkDestFunc(path)
	}
	return nil
}

func (m *mockDisk) InitDestination(path string) error {
	m.initDestCalls = append(m.initDestCalls, path)
	return os.MkdirAll(filepath.Join(path, "rdiff-backup-data"), 0o755)
}

type mockSSH struct {
	checkFunc func(ctx context.Context, cfg models.SSHCheckConfig) (*models.SSHResult, error)
}

func (m *mockSSH) Check(ctx context.Context, cfg models.SSHCheckConfig) (*models.SSHResult, error) {
	return m.checkFunc(ctx, cfg)
}

type mockRdiff struct {
	listIncrementsFunc func(ctx context.Context, target rdiffbackup.Target) ([]models.Increment, error)
	listFilesFunc      func(ctx context.Context, target rdiffbackup.Target, at time.Time) ([]string, error)
}

var _ rdiffbackup.Service = (*mockRdiff)(nil)

func (m *mockRdiff) ListIncrements(ctx context.Context, target rdiffbackup.Target) ([]models.Increment, error) {
	return m.listIncrementsFunc(ctx, target)
}

func (m *mockRdiff) ListFiles(ctx context.Context, target rdiffbackup.Target, at time.Time) ([]string, error) {
	return m.listFilesFunc(ctx, target, at)
}

func (m *mockRdiff) Version(_ context.Context) (string, error) {
	return "rdiff-backup 2.2.6", nil
}

// hostIdentity is the SSH host key published by the fake server.
var hostIdentity = func() string {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}()

type fixture struct {
	dir    string
	deps   *Deps
	api    *mockAPI
	remote *mockRemote
	disk   *mockDisk
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	m := &mockAPI{}
	f := &fixture{
		dir:    dir,
		api:    m,
		remote: &mockRemote{api: m},
		disk:   &mockDisk{},
	}
	logger := zerolog.Nop()
	f.deps = &Deps{
		Config: models.AgentConfig{ConfigDir: dir},
		Clock:  clock.WallClock,
		Remote: f.remote,
		Disk:   f.disk,
		NewRunner: func() Runner {
			return supervisor.NewWithGrace(logger, time.Second)
		},
		Alive: func(pid int) bool {
			return pid == os.Getpid()
		},
		GOOS:    "linux",
		Home:    dir,
		KeyBits: testKeyBits,
	}
	return f
}

func (f *fixture) instance(t *testing.T, id int) *Instance {
	t.Helper()
	inst := New(zerolog.Nop(), id, f.deps)
	t.Cleanup(inst.Close)
	return inst
}

func remoteSettings() models.Settings {
	s := models.DefaultSettings()
	s.RepositoryName = "laptop"
	s.RemoteURL = "https://backup.example/"
	s.RemoteHost = "backup.example:2222"
	s.Username = "alice"
	return s
}

// configured writes settings and an include pattern for an existing path.
func (f *fixture) configured(t *testing.T, inst *Instance, s models.Settings) {
	t.Helper()
	require.NoError(t, confstore.SaveSettings(inst.Paths().Config(), s))
	data := filepath.Join(f.dir, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	require.NoError(t, inst.Include(data))
}
