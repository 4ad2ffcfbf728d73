// Package keys manages the SSH key material of an instance: its keypair,
// the pinned server host keys and the minarcaid authentication token.
package keys

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/fgeck/minarca-agent/internal/confstore"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultBits is the RSA modulus size of generated keys.
const DefaultBits = 3072

// Keypair is an RSA key with its OpenSSH encodings.
type Keypair struct {
	Private    *rsa.PrivateKey
	PrivatePEM []byte // OpenSSH private key block
	Public     []byte // authorized_keys line, without trailing newline
}

// GenerateKeypair creates a new RSA keypair of the given size.
func GenerateKeypair(bits int) (*Keypair, error) {
	if bits <= 0 {
		bits = DefaultBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return fromPrivate(priv, "minarca")
}

func fromPrivate(priv *rsa.PrivateKey, comment string) (*Keypair, error) {
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return &Keypair{
		Private:    priv,
		PrivatePEM: pem.EncodeToMemory(block),
		Public:     bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub)),
	}, nil
}

// LoadKeypair reads the private key at privPath and derives the public key.
func LoadKeypair(privPath string) (*Keypair, error) {
	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", raw)
	}
	kp, err := fromPrivate(priv, "minarca")
	if err != nil {
		return nil, err
	}
	kp.PrivatePEM = data
	return kp, nil
}

// Save writes the private key to privPath (mode 0600) and the public key to
// privPath + ".pub".
func (k *Keypair) Save(privPath string) error {
	if err := confstore.WriteFileAtomic(privPath, k.PrivatePEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := confstore.WriteFileAtomic(privPath+".pub", append(append([]byte{}, k.Public...), '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// Signer returns an SSH signer for the private key.
func (k *Keypair) Signer() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(k.Private)
}

// Fingerprint returns the fingerprint of k's public key.
func (k *Keypair) Fingerprint() (string, error) {
	return Fingerprint(k.Public)
}

// Fingerprint returns the lowercase colon-grouped MD5 digest of the public
// key body of an authorized_keys line.
func Fingerprint(pub []byte) (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return ssh.FingerprintLegacyMD5(key), nil
}

// KnownHostsLines converts the identity lines published by the server into
// known_hosts lines pinned to remotehost ("host" or "host:port").
func KnownHostsLines(remotehost string, identity string) ([]string, error) {
	host := knownhosts.Normalize(remotehost)
	var lines []string
	for _, raw := range strings.Split(identity, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		key, err := parseIdentity(raw)
		if err != nil {
			return nil, err
		}
		lines = append(lines, knownhosts.Line([]string{host}, key))
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("server published no host key")
	}
	return lines, nil
}

// parseIdentity accepts either "<algo> <b64>" or a full known_hosts line.
func parseIdentity(line string) (ssh.PublicKey, error) {
	if key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err == nil {
		return key, nil
	}
	_, _, key, _, _, err := ssh.ParseKnownHosts([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("invalid host key %q: %w", line, err)
	}
	return key, nil
}

// WriteKnownHosts atomically writes lines to path.
func WriteKnownHosts(lines []string, path string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return confstore.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// HostKeyCallback returns a callback that only accepts the keys pinned in
// the known_hosts file at path.
func HostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}
