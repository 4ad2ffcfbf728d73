package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// MinarcaidSkew is the maximum clock difference accepted by VerifyMinarcaidV1.
const MinarcaidSkew = 10 * time.Second

// ErrInvalidToken is returned for any minarcaid token that must be rejected.
var ErrInvalidToken = errors.New("invalid minarcaid token")

// PublicKeyLookup resolves a fingerprint to the registered public key.
type PublicKeyLookup func(fingerprint string) (*rsa.PublicKey, error)

func epochBytes(epoch int64) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(epoch)) //nolint:gosec // 32-bit epoch is the wire format
	return buf
}

// GenMinarcaidV1 signs epoch with k and returns the token
// "v=1$<fingerprint>$<epoch>$<base64 signature>".
func GenMinarcaidV1(k *Keypair, now time.Time) (string, error) {
	fp, err := k.Fingerprint()
	if err != nil {
		return "", err
	}
	epoch := now.Unix()
	digest := sha256.Sum256(epochBytes(epoch))
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.Private, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return fmt.Sprintf("v=1$%s$%d$%s", fp, epoch, base64.StdEncoding.EncodeToString(sig)), nil
}

// VerifyMinarcaidV1 checks token against now and the key returned by lookup.
// It returns the fingerprint of the authenticated key.
func VerifyMinarcaidV1(token string, now time.Time, lookup PublicKeyLookup) (string, error) {
	fields := strings.Split(token, "$")
	if len(fields) != 4 || fields[0] != "v=1" {
		return "", ErrInvalidToken
	}
	fp := fields[1]
	epoch, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	skew := now.Sub(time.Unix(epoch, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MinarcaidSkew {
		return "", ErrInvalidToken
	}
	sig, err := base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		return "", ErrInvalidToken
	}
	pub, err := lookup(fp)
	if err != nil || pub == nil {
		return "", ErrInvalidToken
	}
	digest := sha256.Sum256(epochBytes(epoch))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return "", ErrInvalidToken
	}
	return fp, nil
}

// RSAPublicKey extracts the RSA key of an authorized_keys line.
func RSAPublicKey(pub []byte) (*rsa.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ck, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key %s", key.Type())
	}
	rk, ok := ck.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key %s", key.Type())
	}
	return rk, nil
}
