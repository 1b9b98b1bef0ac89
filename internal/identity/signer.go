package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/driftmend/driftmend/internal/safefile"
)

// ErrKeyTampered indicates the signing key failed its integrity check.
// This is fatal and non-retryable: a suspect key must not keep stamping
// evidence as authentic.
var ErrKeyTampered = errors.New("signing key integrity check failed")

// Signer produces detached Ed25519 signatures over evidence bundle
// bytes. The key is loaded once and treated as read-only; before every
// signing operation the key material is re-verified against the digest
// recorded at keygen time.
type Signer struct {
	keypair    *Keypair
	digestPath string
}

// LoadSigner loads the signing keypair and its integrity digest.
func LoadSigner(dir, name string) (*Signer, error) {
	kp, err := LoadKeypair(dir, name)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	s := &Signer{
		keypair:    kp,
		digestPath: filepath.Join(dir, name+".key.sha256"),
	}
	if err := s.checkIntegrity(); err != nil {
		return nil, err
	}
	return s, nil
}

// Sign returns a base64-encoded detached signature over data, after
// re-verifying key integrity. Returns ErrKeyTampered if the recorded
// digest no longer matches the key material.
func (s *Signer) Sign(data []byte) (string, error) {
	if err := s.checkIntegrity(); err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.keypair.PrivateKey, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKey returns the verification key for this signer.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.keypair.PublicKey
}

// Fingerprint returns the public key fingerprint.
func (s *Signer) Fingerprint() string {
	return Fingerprint(s.keypair.PublicKey)
}

func (s *Signer) checkIntegrity() error {
	want, err := safefile.ReadFileMax(s.digestPath, 4*1024)
	if err != nil {
		return fmt.Errorf("%w: reading key digest: %v", ErrKeyTampered, err)
	}
	got := KeyDigest(s.keypair.PrivateKey)
	if strings.TrimSpace(string(want)) != got {
		return fmt.Errorf("%w: digest mismatch for %s", ErrKeyTampered, s.digestPath)
	}
	return nil
}
