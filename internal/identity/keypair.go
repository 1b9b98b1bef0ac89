// Package identity provides Ed25519 key management and detached
// signatures for evidence bundles, with tamper detection on the stored
// key material.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftmend/driftmend/internal/safefile"
)

// Keypair holds an Ed25519 signing key pair.
type Keypair struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeypair creates a new Ed25519 key pair.
func GenerateKeypair(name string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Keypair{
		Name:       name,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// Save writes the keypair to disk as PEM files plus an integrity digest.
// Creates <dir>/<name>.key (private), <dir>/<name>.pub (public), and
// <dir>/<name>.key.sha256 (digest of the private key material, checked
// before every signing operation).
func (kp *Keypair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}

	privBlock := &pem.Block{
		Type:  "DRIFTMEND ED25519 PRIVATE KEY",
		Bytes: kp.PrivateKey,
	}
	privPath := filepath.Join(dir, kp.Name+".key")
	if err := os.WriteFile(privPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pubBlock := &pem.Block{
		Type:  "DRIFTMEND ED25519 PUBLIC KEY",
		Bytes: kp.PublicKey,
	}
	pubPath := filepath.Join(dir, kp.Name+".pub")
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(pubBlock), 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	digest := KeyDigest(kp.PrivateKey)
	digestPath := filepath.Join(dir, kp.Name+".key.sha256")
	if err := safefile.WriteFileSync(digestPath, []byte(digest+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing key digest: %w", err)
	}

	return nil
}

// LoadKeypair loads a full keypair (private + public) from disk.
// Key files must not be symlinks and must not exceed 64 KB.
func LoadKeypair(dir, name string) (*Keypair, error) {
	privPath := filepath.Join(dir, name+".key")
	privPEM, err := safefile.ReadFileMax(privPath, 64*1024)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, fmt.Errorf("invalid PEM in %s", privPath)
	}
	if len(privBlock.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key in %s has wrong length %d", privPath, len(privBlock.Bytes))
	}
	priv := ed25519.PrivateKey(privBlock.Bytes)

	pub, err := LoadPublicKey(dir, name)
	if err != nil {
		// Derive public key from private key
		pub = priv.Public().(ed25519.PublicKey)
	}

	return &Keypair{
		Name:       name,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// LoadPublicKey loads only the public key from disk.
func LoadPublicKey(dir, name string) (ed25519.PublicKey, error) {
	pubPath := filepath.Join(dir, name+".pub")
	return LoadPublicKeyFile(pubPath)
}

// LoadPublicKeyFile loads a PEM public key from an explicit path.
func LoadPublicKeyFile(path string) (ed25519.PublicKey, error) {
	pubPEM, err := safefile.ReadFileMax(path, 64*1024)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("invalid PEM in %s", path)
	}
	if len(pubBlock.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key in %s has wrong length %d", path, len(pubBlock.Bytes))
	}
	return ed25519.PublicKey(pubBlock.Bytes), nil
}

// KeyDigest returns the SHA-256 hex digest of private key material.
func KeyDigest(priv ed25519.PrivateKey) string {
	h := sha256.Sum256(priv)
	return hex.EncodeToString(h[:])
}

// Fingerprint returns the SHA-256 hex fingerprint of a public key.
func Fingerprint(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}
