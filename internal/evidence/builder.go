package evidence

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/driftmend/driftmend/internal/drift"
	"github.com/driftmend/driftmend/internal/identity"
	"github.com/driftmend/driftmend/internal/remedy"
	"github.com/driftmend/driftmend/internal/safefile"
)

const maxBundleBytes = 4 * 1024 * 1024

// Builder assembles, seals, and durably persists evidence bundles.
// Persistence happens before any upload attempt: a failed upload must
// never lose the bundle.
type Builder struct {
	dir    string
	signer *identity.Signer
	logger *slog.Logger
}

// NewBuilder creates a builder writing into dir.
func NewBuilder(dir string, signer *identity.Signer, logger *slog.Logger) (*Builder, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating evidence directory: %w", err)
	}
	return &Builder{dir: dir, signer: signer, logger: logger}, nil
}

// Build assembles and seals a bundle from one detection-remediation
// pair. Returns identity.ErrKeyTampered if the signing key fails its
// integrity check; that error is fatal to the agent.
func (bl *Builder) Build(ev drift.Event, res remedy.Result) (*Bundle, error) {
	b := &Bundle{
		BundleID:          uuid.New().String(),
		HostID:            ev.HostID,
		CheckID:           ev.CheckID,
		Drift:             ev,
		Remediation:       res,
		StartedAt:         res.StartedAt,
		EndedAt:           res.EndedAt,
		ActionsTaken:      res.Steps,
		HIPAAControls:     ControlsFor(ev.CheckID),
		SignerFingerprint: bl.signer.Fingerprint(),
	}
	if err := b.Seal(bl.signer); err != nil {
		return nil, err
	}
	return b, nil
}

// Persist durably writes the bundle and its detached signature. The
// bundle file holds the signed bytes; the .sig file holds the base64
// signature.
func (bl *Builder) Persist(b *Bundle) (bundlePath, sigPath string, err error) {
	data, err := b.SignedBytes()
	if err != nil {
		return "", "", err
	}
	bundlePath = filepath.Join(bl.dir, b.BundleID+".json")
	sigPath = filepath.Join(bl.dir, b.BundleID+".sig")

	if err := safefile.WriteFileSync(bundlePath, data, 0o600); err != nil {
		return "", "", fmt.Errorf("persisting bundle %s: %w", b.BundleID, err)
	}
	if err := safefile.WriteFileSync(sigPath, []byte(b.Signature), 0o600); err != nil {
		return "", "", fmt.Errorf("persisting signature %s: %w", b.BundleID, err)
	}
	bl.logger.Info("evidence persisted",
		"bundle_id", b.BundleID, "check_id", b.CheckID, "hash", b.BundleHash[:12])
	return bundlePath, sigPath, nil
}

// LoadFiles reads a persisted bundle and its detached signature.
func LoadFiles(bundlePath, sigPath string) (Bundle, string, error) {
	data, err := safefile.ReadFileMax(bundlePath, maxBundleBytes)
	if err != nil {
		return Bundle{}, "", fmt.Errorf("reading bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, "", fmt.Errorf("decoding bundle: %w", err)
	}
	sig, err := safefile.ReadFileMax(sigPath, 64*1024)
	if err != nil {
		return Bundle{}, "", fmt.Errorf("reading signature: %w", err)
	}
	return b, string(sig), nil
}

// VerifyFiles loads and verifies a persisted bundle against a public key.
func VerifyFiles(bundlePath, sigPath string, pub ed25519.PublicKey) (Bundle, error) {
	b, sig, err := LoadFiles(bundlePath, sigPath)
	if err != nil {
		return Bundle{}, err
	}
	if err := Verify(b, sig, pub); err != nil {
		return Bundle{}, err
	}
	return b, nil
}
