// Package evidence builds signed, hashed, tamper-evident records of
// detection-and-remediation cycles.
//
// A bundle is immutable once signed: any mutation invalidates the
// signature and is treated as tamper evidence, never corrected in
// place.
package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftmend/driftmend/internal/drift"
	"github.com/driftmend/driftmend/internal/identity"
	"github.com/driftmend/driftmend/internal/remedy"
)

// Bundle is the signed proof of one detection-remediation cycle.
//
// BundleHash is computed over the canonical serialization of every
// field except BundleHash and Signature themselves; the signature then
// covers the bundle including its hash.
type Bundle struct {
	BundleID          string        `json:"bundle_id"`
	HostID            string        `json:"host_id"`
	CheckID           string        `json:"check_id"`
	Drift             drift.Event   `json:"drift"`
	Remediation       remedy.Result `json:"remediation"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           time.Time     `json:"ended_at"`
	ActionsTaken      []remedy.Step `json:"actions_taken"`
	HIPAAControls     []string      `json:"hipaa_controls"`
	SignerFingerprint string        `json:"signer_fingerprint"`
	BundleHash        string        `json:"bundle_hash"`
	Signature         string        `json:"signature,omitempty"`
}

// CanonicalBytes serializes the bundle with the hash and signature
// fields cleared. encoding/json emits struct fields in declaration
// order and map keys sorted, so the output is stable.
func (b Bundle) CanonicalBytes() ([]byte, error) {
	b.BundleHash = ""
	b.Signature = ""
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing bundle: %w", err)
	}
	return data, nil
}

// SignedBytes serializes the bundle with the hash set and the signature
// cleared: the exact bytes the detached signature covers.
func (b Bundle) SignedBytes() ([]byte, error) {
	if b.BundleHash == "" {
		return nil, fmt.Errorf("bundle %s has no hash", b.BundleID)
	}
	b.Signature = ""
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("serializing bundle: %w", err)
	}
	return data, nil
}

// ComputeHash returns the SHA-256 hex digest of the canonical bytes.
func (b Bundle) ComputeHash() (string, error) {
	data, err := b.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes the bundle hash and signs the bundle. After Seal the
// bundle must not change.
func (b *Bundle) Seal(signer *identity.Signer) error {
	hash, err := b.ComputeHash()
	if err != nil {
		return err
	}
	b.BundleHash = hash

	data, err := b.SignedBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return fmt.Errorf("signing bundle %s: %w", b.BundleID, err)
	}
	b.Signature = sig
	return nil
}

// Verify checks the bundle hash and the detached signature. A single
// mutated byte fails both checks.
func Verify(b Bundle, signatureB64 string, pub ed25519.PublicKey) error {
	want, err := b.ComputeHash()
	if err != nil {
		return err
	}
	if b.BundleHash != want {
		return fmt.Errorf("bundle %s hash mismatch: tampered or corrupt", b.BundleID)
	}
	data, err := b.SignedBytes()
	if err != nil {
		return err
	}
	if res := identity.Verify(pub, data, signatureB64); !res.Verified {
		return fmt.Errorf("bundle %s: %w", b.BundleID, res.Error)
	}
	return nil
}

// hipaaControls maps check ids to the HIPAA technical safeguards the
// cycle evidences. Unknown checks fall back to the general security
// standard.
var hipaaControls = map[string][]string{
	"firewall":         {"164.312(a)(1)", "164.312(e)(1)"},
	"config_checksum":  {"164.312(c)(1)"},
	"critical_service": {"164.312(a)(1)"},
	"time_sync":        {"164.312(b)"},
	"disk_encryption":  {"164.312(a)(2)(iv)"},
	"audit_logging":    {"164.312(b)"},
}

// ControlsFor returns the HIPAA control references for a check.
func ControlsFor(checkID string) []string {
	if c, ok := hipaaControls[checkID]; ok {
		return c
	}
	return []string{"164.306(a)"}
}
