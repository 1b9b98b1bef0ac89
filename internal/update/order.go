// Package update implements the A/B partition update and rollback
// agent: signed orders are staged onto the inactive partition, armed
// for next boot, verified with bounded health checks, and rolled back
// automatically on failure.
package update

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/driftmend/driftmend/internal/identity"
)

// Order is a signed instruction from the central service to apply an
// update. It must be signature-verified and inside its TTL before it is
// actioned; rejected orders are logged, never silently dropped.
type Order struct {
	OrderID       string    `json:"order_id"`
	TargetVersion string    `json:"target_version"`
	ArtifactURL   string    `json:"artifact_url"`
	ArtifactHash  string    `json:"artifact_hash"`
	Signature     string    `json:"signature"`
	IssuedAt      time.Time `json:"issued_at"`
	TTLSeconds    int64     `json:"ttl_seconds"`
}

// canonicalPayload builds the deterministic byte sequence the order
// signature covers.
func (o Order) canonicalPayload() []byte {
	return fmt.Appendf(nil, "%s\n%s\n%s\n%s\n%s\n%d",
		o.OrderID, o.TargetVersion, o.ArtifactURL, o.ArtifactHash,
		o.IssuedAt.UTC().Format(time.RFC3339), o.TTLSeconds)
}

// Verify checks the order signature and TTL against the central
// service's public key.
func (o Order) Verify(pub ed25519.PublicKey, now time.Time) error {
	if o.OrderID == "" || o.ArtifactURL == "" || o.ArtifactHash == "" {
		return fmt.Errorf("order missing required fields")
	}
	if res := identity.Verify(pub, o.canonicalPayload(), o.Signature); !res.Verified {
		return fmt.Errorf("order %s: %w", o.OrderID, res.Error)
	}
	expiry := o.IssuedAt.Add(time.Duration(o.TTLSeconds) * time.Second)
	if now.After(expiry) {
		return fmt.Errorf("order %s expired at %s", o.OrderID, expiry.UTC().Format(time.RFC3339))
	}
	return nil
}

// SignOrder produces the detached signature for an order (used by tests
// and provisioning tooling; the central service signs in production).
func SignOrder(o Order, priv ed25519.PrivateKey) string {
	sig := ed25519.Sign(priv, o.canonicalPayload())
	return base64.StdEncoding.EncodeToString(sig)
}
