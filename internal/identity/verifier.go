package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// VerifyResult captures the outcome of signature verification.
type VerifyResult struct {
	Verified    bool   // true if signature is valid
	Fingerprint string // SHA-256 fingerprint of the public key used
	Error       error  // non-nil if verification failed
}

// Verify checks a base64-encoded detached Ed25519 signature over data.
func Verify(publicKey ed25519.PublicKey, data []byte, signatureB64 string) VerifyResult {
	sigBytes, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return VerifyResult{
			Verified: false,
			Error:    fmt.Errorf("invalid base64 signature: %w", err),
		}
	}

	ok := ed25519.Verify(publicKey, data, sigBytes)

	fp := Fingerprint(publicKey)
	if !ok {
		return VerifyResult{
			Verified:    false,
			Fingerprint: fp,
			Error:       fmt.Errorf("signature verification failed"),
		}
	}
	return VerifyResult{
		Verified:    true,
		Fingerprint: fp,
	}
}
