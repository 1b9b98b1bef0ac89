package update

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func signedOrder(t *testing.T) (Order, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	o := testOrder()
	o.Signature = SignOrder(o, priv)
	return o, pub
}

func TestOrderVerify(t *testing.T) {
	o, pub := signedOrder(t)
	if err := o.Verify(pub, time.Now()); err != nil {
		t.Fatalf("valid order must verify: %v", err)
	}
}

func TestOrderVerifyRejectsTamper(t *testing.T) {
	o, pub := signedOrder(t)
	o.TargetVersion = "9.9.9"
	if err := o.Verify(pub, time.Now()); err == nil {
		t.Fatal("tampered order must fail verification")
	}
}

func TestOrderVerifyRejectsWrongKey(t *testing.T) {
	o, _ := signedOrder(t)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Verify(otherPub, time.Now()); err == nil {
		t.Fatal("order signed by a different key must fail")
	}
}

func TestOrderVerifyRejectsExpired(t *testing.T) {
	o, pub := signedOrder(t)
	past := o.IssuedAt.Add(time.Duration(o.TTLSeconds)*time.Second + time.Minute)
	if err := o.Verify(pub, past); err == nil {
		t.Fatal("expired order must fail")
	}
}

func TestOrderVerifyRejectsMissingFields(t *testing.T) {
	o, pub := signedOrder(t)
	o.ArtifactHash = ""
	if err := o.Verify(pub, time.Now()); err == nil {
		t.Fatal("order missing required fields must fail")
	}
}
