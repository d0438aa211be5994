package signing

import (
	"strings"
	"testing"
)

func TestGenerateAndSignVerify(t *testing.T) {
	kp, err := Generate("cache.example.org-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if kp.Name != "cache.example.org-1" {
		t.Errorf("Name = %q", kp.Name)
	}

	msg := []byte("1000000000000000000000000000000000000000000000000000000000000-a-package-1.0\n")
	sig := kp.Sign(msg)

	if err := kp.Verify(msg, sig); err != nil {
		t.Errorf("Verify: %v", err)
	}

	pub := kp.PublicKey()
	if err := pub.Verify(msg, sig); err != nil {
		t.Errorf("PublicKey.Verify: %v", err)
	}

	if err := pub.Verify([]byte("tampered"), sig); err == nil {
		t.Error("Verify accepted a signature over a different message")
	}
}

func TestGenerateRejectsInvalidName(t *testing.T) {
	if _, err := Generate(""); err == nil {
		t.Error("Generate(\"\") should fail")
	}
	if _, err := Generate("has:colon"); err == nil {
		t.Error("Generate with colon in name should fail")
	}
}

func TestKeypairStringRoundTrip(t *testing.T) {
	kp, err := Generate("cache.example.org-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	s := kp.String()
	if !strings.HasPrefix(s, "cache.example.org-1:") {
		t.Errorf("String() = %q, want prefix cache.example.org-1:", s)
	}

	parsed, err := ParseKeypair(s)
	if err != nil {
		t.Fatalf("ParseKeypair: %v", err)
	}
	if !kp.Equal(parsed) {
		t.Error("parsed keypair does not equal original")
	}
}

func TestPublicKeyStringRoundTrip(t *testing.T) {
	kp, err := Generate("cache.example.org-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pub := kp.PublicKey()

	s := pub.String()
	parsed, err := ParsePublicKey(s)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed.Name != pub.Name || !parsed.Key.Equal(pub.Key) {
		t.Error("parsed public key does not equal original")
	}
}

func TestVerifyRejectsWrongKeyName(t *testing.T) {
	kp, err := Generate("cache-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := Generate("cache-b")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	msg := []byte("payload")
	sig := kp.Sign(msg)

	if err := other.PublicKey().Verify(msg, sig); err == nil {
		t.Error("Verify should reject a signature whose embedded name differs from the verifying key's name")
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	kp, err := Generate("cache.example.org-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("payload")
	sig := kp.Sign(msg)

	// flip the payload half but keep the name prefix intact
	idx := strings.IndexByte(sig, ':')
	forged := sig[:idx+1] + "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	if err := kp.Verify(msg, forged); err == nil {
		t.Error("Verify accepted a forged signature")
	}
}

func TestParseKeypairRejectsWrongLength(t *testing.T) {
	if _, err := ParseKeypair("mykey:AQIDBA=="); err == nil {
		t.Error("ParseKeypair should reject a payload of the wrong length")
	}
}
