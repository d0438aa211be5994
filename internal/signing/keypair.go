package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// seedKeypairLen is the byte length of an Ed25519 private key (32-byte seed
// concatenated with the 32-byte public key).
const seedKeypairLen = ed25519.PrivateKeySize // 64
const publicKeyLen = ed25519.PublicKeySize    // 32
const signatureLen = ed25519.SignatureSize    // 64

// Keypair is a named Ed25519 identity. The name travels with the key
// material in every textual representation so a verifier can tell which
// signer produced a signature.
type Keypair struct {
	Name    string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// PublicKey is the verifying half of a Keypair, distributable to clients.
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// Generate creates a new Ed25519 keypair under the given name.
//
// Parameters:
//   - name: non-empty, colon-free identifier for the key (e.g. a cache name)
//
// Returns:
//   - *Keypair on success
//   - error if name is invalid or key generation fails
func Generate(name string) (*Keypair, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate keypair: %w", err)
	}
	return &Keypair{Name: name, Public: pub, Private: priv}, nil
}

// ParseKeypair parses the canonical "name:base64(64-byte-keypair)" form.
func ParseKeypair(s string) (*Keypair, error) {
	name, payload, err := splitSigningString(s, "", seedKeypairLen)
	if err != nil {
		return nil, err
	}
	priv := ed25519.PrivateKey(payload)
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{Name: name, Public: pub, Private: priv}, nil
}

// String returns the canonical "name:base64(64-byte-keypair)" export form.
func (k *Keypair) String() string {
	return joinSigningString(k.Name, k.Private)
}

// PublicKey derives the verifying half of the keypair.
func (k *Keypair) PublicKey() *PublicKey {
	return &PublicKey{Name: k.Name, Key: k.Public}
}

// Sign signs msg and returns the canonical "name:base64(signature)" string.
func (k *Keypair) Sign(msg []byte) string {
	sig := ed25519.Sign(k.Private, msg)
	return joinSigningString(k.Name, sig)
}

// Verify checks that sig is a valid signature over msg by this keypair's
// own identity. The embedded name in sig must equal k.Name.
func (k *Keypair) Verify(msg []byte, sig string) error {
	return k.PublicKey().Verify(msg, sig)
}

// Equal reports whether two keypairs have the same name and key material.
func (k *Keypair) Equal(other *Keypair) bool {
	if other == nil {
		return false
	}
	return k.Name == other.Name && k.Private.Equal(other.Private)
}

// ParsePublicKey parses the canonical "name:base64(32-byte-key)" form.
func ParsePublicKey(s string) (*PublicKey, error) {
	name, payload, err := splitSigningString(s, "", publicKeyLen)
	if err != nil {
		return nil, err
	}
	return &PublicKey{Name: name, Key: ed25519.PublicKey(payload)}, nil
}

// String returns the canonical "name:base64(32-byte-key)" export form.
func (p *PublicKey) String() string {
	return joinSigningString(p.Name, p.Key)
}

// Verify checks sig against msg. sig is the canonical "name:base64(sig)"
// string produced by Keypair.Sign; its embedded name must equal p.Name.
func (p *PublicKey) Verify(msg []byte, sig string) error {
	name, payload, err := splitSigningString(sig, p.Name, signatureLen)
	if err != nil {
		return fmt.Errorf("signing: parse signature: %w", err)
	}
	if !ed25519.Verify(p.Key, msg, payload) {
		return fmt.Errorf("signing: signature verification failed for key %q", name)
	}
	return nil
}
