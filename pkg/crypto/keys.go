// Package crypto implements the hub's Ed25519 key handling and signature
// schemes: multibase-encoded keys, ISCC-SIG v1.0 JSON signatures, and
// eddsa-jcs-2022 Data Integrity proofs for receipts.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// SignatureVersion is the signature scheme identifier carried in IsccNotes.
const SignatureVersion = "ISCC-SIG v1.0"

// Multicodec prefixes for Ed25519 keys.
var (
	pubkeyPrefix = []byte{0xED, 0x01}
	seckeyPrefix = []byte{0x80, 0x26}
)

// KeyPair holds an Ed25519 keypair plus the identity metadata used when
// producing signatures.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	// Controller is an optional DID identifying the key holder.
	Controller string
	// KeyID overrides the verification method fragment; defaults to the
	// multibase public key when empty.
	KeyID string
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair(controller string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &KeyPair{priv: priv, pub: pub, Controller: controller}, nil
}

// KeyFromSecret reconstructs a keypair from a multibase-encoded Ed25519
// secret key (z-base58btc with a 2-byte 0x8026 multicodec prefix).
func KeyFromSecret(secret, controller string) (*KeyPair, error) {
	enc, data, err := multibase.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid secret key encoding: %w", err)
	}
	if enc != multibase.Base58BTC {
		return nil, fmt.Errorf("crypto: secret key must be base58btc multibase")
	}
	if len(data) != 2+ed25519.SeedSize || !bytes.Equal(data[:2], seckeyPrefix) {
		return nil, fmt.Errorf("crypto: secret key must carry the ed25519 multicodec prefix")
	}
	priv := ed25519.NewKeyFromSeed(data[2:])
	return &KeyPair{
		priv:       priv,
		pub:        priv.Public().(ed25519.PublicKey),
		Controller: controller,
	}, nil
}

// Public returns the raw 32-byte public key.
func (k *KeyPair) Public() ed25519.PublicKey {
	return k.pub
}

// Sign signs data with the private key.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

// PubkeyMultibase returns the multibase form of the public key.
func (k *KeyPair) PubkeyMultibase() string {
	return EncodePubkey(k.pub)
}

// SecretMultibase returns the multibase form of the secret key seed.
func (k *KeyPair) SecretMultibase() string {
	s, _ := multibase.Encode(multibase.Base58BTC, append(append([]byte{}, seckeyPrefix...), k.priv.Seed()...))
	return s
}

// EncodePubkey encodes a raw Ed25519 public key as z-base58btc multibase
// with the 0xed01 multicodec prefix.
func EncodePubkey(pub ed25519.PublicKey) string {
	s, _ := multibase.Encode(multibase.Base58BTC, append(append([]byte{}, pubkeyPrefix...), pub...))
	return s
}

// ParsePubkey decodes a multibase Ed25519 public key to its raw 32 bytes.
func ParsePubkey(s string) (ed25519.PublicKey, error) {
	enc, data, err := multibase.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid pubkey encoding: %w", err)
	}
	if enc != multibase.Base58BTC {
		return nil, fmt.Errorf("crypto: pubkey must be base58btc multibase")
	}
	if len(data) != 2+ed25519.PublicKeySize || !bytes.Equal(data[:2], pubkeyPrefix) {
		return nil, fmt.Errorf("crypto: pubkey must carry the ed25519 multicodec prefix")
	}
	return ed25519.PublicKey(data[2:]), nil
}
