package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/multiformats/go-multibase"

	"github.com/iscc/iscc-hub/pkg/canonicalize"
)

// SignJSON returns a copy of doc carrying an ISCC-SIG v1.0 signature object.
// The proof is an Ed25519 signature over the JCS form of the document
// including the signature object but excluding signature.proof.
func SignJSON(doc map[string]any, kp *KeyPair) (map[string]any, error) {
	out, err := cloneJSON(doc)
	if err != nil {
		return nil, err
	}
	sig := map[string]any{
		"version": SignatureVersion,
		"pubkey":  kp.PubkeyMultibase(),
	}
	if kp.Controller != "" {
		sig["controller"] = kp.Controller
	}
	if kp.KeyID != "" {
		sig["keyid"] = kp.KeyID
	}
	out["signature"] = sig

	payload, err := canonicalize.JCS(out)
	if err != nil {
		return nil, err
	}
	proof, err := multibase.Encode(multibase.Base58BTC, kp.Sign(payload))
	if err != nil {
		return nil, fmt.Errorf("crypto: proof encoding failed: %w", err)
	}
	sig["proof"] = proof
	return out, nil
}

// VerifyJSON checks the ISCC-SIG v1.0 signature on doc against the public
// key embedded in signature.pubkey.
func VerifyJSON(doc map[string]any) error {
	sig, ok := doc["signature"].(map[string]any)
	if !ok {
		return fmt.Errorf("crypto: document has no signature object")
	}
	proofStr, ok := sig["proof"].(string)
	if !ok || proofStr == "" {
		return fmt.Errorf("crypto: signature has no proof")
	}
	pubkeyStr, ok := sig["pubkey"].(string)
	if !ok {
		return fmt.Errorf("crypto: signature has no pubkey")
	}
	pub, err := ParsePubkey(pubkeyStr)
	if err != nil {
		return err
	}
	_, proof, err := multibase.Decode(proofStr)
	if err != nil {
		return fmt.Errorf("crypto: invalid proof encoding: %w", err)
	}

	stripped, err := cloneJSON(doc)
	if err != nil {
		return err
	}
	strippedSig := stripped["signature"].(map[string]any)
	delete(strippedSig, "proof")

	payload, err := canonicalize.JCS(stripped)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, proof) {
		return fmt.Errorf("crypto: invalid signature")
	}
	return nil
}

// cloneJSON deep-copies a JSON-compatible document.
func cloneJSON(v map[string]any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: document not JSON-compatible: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
