package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/multiformats/go-multibase"

	"github.com/iscc/iscc-hub/pkg/canonicalize"
)

const cryptosuite = "eddsa-jcs-2022"

// SignVC attaches an eddsa-jcs-2022 Data Integrity proof to a credential.
// The signature input is SHA-256(JCS(proof options)) || SHA-256(JCS(document))
// per the W3C cryptosuite; the proof options include the document @context.
func SignVC(vc map[string]any, kp *KeyPair) (map[string]any, error) {
	out, err := cloneJSON(vc)
	if err != nil {
		return nil, err
	}
	delete(out, "proof")

	fragment := kp.KeyID
	if fragment == "" {
		fragment = kp.PubkeyMultibase()
	}
	options := map[string]any{
		"type":               "DataIntegrityProof",
		"cryptosuite":        cryptosuite,
		"created":            time.Now().UTC().Format(time.RFC3339),
		"verificationMethod": kp.Controller + "#" + fragment,
		"proofPurpose":       "assertionMethod",
	}

	digest, err := proofHash(out, options)
	if err != nil {
		return nil, err
	}
	proofValue, err := multibase.Encode(multibase.Base58BTC, kp.Sign(digest))
	if err != nil {
		return nil, fmt.Errorf("crypto: proofValue encoding failed: %w", err)
	}
	options["proofValue"] = proofValue
	out["proof"] = options
	return out, nil
}

// VerifyVC checks the eddsa-jcs-2022 proof on a credential against pub.
func VerifyVC(vc map[string]any, pub ed25519.PublicKey) error {
	proof, ok := vc["proof"].(map[string]any)
	if !ok {
		return fmt.Errorf("crypto: credential has no proof")
	}
	if proof["cryptosuite"] != cryptosuite {
		return fmt.Errorf("crypto: unsupported cryptosuite %v", proof["cryptosuite"])
	}
	proofValue, ok := proof["proofValue"].(string)
	if !ok {
		return fmt.Errorf("crypto: proof has no proofValue")
	}
	_, sig, err := multibase.Decode(proofValue)
	if err != nil {
		return fmt.Errorf("crypto: invalid proofValue encoding: %w", err)
	}

	doc, err := cloneJSON(vc)
	if err != nil {
		return err
	}
	delete(doc, "proof")

	options := map[string]any{}
	for k, v := range proof {
		if k != "proofValue" {
			options[k] = v
		}
	}

	digest, err := proofHash(doc, options)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest, sig) {
		return fmt.Errorf("crypto: invalid credential proof")
	}
	return nil
}

func proofHash(doc, options map[string]any) ([]byte, error) {
	opts, err := cloneJSON(options)
	if err != nil {
		return nil, err
	}
	if ctx, ok := doc["@context"]; ok {
		opts["@context"] = ctx
	}
	optBytes, err := canonicalize.JCS(opts)
	if err != nil {
		return nil, err
	}
	docBytes, err := canonicalize.JCS(doc)
	if err != nil {
		return nil, err
	}
	optHash := sha256.Sum256(optBytes)
	docHash := sha256.Sum256(docBytes)
	return append(optHash[:], docHash[:]...), nil
}
