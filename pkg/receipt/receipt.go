// Package receipt builds the signed W3C Verifiable Credential returned
// for each accepted declaration.
package receipt

import (
	"encoding/json"
	"fmt"

	"github.com/iscc/iscc-hub/pkg/crypto"
	"github.com/iscc/iscc-hub/pkg/iscc"
	"github.com/iscc/iscc-hub/pkg/store"
)

// Context and type markers of an IsccReceipt credential.
var (
	credentialContext = []any{"https://www.w3.org/ns/credentials/v2"}
	credentialTypes   = []any{"VerifiableCredential", "IsccReceipt"}
)

// Builder signs receipts with the hub key.
type Builder struct {
	kp    *crypto.KeyPair
	realm iscc.Realm
}

// NewBuilder creates a receipt builder. The keypair's controller is
// used as the credential issuer (did:web:<hub domain>).
func NewBuilder(kp *crypto.KeyPair, realm iscc.Realm) *Builder {
	return &Builder{kp: kp, realm: realm}
}

// Build produces the signed credential attesting to the sequencing of
// ev. The subject DID is the note's signature.controller when present,
// else did:key over the actor pubkey.
func (b *Builder) Build(ev *store.Event) (map[string]any, error) {
	var note map[string]any
	if err := json.Unmarshal(ev.Note, &note); err != nil {
		return nil, fmt.Errorf("receipt: corrupt note in event %d: %w", ev.Seq, err)
	}

	subject := "did:key:" + crypto.EncodePubkey(ev.Pubkey)
	if sig, ok := note["signature"].(map[string]any); ok {
		if controller, ok := sig["controller"].(string); ok && controller != "" {
			subject = controller
		}
	}

	vc := map[string]any{
		"@context": credentialContext,
		"type":     credentialTypes,
		"issuer":   b.kp.Controller,
		"credentialSubject": map[string]any{
			"id": subject,
			"declaration": map[string]any{
				"seq":       ev.Seq,
				"iscc_id":   ev.ISCCID.Encode(b.realm),
				"iscc_note": note,
			},
		},
	}
	return crypto.SignVC(vc, b.kp)
}
