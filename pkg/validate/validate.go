// Package validate implements offline semantic validation of signed
// declarations and deletion requests. Validation is a pure function over
// (input bytes, options): it never touches the database and is safe to
// run concurrently.
package validate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yosida95/uritemplate/v3"

	"github.com/iscc/iscc-hub/pkg/apierror"
	"github.com/iscc/iscc-hub/pkg/crypto"
	"github.com/iscc/iscc-hub/pkg/iscc"
)

const (
	// MaxNoteSize is the maximum accepted JSON body size in bytes.
	MaxNoteSize = 8192
	// MaxStringLen is the maximum length of any single string field.
	MaxStringLen = 2048
	// MaxUnits bounds the optional units list.
	MaxUnits = 4
	// MaxTimestampSkew is the accepted distance between the note timestamp
	// and the hub wall clock.
	MaxTimestampSkew = 600 * time.Second
)

// Options controls which policy checks run. Format and cryptographic
// structure checks always run; the Verify* switches gate the checks that
// depend on hub policy or wall clock.
type Options struct {
	VerifySignature bool
	VerifyHubID     bool
	VerifyTimestamp bool

	// HubID is required when VerifyHubID is set.
	HubID int
	// Now supplies the wall clock; defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// ValidatedNote is the outcome of a successful Note validation, carrying
// the parsed fields the rest of the pipeline needs.
type ValidatedNote struct {
	// Raw is the parsed note, key-complete, used for canonicalization.
	Raw map[string]any

	ISCCCode   string
	Datahash   string
	Nonce      string
	Timestamp  time.Time
	Gateway    string
	Metahash   string
	Units      []string
	Pubkey     string
	Controller string
}

// NonceBytes returns the 16 raw nonce bytes.
func (v *ValidatedNote) NonceBytes() []byte {
	b, _ := hex.DecodeString(v.Nonce)
	return b
}

// DatahashBytes returns the 33 raw multihash bytes (0x1e 0x20 prefix
// included).
func (v *ValidatedNote) DatahashBytes() []byte {
	b, _ := hex.DecodeString(v.Datahash)
	return b
}

// PubkeyBytes returns the raw 32-byte Ed25519 public key.
func (v *ValidatedNote) PubkeyBytes() ([]byte, error) {
	pub, err := crypto.ParsePubkey(v.Pubkey)
	if err != nil {
		return nil, apierror.InvalidSignature(err.Error())
	}
	return pub, nil
}

// ValidatedDelete is the outcome of a successful Delete validation.
type ValidatedDelete struct {
	Raw map[string]any

	ISCCID    iscc.ID
	ISCCIDStr string
	Nonce     string
	Timestamp time.Time
	Pubkey    string
}

// NonceBytes returns the 16 raw nonce bytes.
func (v *ValidatedDelete) NonceBytes() []byte {
	b, _ := hex.DecodeString(v.Nonce)
	return b
}

// PubkeyBytes returns the raw 32-byte Ed25519 public key.
func (v *ValidatedDelete) PubkeyBytes() ([]byte, error) {
	pub, err := crypto.ParsePubkey(v.Pubkey)
	if err != nil {
		return nil, apierror.InvalidSignature(err.Error())
	}
	return pub, nil
}

var noteKeys = map[string]bool{
	"iscc_code": true, "datahash": true, "nonce": true, "timestamp": true,
	"signature": true, "gateway": true, "metahash": true, "units": true,
}

var deleteKeys = map[string]bool{
	"iscc_id": true, "nonce": true, "timestamp": true, "signature": true,
}

var gatewayVars = map[string]bool{
	"iscc_id": true, "iscc_code": true, "pubkey": true,
	"datahash": true, "controller": true,
}

// Note validates a declaration body. Checks run in a fixed order and
// short-circuit on the first failure so the most specific error is
// reported.
func Note(data []byte, opts Options) (*ValidatedNote, error) {
	raw, err := parseBody(data, noteKeys)
	if err != nil {
		return nil, err
	}

	v := &ValidatedNote{Raw: raw}

	if v.ISCCCode, err = requireString(raw, "iscc_code"); err != nil {
		return nil, err
	}
	if v.Datahash, err = requireString(raw, "datahash"); err != nil {
		return nil, err
	}
	if v.Nonce, err = requireString(raw, "nonce"); err != nil {
		return nil, err
	}
	tsStr, err := requireString(raw, "timestamp")
	if err != nil {
		return nil, err
	}
	if _, ok := raw["signature"]; !ok {
		return nil, apierror.Validation(apierror.CodeValidationFailed, "signature", "missing required field")
	}

	unit, err := iscc.Decode(v.ISCCCode)
	if err != nil {
		return nil, apierror.Validation(apierror.CodeInvalidISCC, "iscc_code", err.Error())
	}
	if unit.Main != iscc.MTIscc {
		return nil, apierror.Validation(apierror.CodeInvalidISCC, "iscc_code", "iscc_code must be a composite ISCC-CODE")
	}

	if err := checkMultihash(v.Datahash, "datahash"); err != nil {
		return nil, err
	}
	if err := checkNonce(v.Nonce, opts); err != nil {
		return nil, err
	}
	if v.Timestamp, err = checkTimestamp(tsStr, opts); err != nil {
		return nil, err
	}

	if err := v.checkOptional(raw); err != nil {
		return nil, err
	}

	sig, err := checkSignature(raw)
	if err != nil {
		return nil, err
	}
	v.Pubkey, _ = sig["pubkey"].(string)
	v.Controller, _ = sig["controller"].(string)

	if err := checkDatahashMatch(v.ISCCCode, v.DatahashBytes()); err != nil {
		return nil, err
	}

	if opts.VerifySignature {
		if err := crypto.VerifyJSON(raw); err != nil {
			return nil, apierror.InvalidSignature(err.Error())
		}
	}
	return v, nil
}

// Delete validates a deletion request body.
func Delete(data []byte, opts Options) (*ValidatedDelete, error) {
	raw, err := parseBody(data, deleteKeys)
	if err != nil {
		return nil, err
	}

	v := &ValidatedDelete{Raw: raw}

	if v.ISCCIDStr, err = requireString(raw, "iscc_id"); err != nil {
		return nil, err
	}
	if v.Nonce, err = requireString(raw, "nonce"); err != nil {
		return nil, err
	}
	tsStr, err := requireString(raw, "timestamp")
	if err != nil {
		return nil, err
	}
	if _, ok := raw["signature"]; !ok {
		return nil, apierror.Validation(apierror.CodeValidationFailed, "signature", "missing required field")
	}

	if v.ISCCID, _, err = iscc.ParseID(v.ISCCIDStr); err != nil {
		return nil, apierror.Validation(apierror.CodeInvalidISCC, "iscc_id", err.Error())
	}

	if err := checkNonce(v.Nonce, opts); err != nil {
		return nil, err
	}
	if v.Timestamp, err = checkTimestamp(tsStr, opts); err != nil {
		return nil, err
	}

	sig, err := checkSignature(raw)
	if err != nil {
		return nil, err
	}
	v.Pubkey, _ = sig["pubkey"].(string)

	if opts.VerifySignature {
		if err := crypto.VerifyJSON(raw); err != nil {
			return nil, apierror.InvalidSignature(err.Error())
		}
	}
	return v, nil
}

// parseBody enforces the size limits, parses the JSON object, and
// rejects unknown top-level keys.
func parseBody(data []byte, allowed map[string]bool) (map[string]any, error) {
	if len(data) > MaxNoteSize {
		return nil, apierror.Validation(apierror.CodeInvalidLength, "",
			fmt.Sprintf("request body exceeds %d bytes", MaxNoteSize))
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apierror.Validation(apierror.CodeValidationFailed, "", "request body must be a JSON object")
	}
	for key, val := range raw {
		if !allowed[key] {
			return nil, apierror.Validation(apierror.CodeValidationFailed, key, "unknown field")
		}
		if s, ok := val.(string); ok && len(s) > MaxStringLen {
			return nil, apierror.Validation(apierror.CodeInvalidLength, key,
				fmt.Sprintf("string exceeds %d characters", MaxStringLen))
		}
	}
	return raw, nil
}

func requireString(raw map[string]any, field string) (string, error) {
	val, ok := raw[field]
	if !ok {
		return "", apierror.Validation(apierror.CodeValidationFailed, field, "missing required field")
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return "", apierror.Validation(apierror.CodeValidationFailed, field, "must be a non-empty string")
	}
	return s, nil
}

// checkMultihash validates the BLAKE3-256 multihash format shared by
// datahash and metahash.
func checkMultihash(s, field string) error {
	if strings.ToLower(s) != s {
		return apierror.Validation(apierror.CodeInvalidFormat, field, "must be lowercase")
	}
	if len(s) != 68 {
		return apierror.Validation(apierror.CodeInvalidLength, field, "must be exactly 68 characters")
	}
	if !strings.HasPrefix(s, "1e20") {
		return apierror.Validation(apierror.CodeInvalidFormat, field, "must start with multihash prefix 1e20")
	}
	if _, err := hex.DecodeString(s); err != nil {
		return apierror.Validation(apierror.CodeInvalidHex, field, "must be valid hex")
	}
	return nil
}

func checkNonce(s string, opts Options) error {
	if len(s) != 32 {
		return apierror.Validation(apierror.CodeInvalidLength, "nonce", "must be exactly 32 characters")
	}
	if strings.ToLower(s) != s {
		return apierror.Validation(apierror.CodeInvalidFormat, "nonce", "must be lowercase")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return apierror.Validation(apierror.CodeInvalidHex, "nonce", "must be valid hex")
	}
	if opts.VerifyHubID {
		if opts.HubID < 0 || opts.HubID > iscc.MaxHubID {
			return apierror.Validation(apierror.CodeNonceMismatch, "nonce",
				fmt.Sprintf("configured hub id %d out of range", opts.HubID))
		}
		nonceHub := int(b[0])<<4 | int(b[1])>>4
		if nonceHub != opts.HubID {
			return apierror.Validation(apierror.CodeNonceMismatch, "nonce",
				fmt.Sprintf("nonce is bound to hub %d, this hub is %d", nonceHub, opts.HubID))
		}
	}
	return nil
}

// checkTimestamp enforces RFC 3339 UTC with exactly 3 fractional digits.
func checkTimestamp(s string, opts Options) (time.Time, error) {
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, apierror.Validation(apierror.CodeInvalidFormat, "timestamp", "must end with Z")
	}
	dot := strings.LastIndex(s, ".")
	if dot < 0 {
		return time.Time{}, apierror.Validation(apierror.CodeInvalidFormat, "timestamp", "must carry fractional seconds")
	}
	frac := s[dot+1 : len(s)-1]
	if len(frac) != 3 {
		return time.Time{}, apierror.Validation(apierror.CodeInvalidFormat, "timestamp", "must have exactly 3 fractional digits")
	}
	ts, err := time.Parse("2006-01-02T15:04:05.000Z", s)
	if err != nil {
		return time.Time{}, apierror.Validation(apierror.CodeInvalidFormat, "timestamp", "must be RFC 3339 UTC")
	}
	if opts.VerifyTimestamp {
		diff := opts.now().Sub(ts)
		if diff < 0 {
			diff = -diff
		}
		if diff > MaxTimestampSkew {
			return time.Time{}, apierror.Validation(apierror.CodeTimestampOutOfRange, "timestamp",
				fmt.Sprintf("timestamp is more than %s away from hub time", MaxTimestampSkew))
		}
	}
	return ts, nil
}

func (v *ValidatedNote) checkOptional(raw map[string]any) error {
	if val, ok := raw["metahash"]; ok {
		s, isStr := val.(string)
		if !isStr || s == "" {
			return apierror.Validation(apierror.CodeValidationFailed, "metahash", "must be a non-empty string")
		}
		if err := checkMultihash(s, "metahash"); err != nil {
			return err
		}
		v.Metahash = s
	}

	if val, ok := raw["gateway"]; ok {
		s, isStr := val.(string)
		if !isStr || s == "" {
			return apierror.Validation(apierror.CodeValidationFailed, "gateway", "must be a non-empty string")
		}
		if err := checkGateway(s); err != nil {
			return err
		}
		v.Gateway = s
	}

	if val, ok := raw["units"]; ok {
		list, isList := val.([]any)
		if !isList || len(list) == 0 {
			return apierror.Validation(apierror.CodeValidationFailed, "units", "must be a non-empty list")
		}
		if len(list) > MaxUnits {
			return apierror.Validation(apierror.CodeInvalidLength, "units",
				fmt.Sprintf("at most %d units allowed", MaxUnits))
		}
		units := make([]string, 0, len(list))
		for _, item := range list {
			s, isStr := item.(string)
			if !isStr || s == "" {
				return apierror.Validation(apierror.CodeValidationFailed, "units", "entries must be non-empty strings")
			}
			units = append(units, s)
		}
		if err := checkUnitsReconstruction(units, v.ISCCCode, v.DatahashBytes()); err != nil {
			return err
		}
		v.Units = units
	}
	return nil
}

// checkGateway accepts either a plain HTTP(S) URL or an RFC 6570 URI
// template over the allowed variable set.
func checkGateway(s string) error {
	depth := 0
	for _, r := range s {
		switch r {
		case '{':
			depth++
			if depth > 1 {
				return apierror.Validation(apierror.CodeInvalidFormat, "gateway", "nested braces in URI template")
			}
		case '}':
			depth--
			if depth < 0 {
				return apierror.Validation(apierror.CodeInvalidFormat, "gateway", "unbalanced braces in URI template")
			}
		}
	}
	if depth != 0 {
		return apierror.Validation(apierror.CodeInvalidFormat, "gateway", "unbalanced braces in URI template")
	}

	tmpl, err := uritemplate.New(s)
	if err != nil {
		return apierror.Validation(apierror.CodeInvalidFormat, "gateway", "invalid URI template")
	}
	for _, name := range tmpl.Varnames() {
		if !gatewayVars[name] {
			return apierror.Validation(apierror.CodeInvalidFormat, "gateway",
				fmt.Sprintf("unknown template variable %q", name))
		}
	}

	u, err := url.Parse(s)
	if err != nil {
		return apierror.Validation(apierror.CodeInvalidFormat, "gateway", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apierror.Validation(apierror.CodeInvalidFormat, "gateway", "scheme must be http or https")
	}
	if u.Host == "" {
		return apierror.Validation(apierror.CodeInvalidFormat, "gateway", "must carry a host")
	}
	return nil
}

// checkUnitsReconstruction verifies that composing the supplied units
// with the Instance-Code derived from datahash reproduces iscc_code.
func checkUnitsReconstruction(units []string, isccCode string, datahash []byte) error {
	if len(datahash) != 34 {
		return apierror.Validation(apierror.CodeValidationFailed, "units", "datahash is not a valid multihash")
	}
	instanceUnit, err := iscc.EncodeInstance(datahash[2:])
	if err != nil {
		return apierror.Validation(apierror.CodeInvalidISCC, "units", err.Error())
	}
	composed, err := iscc.Compose(append(append([]string{}, units...), instanceUnit))
	if err != nil {
		return apierror.Validation(apierror.CodeInvalidISCC, "units", err.Error())
	}
	if composed != isccCode {
		return apierror.Validation(apierror.CodeValidationFailed, "units",
			"units do not reconstruct iscc_code")
	}
	return nil
}

var signatureKeys = map[string]bool{
	"version": true, "pubkey": true, "proof": true, "controller": true, "keyid": true,
}

// checkSignature validates the signature object structure (not the
// cryptographic proof).
func checkSignature(raw map[string]any) (map[string]any, error) {
	sig, ok := raw["signature"].(map[string]any)
	if !ok {
		return nil, apierror.InvalidSignature("signature must be an object")
	}
	for key := range sig {
		if !signatureKeys[key] {
			return nil, apierror.InvalidSignature(fmt.Sprintf("unknown signature field %q", key))
		}
	}
	if sig["version"] != crypto.SignatureVersion {
		return nil, apierror.InvalidSignature(fmt.Sprintf("signature version must be %q", crypto.SignatureVersion))
	}
	pubkey, ok := sig["pubkey"].(string)
	if !ok || pubkey == "" {
		return nil, apierror.InvalidSignature("signature must carry a pubkey")
	}
	proof, ok := sig["proof"].(string)
	if !ok || proof == "" {
		return nil, apierror.InvalidSignature("signature must carry a proof")
	}
	return sig, nil
}

// checkDatahashMatch compares the Instance-Code digest embedded in the
// composite against the declared datahash. WIDE composites carry 128
// bits of Instance digest, all others 64.
func checkDatahashMatch(isccCode string, datahash []byte) error {
	units, err := iscc.Decompose(isccCode)
	if err != nil {
		return apierror.Validation(apierror.CodeInvalidISCC, "iscc_code", err.Error())
	}
	if len(units) == 0 {
		return apierror.Validation(apierror.CodeInvalidISCC, "iscc_code", "composite has no units")
	}
	last := units[len(units)-1]
	if last.Main != iscc.MTInstance {
		return apierror.Validation(apierror.CodeInvalidISCC, "iscc_code", "composite must end with an Instance-Code")
	}

	composite, err := iscc.Decode(isccCode)
	if err != nil {
		return apierror.Validation(apierror.CodeInvalidISCC, "iscc_code", err.Error())
	}
	n := 8
	if composite.Sub == iscc.STWide {
		n = 16
	}
	if len(datahash) < 2+n || len(last.Digest) < n {
		return apierror.Validation(apierror.CodeInvalidFormat, "datahash", "datahash does not match iscc_code")
	}
	body := datahash[2:]
	for i := 0; i < n; i++ {
		if last.Digest[i] != body[i] {
			return apierror.Validation(apierror.CodeInvalidFormat, "datahash", "datahash does not match iscc_code")
		}
	}
	return nil
}
