package api

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iscc/iscc-hub/pkg/config"
	"github.com/iscc/iscc-hub/pkg/crypto"
	"github.com/iscc/iscc-hub/pkg/iscc"
	"github.com/iscc/iscc-hub/pkg/receipt"
	"github.com/iscc/iscc-hub/pkg/sequencer"
	"github.com/iscc/iscc-hub/pkg/store"
)

const testHubID = 1

type testHub struct {
	handler http.Handler
	store   *store.Store
	hubKey  *crypto.KeyPair
	cfg     *config.Config
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	cfg := &config.Config{
		HubID:  testHubID,
		Realm:  iscc.RealmSandbox,
		Domain: "hub.example.com",
		DBPath: filepath.Join(t.TempDir(), "hub.db"),
	}
	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hubKey, err := crypto.GenerateKeyPair(cfg.DID())
	require.NoError(t, err)

	svc := New(cfg, st, sequencer.New(st, cfg.HubID),
		receipt.NewBuilder(hubKey, cfg.Realm), hubKey,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &testHub{handler: svc.Routes(), store: st, hubKey: hubKey, cfg: cfg}
}

func (h *testHub) request(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

type noteFixture struct {
	note     map[string]any
	kp       *crypto.KeyPair
	datahash string
	nonce    string
}

// makeNote builds a self-consistent signed declaration bound to the
// test hub. A nil keypair generates a fresh actor.
func makeNote(t *testing.T, kp *crypto.KeyPair) *noteFixture {
	t.Helper()

	digest := make([]byte, 32)
	_, err := rand.Read(digest)
	require.NoError(t, err)
	instanceUnit, err := iscc.EncodeInstance(digest)
	require.NoError(t, err)
	isccCode, err := iscc.Compose([]string{"ISCC:GAAQCAQDAQCQMBYI", instanceUnit})
	require.NoError(t, err)

	note := map[string]any{
		"iscc_code": isccCode,
		"datahash":  "1e20" + hex.EncodeToString(digest),
		"nonce":     makeNonce(t),
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if kp == nil {
		kp, err = crypto.GenerateKeyPair("did:web:actor.example.com")
		require.NoError(t, err)
	}
	signed, err := crypto.SignJSON(note, kp)
	require.NoError(t, err)
	return &noteFixture{
		note:     signed,
		kp:       kp,
		datahash: note["datahash"].(string),
		nonce:    note["nonce"].(string),
	}
}

func makeNonce(t *testing.T) string {
	t.Helper()
	nonce := make([]byte, 16)
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	nonce[0] = byte(testHubID >> 4)
	nonce[1] = nonce[1]&0x0f | byte(testHubID&0xf)<<4
	return hex.EncodeToString(nonce)
}

func makeDeleteBody(t *testing.T, isccID string, kp *crypto.KeyPair) []byte {
	t.Helper()
	body := map[string]any{
		"iscc_id":   isccID,
		"nonce":     makeNonce(t),
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	signed, err := crypto.SignJSON(body, kp)
	require.NoError(t, err)
	return marshal(t, signed)
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error
}

// declare POSTs a note and returns the receipt's declaration object.
func (h *testHub) declare(t *testing.T, f *noteFixture, headers map[string]string) map[string]any {
	t.Helper()
	rec := h.request(t, http.MethodPost, "/declaration", marshal(t, f.note), headers)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var vc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vc))
	subject := vc["credentialSubject"].(map[string]any)
	return subject["declaration"].(map[string]any)
}

func TestDeclareMinimal(t *testing.T) {
	h := newTestHub(t)
	f := makeNote(t, nil)

	rec := h.request(t, http.MethodPost, "/declaration", marshal(t, f.note), nil)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var vc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vc))
	assert.Equal(t, "did:web:hub.example.com", vc["issuer"])
	require.NoError(t, crypto.VerifyVC(vc, h.hubKey.Public()))

	subject := vc["credentialSubject"].(map[string]any)
	assert.Equal(t, "did:web:actor.example.com", subject["id"])

	declaration := subject["declaration"].(map[string]any)
	assert.EqualValues(t, 1, declaration["seq"])

	id, _, err := iscc.ParseID(declaration["iscc_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, testHubID, id.HubID())
}

func TestDeclareDuplicateSuppression(t *testing.T) {
	h := newTestHub(t)
	first := makeNote(t, nil)
	firstDecl := h.declare(t, first, nil)

	// Same datahash, fresh nonce and actor.
	second := makeNote(t, nil)
	second.note["datahash"] = first.datahash
	resigned, err := crypto.SignJSON(stripSignature(second.note), second.kp)
	require.NoError(t, err)
	// The composite still embeds the first digest, so reuse it too.
	resigned["iscc_code"] = first.note["iscc_code"]
	resigned, err = crypto.SignJSON(stripSignature(resigned), second.kp)
	require.NoError(t, err)

	rec := h.request(t, http.MethodPost, "/declaration", marshal(t, resigned), nil)
	require.Equal(t, http.StatusConflict, rec.Code, "body: %s", rec.Body.String())
	e := decodeError(t, rec)
	assert.Equal(t, "duplicate_declaration", e["code"])
	assert.Equal(t, firstDecl["iscc_id"], e["existing_iscc_id"])
	assert.Equal(t, first.kp.PubkeyMultibase(), e["existing_actor"])

	// Force header bypasses the check.
	rec = h.request(t, http.MethodPost, "/declaration", marshal(t, resigned),
		map[string]string{ForceHeader: "true"})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
}

func stripSignature(note map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range note {
		if k != "signature" {
			out[k] = v
		}
	}
	return out
}

func TestDeclareNonceReuse(t *testing.T) {
	h := newTestHub(t)
	first := makeNote(t, nil)
	h.declare(t, first, nil)

	second := makeNote(t, nil)
	second.note["nonce"] = first.nonce
	resigned, err := crypto.SignJSON(stripSignature(second.note), second.kp)
	require.NoError(t, err)

	rec := h.request(t, http.MethodPost, "/declaration", marshal(t, resigned),
		map[string]string{ForceHeader: "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", rec.Body.String())
	e := decodeError(t, rec)
	assert.Equal(t, "nonce_reuse", e["code"])
	assert.Equal(t, "nonce", e["field"])

	seq, err := h.store.MaxSeq(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestDeclareWrongHubNonce(t *testing.T) {
	h := newTestHub(t)
	f := makeNote(t, nil)
	// High 12 bits bound to hub 0 instead of hub 1.
	f.note["nonce"] = "000" + f.nonce[3:]
	resigned, err := crypto.SignJSON(stripSignature(f.note), f.kp)
	require.NoError(t, err)

	rec := h.request(t, http.MethodPost, "/declaration", marshal(t, resigned), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "nonce_mismatch", e["code"])
}

func TestDeclareInvalidSignature(t *testing.T) {
	h := newTestHub(t)
	f := makeNote(t, nil)
	f.note["gateway"] = "https://tampered.example.com"

	rec := h.request(t, http.MethodPost, "/declaration", marshal(t, f.note), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "invalid_signature", e["code"])
}

func TestDeleteLifecycle(t *testing.T) {
	h := newTestHub(t)
	f := makeNote(t, nil)
	decl := h.declare(t, f, nil)
	isccID := decl["iscc_id"].(string)

	// A stranger may not delete.
	stranger, err := crypto.GenerateKeyPair("")
	require.NoError(t, err)
	rec := h.request(t, http.MethodDelete, "/declaration/"+isccID,
		makeDeleteBody(t, isccID, stranger), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "body: %s", rec.Body.String())
	assert.Equal(t, "unauthorized", decodeError(t, rec)["code"])

	// The declaring key may.
	rec = h.request(t, http.MethodDelete, "/declaration/"+isccID,
		makeDeleteBody(t, isccID, f.kp), nil)
	require.Equal(t, http.StatusNoContent, rec.Code, "body: %s", rec.Body.String())

	// A second delete answers 404.
	rec = h.request(t, http.MethodDelete, "/declaration/"+isccID,
		makeDeleteBody(t, isccID, f.kp), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "not_found", e["code"])
	assert.Equal(t, "declaration", e["resource_type"])
}

func TestDeletePathBodyMismatch(t *testing.T) {
	h := newTestHub(t)
	f := makeNote(t, nil)
	decl := h.declare(t, f, nil)
	isccID := decl["iscc_id"].(string)

	other, err := iscc.NewID(time.Now().UnixMicro(), testHubID)
	require.NoError(t, err)
	otherID := other.Encode(iscc.RealmSandbox)

	rec := h.request(t, http.MethodDelete, "/declaration/"+otherID,
		makeDeleteBody(t, isccID, f.kp), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteUnknownID(t *testing.T) {
	h := newTestHub(t)
	kp, err := crypto.GenerateKeyPair("")
	require.NoError(t, err)

	id, err := iscc.NewID(time.Now().UnixMicro(), testHubID)
	require.NoError(t, err)
	isccID := id.Encode(iscc.RealmSandbox)

	rec := h.request(t, http.MethodDelete, "/declaration/"+isccID,
		makeDeleteBody(t, isccID, kp), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDeclaration(t *testing.T) {
	h := newTestHub(t)
	f := makeNote(t, nil)
	f.note["gateway"] = "https://example.com/resolve/{iscc_id}"
	resigned, err := crypto.SignJSON(stripSignature(f.note), f.kp)
	require.NoError(t, err)
	f.note = resigned

	decl := h.declare(t, f, nil)
	isccID := decl["iscc_id"].(string)

	rec := h.request(t, http.MethodGet, "/declaration/"+isccID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var resp declarationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, isccID, resp.ISCCID)
	assert.EqualValues(t, 1, resp.EventSeq)
	assert.Equal(t, f.datahash, resp.Datahash)
	assert.Equal(t, f.kp.PubkeyMultibase(), resp.Actor)
	assert.Contains(t, resp.Gateway, "https://example.com/resolve/")
	assert.NotContains(t, resp.Gateway, "{")
}

func TestGetDeclarationNotFound(t *testing.T) {
	h := newTestHub(t)

	rec := h.request(t, http.MethodGet, "/declaration/ISCC:MAIWGQRD43YZQUAA", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.request(t, http.MethodGet, "/declaration/not-an-id", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDeclarationRedacted(t *testing.T) {
	h := newTestHub(t)
	f := makeNote(t, nil)
	decl := h.declare(t, f, nil)
	isccID := decl["iscc_id"].(string)

	id, _, err := iscc.ParseID(isccID)
	require.NoError(t, err)
	require.NoError(t, h.store.SetRedacted(t.Context(), id, true))

	rec := h.request(t, http.MethodGet, "/declaration/"+isccID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newTestHub(t)
	h.declare(t, makeNote(t, nil), nil)

	rec := h.request(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pass", resp["status"])
	assert.EqualValues(t, testHubID, resp["hub_id"])
	assert.EqualValues(t, 1, resp["seq"])
}

func TestDIDDocument(t *testing.T) {
	h := newTestHub(t)

	rec := h.request(t, http.MethodGet, "/.well-known/did.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "did:web:hub.example.com", doc["id"])

	methods := doc["verificationMethod"].([]any)
	require.Len(t, methods, 1)
	vm := methods[0].(map[string]any)
	assert.Equal(t, "Multikey", vm["type"])
	assert.Equal(t, h.hubKey.PubkeyMultibase(), vm["publicKeyMultibase"])
}

func TestDeclareBodyTooLarge(t *testing.T) {
	h := newTestHub(t)
	big := bytes.Repeat([]byte("a"), 10000)

	rec := h.request(t, http.MethodPost, "/declaration", big, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
