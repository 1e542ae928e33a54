// Package api exposes the hub's HTTP surface: declaration submission,
// deletion, lookup, health, and DID resolution.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iscc/iscc-hub/pkg/apierror"
	"github.com/iscc/iscc-hub/pkg/config"
	"github.com/iscc/iscc-hub/pkg/crypto"
	"github.com/iscc/iscc-hub/pkg/gateway"
	"github.com/iscc/iscc-hub/pkg/iscc"
	"github.com/iscc/iscc-hub/pkg/receipt"
	"github.com/iscc/iscc-hub/pkg/sequencer"
	"github.com/iscc/iscc-hub/pkg/store"
	"github.com/iscc/iscc-hub/pkg/validate"
)

// ForceHeader bypasses duplicate detection when set to "true" or "1".
const ForceHeader = "X-Force-Declaration"

// Service wires the validator, sequencer, projection, and receipt
// builder behind the HTTP handlers.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	seq      *sequencer.Sequencer
	receipts *receipt.Builder
	hubKey   *crypto.KeyPair
	log      *slog.Logger
}

// New constructs the service.
func New(cfg *config.Config, st *store.Store, seq *sequencer.Sequencer, receipts *receipt.Builder, hubKey *crypto.KeyPair, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, store: st, seq: seq, receipts: receipts, hubKey: hubKey, log: log}
}

// Routes returns the service's handler with middleware applied.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /declaration", s.HandleDeclare)
	mux.HandleFunc("DELETE /declaration/{iscc_id}", s.HandleDelete)
	mux.HandleFunc("GET /declaration/{iscc_id}", s.HandleGet)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /.well-known/did.json", s.HandleDID)

	limiter := NewRateLimiter(50, 100)
	return RequestID(limiter.Middleware(Logging(s.log, mux)))
}

func (s *Service) validateOpts() validate.Options {
	return validate.Options{
		VerifySignature: true,
		VerifyHubID:     true,
		VerifyTimestamp: true,
		HubID:           s.cfg.HubID,
	}
}

// readBody reads at most the validator's size limit plus one byte so
// oversized bodies fail validation rather than truncate silently.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, validate.MaxNoteSize+1))
	if err != nil {
		return nil, apierror.Validation(apierror.CodeInvalidLength, "", "request body too large")
	}
	return body, nil
}

func forced(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1":
		return true
	}
	return false
}

// HandleDeclare accepts a signed IsccNote, sequences it, materializes
// the projection, and returns the signed receipt with 201.
func (s *Service) HandleDeclare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	note, err := validate.Note(body, s.validateOpts())
	if err != nil {
		apierror.Write(w, err)
		return
	}

	if !forced(r.Header.Get(ForceHeader)) {
		existing, err := s.store.FindCreateByDatahash(ctx, note.DatahashBytes())
		if err != nil {
			apierror.Write(w, err)
			return
		}
		if existing != nil {
			apierror.Write(w, apierror.Duplicate(
				existing.ISCCID.Encode(s.cfg.Realm),
				crypto.EncodePubkey(existing.Pubkey),
			))
			return
		}
	}

	ev, err := s.seq.SequenceCreate(ctx, note)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	// The event is durable; a projection failure must not fail the
	// request. The projection is rebuilt from the log by the reconciler.
	if d, err := store.DeclarationFromEvent(ev); err != nil {
		s.log.Error("projection derive failed", "seq", ev.Seq, "error", err)
	} else if err := s.store.UpsertDeclaration(ctx, d); err != nil {
		s.log.Error("projection upsert failed", "seq", ev.Seq, "error", err)
	}

	vc, err := s.receipts.Build(ev)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	s.log.Info("declaration accepted",
		"seq", ev.Seq, "iscc_id", ev.ISCCID.Encode(s.cfg.Realm))
	writeJSON(w, http.StatusCreated, vc)
}

// HandleDelete accepts a signed IsccNoteDelete and removes the
// declaration after authorization checks.
func (s *Service) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pathID := r.PathValue("iscc_id")

	body, err := readBody(w, r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	del, err := validate.Delete(body, s.validateOpts())
	if err != nil {
		apierror.Write(w, err)
		return
	}

	if del.ISCCIDStr != pathID {
		apierror.Write(w, apierror.NotFound(
			"iscc_id in body does not match URL", "declaration", pathID))
		return
	}

	create, err := s.store.LatestCreate(ctx, del.ISCCID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if create == nil {
		apierror.Write(w, apierror.NotFound("declaration not found", "declaration", pathID))
		return
	}
	deleted, err := s.store.HasDelete(ctx, del.ISCCID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if deleted {
		apierror.Write(w, apierror.NotFound("declaration already deleted", "declaration", pathID))
		return
	}

	reqPubkey, err := del.PubkeyBytes()
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if !bytes.Equal(create.Pubkey, reqPubkey) {
		apierror.Write(w, apierror.Unauthorized("deletion requires the declaring key"))
		return
	}

	ev, err := s.seq.SequenceDelete(ctx, del, create.Datahash)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	if err := s.store.DeleteDeclaration(ctx, del.ISCCID); err != nil {
		s.log.Error("projection delete failed", "seq", ev.Seq, "error", err)
	}
	s.log.Info("declaration deleted", "seq", ev.Seq, "iscc_id", pathID)
	w.WriteHeader(http.StatusNoContent)
}

// declarationResponse is the lookup payload for GET /declaration.
type declarationResponse struct {
	ISCCID    string `json:"iscc_id"`
	EventSeq  int64  `json:"event_seq"`
	ISCCCode  string `json:"iscc_code"`
	Datahash  string `json:"datahash"`
	Nonce     string `json:"nonce"`
	Actor     string `json:"actor"`
	Gateway   string `json:"gateway,omitempty"`
	Metahash  string `json:"metahash,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// HandleGet returns the current state of a live declaration. Redacted
// rows answer 404 like absent ones.
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	pathID := r.PathValue("iscc_id")

	id, _, err := iscc.ParseID(pathID)
	if err != nil {
		apierror.Write(w, apierror.NotFound("declaration not found", "declaration", pathID))
		return
	}
	d, err := s.store.GetDeclaration(r.Context(), id)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if d == nil || d.Redacted {
		apierror.Write(w, apierror.NotFound("declaration not found", "declaration", pathID))
		return
	}

	resp := declarationResponse{
		ISCCID:    d.ISCCID.Encode(s.cfg.Realm),
		EventSeq:  d.EventSeq,
		ISCCCode:  d.ISCCCode,
		Datahash:  d.Datahash,
		Nonce:     d.Nonce,
		Metahash:  d.Metahash,
		Actor:     d.Actor,
		UpdatedAt: d.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000000Z"),
	}
	if d.Gateway != "" {
		expanded, err := gateway.Expand(d.Gateway, map[string]string{
			"iscc_id":    resp.ISCCID,
			"iscc_code":  d.ISCCCode,
			"pubkey":     d.Actor,
			"datahash":   d.Datahash,
			"controller": "",
		})
		if err != nil {
			s.log.Warn("gateway expansion failed", "iscc_id", resp.ISCCID, "error", err)
			expanded = d.Gateway
		}
		resp.Gateway = expanded
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports hub liveness and the event log head.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	seq, err := s.store.MaxSeq(r.Context())
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "pass",
		"hub_id": s.cfg.HubID,
		"realm":  int(s.cfg.Realm),
		"seq":    seq,
	})
}

// HandleDID serves the hub's did:web document so clients can resolve
// the receipt verification key.
func (s *Service) HandleDID(w http.ResponseWriter, r *http.Request) {
	did := s.cfg.DID()
	keyID := did + "#" + s.hubKey.PubkeyMultibase()
	writeJSON(w, http.StatusOK, map[string]any{
		"@context": []any{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
		},
		"id": did,
		"verificationMethod": []any{
			map[string]any{
				"id":                 keyID,
				"type":               "Multikey",
				"controller":         did,
				"publicKeyMultibase": s.hubKey.PubkeyMultibase(),
			},
		},
		"assertionMethod": []any{keyID},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
