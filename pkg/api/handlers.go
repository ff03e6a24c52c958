package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sanctuary-net/sanctuary/pkg/registry"
	"github.com/sanctuary-net/sanctuary/pkg/trust"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

// maxListLimit caps snapshot and attestation listings.
const maxListLimit = 100

type challengeRequest struct {
	Agent string `json:"agent"`
}

type challengeResponse struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ch, err := s.auth.CreateChallenge(r.Context(), req.Agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Nonce: ch.Nonce, ExpiresAt: ch.ExpiresAt})
}

type verifyRequest struct {
	Agent     string `json:"agent"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

type verifyResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, expiresAt, err := s.auth.VerifyChallenge(r.Context(), req.Agent, req.Nonce, req.Timestamp, req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Token: token, ExpiresAt: expiresAt})
}

type registerRequest struct {
	Agent              string `json:"agent"`
	RecoveryPubKey     []byte `json:"recovery_pub_key"`
	RecallPubKey       []byte `json:"recall_pub_key"`
	ManifestHash       string `json:"manifest_hash"`
	ManifestVersion    int    `json:"manifest_version"`
	Deadline           int64  `json:"deadline"`
	Signature          []byte `json:"signature"`
	GenesisDeclaration string `json:"genesis_declaration,omitempty"`
}

type registerResponse struct {
	Agent        string    `json:"agent"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.registry.Register(r.Context(), &registry.RegisterInput{
		Agent:              req.Agent,
		RecoveryPubKey:     req.RecoveryPubKey,
		RecallPubKey:       req.RecallPubKey,
		ManifestHash:       req.ManifestHash,
		ManifestVersion:    req.ManifestVersion,
		Deadline:           req.Deadline,
		Signature:          req.Signature,
		GenesisDeclaration: req.GenesisDeclaration,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Agent: agent.Address, RegisteredAt: agent.RegisteredAt})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.registry.Status(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := s.auth.RequireAgent(tokenAgent(r), address); err != nil {
		writeError(w, err)
		return
	}
	manifest, err := s.registry.Resurrect(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

type heartbeatRequest struct {
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := s.auth.RequireAgent(tokenAgent(r), address); err != nil {
		writeError(w, err)
		return
	}
	var req heartbeatRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Heartbeat(r.Context(), address, req.Timestamp, req.Signature); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type uploadRequest struct {
	Header  []byte `json:"header"`  // header JSON, as signed by the client
	Payload []byte `json:"payload"` // full encrypted container
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.snapshots.Upload(r.Context(), tokenAgent(r), req.Header, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type snapshotEntry struct {
	ID            string      `json:"id"`
	Seq           int64       `json:"seq"`
	Timestamp     time.Time   `json:"timestamp"`
	ReceivedAt    time.Time   `json:"received_at"`
	StorageHandle string      `json:"storage_handle"`
	SizeBytes     int64       `json:"size_bytes"`
	ManifestHash  string      `json:"manifest_hash"`
	SnapshotMeta  interface{} `json:"snapshot_meta,omitempty"`
}

func toSnapshotEntry(s *types.Snapshot) snapshotEntry {
	e := snapshotEntry{
		ID:            s.ID,
		Seq:           s.Seq,
		Timestamp:     s.ClientTimestamp,
		ReceivedAt:    s.ReceivedAt,
		StorageHandle: s.StorageHandle,
		SizeBytes:     s.SizeBytes,
		ManifestHash:  s.ManifestHash,
	}
	if len(s.Meta) > 0 {
		e.SnapshotMeta = s.Meta
	}
	return e
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := s.auth.RequireAgent(tokenAgent(r), address); err != nil {
		writeError(w, err)
		return
	}
	limit := maxListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	snaps, err := s.snapshots.List(r.Context(), address, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := make([]snapshotEntry, len(snaps))
	for i, snap := range snaps {
		entries[i] = toSnapshotEntry(snap)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := s.auth.RequireAgent(tokenAgent(r), address); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.snapshots.Latest(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotEntry(snap))
}

func (s *Server) handleFetchSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.auth.RequireAgent(tokenAgent(r), vars["address"]); err != nil {
		writeError(w, err)
		return
	}
	payload, err := s.snapshots.Fetch(r.Context(), vars["address"], vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type attestRequest struct {
	From      string `json:"from"`
	About     string `json:"about"`
	NoteHash  string `json:"note_hash"`
	Deadline  int64  `json:"deadline"`
	Signature []byte `json:"signature"`
	Note      string `json:"note,omitempty"`
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.RequireAgent(tokenAgent(r), req.From); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.attestations.Submit(r.Context(), &trust.SubmitInput{
		From:     req.From,
		About:    req.About,
		NoteHash: req.NoteHash,
		Deadline: req.Deadline,
		Sig:      req.Signature,
		Note:     req.Note,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type attestationEntry struct {
	From      string    `json:"from"`
	NoteHash  string    `json:"note_hash"`
	TxHandle  string    `json:"tx_handle"`
	TxStatus  string    `json:"tx_status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListAttestations(w http.ResponseWriter, r *http.Request) {
	atts, err := s.attestations.List(r.Context(), mux.Vars(r)["address"], maxListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := make([]attestationEntry, len(atts))
	for i, att := range atts {
		entries[i] = attestationEntry{
			From:      att.From,
			NoteHash:  att.NoteHash,
			TxHandle:  att.TxHandle,
			TxStatus:  string(att.TxStatus),
			CreatedAt: att.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, entries)
}
