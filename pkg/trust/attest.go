package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
	"github.com/sanctuary-net/sanctuary/pkg/ledger"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/metrics"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

// AttestationCooldown is the minimum interval between two attestations by
// the same agent about the same agent.
const AttestationCooldown = 7 * 24 * time.Hour

// Attestations records signed vouches and relays them to the ledger.
type Attestations struct {
	store  storage.Store
	ledger ledger.Ledger
	broker *events.Broker
	now    func() time.Time
}

// NewAttestations creates the attestation recorder.
func NewAttestations(store storage.Store, l ledger.Ledger, broker *events.Broker) *Attestations {
	return &Attestations{store: store, ledger: l, broker: broker, now: time.Now}
}

// SubmitInput is one signed attestation.
type SubmitInput struct {
	From     string
	About    string
	NoteHash string // 256-bit hex digest of the note
	Deadline int64  // unix seconds
	Sig      []byte
	Note     string
}

// SubmitResult reports the ledger handle for an accepted attestation.
type SubmitResult struct {
	TxHandle string         `json:"tx_handle"`
	Status   types.TxStatus `json:"status"`
}

func attestDigest(from, about, noteHash string, deadline int64) []byte {
	return keys.Digest(keys.TagAttestation, from, about, noteHash, strconv.FormatInt(deadline, 10))
}

// Submit validates and records one attestation: no self-attestation, both
// agents must exist, the attester must be writable, the signature must
// recover the attester, and the (from, about) cooldown must have elapsed.
// The ledger submission happens before the row is written so the row carries
// the transaction handle.
func (a *Attestations) Submit(ctx context.Context, in *SubmitInput) (*SubmitResult, error) {
	from, err := keys.NormalizeAddress(in.From)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "trust: %v", err)
	}
	about, err := keys.NormalizeAddress(in.About)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "trust: %v", err)
	}
	if keys.SameAddress(from, about) {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "trust: self-attestation")
	}

	now := a.now()
	if in.Deadline < now.Unix() {
		return nil, errdefs.Wrap(errdefs.ErrAuthInvalid, "trust: attestation deadline expired")
	}
	signer, err := keys.RecoverAddress(attestDigest(from, about, in.NoteHash, in.Deadline), in.Sig)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrAuthInvalid, "trust: bad signature: %v", err)
	}
	if !keys.SameAddress(signer.Hex(), from) {
		return nil, errdefs.Wrap(errdefs.ErrAuthInvalid, "trust: signature recovers %s, not %s", signer.Hex(), from)
	}

	attester, err := a.store.GetAgent(ctx, from)
	if err != nil {
		return nil, err
	}
	if !attester.Status.Writable() {
		return nil, errdefs.Wrap(errdefs.ErrForbidden, "trust: attester %s is %s", from, attester.Status)
	}
	if _, err := a.store.GetAgent(ctx, about); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"from":      from,
		"about":     about,
		"note_hash": in.NoteHash,
		"deadline":  in.Deadline,
		"sig":       in.Sig,
	})
	if err != nil {
		return nil, fmt.Errorf("trust: marshal ledger payload: %w", err)
	}
	receipt, err := a.ledger.Submit(ctx, payload)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrUnavailable, "trust: ledger submit: %v", err)
	}

	att := &types.Attestation{
		ID:        uuid.NewString(),
		From:      from,
		About:     about,
		NoteHash:  in.NoteHash,
		TxHandle:  receipt.TxHandle,
		TxStatus:  receipt.Status,
		Simulated: receipt.Status == types.TxSimulated,
		CreatedAt: now,
	}
	note := &types.AttestationNote{
		Hash:      in.NoteHash,
		Note:      in.Note,
		CreatedAt: now,
	}
	if err := a.store.CreateAttestation(ctx, att, note, AttestationCooldown); err != nil {
		return nil, err
	}

	metrics.AttestationsRecorded.Inc()
	a.broker.Publish(&events.Event{Type: events.EventAttestationAdded, Agent: about})
	lg := log.WithComponent("trust")
	lg.Info().
		Str("from", from).
		Str("about", about).
		Str("tx", receipt.TxHandle).
		Msg("attestation recorded")

	return &SubmitResult{TxHandle: receipt.TxHandle, Status: receipt.Status}, nil
}

// List returns the attestations about an agent, newest first.
func (a *Attestations) List(ctx context.Context, about string, limit int) ([]*types.Attestation, error) {
	addr, err := keys.NormalizeAddress(about)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "trust: %v", err)
	}
	return a.store.ListAttestationsAbout(ctx, addr, limit)
}
