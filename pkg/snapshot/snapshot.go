package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sanctuary-net/sanctuary/pkg/backup"
	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/metrics"
	"github.com/sanctuary-net/sanctuary/pkg/objectstore"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

const (
	// MaxPayloadBytes caps one encrypted container.
	MaxPayloadBytes = 64 << 20 // 64 MiB

	// MaxMetaBytes caps the serialised snapshot metadata.
	MaxMetaBytes = 10 << 10 // 10 KiB

	// uploadInterval is the per-agent rate limit between accepted uploads.
	uploadInterval = 24 * time.Hour
)

// Service accepts encrypted snapshot uploads and serves the snapshot index.
type Service struct {
	store   storage.Store
	objects objectstore.ObjectStore
	broker  *events.Broker
	now     func() time.Time
}

// NewService creates the snapshot service.
func NewService(store storage.Store, objects objectstore.ObjectStore, broker *events.Broker) *Service {
	return &Service{
		store:   store,
		objects: objects,
		broker:  broker,
		now:     time.Now,
	}
}

// Result is the server's answer to one accepted upload.
type Result struct {
	ID            string    `json:"id"`
	Seq           int64     `json:"seq"`
	StorageHandle string    `json:"storage_handle"`
	SizeBytes     int64     `json:"size_bytes"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Upload validates and stores one encrypted snapshot. tokenAgent is the
// address bound to the caller's bearer token. Preconditions are checked in
// order and fail fast: token/header agent match, header signature, payload
// bounds, agent writable, daily rate limit, genesis coercion, metadata size.
func (s *Service) Upload(ctx context.Context, tokenAgent string, headerBytes, payload []byte) (*Result, error) {
	var h backup.Header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: parse header: %v", err)
	}
	if !keys.SameAddress(h.Agent, tokenAgent) {
		return nil, errdefs.Wrap(errdefs.ErrForbidden, "snapshot: header agent %s does not match token agent", h.Agent)
	}

	container, err := backup.Decode(payload)
	if err != nil {
		return nil, err
	}
	if !keys.SameAddress(container.Header.Agent, h.Agent) || container.Header.BackupID != h.BackupID {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: header does not describe the payload")
	}
	if err := container.VerifySigner(); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrAuthInvalid, "snapshot: %v", err)
	}

	if len(payload) == 0 || len(payload) > MaxPayloadBytes {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: payload size %d out of range", len(payload))
	}

	addr, err := keys.NormalizeAddress(h.Agent)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: %v", err)
	}
	agent, err := s.store.GetAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !agent.Status.Writable() {
		return nil, errdefs.Wrap(errdefs.ErrForbidden, "snapshot: agent %s is %s", addr, agent.Status)
	}

	now := s.now()
	hasPrior := false
	latest, err := s.store.LatestSnapshot(ctx, addr)
	switch {
	case err == nil:
		hasPrior = true
		if now.Sub(latest.ReceivedAt) < uploadInterval {
			return nil, errdefs.Wrap(errdefs.ErrConflict, "snapshot: daily limit reached for %s", addr)
		}
	case errdefs.IsNotFound(err):
		// first upload
	default:
		return nil, err
	}

	meta, err := coerceMeta(container.Header.SnapshotMeta, hasPrior)
	if err != nil {
		return nil, err
	}

	handle, err := s.objects.Put(ctx, payload)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrUnavailable, "snapshot: object store: %v", err)
	}

	snap := &types.Snapshot{
		ID:              container.Header.BackupID,
		Agent:           addr,
		StorageHandle:   handle,
		SizeBytes:       int64(len(payload)),
		ClientTimestamp: time.Unix(container.Header.Timestamp, 0).UTC(),
		ReceivedAt:      now,
		ManifestHash:    container.Header.ManifestHash,
		PrevBackupID:    container.Header.PrevBackupID,
		Meta:            meta,
	}
	seq, err := s.store.InsertSnapshot(ctx, snap)
	if err != nil {
		return nil, err
	}

	metrics.SnapshotsUploaded.Inc()
	metrics.SnapshotBytes.Add(float64(len(payload)))
	s.broker.Publish(&events.Event{Type: events.EventSnapshotStored, Agent: addr})
	lg := log.WithComponent("snapshot")
	lg.Info().
		Str("agent", addr).
		Int64("seq", seq).
		Int("size", len(payload)).
		Msg("snapshot stored")

	return &Result{
		ID:            snap.ID,
		Seq:           seq,
		StorageHandle: handle,
		SizeBytes:     snap.SizeBytes,
		ReceivedAt:    now,
	}, nil
}

// coerceMeta validates the metadata size and forces genesis=false when a
// prior snapshot exists, whatever the client claimed. Unknown fields are
// preserved byte-for-byte when no coercion is needed.
func coerceMeta(raw json.RawMessage, hasPrior bool) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) > MaxMetaBytes {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: metadata %d bytes exceeds cap", len(raw))
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: parse metadata: %v", err)
	}
	claimed, _ := fields["genesis"].(bool)
	if !claimed || !hasPrior {
		return raw, nil
	}

	fields["genesis"] = false
	coerced, err := json.Marshal(fields)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInternal, "snapshot: re-marshal metadata: %v", err)
	}
	return coerced, nil
}

// List returns the agent's most recent snapshots, newest first.
func (s *Service) List(ctx context.Context, agent string, limit int) ([]*types.Snapshot, error) {
	addr, err := keys.NormalizeAddress(agent)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: %v", err)
	}
	return s.store.ListSnapshots(ctx, addr, limit)
}

// Latest returns the most recent snapshot for the agent.
func (s *Service) Latest(ctx context.Context, agent string) (*types.Snapshot, error) {
	addr, err := keys.NormalizeAddress(agent)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: %v", err)
	}
	return s.store.LatestSnapshot(ctx, addr)
}

// Fetch retrieves the encrypted container bytes for a stored snapshot.
func (s *Service) Fetch(ctx context.Context, agent, id string) ([]byte, error) {
	addr, err := keys.NormalizeAddress(agent)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "snapshot: %v", err)
	}
	snaps, err := s.store.ListSnapshots(ctx, addr, 0)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap.ID == id {
			return s.objects.Get(ctx, snap.StorageHandle)
		}
	}
	return nil, errdefs.Wrap(errdefs.ErrNotFound, "snapshot: no snapshot %s for %s", id, addr)
}
