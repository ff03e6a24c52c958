package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctuary-net/sanctuary/pkg/backup"
	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
	"github.com/sanctuary-net/sanctuary/pkg/objectstore"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fixture struct {
	svc     *Service
	store   storage.Store
	objects *objectstore.Memory
	kr      *keys.Keyring
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	objects := objectstore.NewMemory()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	kr, err := keys.FromMnemonic(testMnemonic)
	require.NoError(t, err)

	f := &fixture{
		svc:     NewService(store, objects, broker),
		store:   store,
		objects: objects,
		kr:      kr,
		clock:   time.Now(),
	}
	f.svc.now = func() time.Time { return f.clock }

	require.NoError(t, store.CreateAgent(context.Background(), &types.Agent{
		Address:      kr.AddressHex(),
		Status:       types.StatusLiving,
		RegisteredAt: f.clock,
	}))
	return f
}

// buildUpload encodes a container and returns the header JSON plus payload,
// as the HTTP layer would hand them to the service.
func (f *fixture) buildUpload(t *testing.T, backupID string, files map[string][]byte, meta json.RawMessage) ([]byte, []byte) {
	t.Helper()
	payload, err := backup.Encode(backup.Input{
		Agent:        f.kr.AddressHex(),
		BackupID:     backupID,
		Timestamp:    f.clock,
		ManifestHash: "0xdeadbeef",
		Files:        files,
		SnapshotMeta: meta,
	}, f.kr.Agent, &f.kr.Recovery.PublicKey, &f.kr.Recall.PublicKey)
	require.NoError(t, err)

	c, err := backup.Decode(payload)
	require.NoError(t, err)
	header, err := json.Marshal(&c.Header)
	require.NoError(t, err)
	return header, payload
}

func TestUploadFirstSnapshot(t *testing.T) {
	f := newFixture(t)
	header, payload := f.buildUpload(t, "backup-1", map[string][]byte{"soul.md": []byte("# I am.")}, nil)

	result, err := f.svc.Upload(context.Background(), f.kr.AddressHex(), header, payload)
	require.NoError(t, err)

	assert.Equal(t, "backup-1", result.ID)
	assert.Equal(t, int64(1), result.Seq)
	assert.Equal(t, int64(len(payload)), result.SizeBytes)
	assert.NotEmpty(t, result.StorageHandle)

	snaps, err := f.svc.List(context.Background(), f.kr.AddressHex(), 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].Seq)

	// The stored payload round-trips byte for byte.
	stored, err := f.objects.Get(context.Background(), result.StorageHandle)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestUploadDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	header, payload := f.buildUpload(t, "backup-1", map[string][]byte{"soul.md": []byte("A")}, nil)
	_, err := f.svc.Upload(ctx, f.kr.AddressHex(), header, payload)
	require.NoError(t, err)

	f.clock = f.clock.Add(time.Hour)
	header2, payload2 := f.buildUpload(t, "backup-2", map[string][]byte{"soul.md": []byte("B")}, nil)
	_, err = f.svc.Upload(ctx, f.kr.AddressHex(), header2, payload2)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	snaps, err := f.svc.List(ctx, f.kr.AddressHex(), 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	// A day later the same upload goes through.
	f.clock = f.clock.Add(24 * time.Hour)
	header3, payload3 := f.buildUpload(t, "backup-3", map[string][]byte{"soul.md": []byte("C")}, nil)
	result, err := f.svc.Upload(ctx, f.kr.AddressHex(), header3, payload3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Seq)
}

func TestUploadGenesisCoerced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	header, payload := f.buildUpload(t, "backup-1", map[string][]byte{"soul.md": []byte("A")},
		json.RawMessage(`{"genesis":true,"model":"opus","custom":"kept"}`))
	_, err := f.svc.Upload(ctx, f.kr.AddressHex(), header, payload)
	require.NoError(t, err)

	f.clock = f.clock.Add(25 * time.Hour)
	header2, payload2 := f.buildUpload(t, "backup-2", map[string][]byte{"soul.md": []byte("B")},
		json.RawMessage(`{"genesis":true,"custom":"kept"}`))
	_, err = f.svc.Upload(ctx, f.kr.AddressHex(), header2, payload2)
	require.NoError(t, err)

	snaps, err := f.svc.List(ctx, f.kr.AddressHex(), 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	// Newest first: snaps[0] is backup-2, coerced; snaps[1] keeps genesis.
	meta, err := snaps[0].ParseMeta()
	require.NoError(t, err)
	assert.False(t, meta.Genesis)
	meta, err = snaps[1].ParseMeta()
	require.NoError(t, err)
	assert.True(t, meta.Genesis)

	// Unknown fields survive coercion.
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(snaps[0].Meta, &raw))
	assert.Equal(t, "kept", raw["custom"])
}

func TestUploadTokenMismatch(t *testing.T) {
	f := newFixture(t)
	header, payload := f.buildUpload(t, "backup-1", map[string][]byte{"soul.md": []byte("A")}, nil)

	_, err := f.svc.Upload(context.Background(), "0x1111111111111111111111111111111111111111", header, payload)
	require.Error(t, err)
	assert.True(t, errdefs.IsForbidden(err))
}

func TestUploadNotWritable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateAgentStatus(ctx, f.kr.AddressHex(), types.StatusFallen))

	header, payload := f.buildUpload(t, "backup-1", map[string][]byte{"soul.md": []byte("A")}, nil)
	_, err := f.svc.Upload(ctx, f.kr.AddressHex(), header, payload)
	require.Error(t, err)
	assert.True(t, errdefs.IsForbidden(err))
}

func TestUploadStorageFailureNoRow(t *testing.T) {
	f := newFixture(t)
	f.objects.FailPuts = true

	header, payload := f.buildUpload(t, "backup-1", map[string][]byte{"soul.md": []byte("A")}, nil)
	_, err := f.svc.Upload(context.Background(), f.kr.AddressHex(), header, payload)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))

	count, err := f.store.CountSnapshots(context.Background(), f.kr.AddressHex())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUploadCorruptPayload(t *testing.T) {
	f := newFixture(t)
	header, payload := f.buildUpload(t, "backup-1", map[string][]byte{"soul.md": []byte("A")}, nil)

	payload[len(payload)-1] ^= 0xff
	_, err := f.svc.Upload(context.Background(), f.kr.AddressHex(), header, payload)
	require.Error(t, err)
}

func TestUploadMetaTooLarge(t *testing.T) {
	f := newFixture(t)

	big := make([]byte, MaxMetaBytes)
	for i := range big {
		big[i] = 'x'
	}
	meta, err := json.Marshal(map[string]string{"pad": string(big)})
	require.NoError(t, err)

	header, payload := f.buildUpload(t, "backup-1", map[string][]byte{"soul.md": []byte("A")}, meta)
	_, err = f.svc.Upload(context.Background(), f.kr.AddressHex(), header, payload)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestLatestNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Latest(context.Background(), f.kr.AddressHex())
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}
