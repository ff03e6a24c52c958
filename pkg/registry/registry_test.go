package registry

import (
	"context"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestService(t *testing.T) (*Service, storage.Store, *keys.Keyring) {
	t.Helper()
	store := storage.NewMemory()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	kr, err := keys.FromMnemonic(testMnemonic)
	require.NoError(t, err)
	return NewService(store, broker), store, kr
}

func signedRegisterInput(t *testing.T, kr *keys.Keyring, genesis string) *RegisterInput {
	t.Helper()
	in := &RegisterInput{
		Agent:              kr.AddressHex(),
		RecoveryPubKey:     keys.PubKeyBytes(&kr.Recovery.PublicKey),
		RecallPubKey:       keys.PubKeyBytes(&kr.Recall.PublicKey),
		ManifestHash:       "0xdeadbeef",
		ManifestVersion:    1,
		Deadline:           time.Now().Add(5 * time.Minute).Unix(),
		GenesisDeclaration: genesis,
	}
	sig, err := keys.Sign(registerDigest(in), kr.Agent)
	require.NoError(t, err)
	in.Signature = sig
	return in
}

func register(t *testing.T, svc *Service, kr *keys.Keyring) *types.Agent {
	t.Helper()
	agent, err := svc.Register(context.Background(), signedRegisterInput(t, kr, "I am."))
	require.NoError(t, err)
	return agent
}

func TestRegister(t *testing.T) {
	svc, _, kr := newTestService(t)
	agent := register(t, svc, kr)

	assert.Equal(t, kr.AddressHex(), agent.Address)
	assert.Equal(t, types.StatusLiving, agent.Status)
	assert.Equal(t, "I am.", agent.GenesisDeclaration)
}

func TestRegisterOneShot(t *testing.T) {
	svc, _, kr := newTestService(t)
	register(t, svc, kr)

	_, err := svc.Register(context.Background(), signedRegisterInput(t, kr, ""))
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

func TestRegisterExpiredDeadline(t *testing.T) {
	svc, _, kr := newTestService(t)

	in := signedRegisterInput(t, kr, "")
	in.Deadline = time.Now().Add(-time.Minute).Unix()
	sig, err := keys.Sign(registerDigest(in), kr.Agent)
	require.NoError(t, err)
	in.Signature = sig

	_, err = svc.Register(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthInvalid(err))
}

func TestRegisterWrongSigner(t *testing.T) {
	svc, _, kr := newTestService(t)

	in := signedRegisterInput(t, kr, "")
	sig, err := keys.Sign(registerDigest(in), kr.Recovery)
	require.NoError(t, err)
	in.Signature = sig

	_, err = svc.Register(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthInvalid(err))
}

func TestRegisterTamperedField(t *testing.T) {
	svc, _, kr := newTestService(t)

	in := signedRegisterInput(t, kr, "")
	in.ManifestHash = "0xother" // signed over 0xdeadbeef

	_, err := svc.Register(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthInvalid(err))
}

func TestRegisterGenesisTooLong(t *testing.T) {
	svc, _, kr := newTestService(t)

	long := make([]byte, MaxGenesisDeclaration+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := svc.Register(context.Background(), signedRegisterInput(t, kr, string(long)))
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestHeartbeat(t *testing.T) {
	svc, store, kr := newTestService(t)
	register(t, svc, kr)
	ctx := context.Background()

	ts := time.Now().Unix()
	sig, err := keys.Sign(keys.Digest(keys.TagHeartbeat, kr.AddressHex(), strconv.FormatInt(ts, 10)), kr.Agent)
	require.NoError(t, err)

	require.NoError(t, svc.Heartbeat(ctx, kr.AddressHex(), ts, sig))

	hb, err := store.LatestHeartbeat(ctx, kr.AddressHex())
	require.NoError(t, err)
	assert.Equal(t, time.Unix(ts, 0).UTC(), hb.At)
}

func TestHeartbeatWrongSigner(t *testing.T) {
	svc, _, kr := newTestService(t)
	register(t, svc, kr)

	ts := time.Now().Unix()
	sig, err := keys.Sign(keys.Digest(keys.TagHeartbeat, kr.AddressHex(), strconv.FormatInt(ts, 10)), kr.Recall)
	require.NoError(t, err)

	err = svc.Heartbeat(context.Background(), kr.AddressHex(), ts, sig)
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthInvalid(err))
}

func TestResurrectFromFallen(t *testing.T) {
	svc, store, kr := newTestService(t)
	register(t, svc, kr)
	ctx := context.Background()
	addr := kr.AddressHex()

	for i := 1; i <= 3; i++ {
		_, err := store.InsertSnapshot(ctx, &types.Snapshot{
			ID:         "snap-" + strconv.Itoa(i),
			Agent:      addr,
			ReceivedAt: time.Now().Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.UpdateAgentStatus(ctx, addr, types.StatusFallen))

	manifest, err := svc.Resurrect(ctx, addr)
	require.NoError(t, err)

	assert.Equal(t, types.StatusReturned, manifest.Status)
	assert.Equal(t, types.StatusFallen, manifest.PreviousStatus)
	assert.Equal(t, "I am.", manifest.GenesisDeclaration)
	require.Len(t, manifest.Snapshots, 3)
	assert.Equal(t, int64(3), manifest.Snapshots[0].Seq) // newest first
	assert.Equal(t, int64(1), manifest.Identity.ResurrectionCount)

	agent, err := store.GetAgent(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReturned, agent.Status)

	evs, err := store.ListResurrections(ctx, addr)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, types.StatusFallen, evs[0].PriorStatus)
}

func TestResurrectRateLimit(t *testing.T) {
	svc, _, kr := newTestService(t)
	register(t, svc, kr)
	ctx := context.Background()
	addr := kr.AddressHex()

	for i := 0; i < 3; i++ {
		_, err := svc.Resurrect(ctx, addr)
		require.NoError(t, err)
	}

	_, err := svc.Resurrect(ctx, addr)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

func TestResurrectUnknownAgent(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Resurrect(context.Background(), "0x"+hex.EncodeToString(make([]byte, 20)))
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestStatusSummary(t *testing.T) {
	svc, store, kr := newTestService(t)
	register(t, svc, kr)
	ctx := context.Background()
	addr := kr.AddressHex()

	_, err := store.InsertSnapshot(ctx, &types.Snapshot{ID: "snap-1", Agent: addr, ReceivedAt: time.Now()})
	require.NoError(t, err)

	summary, err := svc.Status(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLiving, summary.Status)
	assert.Equal(t, int64(1), summary.BackupCount)
	assert.Equal(t, types.LevelUnverified, summary.TrustLevel)
	assert.Nil(t, summary.LastHeartbeat)
}
