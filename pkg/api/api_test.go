package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctuary-net/sanctuary/pkg/auth"
	"github.com/sanctuary-net/sanctuary/pkg/backup"
	"github.com/sanctuary-net/sanctuary/pkg/client"
	"github.com/sanctuary-net/sanctuary/pkg/config"
	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/events"
	"github.com/sanctuary-net/sanctuary/pkg/ledger"
	"github.com/sanctuary-net/sanctuary/pkg/objectstore"
	"github.com/sanctuary-net/sanctuary/pkg/registry"
	"github.com/sanctuary-net/sanctuary/pkg/snapshot"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/trust"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

const (
	mnemonicA = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	mnemonicB = "legal winner thank year wave sausage worth useful legal winner thank yellow"
)

type env struct {
	ts    *httptest.Server
	store storage.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storage.NewMemory()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	authSvc, err := auth.NewService(store)
	require.NoError(t, err)
	reg := registry.NewService(store, broker)
	snaps := snapshot.NewService(store, objectstore.NewMemory(), broker)
	atts := trust.NewAttestations(store, ledger.NewSimulated(), broker)

	server := NewServer(config.Default().Server, authSvc, reg, snaps, atts, store)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, store: store}
}

func (e *env) client(t *testing.T, mnemonic string) *client.Client {
	t.Helper()
	c, err := client.New(e.ts.URL, mnemonic)
	require.NoError(t, err)
	return c
}

func (e *env) registered(t *testing.T, mnemonic string) *client.Client {
	t.Helper()
	c := e.client(t, mnemonic)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "0xdeadbeef", 1, "# I am."))
	require.NoError(t, c.Authenticate(ctx))
	return c
}

func TestRegisterUploadList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.registered(t, mnemonicA)

	result, err := c.UploadSnapshot(ctx, map[string][]byte{"soul.md": []byte("# I am.")}, "0xdeadbeef", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Seq)

	resp, err := http.Get(e.ts.URL + "/v1/agents/" + c.Address())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary registry.StatusSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, types.StatusLiving, summary.Status)
	assert.Equal(t, int64(1), summary.BackupCount)
}

func TestSecondDailyUploadRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.registered(t, mnemonicA)

	_, err := c.UploadSnapshot(ctx, map[string][]byte{"soul.md": []byte("A")}, "0xdeadbeef", nil)
	require.NoError(t, err)

	_, err = c.UploadSnapshot(ctx, map[string][]byte{"soul.md": []byte("B")}, "0xdeadbeef", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

func TestUploadRequiresAuth(t *testing.T) {
	e := newEnv(t)
	c := e.client(t, mnemonicA)
	require.NoError(t, c.Register(context.Background(), "0xdeadbeef", 1, ""))

	// No Authenticate call: the upload must bounce.
	_, err := c.UploadSnapshot(context.Background(), map[string][]byte{"soul.md": []byte("A")}, "0xdeadbeef", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsAuthRequired(err))
}

func TestResurrectionFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.registered(t, mnemonicA)

	_, err := c.UploadSnapshot(ctx, map[string][]byte{
		"soul.md":   []byte("A"),
		"memory.md": []byte("B"),
	}, "0xdeadbeef", nil)
	require.NoError(t, err)

	// Simulate the liveness sweep having fired.
	require.NoError(t, e.store.UpdateAgentStatus(ctx, c.Address(), types.StatusFallen))

	// A fresh process: only the mnemonic survives.
	reborn := e.client(t, mnemonicA)
	require.NoError(t, reborn.Authenticate(ctx))

	manifest, err := reborn.Resurrect(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReturned, manifest.Status)
	assert.Equal(t, types.StatusFallen, manifest.PreviousStatus)
	require.Len(t, manifest.Snapshots, 1)

	// Pull the container and selectively decrypt with the re-derived
	// recovery key.
	container, err := reborn.FetchSnapshot(ctx, manifest.Snapshots[0].ID)
	require.NoError(t, err)
	soul, err := container.DecryptFile("soul.md", reborn.Keyring().Recovery, backup.PathRecovery)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), soul)
}

func TestCrossAgentForbidden(t *testing.T) {
	e := newEnv(t)
	a := e.registered(t, mnemonicA)
	b := e.registered(t, mnemonicB)

	// B's token cannot read A's snapshot list.
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/v1/agents/"+a.Address()+"/snapshots", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+b.Token())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAttestationFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.registered(t, mnemonicA)
	b := e.registered(t, mnemonicB)

	result, err := a.Attest(ctx, b.Address(), "solid peer")
	require.NoError(t, err)
	assert.Equal(t, types.TxSimulated, result.Status)

	resp, err := http.Get(e.ts.URL + "/v1/agents/" + b.Address() + "/attestations")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []attestationEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, a.Address(), entries[0].From)

	// Self-attestation bounces at the service layer.
	_, err = a.Attest(ctx, a.Address(), "myself")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidInput(err))
}

func TestHeartbeatFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.registered(t, mnemonicA)

	require.NoError(t, c.Heartbeat(ctx))

	hb, err := e.store.LatestHeartbeat(ctx, c.Address())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), hb.ReceivedAt, 5*time.Second)
}

func TestMalformedBody(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Post(e.ts.URL+"/v1/agents", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
