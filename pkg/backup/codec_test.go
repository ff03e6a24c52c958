package backup

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testKeyring(t *testing.T) *keys.Keyring {
	t.Helper()
	kr, err := keys.FromMnemonic(testMnemonic)
	require.NoError(t, err)
	return kr
}

func encode(t *testing.T, kr *keys.Keyring, backupID string, files map[string][]byte) []byte {
	t.Helper()
	raw, err := Encode(Input{
		Agent:        kr.AddressHex(),
		BackupID:     backupID,
		Timestamp:    time.Unix(1700000000, 0),
		ManifestHash: "0xdeadbeef",
		Files:        files,
	}, kr.Agent, &kr.Recovery.PublicKey, &kr.Recall.PublicKey)
	require.NoError(t, err)
	return raw
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	kr := testKeyring(t)
	raw := encode(t, kr, "backup-1", map[string][]byte{"soul.md": []byte("# I am.")})

	c, err := Decode(raw)
	require.NoError(t, err)
	require.NoError(t, c.VerifySigner())

	assert.Equal(t, kr.AddressHex(), c.Header.Agent)
	assert.Equal(t, "backup-1", c.Header.BackupID)
	assert.Equal(t, []string{"soul.md"}, c.FileNames())

	plain, err := c.DecryptFile("soul.md", kr.Recovery, PathRecovery)
	require.NoError(t, err)
	assert.Equal(t, []byte("# I am."), plain)
}

func TestSelectiveDecrypt(t *testing.T) {
	kr := testKeyring(t)
	raw := encode(t, kr, "backup-1", map[string][]byte{
		"soul.md":   []byte("A"),
		"memory.md": []byte("B"),
	})

	c, err := Decode(raw)
	require.NoError(t, err)

	soul, err := c.DecryptFile("soul.md", kr.Recovery, PathRecovery)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), soul)

	memory, err := c.DecryptFile("memory.md", kr.Recovery, PathRecovery)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), memory)
}

func TestRecallPathIndependent(t *testing.T) {
	kr := testKeyring(t)
	raw := encode(t, kr, "backup-1", map[string][]byte{"soul.md": []byte("A")})

	c, err := Decode(raw)
	require.NoError(t, err)

	plain, err := c.DecryptFile("soul.md", kr.Recall, PathRecall)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), plain)

	// Wrong key on a path fails cleanly.
	_, err = c.DecryptFile("soul.md", kr.Recall, PathRecovery)
	assert.Error(t, err)
}

func TestSubstitutedFileFailsDecrypt(t *testing.T) {
	kr := testKeyring(t)

	a, err := Decode(encode(t, kr, "backup-a", map[string][]byte{"soul.md": []byte("A")}))
	require.NoError(t, err)
	b, err := Decode(encode(t, kr, "backup-b", map[string][]byte{"soul.md": []byte("B")}))
	require.NoError(t, err)

	// Graft backup-b's encrypted file into backup-a: the AAD binds the
	// backup id, so the AEAD open must fail.
	a.Files[0].Data = b.Files[0].Data
	_, err = a.DecryptFile("soul.md", kr.Recovery, PathRecovery)
	require.Error(t, err)
	assert.True(t, errdefs.IsCorrupted(err))
}

func TestSnapshotMetaExcludedFromSignature(t *testing.T) {
	kr := testKeyring(t)
	raw := encode(t, kr, "backup-1", map[string][]byte{"soul.md": []byte("A")})

	c, err := Decode(raw)
	require.NoError(t, err)

	// A server-side (or late-client) metadata attachment must not break the
	// header signature.
	c.Header.SnapshotMeta = []byte(`{"model":"opus","genesis":true}`)
	assert.NoError(t, c.VerifySigner())
}

func TestTamperedHeaderFailsVerify(t *testing.T) {
	kr := testKeyring(t)
	raw := encode(t, kr, "backup-1", map[string][]byte{"soul.md": []byte("A")})

	c, err := Decode(raw)
	require.NoError(t, err)

	c.Header.ManifestHash = "0xother"
	assert.Error(t, c.VerifySigner())
}

func TestDecodeMalformed(t *testing.T) {
	kr := testKeyring(t)
	valid := encode(t, kr, "backup-1", map[string][]byte{"soul.md": []byte("A")})

	truncated := make([]byte, len(valid)-3)
	copy(truncated, valid)

	trailing := append(append([]byte{}, valid...), 0xff)

	hugeHeader := make([]byte, 8)
	binary.LittleEndian.PutUint32(hugeHeader, MaxHeaderLen+1)

	lyingFileCount := append([]byte{}, valid...)
	// The file-count word sits right after the header JSON.
	headerLen := binary.LittleEndian.Uint32(valid)
	binary.LittleEndian.PutUint32(lyingFileCount[4+headerLen:], MaxFileCount+1)

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "short prefix", raw: []byte{1, 2}},
		{name: "truncated", raw: truncated},
		{name: "trailing bytes", raw: trailing},
		{name: "huge header length", raw: hugeHeader},
		{name: "file count over cap", raw: lyingFileCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			require.Error(t, err)
			assert.True(t, errdefs.IsCorrupted(err))
		})
	}
}

func TestDecryptUnknownFile(t *testing.T) {
	kr := testKeyring(t)
	c, err := Decode(encode(t, kr, "backup-1", map[string][]byte{"soul.md": []byte("A")}))
	require.NoError(t, err)

	_, err = c.DecryptFile("ghost.md", kr.Recovery, PathRecovery)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}
