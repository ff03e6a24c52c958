package backup

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
)

// Version is the container format version carried in the header. The signed
// preimage tag pins the cryptographic binding independently of this field.
const Version = 1

// Header is the self-describing, signed metadata of one snapshot container.
//
// SnapshotMeta is deliberately excluded from the signature: older clients
// signed headers before the field existed, and the server must keep
// accepting headers whose snapshot_meta was attached after signing.
type Header struct {
	Version         int             `json:"version"`
	Agent           string          `json:"agent"`
	BackupID        string          `json:"backup_id"`
	Seq             int64           `json:"seq"`
	Timestamp       int64           `json:"timestamp"` // unix seconds, client clock
	ManifestHash    string          `json:"manifest_hash"`
	PrevBackupID    string          `json:"prev_backup_id"` // empty for the first snapshot
	WrappedRecovery []byte          `json:"wrapped_recovery"`
	WrappedRecall   []byte          `json:"wrapped_recall"`
	Signature       []byte          `json:"signature"`
	SnapshotMeta    json.RawMessage `json:"snapshot_meta,omitempty"`
}

// preimage computes the canonical signed digest for the header over the
// encrypted files. Fields are joined by "|" after the domain tag; the files
// map is folded in by sorted name.
func (h *Header) preimage(files map[string][]byte) []byte {
	return keys.Digest(keys.TagBackup,
		h.Agent,
		h.BackupID,
		strconv.FormatInt(h.Seq, 10),
		strconv.FormatInt(h.Timestamp, 10),
		h.ManifestHash,
		h.PrevBackupID,
		filesDigest(files),
		hex.EncodeToString(gethcrypto.Keccak256(h.WrappedRecovery)),
		hex.EncodeToString(gethcrypto.Keccak256(h.WrappedRecall)),
	)
}

// filesDigest folds the encrypted files map into one hex digest, keys sorted.
func filesDigest(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(hex.EncodeToString(gethcrypto.Keccak256(files[name])))
		b.WriteByte('\n')
	}
	return hex.EncodeToString(gethcrypto.Keccak256([]byte(b.String())))
}

// Sign fills in the header signature using the agent secret.
func (h *Header) Sign(priv *ecdsa.PrivateKey, files map[string][]byte) error {
	sig, err := keys.Sign(h.preimage(files), priv)
	if err != nil {
		return fmt.Errorf("backup: sign header: %w", err)
	}
	h.Signature = sig
	return nil
}

// VerifySigner recovers the signer address from the header signature and
// checks it against the header's claimed agent.
func (h *Header) VerifySigner(files map[string][]byte) error {
	if len(h.Signature) != 65 {
		return errdefs.Wrap(errdefs.ErrCorrupted, "backup: header signature is %d bytes", len(h.Signature))
	}
	addr, err := keys.RecoverAddress(h.preimage(files), h.Signature)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrCorrupted, "backup: recover header signer: %v", err)
	}
	if !keys.SameAddress(addr.Hex(), h.Agent) {
		return errdefs.Wrap(errdefs.ErrCorrupted, "backup: header signed by %s, claims %s", addr.Hex(), h.Agent)
	}
	return nil
}
