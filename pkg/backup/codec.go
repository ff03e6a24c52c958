package backup

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
)

// Parser sanity caps. A malformed or hostile length field must never drive
// an allocation; everything is checked against the bytes actually present.
const (
	MaxFileCount = 10_000
	MaxHeaderLen = 1 << 20 // 1 MiB of header JSON
	MaxNameLen   = 4096
)

// Input is everything the client provides to build one snapshot container.
type Input struct {
	Agent        string
	BackupID     string
	Seq          int64
	Timestamp    time.Time
	ManifestHash string
	PrevBackupID string
	Files        map[string][]byte // plaintexts by file name
	SnapshotMeta json.RawMessage   // optional, excluded from the signature
}

// FileEntry is one encrypted file in container order.
type FileEntry struct {
	Name string
	Data []byte // [nonce][ciphertext||tag]
}

// Container is a decoded snapshot: the parsed header plus the encrypted
// files, still sealed.
type Container struct {
	Header Header
	Files  []FileEntry

	index map[string]int
}

// Encode builds the encrypted container: a fresh DEK wrapped independently
// to the recovery and recall public keys, every file sealed under its own
// HKDF-derived key, and the header signed by the agent secret.
func Encode(in Input, agentKey *ecdsa.PrivateKey, recoveryPub, recallPub *ecdsa.PublicKey) ([]byte, error) {
	if len(in.Files) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "backup: no files to encode")
	}
	if len(in.Files) > MaxFileCount {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "backup: %d files exceeds cap", len(in.Files))
	}

	dek, err := newDEK()
	if err != nil {
		return nil, err
	}
	wrappedRecovery, err := wrapDEK(dek, recoveryPub, wrapInfoRecovery)
	if err != nil {
		return nil, err
	}
	wrappedRecall, err := wrapDEK(dek, recallPub, wrapInfoRecall)
	if err != nil {
		return nil, err
	}

	h := Header{
		Version:         Version,
		Agent:           in.Agent,
		BackupID:        in.BackupID,
		Seq:             in.Seq,
		Timestamp:       in.Timestamp.Unix(),
		ManifestHash:    in.ManifestHash,
		PrevBackupID:    in.PrevBackupID,
		WrappedRecovery: wrappedRecovery,
		WrappedRecall:   wrappedRecall,
		SnapshotMeta:    in.SnapshotMeta,
	}

	encrypted := make(map[string][]byte, len(in.Files))
	for name, plaintext := range in.Files {
		if len(name) == 0 || len(name) > MaxNameLen {
			return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "backup: bad file name length %d", len(name))
		}
		sealed, err := encryptFile(&h, dek, name, plaintext)
		if err != nil {
			return nil, err
		}
		encrypted[name] = sealed
	}

	if err := h.Sign(agentKey, encrypted); err != nil {
		return nil, err
	}

	headerJSON, err := json.Marshal(&h)
	if err != nil {
		return nil, fmt.Errorf("backup: marshal header: %w", err)
	}

	// Deterministic file order: sorted by name, same order the signature
	// folds them in.
	names := sortedNames(encrypted)

	size := 4 + len(headerJSON) + 4
	for _, name := range names {
		size += 4 + len(name) + 4 + len(encrypted[name])
	}

	out := make([]byte, 0, size)
	out = appendU32(out, uint32(len(headerJSON)))
	out = append(out, headerJSON...)
	out = appendU32(out, uint32(len(names)))
	for _, name := range names {
		out = appendU32(out, uint32(len(name)))
		out = append(out, name...)
		out = appendU32(out, uint32(len(encrypted[name])))
		out = append(out, encrypted[name]...)
	}
	return out, nil
}

// Decode parses a container from raw bytes. Every length field is checked
// against the remaining input before any slice is taken; malformed input
// yields a Corrupted error, never a panic.
func Decode(raw []byte) (*Container, error) {
	r := reader{buf: raw}

	headerLen, err := r.u32("header length")
	if err != nil {
		return nil, err
	}
	if headerLen == 0 || headerLen > MaxHeaderLen {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: header length %d out of range", headerLen)
	}
	headerJSON, err := r.take(int(headerLen), "header")
	if err != nil {
		return nil, err
	}

	var h Header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: parse header: %v", err)
	}
	if h.Version != Version {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: unsupported version %d", h.Version)
	}

	fileCount, err := r.u32("file count")
	if err != nil {
		return nil, err
	}
	if fileCount == 0 || fileCount > MaxFileCount {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: file count %d out of range", fileCount)
	}

	c := &Container{
		Header: h,
		Files:  make([]FileEntry, 0, min(int(fileCount), 64)),
		index:  make(map[string]int),
	}
	for i := uint32(0); i < fileCount; i++ {
		nameLen, err := r.u32("file name length")
		if err != nil {
			return nil, err
		}
		if nameLen == 0 || nameLen > MaxNameLen {
			return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: file name length %d out of range", nameLen)
		}
		name, err := r.take(int(nameLen), "file name")
		if err != nil {
			return nil, err
		}
		dataLen, err := r.u32("file data length")
		if err != nil {
			return nil, err
		}
		data, err := r.take(int(dataLen), "file data")
		if err != nil {
			return nil, err
		}
		if _, dup := c.index[string(name)]; dup {
			return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: duplicate file %q", name)
		}
		c.index[string(name)] = len(c.Files)
		c.Files = append(c.Files, FileEntry{Name: string(name), Data: data})
	}
	if r.remaining() != 0 {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: %d trailing bytes", r.remaining())
	}
	return c, nil
}

// VerifySigner checks the header signature against the encrypted files and
// the claimed agent address.
func (c *Container) VerifySigner() error {
	return c.Header.VerifySigner(c.filesMap())
}

// FileNames returns the file names in container order.
func (c *Container) FileNames() []string {
	names := make([]string, len(c.Files))
	for i, f := range c.Files {
		names[i] = f.Name
	}
	return names
}

// DecryptFile opens a single file without touching any other: unwrap the DEK
// along the chosen path, derive the per-file key, open the AEAD.
func (c *Container) DecryptFile(name string, priv *ecdsa.PrivateKey, path UnwrapPath) ([]byte, error) {
	i, ok := c.index[name]
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "backup: no file %q in container", name)
	}
	var wrapped, info []byte
	switch path {
	case PathRecovery:
		wrapped, info = c.Header.WrappedRecovery, wrapInfoRecovery
	case PathRecall:
		wrapped, info = c.Header.WrappedRecall, wrapInfoRecall
	default:
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "backup: unknown unwrap path %d", path)
	}
	dek, err := unwrapDEK(wrapped, priv, info)
	if err != nil {
		return nil, err
	}
	return decryptFile(&c.Header, dek, name, c.Files[i].Data)
}

func (c *Container) filesMap() map[string][]byte {
	m := make(map[string][]byte, len(c.Files))
	for _, f := range c.Files {
		m[f.Name] = f.Data
	}
	return m
}

func sortedNames(m map[string][]byte) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

// reader is a bounds-checked cursor over the raw container bytes.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) u32(what string) (uint32, error) {
	if r.remaining() < 4 {
		return 0, errdefs.Wrap(errdefs.ErrCorrupted, "backup: truncated before %s", what)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: %s overruns input (%d > %d)", what, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}
