package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/hkdf"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
)

const (
	dekSize   = 32
	nonceSize = 12
)

// Shared info strings for the two independent DEK wrap paths. Losing the
// recall key never locks the recovery key, and vice versa.
var (
	wrapInfoRecovery = []byte("sanctuary-dek-wrap-v1/recovery")
	wrapInfoRecall   = []byte("sanctuary-dek-wrap-v1/recall")
)

// UnwrapPath selects which wrapped copy of the DEK to open.
type UnwrapPath int

const (
	// PathRecovery uses the recovery secret; the cold path for resurrection.
	PathRecovery UnwrapPath = iota
	// PathRecall uses the recall secret; the warm path cached on a live agent.
	PathRecall
)

// newDEK generates a fresh per-snapshot data-encryption key.
func newDEK() ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("backup: generate dek: %w", err)
	}
	return dek, nil
}

// wrapDEK seals the DEK to a recipient public key via ECIES: ephemeral
// keypair, shared secret, KDF, AEAD.
func wrapDEK(dek []byte, recipient *ecdsa.PublicKey, info []byte) ([]byte, error) {
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(recipient), dek, info, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: wrap dek: %w", err)
	}
	return ct, nil
}

// unwrapDEK opens a wrapped DEK with the matching secret.
func unwrapDEK(wrapped []byte, priv *ecdsa.PrivateKey, info []byte) ([]byte, error) {
	dek, err := ecies.ImportECDSA(priv).Decrypt(wrapped, info, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: unwrap dek: %v", err)
	}
	if len(dek) != dekSize {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: unwrapped dek is %d bytes", len(dek))
	}
	return dek, nil
}

// fileKey derives the per-file AEAD key: HKDF(DEK, salt=fileName).
func fileKey(dek []byte, name string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, dek, []byte(name), nil)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("backup: derive file key: %w", err)
	}
	return key, nil
}

// fileAAD builds the additional authenticated data binding a file to its
// snapshot: tag, backup id, timestamp, agent, manifest hash, file name,
// verbatim and in that order. Moving a ciphertext anywhere else breaks the
// AEAD tag.
func fileAAD(h *Header, name string) []byte {
	aad := make([]byte, 0, 160)
	aad = append(aad, keys.TagBackup...)
	aad = append(aad, h.BackupID...)
	aad = append(aad, strconv.FormatInt(h.Timestamp, 10)...)
	aad = append(aad, h.Agent...)
	aad = append(aad, h.ManifestHash...)
	aad = append(aad, name...)
	return aad
}

// encryptFile seals one plaintext under the per-file key. The output is the
// internal framing [nonce][ciphertext||tag].
func encryptFile(h *Header, dek []byte, name string, plaintext []byte) ([]byte, error) {
	key, err := fileKey(dek, name)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("backup: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, fileAAD(h, name)), nil
}

// decryptFile opens one [nonce][ciphertext||tag] blob.
func decryptFile(h *Header, dek []byte, name string, sealed []byte) ([]byte, error) {
	key, err := fileKey(dek, name)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+gcm.Overhead() {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: encrypted file %q too short", name)
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, fileAAD(h, name))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCorrupted, "backup: decrypt file %q: %v", name, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("backup: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("backup: create gcm: %w", err)
	}
	return gcm, nil
}
