package keys

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// Domain-separation tags. Every signed preimage starts with one of these so
// a signature for one purpose can never be replayed for another.
const (
	TagAuthChallenge = "sanctuary-auth-challenge-v1"
	TagBackup        = "sanctuary-backup-v1"
	TagAttestation   = "sanctuary-attestation-v1"
	TagRegister      = "sanctuary-register-v1"
	TagHeartbeat     = "sanctuary-heartbeat-v1"
)

// hkdfSalt fixes the derivation namespace. Changing it changes every address.
const hkdfSalt = "sanctuary-hd-v1"

// Per-key derivation roles.
const (
	roleAgent    = "agent"
	roleRecovery = "recovery"
	roleRecall   = "recall"
)

// Keyring holds the three secrets derived from one mnemonic, plus the agent
// address. The address is the last 20 bytes of the Keccak-256 hash of the
// agent public point, lowercase hex with 0x prefix in string form.
type Keyring struct {
	Agent    *ecdsa.PrivateKey
	Recovery *ecdsa.PrivateKey
	Recall   *ecdsa.PrivateKey
	Address  common.Address
}

// FromMnemonic derives the full keyring from a BIP-39 mnemonic. The
// derivation is a pure function of the mnemonic: the same words always yield
// the same keys and address, on any machine.
func FromMnemonic(mnemonic string) (*Keyring, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("keys: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	agent, err := deriveKey(seed, roleAgent)
	if err != nil {
		return nil, fmt.Errorf("keys: derive agent key: %w", err)
	}
	recovery, err := deriveKey(seed, roleRecovery)
	if err != nil {
		return nil, fmt.Errorf("keys: derive recovery key: %w", err)
	}
	recall, err := deriveKey(seed, roleRecall)
	if err != nil {
		return nil, fmt.Errorf("keys: derive recall key: %w", err)
	}

	return &Keyring{
		Agent:    agent,
		Recovery: recovery,
		Recall:   recall,
		Address:  gethcrypto.PubkeyToAddress(agent.PublicKey),
	}, nil
}

// deriveKey expands the seed into a secp256k1 scalar for one role. Candidate
// scalars outside the group order are skipped by reading further into the
// HKDF stream, so the result is still deterministic.
func deriveKey(seed []byte, role string) (*ecdsa.PrivateKey, error) {
	r := hkdf.New(sha256.New, seed, []byte(hkdfSalt), []byte(role))
	buf := make([]byte, 32)
	for i := 0; i < 128; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		priv, err := gethcrypto.ToECDSA(buf)
		if err == nil {
			return priv, nil
		}
	}
	return nil, errors.New("no valid scalar in derivation stream")
}

// AddressHex returns the canonical lowercase 0x form of the agent address.
func (k *Keyring) AddressHex() string {
	return strings.ToLower(k.Address.Hex())
}

// Digest computes the canonical domain-separated digest: the Keccak-256 hash
// of the tag and the fields joined by "|" in the given order.
func Digest(tag string, fields ...string) []byte {
	parts := append([]string{tag}, fields...)
	return gethcrypto.Keccak256([]byte(strings.Join(parts, "|")))
}

// Sign signs a 32-byte digest, returning the 65-byte [R || S || V] signature
// with V in {27,28}.
func Sign(digest []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("keys: Sign expects 32-byte digest")
	}
	sig, err := gethcrypto.Sign(digest, priv)
	if err != nil {
		return nil, fmt.Errorf("keys: sign: %w", err)
	}
	// gethcrypto.Sign returns V in {0,1}; normalize to {27,28}.
	sig[64] += 27
	return sig, nil
}

// RecoverAddress recovers the signer address from a digest and a 65-byte
// signature. Accepts V in {27,28} or {0,1}.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, errors.New("keys: RecoverAddress expects 32-byte digest")
	}
	if len(sig) != 65 {
		return common.Address{}, errors.New("keys: signature must be 65 bytes")
	}
	vsig := make([]byte, 65)
	copy(vsig, sig)
	if vsig[64] >= 27 {
		vsig[64] -= 27
	}
	pub, err := gethcrypto.SigToPub(digest, vsig)
	if err != nil {
		return common.Address{}, fmt.Errorf("keys: recover pub: %w", err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}

// SameAddress compares two addresses case-insensitively on their 40-hex form.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

// NormalizeAddress returns the canonical lowercase 0x-prefixed form, or an
// error when the input is not a 20-byte hex address.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(addr), "0x")
	if len(trimmed) != 40 || !isHex(trimmed) {
		return "", fmt.Errorf("keys: not a 20-byte hex address: %q", addr)
	}
	return "0x" + strings.ToLower(trimmed), nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// PubKeyBytes returns the uncompressed 65-byte encoding of a public key.
func PubKeyBytes(pub *ecdsa.PublicKey) []byte {
	return gethcrypto.FromECDSAPub(pub)
}

// ParsePubKey parses an uncompressed 65-byte secp256k1 public key.
func ParsePubKey(b []byte) (*ecdsa.PublicKey, error) {
	pub, err := gethcrypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, fmt.Errorf("keys: parse pubkey: %w", err)
	}
	return pub, nil
}
