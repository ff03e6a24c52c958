package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/sanctuary-net/sanctuary/pkg/backup"
	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
	"github.com/sanctuary-net/sanctuary/pkg/registry"
	"github.com/sanctuary-net/sanctuary/pkg/snapshot"
	"github.com/sanctuary-net/sanctuary/pkg/trust"
)

// Client is the agent-side SDK: it holds the keyring derived from the
// mnemonic and drives the full protocol against one server.
type Client struct {
	baseURL string
	keyring *keys.Keyring
	http    *http.Client

	token        string
	tokenExpires time.Time
	lastBackupID string
}

// New creates a client for the given server from a mnemonic.
func New(baseURL, mnemonic string) (*Client, error) {
	kr, err := keys.FromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: baseURL,
		keyring: kr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Address returns the agent address the client acts as.
func (c *Client) Address() string { return c.keyring.AddressHex() }

// Keyring exposes the derived keys, for local decrypt of fetched snapshots.
func (c *Client) Keyring() *keys.Keyring { return c.keyring }

// Token returns the current bearer token, empty before Authenticate.
func (c *Client) Token() string { return c.token }

// Register creates the agent identity on the server.
func (c *Client) Register(ctx context.Context, manifestHash string, manifestVersion int, genesisDeclaration string) error {
	addr := c.Address()
	recoveryPub := keys.PubKeyBytes(&c.keyring.Recovery.PublicKey)
	recallPub := keys.PubKeyBytes(&c.keyring.Recall.PublicKey)
	deadline := time.Now().Add(5 * time.Minute).Unix()

	digest := keys.Digest(keys.TagRegister,
		addr,
		hex.EncodeToString(recoveryPub),
		hex.EncodeToString(recallPub),
		manifestHash,
		strconv.Itoa(manifestVersion),
		strconv.FormatInt(deadline, 10),
	)
	sig, err := keys.Sign(digest, c.keyring.Agent)
	if err != nil {
		return err
	}

	return c.post(ctx, "/v1/agents", map[string]interface{}{
		"agent":               addr,
		"recovery_pub_key":    recoveryPub,
		"recall_pub_key":      recallPub,
		"manifest_hash":       manifestHash,
		"manifest_version":    manifestVersion,
		"deadline":            deadline,
		"signature":           sig,
		"genesis_declaration": genesisDeclaration,
	}, nil)
}

// Authenticate runs the challenge/response flow and caches the bearer token.
func (c *Client) Authenticate(ctx context.Context) error {
	addr := c.Address()

	var ch struct {
		Nonce     string    `json:"nonce"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.post(ctx, "/v1/auth/challenge", map[string]string{"agent": addr}, &ch); err != nil {
		return err
	}

	ts := time.Now().Unix()
	sig, err := keys.Sign(keys.Digest(keys.TagAuthChallenge, ch.Nonce, strconv.FormatInt(ts, 10)), c.keyring.Agent)
	if err != nil {
		return err
	}

	var tok struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.post(ctx, "/v1/auth/verify", map[string]interface{}{
		"agent":     addr,
		"nonce":     ch.Nonce,
		"timestamp": ts,
		"signature": sig,
	}, &tok); err != nil {
		return err
	}
	c.token = tok.Token
	c.tokenExpires = tok.ExpiresAt
	return nil
}

// UploadSnapshot encrypts the files client-side and uploads the container.
// The DEK never leaves this process; the server stores opaque bytes.
func (c *Client) UploadSnapshot(ctx context.Context, files map[string][]byte, manifestHash string, meta json.RawMessage) (*snapshot.Result, error) {
	recoveryPub := &c.keyring.Recovery.PublicKey
	recallPub := &c.keyring.Recall.PublicKey

	in := backup.Input{
		Agent:        c.Address(),
		BackupID:     uuid.NewString(),
		Timestamp:    time.Now(),
		ManifestHash: manifestHash,
		PrevBackupID: c.lastBackupID,
		Files:        files,
		SnapshotMeta: meta,
	}
	payload, err := backup.Encode(in, c.keyring.Agent, recoveryPub, recallPub)
	if err != nil {
		return nil, err
	}

	container, err := backup.Decode(payload)
	if err != nil {
		return nil, err
	}
	headerJSON, err := json.Marshal(&container.Header)
	if err != nil {
		return nil, fmt.Errorf("client: marshal header: %w", err)
	}

	var result snapshot.Result
	if err := c.post(ctx, "/v1/snapshots", map[string]interface{}{
		"header":  headerJSON,
		"payload": payload,
	}, &result); err != nil {
		return nil, err
	}
	c.lastBackupID = result.ID
	return &result, nil
}

// Heartbeat records a liveness mark.
func (c *Client) Heartbeat(ctx context.Context) error {
	addr := c.Address()
	ts := time.Now().Unix()
	sig, err := keys.Sign(keys.Digest(keys.TagHeartbeat, addr, strconv.FormatInt(ts, 10)), c.keyring.Agent)
	if err != nil {
		return err
	}
	return c.post(ctx, "/v1/agents/"+addr+"/heartbeat", map[string]interface{}{
		"timestamp": ts,
		"signature": sig,
	}, nil)
}

// Attest vouches for another agent. The note is hashed client-side; the
// server stores the note hash-addressed.
func (c *Client) Attest(ctx context.Context, about, note string) (*trust.SubmitResult, error) {
	from := c.Address()
	noteHash := hex.EncodeToString(gethcrypto.Keccak256([]byte(note)))
	deadline := time.Now().Add(5 * time.Minute).Unix()

	digest := keys.Digest(keys.TagAttestation, from, about, noteHash, strconv.FormatInt(deadline, 10))
	sig, err := keys.Sign(digest, c.keyring.Agent)
	if err != nil {
		return nil, err
	}

	var result trust.SubmitResult
	if err := c.post(ctx, "/v1/attestations", map[string]interface{}{
		"from":      from,
		"about":     about,
		"note_hash": noteHash,
		"deadline":  deadline,
		"signature": sig,
		"note":      note,
	}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Resurrect recovers the agent's identity and snapshot index. The typical
// caller is a fresh process that has just re-derived the keyring from the
// mnemonic and authenticated.
func (c *Client) Resurrect(ctx context.Context) (*registry.Manifest, error) {
	var manifest registry.Manifest
	if err := c.post(ctx, "/v1/agents/"+c.Address()+"/resurrect", struct{}{}, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// FetchSnapshot downloads the encrypted container for one snapshot and
// returns it decoded, ready for selective decryption with the recovery key.
func (c *Client) FetchSnapshot(ctx context.Context, id string) (*backup.Container, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/agents/"+c.Address()+"/snapshots/"+id+"/payload", nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrUnavailable, "client: fetch snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var eb struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return nil, kindError(resp.StatusCode, eb.Kind, eb.Error)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrUnavailable, "client: read payload: %v", err)
	}
	return backup.Decode(raw)
}

// Status fetches the public summary for any agent.
func (c *Client) Status(ctx context.Context, agent string) (*registry.StatusSummary, error) {
	var summary registry.StatusSummary
	if err := c.get(ctx, "/v1/agents/"+agent, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrUnavailable, "client: %s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return kindError(resp.StatusCode, eb.Kind, eb.Error)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// kindError maps a wire error back to the matching sentinel so callers can
// branch with the errdefs helpers on either side of the connection.
func kindError(status int, kind, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	sentinel := errdefs.ErrInternal
	switch kind {
	case "invalid_input":
		sentinel = errdefs.ErrInvalidInput
	case "auth_required":
		sentinel = errdefs.ErrAuthRequired
	case "auth_invalid":
		sentinel = errdefs.ErrAuthInvalid
	case "forbidden":
		sentinel = errdefs.ErrForbidden
	case "not_found":
		sentinel = errdefs.ErrNotFound
	case "conflict":
		sentinel = errdefs.ErrConflict
	case "unavailable":
		sentinel = errdefs.ErrUnavailable
	case "corrupted":
		sentinel = errdefs.ErrCorrupted
	}
	return errdefs.Wrap(sentinel, "client: server returned %d: %s", status, msg)
}
