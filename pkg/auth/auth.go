package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	lru "github.com/hashicorp/golang-lru"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/keys"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/metrics"
	"github.com/sanctuary-net/sanctuary/pkg/storage"
	"github.com/sanctuary-net/sanctuary/pkg/types"
)

const (
	// DefaultChallengeTTL bounds how long an issued nonce stays usable.
	DefaultChallengeTTL = 5 * time.Minute
	// DefaultTokenTTL bounds a bearer token's life.
	DefaultTokenTTL = 1 * time.Hour

	tokenCacheSize = 4096
)

// Service implements the challenge/response protocol and bearer-token
// issuance. The service never sees a mnemonic or raw secret: clients prove
// identity by signing a fresh nonce, and the signature's recovered address
// must match the claimed agent.
type Service struct {
	store        storage.Store
	signingKey   []byte // HMAC key for bearer tokens, fresh per process
	challengeTTL time.Duration
	tokenTTL     time.Duration
	now          func() time.Time

	// verified caches successfully parsed tokens so the hot request path
	// skips re-verification. Entries expire with the token.
	verified *lru.Cache
}

type cachedToken struct {
	agent     string
	expiresAt time.Time
}

// NewService creates the auth service with a fresh per-process token key.
// Tokens do not survive a restart; the challenge protocol is cheap to redo.
func NewService(store storage.Store) (*Service, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: generate token key: %w", err)
	}
	cache, err := lru.New(tokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("auth: create token cache: %w", err)
	}
	return &Service{
		store:        store,
		signingKey:   key,
		challengeTTL: DefaultChallengeTTL,
		tokenTTL:     DefaultTokenTTL,
		now:          time.Now,
		verified:     cache,
	}, nil
}

// CreateChallenge issues a single-use nonce bound to the claimed agent
// address. The agent does not have to exist yet; registration itself is
// authenticated by its own signed payload.
func (s *Service) CreateChallenge(ctx context.Context, agent string) (*types.AuthChallenge, error) {
	addr, err := keys.NormalizeAddress(agent)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrInvalidInput, "auth: %v", err)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("auth: generate nonce: %w", err)
	}

	now := s.now()
	ch := &types.AuthChallenge{
		Nonce:     hex.EncodeToString(nonce),
		Agent:     addr,
		ExpiresAt: now.Add(s.challengeTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateChallenge(ctx, ch); err != nil {
		return nil, err
	}
	metrics.ChallengesIssued.Inc()
	lg := log.WithComponent("auth")
	lg.Debug().Str("agent", addr).Msg("challenge issued")
	return ch, nil
}

// VerifyChallenge checks a signed challenge response and, on success,
// atomically consumes the nonce and issues a bearer token bound to the
// agent. Rejections: missing, expired, consumed, bound to another agent, or
// a signature that recovers to a different address.
func (s *Service) VerifyChallenge(ctx context.Context, agent, nonce string, timestamp int64, sig []byte) (string, time.Time, error) {
	addr, err := keys.NormalizeAddress(agent)
	if err != nil {
		return "", time.Time{}, errdefs.Wrap(errdefs.ErrInvalidInput, "auth: %v", err)
	}

	outcome := "rejected"
	defer func() { metrics.ChallengesVerified.WithLabelValues(outcome).Inc() }()

	ch, err := s.store.GetChallenge(ctx, nonce)
	if errdefs.IsNotFound(err) {
		return "", time.Time{}, errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: unknown challenge")
	}
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	if now.After(ch.ExpiresAt) {
		return "", time.Time{}, errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: challenge expired")
	}
	if ch.Consumed {
		return "", time.Time{}, errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: challenge already consumed")
	}
	if !keys.SameAddress(ch.Agent, addr) {
		return "", time.Time{}, errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: challenge bound to another agent")
	}

	digest := keys.Digest(keys.TagAuthChallenge, nonce, strconv.FormatInt(timestamp, 10))
	signer, err := keys.RecoverAddress(digest, sig)
	if err != nil {
		return "", time.Time{}, errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: bad signature: %v", err)
	}
	if !keys.SameAddress(signer.Hex(), addr) {
		return "", time.Time{}, errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: signature recovers %s, not %s", signer.Hex(), addr)
	}

	// Consume-then-issue. A concurrent verify of the same nonce loses here.
	if err := s.store.ConsumeChallenge(ctx, nonce); err != nil {
		return "", time.Time{}, err
	}

	token, expiresAt, err := s.issueToken(addr, now)
	if err != nil {
		return "", time.Time{}, err
	}
	outcome = "ok"
	lg := log.WithComponent("auth")
	lg.Info().Str("agent", addr).Msg("token issued")
	return token, expiresAt, nil
}

func (s *Service) issueToken(agent string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   agent,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, expiresAt, nil
}

// VerifyToken validates a bearer token and returns the bound agent address.
func (s *Service) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", errdefs.Wrap(errdefs.ErrAuthRequired, "auth: missing bearer token")
	}
	if v, ok := s.verified.Get(token); ok {
		cached := v.(cachedToken)
		if s.now().Before(cached.expiresAt) {
			return cached.agent, nil
		}
		s.verified.Remove(token)
		return "", errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: token expired")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: invalid token")
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return "", errdefs.Wrap(errdefs.ErrAuthInvalid, "auth: malformed token claims")
	}
	s.verified.Add(token, cachedToken{agent: claims.Subject, expiresAt: claims.ExpiresAt.Time})
	return claims.Subject, nil
}

// RequireAgent enforces the authorisation rule: a request naming an agent is
// accepted only when it matches the token's bound agent, compared
// case-insensitively on the 40-hex form.
func (s *Service) RequireAgent(tokenAgent, target string) error {
	if !keys.SameAddress(tokenAgent, target) {
		return errdefs.Wrap(errdefs.ErrForbidden, "auth: token for %s cannot act on %s", tokenAgent, target)
	}
	return nil
}
