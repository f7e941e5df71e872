package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/austindbirch/bus_relay/internal/cache"
	"github.com/austindbirch/bus_relay/internal/config"
	"github.com/austindbirch/bus_relay/internal/logging"
	"github.com/austindbirch/bus_relay/internal/metrics"
)

// tokenKey is the single cache slot for the bearer token of this site.
const tokenKey = "bus:token"

// minTokenTTL keeps a token that is about to expire from being cached at all.
const minTokenTTL = 30 * time.Second

// TokenStore acquires BUS bearer tokens and caches them for reuse.
// A token is shared by every caller; any caller may Flush it.
type TokenStore struct {
	cache  cache.Cache
	client *http.Client
	cfg    config.Bus
	now    func() time.Time
	logger *logging.Logger
}

func NewTokenStore(c cache.Cache, cfg config.Bus, client *http.Client, logger *logging.Logger) *TokenStore {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.New("bus-token")
	}
	return &TokenStore{cache: c, client: client, cfg: cfg, now: time.Now, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	NodeID   string `json:"node_id"`
}

// Acquire returns the cached token, logging in when there is none.
func (s *TokenStore) Acquire(ctx context.Context) (string, error) {
	if !s.cfg.Configured() {
		return "", ErrNotConfigured
	}
	if tok, ok, err := s.cache.Get(ctx, tokenKey); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("token cache read failed, logging in")
	} else if ok && tok != "" {
		return tok, nil
	}

	tok, err := s.login(ctx)
	if err != nil {
		metrics.RecordTokenLogin("failed")
		_ = s.Flush(ctx)
		return "", err
	}
	metrics.RecordTokenLogin("ok")

	ttl := s.ttlFor(tok)
	if ttl < minTokenTTL {
		s.logger.WithContext(ctx).WithField("ttl", ttl.String()).Warn("token expires too soon to cache")
		return tok, nil
	}
	if err := s.cache.Set(ctx, tokenKey, tok, ttl); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("token cache write failed")
	}
	return tok, nil
}

// Flush discards the cached token so the next Acquire logs in again.
func (s *TokenStore) Flush(ctx context.Context) error {
	if err := s.cache.Delete(ctx, tokenKey); err != nil {
		return fmt.Errorf("flush bus token: %w", err)
	}
	return nil
}

func (s *TokenStore) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(loginRequest{
		Username: s.cfg.Username,
		Password: s.cfg.Password,
		NodeID:   s.cfg.VentureID,
	})
	if err != nil {
		return "", &AuthError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint+"/login", bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: errors.New(truncateBody(raw))}
	}

	tok := gjson.GetBytes(raw, "token").String()
	if tok == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: errors.New("response has no token")}
	}
	return tok, nil
}

// ttlFor caps the configured TTL by the token's own exp claim when the
// token is a JWT. Opaque tokens use the configured TTL.
func (s *TokenStore) ttlFor(tok string) time.Duration {
	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return ttl
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ttl
	}
	if left := exp.Sub(s.now()); left < ttl {
		return left
	}
	return ttl
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
