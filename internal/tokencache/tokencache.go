// Package tokencache turns GitHub App credentials into short-lived
// installation tokens. Tokens live for an hour; we cache them in Redis with a
// safety margin and coalesce concurrent refreshes so one installation never
// triggers a thundering herd of exchanges.
package tokencache

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"openrabbit/internal/metrics"
	"openrabbit/internal/reverr"
)

const (
	// DefaultTTL keeps cached tokens 5 minutes under their 60-minute lifetime.
	DefaultTTL = 55 * time.Minute

	jwtBackdate = 60 * time.Second
	jwtLifetime = 9 * time.Minute
)

// Cache exchanges and caches installation tokens.
type Cache struct {
	appID   string
	key     *rsa.PrivateKey
	rdb     redis.Cmdable
	hc      *http.Client
	baseURL string
	ttl     time.Duration

	group singleflight.Group
	now   func() time.Time
}

// New loads the app private key and wires the cache. A missing or invalid key
// is a startup failure, not something to discover on the first webhook.
func New(appID, privateKeyPath, baseURL string, rdb redis.Cmdable, ttl time.Duration) (*Cache, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		appID:   appID,
		key:     key,
		rdb:     rdb,
		hc:      &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func cacheKey(installationID int64) string {
	return fmt.Sprintf("github:token:%d", installationID)
}

// Token returns a valid installation token, from cache when possible.
// Concurrent callers for the same installation share one exchange. A broken
// cache degrades to per-call exchange instead of failing the review.
func (c *Cache) Token(ctx context.Context, installationID int64) (string, error) {
	key := cacheKey(installationID)

	cacheUp := true
	if tok, err := c.rdb.Get(ctx, key).Result(); err == nil {
		return tok, nil
	} else if !errors.Is(err, redis.Nil) {
		cacheUp = false
		slog.Warn("token cache unreachable, exchanging directly", "error", err, "installation", installationID)
		metrics.TokenRefreshes.WithLabelValues("cache_down").Inc()
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		tok, expiresAt, err := c.exchange(ctx, installationID)
		if err != nil {
			return "", err
		}
		if cacheUp {
			metrics.TokenRefreshes.WithLabelValues("miss").Inc()
			ttl := c.ttl
			if until := expiresAt.Sub(c.now()) - time.Minute; until > 0 && until < ttl {
				ttl = until
			}
			if err := c.rdb.Set(ctx, key, tok, ttl).Err(); err != nil {
				slog.Warn("cache token failed", "error", err, "installation", installationID)
			}
		}
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token. Called after the forge rejects one with
// 401/403 before its recorded expiry.
func (c *Cache) Invalidate(ctx context.Context, installationID int64) {
	metrics.TokenRefreshes.WithLabelValues("invalidated").Inc()
	if err := c.rdb.Del(ctx, cacheKey(installationID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("invalidate token failed", "error", err, "installation", installationID)
	}
}

// appJWT signs a short-lived RS256 app token. iat is backdated to absorb
// clock skew between us and the forge.
func (c *Cache) appJWT() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Cache) exchange(ctx context.Context, installationID int64) (string, time.Time, error) {
	appJWT, err := c.appJWT()
	if err != nil {
		return "", time.Time{}, reverr.New(reverr.KindAuth, fmt.Errorf("sign app jwt: %w", err))
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", time.Time{}, reverr.New(reverr.KindTransient, fmt.Errorf("token exchange: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusUnauthorized:
		return "", time.Time{}, reverr.Newf(reverr.KindAuth, "token exchange rejected for installation %d", installationID)
	case resp.StatusCode == http.StatusNotFound:
		return "", time.Time{}, reverr.Newf(reverr.KindNotFound, "installation %d not found", installationID)
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return "", time.Time{}, reverr.RateLimited(
			fmt.Errorf("token exchange rate limited for installation %d", installationID),
			resetTime(resp.Header.Get("X-RateLimit-Reset")))
	case resp.StatusCode >= 500:
		return "", time.Time{}, reverr.Newf(reverr.KindTransient, "token exchange returned %d", resp.StatusCode)
	default:
		return "", time.Time{}, reverr.Newf(reverr.KindAuth, "token exchange returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, reverr.New(reverr.KindTransient, fmt.Errorf("read token response: %w", err))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.Token == "" {
		return "", time.Time{}, reverr.Newf(reverr.KindTransient, "malformed token response")
	}
	return tr.Token, tr.ExpiresAt, nil
}

func resetTime(header string) time.Time {
	if sec, err := strconv.ParseInt(header, 10, 64); err == nil {
		return time.Unix(sec, 0)
	}
	return time.Time{}
}
