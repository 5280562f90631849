// Package identity implements the Identity Verifier:
// verification of externally issued identity tokens (Apple Sign-In)
// against a remotely fetched JWKS, tolerating multiple accepted
// audiences and caching both JWKS material and verification results.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ResultCache is the slice of the KV facade the verification-result cache
// uses. *kv.Store satisfies it; a nil cache disables result caching.
type ResultCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Claims are the fields extracted from a verified identity token.
type Claims struct {
	Subject string // required
	Email   string // optional, often only present on first sign-in
}

// providerCache holds the discovered provider, trusted for ttl before
// being refreshed; on refresh failure the stale value is served.
type providerCache struct {
	mu        sync.Mutex
	provider  *oidc.Provider
	fetchedAt time.Time
	ttl       time.Duration
	issuerURL string
}

func (c *providerCache) get(ctx context.Context, logger *slog.Logger) (*oidc.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.provider != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.provider, nil
	}

	provider, err := oidc.NewProvider(ctx, c.issuerURL)
	if err != nil {
		if c.provider != nil {
			logger.Warn("identity: JWKS refresh failed, serving stale provider", "error", err)
			return c.provider, nil
		}
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", c.issuerURL, err)
	}

	c.provider = provider
	c.fetchedAt = time.Now()
	return provider, nil
}

// defaultResultCacheTTL is how long both successful and failed verification
// results are cached, keyed by the raw token, to shed repeated load.
const defaultResultCacheTTL = 5 * time.Minute

type cachedResult struct {
	claims  *Claims
	errText string // non-empty means this entry represents a cached failure
}

// Verifier verifies Apple identity tokens.
type Verifier struct {
	cache             providerCache
	acceptedAudiences []string
	logger            *slog.Logger
	kv                ResultCache
	resultCacheTTL    time.Duration
}

// New creates a Verifier. issuerURL is the identity provider's OIDC issuer
// (e.g. https://appleid.apple.com); acceptedAudiences is the ordered list
// of bundle/app ids this server accepts as token audience. resultCacheTTL
// bounds how long verification outcomes are reused; <=0 selects the default.
func New(issuerURL string, acceptedAudiences []string, jwksCacheTTL, resultCacheTTL time.Duration, store ResultCache, logger *slog.Logger) *Verifier {
	if resultCacheTTL <= 0 {
		resultCacheTTL = defaultResultCacheTTL
	}
	return &Verifier{
		cache: providerCache{
			issuerURL: issuerURL,
			ttl:       jwksCacheTTL,
		},
		acceptedAudiences: acceptedAudiences,
		logger:            logger,
		kv:                store,
		resultCacheTTL:    resultCacheTTL,
	}
}

// Verify validates rawToken against the JWKS, iterating the configured
// accepted audiences and returning success on the first match. Other
// verification errors (bad signature, expiry) short-circuit the loop.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if cached, ok := v.lookupCache(ctx, rawToken); ok {
		if cached.errText != "" {
			return nil, errors.New(cached.errText)
		}
		return cached.claims, nil
	}

	claims, err := v.verifyUncached(ctx, rawToken)
	v.storeCache(ctx, rawToken, claims, err)
	return claims, err
}

func (v *Verifier) verifyUncached(ctx context.Context, rawToken string) (*Claims, error) {
	provider, err := v.cache.get(ctx, v.logger)
	if err != nil {
		return nil, fmt.Errorf("fetching identity provider: %w", err)
	}

	// The loop tolerates multiple accepted bundle ids: an audience mismatch
	// moves on to the next candidate, any other verification failure (bad
	// signature, expiry, wrong issuer) short-circuits.
	for _, aud := range v.acceptedAudiences {
		verifier := provider.Verifier(&oidc.Config{ClientID: aud})
		idToken, err := verifier.Verify(ctx, rawToken)
		if err != nil {
			if isAudienceMismatch(err) {
				continue
			}
			return nil, fmt.Errorf("verifying identity token: %w", err)
		}

		var raw struct {
			Subject string `json:"sub"`
			Email   string `json:"email"`
		}
		if err := idToken.Claims(&raw); err != nil {
			return nil, fmt.Errorf("extracting claims: %w", err)
		}
		if raw.Subject == "" {
			return nil, errors.New("identity token missing sub claim")
		}

		return &Claims{Subject: raw.Subject, Email: raw.Email}, nil
	}

	v.logger.Info("identity: token audience absent from accepted list", "accepted", v.acceptedAudiences)
	return nil, errors.New("identity token audience not accepted")
}

// isAudienceMismatch reports whether err is go-oidc's audience rejection.
// The library exposes no typed error for it, so the message is matched.
func isAudienceMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "expected audience")
}

func (v *Verifier) resultCacheKey(rawToken string) string {
	return "identity:result:" + rawToken
}

func (v *Verifier) lookupCache(ctx context.Context, rawToken string) (cachedResult, bool) {
	if v.kv == nil {
		return cachedResult{}, false
	}
	raw, ok, err := v.kv.Get(ctx, v.resultCacheKey(rawToken))
	if err != nil || !ok {
		return cachedResult{}, false
	}

	if raw == "" {
		return cachedResult{}, false
	}
	if raw[0] == '!' {
		return cachedResult{errText: raw[1:]}, true
	}

	// Encoded as "sub\x1Femail".
	parts := splitOnce(raw, '\x1f')
	return cachedResult{claims: &Claims{Subject: parts[0], Email: parts[1]}}, true
}

func (v *Verifier) storeCache(ctx context.Context, rawToken string, claims *Claims, err error) {
	if v.kv == nil {
		return
	}
	var payload string
	if err != nil {
		payload = "!" + err.Error()
	} else {
		payload = claims.Subject + "\x1f" + claims.Email
	}
	if setErr := v.kv.Set(ctx, v.resultCacheKey(rawToken), payload, v.resultCacheTTL); setErr != nil {
		v.logger.Warn("identity: caching verification result", "error", setErr)
	}
}

func splitOnce(s string, sep byte) [2]string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return [2]string{s[:i], s[i+1:]}
		}
	}
	return [2]string{s, ""}
}
