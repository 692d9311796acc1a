// Package auth implements the Auth & Authorization component: bearer
// token validation across three roles (agent / proxy / admin), a
// positive-only verification cache, and glob-based per-key
// authorization.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/store"
)

// Source identifies which credential path validated a request — the
// tagged-result sum type.
type Source string

const (
	SourceNoAuth Source = "no-auth"
	SourcePublic Source = "public"
	SourceAPIKey Source = "api_key"
	SourceProxy  Source = "proxy"
	SourceAdmin  Source = "admin"
)

// Path prefixes the dispatcher derives from the Auth-Path header.
const (
	PathAgent  = "/agent"
	PathAdmin  = "/admin"
	PathOAuth  = "/oauth"
	PathPublic = "/public"
)

// Result is the outcome of Validate.
type Result struct {
	Valid        bool
	Source       Source
	KeyID        string // set on agent-key success
	AgentPattern string // set on agent-key success
}

const cacheTTL = 5 * time.Minute

// cacheEntry is a positive-only verification cache entry, keyed by
// the key's fast fingerprint.
type cacheEntry struct {
	keyID        string
	agentPattern string
	expiresAt    time.Time
}

// Validator implements the three-tier token validation described
// below.
type Validator struct {
	store store.Store

	serverSecret string
	proxyToken   string
	adminKey     string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New returns a Validator. Empty secrets mean the corresponding mode
// is never satisfied; if all three are empty the Validator runs in
// dev mode and admits every request.
func New(s store.Store, serverSecret, proxyToken, adminKey string) *Validator {
	return &Validator{
		store:        s,
		serverSecret: serverSecret,
		proxyToken:   proxyToken,
		adminKey:     adminKey,
		cache:        make(map[string]cacheEntry),
	}
}

func (v *Validator) devMode() bool {
	return v.serverSecret == "" && v.proxyToken == "" && v.adminKey == ""
}

// Validate checks authHeader (the raw "Authorization" header value)
// against the mode selected by pathPrefix.
func (v *Validator) Validate(ctx context.Context, authHeader, pathPrefix string) (Result, error) {
	if v.devMode() {
		return Result{Valid: true, Source: SourceNoAuth}, nil
	}
	if pathPrefix == PathPublic {
		return Result{Valid: true, Source: SourcePublic}, nil
	}

	token := bearerToken(authHeader)
	if token == "" {
		return Result{}, brokererr.Unauthenticated("missing bearer token")
	}

	switch pathPrefix {
	case PathAdmin:
		return v.validateAdmin(token)
	case PathAgent:
		return v.validateAgent(ctx, token)
	default:
		return v.validateProxy(token)
	}
}

func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (v *Validator) validateProxy(token string) (Result, error) {
	if v.proxyToken == "" || !constantTimeEqual(token, v.proxyToken) {
		return Result{}, brokererr.Unauthenticated("invalid proxy token")
	}
	return Result{Valid: true, Source: SourceProxy}, nil
}

func (v *Validator) validateAdmin(token string) (Result, error) {
	secret, key, ok := splitComposite(token)
	if !ok || v.serverSecret == "" || !constantTimeEqual(secret, v.serverSecret) {
		return Result{}, brokererr.Unauthenticated("invalid admin credential")
	}
	if v.adminKey == "" || !constantTimeEqual(key, v.adminKey) {
		return Result{}, brokererr.Unauthenticated("invalid admin credential")
	}
	return Result{Valid: true, Source: SourceAdmin}, nil
}

func (v *Validator) validateAgent(ctx context.Context, token string) (Result, error) {
	secret, key, ok := splitComposite(token)
	if !ok || v.serverSecret == "" || !constantTimeEqual(secret, v.serverSecret) {
		return Result{}, brokererr.Unauthenticated("invalid agent credential")
	}

	fingerprint := fingerprintOf(key)

	if cached, ok := v.cacheLookup(fingerprint); ok {
		return Result{Valid: true, Source: SourceAPIKey, KeyID: cached.keyID, AgentPattern: cached.agentPattern}, nil
	}

	rec, ok, err := v.lookupKey(ctx, fingerprint)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, brokererr.Unauthenticated("unknown api key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Verifier), []byte(key)); err != nil {
		return Result{}, brokererr.Unauthenticated("invalid api key")
	}

	v.cacheStore(fingerprint, rec.KeyID, rec.AgentPattern)
	return Result{Valid: true, Source: SourceAPIKey, KeyID: rec.KeyID, AgentPattern: rec.AgentPattern}, nil
}

// splitComposite splits a "<server_secret>.<key>" token on the first
// '.', the way the original python coordinator's auth.py does.
func splitComposite(token string) (secret, key string, ok bool) {
	i := strings.IndexByte(token, '.')
	if i < 0 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

func fingerprintOf(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (v *Validator) cacheLookup(fingerprint string) (cacheEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.cache[fingerprint]
	if !ok || time.Now().After(e.expiresAt) {
		return cacheEntry{}, false
	}
	return e, true
}

func (v *Validator) cacheStore(fingerprint, keyID, pattern string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[fingerprint] = cacheEntry{
		keyID:        keyID,
		agentPattern: pattern,
		expiresAt:    time.Now().Add(cacheTTL),
	}
}

func (v *Validator) cacheEvict(fingerprint string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, fingerprint)
}

// Allows reports whether agentID satisfies pattern under glob
// semantics.
func Allows(agentID, pattern string) bool {
	g, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return g.Match(agentID)
}
