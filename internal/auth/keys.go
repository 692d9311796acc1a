package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/crypto/bcrypt"

	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/id"
	"github.com/meshbroker/broker/internal/store"
	"github.com/meshbroker/broker/internal/util/timefmt"
)

// State layout: api_keys is a hash of fingerprint -> key
// record JSON; key_ids is a hash of key_id -> fingerprint, letting
// RevokeKey and ListKeys address a key by its short public id without
// ever seeing the secret again.
const (
	apiKeysKey = "api_keys"
	keyIDsKey  = "key_ids"
)

// KeyRecord is the API-facing view of a stored key: never includes
// the bcrypt verifier, even over the admin-only surface.
type KeyRecord struct {
	KeyID        string `json:"key_id"`
	AgentPattern string `json:"agent_pattern"`
	Description  string `json:"description"`
	CreatedAt    string `json:"created_at"`
}

// storedKeyRecord is the persisted shape, including the bcrypt
// verifier of the secret; the secret itself is never stored.
type storedKeyRecord struct {
	KeyRecord
	Verifier string `json:"verifier"`
}

// CreatedKey is returned once, at creation time, carrying the
// composite token the caller must save — the secret is never
// retrievable again afterward.
type CreatedKey struct {
	KeyRecord
	Token string `json:"token"`
}

var patternCacheMu sync.Mutex
var patternCache = make(map[string]glob.Glob)

func compilePattern(pattern string) (glob.Glob, error) {
	patternCacheMu.Lock()
	defer patternCacheMu.Unlock()
	if g, ok := patternCache[pattern]; ok {
		return g, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache[pattern] = g
	return g, nil
}

// lookupKey resolves a key's fast fingerprint to its stored record.
func (v *Validator) lookupKey(ctx context.Context, fingerprint string) (*storedKeyRecord, bool, error) {
	raw, ok, err := v.store.HashGet(ctx, apiKeysKey, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var rec storedKeyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("decode api key record: %w", err)
	}
	return &rec, true, nil
}

// CreateKey generates a random secret, stores its fingerprint and
// bcrypt verifier, and returns the composite "<server_secret>.<key>"
// token once. agentPattern defaults to "*" when empty.
func (v *Validator) CreateKey(ctx context.Context, agentPattern, description string) (*CreatedKey, error) {
	if agentPattern == "" {
		agentPattern = "*"
	}
	if _, err := compilePattern(agentPattern); err != nil {
		return nil, brokererr.Invalidf("invalid agent_pattern %q: %v", agentPattern, err)
	}

	secret := id.Secret()
	fingerprint := fingerprintOf(secret)
	verifier, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key secret: %w", err)
	}

	rec := storedKeyRecord{
		KeyRecord: KeyRecord{
			KeyID:        id.Nonce8(),
			AgentPattern: agentPattern,
			Description:  description,
			CreatedAt:    timefmt.Format(time.Now()),
		},
		Verifier: string(verifier),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode api key record: %w", err)
	}

	if err := v.store.Pipeline(ctx, func(p store.Pipeliner) {
		p.HashSet(apiKeysKey, fingerprint, string(raw))
		p.HashSet(keyIDsKey, rec.KeyID, fingerprint)
	}); err != nil {
		return nil, err
	}

	token := fmt.Sprintf("%s.%s", v.serverSecret, secret)
	return &CreatedKey{KeyRecord: rec.KeyRecord, Token: token}, nil
}

// RevokeKey removes both indices for keyID and evicts the positive
// auth cache entry, if any.
func (v *Validator) RevokeKey(ctx context.Context, keyID string) error {
	fingerprint, ok, err := v.store.HashGet(ctx, keyIDsKey, keyID)
	if err != nil {
		return err
	}
	if !ok {
		return brokererr.Invalidf("unknown key_id %q", keyID)
	}
	if err := v.store.Pipeline(ctx, func(p store.Pipeliner) {
		p.HashDelete(apiKeysKey, fingerprint)
		p.HashDelete(keyIDsKey, keyID)
	}); err != nil {
		return err
	}
	v.cacheEvict(fingerprint)
	return nil
}

// ListKeys returns metadata for every stored key. The verifier never
// leaves this package, even over the admin-only surface.
func (v *Validator) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	all, err := v.store.HashGetAll(ctx, apiKeysKey)
	if err != nil {
		return nil, err
	}
	out := make([]KeyRecord, 0, len(all))
	for _, raw := range all {
		var rec storedKeyRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec.KeyRecord)
	}
	return out, nil
}
