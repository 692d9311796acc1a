// Package validate holds the grammar checks the dispatcher applies to
// inbound fields before they reach an engine method, mirroring the
// agent-id/message-size/timeout rules from the data model.
package validate

import (
	"regexp"
	"strings"

	"github.com/meshbroker/broker/internal/brokererr"
)

const (
	// MaxBodyBytes bounds message and context payloads.
	MaxBodyBytes = 50_000
	// MaxAgentIDLen bounds the agent id field.
	MaxAgentIDLen = 64
	// MinWait bounds a caller-supplied wait timeout in seconds from below.
	// The upper bound is operator-configurable (config.Config.MaxWait)
	// and passed into ClampWait by the caller.
	MinWait = 1
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./-]*$`)

// fingerprintPattern matches <from>::<to>::<8-hex>, where from/to are
// each validated separately against agentIDPattern.
var fingerprintPattern = regexp.MustCompile(`^(.+)::(.+)::([0-9a-fA-F]{8})$`)

// AgentID reports whether id is a well-formed agent identifier:
// 1-64 chars, matching [A-Za-z0-9][A-Za-z0-9_./-]*.
func AgentID(id string) error {
	if len(id) == 0 || len(id) > MaxAgentIDLen {
		return brokererr.Invalidf("agent id must be 1-%d characters", MaxAgentIDLen)
	}
	if !agentIDPattern.MatchString(id) {
		return brokererr.Invalidf("agent id %q does not match the required grammar", id)
	}
	return nil
}

// Body reports whether a message or context payload is within the
// size ceiling.
func Body(field string, b []byte) error {
	if len(b) > MaxBodyBytes {
		return brokererr.Invalidf("%s exceeds %d bytes", field, MaxBodyBytes)
	}
	return nil
}

// ClampWait clamps a caller-supplied wait timeout (in seconds) to
// [MinWait, maxWait], per the spec's "0 clamps up to 1" rule. Negative
// inputs are rejected outright. maxWait is the operator-configured
// ceiling (config.Config.MaxWait, in seconds).
func ClampWait(seconds, maxWait int) (int, error) {
	if seconds < 0 {
		return 0, brokererr.Invalidf("timeout must be >= 0, got %d", seconds)
	}
	if seconds < MinWait {
		return MinWait, nil
	}
	if seconds > maxWait {
		return maxWait, nil
	}
	return seconds, nil
}

// Fingerprint parses a message id of the form <from>::<to>::<8-hex>
// and validates that from/to both match the agent-id grammar.
func Fingerprint(fingerprint string) (from, to string, err error) {
	m := fingerprintPattern.FindStringSubmatch(fingerprint)
	if m == nil {
		return "", "", brokererr.Invalidf("invalid request id %q: expected <from>::<to>::<8-hex>", fingerprint)
	}
	from, to = m[1], m[2]
	if err := AgentID(from); err != nil {
		return "", "", brokererr.Invalidf("invalid request id %q: bad sender id", fingerprint)
	}
	if err := AgentID(to); err != nil {
		return "", "", brokererr.Invalidf("invalid request id %q: bad recipient id", fingerprint)
	}
	return from, to, nil
}

// FingerprintBatch validates every id in ids, rejecting the whole
// batch (per ack_messages' all-or-nothing rule) on the first
// malformed entry.
func FingerprintBatch(ids []string) error {
	for _, id := range ids {
		if _, _, err := Fingerprint(id); err != nil {
			return err
		}
	}
	return nil
}

// Pattern reports whether a glob pattern is non-empty; deeper
// validity (malformed glob) is caught at compile time by
// internal/auth's pattern cache.
func Pattern(p string) error {
	if strings.TrimSpace(p) == "" {
		return brokererr.Invalid("agent_pattern must not be empty")
	}
	return nil
}
