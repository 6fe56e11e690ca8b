// Package resumetoken encodes the opaque token a session emits when it
// terminates Paused or Failed. The token carries enough to continue the
// plan from the next unacknowledged batch, plus a digest of the plan so a
// later invocation can detect that a fresh analysis would plan differently.
package resumetoken

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Version is bumped whenever the token payload shape changes; decode
// rejects versions it does not know.
const Version = 1

// Token is the decoded resume token payload.
type Token struct {
	V              int    `json:"v"`
	SessionID      string `json:"session_id"`
	NextBatchIndex int    `json:"next_batch_index"`
	PlanDigest     string `json:"plan_digest"`
}

// DigestPlan hashes a plan's canonical JSON encoding with FNV-1a. Plans
// must marshal with a stable field order (structs only, no maps) for the
// digest to be reproducible; the planner's output satisfies this.
func DigestPlan(plan any) (string, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("resumetoken: marshaling plan: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Encode serializes t as a base64url string.
func Encode(t Token) (string, error) {
	t.V = Version
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("resumetoken: marshaling: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode parses a token produced by Encode.
func Decode(s string) (Token, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("resumetoken: decoding: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, fmt.Errorf("resumetoken: parsing: %w", err)
	}
	if t.V != Version {
		return Token{}, fmt.Errorf("resumetoken: unsupported version %d", t.V)
	}
	if t.SessionID == "" {
		return Token{}, fmt.Errorf("resumetoken: missing session id")
	}
	if t.NextBatchIndex < 0 {
		return Token{}, fmt.Errorf("resumetoken: negative batch index %d", t.NextBatchIndex)
	}
	return t, nil
}
