package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// fingerprintInput is the exact tuple hashed into a cache key. Roles are
// sorted and parameters canonicalized so equal requests always collide.
type fingerprintInput struct {
	PrincipalID string                 `json:"principal_id"`
	Roles       []string               `json:"roles"`
	Action      string                 `json:"action"`
	Protocol    string                 `json:"protocol"`
	Server      string                 `json:"server"`
	Capability  string                 `json:"capability"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Fingerprint computes the stable hash used as the decision cache key.
// Two requests with equal (principal id, sorted roles, action, target,
// normalized parameters) tuples produce equal fingerprints: encoding/json
// marshals map keys in sorted order, which canonicalizes nested parameter
// trees, and empty parameters normalize to {}.
func Fingerprint(p Principal, action string, t Target, params map[string]interface{}) string {
	roles := append([]string(nil), p.Roles...)
	sort.Strings(roles)
	if roles == nil {
		roles = []string{}
	}
	in := fingerprintInput{
		PrincipalID: p.ID,
		Roles:       roles,
		Action:      action,
		Protocol:    t.Protocol,
		Server:      t.Server,
		Capability:  t.Capability,
		Parameters:  NormalizeParams(params),
	}
	// Marshal of this struct cannot fail: every leaf is a JSON-decodable type.
	raw, err := json.Marshal(in)
	if err != nil {
		raw = []byte(in.PrincipalID + "/" + in.Action + "/" + in.Server + "/" + in.Capability)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// FingerprintA2A hashes an agent-to-agent tuple into the same key space.
func FingerprintA2A(in A2AInput) string {
	raw, _ := json.Marshal(in)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeParams returns params with nil normalized to the canonical empty
// object so absent and empty parameter sets fingerprint identically.
func NormalizeParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	return params
}
