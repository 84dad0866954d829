// Package canonical implements the single canonicalization routine both the
// coordinator and a validator must agree on byte-for-byte: deep key-sort,
// UTF-8 encode, SHA-256. It backs both signature verification (data_canonical)
// and compose-hash computation (deployment manifest hashing). Diverging
// ordering between the two call sites is the principal correctness risk the
// routine exists to remove.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// JSON re-serializes an arbitrary decoded JSON value with object keys sorted
// lexicographically at every nesting level, and returns the resulting bytes.
// Arrays preserve element order; only object key order is normalized.
func JSON(v any) ([]byte, error) {
	normalized := normalize(v)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; strip it so the bytes
	// are exactly what a caller re-signing or re-hashing expects.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize walks a decoded JSON value (as produced by encoding/json into
// map[string]any / []any / scalars) and rebuilds maps as ordered key-value
// slices so json.Marshal emits sorted keys.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := orderedObject{}
		for _, k := range keys {
			out = append(out, orderedField{Key: k, Value: normalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return t
	}
}

type orderedField struct {
	Key   string
	Value any
}

type orderedObject []orderedField

// MarshalJSON emits the fields in the order they were appended, which
// normalize() has already sorted by key.
func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ReserializeDataCanonical decodes a JSON-ish data map and re-encodes it with
// sorted keys, for use as the `data_canonical` component of the secure
// envelope's signed byte string.
func ReserializeDataCanonical(data map[string]any) (string, error) {
	b, err := JSON(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ComposeManifest is the fixed field set §4.2 requires for the deployment
// manifest both sides hash. Field names match the wire/manifest contract
// exactly; this struct exists only to build the map handed to JSON/Hash.
type ComposeManifest struct {
	Name                    string
	DockerComposeFile       string
	AllowedEnvs             []string
}

// BuildManifest assembles the fixed-field manifest map for hashing. The
// constant fields are part of the contract, not configuration.
func BuildManifest(m ComposeManifest) map[string]any {
	return map[string]any{
		"manifest_version":            2,
		"name":                        m.Name,
		"runner":                      "docker-compose",
		"docker_compose_file":         m.DockerComposeFile,
		"kms_enabled":                 true,
		"gateway_enabled":             true,
		"local_key_provider_enabled":  false,
		"key_provider_id":             "",
		"public_logs":                 true,
		"public_sysinfo":              true,
		"public_tcbinfo":              true,
		"allowed_envs":                m.AllowedEnvs,
		"no_instance_id":              false,
		"secure_time":                 false,
	}
}

// ComposeHash computes SHA-256 over the canonical UTF-8 bytes of the manifest
// and returns it hex-encoded, matching the value a validator's event log must
// report.
func ComposeHash(m ComposeManifest) (string, error) {
	b, err := JSON(BuildManifest(m))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}

// AllowedEnvs computes the union of a fixed required set and the VM's
// declared required_env, deduplicated and sorted — §4.2's allowed_envs rule.
func AllowedEnvs(required []string) []string {
	fixed := []string{"PCCS_URL", "DATABASE_URL"}
	seen := make(map[string]struct{}, len(fixed)+len(required))
	out := make([]string, 0, len(fixed)+len(required))
	for _, e := range append(append([]string{}, fixed...), required...) {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Sum256Hex is a small helper for the challenge-binding check: SHA-256 of
// arbitrary bytes, hex-encoded.
func Sum256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}
