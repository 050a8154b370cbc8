package config

import (
	"bytes"
	"encoding/json"
	"hash/fnv"
)

// CanonicalJSON re-encodes raw with sorted keys and no insignificant whitespace,
// so the same payload written in JSON or YAML compares equal byte-for-byte.
// Empty input returns nil.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// samePayload compares two payloads by content. Invalid JSON falls back to a
// byte comparison.
func samePayload(a, b json.RawMessage) bool {
	ca, errA := CanonicalJSON(a)
	cb, errB := CanonicalJSON(b)
	if errA != nil || errB != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca, cb)
}

// fingerprint identifies a committed config; 0 means unknown.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
