// Copyright 2025 James Ross

// Package dedupe implements admission hashing and window bucketing: a
// canonical hash of the task payload plus a clock-skew tolerant time
// window produce a deterministic execution_key so that create_task can
// find-or-create instead of always inserting.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize reorders a JSON payload's object keys recursively and
// re-encodes it with compact separators, so that two semantically equal
// payloads with differently ordered keys hash identically.
func Canonicalize(payload json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("canonicalize: invalid json: %w", err)
	}
	return json.Marshal(canonicalValue(v))
}

func canonicalValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, orderedEntry{key: k, value: canonicalValue(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalValue(e)
		}
		return out
	default:
		return t
	}
}

// orderedMap marshals as a JSON object preserving insertion order, which by
// construction here is already sorted-key order; encoding/json has no
// built-in ordered-map type, so Canonicalize builds its own minimal one.
type orderedEntry struct {
	key   string
	value interface{}
}
type orderedMap []orderedEntry

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Hash returns the hex-encoded SHA-256 digest of a canonicalized payload.
func Hash(payload json.RawMessage) (string, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// WindowStart buckets a unix-millis timestamp into the start of its
// dedupe window.
func WindowStart(nowMs int64, windowMs int64) int64 {
	if windowMs <= 0 {
		return nowMs
	}
	return (nowMs / windowMs) * windowMs
}

// ExecutionKey builds the deterministic key
// name ":" payload_hash ":" window_start_epoch_ms.
func ExecutionKey(name, payloadHash string, windowStartMs int64) string {
	return fmt.Sprintf("%s:%s:%d", name, payloadHash, windowStartMs)
}

// CandidateWindows returns every window_start a request at nowMs could
// legitimately land in, given clock-skew tolerance: the request's own
// window plus the adjacent window on either side whenever skew could have
// pushed the clock across a boundary. create_task probes all candidates
// before deciding to insert a new row, so that two submissions a few
// milliseconds apart across a window boundary still dedupe.
func CandidateWindows(nowMs, windowMs, clockSkewMs int64) []int64 {
	if windowMs <= 0 {
		return []int64{nowMs}
	}
	own := WindowStart(nowMs, windowMs)
	seen := map[int64]bool{own: true}
	windows := []int64{own}

	if clockSkewMs > 0 {
		if earlier := WindowStart(nowMs-clockSkewMs, windowMs); !seen[earlier] {
			seen[earlier] = true
			windows = append(windows, earlier)
		}
		if later := WindowStart(nowMs+clockSkewMs, windowMs); !seen[later] {
			seen[later] = true
			windows = append(windows, later)
		}
	}
	return windows
}
