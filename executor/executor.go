// Package executor provides the two action executor implementations the
// engine can consume: an in-process simulator for tests and dry runs, and an
// HTTP bridge to an out-of-process executor service. Both treat action
// semantics as opaque and both pass target-directed actions through the
// per-target rate limiter, exactly as any real executor must.
package executor

import (
	"encoding/json"
	"strconv"
	"strings"
)

// targetKey extracts the external target id from action parameters. Payloads
// may carry it as a number or a string; both normalize to the same key so
// admission control never splits one target across two semaphores.
func targetKey(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		TargetID json.RawMessage `json:"target_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || len(p.TargetID) == 0 {
		return ""
	}
	key := strings.Trim(string(p.TargetID), `"`)
	if key == "null" {
		return ""
	}
	return key
}

// paramNumber reads a numeric parameter, tolerating string-encoded numbers.
func paramNumber(params json.RawMessage, name string, fallback float64) float64 {
	if len(params) == 0 {
		return fallback
	}
	var fields map[string]any
	if err := json.Unmarshal(params, &fields); err != nil {
		return fallback
	}
	switch v := fields[name].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
