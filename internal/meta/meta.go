// Package meta implements the recursive "_meta" extension channel (spec §3
// "Metadata") that preserves provider-specific capability hints across
// translation. A Meta value is a mapping whose top-level keys are provider
// namespaces; each known namespace has a fixed, optional-field schema.
package meta

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/codefionn/scriptschnell/internal/logging"
)

// Namespace identifies one of the four known top-level _meta keys.
type Namespace string

const (
	NamespaceProxy     Namespace = "proxy"
	NamespaceAnthropic Namespace = "anthropic"
	NamespaceOpenAI    Namespace = "openai"
	NamespaceOllama    Namespace = "ollama"
)

var knownNamespaces = map[Namespace]bool{
	NamespaceProxy:     true,
	NamespaceAnthropic: true,
	NamespaceOpenAI:    true,
	NamespaceOllama:    true,
}

// Policy is the process-wide validation policy for unknown top-level keys.
type Policy int

const (
	// PolicyStrict fails validation with InvalidParams on an unknown key.
	PolicyStrict Policy = iota
	// PolicyStrip silently drops unknown keys.
	PolicyStrip
	// PolicyPermissive keeps unknown keys, logging once per key per request.
	PolicyPermissive
)

// ParsePolicy parses a config string ("strict", "strip", "permissive") into
// a Policy, defaulting to PolicyPermissive for an empty or unrecognized
// value so a missing config field doesn't turn into a hard failure mode.
func ParsePolicy(s string) Policy {
	switch s {
	case "strict":
		return PolicyStrict
	case "strip":
		return PolicyStrip
	default:
		return PolicyPermissive
	}
}

// Meta is the validated mapping-of-mappings carried in params._meta, per
// content block, and on responses.
type Meta map[string]map[string]interface{}

// Clone returns a deep-enough copy (namespace maps are copied; leaf values
// are shared by reference, matching the shallow-merge semantics below).
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for ns, fields := range m {
		nsCopy := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			nsCopy[k] = v
		}
		out[ns] = nsCopy
	}
	return out
}

// Get returns the value at meta[namespace][field], or nil if absent.
func (m Meta) Get(namespace, field string) interface{} {
	if m == nil {
		return nil
	}
	ns, ok := m[namespace]
	if !ok {
		return nil
	}
	return ns[field]
}

// Namespace returns the raw field map for a namespace, or nil.
func (m Meta) Namespace(namespace string) map[string]interface{} {
	if m == nil {
		return nil
	}
	return m[namespace]
}

// loggedUnknownKeys tracks which (requestID, key) pairs have already been
// logged under PolicyPermissive, so a key is logged once per request. It is
// a sync.Map rather than a plain map since Validate runs concurrently across
// a request's own goroutines (spec §5 concurrency model); ForgetRequest
// bounds its size by dropping a request's entries once the request ends.
var loggedUnknownKeys sync.Map

// ForgetRequest drops every (requestID, key) entry recorded for requestID,
// keeping loggedUnknownKeys bounded to in-flight requests rather than
// growing for the life of the process.
func ForgetRequest(requestID string) {
	prefix := requestID + ":"
	loggedUnknownKeys.Range(func(key, _ interface{}) bool {
		if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
			loggedUnknownKeys.Delete(k)
		}
		return true
	})
}

// Validate applies the given policy to a raw decoded _meta value (typically
// the result of json.Unmarshal into map[string]interface{}) and returns the
// validated Meta. requestID scopes the "once per key per request" logging
// under PolicyPermissive.
func Validate(raw map[string]interface{}, policy Policy, requestID string) (Meta, error) {
	if raw == nil {
		return nil, nil
	}

	out := make(Meta, len(raw))
	for key, val := range raw {
		fields, err := toFieldMap(val)
		if err != nil {
			return nil, fmt.Errorf("_meta.%s: %w", key, err)
		}

		if knownNamespaces[Namespace(key)] {
			out[key] = fields
			continue
		}

		switch policy {
		case PolicyStrict:
			return nil, fmt.Errorf("unknown _meta namespace %q", key)
		case PolicyStrip:
			continue
		case PolicyPermissive:
			logKey := requestID + ":" + key
			if _, alreadyLogged := loggedUnknownKeys.LoadOrStore(logKey, true); !alreadyLogged {
				logging.Global().Warn("unknown _meta namespace %q kept under permissive policy", key)
			}
			out[key] = fields
		}
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func toFieldMap(val interface{}) (map[string]interface{}, error) {
	switch v := val.(type) {
	case map[string]interface{}:
		return v, nil
	case nil:
		return map[string]interface{}{}, nil
	default:
		return nil, fmt.Errorf("expected an object, got %T", val)
	}
}

// Merge performs the shallow merge described in spec §3: the top level is
// merged shallowly, and for known namespaces the namespace maps are merged
// shallowly too, with b winning on conflict.
func Merge(a, b Meta) Meta {
	if a == nil && b == nil {
		return nil
	}

	out := a.Clone()
	if out == nil {
		out = make(Meta)
	}

	for ns, bFields := range b {
		aFields, exists := out[ns]
		if !exists || !knownNamespaces[Namespace(ns)] {
			// Unknown namespaces, or namespaces only present on b, are
			// replaced wholesale by b's value.
			nsCopy := make(map[string]interface{}, len(bFields))
			for k, v := range bFields {
				nsCopy[k] = v
			}
			out[ns] = nsCopy
			continue
		}

		merged := make(map[string]interface{}, len(aFields)+len(bFields))
		for k, v := range aFields {
			merged[k] = v
		}
		for k, v := range bFields {
			merged[k] = v
		}
		out[ns] = merged
	}

	return out
}

// ToJSON round-trips Meta through encoding/json, used when attaching _meta
// back onto a response envelope.
func ToJSON(m Meta) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
