package payments

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GenericDeclineReason is used when the provider gave no usable reason.
const GenericDeclineReason = "the payment was not approved by the provider"

// DeclineReason extracts a human-readable failure reason from a provider
// payload. It looks at the payload itself and at its data and transaction
// objects, trying status_message, reason, error.reason, error.messages and
// message in that order.
func DeclineReason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return GenericDeclineReason
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return GenericDeclineReason
	}
	for _, obj := range candidates(root) {
		if r := reasonIn(obj); r != "" {
			return r
		}
	}
	return GenericDeclineReason
}

func candidates(root map[string]any) []map[string]any {
	out := []map[string]any{root}
	if data, ok := root["data"].(map[string]any); ok {
		out = append(out, data)
		if txn, ok := data["transaction"].(map[string]any); ok {
			out = append(out, txn)
		}
	}
	if txn, ok := root["transaction"].(map[string]any); ok {
		out = append(out, txn)
	}
	return out
}

func reasonIn(obj map[string]any) string {
	if s := str(obj["status_message"]); s != "" {
		return s
	}
	if s := str(obj["reason"]); s != "" {
		return s
	}
	if e, ok := obj["error"].(map[string]any); ok {
		if s := str(e["reason"]); s != "" {
			return s
		}
		if s := flattenMessages(e["messages"]); s != "" {
			return s
		}
	}
	if s, ok := obj["error"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return str(obj["message"])
}

func str(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// flattenMessages renders provider validation messages, which come either as
// a list or as a field -> list map.
func flattenMessages(v any) string {
	switch m := v.(type) {
	case string:
		return strings.TrimSpace(m)
	case []any:
		parts := make([]string, 0, len(m))
		for _, item := range m {
			if s := flattenMessages(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := flattenMessages(m[k]); s != "" {
				parts = append(parts, fmt.Sprintf("%s: %s", k, s))
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
