package tracing

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	DefaultMaxSnapshotBytes = 10 * 1024

	previewKeys         = 5
	maxPreviewValueSize = 512
)

// snapshot encodes v, replacing it with a summary when the encoding exceeds
// limit bytes. The summary keeps the first five keys in sorted order.
func snapshot(v any, limit int) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"_error": err.Error()})
		return raw
	}
	if limit <= 0 || len(raw) <= limit {
		return raw
	}

	summary := map[string]any{
		"_truncated": true,
		"_size":      len(raw),
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		summary["_keys"] = []string{}
		summary["_preview"] = map[string]any{}
		out, _ := json.Marshal(summary)
		return out
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > previewKeys {
		keys = keys[:previewKeys]
	}
	preview := make(map[string]any, len(keys))
	for _, k := range keys {
		if len(fields[k]) > maxPreviewValueSize {
			preview[k] = fmt.Sprintf("<%d bytes>", len(fields[k]))
			continue
		}
		preview[k] = fields[k]
	}
	summary["_keys"] = keys
	summary["_preview"] = preview
	out, _ := json.Marshal(summary)
	return out
}
