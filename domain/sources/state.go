package sources

import "strings"

// mergeState folds an incoming connector state into the stored one. Maps
// merge recursively; scalar values are replaced, except watermark fields,
// which never move backward. A failed or cancelled run that checkpointed a
// lower watermark cannot undo progress an earlier run made.
//
// A field is a watermark when its key is "updated_at" or ends in
// "_updated_at". RFC 3339 timestamps compare correctly as strings.
func mergeState(stored, incoming map[string]any) map[string]any {
	if stored == nil {
		stored = map[string]any{}
	}

	out := make(map[string]any, len(stored)+len(incoming))
	for k, v := range stored {
		out[k] = v
	}

	for k, v := range incoming {
		old, exists := out[k]
		if !exists {
			out[k] = v
			continue
		}

		oldMap, oldIsMap := old.(map[string]any)
		newMap, newIsMap := v.(map[string]any)
		if oldIsMap && newIsMap {
			out[k] = mergeState(oldMap, newMap)
			continue
		}

		if isWatermarkKey(k) {
			oldStr, oldIsStr := old.(string)
			newStr, newIsStr := v.(string)
			if oldIsStr && newIsStr && newStr < oldStr {
				continue
			}
		}
		out[k] = v
	}
	return out
}

func isWatermarkKey(k string) bool {
	return k == "updated_at" || strings.HasSuffix(k, "_updated_at")
}
