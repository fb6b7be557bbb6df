package sagas

import "github.com/randalmurphal/recordsaga/pkg/saga"

// bagString and friends tolerate the JSON round-trip SQLiteStore's
// persistence puts every bag value through (a []string written before a
// crash comes back as []any after a restart), the same accommodation
// pkg/recovery makes for its own bookkeeping field.
func bagString(b saga.Bag, key string) string {
	v, _ := b[key].(string)
	return v
}

func bagInt64(b saga.Bag, key string) int64 {
	switch v := b[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func bagBool(b saga.Bag, key string) bool {
	v, _ := b[key].(bool)
	return v
}

func bagStringSlice(b saga.Bag, key string) []string {
	switch v := b[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func withBag(b saga.Bag, kv ...any) saga.Bag {
	out := b.Clone()
	if out == nil {
		out = saga.Bag{}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		out[key] = kv[i+1]
	}
	return out
}
