package store

import "strings"

// splitPath normalizes a slash-separated path into segments.
// Leading/trailing/repeated slashes are tolerated; an empty result is invalid.
func splitPath(path string) ([]string, error) {
	parts := strings.Split(path, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		segs = append(segs, p)
	}
	if len(segs) == 0 {
		return nil, ErrBadPath
	}
	return segs, nil
}

func joinPath(segs []string) string {
	return strings.Join(segs, "/")
}

// isPathRelated reports whether a write at w affects a subscription at s:
// equal paths, w an ancestor of s, or s an ancestor of w.
func isPathRelated(s, w []string) bool {
	n := len(s)
	if len(w) < n {
		n = len(w)
	}
	for i := 0; i < n; i++ {
		if s[i] != w[i] {
			return false
		}
	}
	return true
}

// treeGet returns the value at segs, or (nil, false) when unset.
func treeGet(root map[string]any, segs []string) (any, bool) {
	cur := any(root)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// treeSet overwrites the value at segs wholesale, creating intermediate maps.
// A non-map value on the way down is replaced by a map (ancestor overwrite).
func treeSet(root map[string]any, segs []string, v any) {
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

// treeDelete removes the value at segs. Empty intermediate maps are left in
// place; subscribers observe them as nil-equivalent leaves being gone.
func treeDelete(root map[string]any, segs []string) {
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// deepCopy clones a normalized tree value so callers cannot alias store state.
func deepCopy(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, vv := range tv {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, vv := range tv {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}

// flattenLeaves walks the tree depth-first and invokes fn for every leaf
// value with its full path. Used by snapshot backends.
func flattenLeaves(prefix []string, v any, fn func(path string, leaf any)) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		if len(prefix) > 0 {
			fn(joinPath(prefix), v)
		}
		return
	}
	for k, vv := range m {
		p := make([]string, len(prefix)+1)
		copy(p, prefix)
		p[len(prefix)] = k
		flattenLeaves(p, vv, fn)
	}
}
