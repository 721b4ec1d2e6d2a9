package engine

import (
	"fmt"
	"strings"
)

// Attribute references use the form
//
//	ref://<type>/<name>/<attribute>
//
// e.g. ref://aws:elbv2.LoadBalancer/public/dnsName. A reference creates a
// dependency edge from the declaring resource to <type>.<name>, and its
// value is only available once that node has been realized.
const refScheme = "ref://"

// extractRefs walks a property value and collects every reference in it.
func extractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, refScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case map[any]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	}
	return refs
}

// parseRef splits a reference into the target node address and attribute
// name. The attribute may be empty for a bare node reference.
func parseRef(ref string) (addr, attr string, ok bool) {
	if !strings.HasPrefix(ref, refScheme) {
		return "", "", false
	}
	path := strings.TrimPrefix(ref, refScheme)
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	addr = fmt.Sprintf("%s.%s", parts[0], parts[1])
	if len(parts) == 3 {
		attr = parts[2]
	}
	return addr, attr, true
}

// attrLookup resolves a node address and attribute name to a realized value.
type attrLookup func(addr, attr string) (any, bool)

// resolveRefs returns a copy of v with every reference replaced by its
// realized value. It fails if a reference cannot be parsed or the target
// attribute is not (yet) available.
func resolveRefs(v any, lookup attrLookup) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, refScheme) {
			return val, nil
		}
		addr, attr, ok := parseRef(val)
		if !ok {
			return nil, fmt.Errorf("%w: malformed reference %q", ErrUnresolvedReference, val)
		}
		resolved, ok := lookup(addr, attr)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no attribute %q", ErrUnresolvedReference, addr, attr)
		}
		return resolved, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			r, err := resolveRefs(v, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			r, err := resolveRefs(v, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
