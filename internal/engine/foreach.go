package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/convergo-io/convergo/internal/ir"
)

// ExpandResources multiplies declarations carrying count or forEach into
// individual nodes before the graph is built, so the rest of the engine
// only ever sees plain resources.
//
// count produces names like "web[0]", "web[1]" with ${count.index}
// substituted; forEach produces `web["key"]` with ${each.key} and
// ${each.value} substituted.
func ExpandResources(resources []*ir.Resource) []*ir.Resource {
	var expanded []*ir.Resource

	for _, res := range resources {
		switch {
		case res.Count > 0:
			for i := 0; i < res.Count; i++ {
				clone := cloneResource(res)
				clone.Name = fmt.Sprintf("%s[%d]", res.Name, i)
				clone.Properties = substitutePlaceholders(clone.Properties, map[string]string{
					"${count.index}": fmt.Sprintf("%d", i),
				})
				expanded = append(expanded, clone)
			}
		case len(res.ForEach) > 0:
			keys := make([]string, 0, len(res.ForEach))
			for k := range res.ForEach {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				clone := cloneResource(res)
				clone.Name = fmt.Sprintf("%s[%q]", res.Name, key)
				clone.Properties = substitutePlaceholders(clone.Properties, map[string]string{
					"${each.key}":   key,
					"${each.value}": fmt.Sprintf("%v", res.ForEach[key]),
				})
				expanded = append(expanded, clone)
			}
		default:
			expanded = append(expanded, res)
		}
	}

	return expanded
}

func cloneResource(res *ir.Resource) *ir.Resource {
	clone := &ir.Resource{
		Type:     res.Type,
		Name:     res.Name,
		Provider: res.Provider,
		Timeout:  res.Timeout,
	}
	if res.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			PreventDestroy: res.Lifecycle.PreventDestroy,
			IgnoreChanges:  append([]string{}, res.Lifecycle.IgnoreChanges...),
		}
	}
	clone.DependsOn = append([]string{}, res.DependsOn...)
	clone.Properties = deepCopyMap(res.Properties)
	return clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

func substitutePlaceholders(props map[string]any, replacements map[string]string) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = substituteValue(v, replacements)
	}
	return out
}

func substituteValue(v any, replacements map[string]string) any {
	switch val := v.(type) {
	case string:
		s := val
		for old, repl := range replacements {
			s = strings.ReplaceAll(s, old, repl)
		}
		return s
	case map[string]any:
		return substitutePlaceholders(val, replacements)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, replacements)
		}
		return out
	default:
		return v
	}
}
