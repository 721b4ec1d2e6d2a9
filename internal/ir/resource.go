package ir

import "fmt"

// Resource is a single declared resource node.
type Resource struct {
	Type       string         `pkl:"type"` // e.g. "aws:acm.Certificate"
	Name       string         `pkl:"name"`
	Provider   string         `pkl:"provider"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle"`
	DependsOn  []string       `pkl:"dependsOn"`
	Count      int            `pkl:"count"`
	ForEach    map[string]any `pkl:"forEach"`
	Timeout    string         `pkl:"timeout"`
	Properties map[string]any `pkl:"properties"`
}

// Lifecycle customizes how the engine treats a resource during planning.
type Lifecycle struct {
	PreventDestroy bool     `pkl:"preventDestroy"`
	IgnoreChanges  []string `pkl:"ignoreChanges"`
}

// Addr returns the node identity, "type.name". No two declared resources
// may share an address.
func (r *Resource) Addr() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}
