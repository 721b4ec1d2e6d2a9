package ir

import "fmt"

// StateVersion is the current on-disk state document version.
const StateVersion = 1

// State is the persisted record of everything the engine has applied.
// Serial increases on every write so concurrent modifications can be
// detected; Lineage identifies the state's origin across backends.
type State struct {
	Version   int              `json:"version"`
	Serial    int              `json:"serial"`
	Lineage   string           `json:"lineage"`
	Resources []*ResourceState `json:"resources"`
	Outputs   map[string]any   `json:"outputs,omitempty"`
}

// ResourceState is the last-applied snapshot of one resource. Inputs holds
// the declared attributes exactly as written (references unresolved), and
// Outputs holds the attributes the provider returned after realization.
type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

func (r *ResourceState) Addr() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}

// Resource returns the state record for addr, or nil if absent.
func (s *State) Resource(addr string) *ResourceState {
	for _, res := range s.Resources {
		if res.Addr() == addr {
			return res
		}
	}
	return nil
}

// Upsert replaces the record with the same address or appends a new one.
func (s *State) Upsert(rec *ResourceState) {
	for i, res := range s.Resources {
		if res.Addr() == rec.Addr() {
			s.Resources[i] = rec
			return
		}
	}
	s.Resources = append(s.Resources, rec)
}

// Remove deletes the record for addr, if present.
func (s *State) Remove(addr string) {
	for i, res := range s.Resources {
		if res.Addr() == addr {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return
		}
	}
}
