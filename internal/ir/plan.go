package ir

// Action is the operation a change entry performs against the remote API.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionNoOp   Action = "NOOP"
)

// Plan is an ordered change-set reconciling desired configuration with state.
type Plan struct {
	Metadata *PlanMetadata  `json:"metadata"`
	Changes  []*Change      `json:"changes"`
	Summary  *PlanSummary   `json:"summary"`
	Outputs  map[string]any `json:"outputs,omitempty"`
}

type PlanMetadata struct {
	Timestamp string `json:"timestamp"`
}

// Change is one entry of the change-set. Dependencies lists the addresses of
// other entries that must reach a terminal status before this entry may
// start: for creates and updates these are the resources this one reads
// from, for deletes they are the resources that read from this one.
type Change struct {
	Address      string                    `json:"address"`
	Action       Action                    `json:"action"`
	Desired      *Resource                 `json:"desired,omitempty"`
	Prior        *ResourceState            `json:"prior,omitempty"`
	Diff         map[string]*AttributeDiff `json:"diff,omitempty"`
	Dependencies []string                  `json:"dependencies,omitempty"`
}

// AttributeDiff records a single attribute-level difference.
type AttributeDiff struct {
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
	Action string `json:"action"` // "create", "update", "delete"
}

type PlanSummary struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	NoOp   int `json:"noop"`
}

// Empty reports whether the plan contains no changes.
func (p *Plan) Empty() bool {
	return len(p.Changes) == 0
}
