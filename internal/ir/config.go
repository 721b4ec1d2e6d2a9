package ir

// Config is the evaluated desired-state document: the full set of declared
// resources plus output expressions.
type Config struct {
	Resources []*Resource    `pkl:"resources"`
	Outputs   map[string]any `pkl:"outputs"`
}
