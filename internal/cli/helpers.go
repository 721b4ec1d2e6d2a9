package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/convergo-io/convergo/internal/ir"
	"github.com/convergo-io/convergo/internal/provider"
	"github.com/convergo-io/convergo/internal/state"
	"github.com/convergo-io/convergo/providers/aws"
	"github.com/convergo-io/convergo/providers/docker"
	"github.com/convergo-io/convergo/providers/null"
)

// resolveWorkdir maps the optional positional argument onto a project
// directory and an entry point file.
func resolveWorkdir(args []string) (wd, entryPoint string, err error) {
	wd, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint = "main.pkl"

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}
	return wd, entryPoint, nil
}

// newRegistry returns a registry with every built-in provider registered.
// Providers are instantiated lazily, so registering all of them is free.
func newRegistry() *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register("null", func() provider.Interface { return null.New() })
	registry.Register("aws", func() provider.Interface { return aws.New() })
	registry.Register("docker", func() provider.Interface { return docker.New() })
	return registry
}

// loadRequiredProviders loads every provider referenced by config resources.
func loadRequiredProviders(registry *provider.Registry, cfg *ir.Config) error {
	seen := make(map[string]bool)
	for _, res := range cfg.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.Load(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// loadStateProviders loads every provider referenced by state resources,
// needed for deletes of resources no longer in the config.
func loadStateProviders(registry *provider.Registry, st *ir.State) error {
	seen := make(map[string]bool)
	for _, res := range st.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.Load(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// openBackend selects the state backend for a project directory: a
// .convergo/backend.json file configures a remote backend, otherwise state
// lives in .convergo/state.json next to the configuration.
func openBackend(wd string) (state.Backend, error) {
	cfgPath := filepath.Join(wd, ".convergo", "backend.json")
	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return state.NewLocalBackend(filepath.Join(wd, ".convergo", "state.json")), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backend config: %w", err)
	}

	var cfg state.BackendConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse backend config %s: %w", cfgPath, err)
	}
	return state.NewBackend(&cfg)
}

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

func actionColor(action ir.Action) string {
	switch action {
	case ir.ActionCreate:
		return colorGreen
	case ir.ActionDelete:
		return colorRed
	case ir.ActionUpdate:
		return colorYellow
	}
	return colorReset
}

func actionSymbol(action ir.Action) string {
	switch action {
	case ir.ActionCreate:
		return "+"
	case ir.ActionDelete:
		return "-"
	case ir.ActionUpdate:
		return "~"
	}
	return " "
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		color := actionColor(change.Action)

		var resourceType, resourceName string
		if change.Desired != nil {
			resourceType = change.Desired.Type
			resourceName = change.Desired.Name
		} else if change.Prior != nil {
			resourceType = change.Prior.Type
			resourceName = change.Prior.Name
		}

		fmt.Printf("\n%s  # %s will be %s%s\n", color, change.Address, change.Action, colorReset)
		fmt.Printf("%s  %s resource \"%s\" \"%s\" {\n", color, actionSymbol(change.Action), resourceType, resourceName)
		renderAttributeDiff(change.Diff, color)
		fmt.Printf("%s  }%s\n", color, colorReset)
	}
}

// renderAttributeDiff prints attribute-level differences.
func renderAttributeDiff(diff map[string]*ir.AttributeDiff, color string) {
	for _, key := range sortedKeys(diff) {
		d := diff[key]
		switch d.Action {
		case "create":
			fmt.Printf("%s      + %s = %v%s\n", colorGreen, key, formatValue(d.After), colorReset)
		case "delete":
			fmt.Printf("%s      - %s = %v%s\n", colorRed, key, formatValue(d.Before), colorReset)
		case "update":
			fmt.Printf("%s      ~ %s = %v -> %v%s\n", colorYellow, key, formatValue(d.Before), formatValue(d.After), colorReset)
		default:
			fmt.Printf("%s        %s = %v\n", color, key, formatValue(d.After))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create: %d\n", plan.Summary.Create)
	fmt.Printf("  Update: %d\n", plan.Summary.Update)
	fmt.Printf("  Delete: %d\n", plan.Summary.Delete)
	fmt.Printf("  NoOp:   %d\n", plan.Summary.NoOp)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
