package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergo-io/convergo/internal/engine"
	"github.com/convergo-io/convergo/internal/eval"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate the configuration",
	Long: `Evaluates the configuration and checks the resource graph without
touching state or remote APIs: type errors, duplicate addresses, unresolved
references, and dependency cycles are all reported here.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, nil)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	resources := engine.ExpandResources(cfg.Resources)
	if _, err := engine.BuildGraph(resources); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid. %d resource(s) declared.\n", len(resources))
	return nil
}
