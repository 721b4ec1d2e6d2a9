package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/convergo-io/convergo/internal/engine"
	"github.com/convergo-io/convergo/internal/eval"
	"github.com/convergo-io/convergo/internal/ir"
	"github.com/convergo-io/convergo/internal/state"
)

var (
	destroyAutoApprove bool
	destroyParallelism int
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed infrastructure",
	Long: `Destroys all resources tracked in the state file, in reverse
dependency order. Resources whose configuration declares preventDestroy
block the whole operation.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
	destroyCmd.Flags().IntVar(&destroyParallelism, "parallelism", engine.DefaultParallelism, "Maximum number of concurrent provider operations")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	backend, err := openBackend(wd)
	if err != nil {
		return err
	}
	registry := newRegistry()
	eng := engine.NewEngine(registry)
	eng.Parallelism = destroyParallelism

	if err := backend.Lock(); err != nil {
		if errors.Is(err, state.ErrPlanConflict) {
			return fmt.Errorf("%w; another apply may be in progress", err)
		}
		return err
	}
	defer backend.Unlock()

	currentState, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if len(currentState.Resources) == 0 {
		fmt.Println("No resources in state. Nothing to destroy.")
		return nil
	}
	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	// The config is consulted only for preventDestroy declarations; a
	// missing entry point just means nothing is protected.
	var cfg *ir.Config
	if _, statErr := os.Stat(filepath.Join(wd, entryPoint)); statErr == nil {
		evaluator := eval.NewEvaluator(wd)
		cfg, err = evaluator.LoadConfig(ctx, entryPoint, nil)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	plan, err := eng.CreateDestroyPlan(cfg, currentState)
	if err != nil {
		return err
	}

	fmt.Println("Convergo will destroy the following resources:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !destroyAutoApprove {
		fmt.Print("\nDo you really want to destroy all resources? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	fmt.Printf("\nDestroying %d resource(s)...\n", len(plan.Changes))

	result, err := eng.Apply(ctx, plan, currentState, engine.ApplyOptions{
		Callback: renderApplyEvent,
		Commit:   backend.Write,
	})
	if err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}
	if err := result.Err(); err != nil {
		return err
	}

	fmt.Printf("\nDestroy complete! Resources: %d destroyed.\n", plan.Summary.Delete)
	return nil
}
