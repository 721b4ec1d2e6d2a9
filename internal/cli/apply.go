package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/convergo-io/convergo/internal/engine"
	"github.com/convergo-io/convergo/internal/eval"
	"github.com/convergo-io/convergo/internal/ir"
	"github.com/convergo-io/convergo/internal/state"
)

var (
	applyAutoApprove bool
	applyParallelism int
	applyProperties  map[string]string
)

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Apply a configuration",
	Long:  `Builds or changes infrastructure according to Convergo configuration files.`,
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", engine.DefaultParallelism, "Maximum number of concurrent provider operations")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runApply(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	backend, err := openBackend(wd)
	if err != nil {
		return err
	}
	registry := newRegistry()
	eng := engine.NewEngine(registry)
	eng.Parallelism = applyParallelism

	if err := backend.Lock(); err != nil {
		if errors.Is(err, state.ErrPlanConflict) {
			return fmt.Errorf("%w; another apply may be in progress", err)
		}
		return err
	}
	defer backend.Unlock()

	fmt.Print("Loading configuration... ")
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, applyProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Println("OK")

	if err := loadRequiredProviders(registry, cfg); err != nil {
		return err
	}

	currentState, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(cfg, currentState)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if plan.Empty() {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nConvergo will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !applyAutoApprove {
		fmt.Print("\nDo you want to perform these actions? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Printf("\nApplying %d change(s)...\n", len(plan.Changes))

	result, err := eng.Apply(ctx, plan, currentState, engine.ApplyOptions{
		Callback: renderApplyEvent,
		Commit:   backend.Write,
	})
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}
	if err := result.Err(); err != nil {
		return err
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Delete)

	if len(currentState.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for _, k := range sortedKeys(currentState.Outputs) {
			fmt.Printf("  %s = %v\n", k, currentState.Outputs[k])
		}
	}

	return nil
}

// renderApplyEvent prints per-entry progress as the walk advances.
func renderApplyEvent(event engine.ApplyEvent) {
	switch event.Status {
	case engine.StatusInProgress:
		fmt.Printf("%s: %s...\n", event.Address, presentTense(event.Action))
	case engine.StatusApplied:
		fmt.Printf("%s: %s complete after %s\n", event.Address, presentTense(event.Action), event.Duration.Round(time.Millisecond))
	case engine.StatusFailed:
		fmt.Printf("%s%s: failed after %d attempt(s): %v%s\n", colorRed, event.Address, event.Attempts, event.Err, colorReset)
	case engine.StatusSkipped:
		fmt.Printf("%s%s: skipped: %v%s\n", colorYellow, event.Address, event.Err, colorReset)
	}
}

func presentTense(action ir.Action) string {
	switch action {
	case ir.ActionCreate:
		return "Creating"
	case ir.ActionUpdate:
		return "Updating"
	case ir.ActionDelete:
		return "Destroying"
	}
	return "Reconciling"
}
