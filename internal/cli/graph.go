package cli

import (
	"fmt"

	"github.com/emicklei/dot"
	"github.com/spf13/cobra"

	"github.com/convergo-io/convergo/internal/engine"
	"github.com/convergo-io/convergo/internal/eval"
)

var graphCmd = &cobra.Command{
	Use:   "graph [path]",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  convergo graph | dot -Tpng > graph.png`,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	resources := engine.ExpandResources(cfg.Resources)
	graph, err := engine.BuildGraph(resources)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "BT")
	g.NodeInitializer(func(n dot.Node) {
		n.Attr("shape", "rect")
	})

	for _, res := range resources {
		g.Node(res.Addr())
	}
	for _, res := range resources {
		addr := res.Addr()
		for _, dep := range graph.Dependencies(addr) {
			g.Edge(g.Node(addr), g.Node(dep))
		}
	}

	fmt.Println(g.String())
	return nil
}
