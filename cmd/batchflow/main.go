// Command batchflow inspects dataflow graph definitions without running
// them.
//
// Usage:
//
//	batchflow validate -f graph.yaml   # structural validation
//	batchflow plan -f graph.yaml       # show the batching plan
//	batchflow version                  # show version information
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/graph"
	"github.com/BaSui01/batchflow/rewrite"
)

// Injected at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidate(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "version":
		fmt.Printf("batchflow %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runValidate(args []string) {
	g, _ := loadGraph("validate", args)
	fmt.Printf("OK: %d nodes, %d edges\n", g.Len(), len(g.Edges()))
}

func runPlan(args []string) {
	g, logger := loadGraph("plan", args)

	_, report, err := rewrite.Rewrite(g, logger)
	if err != nil {
		fatal("rewrite failed: %v", err)
	}

	fmt.Printf("Batch groups: %d\n", len(report.Groups))
	for _, grp := range report.Groups {
		fmt.Printf("  %s (source=%s shape=%s): %s\n",
			grp.BatchNode, grp.SourceKey, grp.RequestShape, strings.Join(grp.Members, ", "))
	}
	fmt.Printf("Singleton calls: %d\n", len(report.Singletons))
	for _, id := range report.Singletons {
		fmt.Printf("  %s\n", id)
	}
	if len(report.Excluded) > 0 {
		fmt.Printf("Excluded from batching:\n")
		for _, ex := range report.Excluded {
			fmt.Printf("  %s: %s\n", ex.NodeID, ex.Reason)
		}
	}
}

// loadGraph parses shared flags and loads the graph definition.
func loadGraph(cmd string, args []string) (*graph.Graph, *zap.Logger) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	file := fs.String("f", "", "Path to graph definition (.yaml, .yml or .json)")
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	if *file == "" {
		fatal("missing -f <graph definition>")
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fatal("failed to load config: %v", err)
	}
	logger, err := config.BuildLogger(cfg.Log)
	if err != nil {
		fatal("failed to build logger: %v", err)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fatal("read graph file: %v", err)
	}
	var def *graph.Definition
	switch filepath.Ext(*file) {
	case ".yaml", ".yml":
		def, err = graph.FromYAML(string(data))
	case ".json":
		def, err = graph.FromJSON(string(data))
	default:
		fatal("unsupported definition format: %s", *file)
	}
	if err != nil {
		fatal("invalid graph definition: %v", err)
	}

	// Inspection never executes nodes, so referenced functions are
	// satisfied with nil stubs instead of a real registry.
	registry := make(graph.Registry)
	for _, nd := range def.Nodes {
		if nd.Fn != "" {
			registry[nd.Fn] = nil
		}
	}
	g, err := def.Compile(registry)
	if err != nil {
		fatal("invalid graph: %v", err)
	}
	return g, logger
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Print(`batchflow - dataflow graph inspection tool

Usage:
  batchflow validate -f graph.yaml   Validate a graph definition
  batchflow plan -f graph.yaml       Show which calls will be batched
  batchflow version                  Show version information

Flags:
  -f <file>        Graph definition file (.yaml, .yml or .json)
  -config <file>   Optional config file for log settings
`)
}
