// Package main provides the veccy CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skanga/veccy/pkg/persist"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "veccy",
		Short: "veccy - embeddable vector database",
		Long: `veccy is an embeddable vector database written in Go.

It stores high-dimensional vectors with arbitrary metadata and answers
approximate or exact k-nearest-neighbor queries under cosine, L2, or
inner-product distance. Indexes: exhaustive flat scan and HNSW.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("veccy v%s (%s)\n", version, commit)
		},
	})

	inspectCmd := &cobra.Command{
		Use:   "inspect <snapshot-dir>",
		Short: "List and verify the snapshots in a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	rootCmd.AddCommand(inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	dir := args[0]
	manifests, err := persist.ListManifests(dir)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("no snapshots found")
		return nil
	}

	for _, m := range manifests {
		status := "ok"
		if err := persist.Verify(dir, m); err != nil {
			status = fmt.Sprintf("CORRUPT: %v", err)
		}
		fmt.Printf("snapshot %d\n", m.CreatedAt)
		fmt.Printf("  index:      %s (%s)\n", m.IndexType, m.IndexFile)
		fmt.Printf("  vectors:    %s\n", m.VectorsFile)
		fmt.Printf("  dimensions: %d, metric: %s\n", m.Dimensions, m.Metric)
		fmt.Printf("  status:     %s\n", status)
	}
	return nil
}
