package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gro/internal/disknode"
)

type graphNode struct {
	ID           string   `json:"id" yaml:"id"`
	External     bool     `json:"external,omitempty" yaml:"external,omitempty"`
	Exists       bool     `json:"exists" yaml:"exists"`
	Hash         string   `json:"hash,omitempty" yaml:"hash,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

type graphDump struct {
	Root  string      `json:"root" yaml:"root"`
	Nodes []graphNode `json:"nodes" yaml:"nodes"`
}

func newGraphCommand(app *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Dump the dependency graph",
		Long: `Scan the source root and write every tracked file with its hash and
direct dependencies.

Example:
  gro graph --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}
			fl, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer fl.Close()

			dump := graphDump{Root: fl.Root(), Nodes: []graphNode{}}
			// Nodes are read inside the predicate, under the filer's lock.
			fl.Filter(func(node *disknode.Disknode) bool {
				dump.Nodes = append(dump.Nodes, describeNode(node))
				return false
			})
			sort.Slice(dump.Nodes, func(i, j int) bool { return dump.Nodes[i].ID < dump.Nodes[j].ID })
			return writeGraph(cmd.OutOrStdout(), format, dump)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json or yaml)")
	return cmd
}

func describeNode(node *disknode.Disknode) graphNode {
	described := graphNode{
		ID:       node.ID,
		External: node.External,
		Exists:   node.Exists(),
		Hash:     node.ContentHash,
	}
	for id := range node.Dependencies {
		described.Dependencies = append(described.Dependencies, id)
	}
	sort.Strings(described.Dependencies)
	return described
}

func writeGraph(out io.Writer, format string, dump graphDump) error {
	if format == "yaml" {
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(dump); err != nil {
			return fmt.Errorf("encode graph: %w", err)
		}
		return encoder.Close()
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(dump); err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	return nil
}
