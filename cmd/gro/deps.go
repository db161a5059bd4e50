package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newDepsCommand(app *cli) *cobra.Command {
	var extensions []string
	cmd := &cobra.Command{
		Use:   "deps <file>",
		Short: "Print the files that transitively import a file",
		Long: `Scan the source root and print every file that depends on <file>,
directly or through other imports, one per line.

Example:
  gro deps src/lib/util.ts --ext .svelte`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := app.resolvePath(args[0])
			if err != nil {
				return err
			}
			fl, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer fl.Close()

			if fl.GetByID(target) == nil {
				return fmt.Errorf("%s is not in the graph", target)
			}
			dependents := sortedIDs(fl.FilterDependents(target, extensionFilter(extensions)))
			out := cmd.OutOrStdout()
			for _, id := range dependents {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&extensions, "ext", nil, "only print dependents with these extensions")
	return cmd
}

// extensionFilter accepts ids ending in one of extensions; nil accepts all.
func extensionFilter(extensions []string) func(id string) bool {
	if len(extensions) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(extensions))
	for _, extension := range extensions {
		extension = strings.TrimSpace(extension)
		if extension == "" {
			continue
		}
		if !strings.HasPrefix(extension, ".") {
			extension = "." + extension
		}
		allowed[extension] = struct{}{}
	}
	return func(id string) bool {
		_, ok := allowed[filepath.Ext(id)]
		return ok
	}
}

func sortedIDs(ids map[string]struct{}) []string {
	if len(ids) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return sorted
}
