package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newValidateCmd())
}

func newValidateCmd() *cobra.Command {
	var loadModule bool

	cmd := &cobra.Command{
		Use:   "validate <manifest.yaml>",
		Short: "Check a manifest without running guest code",
		Long: `Validate the manifest against its schema, resolve every secret it
references and confirm each declared backend is known. With --module the
guest module is also fetched and compiled.`,
		Args: cobra.ExactArgs(1),
		RunE: withContainer(func(ctx *CommandContext, cmd *cobra.Command, _ []string) error {
			m := ctx.Container.Manifest()
			out := cmd.OutOrStdout()

			if loadModule {
				mod, err := ctx.Container.LoadModule(ctx.Context)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "module %s compiled\n", mod.Name())
			}

			decls := m.Declarations()
			sort.Slice(decls, func(i, j int) bool {
				if decls[i].Resource != decls[j].Resource {
					return decls[i].Resource < decls[j].Resource
				}
				return decls[i].Name < decls[j].Name
			})
			for _, d := range decls {
				fmt.Fprintf(out, "  %-24s %s\n", d.Resource, d.Name)
			}
			fmt.Fprintf(out, "manifest %s is valid (%d capabilities)\n", m.Path, len(decls))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&loadModule, "module", false, "also fetch and compile the guest module")
	return cmd
}
