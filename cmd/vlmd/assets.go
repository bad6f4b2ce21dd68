package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vlmd/internal/registry"
)

func buildAssetsCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "assets",
		Short: "List model assets discovered in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			assets, err := registry.ScanDir(cfg.ModelsDir)
			if err != nil {
				return fmt.Errorf("scan %s: %w", cfg.ModelsDir, err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(assets)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tID\tQUANT\tPATH")
			for _, a := range assets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Kind, a.ID, a.Quant, a.Path)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}
