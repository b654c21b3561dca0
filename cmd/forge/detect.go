package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/splax/imageforge/internal/detect"
	"github.com/splax/imageforge/internal/generate"
)

func (c *cli) detectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect [dir]",
		Short: "List the applications found in a checkout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := checkoutArg(args)
			if err != nil {
				return err
			}
			structure, err := detect.Detect(dir)
			if err != nil {
				return err
			}
			if c.conf.GetBool("json") {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(structure)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tPATH\tFRAMEWORK\tRUNTIME\tPORT\tROLE")
			for _, app := range structure.Applications {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					generate.NormalizeServiceName(app.Path), app.Path, app.Framework, app.Runtime, app.Port, app.Role)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print the detection result as JSON")
	return cmd
}
