package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/splax/imageforge/internal/detect"
	"github.com/splax/imageforge/internal/generate"
)

func (c *cli) generateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [dir]",
		Short: "Write Dockerfiles, compose file and deployment notes into a checkout",
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
			res, err := generate.New(dir, generate.Options{ImagePrefix: c.conf.GetString("prefix")}).GenerateAll(structure)
			for _, f := range res.Files {
				fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s\n", f.Action, f.Path)
			}
			for path, genErr := range res.Failed {
				c.log.Error("application not generated", "path", path, "error", genErr)
			}
			if err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().String("prefix", "", "image name prefix used in the compose file")
	return cmd
}
