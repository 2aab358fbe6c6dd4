package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/fleet/internal/config"
	"github.com/wesleyorama2/fleet/internal/output"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate CAMPAIGN_FILE...",
		Short: "Check campaign files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noColor, _ := cmd.Flags().GetBool("no-color")
			noColor = !output.UseColors(cmd.OutOrStdout(), noColor)
			out := cmd.OutOrStdout()

			invalid := 0
			for _, path := range args {
				file, err := config.LoadCampaign(path)
				if err != nil {
					invalid++
					fmt.Fprintf(out, "%s %s\n", output.ErrorIcon(noColor), path)
					var verrs *config.ValidationErrors
					if errors.As(err, &verrs) {
						for _, e := range verrs.Errors {
							fmt.Fprintf(out, "  - %s\n", e.Error())
						}
					} else {
						fmt.Fprintf(out, "  - %s\n", err)
					}
					continue
				}
				fmt.Fprintf(out, "%s %s: campaign %s, %d scenario(s), %d factory(ies)\n",
					output.SuccessIcon(noColor), path, file.Key, len(file.Scenarios), len(file.Factories))
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d campaign file(s) are invalid", invalid, len(args))
			}
			return nil
		},
	}
}
