package main

import (
	"github.com/spf13/cobra"
)

func newQueryCommand(a *app) *cobra.Command {
	var ef entityFlags

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a one-shot queryContext and print the elements",
		Example: `  ngsi query --id Room1 --type Room
  ngsi query --id '/Room.*/' --type Room --attr temperature`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := ef.descriptor()
			if err != nil {
				return err
			}

			client, err := a.newBroker()
			if err != nil {
				return err
			}
			defer client.Close()

			e, err := a.openStream(client, d)
			if err != nil {
				return err
			}
			defer a.closeStream(e)

			return printElements(cmd.Context(), cmd.OutOrStdout(), e)
		},
	}
	ef.register(cmd)
	return cmd
}
