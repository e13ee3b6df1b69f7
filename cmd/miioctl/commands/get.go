package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihome-go/miioc/miio"
)

func getPropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-prop <property> [property...]",
		Short: "Query one or more device properties via get_prop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client, closeFn, err := newClient()
			if err != nil {
				return err
			}
			defer closeFn()

			values, err := miio.SendAs[[]any](context.Background(), client, "get_prop", args)
			if err != nil {
				return fmt.Errorf("get_prop: %w", err)
			}

			for i, prop := range args {
				if i < len(values) {
					fmt.Printf("%s: %v\n", prop, values[i])
				} else {
					fmt.Printf("%s: <no value returned>\n", prop)
				}
			}

			return nil
		},
	}
}
