package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <method> [params-json]",
		Short: "Send a raw method call to the device",
		Long:  "send performs a handshake if needed, then issues <method> with params decoded from params-json (a JSON array or object; defaults to null).",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			var params any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("parse params-json: %w", err)
				}
			}

			client, closeFn, err := newClient()
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := client.Send(context.Background(), args[0], params)
			if err != nil {
				return fmt.Errorf("send %s: %w", args[0], err)
			}

			if res.Error != nil {
				fmt.Printf("device error %s: %s\n", res.Error.Code, res.Error.Message)
				return nil
			}

			out, err := json.MarshalIndent(json.RawMessage(res.Result), "", "  ")
			if err != nil {
				return fmt.Errorf("format result: %w", err)
			}
			fmt.Println(string(out))

			return nil
		},
	}
}
