package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newKeysCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage per-device API keys (requires the admin key)",
	}

	var (
		device  string
		expires int
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Issue a key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": args[0]}
			if device != "" {
				body["device_id"] = device
			}
			if expires > 0 {
				body["expires_days"] = expires
			}
			return c.print(cmd, http.MethodPost, "/api/v1/admin/keys", body)
		},
	}
	create.Flags().StringVar(&device, "device", "", "bind the key to one device id")
	create.Flags().IntVar(&expires, "expires-days", 0, "days until the key expires (0 never)")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "list",
			Short: "List issued keys",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.print(cmd, http.MethodGet, "/api/v1/admin/keys", nil)
			},
		},
		&cobra.Command{
			Use:   "revoke <id>",
			Short: "Revoke a key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.do(http.MethodDelete, "/api/v1/admin/keys/"+pathEscape(args[0]), nil, nil); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return err
			},
		},
	)
	return cmd
}
