package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func newSessionCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "Manage agent sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/sessions", nil)
		},
	})

	var bundle string
	create := &cobra.Command{
		Use:   "create [session-id]",
		Short: "Create a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"bundle": bundle}
			if len(args) == 1 {
				body["session_id"] = args[0]
			}
			return c.print(cmd, http.MethodPost, "/api/v1/sessions", body)
		},
	}
	create.Flags().StringVar(&bundle, "bundle", "", "bundle to load (server default when empty)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/sessions/"+pathEscape(args[0]), nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodDelete, "/api/v1/sessions/"+pathEscape(args[0]), nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "label <session-id> <key=value...>",
		Short: "Set metadata labels on a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			labels := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("label %q is not key=value", kv)
				}
				labels[k] = v
			}
			return c.print(cmd, http.MethodPatch, "/api/v1/sessions/"+pathEscape(args[0])+"/metadata", labels)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "exec <session-id> <prompt...>",
		Short: "Run a prompt and print the response",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Response string `json:"response"`
			}
			body := map[string]any{"prompt": strings.Join(args[1:], " ")}
			if err := c.do(http.MethodPost, "/api/v1/sessions/"+pathEscape(args[0])+"/execute", body, &res); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), res.Response)
			return err
		},
	})

	var role string
	inject := &cobra.Command{
		Use:   "inject <session-id> <content...>",
		Short: "Append context without running the session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"content": strings.Join(args[1:], " "), "role": role}
			return c.print(cmd, http.MethodPost, "/api/v1/sessions/"+pathEscape(args[0])+"/inject", body)
		},
	}
	inject.Flags().StringVar(&role, "role", "user", "user, assistant or system")
	cmd.AddCommand(inject)

	cmd.AddCommand(&cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the context log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/sessions/"+pathEscape(args[0])+"/history", nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <session-id>",
		Short: "Clear the context log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodPost, "/api/v1/sessions/"+pathEscape(args[0])+"/clear", nil)
		},
	})

	return cmd
}
