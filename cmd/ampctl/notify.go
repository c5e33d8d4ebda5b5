package main

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newNotifyCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send and inspect notifications",
	}

	var channel, sender, subject, sessionID string
	ingest := &cobra.Command{
		Use:   "ingest <content...>",
		Short: "Route a notification through the rules and print the decision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodPost, "/api/v1/notifications/ingest", map[string]string{
				"channel":    channel,
				"sender":     sender,
				"subject":    subject,
				"content":    strings.Join(args, " "),
				"session_id": sessionID,
			})
		},
	}
	ingest.Flags().StringVar(&channel, "channel", "cli", "source channel")
	ingest.Flags().StringVar(&sender, "sender", "ampctl", "sender")
	ingest.Flags().StringVar(&subject, "subject", "", "subject line")
	ingest.Flags().StringVar(&sessionID, "session", "", "session hint")
	cmd.AddCommand(ingest)

	var body, urgency string
	var devices []string
	push := &cobra.Command{
		Use:   "push <title...>",
		Short: "Push directly to devices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodPost, "/api/v1/notifications/push", map[string]any{
				"title":      strings.Join(args, " "),
				"body":       body,
				"urgency":    urgency,
				"device_ids": devices,
			})
		},
	}
	push.Flags().StringVar(&body, "body", "", "notification body")
	push.Flags().StringVar(&urgency, "urgency", "", "low, normal, high or urgent")
	push.Flags().StringSliceVar(&devices, "device", nil, "target device (repeatable; all devices when omitted)")
	cmd.AddCommand(push)

	var drain bool
	summary := &cobra.Command{
		Use:   "summary [session-id]",
		Short: "Show what was summarized for a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := "default"
			if len(args) == 1 {
				id = args[0]
			}
			return c.print(cmd, http.MethodGet, "/api/v1/sessions/"+pathEscape(id)+"/summary?drain="+strconv.FormatBool(drain), nil)
		},
	}
	summary.Flags().BoolVar(&drain, "drain", false, "empty the summary after reading")
	cmd.AddCommand(summary)

	cmd.AddCommand(&cobra.Command{
		Use:   "suppressed",
		Short: "Show suppression counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/notifications/suppressed", nil)
		},
	})

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the newest routed notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/notifications/recent?limit="+strconv.Itoa(limit), nil)
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "number of records")
	cmd.AddCommand(recent)

	return cmd
}

func newFocusCmd(c *client) *cobra.Command {
	set := func(active *bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodPut, "/api/v1/focus", map[string]*bool{"active": active})
		}
	}
	on, off := true, false

	cmd := &cobra.Command{
		Use:   "focus",
		Short: "Show or change focus mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/focus", nil)
		},
	}
	cmd.AddCommand(
		&cobra.Command{Use: "on", Short: "Hold back everything but VIPs and mentions", RunE: set(&on)},
		&cobra.Command{Use: "off", Short: "Turn focus mode off", RunE: set(&off)},
		&cobra.Command{Use: "clear", Short: "Follow the rule file again", RunE: set(nil)},
	)
	return cmd
}

func newDevicesCmd(c *client) *cobra.Command {
	var tag, platform string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List connected devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if tag != "" {
				q.Set("tag", tag)
			}
			if platform != "" {
				q.Set("platform", platform)
			}
			path := "/api/v1/devices"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return c.print(cmd, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only devices with this tag")
	cmd.Flags().StringVar(&platform, "platform", "", "only devices on this platform")
	return cmd
}
