// Package main implements ampctl, a command-line client for the amplifierd HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// client calls the amplifierd API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 2 * time.Minute}}

	root := &cobra.Command{
		Use:   "ampctl",
		Short: "CLI for the amplifierd HTTP API",
		Long: `ampctl talks to a running amplifierd: manage sessions, send and inspect
notifications, toggle focus mode, list devices and manage API keys.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "server", envOr("AMPLIFIER_URL", "http://localhost:8420"), "amplifierd server URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", os.Getenv("AMPLIFIER_API_KEY"), "API key (default $AMPLIFIER_API_KEY)")

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodGet, "/health", nil)
		},
	})
	root.AddCommand(newSessionCmd(c), newNotifyCmd(c), newFocusCmd(c), newDevicesCmd(c), newKeysCmd(c), newTopCmd(c))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// do sends body as JSON and decodes a JSON answer into out. Non-2xx answers
// become errors carrying the server's message.
func (c *client) do(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(raw)
	}

	u := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequest(method, u, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// print performs the call and writes the answer as indented JSON.
func (c *client) print(cmd *cobra.Command, method, path string, body any) error {
	var out json.RawMessage
	if err := c.do(method, path, body, &out); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, out, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}

func pathEscape(s string) string { return url.PathEscape(s) }
