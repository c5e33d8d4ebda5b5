package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/notify"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
)

// instrument wraps a tool handler with metrics and error logging.
func instrument[In, Out any](s *Server, name string, fn func(context.Context, In) (Out, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.track(ctx, name, 1)
		out, err := fn(ctx, args)
		s.metrics.track(ctx, name, -1)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", name), zap.Error(err))
		}
		return nil, out, err
	}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_list",
		Description: "List agent sessions and their states",
	}, instrument(s, "session_list", s.sessionList))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_create",
		Description: "Create an agent session for a bundle",
	}, instrument(s, "session_create", s.sessionCreate))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_execute",
		Description: "Run a prompt in a session and return the response",
	}, instrument(s, "session_execute", s.sessionExecute))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_inject",
		Description: "Append context to a session without running it",
	}, instrument(s, "session_inject", s.sessionInject))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "notification_summary",
		Description: "Summarized notifications for a session (what did I miss?)",
	}, instrument(s, "notification_summary", s.notificationSummary))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "device_push",
		Description: "Push a notification to devices; no device_ids broadcasts",
	}, instrument(s, "device_push", s.devicePush))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "device_list",
		Description: "List known devices, optionally filtered by tag or platform",
	}, instrument(s, "device_list", s.deviceList))
}

// ===== SESSION TOOLS =====

type sessionOutput struct {
	SessionID    string `json:"session_id"`
	Bundle       string `json:"bundle"`
	State        string `json:"state"`
	MessageCount int    `json:"message_count"`
	LastActivity string `json:"last_activity"`
	LastError    string `json:"last_error,omitempty"`
}

func toSessionOutput(info session.Info) sessionOutput {
	return sessionOutput{
		SessionID:    info.ID,
		Bundle:       info.Bundle,
		State:        string(info.State),
		MessageCount: info.MessageCount,
		LastActivity: info.LastActivity.UTC().Format(time.RFC3339),
		LastError:    info.LastError,
	}
}

type sessionListInput struct{}

type sessionListOutput struct {
	Sessions []sessionOutput `json:"sessions"`
	Count    int             `json:"count"`
}

func (s *Server) sessionList(_ context.Context, _ sessionListInput) (sessionListOutput, error) {
	infos := s.services.Sessions().List()
	out := sessionListOutput{Sessions: make([]sessionOutput, 0, len(infos)), Count: len(infos)}
	for _, info := range infos {
		out.Sessions = append(out.Sessions, toSessionOutput(info))
	}
	return out, nil
}

type sessionCreateInput struct {
	Bundle    string `json:"bundle,omitempty" jsonschema:"Bundle to load; the server default when omitted"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session identifier; generated when omitted"`
}

func (s *Server) sessionCreate(ctx context.Context, args sessionCreateInput) (sessionOutput, error) {
	info, err := s.services.Sessions().Create(ctx, args.Bundle, args.SessionID)
	if err != nil {
		return sessionOutput{}, err
	}
	return toSessionOutput(*info), nil
}

type sessionExecuteInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
	Prompt    string `json:"prompt" jsonschema:"Prompt to run"`
}

type sessionExecuteOutput struct {
	SessionID  string `json:"session_id"`
	Response   string `json:"response"`
	Seq        uint64 `json:"seq"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) sessionExecute(ctx context.Context, args sessionExecuteInput) (sessionExecuteOutput, error) {
	res, err := s.services.Execute(ctx, args.SessionID, args.Prompt)
	if err != nil {
		return sessionExecuteOutput{}, err
	}
	return sessionExecuteOutput{
		SessionID:  res.SessionID,
		Response:   res.Response,
		Seq:        res.Seq,
		DurationMS: res.Duration.Milliseconds(),
	}, nil
}

type sessionInjectInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
	Content   string `json:"content" jsonschema:"Context to append"`
	Role      string `json:"role,omitempty" jsonschema:"user, assistant or system (default user)"`
}

type statusOutput struct {
	Status string `json:"status"`
}

func (s *Server) sessionInject(ctx context.Context, args sessionInjectInput) (statusOutput, error) {
	role, err := session.ParseRole(args.Role)
	if err != nil {
		return statusOutput{}, err
	}
	if err := s.services.Sessions().Inject(ctx, args.SessionID, args.Content, role); err != nil {
		return statusOutput{}, err
	}
	return statusOutput{Status: "injected"}, nil
}

// ===== NOTIFICATION TOOLS =====

type notificationSummaryInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session whose summary to read; the default bucket when omitted"`
	Drain     bool   `json:"drain,omitempty" jsonschema:"Empty the summary after reading"`
}

type summaryEntry struct {
	ArrivedAt string `json:"arrived_at"`
	App       string `json:"app"`
	Sender    string `json:"sender"`
	Subject   string `json:"subject,omitempty"`
	Content   string `json:"content"`
	Priority  string `json:"priority"`
}

type notificationSummaryOutput struct {
	SessionID string         `json:"session_id"`
	Entries   []summaryEntry `json:"entries"`
	Evicted   int64          `json:"evicted"`
	Text      string         `json:"text"`
}

func (s *Server) notificationSummary(_ context.Context, args notificationSummaryInput) (notificationSummaryOutput, error) {
	sum := s.services.Notifications().Summary(args.SessionID, args.Drain)
	out := notificationSummaryOutput{
		SessionID: sum.SessionID,
		Entries:   make([]summaryEntry, 0, len(sum.Entries)),
		Evicted:   sum.Evicted,
		Text:      renderSummary(sum),
	}
	for _, e := range sum.Entries {
		out.Entries = append(out.Entries, summaryEntry{
			ArrivedAt: e.ArrivedAt.UTC().Format(time.RFC3339),
			App:       e.App,
			Sender:    e.Sender,
			Subject:   e.Subject,
			Content:   e.Content,
			Priority:  e.Priority.String(),
		})
	}
	return out, nil
}

// renderSummary is a compact, one-line-per-entry digest for agents.
func renderSummary(sum notify.Summary) string {
	if len(sum.Entries) == 0 {
		return "No new notifications."
	}
	text := fmt.Sprintf("%d notification(s):\n", len(sum.Entries))
	for _, e := range sum.Entries {
		line := e.Content
		if e.Subject != "" {
			line = e.Subject + ": " + e.Content
		}
		text += fmt.Sprintf("- [%s] %s (%s): %s\n", e.ArrivedAt.UTC().Format("15:04"), e.Sender, e.App, line)
	}
	if sum.Evicted > 0 {
		text += fmt.Sprintf("(%d older notification(s) dropped)\n", sum.Evicted)
	}
	return text
}

// ===== DEVICE TOOLS =====

type devicePushInput struct {
	Title     string   `json:"title" jsonschema:"Notification title"`
	Body      string   `json:"body,omitempty" jsonschema:"Notification body"`
	Urgency   string   `json:"urgency,omitempty" jsonschema:"low, normal, high or urgent"`
	Rationale string   `json:"rationale,omitempty" jsonschema:"Why the user should see this"`
	DeviceIDs []string `json:"device_ids,omitempty" jsonschema:"Target devices; all devices when omitted"`
	SessionID string   `json:"session_id,omitempty" jsonschema:"Session sending the push"`
}

type devicePushOutput struct {
	Results []device.Delivery `json:"results"`
	Sent    int               `json:"sent"`
}

func (s *Server) devicePush(ctx context.Context, args devicePushInput) (devicePushOutput, error) {
	deliveries, err := s.services.Notifications().Push(ctx, notify.PushRequest{
		DeviceIDs: args.DeviceIDs,
		Title:     args.Title,
		Body:      args.Body,
		Urgency:   args.Urgency,
		Rationale: args.Rationale,
		AppSource: "mcp",
		SessionID: args.SessionID,
	})
	if err != nil {
		return devicePushOutput{}, err
	}
	out := devicePushOutput{Results: deliveries}
	if out.Results == nil {
		out.Results = []device.Delivery{}
	}
	for _, d := range deliveries {
		if d.Status == device.StatusDelivered {
			out.Sent++
		}
	}
	return out, nil
}

type deviceListInput struct {
	Tag      string `json:"tag,omitempty" jsonschema:"Only devices with this tag"`
	Platform string `json:"platform,omitempty" jsonschema:"Only devices on this platform"`
}

type deviceOutput struct {
	DeviceID string   `json:"device_id"`
	Name     string   `json:"name,omitempty"`
	Platform string   `json:"platform"`
	State    string   `json:"state"`
	Tags     []string `json:"tags,omitempty"`
	Pending  int      `json:"pending"`
}

type deviceListOutput struct {
	Devices []deviceOutput `json:"devices"`
	Count   int            `json:"count"`
}

func (s *Server) deviceList(_ context.Context, args deviceListInput) (deviceListOutput, error) {
	var filter device.Filter = device.All
	switch {
	case args.Tag != "" && args.Platform != "":
		filter = device.And(device.HasTag(args.Tag), device.OnPlatform(args.Platform))
	case args.Tag != "":
		filter = device.HasTag(args.Tag)
	case args.Platform != "":
		filter = device.OnPlatform(args.Platform)
	}

	out := deviceListOutput{Devices: []deviceOutput{}}
	for _, info := range s.services.Devices().List() {
		if !filter(info) {
			continue
		}
		out.Devices = append(out.Devices, deviceOutput{
			DeviceID: info.ID,
			Name:     info.Metadata.Name,
			Platform: info.Metadata.Platform,
			State:    string(info.State),
			Tags:     info.Metadata.Tags,
			Pending:  info.Pending,
		})
	}
	out.Count = len(out.Devices)
	return out, nil
}
