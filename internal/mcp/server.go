// Package mcp exposes the engine operations as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/mend/internal/activity"
	"github.com/vthunder/mend/internal/crystal"
	"github.com/vthunder/mend/internal/engine"
	"github.com/vthunder/mend/internal/heuristic"
	"github.com/vthunder/mend/internal/logging"
	"github.com/vthunder/mend/internal/reconcile"
)

// Engine is what the tools drive; *engine.Engine implements it
type Engine interface {
	Reconcile(ctx context.Context, limit int) (*reconcile.Report, error)
	DetectDeadlock(ctx context.Context) (reconcile.Assessment, error)
	RunCrystallizationCycle(ctx context.Context) (*crystal.Outcome, error)
	ApplyConnectionHeuristic(ctx context.Context, threshold float64, maxConnections int) (heuristic.Result, error)
	Stats(ctx context.Context) (map[string]int, error)
	AddNode(ctx context.Context, in engine.NodeInput) (string, error)
}

// Defaults used when a tool call omits an argument
type Defaults struct {
	ReconcileLimit     int
	HeuristicThreshold float64
	HeuristicMax       int
}

// Server binds tools to an engine
type Server struct {
	engine   Engine
	activity *activity.Log
	defaults Defaults
	mcp      *server.MCPServer
}

// NewServer registers every tool. log may be nil, which drops the
// recent_activity tool.
func NewServer(eng Engine, log *activity.Log, defaults Defaults, version string) *Server {
	s := &Server{
		engine:   eng,
		activity: log,
		defaults: defaults,
		mcp:      server.NewMCPServer("mend", version, server.WithToolCapabilities(true)),
	}

	s.mcp.AddTool(mcpgo.NewTool("reconcile",
		mcpgo.WithDescription("Connect orphaned nodes to the rest of the graph. Returns the run report: connections by strategy, retries, force-mode and emergency actions."),
		mcpgo.WithNumber("limit", mcpgo.Description("Maximum orphans to consider (default from config)")),
	), s.handleReconcile)

	s.mcp.AddTool(mcpgo.NewTool("detect_deadlock",
		mcpgo.WithDescription("Assess graph connectivity: orphan count, edges created in the monitor window and a severity of none, medium, high or critical."),
	), s.handleDeadlock)

	s.mcp.AddTool(mcpgo.NewTool("crystallize",
		mcpgo.WithDescription("Run one crystallization cycle: gather old orphans and crystals, request proposals, pick one at random and commit it."),
	), s.handleCrystallize)

	s.mcp.AddTool(mcpgo.NewTool("apply_heuristic",
		mcpgo.WithDescription("Link orphans to trusted anchor nodes by keyword overlap. No oracle calls."),
		mcpgo.WithNumber("threshold", mcpgo.Description("Minimum keyword Jaccard score in (0, 1]")),
		mcpgo.WithNumber("max_connections", mcpgo.Description("Edge budget for this pass")),
	), s.handleHeuristic)

	s.mcp.AddTool(mcpgo.NewTool("graph_stats",
		mcpgo.WithDescription("Count live nodes, archived nodes, edges, crystals and orphans."),
	), s.handleStats)

	s.mcp.AddTool(mcpgo.NewTool("add_node",
		mcpgo.WithDescription("Write a node, optionally linked to existing nodes."),
		mcpgo.WithString("type", mcpgo.Required(), mcpgo.Description("Node type, e.g. Observation, Belief, Goal")),
		mcpgo.WithString("content", mcpgo.Required(), mcpgo.Description("Node text")),
		mcpgo.WithString("id", mcpgo.Description("Node id (default: generated)")),
		mcpgo.WithArray("link_to", mcpgo.Description("Ids of existing nodes to link with RELATED edges")),
	), s.handleAddNode)

	if log != nil {
		s.mcp.AddTool(mcpgo.NewTool("recent_activity",
			mcpgo.WithDescription("Read the engine's audit log: reconcile runs, force-mode batches, emergency actions, crystallizations and alerts."),
			mcpgo.WithNumber("limit", mcpgo.Description("Maximum entries (default 20)")),
			mcpgo.WithString("type", mcpgo.Description("Only entries of this type, e.g. crystallize or force_mode")),
			mcpgo.WithString("query", mcpgo.Description("Case-insensitive text search")),
		), s.handleActivity)
	}
	return s
}

// ServeStdio blocks serving JSON-RPC on stdin/stdout
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleReconcile(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	limit := intArg(args, "limit", s.defaults.ReconcileLimit)
	rep, err := s.engine.Reconcile(ctx, limit)
	if err != nil {
		return toolError("reconcile", err, rep), nil
	}
	return jsonResult(rep)
}

func (s *Server) handleDeadlock(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	a, err := s.engine.DetectDeadlock(ctx)
	if err != nil {
		return toolError("detect_deadlock", err, nil), nil
	}
	return jsonResult(a)
}

func (s *Server) handleCrystallize(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	out, err := s.engine.RunCrystallizationCycle(ctx)
	if err != nil {
		return toolError("crystallize", err, out), nil
	}
	return jsonResult(out)
}

func (s *Server) handleHeuristic(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	threshold := floatArg(args, "threshold", s.defaults.HeuristicThreshold)
	maxConn := intArg(args, "max_connections", s.defaults.HeuristicMax)
	res, err := s.engine.ApplyConnectionHeuristic(ctx, threshold, maxConn)
	if err != nil {
		return toolError("apply_heuristic", err, nil), nil
	}
	return jsonResult(res)
}

func (s *Server) handleStats(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	stats, err := s.engine.Stats(ctx)
	if err != nil {
		return toolError("graph_stats", err, nil), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleAddNode(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	in := engine.NodeInput{
		ID:      stringArg(args, "id"),
		Type:    stringArg(args, "type"),
		Content: stringArg(args, "content"),
	}
	if in.Type == "" || in.Content == "" {
		return mcpgo.NewToolResultError("type and content are required"), nil
	}
	switch v := args["link_to"].(type) {
	case []any:
		for _, id := range v {
			if str, ok := id.(string); ok && str != "" {
				in.LinkTo = append(in.LinkTo, str)
			}
		}
	case string:
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				in.LinkTo = append(in.LinkTo, id)
			}
		}
	}

	id, err := s.engine.AddNode(ctx, in)
	if err != nil {
		return toolError("add_node", err, nil), nil
	}
	return mcpgo.NewToolResultText(fmt.Sprintf("Created node %s", id)), nil
}

func (s *Server) handleActivity(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	limit := intArg(args, "limit", 20)

	var (
		entries []activity.Entry
		err     error
	)
	switch {
	case stringArg(args, "query") != "":
		entries, err = s.activity.Search(stringArg(args, "query"), limit)
	case stringArg(args, "type") != "":
		entries, err = s.activity.ByType(activity.Type(stringArg(args, "type")), limit)
	default:
		entries, err = s.activity.Recent(limit)
	}
	if err != nil {
		return toolError("recent_activity", err, nil), nil
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	return jsonResult(entries)
}

// toolError reports err to the caller. A partial result (a report with
// TimedOut set, say) is included so the caller sees what did happen.
func toolError(tool string, err error, partial any) *mcpgo.CallToolResult {
	logging.Error("mcp", err, "%s failed", tool)
	msg := fmt.Sprintf("%s failed: %v", tool, err)
	if partial != nil {
		if data, jerr := json.Marshal(partial); jerr == nil && string(data) != "null" {
			msg += "\n" + string(data)
		}
	}
	return mcpgo.NewToolResultError(msg)
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// JSON numbers arrive as float64
func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func floatArg(args map[string]any, key string, def float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return def
}
