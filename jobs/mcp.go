// CLAUDE:SUMMARY Registers mdwb_capture, mdwb_job, and mdwb_search MCP tools via kit.RegisterMCPTool.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/mdwb/kit"
	"github.com/hazyhaar/mdwb/vecindex"
)

// RegisterMCP registers the capture tools on an MCP server. ix may be nil,
// in which case the search tool is not registered.
func RegisterMCP(srv *mcp.Server, m *Manager, ix *vecindex.Index) {
	registerCaptureTool(srv, m)
	registerJobTool(srv, m)
	if ix != nil {
		registerSearchTool(srv, ix)
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- capture ---

type captureReq struct {
	URL        string `json:"url"`
	ProfileID  string `json:"profile_id,omitempty"`
	Force      bool   `json:"force,omitempty"`
	MaxAgeSecs int    `json:"max_age_seconds,omitempty"`
	Wait       bool   `json:"wait,omitempty"`
}

func registerCaptureTool(srv *mcp.Server, m *Manager) {
	tool := &mcp.Tool{
		Name:        "mdwb_capture",
		Description: "Capture a web page and convert it to markdown. Returns the job; with wait=true, blocks until the job finishes and includes the markdown.",
		InputSchema: inputSchema(map[string]any{
			"url":             map[string]any{"type": "string", "description": "Page URL (http or https)"},
			"profile_id":      map[string]any{"type": "string", "description": "Capture preset: desktop, tablet, or mobile"},
			"force":           map[string]any{"type": "boolean", "description": "Skip cache reuse and re-capture"},
			"max_age_seconds": map[string]any{"type": "integer", "description": "Reuse a prior capture no older than this"},
			"wait":            map[string]any{"type": "boolean", "description": "Block until the job reaches a terminal state"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureReq)
		snap, err := m.Submit(ctx, Request{
			URL:       r.URL,
			ProfileID: r.ProfileID,
			Force:     r.Force,
			MaxAge:    time.Duration(r.MaxAgeSecs) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if !r.Wait {
			return map[string]any{"job": snap}, nil
		}
		snap, err = m.awaitTerminal(ctx, snap.ID)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"job": snap}
		if snap.State == StateDone {
			if md, err := m.Markdown(ctx, snap.ID); err == nil {
				out["markdown"] = string(md)
			}
		}
		return out, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r captureReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- job ---

type jobReq struct {
	ID string `json:"id"`
}

func registerJobTool(srv *mcp.Server, m *Manager) {
	tool := &mcp.Tool{
		Name:        "mdwb_job",
		Description: "Inspect a capture job: state, warnings, and the run manifest when finished.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Job id"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*jobReq)
		snap, err := m.Get(r.ID)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"job": snap}
		if rec, err := m.Record(ctx, r.ID); err == nil {
			out["manifest"] = rec.Manifest
		}
		return out, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r jobReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- search ---

type searchReq struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func registerSearchTool(srv *mcp.Server, ix *vecindex.Index) {
	tool := &mcp.Tool{
		Name:        "mdwb_search",
		Description: "Semantic search over sections of previously captured pages.",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
			"limit": map[string]any{"type": "integer", "description": "Maximum hits (default 10)"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*searchReq)
		hits, err := ix.Search(ctx, r.Query, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hits": hits, "count": len(hits)}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r searchReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
