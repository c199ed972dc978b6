// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes read-only MyVault tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/docservice"
	"github.com/starford/myvault/internal/models"
)

// Service is the read side of the document service.
type Service interface {
	ListArtifacts(ctx context.Context, vaultID string, limit, offset int) (docservice.ArtifactPage, error)
	GetJob(ctx context.Context, id string) (models.ProcessingJob, error)
	ListChunks(ctx context.Context, jobID string) ([]models.StructuredChunk, error)
	Search(ctx context.Context, vaultID, query string, limit int) ([]models.SearchHit, error)
}

// Server wraps the MCP server with MyVault tools.
type Server struct {
	mcp *server.MCPServer
	svc Service
}

// New creates a new MCP server with all MyVault tools registered.
func New(svc Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"MyVault",
		version,
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("search_vault",
		mcp.WithDescription("Full-text search through the parsed text of a vault's documents."),
		mcp.WithString("vault_id", mcp.Required(), mcp.Description("Vault to search")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of hits (default 20)")),
	), s.searchVault)

	s.mcp.AddTool(mcp.NewTool("list_artifacts",
		mcp.WithDescription("List the documents stored in a vault, newest first."),
		mcp.WithString("vault_id", mcp.Required(), mcp.Description("Vault to list")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.listArtifacts)

	s.mcp.AddTool(mcp.NewTool("get_job",
		mcp.WithDescription("Get the status and attempt history of a processing job."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID")),
	), s.getJob)

	s.mcp.AddTool(mcp.NewTool("read_chunks",
		mcp.WithDescription("Read the ordered content chunks extracted by a completed job."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID")),
	), s.readChunks)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func errResult(what string, err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", what))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) searchVault(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vaultID, err := req.RequireString("vault_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query is empty"), nil
	}
	hits, err := s.svc.Search(ctx, vaultID, query, req.GetInt("limit", 20))
	if err != nil {
		return errResult(vaultID, err), nil
	}
	return jsonResult(hits), nil
}

func (s *Server) listArtifacts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vaultID, err := req.RequireString("vault_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	page, err := s.svc.ListArtifacts(ctx, vaultID, req.GetInt("limit", 50), max(req.GetInt("offset", 0), 0))
	if err != nil {
		return errResult(vaultID, err), nil
	}
	return jsonResult(page), nil
}

func (s *Server) getJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := s.svc.GetJob(ctx, jobID)
	if err != nil {
		return errResult(jobID, err), nil
	}
	job.RawResponse = nil
	return jsonResult(job), nil
}

func (s *Server) readChunks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	chunks, err := s.svc.ListChunks(ctx, jobID)
	if err != nil {
		return errResult(jobID, err), nil
	}
	if len(chunks) == 0 {
		return mcp.NewToolResultText("no chunks"), nil
	}
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", c.Index, c.Content)
	}
	return mcp.NewToolResultText(b.String()), nil
}
