// Package mcpsurface implements the Model Context Protocol server for
// mnemo. It exposes the memory engine to MCP-compatible agents through the
// same retrieval and write pipeline the HTTP API uses.
package mcpsurface

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mnemo-ai/mnemo/internal/memorystore"
	"github.com/mnemo-ai/mnemo/internal/retrieval"
	"github.com/mnemo-ai/mnemo/internal/storage"
)

// serverInstructions is sent to every MCP client during the initialize
// handshake, so connected agents know the retrieve-before/store-after
// workflow without per-project configuration.
const serverInstructions = `You have access to mnemo, a persistent structured memory for this user.

WORKFLOW:

1. BEFORE answering anything that might depend on what you know about the
   user: call mnemo_retrieve with the user's question or topic. Use what
   comes back naturally; each memory carries a belief tier and confidence —
   hedge when confidence is low.

2. AFTER learning something new about the user (a fact, a preference, a
   correction): call mnemo_store with a one-sentence summary, the belief
   tier, and your confidence. Contradictions with existing memories are
   detected and resolved automatically.

TOOLS:
- mnemo_retrieve: hybrid vector + graph retrieval over stored memories
- mnemo_store: write a new memory through the full belief pipeline
- mnemo_preferences: the user's current likes and dislikes
- mnemo_stats: memory store totals and tier distribution

Be honest about confidence: use "hypothesis" for guesses, "asserted_fact"
only for things the user stated outright.`

// Server wraps the MCP server with mnemo's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	store     *memorystore.Store
	retriever *retrieval.Retriever
	params    retrieval.Params
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(db *storage.DB, store *memorystore.Store, retriever *retrieval.Retriever, params retrieval.Params, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:        db,
		store:     store,
		retriever: retriever,
		params:    params,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mnemo",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
