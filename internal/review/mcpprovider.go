package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dkod-io/dk-server/internal/jq"
)

// MCPProvider delegates review to a single tool exposed by an MCP server,
// reached over stdio. Grounded on internal/mcp/client.go's
// initialize-then-call-tool shape, generalized from a multi-tool agent
// runner down to one fixed "review" tool invocation per Review call. The
// file-context trim step reuses internal/jq's timeout- and
// size-bounded Executor rather than calling gojq directly, so a runaway
// trim expression cannot hang a review the way an unbounded gojq.Run
// would.
type MCPProvider struct {
	client    *mcpclient.Client
	toolName  string
	timeout   time.Duration
	trimQuery string
	trim      *jq.Executor
}

// MCPProviderConfig configures an MCPProvider backed by a stdio MCP server.
type MCPProviderConfig struct {
	Command string
	Args    []string
	Env     []string
	Tool    string
	Timeout time.Duration
	// TrimQuery is a jq expression run over FileContext before it is sent
	// to the tool, letting large file contexts be narrowed to the
	// fields a given reviewer actually needs.
	TrimQuery string
}

func NewMCPProvider(ctx context.Context, cfg MCPProviderConfig) (*MCPProvider, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("review: mcp command is required")
	}
	if cfg.Tool == "" {
		cfg.Tool = "review"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	c, err := mcpclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("review: create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("review: start mcp client: %w", err)
	}
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      mcp.Implementation{Name: "dk-server", Version: "0.1.0"},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("review: initialize mcp session: %w", err)
	}

	executor := jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize)
	if cfg.TrimQuery != "" {
		if err := executor.Validate(cfg.TrimQuery); err != nil {
			return nil, fmt.Errorf("review: %w", err)
		}
	}

	return &MCPProvider{
		client:    c,
		toolName:  cfg.Tool,
		timeout:   cfg.Timeout,
		trimQuery: cfg.TrimQuery,
		trim:      executor,
	}, nil
}

func (p *MCPProvider) Name() string { return "mcp:" + p.toolName }

func (p *MCPProvider) Close() error { return p.client.Close() }

func (p *MCPProvider) Review(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	fileContext, err := p.trimFileContext(ctx, req.FileContext)
	if err != nil {
		return Response{}, fmt.Errorf("review: trim file context: %w", err)
	}

	args := map[string]any{
		"diff":         req.Diff,
		"language":     req.Language,
		"intent":       req.Intent,
		"file_context": fileContext,
	}
	callReq := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: p.toolName, Arguments: args}}
	result, err := p.client.CallTool(ctx, callReq)
	if err != nil {
		return Response{}, fmt.Errorf("review: call tool %q: %w", p.toolName, err)
	}
	if result.IsError {
		return Response{}, fmt.Errorf("review: tool %q returned an error result", p.toolName)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text.WriteString(tc.Text)
		}
	}
	return parseReviewResponse(text.String())
}

// trimFileContext runs the configured jq expression over the file-context
// map so only relevant slices reach the tool call; with no TrimQuery
// configured the map passes through unmodified.
func (p *MCPProvider) trimFileContext(ctx context.Context, fileContext map[string]string) (map[string]string, error) {
	if p.trimQuery == "" {
		return fileContext, nil
	}
	asAny := make(map[string]any, len(fileContext))
	for k, v := range fileContext {
		asAny[k] = v
	}
	v, err := p.trim.Execute(ctx, p.trimQuery, asAny)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return fileContext, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fileContext, nil
	}
	return out, nil
}
