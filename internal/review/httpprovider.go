package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkod-io/dk-server/pkg/model"
)

// HTTPProvider calls a chat-completion style HTTP API (the Anthropic
// Messages API by default) to review a changeset, generalized so any
// Messages-API-compatible backend can be pointed at it via Endpoint.
type HTTPProvider struct {
	client    *http.Client
	endpoint  string
	apiKey    string
	model     string
	maxTokens int
}

// HTTPProviderConfig configures an HTTPProvider. Endpoint defaults to the
// Anthropic Messages API; Model defaults to "claude-sonnet-4-6".
type HTTPProviderConfig struct {
	Endpoint  string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("review: api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1/messages"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-6"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPProvider{
		client:    &http.Client{Timeout: cfg.Timeout},
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (p *HTTPProvider) Name() string { return "http" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicContentBlock struct {
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
}

func (p *HTTPProvider) Review(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: buildReviewPrompt(req)}},
	})
	if err != nil {
		return Response{}, fmt.Errorf("review: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("review: build request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("review: call provider: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("review: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("review: provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Response{}, fmt.Errorf("review: decode response: %w", err)
	}
	var text strings.Builder
	for _, block := range apiResp.Content {
		text.WriteString(block.Text)
	}
	return parseReviewResponse(text.String())
}

func buildReviewPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are reviewing a code change.\n\n")
	if req.Intent != "" {
		fmt.Fprintf(&b, "Intent: %s\n\n", req.Intent)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n\n", req.Language)
	}
	b.WriteString("Diff:\n")
	b.WriteString(req.Diff)
	b.WriteString("\n\n")
	if len(req.FileContext) > 0 {
		b.WriteString("Additional file context:\n")
		for path, content := range req.FileContext {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", path, content)
		}
	}
	b.WriteString("\nRespond with a JSON object: {\"summary\": string, \"verdict\": " +
		"\"approve\"|\"request_changes\"|\"comment\", \"suggestions\": [string], " +
		"\"findings\": [{\"severity\": \"error\"|\"warning\"|\"info\", \"message\": string, " +
		"\"file\": string, \"line\": number}]}. Emit only the JSON object.")
	return b.String()
}

type reviewResponseWire struct {
	Summary     string   `json:"summary"`
	Verdict     string   `json:"verdict"`
	Suggestions []string `json:"suggestions"`
	Findings    []struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
		File     string `json:"file"`
		Line     int    `json:"line"`
	} `json:"findings"`
}

// parseReviewResponse extracts the JSON object a provider is asked to
// emit, tolerating surrounding prose some models still produce despite
// the "emit only the JSON object" instruction.
func parseReviewResponse(text string) (Response, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return Response{}, fmt.Errorf("review: no JSON object in provider response")
	}
	var wire reviewResponseWire
	if err := json.Unmarshal([]byte(text[start:end+1]), &wire); err != nil {
		return Response{}, fmt.Errorf("review: parse provider response: %w", err)
	}

	verdict := Verdict(wire.Verdict)
	switch verdict {
	case Approve, RequestChanges, Comment:
	default:
		verdict = Comment
	}

	findings := make([]model.Finding, 0, len(wire.Findings))
	for _, f := range wire.Findings {
		sev := model.Severity(f.Severity)
		switch sev {
		case model.SeverityError, model.SeverityWarning, model.SeverityInfo:
		default:
			sev = model.SeverityInfo
		}
		findings = append(findings, model.Finding{
			Severity: sev,
			File:     f.File,
			Line:     f.Line,
			Message:  f.Message,
		})
	}

	return Response{
		Summary:     wire.Summary,
		Findings:    findings,
		Suggestions: wire.Suggestions,
		Verdict:     verdict,
	}, nil
}
