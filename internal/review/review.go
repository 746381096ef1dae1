// Package review implements the Agent-review provider interface (C14): a
// pluggable LLM-backed reviewer with a normalized request/response.
package review

import (
	"context"

	"github.com/dkod-io/dk-server/pkg/model"
)

// Verdict is a ReviewProvider's judgement on a changeset.
type Verdict string

const (
	Approve        Verdict = "approve"
	RequestChanges Verdict = "request_changes"
	Comment        Verdict = "comment"
)

// Request is the normalized input to a review.
type Request struct {
	Diff        string
	FileContext map[string]string
	Language    string
	Intent      string
}

// Response is the normalized output of a review.
type Response struct {
	Summary     string
	Findings    []model.Finding
	Suggestions []string
	Verdict     Verdict
}

// Provider reviews a Request and returns a normalized Response. Providers
// own their own HTTP client, model name, and token budget; a provider may
// fail fast on a non-success response from its backend.
type Provider interface {
	Name() string
	Review(ctx context.Context, req Request) (Response, error)
}
