// Package index defines the ParserRegistry and VectorSearch seams
// (see DESIGN.md): narrow, synchronous-looking interfaces over an external
// parser/indexer and embedding store, each with a no-op default used when
// the real dependency is unavailable. These are thin lookup contracts
// rather than stateful subsystems.
package index

import "context"

// ParsedFile is the minimal per-file output a language frontend provides.
type ParsedFile struct {
	Path      string
	Symbols   []string
	Signature string
}

// ParserRegistry resolves a file's parsed form. Real implementations are
// tree-sitter frontends, kept out of scope per this design.
type ParserRegistry interface {
	Parse(ctx context.Context, path string, content []byte) (ParsedFile, error)
}

// NoOpParserRegistry returns an empty ParsedFile for every path.
type NoOpParserRegistry struct{}

func (NoOpParserRegistry) Parse(_ context.Context, path string, _ []byte) (ParsedFile, error) {
	return ParsedFile{Path: path}, nil
}

// SearchResult is one hit from a VectorSearch query.
type SearchResult struct {
	Path  string
	Score float64
}

// VectorSearch resolves a natural-language query against an embedding
// index. The real backend (a vector database) is kept out of scope.
type VectorSearch interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// NoOpVectorSearch always returns no results.
type NoOpVectorSearch struct{}

func (NoOpVectorSearch) Search(_ context.Context, _ string, _ int) ([]SearchResult, error) {
	return nil, nil
}
