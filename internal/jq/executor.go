// Package jq projects a diff or file-context payload through a jq
// expression before it reaches an AgentReview provider, so a large
// ReviewRequest.FileContext entry can be narrowed to the fields a review
// prompt actually needs instead of shipping the whole blob.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	DefaultTimeout      = 1 * time.Second
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor compiles and runs jq expressions under a timeout and input-size
// budget, both of which matter here since the expression comes from a
// workflow document an operator wrote, not a trusted call site.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Execute runs expression against data. An empty expression is a no-op
// pass-through, letting a step that doesn't need trimming skip it.
func (e *Executor) Execute(ctx context.Context, expression string, data interface{}) (interface{}, error) {
	if expression == "" {
		return data, nil
	}
	if err := e.validateInputSize(data); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	resultChan := make(chan interface{}, 1)
	errorChan := make(chan error, 1)

	go func() {
		iter := code.Run(data)
		var results []interface{}
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errorChan <- err
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultChan <- nil
		case 1:
			resultChan <- results[0]
		default:
			resultChan <- results
		}
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errorChan:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("execution timeout after %v", e.timeout)
	}
}

// Validate compiles expression without running it, so a malformed jq
// TrimQuery is rejected when the MCP review provider is constructed
// rather than when a review step actually fires.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

func (e *Executor) validateInputSize(data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if int64(len(jsonData)) > e.maxInputSize {
		return fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)", len(jsonData), e.maxInputSize)
	}
	return nil
}
