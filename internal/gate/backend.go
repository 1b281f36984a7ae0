// internal/gate/backend.go
package gate

import "context"

// Request is one completion request for the model backend.
type Request struct {
	Stage        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
}

// Backend is the contract the gate requires from a model backend: a
// single-caller completion call. The gate is the only component allowed to
// invoke it; at most one call is in flight at any instant.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Submitter is the gate surface the pipeline stages depend on.
type Submitter interface {
	Submit(ctx context.Context, job Job) (Result, error)
}
