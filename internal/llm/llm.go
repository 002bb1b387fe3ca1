// Package llm is the model-inference boundary: it turns an ordered list of
// prompt turns into one text completion.
package llm

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role
	Content string
}

type Request struct {
	Model       string
	Turns       []Turn
	Temperature float64
	// OnPartial, when set, asks for a streamed completion and receives the
	// accumulated text after every chunk.
	OnPartial func(text string)
}

// Client produces exactly one completion per call, or an error.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Provider names accepted by New.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

type Options struct {
	Provider  string
	OllamaURL string
	APIKey    string
}

// New builds the client for the configured provider.
func New(ctx context.Context, opts Options) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", ProviderOllama:
		return NewOllama(opts.OllamaURL), nil
	case ProviderGemini:
		return NewGemini(ctx, opts.APIKey)
	default:
		return nil, fmt.Errorf("unknown model provider %q", opts.Provider)
	}
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if limit <= 0 || len(compact) <= limit {
		return compact
	}
	if limit <= 3 {
		return compact[:limit]
	}
	return compact[:limit-3] + "..."
}
