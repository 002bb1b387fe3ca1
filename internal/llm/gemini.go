package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini is the hosted alternative to Ollama, selected with provider=gemini.
type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("gemini: model name is required")
	}
	var system []string
	contents := make([]*genai.Content, 0, len(req.Turns))
	for _, turn := range req.Turns {
		switch turn.Role {
		case RoleSystem:
			system = append(system, turn.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(turn.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(turn.Content, genai.RoleUser))
		}
	}
	temp := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	if req.OnPartial == nil {
		res, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
		if err != nil {
			return "", fmt.Errorf("gemini generate content: %w", err)
		}
		text := strings.TrimSpace(res.Text())
		if text == "" {
			return "", errors.New("gemini returned empty text")
		}
		return text, nil
	}

	var b strings.Builder
	for res, err := range g.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w", err)
		}
		if chunk := res.Text(); chunk != "" {
			b.WriteString(chunk)
			req.OnPartial(b.String())
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("gemini returned empty text")
	}
	return text, nil
}
