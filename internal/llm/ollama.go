package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultOllamaURL = "http://127.0.0.1:11434"

// Ollama talks to a local Ollama server over /api/chat.
type Ollama struct {
	BaseURL string
	HTTP    *http.Client
}

func NewOllama(baseURL string) *Ollama {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOllamaURL
	}
	return &Ollama{BaseURL: baseURL, HTTP: &http.Client{}}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error"`
}

// Complete sends the turns to Ollama. Deadlines and cancellation come from
// ctx; the HTTP client carries no timeout of its own.
func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("ollama: model name is required")
	}
	endpoint := strings.TrimRight(strings.TrimSpace(o.BaseURL), "/") + "/api/chat"
	messages := make([]ollamaMessage, 0, len(req.Turns))
	for _, turn := range req.Turns {
		messages = append(messages, ollamaMessage{Role: string(turn.Role), Content: turn.Content})
	}
	stream := req.OnPartial != nil
	body := map[string]any{
		"model":    req.Model,
		"stream":   stream,
		"messages": messages,
		"options":  map[string]any{"temperature": req.Temperature},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := o.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama request failed on /api/chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama http %d: %s", resp.StatusCode, compactSingleLine(string(payload), 240))
	}

	var content string
	if stream {
		content, err = readOllamaStream(resp.Body, req.OnPartial)
	} else {
		content, err = readOllamaSingle(resp.Body)
	}
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.New("ollama returned empty response content")
	}
	return content, nil
}

func readOllamaSingle(r io.Reader) (string, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	var parsed ollamaChunk
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("ollama returned non-json payload")
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

// readOllamaStream folds newline-delimited JSON chunks into one completion.
func readOllamaStream(r io.Reader, onPartial func(string)) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var b strings.Builder
	done := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("ollama stream returned non-json chunk: %s", compactSingleLine(string(line), 120))
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			b.WriteString(chunk.Message.Content)
			onPartial(b.String())
		}
		if chunk.Done {
			done = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("ollama stream read failed: %w", err)
	}
	if !done {
		return "", errors.New("ollama stream ended before done")
	}
	return b.String(), nil
}
