package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaCompleteSingle(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"  <command>ls</command>\n"},"done":true}`)
	}))
	defer srv.Close()

	client := NewOllama(srv.URL + "/")
	out, err := client.Complete(context.Background(), Request{
		Model: "gemma3",
		Turns: []Turn{{Role: RoleSystem, Content: "rules"}, {Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "<command>ls</command>", out)
	assert.Equal(t, "gemma3", got["model"])
	assert.Equal(t, false, got["stream"])
	assert.Len(t, got["messages"], 2)
}

func TestOllamaCompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"Hel", "lo", " there"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true}`+"\n")
	}))
	defer srv.Close()

	var partials []string
	out, err := NewOllama(srv.URL).Complete(context.Background(), Request{
		Model:     "gemma3",
		OnPartial: func(text string) { partials = append(partials, text) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out)
	assert.Equal(t, []string{"Hel", "Hello", "Hello there"}, partials)
}

func TestOllamaStreamWithoutDoneFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"content":"Hel"},"done":false}`+"\n")
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL).Complete(context.Background(), Request{Model: "m", OnPartial: func(string) {}})
	assert.Error(t, err)
}

func TestOllamaHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'nope' not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL).Complete(context.Background(), Request{Model: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama http 404")
}

func TestOllamaEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"content":"   "},"done":true}`)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL).Complete(context.Background(), Request{Model: "m"})
	assert.Error(t, err)
}

func TestOllamaHonorsContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewOllama(srv.URL).Complete(ctx, Request{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOllamaRequiresModel(t *testing.T) {
	_, err := NewOllama("").Complete(context.Background(), Request{})
	assert.Error(t, err)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Options{Provider: "carrier-pigeon"})
	assert.Error(t, err)

	client, err := New(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &Ollama{}, client)
}

func TestScriptedReplaysAndFails(t *testing.T) {
	s := NewScripted("one", "two").FailOn(1, fmt.Errorf("boom"))
	out, err := s.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "one", out)
	_, err = s.Complete(context.Background(), Request{})
	assert.EqualError(t, err, "boom")
	_, err = s.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Len(t, s.Requests(), 3)
}
