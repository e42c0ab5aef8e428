package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voicebox/internal/config"
)

// ChatBackends lists the provider names [NewChat] accepts.
var ChatBackends = []string{"openai", "deepseek", "anthropic", "gemini", "ollama", "mistral", "groq"}

// Chat is a [Chatter] backed by github.com/mozilla-ai/any-llm-go.
type Chat struct {
	backend anyllmlib.Provider
	model   string
}

// NewChat creates a chat client for entry.Name (see [ChatBackends]). Without
// an api_key the backend reads its usual environment variable, e.g.
// DEEPSEEK_API_KEY.
func NewChat(entry config.ProviderEntry) (*Chat, error) {
	if entry.Model == "" {
		return nil, errors.New("chat: model must not be empty")
	}
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	backend, err := createBackend(entry.Name, opts...)
	if err != nil {
		return nil, fmt.Errorf("chat: create %q backend: %w", entry.Name, err)
	}
	return &Chat{backend: backend, model: entry.Model}, nil
}

func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", name, strings.Join(ChatBackends, ", "))
	}
}

// Chat implements [Chatter].
func (c *Chat) Chat(ctx context.Context, messages []Message) (string, error) {
	params := anyllmlib.CompletionParams{
		Model:    c.model,
		Messages: make([]anyllmlib.Message, 0, len(messages)),
	}
	for _, m := range messages {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := c.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}
