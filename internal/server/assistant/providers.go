package assistant

import (
	"context"

	"github.com/MrWong99/voicebox/internal/config"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string
	Content string
}

// Transcriber turns mono PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error)
}

// Chatter completes a conversation and returns the assistant's raw answer.
type Chatter interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Synthesizer turns text into mono PCM. It returns the rate of the samples,
// which need not match the device rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (samples []int16, sampleRate int, err error)
}

// Provider registries. [RegisterDefaults] fills them with the built-in
// implementations; tests and embedders may register their own.
var (
	Transcribers = config.NewRegistry[Transcriber]("stt")
	Synthesizers = config.NewRegistry[Synthesizer]("tts")
	Chatters     = config.NewRegistry[Chatter]("llm")
)

// RegisterDefaults registers the OpenAI speech providers and every chat
// backend supported by any-llm-go.
func RegisterDefaults() {
	Transcribers.Register("openai", func(e config.ProviderEntry) (Transcriber, error) {
		return NewOpenAITranscriber(e)
	})
	Synthesizers.Register("openai", func(e config.ProviderEntry) (Synthesizer, error) {
		return NewOpenAISynthesizer(e)
	})
	for _, name := range ChatBackends {
		Chatters.Register(name, func(e config.ProviderEntry) (Chatter, error) {
			return NewChat(e)
		})
	}
}
