// Package assistant implements the conversational responder: speech to text,
// a chat model that answers with a short reply and an emotion, and text to
// speech resampled to the device rate.
//
// The three stages sit behind small interfaces ([Transcriber], [Chatter],
// [Synthesizer]) so they can be swapped per provider and faked in tests.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicebox/internal/config"
	"github.com/MrWong99/voicebox/internal/observe"
	"github.com/MrWong99/voicebox/internal/server"
	"github.com/MrWong99/voicebox/internal/server/history"
	"github.com/MrWong99/voicebox/pkg/audio"
)

// DefaultSystemPrompt asks the model for the JSON answer [ParseAnswer]
// understands.
const DefaultSystemPrompt = `You are the voice of a small desk robot with an expressive face.
Reply to the user based on what they said and the conversation so far.
Answer with a JSON object and nothing else, containing exactly these fields:
  "reply":    your spoken answer, at most 100 words, plain text without emoji or markup
  "emotion":  the emotion your voice should carry, one of "happiness", "sadness", "anger", "fear", "disgust", "surprise", "neutral"
  "language": the language of your reply, e.g. "en"
Example: {"reply": "Sure, no problem!", "emotion": "neutral", "language": "en"}`

// RepeatPrompt answers transcripts too short to be meaningful.
const RepeatPrompt = "Please say a complete sentence so I can understand you."

// Emotions the chat model may pick. Anything else is treated as neutral.
var Emotions = []string{"happiness", "sadness", "anger", "fear", "disgust", "surprise", "neutral"}

// Answer is the chat model's structured reply.
type Answer struct {
	Reply    string `json:"reply"`
	Emotion  string `json:"emotion"`
	Language string `json:"language"`
}

// ParseAnswer decodes raw model output. Markdown code fences are stripped.
// Output that is not the expected JSON is used verbatim as the reply.
func ParseAnswer(raw string) Answer {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	var a Answer
	if err := json.Unmarshal([]byte(s), &a); err != nil || strings.TrimSpace(a.Reply) == "" {
		return Answer{Reply: s, Emotion: "neutral"}
	}
	a.Reply = strings.TrimSpace(a.Reply)
	a.Emotion = strings.ToLower(strings.TrimSpace(a.Emotion))
	if !slices.Contains(Emotions, a.Emotion) {
		a.Emotion = "neutral"
	}
	return a
}

// Config tunes an [Assistant].
type Config struct {
	// Voice is passed to the synthesizer.
	Voice string

	// SystemPrompt defaults to [DefaultSystemPrompt].
	SystemPrompt string

	// MinTranscriptRunes is the shortest transcript sent to the chat model.
	MinTranscriptRunes int

	// HistoryTurns is how many past turns accompany each request.
	HistoryTurns int
}

// Assistant is a [server.Responder].
type Assistant struct {
	cfg     Config
	stt     Transcriber
	chat    Chatter
	tts     Synthesizer
	history history.Store
}

var _ server.Responder = (*Assistant)(nil)

// New wires the three stages. A nil store keeps 20 turns in memory.
func New(cfg Config, stt Transcriber, chat Chatter, tts Synthesizer, store history.Store) *Assistant {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if store == nil {
		store = history.NewMemory(cfg.HistoryTurns)
	}
	return &Assistant{cfg: cfg, stt: stt, chat: chat, tts: tts, history: store}
}

// Respond implements [server.Responder].
func (a *Assistant) Respond(ctx context.Context, seg server.Segment) (server.Reply, error) {
	log := observe.Logger(ctx).With("segment_id", seg.ID)

	text, err := a.transcribe(ctx, seg)
	if err != nil {
		return server.Reply{}, err
	}
	log.Info("transcribed", "text", text)

	var answer Answer
	if utf8.RuneCountInString(text) < a.cfg.MinTranscriptRunes {
		answer = Answer{Reply: RepeatPrompt, Emotion: "neutral"}
	} else {
		answer, err = a.converse(ctx, conversationOf(seg), text)
		if err != nil {
			return server.Reply{}, err
		}
	}
	log.Info("answer ready", "reply", answer.Reply, "emotion", answer.Emotion, "language", answer.Language)

	samples, err := a.synthesize(ctx, answer.Reply, seg.SampleRate)
	if err != nil {
		return server.Reply{}, err
	}
	return server.Reply{Audio: samples, Text: answer.Reply}, nil
}

func (a *Assistant) transcribe(ctx context.Context, seg server.Segment) (string, error) {
	ctx, span := observe.StartSpan(ctx, "assistant.transcribe",
		trace.WithAttributes(attribute.Float64("audio_seconds", seg.Duration().Seconds())))
	defer span.End()

	if len(seg.Samples) == 0 {
		return "", nil
	}
	text, err := a.stt.Transcribe(ctx, seg.Samples, seg.SampleRate)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("assistant: %w", err)
	}
	return text, nil
}

func (a *Assistant) converse(ctx context.Context, conversation, text string) (Answer, error) {
	ctx, span := observe.StartSpan(ctx, "assistant.chat")
	defer span.End()

	turns, err := a.history.Recent(ctx, conversation, a.cfg.HistoryTurns)
	if err != nil {
		slog.Warn("history unavailable", "conversation", conversation, "err", err)
	}
	msgs := make([]Message, 0, 2+2*len(turns))
	msgs = append(msgs, Message{Role: RoleSystem, Content: a.cfg.SystemPrompt})
	for _, t := range turns {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: t.User},
			Message{Role: RoleAssistant, Content: t.Assistant},
		)
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: text})

	raw, err := a.chat.Chat(ctx, msgs)
	if err != nil {
		span.RecordError(err)
		return Answer{}, fmt.Errorf("assistant: %w", err)
	}
	answer := ParseAnswer(raw)

	turn := history.Turn{User: text, Assistant: answer.Reply, Emotion: answer.Emotion, At: time.Now()}
	if err := a.history.Append(ctx, conversation, turn); err != nil {
		slog.Warn("history append failed", "conversation", conversation, "err", err)
	}
	return answer, nil
}

func (a *Assistant) synthesize(ctx context.Context, text string, deviceRate int) ([]int16, error) {
	ctx, span := observe.StartSpan(ctx, "assistant.synthesize",
		trace.WithAttributes(attribute.Int("text_bytes", len(text))))
	defer span.End()

	samples, rate, err := a.tts.Synthesize(ctx, text, a.cfg.Voice)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("assistant: %w", err)
	}
	return audio.Resample(samples, rate, deviceRate), nil
}

// conversationOf keys history by device host so reconnects keep context.
func conversationOf(seg server.Segment) string {
	if host, _, err := net.SplitHostPort(seg.Remote); err == nil {
		return host
	}
	return seg.Remote
}

// Close releases the history store.
func (a *Assistant) Close() { a.history.Close() }

// FromConfig builds an assistant from the registries. History goes to
// Postgres when hc.PostgresDSN is set and to memory otherwise.
func FromConfig(ctx context.Context, ac config.AssistantConfig, hc config.HistoryConfig) (*Assistant, error) {
	stt, err := Transcribers.Create(ac.STT)
	if err != nil {
		return nil, err
	}
	chat, err := Chatters.Create(ac.LLM)
	if err != nil {
		return nil, err
	}
	tts, err := Synthesizers.Create(ac.TTS)
	if err != nil {
		return nil, err
	}

	var store history.Store
	if hc.PostgresDSN != "" {
		pg, err := history.NewPostgres(ctx, hc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("assistant: %w", err)
		}
		store = pg
	}

	for _, p := range []config.ProviderEntry{ac.STT, ac.LLM, ac.TTS} {
		slog.Info("provider created", "name", p.Name, "model", p.Model)
	}
	return New(Config{
		Voice:              ac.Voice,
		SystemPrompt:       ac.SystemPrompt,
		MinTranscriptRunes: ac.MinTranscriptRunes,
		HistoryTurns:       hc.Turns,
	}, stt, chat, tts, store), nil
}
