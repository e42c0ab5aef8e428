package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voicebox/internal/config"
	"github.com/MrWong99/voicebox/pkg/audio"
)

// OpenAIPCMRate is the sample rate of the speech endpoint's "pcm" format.
const OpenAIPCMRate = 24000

// newOpenAIClient builds a client from entry. Without an api_key the SDK
// falls back to OPENAI_API_KEY. entry.Options["timeout"] may hold a
// per-request timeout such as "30s".
func newOpenAIClient(entry config.ProviderEntry) (oai.Client, error) {
	var reqOpts []option.RequestOption
	if entry.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(entry.BaseURL))
	}
	if v, ok := entry.Options["timeout"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return oai.Client{}, fmt.Errorf("openai: timeout: %w", err)
		}
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
	return oai.NewClient(reqOpts...), nil
}

// OpenAITranscriber uses the audio transcription endpoint.
type OpenAITranscriber struct {
	client   oai.Client
	model    string
	language string
}

// NewOpenAITranscriber creates a transcriber for entry.Model, e.g.
// "whisper-1". entry.Options["language"] optionally pins the ISO-639-1
// input language.
func NewOpenAITranscriber(entry config.ProviderEntry) (*OpenAITranscriber, error) {
	if entry.Model == "" {
		return nil, errors.New("openai stt: model must not be empty")
	}
	client, err := newOpenAIClient(entry)
	if err != nil {
		return nil, err
	}
	lang, _ := entry.Options["language"].(string)
	return &OpenAITranscriber{client: client, model: entry.Model, language: lang}, nil
}

// Transcribe implements [Transcriber]. The samples are uploaded as a WAV
// file.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	wav := audio.EncodeWAV(samples, sampleRate)
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "segment.wav", "audio/wav"),
		Model: oai.AudioModel(t.model),
	}
	if t.language != "" {
		params.Language = oai.String(t.language)
	}
	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// OpenAISynthesizer uses the speech endpoint with raw PCM output.
type OpenAISynthesizer struct {
	client oai.Client
	model  string
}

// NewOpenAISynthesizer creates a synthesizer for entry.Model, e.g. "tts-1".
func NewOpenAISynthesizer(entry config.ProviderEntry) (*OpenAISynthesizer, error) {
	if entry.Model == "" {
		return nil, errors.New("openai tts: model must not be empty")
	}
	client, err := newOpenAIClient(entry)
	if err != nil {
		return nil, err
	}
	return &OpenAISynthesizer{client: client, model: entry.Model}, nil
}

// Synthesize implements [Synthesizer]. The result is 24 kHz mono.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, voice string) ([]int16, int, error) {
	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(s.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("openai tts: read audio: %w", err)
	}
	return audio.Samples(pcm), OpenAIPCMRate, nil
}
