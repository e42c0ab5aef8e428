package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":       {"openai"},
	"tts":       {"openai"},
	"llm":       {"openai", "deepseek", "anthropic", "gemini", "ollama", "mistral", "groq"},
	"responder": {"echo", "assistant"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config holding only defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero field that has a default. Fields where zero
// is meaningful (reply_timeout, websocket_addr, record_dir) are left alone.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.LogLevel, LogInfo)
	setDefault(&cfg.Telemetry.ServiceName, "voicebox")

	d := &cfg.Device
	setDefault(&d.Endpoint, "tcp://127.0.0.1:5000")
	setDefault(&d.Audio.Backend, BackendSim)
	setDefault(&d.Audio.SampleRate, 16000)
	setDefault(&d.Audio.FrameSamples, 1024)
	setDefault(&d.Audio.ListenFramePeriods, 8)
	setDefault(&d.Audio.PlaybackChunkSamples, 1024)
	setDefault(&d.Audio.TrailingSilenceChunks, 8)
	setDefault(&d.Audio.ReplyCapacitySamples, 1<<20)

	setDefault(&d.VAD.EnergyThreshold, 10000)
	setDefault(&d.VAD.RestTimeout, 30*time.Second)
	setDefault(&d.VAD.SilenceTimeout, 2*time.Second)
	setDefault(&d.VAD.MaxSegment, 30*time.Second)

	setDefault(&d.Session.ArmDelay, 2500*time.Millisecond)
	setDefault(&d.Session.StopDebounce, 50*time.Millisecond)
	setDefault(&d.Session.MaxReplyTextBytes, 64<<10)

	setDefault(&d.Volume.Initial, 0.3)

	setDefault(&d.Queues.Network, 100)
	setDefault(&d.Queues.Display, 10)
	setDefault(&d.Queues.Indicator, 10)

	setDefault(&d.UI.Sink, SinkConsole)
	setDefault(&d.UI.Width, 40)
	if d.UI.SleepUpper == "" && d.UI.SleepLower == "" {
		d.UI.SleepUpper, d.UI.SleepLower = "Press to talk", "zzz"
	}

	setDefault(&d.Reconnect.MaxRetries, 10)
	setDefault(&d.Reconnect.Backoff, time.Second)
	setDefault(&d.Reconnect.MaxBackoff, 30*time.Second)

	s := &cfg.Server
	setDefault(&s.ListenAddr, ":5000")
	setDefault(&s.Responder, "echo")
	setDefault(&s.MaxSegmentBytes, 4<<20)
	setDefault(&s.SampleRate, 16000)
	setDefault(&s.ResponseTimeout, time.Minute)

	a := &s.Assistant
	setDefault(&a.STT.Name, "openai")
	setDefault(&a.STT.Model, "whisper-1")
	setDefault(&a.TTS.Name, "openai")
	setDefault(&a.TTS.Model, "tts-1")
	setDefault(&a.LLM.Name, "deepseek")
	setDefault(&a.LLM.Model, "deepseek-chat")
	setDefault(&a.Voice, "alloy")
	setDefault(&a.MinTranscriptRunes, 2)
	setDefault(&s.History.Turns, 20)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	errs = append(errs, validateDevice(&cfg.Device)...)
	errs = append(errs, validateServer(&cfg.Server)...)

	return errors.Join(errs...)
}

func validateDevice(d *DeviceConfig) []error {
	var errs []error

	if d.Endpoint != "" {
		u, err := url.Parse(d.Endpoint)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("device.endpoint %q: %w", d.Endpoint, err))
		case u.Scheme != "tcp" && u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("device.endpoint %q: scheme must be tcp, ws, or wss", d.Endpoint))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("device.endpoint %q: missing host", d.Endpoint))
		}
	}

	if d.Audio.Backend != "" && !d.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("device.audio.backend %q is invalid; valid values: sim, host", d.Audio.Backend))
	}
	for name, v := range map[string]int{
		"device.audio.sample_rate":             d.Audio.SampleRate,
		"device.audio.frame_samples":           d.Audio.FrameSamples,
		"device.audio.listen_frame_periods":    d.Audio.ListenFramePeriods,
		"device.audio.playback_chunk_samples":  d.Audio.PlaybackChunkSamples,
		"device.audio.reply_capacity_samples":  d.Audio.ReplyCapacitySamples,
		"device.queues.network":                d.Queues.Network,
		"device.queues.display":                d.Queues.Display,
		"device.queues.indicator":              d.Queues.Indicator,
		"device.session.max_reply_text_bytes":  d.Session.MaxReplyTextBytes,
		"device.audio.trailing_silence_chunks": d.Audio.TrailingSilenceChunks,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if d.VAD.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("device.vad.energy_threshold %d must not be negative", d.VAD.EnergyThreshold))
	}
	if d.VAD.SilenceTimeout > 0 && d.VAD.MaxSegment > 0 && d.VAD.SilenceTimeout >= d.VAD.MaxSegment {
		slog.Warn("device.vad.silence_timeout is not shorter than max_segment; segments will always end on max duration",
			"silence_timeout", d.VAD.SilenceTimeout,
			"max_segment", d.VAD.MaxSegment,
		)
	}
	for name, v := range map[string]time.Duration{
		"device.vad.rest_timeout":      d.VAD.RestTimeout,
		"device.vad.silence_timeout":   d.VAD.SilenceTimeout,
		"device.vad.max_segment":       d.VAD.MaxSegment,
		"device.session.arm_delay":     d.Session.ArmDelay,
		"device.session.stop_debounce": d.Session.StopDebounce,
		"device.session.reply_timeout": d.Session.ReplyTimeout,
		"device.reconnect.backoff":     d.Reconnect.Backoff,
		"device.reconnect.max_backoff": d.Reconnect.MaxBackoff,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if d.Volume.Initial != 0 && (d.Volume.Initial < 0.01 || d.Volume.Initial > 0.99) {
		errs = append(errs, fmt.Errorf("device.volume.initial %.2f is out of range [0.01, 0.99]", d.Volume.Initial))
	}
	if d.UI.Sink != "" && !d.UI.Sink.IsValid() {
		errs = append(errs, fmt.Errorf("device.ui.sink %q is invalid; valid values: console, log", d.UI.Sink))
	}
	if d.Reconnect.Backoff > 0 && d.Reconnect.MaxBackoff > 0 && d.Reconnect.Backoff > d.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("device.reconnect.backoff %s exceeds max_backoff %s", d.Reconnect.Backoff, d.Reconnect.MaxBackoff))
	}
	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	validateProviderName("responder", s.Responder)
	if s.MaxSegmentBytes < 0 {
		errs = append(errs, errors.New("server.max_segment_bytes must not be negative"))
	}
	if s.SampleRate < 0 {
		errs = append(errs, errors.New("server.sample_rate must not be negative"))
	}
	if s.ResponseTimeout < 0 {
		errs = append(errs, errors.New("server.response_timeout must not be negative"))
	}
	if s.History.Turns < 0 {
		errs = append(errs, errors.New("server.history.turns must not be negative"))
	}

	a := &s.Assistant
	validateProviderName("stt", a.STT.Name)
	validateProviderName("tts", a.TTS.Name)
	validateProviderName("llm", a.LLM.Name)
	if a.Fallback == "assistant" {
		errs = append(errs, errors.New("server.assistant.fallback cannot be the assistant itself"))
	}
	if s.Responder == "assistant" {
		if a.STT.APIKey == "" && a.STT.BaseURL == "" {
			slog.Warn("server.assistant.stt has neither api_key nor base_url; relying on OPENAI_API_KEY")
		}
		if a.LLM.APIKey == "" && a.LLM.BaseURL == "" {
			slog.Warn("server.assistant.llm has neither api_key nor base_url; relying on the provider's environment variable",
				"provider", a.LLM.Name,
			)
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
